package ss

import (
	"fmt"
	"strings"

	"github.com/docsplus/docstore/internal/logger"
	"github.com/docsplus/docstore/pkg/ss/doc"
)

// writeSession is the per-connection edit state between BEGIN_WRITE and
// END_WRITE. A connection carries at most one.
type writeSession struct {
	active   bool
	file     string
	sentence int

	// doc is the session's working copy, edited in place by APPLY.
	doc *doc.Document

	// preImage is the byte-exact file content at session start; it becomes
	// the undo snapshot on commit.
	preImage []byte
}

// openSession reads (or creates) the file and builds the session working
// copy around the locked sentence. The caller already holds the lock and
// has acknowledged the client; a failure here aborts the session silently,
// surfacing on the next APPLY.
func (s *Server) openSession(file string, sentence int) (*writeSession, error) {
	content, err := s.store.Read(file)
	if err != nil {
		logger.Debug("session target missing, creating empty", "file", file)
		if err := s.store.Put(file, nil); err != nil {
			return nil, fmt.Errorf("failed to create %s for writing: %w", file, err)
		}
		content = nil
	}

	d := doc.Tokenize(string(content))
	if sentence == d.Len() {
		// Append position: open a fresh empty sentence.
		d.Grow(sentence)
	}
	if sentence < 0 || sentence >= d.Len() {
		return nil, fmt.Errorf("sentence index %d out of range for %s", sentence, file)
	}

	pre := make([]byte, len(content))
	copy(pre, content)

	return &writeSession{
		active:   true,
		file:     file,
		sentence: sentence,
		doc:      d,
		preImage: pre,
	}, nil
}

// apply inserts content before wordIndex in the session's sentence.
func (ws *writeSession) apply(wordIndex int, content string) bool {
	return ws.doc.Insert(ws.sentence, wordIndex, Unescape(content))
}

// commit merges the session's sentence into the current on-disk document
// and atomically replaces the file, then saves the pre-image as the undo
// snapshot. Edits to other sentences made since BEGIN_WRITE survive.
func (s *Server) commit(ws *writeSession) error {
	merged := ws.doc
	if cur, err := s.store.Read(ws.file); err == nil {
		merged = doc.Tokenize(string(cur))
	}

	merged.Grow(ws.sentence)
	var replacement []string
	if ws.sentence < ws.doc.Len() {
		replacement = append(replacement, ws.doc.Sentence(ws.sentence)...)
	}
	merged.SetSentence(ws.sentence, replacement)

	if err := s.store.WriteUndo(ws.file, ws.preImage); err != nil {
		logger.Warn("failed to save undo snapshot", "file", ws.file, "error", err)
	}

	if err := s.store.Commit(ws.file, []byte(merged.Compose())); err != nil {
		return fmt.Errorf("failed to commit %s: %w", ws.file, err)
	}
	return nil
}

// close releases the session's sentence lock and resets it.
func (ws *writeSession) close(locks *lockTable) {
	if !ws.active {
		return
	}
	locks.Release(ws.file, ws.sentence)
	*ws = writeSession{}
}

// Unescape decodes the backslash escapes clients may embed in APPLY
// content: \n \t \r \\ and \". Unknown escapes keep the backslash.
func Unescape(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}
		switch s[i+1] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case '\\':
			b.WriteByte('\\')
		case '"':
			b.WriteByte('"')
		default:
			b.WriteByte(c)
			continue
		}
		i++
	}
	return b.String()
}
