// Package doc models a document as an ordered sequence of sentences, each an
// ordered sequence of tokens. The tokenizer and its inverse are the contract
// the sentence-level write sessions are built on: whitespace separates tokens
// and is never kept, and the delimiters . ! ? attach to the preceding token
// and terminate the sentence.
package doc

import "strings"

// IsDelimiter reports whether c terminates a sentence.
func IsDelimiter(c byte) bool {
	return c == '.' || c == '!' || c == '?'
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// Document is the in-memory token form of a file.
type Document struct {
	// Sentences holds the tokens of each sentence. A trailing delimiter in
	// the source text leaves an empty trailing sentence; callers addressing
	// sentences must tolerate an index equal to the count (append).
	Sentences [][]string
}

// Tokenize splits text into sentences of tokens.
//
// A delimiter is appended to the current token if one is open, otherwise to
// the last emitted token of the sentence, otherwise it becomes a one-char
// token. In every case it closes the sentence and opens a new, possibly
// empty, one.
func Tokenize(text string) *Document {
	d := &Document{Sentences: [][]string{nil}}
	cur := 0
	tokStart := -1

	flush := func(end int) {
		if tokStart >= 0 {
			d.Sentences[cur] = append(d.Sentences[cur], text[tokStart:end])
			tokStart = -1
		}
	}

	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case isSpace(c):
			flush(i)
		case IsDelimiter(c):
			if tokStart >= 0 {
				d.Sentences[cur] = append(d.Sentences[cur], text[tokStart:i]+string(c))
				tokStart = -1
			} else if n := len(d.Sentences[cur]); n > 0 {
				d.Sentences[cur][n-1] += string(c)
			} else {
				d.Sentences[cur] = append(d.Sentences[cur], string(c))
			}
			d.Sentences = append(d.Sentences, nil)
			cur++
		default:
			if tokStart < 0 {
				tokStart = i
			}
		}
	}
	flush(len(text))
	return d
}

// Compose joins tokens with single spaces. A space separates consecutive
// sentences, but empty sentences (the artifact of a trailing delimiter, or
// of growing the document to address a new sentence) contribute nothing, so
// composed text never ends in stray whitespace.
func (d *Document) Compose() string {
	var b strings.Builder
	wrote := false
	for _, sent := range d.Sentences {
		if len(sent) == 0 {
			continue
		}
		if wrote {
			b.WriteByte(' ')
		}
		b.WriteString(strings.Join(sent, " "))
		wrote = true
	}
	return b.String()
}

// Len returns the number of sentences, counting empty ones.
func (d *Document) Len() int {
	return len(d.Sentences)
}

// WordCount returns the number of tokens in sentence sidx.
func (d *Document) WordCount(sidx int) int {
	if sidx < 0 || sidx >= len(d.Sentences) {
		return 0
	}
	return len(d.Sentences[sidx])
}

// Grow appends empty sentences until sidx is addressable.
func (d *Document) Grow(sidx int) {
	for len(d.Sentences) <= sidx {
		d.Sentences = append(d.Sentences, nil)
	}
}

// SetSentence replaces sentence sidx with a copy of tokens.
func (d *Document) SetSentence(sidx int, tokens []string) {
	d.Grow(sidx)
	d.Sentences[sidx] = append([]string(nil), tokens...)
}

// Sentence returns a copy of the tokens of sentence sidx.
func (d *Document) Sentence(sidx int) []string {
	if sidx < 0 || sidx >= len(d.Sentences) {
		return nil
	}
	return append([]string(nil), d.Sentences[sidx]...)
}

// Insert splices the whitespace-separated tokens of content into sentence
// sidx before token widx; widx equal to the token count appends.
//
// Appending has two refinements carried by the write protocol:
//   - content that is exactly one delimiter character attaches to the last
//     token of a non-empty sentence instead of adding a token;
//   - if the last existing token ends with a delimiter, the delimiter moves
//     to the last inserted token, so the appended words join the sentence
//     and the terminator stays at its true end.
//
// Returns false for an out-of-range index or empty content.
func (d *Document) Insert(sidx, widx int, content string) bool {
	if sidx < 0 || sidx >= len(d.Sentences) || widx < 0 {
		return false
	}
	tokens := splitTokens(content)
	if len(tokens) == 0 {
		return false
	}
	sent := d.Sentences[sidx]
	wc := len(sent)

	if widx >= wc && len(tokens) == 1 && len(content) == 1 && IsDelimiter(content[0]) && wc > 0 {
		sent[wc-1] += content
		return true
	}
	if widx > wc {
		return false
	}

	if widx == wc && wc > 0 {
		last := sent[wc-1]
		if n := len(last); n > 0 && IsDelimiter(last[n-1]) {
			sent[wc-1] = last[:n-1]
			tokens[len(tokens)-1] += string(last[n-1])
		}
	}

	merged := make([]string, 0, wc+len(tokens))
	merged = append(merged, sent[:widx]...)
	merged = append(merged, tokens...)
	merged = append(merged, sent[widx:]...)
	d.Sentences[sidx] = merged
	return true
}

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	c := &Document{Sentences: make([][]string, len(d.Sentences))}
	for i, sent := range d.Sentences {
		c.Sentences[i] = append([]string(nil), sent...)
	}
	return c
}

// Words returns every token of the document in order, the stream the paced
// reader emits.
func Words(text string) []string {
	return splitTokens(text)
}

func splitTokens(s string) []string {
	var out []string
	start := -1
	for i := 0; i < len(s); i++ {
		if isSpace(s[i]) {
			if start >= 0 {
				out = append(out, s[start:i])
				start = -1
			}
		} else if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, s[start:])
	}
	return out
}
