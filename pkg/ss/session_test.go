package ss

import (
	"testing"

	"github.com/docsplus/docstore/pkg/config"
	"github.com/docsplus/docstore/pkg/metrics"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.SSConfig{ID: 1, DataDir: t.TempDir()}
	s, err := New(cfg, metrics.New())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	s.notifier = nil
	return s
}

func TestUnescape(t *testing.T) {
	cases := []struct{ in, want string }{
		{`plain`, "plain"},
		{`a\nb`, "a\nb"},
		{`a\tb`, "a\tb"},
		{`a\rb`, "a\rb"},
		{`a\\b`, `a\b`},
		{`say \"hi\"`, `say "hi"`},
		{`trailing\`, `trailing\`},
		{`unknown \x`, `unknown \x`},
	}
	for _, tc := range cases {
		if got := Unescape(tc.in); got != tc.want {
			t.Errorf("Unescape(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestOpenSessionCreatesMissingFile(t *testing.T) {
	s := newTestServer(t)

	ws, err := s.openSession("new.txt", 0)
	if err != nil {
		t.Fatalf("openSession() error = %v", err)
	}
	if !ws.active {
		t.Error("session not active")
	}
	if len(ws.preImage) != 0 {
		t.Errorf("preImage = %q, want empty", ws.preImage)
	}
	if _, err := s.store.Read("new.txt"); err != nil {
		t.Errorf("file was not created: %v", err)
	}
}

func TestOpenSessionAppendSentence(t *testing.T) {
	s := newTestServer(t)
	if err := s.store.Put("a.txt", []byte("First.")); err != nil {
		t.Fatal(err)
	}

	// "First." tokenizes to two sentences (the second empty); index 2 is the
	// append position.
	ws, err := s.openSession("a.txt", 2)
	if err != nil {
		t.Fatalf("openSession() error = %v", err)
	}
	if ws.doc.Len() != 3 {
		t.Errorf("doc.Len() = %d, want 3", ws.doc.Len())
	}
}

func TestOpenSessionRejectsOutOfRange(t *testing.T) {
	s := newTestServer(t)
	if err := s.store.Put("a.txt", []byte("First.")); err != nil {
		t.Fatal(err)
	}

	if _, err := s.openSession("a.txt", 7); err == nil {
		t.Error("openSession() accepted out-of-range sentence index")
	}
	if _, err := s.openSession("a.txt", -1); err == nil {
		t.Error("openSession() accepted negative sentence index")
	}
}

func TestCommitWritesFileAndUndo(t *testing.T) {
	s := newTestServer(t)
	if err := s.store.Put("a.txt", []byte("old text")); err != nil {
		t.Fatal(err)
	}

	ws, err := s.openSession("a.txt", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !ws.apply(2, "edited") {
		t.Fatal("apply failed")
	}
	if err := s.commit(ws); err != nil {
		t.Fatalf("commit() error = %v", err)
	}

	body, _ := s.store.Read("a.txt")
	if string(body) != "old text edited" {
		t.Errorf("committed body = %q, want %q", body, "old text edited")
	}
	undo, err := s.store.ReadUndo("a.txt")
	if err != nil || string(undo) != "old text" {
		t.Errorf("undo snapshot = %q, %v; want pre-image", undo, err)
	}
}

func TestCommitMergePreservesOtherSentences(t *testing.T) {
	// Two sessions on different sentences of the same file: the second
	// commit must not clobber the first one's edit.
	s := newTestServer(t)
	if err := s.store.Put("a.txt", []byte("one. two.")); err != nil {
		t.Fatal(err)
	}

	first, err := s.openSession("a.txt", 0)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.openSession("a.txt", 1)
	if err != nil {
		t.Fatal(err)
	}

	if !first.apply(1, "hundred") {
		t.Fatal("first apply failed")
	}
	if err := s.commit(first); err != nil {
		t.Fatal(err)
	}

	if !second.apply(1, "thousand") {
		t.Fatal("second apply failed")
	}
	if err := s.commit(second); err != nil {
		t.Fatal(err)
	}

	body, _ := s.store.Read("a.txt")
	if string(body) != "one hundred. two thousand." {
		t.Errorf("merged body = %q, want %q", body, "one hundred. two thousand.")
	}
}

func TestSessionCloseReleasesLock(t *testing.T) {
	s := newTestServer(t)

	if !s.locks.Acquire("a.txt", 0) {
		t.Fatal("lock acquire failed")
	}
	ws := &writeSession{active: true, file: "a.txt", sentence: 0}
	ws.close(s.locks)

	if ws.active {
		t.Error("session still active after close")
	}
	if !s.locks.Acquire("a.txt", 0) {
		t.Error("lock not released by close")
	}
}

func TestLockTable(t *testing.T) {
	locks := newLockTable()
	if !locks.Acquire("f", 0) {
		t.Fatal("first acquire failed")
	}
	if locks.Acquire("f", 0) {
		t.Error("second acquire of held lock succeeded")
	}
	if !locks.Acquire("f", 1) {
		t.Error("acquire of different sentence failed")
	}
	if !locks.Acquire("g", 0) {
		t.Error("acquire of different file failed")
	}
	locks.Release("f", 0)
	if !locks.Acquire("f", 0) {
		t.Error("acquire after release failed")
	}
}
