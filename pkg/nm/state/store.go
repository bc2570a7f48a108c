package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/natefinch/atomic"

	"github.com/docsplus/docstore/internal/logger"
)

// Store serializes access to the State and persists it after every
// mutation. Handlers run on connection goroutines; the single mutex keeps
// each read-check-mutate-save sequence atomic.
type Store struct {
	mu    sync.Mutex
	path  string
	state *State
	cache *dirCache
}

// Open loads the state document at path, starting empty when the file does
// not exist yet.
func Open(path string) (*Store, error) {
	s, err := load(path)
	if err != nil {
		return nil, err
	}
	logger.Info("state loaded", "path", path,
		"files", len(s.Directory), "users", len(s.Users), "trash", len(s.Trash))
	return &Store{path: path, state: s, cache: newDirCache(dirCacheSize)}, nil
}

// View runs fn with read access to the state.
func (st *Store) View(fn func(*State)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	fn(st.state)
}

// Mutate runs fn on the state and, when it succeeds, persists the whole
// document atomically. A failed save is returned but the in-memory change
// stays applied; the next successful mutation rewrites everything.
func (st *Store) Mutate(fn func(*State) error) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := fn(st.state); err != nil {
		return err
	}
	st.cache.purge()
	return st.save()
}

// LookupCached serves directory hits from a small LRU in front of the
// table; entries are invalidated wholesale on any mutation.
func (st *Store) LookupCached(file string) (DirectoryEntry, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if e, ok := st.cache.get(file); ok {
		return e, true
	}
	e := st.state.Lookup(file)
	if e == nil {
		return DirectoryEntry{}, false
	}
	st.cache.put(file, *e)
	return *e, true
}

func (st *Store) save() error {
	data, err := json.MarshalIndent(st.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if err := atomic.WriteFile(st.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to persist state to %q: %w", st.path, err)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
