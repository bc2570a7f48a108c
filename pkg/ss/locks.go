package ss

import "sync"

type lockKey struct {
	file     string
	sentence int
}

// lockTable serializes writers per (file, sentence). Writers on different
// sentences of the same file proceed concurrently; merge-on-commit keeps
// their edits from clobbering each other.
type lockTable struct {
	mu   sync.Mutex
	held map[lockKey]struct{}
}

func newLockTable() *lockTable {
	return &lockTable{held: make(map[lockKey]struct{})}
}

// Acquire takes the lock for (file, sentence), returning false if another
// session already holds it.
func (t *lockTable) Acquire(file string, sentence int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := lockKey{file, sentence}
	if _, taken := t.held[key]; taken {
		return false
	}
	t.held[key] = struct{}{}
	return true
}

// Release drops the lock for (file, sentence). Releasing an unheld lock is
// a no-op.
func (t *lockTable) Release(file string, sentence int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.held, lockKey{file, sentence})
}
