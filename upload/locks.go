package upload

import (
	"sync"

	filecdn "github.com/syncshard/filecdn"
)

// lockTable hands out one mutex per hash so concurrent uploads of the same
// content serialize against each other while unrelated hashes proceed in
// parallel. Entries are reference counted and removed when the last holder
// releases, so the table never grows with the upload history.
type lockTable struct {
	mu    sync.Mutex
	locks map[filecdn.Hash]*hashLock
}

type hashLock struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[filecdn.Hash]*hashLock)}
}

// acquire blocks until the per-hash lock is held. Callers waiting on the
// same hash share one lock object.
func (t *lockTable) acquire(h filecdn.Hash) {
	t.mu.Lock()
	l, ok := t.locks[h]
	if !ok {
		l = &hashLock{}
		t.locks[h] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
}

// release unlocks the per-hash lock and removes the table entry when this
// was the last holder.
func (t *lockTable) release(h filecdn.Hash) {
	t.mu.Lock()
	l, ok := t.locks[h]
	if !ok {
		t.mu.Unlock()
		return
	}
	l.refs--
	if l.refs == 0 {
		delete(t.locks, h)
	}
	t.mu.Unlock()

	l.mu.Unlock()
}

// size returns the number of live entries, used by tests to verify the
// table self-cleans.
func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
