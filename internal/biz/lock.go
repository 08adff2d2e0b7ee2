package biz

import "sync"

// LockTable is the process-local per-account lock table. TryAcquire never blocks.
type LockTable struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLockTable creates an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{held: make(map[string]struct{})}
}

// TryAcquire takes the lock for accountID and reports false when it is already held.
func (t *LockTable) TryAcquire(accountID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.held[accountID]; ok {
		return false
	}
	t.held[accountID] = struct{}{}
	return true
}

// Release drops the lock; releasing a free lock is a no-op.
func (t *LockTable) Release(accountID string) {
	t.mu.Lock()
	delete(t.held, accountID)
	t.mu.Unlock()
}

// Held reports whether accountID is locked.
func (t *LockTable) Held(accountID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.held[accountID]
	return ok
}

// Len returns the number of held locks.
func (t *LockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.held)
}
