package settle

import "sync/atomic"

// TxLock is the process-wide single-flight gate: at most one transaction is
// in flight at a time. Acquisition is fail-fast, never queued; a second
// concurrent transaction from the same session is a correctness hazard, not
// a scheduling problem.
type TxLock struct {
	held atomic.Bool
}

// NewTxLock returns a free lock.
func NewTxLock() *TxLock { return &TxLock{} }

// TryAcquire takes the lock, or reports false if it is already held.
func (l *TxLock) TryAcquire() bool {
	return l.held.CompareAndSwap(false, true)
}

// Release frees the lock. Idempotent: releasing a free lock is a no-op, so
// every exit path can release unconditionally.
func (l *TxLock) Release() {
	l.held.Store(false)
}

// Held reports whether a transaction is currently in flight. Balance
// refresh uses this to skip reads mid-mutation.
func (l *TxLock) Held() bool {
	return l.held.Load()
}
