// Package sync provides a spinlock synchronization primitive.
package sync

import "sync/atomic"

// yieldFn is called by archAcquireSpinlock once a lock has resisted
// attemptsBeforeYielding busy-spin attempts. It defaults to nil (spin
// forever on a single logical CPU, which is what a test binary without a
// scheduler needs); a scheduler wires in the real behavior with SetYield,
// typically a context.Switch to some other runnable thread.
var yieldFn func()

// SetYield installs the function archAcquireSpinlock calls when a lock is
// contended past its busy-spin budget. Passing nil restores pure spinning.
func SetYield(fn func()) {
	yieldFn = fn
}

// doYield is the Go-visible target archAcquireSpinlock calls from assembly
// once it has spun past its attempt budget.
func doYield() {
	if yieldFn != nil {
		yieldFn()
	}
}

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	archAcquireSpinlock(&l.state, 1)
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// archAcquireSpinlock is an arch-specific implementation for acquiring the lock.
func archAcquireSpinlock(state *uint32, attemptsBeforeYielding uint32)
