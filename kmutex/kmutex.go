// Package kmutex implements MUTEX_ACQUIRE(m, interruptible) from
// spec.md §5: "Mutexes are implemented as binary semaphores.
// MUTEX_ACQUIRE(m, interruptible) suspends the current thread until
// the mutex is available. Cooperative; a blocked thread yields;
// another thread on the same CPU may run."
//
// golang.org/x/sync/semaphore is a real dependency of both biscuit
// and maxnasonov-gvisor's go.mod. A weighted semaphore of weight 1 is
// a binary semaphore; its context-aware Acquire gives
// "interruptible" a genuine meaning (ctx cancellation) instead of the
// teacher's own mutex, which has no interrupt path at all.
package kmutex

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Mutex is a binary semaphore used as a lock, with an interruptible
// acquire path.
type Mutex struct {
	sem *semaphore.Weighted
}

func New() *Mutex {
	return &Mutex{sem: semaphore.NewWeighted(1)}
}

// Lock blocks until the mutex is available. It never returns an error:
// this is the non-interruptible form most call sites use.
func (m *Mutex) Lock() {
	_ = m.sem.Acquire(context.Background(), 1)
}

// LockCtx blocks until the mutex is available or ctx is done,
// implementing MUTEX_ACQUIRE(m, interruptible=true).
func (m *Mutex) LockCtx(ctx context.Context) error {
	return m.sem.Acquire(ctx, 1)
}

func (m *Mutex) Unlock() {
	m.sem.Release(1)
}

// TryLock acquires the mutex only if it is immediately available.
func (m *Mutex) TryLock() bool {
	return m.sem.TryAcquire(1)
}
