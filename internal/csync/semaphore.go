// Package csync holds small synchronization primitives used by the
// scheduling packages.
package csync

import "sync"

// Semaphore is a counting semaphore starting at zero. Release adds permits,
// Acquire blocks until one is available. It intentionally differs from
// golang.org/x/sync/semaphore, which models a pre-sized resource pool and
// cannot express a zero-initial wake-up counter.
type Semaphore struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int
}

// NewSemaphore returns a semaphore with zero permits.
func NewSemaphore() *Semaphore {
	s := &Semaphore{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Acquire blocks until a permit is available and consumes it.
func (s *Semaphore) Acquire() {
	s.mu.Lock()
	for s.count == 0 {
		s.cond.Wait()
	}
	s.count--
	s.mu.Unlock()
}

// Release adds n permits and wakes up to n waiters.
func (s *Semaphore) Release(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.count += n
	s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.cond.Signal()
	}
}
