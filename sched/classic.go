package sched

import (
	"log/slog"
	"sync"
)

// Priority selects the queue a task is posted to. Workers always take from
// the highest-priority non-empty queue.
type Priority uint32

const (
	PriorityHigh Priority = iota
	PriorityDefault

	numPriorities
)

// ClassicPool is the conventional mutex/condvar thread pool with one FIFO
// per priority level.
type ClassicPool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queues  [numPriorities][]func()
	running bool
	threads int
	wg      sync.WaitGroup
}

// NewClassicPool creates a classic pool running numThreads workers.
func NewClassicPool(numThreads int) *ClassicPool {
	p := &ClassicPool{}
	p.cond = sync.NewCond(&p.mu)
	p.start(numThreads)
	return p
}

// NumThreads returns the number of worker goroutines.
func (p *ClassicPool) NumThreads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.threads
}

// SetNumThreads joins all current workers, then restarts the pool with the
// desired number of threads.
func (p *ClassicPool) SetNumThreads(numThreads int) {
	if numThreads < 0 {
		return
	}
	p.JoinAll()
	p.start(numThreads)
}

func (p *ClassicPool) start(numThreads int) {
	if numThreads <= 0 {
		return
	}
	p.mu.Lock()
	p.running = true
	p.threads = numThreads
	p.mu.Unlock()

	for i := 0; i < numThreads; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *ClassicPool) anyQueued() bool {
	for i := range p.queues {
		if len(p.queues[i]) > 0 {
			return true
		}
	}
	return false
}

func (p *ClassicPool) worker() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for p.running && !p.anyQueued() {
			p.cond.Wait()
		}
		if !p.running && !p.anyQueued() {
			p.mu.Unlock()
			return
		}

		// grab a task from the highest-priority non-empty queue
		var fn func()
		for i := range p.queues {
			if len(p.queues[i]) > 0 {
				fn = p.queues[i][0]
				p.queues[i] = p.queues[i][1:]
				break
			}
		}
		p.mu.Unlock()

		if fn != nil {
			fn()
		}
	}
}

func (p *ClassicPool) post(prio Priority, fn func()) {
	if prio >= numPriorities {
		prio = PriorityDefault
	}
	p.mu.Lock()
	p.queues[prio] = append(p.queues[prio], fn)
	p.mu.Unlock()
	p.cond.Signal()
}

// PostPriority schedules fn at the given priority and returns a Future for
// its result.
func PostPriority[R any](p *ClassicPool, prio Priority, fn func() R) *Future[R] {
	fut := newFuture[R]()
	p.post(prio, wrap(fut, fn))
	return fut
}

// PostClassic schedules fn at default priority and returns a Future for
// its result.
func PostClassic[R any](p *ClassicPool, fn func() R) *Future[R] {
	return PostPriority(p, PriorityDefault, fn)
}

// Submit schedules fn at default priority without completion tracking.
// A panic in fn is logged and discarded.
func (p *ClassicPool) Submit(fn func()) {
	p.SubmitPriority(PriorityDefault, fn)
}

// SubmitPriority schedules fn at the given priority without completion
// tracking.
func (p *ClassicPool) SubmitPriority(prio Priority, fn func()) {
	if fn == nil {
		return
	}
	p.post(prio, func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("sched: untracked task panic", "recovered", r)
			}
		}()
		fn()
	})
}

// Poll synchronously drains every queued task on the calling goroutine.
// It only acts when no workers are running; otherwise it returns 0.
func (p *ClassicPool) Poll() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running || p.threads > 0 {
		return 0
	}

	ret := 0
	for i := range p.queues {
		for len(p.queues[i]) > 0 {
			fn := p.queues[i][0]
			p.queues[i] = p.queues[i][1:]
			if fn != nil {
				fn()
			}
			ret++
		}
	}
	return ret
}

// JoinAll stops and joins all workers. Tasks still waiting in the queues
// are discarded.
func (p *ClassicPool) JoinAll() {
	p.mu.Lock()
	p.running = false
	for i := range p.queues {
		p.queues[i] = nil
	}
	p.mu.Unlock()
	p.cond.Broadcast()

	p.wg.Wait()

	p.mu.Lock()
	p.threads = 0
	p.mu.Unlock()
}
