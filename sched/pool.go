package sched

import (
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joshuapare/corekit/freelist"
	"github.com/joshuapare/corekit/internal/csync"
)

// queueSize is the ring-buffer capacity and also the maximum number of
// outstanding tasks. Must be a power of two.
const queueSize = 1024

const cacheLineSize = 64

// task is a queue entry: the bound function plus its own freelist index so
// a consumer can release the slot after invocation.
type task struct {
	fn    func()
	index uint32
}

// paddedCursor keeps per-worker read cursors on separate cache lines.
type paddedCursor struct {
	v atomic.Uint32
	_ [cacheLineSize - 4]byte
}

// Pool is a lock-free thread pool. Tasks are held in a fixed-size freelist
// and published through a ring buffer of atomic pointers; workers claim
// slots with exchange-with-nil. A Pool with zero threads collects tasks
// until Poll is called.
type Pool struct {
	tasks *freelist.List[task]
	queue [queueSize]atomic.Pointer[task]

	// heads holds the per-worker read cursors.
	heads []paddedCursor

	_ [cacheLineSize]byte

	// tail is the monotonic write cursor.
	tail atomic.Uint32

	sem        *csync.Semaphore
	quit       atomic.Bool
	wg         sync.WaitGroup
	numWorkers int
}

// NewPool creates a pool running numThreads workers. numThreads may be
// zero for a polling-only queue.
func NewPool(numThreads int) *Pool {
	p := &Pool{}
	p.start(numThreads)
	return p
}

// NumThreads returns the number of worker goroutines.
func (p *Pool) NumThreads() int { return p.numWorkers }

// SetNumThreads joins all current workers, then restarts the pool with the
// desired number of threads.
func (p *Pool) SetNumThreads(numThreads int) {
	if numThreads < 0 {
		return
	}
	p.JoinAll()
	p.start(numThreads)
}

func (p *Pool) start(numThreads int) {
	p.tasks = freelist.New[task](queueSize, queueSize)
	p.sem = csync.NewSemaphore()
	if numThreads <= 0 {
		return
	}

	p.quit.Store(false)
	p.numWorkers = numThreads
	p.heads = make([]paddedCursor, numThreads)

	for i := 0; i < numThreads; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

func (p *Pool) worker(threadIdx int) {
	defer p.wg.Done()
	head := &p.heads[threadIdx].v

	for {
		// wait for jobs
		p.sem.Acquire()

		// loop over the queue, exchanging any job pointer we find with nil
		for h := head.Load(); h != p.tail.Load(); {
			slot := &p.queue[h&(queueSize-1)]
			if slot.Load() != nil {
				if t := slot.Swap(nil); t != nil {
					t.fn()
					p.tasks.Destroy(t.index)
				}
			}
			h++
			head.Store(h)
		}

		if p.quit.Load() {
			return
		}
	}
}

// minHead returns the minimal read cursor across all workers, defaulting to
// the tail when no workers exist.
func (p *Pool) minHead() uint32 {
	head := p.tail.Load()
	for i := range p.heads {
		if h := p.heads[i].v.Load(); h < head {
			head = h
		}
	}
	return head
}

// queueTask publishes a task pointer into the ring buffer.
func (p *Pool) queueTask(t *task) {
	// Read the head first so the tail cannot pass it; it iterates all
	// workers, so refresh it only when the queue looks full.
	head := p.minHead()

	for {
		oldTail := p.tail.Load()

		if oldTail-head >= queueSize {
			head = p.minHead()
			oldTail = p.tail.Load()

			if oldTail-head >= queueSize {
				// wake all workers so they clear any unprocessed slots,
				// then wait for their cursors to advance
				p.sem.Release(p.numWorkers)
				time.Sleep(100 * time.Microsecond)
				continue
			}
		}

		ok := p.queue[oldTail&(queueSize-1)].CompareAndSwap(nil, t)

		// Whoever wrote the slot, advance the tail; a failed CAS means a
		// concurrent producer already did.
		p.tail.CompareAndSwap(oldTail, oldTail+1)

		if ok {
			return
		}
	}
}

// post stores fn in a freelist slot and publishes it. The freelist is sized
// to the ring buffer, so exhaustion only happens while the queue is
// saturated; spin until a slot frees up.
func (p *Pool) post(fn func()) {
	var index uint32
	for {
		index = p.tasks.Create(task{})
		if index != freelist.InvalidIndex {
			break
		}
		runtime.Gosched()
	}

	t := p.tasks.Get(index)
	t.fn = fn
	t.index = index

	p.queueTask(t)
	p.sem.Release(1)
}

// Post schedules fn on the pool and returns a Future for its result.
func Post[R any](p *Pool, fn func() R) *Future[R] {
	fut := newFuture[R]()
	p.post(wrap(fut, fn))
	return fut
}

// PostDelayed schedules fn on the pool after the given delay has elapsed.
func PostDelayed[R any](p *Pool, delay time.Duration, fn func() R) *Future[R] {
	fut := newFuture[R]()
	time.AfterFunc(delay, func() { p.post(wrap(fut, fn)) })
	return fut
}

// Submit schedules fn without completion tracking. A panic in fn is logged
// and discarded.
func (p *Pool) Submit(fn func()) {
	if fn == nil {
		return
	}
	p.post(func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("sched: untracked task panic", "recovered", r)
			}
		}()
		fn()
	})
}

// Poll sequentially claims and runs every published task on the calling
// goroutine. Intended for pools with zero threads. Returns the number of
// tasks executed.
func (p *Pool) Poll() int {
	ret := 0
	for head := uint32(0); head != p.tail.Load(); head++ {
		if t := p.queue[head&(queueSize-1)].Swap(nil); t != nil {
			t.fn()
			p.tasks.Destroy(t.index)
			ret++
		}
	}
	return ret
}

// JoinAll stops the workers, joins them, drains any residual tasks and
// resets the cursors. Calling it twice is a no-op the second time.
func (p *Pool) JoinAll() {
	p.quit.Store(true)
	p.sem.Release(p.numWorkers)
	p.wg.Wait()
	p.numWorkers = 0
	p.heads = nil

	p.Poll()
	p.tail.Store(0)
}
