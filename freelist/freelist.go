// Package freelist implements a lock-free freelist of fixed-size object
// slots, organized in lazily allocated pages. Steady-state Create and
// Destroy are wait-free except for a CAS retry loop; only page growth takes
// a mutex.
//
// The head of the free chain is packed into a single 64-bit atomic holding
// {tag:32, index:32}. The tag increments on every successful CAS, which
// defeats the ABA problem when a slot is freed and immediately reused by a
// concurrent goroutine.
//
// Slot lifecycle invariant: a live slot's next field equals its own index;
// a free slot's next field holds the index of the following free slot, or
// InvalidIndex at the end of the chain.
package freelist

import (
	"sync"
	"sync/atomic"

	"github.com/joshuapare/corekit/pkg/mathutil"
)

// InvalidIndex is returned by Create when the freelist has reached its
// configured maximum.
const InvalidIndex = ^uint32(0)

// cacheLineSize is used to pad hot atomics apart from neighboring state.
const cacheLineSize = 64

type slot[T any] struct {
	object T
	// next is the index of the following free slot while this slot is on
	// the free chain, or the slot's own index while it holds a live object.
	next atomic.Uint32
}

// List is a lock-free freelist of up to maxObjects slots of type T.
// The zero value is not usable; call New.
type List[T any] struct {
	pages    [][]slot[T]
	pageSize uint32
	numPages uint32

	// numObjectsAllocated counts slots covered by allocated pages. It only
	// grows, and is advanced after the covering page is in place.
	numObjectsAllocated atomic.Uint32

	// firstFreeInNewPage claims virgin slots while the free chain is empty.
	firstFreeInNewPage atomic.Uint32

	pageMu sync.Mutex

	_ [cacheLineSize]byte

	// head packs {tag:32, index:32} of the first free slot.
	head atomic.Uint64
	tag  atomic.Uint32
}

// New creates a freelist holding at most maxObjects slots, allocated in
// pages of pageSize slots. pageSize must be a power of two.
func New[T any](maxObjects, pageSize uint32) *List[T] {
	if pageSize == 0 || !mathutil.IsPow2(uint64(pageSize)) {
		panic("freelist: page size must be a power of two")
	}
	f := &List[T]{
		pageSize: pageSize,
		numPages: (maxObjects + pageSize - 1) / pageSize,
	}
	f.pages = make([][]slot[T], f.numPages)
	f.tag.Store(1)
	f.head.Store(uint64(InvalidIndex))
	return f
}

func (f *List[T]) storage(index uint32) *slot[T] {
	return &f.pages[index/f.pageSize][index&(f.pageSize-1)]
}

// Get returns a pointer to the live object at index. The index must have
// been returned by Create and not yet destroyed.
func (f *List[T]) Get(index uint32) *T {
	return &f.storage(index).object
}

// Capacity returns the maximum number of objects the list can hold.
func (f *List[T]) Capacity() uint32 {
	return f.numPages * f.pageSize
}

// Create stores v in a free slot and returns its index, or InvalidIndex if
// the maximum object count has been reached.
func (f *List[T]) Create(v T) uint32 {
	for {
		oldHead := f.head.Load()
		first := uint32(oldHead)

		if first == InvalidIndex {
			// Free chain is empty: claim a slot from a page that has never
			// been used before, growing the page table if needed.
			index := f.firstFreeInNewPage.Add(1) - 1
			if index >= f.numObjectsAllocated.Load() && !f.allocatePages(index) {
				return InvalidIndex
			}
			s := f.storage(index)
			s.object = v
			s.next.Store(index)
			return index
		}

		next := f.storage(first).next.Load()
		newHead := uint64(next) | uint64(f.tag.Add(1))<<32

		if f.head.CompareAndSwap(oldHead, newHead) {
			s := f.storage(first)
			s.object = v
			s.next.Store(first)
			return first
		}
	}
}

// allocatePages grows the page table until index is covered. Returns false
// when the configured maximum is reached.
func (f *List[T]) allocatePages(index uint32) bool {
	f.pageMu.Lock()
	defer f.pageMu.Unlock()

	for index >= f.numObjectsAllocated.Load() {
		nextPage := f.numObjectsAllocated.Load() / f.pageSize
		if nextPage == f.numPages {
			return false
		}
		f.pages[nextPage] = make([]slot[T], f.pageSize)
		f.numObjectsAllocated.Add(f.pageSize)
	}
	return true
}

// Destroy releases the slot at index back onto the free chain.
func (f *List[T]) Destroy(index uint32) {
	s := f.storage(index)
	var zero T
	s.object = zero

	for {
		oldHead := f.head.Load()
		s.next.Store(uint32(oldHead))

		newHead := uint64(index) | uint64(f.tag.Add(1))<<32
		if f.head.CompareAndSwap(oldHead, newHead) {
			return
		}
	}
}

// Batch collects slots so they can be released in a single CAS.
type Batch struct {
	first uint32
	last  uint32
	count uint32
}

// NewBatch returns an empty batch.
func NewBatch() Batch {
	return Batch{first: InvalidIndex, last: InvalidIndex}
}

// Len returns the number of slots queued in the batch.
func (b *Batch) Len() int { return int(b.count) }

// AddToBatch appends the live slot at index to the batch. The slot must not
// already be free or queued in another batch.
func (f *List[T]) AddToBatch(b *Batch, index uint32) {
	if b.first == InvalidIndex {
		b.first = index
	} else {
		f.storage(b.last).next.Store(index)
	}
	b.last = index
	b.count++
}

// DestroyBatch splices every slot in the batch onto the free chain with one
// CAS and resets the batch.
func (f *List[T]) DestroyBatch(b *Batch) {
	if b.first == InvalidIndex {
		return
	}

	// Clear objects along the chain before publishing it.
	var zero T
	for idx := b.first; ; {
		s := f.storage(idx)
		s.object = zero
		if idx == b.last {
			break
		}
		idx = s.next.Load()
	}

	last := f.storage(b.last)
	for {
		oldHead := f.head.Load()
		last.next.Store(uint32(oldHead))

		newHead := uint64(b.first) | uint64(f.tag.Add(1))<<32
		if f.head.CompareAndSwap(oldHead, newHead) {
			*b = NewBatch()
			return
		}
	}
}
