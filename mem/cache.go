package mem

import (
	"slices"
	"sort"
	"sync"
	"unsafe"
)

// CacheConfig groups the information needed to create a MemoryCache.
type CacheConfig struct {
	// MinSize is the minimum size in bytes for an allocation. Smaller
	// requests are padded up. Defaults to 4 KiB.
	MinSize int

	// SizeTolerance is the maximum acceptable ratio between a recycled
	// chunk's size and the requested size. Defaults to 2.0; values below
	// 1.0 behave like 1.0.
	SizeTolerance float64

	// Alloc and Free provide the backing memory. Default to
	// HeapAlloc/HeapFree.
	Alloc AllocFunc
	Free  FreeFunc
}

type cachedChunk struct {
	size int
	data []byte
}

// MemoryCache is an Allocator that recycles previously freed chunks.
// Freed chunks are kept in a size-ordered index; an allocation is served
// from the index when a chunk of at least the requested size, and at most
// SizeTolerance times it, is available.
type MemoryCache struct {
	mu   sync.Mutex
	cfg  CacheConfig
	free []cachedChunk // sorted by size ascending
	used map[uintptr]cachedChunk
}

var _ Allocator = (*MemoryCache)(nil)

// NewMemoryCache creates a MemoryCache, applying defaults for zero-valued
// config fields.
func NewMemoryCache(cfg CacheConfig) *MemoryCache {
	if cfg.MinSize <= 0 {
		cfg.MinSize = 1 << 12
	}
	if cfg.SizeTolerance == 0 {
		cfg.SizeTolerance = 2.0
	}
	if cfg.Alloc == nil {
		cfg.Alloc = HeapAlloc
	}
	if cfg.Free == nil {
		cfg.Free = HeapFree
	}
	return &MemoryCache{
		cfg:  cfg,
		used: make(map[uintptr]cachedChunk),
	}
}

func chunkBase(data []byte) uintptr {
	return uintptr(unsafe.Pointer(&data[0]))
}

// Allocate returns a slice of numBytes bytes, recycling a cached chunk when
// one of acceptable size exists. Returns nil when numBytes is zero or the
// backing allocator fails even after shrinking.
func (c *MemoryCache) Allocate(numBytes int) []byte {
	if numBytes <= 0 {
		return nil
	}
	want := max(numBytes, c.cfg.MinSize)

	c.mu.Lock()
	defer c.mu.Unlock()

	// upper bound for the accepted size of a recycled chunk
	maxBytes := int(float64(want) * max(c.cfg.SizeTolerance, 1.0))

	idx := sort.Search(len(c.free), func(i int) bool { return c.free[i].size >= want })
	if idx < len(c.free) && c.free[idx].size <= maxBytes {
		chunk := c.free[idx]
		c.free = slices.Delete(c.free, idx, idx+1)
		c.used[chunkBase(chunk.data)] = chunk
		return chunk.data[:numBytes]
	}

	data := c.cfg.Alloc(want)
	if data == nil {
		// second chance after returning every cached chunk
		c.shrinkLocked()
		data = c.cfg.Alloc(want)
	}
	if data == nil {
		return nil
	}
	c.used[chunkBase(data)] = cachedChunk{size: want, data: data}
	return data[:numBytes]
}

// Free moves a buffer obtained from Allocate into the cache of free chunks
// for later reuse. Foreign buffers are ignored.
func (c *MemoryCache) Free(buf []byte) {
	if len(buf) == 0 {
		return
	}
	base := chunkBase(buf)

	c.mu.Lock()
	defer c.mu.Unlock()

	chunk, ok := c.used[base]
	if !ok {
		return
	}
	delete(c.used, base)

	idx := sort.Search(len(c.free), func(i int) bool { return c.free[i].size >= chunk.size })
	c.free = slices.Insert(c.free, idx, chunk)
}

// Shrink returns every cached free chunk to the backing allocator. Live
// allocations are unaffected.
func (c *MemoryCache) Shrink() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shrinkLocked()
}

func (c *MemoryCache) shrinkLocked() {
	for _, chunk := range c.free {
		c.cfg.Free(chunk.data)
	}
	c.free = c.free[:0]
}

// Close releases every chunk, used or free. The cache must not be used
// afterwards.
func (c *MemoryCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.shrinkLocked()
	for base, chunk := range c.used {
		c.cfg.Free(chunk.data)
		delete(c.used, base)
	}
}

// State returns the allocator counters.
func (c *MemoryCache) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := State{NumAllocations: len(c.free) + len(c.used)}
	for _, chunk := range c.used {
		st.NumBytesUsed += chunk.size
	}
	st.NumBytesAllocated = st.NumBytesUsed
	for _, chunk := range c.free {
		st.NumBytesAllocated += chunk.size
	}
	return st
}
