package mem

import (
	"errors"
	"slices"
	"sync"
	"unsafe"

	"github.com/joshuapare/corekit/pkg/mathutil"
)

// ErrBadBlockSize indicates an unusable BlockSize/MinBlockSize combination.
var ErrBadBlockSize = errors.New("mem: block size must be >= min block size")

// Binary-tree helpers for the per-block node array. The tree is stored as a
// complete binary tree: children of i are 2i+1 and 2i+2.

func treeParent(index int) int {
	if index > 0 {
		return (index+1)/2 - 1
	}
	return 0
}

func treeLeft(index int) int { return 2*index + 1 }

func treeRight(index int) int { return 2*index + 2 }

// treeBuddy returns the sibling of index, or 0 for the root.
func treeBuddy(index int) int {
	if index > 0 {
		return index - 1 + (index&1)*2
	}
	return 0
}

// treeIndexOffset maps a node to its leaf offset within the block.
func treeIndexOffset(index int, level, maxLevel uint) int {
	return ((index + 1) - (1 << level)) << (maxLevel - level)
}

type nodeState uint8

const (
	nodeUnused nodeState = iota
	nodeUsed
	nodeSplit
	nodeFull
)

// buddyBlock holds one top-level allocation along with the binary tree
// managing it.
type buddyBlock struct {
	data []byte
	base uintptr
	tree []nodeState
}

func newBuddyTree(height uint) []nodeState {
	numLeaves := 1 << height
	return make([]nodeState, 2*numLeaves-1)
}

// buddyMarkParent propagates full subtrees upward after marking a node used.
func buddyMarkParent(tree []nodeState, index int) {
	for {
		buddy := treeBuddy(index)
		if buddy == 0 || (tree[buddy] != nodeUsed && tree[buddy] != nodeFull) {
			return
		}
		index = treeParent(index)
		tree[index] = nodeFull
	}
}

// buddyAlloc finds a free node serving size leaves via iterative descent.
// Returns the leaf offset of the allocation, or -1 on failure. size is in
// units of minimum blocks and is rounded up to a power of two.
func buddyAlloc(tree []nodeState, height uint, size int) int {
	if size == 0 {
		size = 1
	} else {
		size = int(mathutil.NextPow2(uint64(size)))
	}

	length := 1 << height
	if size > length {
		return -1
	}

	index := 0
	level := uint(0)

	for {
		if size == length {
			// found a matching level
			if tree[index] == nodeUnused {
				tree[index] = nodeUsed
				buddyMarkParent(tree, index)
				return treeIndexOffset(index, level, height)
			}
		} else {
			switch tree[index] {
			case nodeUnused:
				// split first, then descend left
				tree[index] = nodeSplit
				tree[treeLeft(index)] = nodeUnused
				tree[treeRight(index)] = nodeUnused
				fallthrough
			case nodeSplit:
				index = treeLeft(index)
				length /= 2
				level++
				continue
			case nodeUsed, nodeFull:
				// occupied, fall through to sibling/backtrack
			}
		}

		// left children are odd: move to the right sibling
		if index&1 == 1 {
			index++
			continue
		}

		// backtrack until a right sibling exists
		for {
			if index == 0 {
				return -1
			}
			level--
			length *= 2
			index = treeParent(index)
			if index&1 == 1 {
				index++
				break
			}
		}
	}
}

// buddyCombine releases a used node and coalesces unused buddies upward.
func buddyCombine(tree []nodeState, index int) {
	for {
		buddy := treeBuddy(index)

		if buddy == 0 || tree[buddy] != nodeUnused {
			tree[index] = nodeUnused

			// ancestors that were full are only split now
			for index = treeParent(index); treeBuddy(index) != 0 && tree[index] == nodeFull; index = treeParent(index) {
				tree[index] = nodeSplit
			}
			return
		}
		index = treeParent(index)
	}
}

// buddyFree walks root to leaf following offset and releases the used node
// found there.
func buddyFree(tree []nodeState, height uint, offset int) {
	left := 0
	length := 1 << height
	index := 0

	for {
		switch tree[index] {
		case nodeUsed:
			buddyCombine(tree, index)
			return

		case nodeUnused:
			// double free or foreign offset
			return

		case nodeSplit, nodeFull:
			length /= 2
			if offset < left+length {
				index = treeLeft(index)
			} else {
				left += length
				index = treeRight(index)
			}
		}
	}
}

// buddyCollect accumulates a size histogram of used nodes.
func buddyCollect(tree []nodeState, index int, level, height uint, minBlockSize int, allocations map[int]int) {
	switch tree[index] {
	case nodeUsed:
		allocations[minBlockSize<<(height-level)]++
	case nodeSplit, nodeFull:
		buddyCollect(tree, treeLeft(index), level+1, height, minBlockSize, allocations)
		buddyCollect(tree, treeRight(index), level+1, height, minBlockSize, allocations)
	}
}

// BuddyPoolConfig groups the information needed to create a BuddyPool.
type BuddyPoolConfig struct {
	// BlockSize is the size of top-level blocks in bytes, rounded up to the
	// next power of two.
	BlockSize int

	// MinBlockSize is the leaf granularity in bytes, rounded up to the next
	// power of two. Defaults to 512.
	MinBlockSize int

	// MinNumBlocks is the number of preallocated top-level blocks, kept
	// alive even when wholly free.
	MinNumBlocks int

	// MaxNumBlocks limits the number of top-level blocks. 0 means
	// unlimited.
	MaxNumBlocks int

	// KeepUnusedBlocks disables the eager release of wholly free top-level
	// blocks during Free. Shrink releases them regardless.
	KeepUnusedBlocks bool

	// Alloc and Free provide the backing memory. Default to
	// HeapAlloc/HeapFree.
	Alloc AllocFunc
	Free  FreeFunc
}

// PoolState groups relevant information about a BuddyPool's state beyond
// the base allocator counters.
type PoolState struct {
	// NumBlocks is the count of top-level blocks currently allocated.
	NumBlocks int

	// BlockSize is the size of top-level blocks in bytes.
	BlockSize int

	// MaxLevel is the height of the internal binary trees.
	MaxLevel int

	// Allocations maps allocation sizes in bytes to counts.
	Allocations map[int]int
}

// BuddyPool manages blocks of memory using buddy allocation: requests round
// up to a power of two, freed buddies coalesce back into larger blocks.
//
// See https://en.wikipedia.org/wiki/Buddy_memory_allocation
type BuddyPool struct {
	mu     sync.RWMutex
	cfg    BuddyPoolConfig
	height uint
	blocks []*buddyBlock
}

var _ Allocator = (*BuddyPool)(nil)

// NewBuddyPool creates a BuddyPool. BlockSize and MinBlockSize round up to
// powers of two; MinNumBlocks top-level blocks are preallocated.
func NewBuddyPool(cfg BuddyPoolConfig) (*BuddyPool, error) {
	if cfg.MinBlockSize <= 0 {
		cfg.MinBlockSize = 512
	}
	cfg.BlockSize = int(mathutil.NextPow2(uint64(cfg.BlockSize)))
	cfg.MinBlockSize = int(mathutil.NextPow2(uint64(cfg.MinBlockSize)))
	if cfg.BlockSize < cfg.MinBlockSize || cfg.BlockSize == 0 {
		return nil, ErrBadBlockSize
	}
	if cfg.Alloc == nil {
		cfg.Alloc = HeapAlloc
	}
	if cfg.Free == nil {
		cfg.Free = HeapFree
	}

	p := &BuddyPool{
		cfg:    cfg,
		height: mathutil.Log2(uint64(cfg.BlockSize / cfg.MinBlockSize)),
	}

	for i := 0; i < cfg.MinNumBlocks; i++ {
		b := p.newBlock()
		if b == nil {
			break
		}
		p.blocks = append(p.blocks, b)
	}
	return p, nil
}

func (p *BuddyPool) newBlock() *buddyBlock {
	data := p.cfg.Alloc(p.cfg.BlockSize)
	if data == nil {
		return nil
	}
	return &buddyBlock{
		data: data,
		base: uintptr(unsafe.Pointer(&data[0])),
		tree: newBuddyTree(p.height),
	}
}

func (p *BuddyPool) sliceFor(b *buddyBlock, offset, numBytes, units int) []byte {
	start := offset * p.cfg.MinBlockSize
	extent := int(mathutil.NextPow2(uint64(units))) * p.cfg.MinBlockSize
	return b.data[start : start+numBytes : start+extent]
}

// Allocate returns a slice of numBytes bytes from the pool, rounded
// internally to the next power of two of MinBlockSize units. Returns nil
// when numBytes is zero, exceeds BlockSize, or no block can serve it.
func (p *BuddyPool) Allocate(numBytes int) []byte {
	if numBytes <= 0 || numBytes > p.cfg.BlockSize {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// number of minimum blocks required
	units := (numBytes + p.cfg.MinBlockSize - 1) / p.cfg.MinBlockSize

	for _, b := range p.blocks {
		if offset := buddyAlloc(b.tree, p.height, units); offset >= 0 {
			return p.sliceFor(b, offset, numBytes, units)
		}
	}

	// add a new top-level block, if MaxNumBlocks permits it
	if p.cfg.MaxNumBlocks == 0 || len(p.blocks) < p.cfg.MaxNumBlocks {
		if b := p.newBlock(); b != nil {
			if offset := buddyAlloc(b.tree, p.height, units); offset >= 0 {
				p.blocks = append(p.blocks, b)
				return p.sliceFor(b, offset, numBytes, units)
			}
			p.cfg.Free(b.data)
		}
	}
	return nil
}

// Free returns a buffer previously obtained from Allocate. Misaligned or
// foreign buffers are ignored.
func (p *BuddyPool) Free(buf []byte) {
	if len(buf) == 0 {
		return
	}
	addr := uintptr(unsafe.Pointer(&buf[0]))

	p.mu.Lock()
	defer p.mu.Unlock()

	for i, b := range p.blocks {
		if addr < b.base || addr >= b.base+uintptr(p.cfg.BlockSize) {
			continue
		}
		offset := int(addr - b.base)
		if offset%p.cfg.MinBlockSize != 0 {
			return
		}
		buddyFree(b.tree, p.height, offset/p.cfg.MinBlockSize)

		// release wholly free blocks above MinNumBlocks
		if !p.cfg.KeepUnusedBlocks && b.tree[0] == nodeUnused && len(p.blocks) > p.cfg.MinNumBlocks {
			p.cfg.Free(b.data)
			p.blocks = slices.Delete(p.blocks, i, i+1)
		}
		return
	}
}

// Shrink releases every wholly free top-level block above MinNumBlocks.
func (p *BuddyPool) Shrink() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < len(p.blocks) && len(p.blocks) > p.cfg.MinNumBlocks; {
		b := p.blocks[i]
		if b.tree[0] == nodeUnused {
			p.cfg.Free(b.data)
			p.blocks = slices.Delete(p.blocks, i, i+1)
			continue
		}
		i++
	}
}

// State returns the allocator counters.
func (p *BuddyPool) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st := State{NumBytesAllocated: len(p.blocks) * p.cfg.BlockSize}
	allocations := make(map[int]int)
	for _, b := range p.blocks {
		buddyCollect(b.tree, 0, 0, p.height, p.cfg.MinBlockSize, allocations)
	}
	for size, count := range allocations {
		st.NumAllocations += count
		st.NumBytesUsed += size * count
	}
	return st
}

// PoolState returns the pool-specific state including a histogram of live
// allocation sizes.
func (p *BuddyPool) PoolState() PoolState {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ps := PoolState{
		NumBlocks:   len(p.blocks),
		BlockSize:   p.cfg.BlockSize,
		MaxLevel:    int(p.height),
		Allocations: make(map[int]int),
	}
	for _, b := range p.blocks {
		buddyCollect(b.tree, 0, 0, p.height, p.cfg.MinBlockSize, ps.Allocations)
	}
	return ps
}

// BlockSize returns the (power-of-two rounded) top-level block size.
func (p *BuddyPool) BlockSize() int { return p.cfg.BlockSize }

// MinBlockSize returns the (power-of-two rounded) leaf granularity.
func (p *BuddyPool) MinBlockSize() int { return p.cfg.MinBlockSize }
