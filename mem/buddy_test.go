package mem

import (
	"math/rand/v2"
	"sync"
	"testing"
	"unsafe"

	"github.com/cespare/xxhash/v2"

	"github.com/joshuapare/corekit/pkg/mathutil"
)

func bufAddr(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(&buf[0]))
}

func Test_BuddyPool_Constructors(t *testing.T) {
	const numBytes128Mb = 1 << 27

	// no pre-allocation, non-pow2 sizes round up
	pool, err := NewBuddyPool(BuddyPoolConfig{
		BlockSize:    numBytes128Mb - 12345,
		MinBlockSize: 512,
	})
	if err != nil {
		t.Fatal(err)
	}
	ps := pool.PoolState()
	if ps.NumBlocks != 0 {
		t.Fatalf("expected no preallocated blocks, got %d", ps.NumBlocks)
	}
	if ps.BlockSize != numBytes128Mb {
		t.Fatalf("expected block size rounded to %d, got %d", numBytes128Mb, ps.BlockSize)
	}
	if ps.MaxLevel != 18 {
		t.Fatalf("expected max level 18, got %d", ps.MaxLevel)
	}

	// with pre-allocation
	pool, err = NewBuddyPool(BuddyPoolConfig{
		BlockSize:    numBytes128Mb - 54321,
		MinBlockSize: 2048,
		MinNumBlocks: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	ps = pool.PoolState()
	if ps.NumBlocks != 2 {
		t.Fatalf("expected 2 preallocated blocks, got %d", ps.NumBlocks)
	}
	if ps.MaxLevel != 16 {
		t.Fatalf("expected max level 16, got %d", ps.MaxLevel)
	}

	if _, err = NewBuddyPool(BuddyPoolConfig{BlockSize: 256, MinBlockSize: 512}); err == nil {
		t.Fatal("expected error for block size below min block size")
	}
}

func Test_BuddyPool_Reuse(t *testing.T) {
	const numBytes256Mb = 1 << 28
	const numBytes1Mb = 1 << 20

	pool, err := NewBuddyPool(BuddyPoolConfig{
		BlockSize:        numBytes256Mb,
		MinBlockSize:     512,
		KeepUnusedBlocks: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	// allocate the entire top-level block
	buf1 := pool.Allocate(numBytes256Mb)
	if buf1 == nil {
		t.Fatal("full-block allocation failed")
	}
	pool.Free(buf1)

	// a following small allocation lands at the same offset
	buf2 := pool.Allocate(numBytes1Mb)
	if buf2 == nil {
		t.Fatal("1MB allocation failed")
	}
	if bufAddr(buf1) != bufAddr(buf2) {
		t.Fatal("expected the freed block offset to be reused")
	}

	ps := pool.PoolState()
	if len(ps.Allocations) != 1 || ps.Allocations[numBytes1Mb] != 1 {
		t.Fatalf("expected exactly one 1MB allocation, got %v", ps.Allocations)
	}

	pool.Free(buf2)
	if ps = pool.PoolState(); len(ps.Allocations) != 0 {
		t.Fatalf("expected empty pool, got %v", ps.Allocations)
	}
}

func Test_BuddyPool_Rejection(t *testing.T) {
	pool, err := NewBuddyPool(BuddyPoolConfig{BlockSize: 1 << 24, MinBlockSize: 512})
	if err != nil {
		t.Fatal(err)
	}
	if pool.Allocate(0) != nil {
		t.Fatal("zero-byte allocation must fail")
	}
	if pool.Allocate(pool.BlockSize()+1) != nil {
		t.Fatal("oversized allocation must fail")
	}
}

func Test_BuddyPool_Stress(t *testing.T) {
	const numBytes16Mb = 1 << 24

	pool, err := NewBuddyPool(BuddyPoolConfig{
		BlockSize:        numBytes16Mb,
		MinBlockSize:     512,
		KeepUnusedBlocks: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	type allocation struct {
		buf  []byte
		hash uint64
	}
	var live []allocation
	seen := make(map[uintptr]bool)
	rng := rand.New(rand.NewPCG(0xC0DE, 0xCAFE))

	const numIterations = 10
	const numAllocations = 12

	for i := 0; i < numIterations; i++ {
		for j := 0; j < numAllocations; j++ {
			// pow2 from 1 kB ... 2 MB, minus a little to check rounding
			numBytes := (1024 << j) - (j + 3)
			allocatedBytes := int(mathutil.NextPow2(uint64(numBytes)))

			buf := pool.Allocate(numBytes)
			if buf == nil {
				t.Fatalf("allocation of %d bytes failed", numBytes)
			}
			if len(buf) != numBytes {
				t.Fatalf("expected len %d, got %d", numBytes, len(buf))
			}
			aligned := false
			for _, b := range pool.blocks {
				if bufAddr(buf) >= b.base && bufAddr(buf) < b.base+uintptr(pool.BlockSize()) {
					aligned = (bufAddr(buf)-b.base)%uintptr(pool.MinBlockSize()) == 0
					break
				}
			}
			if !aligned {
				t.Fatal("allocation not aligned to min block size")
			}
			if seen[bufAddr(buf)] {
				t.Fatal("address handed out twice")
			}
			seen[bufAddr(buf)] = true

			for k := range buf {
				buf[k] = byte(rng.UintN(256))
			}
			live = append(live, allocation{buf: buf, hash: xxhash.Sum64(buf)})

			ps := pool.PoolState()
			if ps.Allocations[allocatedBytes] != i+1 {
				t.Fatalf("expected %d allocations of %d bytes, got %d",
					i+1, allocatedBytes, ps.Allocations[allocatedBytes])
			}
		}
	}

	ps := pool.PoolState()
	if len(ps.Allocations) != numAllocations {
		t.Fatalf("expected %d distinct sizes, got %d", numAllocations, len(ps.Allocations))
	}

	// all blocks hold live allocations, shrink must be a no-op
	blocksBefore := ps.NumBlocks
	pool.Shrink()
	if ps = pool.PoolState(); ps.NumBlocks != blocksBefore {
		t.Fatalf("shrink released a block in use: %d -> %d", blocksBefore, ps.NumBlocks)
	}

	// verify content integrity, then free everything
	for _, a := range live {
		if xxhash.Sum64(a.buf) != a.hash {
			t.Fatal("allocation content was clobbered")
		}
		pool.Free(a.buf)
	}

	ps = pool.PoolState()
	if len(ps.Allocations) != 0 {
		t.Fatalf("expected no live allocations, got %v", ps.Allocations)
	}
	if ps.NumBlocks != 3 {
		t.Fatalf("expected 3 unused top-level blocks, got %d", ps.NumBlocks)
	}

	pool.Shrink()
	if ps = pool.PoolState(); ps.NumBlocks != 0 {
		t.Fatalf("expected empty pool after shrink, got %d blocks", ps.NumBlocks)
	}
}

func Test_BuddyPool_CoalescingAndState(t *testing.T) {
	pool, err := NewBuddyPool(BuddyPoolConfig{
		BlockSize:        1 << 20,
		MinBlockSize:     1024,
		KeepUnusedBlocks: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	var bufs [][]byte
	rng := rand.New(rand.NewPCG(7, 11))
	for i := 0; i < 100; i++ {
		n := 1 + int(rng.UintN(1<<16))
		if buf := pool.Allocate(n); buf != nil {
			bufs = append(bufs, buf)
		}
	}
	if st := pool.State(); st.NumBytesUsed == 0 || st.NumAllocations != len(bufs) {
		t.Fatalf("unexpected state %+v for %d live allocations", st, len(bufs))
	}

	for _, buf := range bufs {
		pool.Free(buf)
	}

	// every tree must have coalesced back to a single unused root
	st := pool.State()
	if st.NumBytesUsed != 0 || st.NumAllocations != 0 {
		t.Fatalf("expected fully coalesced pool, got %+v", st)
	}
	for _, b := range pool.blocks {
		if b.tree[0] != nodeUnused {
			t.Fatal("top-level block root not unused after freeing everything")
		}
	}
}

func Test_BuddyPool_Pow2Rounding(t *testing.T) {
	pool, err := NewBuddyPool(BuddyPoolConfig{
		BlockSize:        1 << 20,
		MinBlockSize:     512,
		KeepUnusedBlocks: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	rng := rand.New(rand.NewPCG(3, 5))
	for i := 0; i < 200; i++ {
		n := 1 + int(rng.UintN(1<<20))
		buf := pool.Allocate(n)
		if buf == nil {
			t.Fatalf("allocation of %d bytes failed", n)
		}

		want := int(mathutil.NextPow2(uint64(max(n, 512))))
		st := pool.State()
		if st.NumBytesUsed != want {
			t.Fatalf("allocating %d bytes consumed %d, want %d", n, st.NumBytesUsed, want)
		}
		pool.Free(buf)
	}
}

func Test_BuddyPool_MisalignedAndForeignFree(t *testing.T) {
	pool, err := NewBuddyPool(BuddyPoolConfig{BlockSize: 1 << 16, MinBlockSize: 512})
	if err != nil {
		t.Fatal(err)
	}
	buf := pool.Allocate(4096)
	if buf == nil {
		t.Fatal("allocation failed")
	}

	// misaligned offset inside an owned block is ignored
	pool.Free(buf[1:])
	// foreign buffer is ignored
	pool.Free(make([]byte, 128))

	if st := pool.State(); st.NumBytesUsed != 4096 {
		t.Fatalf("defensive frees must not disturb live allocations: %+v", st)
	}
	pool.Free(buf)
}

func Test_BuddyPool_MaxNumBlocks(t *testing.T) {
	pool, err := NewBuddyPool(BuddyPoolConfig{
		BlockSize:    1 << 16,
		MinBlockSize: 512,
		MaxNumBlocks: 2,
	})
	if err != nil {
		t.Fatal(err)
	}

	a := pool.Allocate(1 << 16)
	b := pool.Allocate(1 << 16)
	if a == nil || b == nil {
		t.Fatal("allocations within MaxNumBlocks failed")
	}
	if pool.Allocate(1) != nil {
		t.Fatal("allocation beyond MaxNumBlocks must fail")
	}
	pool.Free(a)
	pool.Free(b)
}

func Test_BuddyPool_Concurrent(t *testing.T) {
	pool, err := NewBuddyPool(BuddyPoolConfig{
		BlockSize:    1 << 22,
		MinBlockSize: 512,
	})
	if err != nil {
		t.Fatal(err)
	}

	const numGoroutines = 8
	var wg sync.WaitGroup
	for g := 0; g < numGoroutines; g++ {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(seed, seed^0xFFFF))
			for i := 0; i < 500; i++ {
				n := 1 + int(rng.UintN(1<<14))
				buf := pool.Allocate(n)
				if buf == nil {
					continue
				}
				buf[0] = byte(seed)
				pool.Free(buf)
			}
		}(uint64(g + 1))
	}
	wg.Wait()

	if st := pool.State(); st.NumBytesUsed != 0 {
		t.Fatalf("expected no live allocations after concurrent churn, got %+v", st)
	}
}

func Test_BuddyPool_PageBackend(t *testing.T) {
	pool, err := NewBuddyPool(BuddyPoolConfig{
		BlockSize:    1 << 16,
		MinBlockSize: 512,
		Alloc:        PageAlloc,
		Free:         PageFree,
	})
	if err != nil {
		t.Fatal(err)
	}
	buf := pool.Allocate(4096)
	if buf == nil {
		t.Fatal("allocation from page backend failed")
	}
	for i := range buf {
		buf[i] = 0xAB
	}
	pool.Free(buf)
	pool.Shrink()
}
