package main

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/corekit/mem"
	"github.com/joshuapare/corekit/sched"
)

var (
	benchOps     int
	benchThreads int
	benchMaxSize int
)

func init() {
	cmd := newBenchCmd()
	cmd.PersistentFlags().IntVar(&benchOps, "ops", 100000, "Number of operations")
	cmd.PersistentFlags().IntVar(&benchThreads, "threads", 4, "Worker threads (sched only)")
	cmd.PersistentFlags().IntVar(&benchMaxSize, "max-size", 1<<16, "Maximum allocation size in bytes")
	rootCmd.AddCommand(cmd)
}

func newBenchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench <buddy|cache|sched>",
		Short: "Run a micro-benchmark against one of the core components",
		Long: `The bench command drives a randomized workload through a BuddyPool,
a MemoryCache or the lock-free thread pool and reports throughput.

Example:
  corectl bench buddy --ops 1000000
  corectl bench sched --threads 8`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"buddy", "cache", "sched"},
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "buddy":
				return runBenchBuddy()
			case "cache":
				return runBenchCache()
			case "sched":
				return runBenchSched()
			}
			return fmt.Errorf("unknown bench target %q", args[0])
		},
	}
	return cmd
}

func reportThroughput(name string, ops int, elapsed time.Duration) {
	p := message.NewPrinter(language.English)
	printInfo("%s\n", p.Sprintf("%s: %d ops in %v (%.0f ops/s)",
		name, ops, elapsed.Round(time.Microsecond),
		float64(ops)/elapsed.Seconds()))
}

func runBenchBuddy() error {
	pool, err := mem.NewBuddyPool(mem.BuddyPoolConfig{
		BlockSize:    1 << 24,
		MinBlockSize: 512,
	})
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewPCG(1, 2))
	start := time.Now()
	var live [][]byte
	for i := 0; i < benchOps; i++ {
		if len(live) > 64 || (len(live) > 0 && rng.UintN(2) == 0) {
			pool.Free(live[len(live)-1])
			live = live[:len(live)-1]
			continue
		}
		if buf := pool.Allocate(1 + int(rng.UintN(uint(benchMaxSize)))); buf != nil {
			live = append(live, buf)
		}
	}
	for _, buf := range live {
		pool.Free(buf)
	}
	reportThroughput("buddy", benchOps, time.Since(start))

	st := pool.State()
	printInfo("blocks allocated: %d bytes, %d live\n", st.NumBytesAllocated, st.NumAllocations)
	return nil
}

func runBenchCache() error {
	cache := mem.NewMemoryCache(mem.CacheConfig{})
	defer cache.Close()

	rng := rand.New(rand.NewPCG(3, 4))
	start := time.Now()
	var live [][]byte
	for i := 0; i < benchOps; i++ {
		if len(live) > 64 || (len(live) > 0 && rng.UintN(2) == 0) {
			cache.Free(live[len(live)-1])
			live = live[:len(live)-1]
			continue
		}
		if buf := cache.Allocate(1 + int(rng.UintN(uint(benchMaxSize)))); buf != nil {
			live = append(live, buf)
		}
	}
	reportThroughput("cache", benchOps, time.Since(start))

	st := cache.State()
	printInfo("chunks: %d, allocated: %d bytes, used: %d bytes\n",
		st.NumAllocations, st.NumBytesAllocated, st.NumBytesUsed)
	return nil
}

func runBenchSched() error {
	pool := sched.NewPool(benchThreads)
	defer pool.JoinAll()

	start := time.Now()
	futures := make([]*sched.Future[float64], 0, benchOps)
	for i := 0; i < benchOps; i++ {
		futures = append(futures, sched.Post(pool, func() float64 {
			return math.Sqrt(float64(i))
		}))
	}
	for _, f := range futures {
		f.Wait()
	}
	reportThroughput("sched", benchOps, time.Since(start))
	return nil
}
