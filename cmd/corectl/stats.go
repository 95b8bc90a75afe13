package main

import (
	"math/rand/v2"
	"sort"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/corekit/mem"
)

var (
	statsAllocations int
)

func init() {
	cmd := newStatsCmd()
	cmd.Flags().IntVar(&statsAllocations, "allocations", 200, "Number of sample allocations")
	rootCmd.AddCommand(cmd)
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Dump the pool state of a sample buddy-pool workload",
		Long: `The stats command performs a randomized set of allocations against a
BuddyPool and prints the resulting allocation histogram.

Example:
  corectl stats --allocations 1000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats()
		},
	}
}

func runStats() error {
	pool, err := mem.NewBuddyPool(mem.BuddyPoolConfig{
		BlockSize:    1 << 24,
		MinBlockSize: 512,
	})
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewPCG(5, 6))
	for i := 0; i < statsAllocations; i++ {
		pool.Allocate(1 + int(rng.UintN(1<<18)))
	}

	ps := pool.PoolState()
	p := message.NewPrinter(language.English)

	printInfo("%s\n", p.Sprintf("blocks: %d x %d bytes, tree height %d",
		ps.NumBlocks, ps.BlockSize, ps.MaxLevel))

	sizes := make([]int, 0, len(ps.Allocations))
	for size := range ps.Allocations {
		sizes = append(sizes, size)
	}
	sort.Ints(sizes)

	for _, size := range sizes {
		printInfo("%s\n", p.Sprintf("%12d bytes  x %d", size, ps.Allocations[size]))
	}

	st := pool.State()
	printInfo("%s\n", p.Sprintf("total: %d allocations, %d / %d bytes used",
		st.NumAllocations, st.NumBytesUsed, st.NumBytesAllocated))
	return nil
}
