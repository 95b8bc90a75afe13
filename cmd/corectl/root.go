package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	quiet bool
)

var rootCmd = &cobra.Command{
	Use:   "corectl",
	Short: "Exercise and inspect corekit allocators and thread pools",
	Long: `corectl runs micro-benchmarks and inspection workloads against the
corekit memory pools and thread pools. It is a development tool for
eyeballing allocator behavior, not a rigorous benchmark harness.`,
	Version: "0.1.0",
}

func init() {
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// printInfo prints an info message if not in quiet mode.
func printInfo(format string, args ...interface{}) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}
