// Command recyclerctl is a demonstration host for package recycler: it
// plays the role the embedding script engine normally plays (owning the
// object graph and the root set) so the collector's state machine,
// bucket stats and page-heap debug mode can be driven and inspected
// from the command line.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vire-lang/recycler/heap"
	"github.com/vire-lang/recycler/recycler"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		rooted  int
		garbage int
		verbose bool
	)

	root := &cobra.Command{
		Use:   "recyclerctl",
		Short: "Drive a recycler.Recycler from the command line",
		Long: "recyclerctl builds an in-process heap.Info/recycler.Recycler pair, " +
			"populates it with a mix of rooted and garbage objects, and lets a " +
			"subcommand force a collection, dump bucket stats, or toggle " +
			"page-heap debug mode.",
	}
	root.PersistentFlags().IntVar(&rooted, "rooted", 1000, "number of rooted (kept alive) objects to allocate")
	root.PersistentFlags().IntVar(&garbage, "garbage", 9000, "number of unrooted (garbage) objects to allocate")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	newLogger := func() *zap.Logger {
		if !verbose {
			return zap.NewNop()
		}
		log, _ := zap.NewDevelopment()
		return log
	}

	root.AddCommand(newCollectCmd(&rooted, &garbage, newLogger))
	root.AddCommand(newStatsCmd(&rooted, &garbage, newLogger))
	root.AddCommand(newPageHeapCmd(&rooted, &garbage, newLogger))
	return root
}

// flagsByName resolves the --flags value to a recycler.CollectionFlags
// preset.
func flagsByName(name string) (recycler.CollectionFlags, error) {
	switch name {
	case "default":
		return recycler.CollectNowDefault, nil
	case "exhaustive":
		return recycler.CollectNowExhaustive, nil
	case "on-allocation":
		return recycler.CollectOnAllocation, nil
	case "on-idle":
		return recycler.CollectOnScriptIdle, nil
	case "finish-concurrent":
		return recycler.FinishConcurrentDefault, nil
	case "finish-dispose":
		return recycler.FinishDispose, nil
	default:
		return 0, fmt.Errorf("unknown --flags preset %q (want default|exhaustive|on-allocation|on-idle|finish-concurrent|finish-dispose)", name)
	}
}

func newCollectCmd(rooted, garbage *int, newLogger func() *zap.Logger) *cobra.Command {
	var flagName string
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Force one collection pass and report what it freed",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags, err := flagsByName(flagName)
			if err != nil {
				return err
			}
			reg := prometheus.NewRegistry()
			dh := newDemoHeap(reg, newLogger(), *rooted, *garbage)

			before := dh.info.GetBucketStats()
			if err := dh.rec.CollectNow(context.Background(), flags); err != nil {
				return err
			}
			after := dh.info.GetBucketStats()

			fmt.Printf("collected with preset %q\n", flagName)
			fmt.Printf("object bytes: %d -> %d\n", sumObjectBytes(before), sumObjectBytes(after))
			fmt.Printf("total bytes:  %d -> %d\n", sumTotalBytes(before), sumTotalBytes(after))
			fmt.Printf("state after collect: %s\n", dh.rec.State())
			return nil
		},
	}
	cmd.Flags().StringVar(&flagName, "flags", "default", "collection flags preset")
	return cmd
}

func newStatsCmd(rooted, garbage *int, newLogger func() *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Dump per-bucket object/total bytes",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := prometheus.NewRegistry()
			dh := newDemoHeap(reg, newLogger(), *rooted, *garbage)
			for _, rep := range dh.info.GetBucketStats() {
				fmt.Printf("%-28s sizeCat=%-8d objectBytes=%-10d totalBytes=%d\n",
					rep.Family, rep.SizeCat, rep.Stats.ObjectBytes, rep.Stats.TotalBytes)
			}
			return nil
		},
	}
}

func newPageHeapCmd(rooted, garbage *int, newLogger func() *zap.Logger) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "pageheap",
		Short: "Set the large bucket's page-heap debug mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			pageHeapMode, err := pageHeapModeByName(mode)
			if err != nil {
				return err
			}
			reg := prometheus.NewRegistry()
			dh := newDemoHeap(reg, newLogger(), *rooted, *garbage)
			dh.info.Large().SetPageHeapMode(pageHeapMode)
			fmt.Printf("page-heap mode set to %q\n", mode)
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "block-start", "page-heap placement: off|block-start|block-end")
	return cmd
}

func pageHeapModeByName(name string) (heap.PageHeapMode, error) {
	switch name {
	case "off":
		return heap.PageHeapOff, nil
	case "block-start":
		return heap.PageHeapBlockStart, nil
	case "block-end":
		return heap.PageHeapBlockEnd, nil
	default:
		return 0, fmt.Errorf("unknown --mode %q (want off|block-start|block-end)", name)
	}
}

func sumObjectBytes(reports []heap.BucketReport) uint64 {
	var total uint64
	for _, r := range reports {
		total += r.Stats.ObjectBytes
	}
	return total
}

func sumTotalBytes(reports []heap.BucketReport) uint64 {
	var total uint64
	for _, r := range reports {
		total += r.Stats.TotalBytes
	}
	return total
}
