package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/raphaelgruber/recap/internal/metrics"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show server health and runtime statistics",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	health, err := apiClient.Health(ctx)
	if err != nil {
		return fmt.Errorf("get health: %w", err)
	}
	fmt.Printf("Health: %s\n", health.Status)
	names := make([]string, 0, len(health.Checks))
	for name := range health.Checks {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Printf("  %-8s %s\n", name, health.Checks[name])
	}
	fmt.Println()

	stats, err := apiClient.Stats(ctx)
	if err != nil {
		return fmt.Errorf("get server stats: %w", err)
	}
	printServerStats(stats)
	return nil
}

// printServerStats displays server runtime statistics.
func printServerStats(stats *metrics.Snapshot) {
	fmt.Printf("Server Statistics (in-memory, since restart)\n")
	fmt.Printf("===============================================\n")
	fmt.Printf("Uptime: %.1f seconds\n", stats.UptimeSeconds)

	ops := []struct {
		title string
		op    *metrics.OperationSnapshot
	}{
		{"LLM Generate", stats.LLMGenerate},
		{"Embeddings", stats.Embedding},
		{"Map steps", stats.MapStep},
		{"Reduce steps", stats.ReduceStep},
		{"Job runs", stats.JobRun},
		{"Store ops", stats.StoreOp},
		{"Search", stats.Search},
	}
	for _, o := range ops {
		if o.op == nil {
			continue
		}
		fmt.Printf("\n%s:\n", o.title)
		printOpStats(o.op)
		printTokenStats(o.op)
	}

	if len(stats.Counters) > 0 {
		fmt.Printf("\nCounters:\n")
		names := make([]string, 0, len(stats.Counters))
		for name := range stats.Counters {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			fmt.Printf("  %-20s %d\n", name, stats.Counters[name])
		}
	}
}

// printOpStats displays timing statistics for an operation.
func printOpStats(op *metrics.OperationSnapshot) {
	fmt.Printf("  Calls: %d, Total: %dms\n", op.Count, op.TotalTimeMs)
	fmt.Printf("  Time: avg %.1fms, min %dms, max %dms\n",
		op.AvgTimeMs, op.MinTimeMs, op.MaxTimeMs)
}

// printTokenStats displays token statistics if available.
func printTokenStats(op *metrics.OperationSnapshot) {
	if op.TotalInputTokens == nil || op.TotalOutputTokens == nil {
		return
	}
	fmt.Printf("  Tokens In:  %d total", *op.TotalInputTokens)
	if op.AvgInputTokens != nil {
		fmt.Printf(", avg %.0f", *op.AvgInputTokens)
	}
	fmt.Println()

	fmt.Printf("  Tokens Out: %d total", *op.TotalOutputTokens)
	if op.AvgOutputTokens != nil {
		fmt.Printf(", avg %.0f", *op.AvgOutputTokens)
	}
	fmt.Println()
}
