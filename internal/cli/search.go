package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	searchMode  string
	searchLimit int
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search past summaries",
	Long: `Search the summaries of finished jobs by semantic similarity.
Requires a server with summary indexing enabled.

Examples:
  recap search "quarterly budget"
  recap search "hiring plan" --mode bullet -n 5`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().StringVarP(&searchMode, "mode", "m", "", "only match summaries of this mode")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "max results")
}

func runSearch(cmd *cobra.Command, args []string) error {
	matches, err := apiClient.Search(context.Background(), args[0], searchMode, searchLimit)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	if len(matches) == 0 {
		fmt.Println("No results found.")
		return nil
	}

	fmt.Printf("Found %d results:\n\n", len(matches))
	for i, m := range matches {
		fmt.Printf("%d. job %s [%s] score %.3f\n", i+1, m.JobID, m.Mode, m.Score)
		text := strings.ReplaceAll(m.Text, "\n", " ")
		if !verbose && len([]rune(text)) > 160 {
			text = string([]rune(text)[:160]) + "..."
		}
		fmt.Printf("   %s\n\n", text)
	}
	return nil
}
