package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/raphaelgruber/recap/internal/client"
	"github.com/raphaelgruber/recap/internal/models"
	"github.com/spf13/cobra"
)

var (
	resultJSON bool
	resultMeta bool
)

var resultCmd = &cobra.Command{
	Use:   "result <job-id>",
	Short: "Print the summary of a finished job",
	Long: `Print the summary of a finished job. Fails while the job is still
running and reports the diagnosis of failed jobs.

Examples:
  recap result 2f1c...
  recap result 2f1c... --meta
  recap result 2f1c... --json`,
	Args: cobra.ExactArgs(1),
	RunE: runResult,
}

func init() {
	resultCmd.Flags().BoolVar(&resultJSON, "json", false, "print the full result as JSON")
	resultCmd.Flags().BoolVar(&resultMeta, "meta", false, "print result metadata after the summary")
}

func runResult(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	res, err := apiClient.Result(ctx, args[0])
	switch {
	case client.IsNotReady(err):
		st, stErr := apiClient.Status(ctx, args[0])
		if stErr != nil {
			return fmt.Errorf("job %s is not finished", args[0])
		}
		return fmt.Errorf("job %s is not finished: %s", args[0], statusLine(*st))
	case err != nil:
		return fmt.Errorf("get result: %w", err)
	}

	if resultJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	fmt.Println(res.Summary)
	if resultMeta {
		fmt.Println()
		printMeta(os.Stdout, res.Meta)
	}
	return nil
}

func printMeta(w io.Writer, meta models.ResultMeta) {
	fmt.Fprintf(w, "Original length:   %d\n", meta.OriginalLength)
	fmt.Fprintf(w, "Summary length:    %d\n", meta.SummaryLength)
	fmt.Fprintf(w, "Compression ratio: %.3f\n", meta.CompressionRatio)
	fmt.Fprintf(w, "Chunks:            %d\n", meta.ChunkCount)
	fmt.Fprintf(w, "Reduce levels:     %d\n", meta.ReduceLevels)
	fmt.Fprintf(w, "Processing time:   %dms\n", meta.ProcessingMs)
}
