package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/raphaelgruber/recap/internal/client"
	"github.com/raphaelgruber/recap/internal/models"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	submitMode  string
	submitWait  bool
	submitNoTUI bool
)

var submitCmd = &cobra.Command{
	Use:   "submit [file]",
	Short: "Submit a transcript for summarization",
	Long: `Submit a transcript read from a file, or from stdin when no file or "-"
is given. Prints the job id, or with --wait follows the job and prints the
summary.

Modes: concise (default, alias brief), detailed (alias comprehensive),
bullet (alias key_points).

Examples:
  recap submit meeting.txt
  recap submit meeting.txt --mode bullet --wait
  cat call.txt | recap submit --wait`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVarP(&submitMode, "mode", "m", "concise", "summary mode")
	submitCmd.Flags().BoolVarP(&submitWait, "wait", "w", false, "wait for the summary")
	submitCmd.Flags().BoolVar(&submitNoTUI, "no-tui", false, "print plain status lines instead of a progress bar")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	path := "-"
	if len(args) == 1 {
		path = args[0]
	}
	document, err := readDocument(path, cmd.InOrStdin())
	if err != nil {
		return err
	}
	if _, err := models.ParseMode(submitMode); err != nil {
		return err
	}

	id, err := apiClient.Submit(ctx, document, submitMode)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	if !submitWait {
		fmt.Println(id)
		return nil
	}

	fmt.Fprintf(os.Stderr, "Job %s submitted\n", id)
	if term.IsTerminal(int(os.Stdout.Fd())) && !submitNoTUI {
		background, err := RunJobProgress(apiClient, id)
		if err != nil || background {
			return err
		}
	} else {
		final, err := follow(ctx, apiClient, id, func(st client.JobStatus) error {
			fmt.Fprintln(os.Stderr, statusLine(st))
			return nil
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				fmt.Fprintf(os.Stderr, "Job %s continues in background.\n", id)
				return nil
			}
			return err
		}
		if final.Status == models.StatusFailed {
			return jobFailure(final)
		}
	}

	return printResult(ctx, id)
}

// readDocument reads the transcript from path, or from stdin for "-".
func readDocument(path string, stdin io.Reader) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read transcript: %w", err)
	}
	return string(data), nil
}

// follow streams status updates over a websocket and falls back to polling
// when the websocket cannot be opened.
func follow(ctx context.Context, c *client.Client, id string, onUpdate func(client.JobStatus) error) (*client.JobStatus, error) {
	final, err := c.Watch(ctx, id, onUpdate)
	if err == nil || client.IsNotFound(err) || ctx.Err() != nil {
		return final, err
	}
	if final != nil && final.Status.IsTerminal() {
		return final, nil
	}
	fmt.Fprintf(os.Stderr, "watch unavailable (%v), polling\n", err)
	return c.Wait(ctx, id, pollInterval, onUpdate)
}

func printResult(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	res, err := apiClient.Result(ctx, id)
	if err != nil {
		return fmt.Errorf("get result: %w", err)
	}
	fmt.Println(res.Summary)
	if verbose {
		printMeta(os.Stderr, res.Meta)
	}
	return nil
}

func jobFailure(st *client.JobStatus) error {
	if st.Error != nil {
		return fmt.Errorf("job %s failed: %s", st.ID, st.Error.Error())
	}
	return fmt.Errorf("job %s failed", st.ID)
}
