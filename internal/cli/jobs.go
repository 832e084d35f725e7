package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/raphaelgruber/recap/internal/client"
	"github.com/raphaelgruber/recap/internal/models"
	"github.com/spf13/cobra"
)

var jobsLimit int

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List recent jobs",
	Long: `List the most recently submitted jobs, newest first.

Examples:
  recap jobs
  recap jobs --limit 50`,
	Args: cobra.NoArgs,
	RunE: runJobs,
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the status of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := apiClient.Status(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("get status: %w", err)
		}
		printStatus(os.Stdout, st)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job",
	Long: `Cancel a job. A pending job fails immediately; a running job stops at
its next checkpoint.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := apiClient.Cancel(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("cancel: %w", err)
		}
		printStatus(os.Stdout, st)
		return nil
	},
}

func init() {
	jobsCmd.Flags().IntVarP(&jobsLimit, "limit", "n", 20, "max jobs to list")
}

func runJobs(cmd *cobra.Command, args []string) error {
	jobs, err := apiClient.List(context.Background(), jobsLimit)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-36s %-10s %-10s %-9s %-8s %s\n", "ID", "STATUS", "STAGE", "MODE", "PROGRESS", "CREATED")
	fmt.Println("----------------------------------------------------------------------------------------------")
	for _, job := range jobs {
		fmt.Printf("%-36s %-10s %-10s %-9s %7d%% %s\n",
			job.ID, job.Status, job.Stage, job.Mode, job.Progress, job.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}

func printStatus(w io.Writer, st *client.JobStatus) {
	fmt.Fprintf(w, "Job: %s\n", st.ID)
	fmt.Fprintf(w, "  Status: %s\n", st.Status)
	if st.Stage != models.StageNone && st.Status == models.StatusRunning {
		fmt.Fprintf(w, "  Stage: %s\n", st.Stage)
	}
	fmt.Fprintf(w, "  Mode: %s\n", st.Mode)
	fmt.Fprintf(w, "  Progress: %d%%\n", st.Progress)
	if st.ChunkCount > 0 {
		fmt.Fprintf(w, "  Chunks: %d/%d\n", st.ChunksDone, st.ChunkCount)
	}
	if st.ReduceLevel > 0 {
		fmt.Fprintf(w, "  Reduce level: %d\n", st.ReduceLevel)
	}
	fmt.Fprintf(w, "  Attempts: %d\n", st.Attempts)
	if st.CancelRequested {
		fmt.Fprintln(w, "  Cancel requested: yes")
	}
	fmt.Fprintf(w, "  Created: %s\n", st.CreatedAt.Format(time.RFC3339))
	if st.CompletedAt != nil {
		fmt.Fprintf(w, "  Completed: %s\n", st.CompletedAt.Format(time.RFC3339))
		fmt.Fprintf(w, "  Duration: %s\n", st.CompletedAt.Sub(st.CreatedAt).Round(time.Second))
	}
	if st.Error != nil {
		fmt.Fprintf(w, "  Error: %s\n", st.Error.Error())
	}
}

// statusLine is the one-line progress report used when stdout is not a terminal.
func statusLine(st client.JobStatus) string {
	line := fmt.Sprintf("[%s] %3d%%", st.Status, st.Progress)
	switch {
	case st.Status != models.StatusRunning:
	case st.Stage == models.StageMapping && st.ChunkCount > 0:
		line += fmt.Sprintf(" mapping %d/%d chunks", st.ChunksDone, st.ChunkCount)
	case st.Stage == models.StageReducing:
		line += fmt.Sprintf(" reducing, level %d done", st.ReduceLevel)
	case st.Stage != models.StageNone:
		line += " " + string(st.Stage)
	}
	return line
}
