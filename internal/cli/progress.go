package cli

import (
	"context"
	"fmt"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"github.com/raphaelgruber/recap/internal/client"
	"github.com/raphaelgruber/recap/internal/models"
)

const pollInterval = time.Second

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
}

var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Error:   lipgloss.Color("#FF005F"), // red
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// tickMsg triggers polling the job status
type tickMsg time.Time

// statusMsg carries the latest job status
type statusMsg struct {
	status *client.JobStatus
	err    error
}

// progressModel is the bubbletea model for job progress.
type progressModel struct {
	client   *client.Client
	jobID    string
	status   *client.JobStatus
	progress progress.Model
	theme    Theme
	done     bool
	quitting bool
	err      error
}

func newProgressModel(c *client.Client, jobID string) progressModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)
	return progressModel{
		client:   c,
		jobID:    jobID,
		progress: prog,
		theme:    defaultTheme,
	}
}

func (m progressModel) Init() tea.Cmd {
	return tea.Batch(
		m.fetchStatus(),
		m.progress.Init(),
	)
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		return m, m.fetchStatus()

	case statusMsg:
		if msg.err != nil {
			m.err = fmt.Errorf("failed to fetch job status: %w", msg.err)
			m.done = true
			return m, tea.Quit
		}

		m.status = msg.status
		switch m.status.Status {
		case models.StatusSucceeded:
			m.done = true
			return m, tea.Quit
		case models.StatusFailed:
			m.done = true
			m.err = jobFailure(m.status)
			return m, tea.Quit
		}
		return m, tickCmd()

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m progressModel) renderContent() string {
	if m.done || m.quitting {
		return m.finalView()
	}
	if m.status == nil {
		return "Loading job status...\n"
	}

	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", m.status.Status))
	bar := m.progress.ViewAs(float64(m.status.Progress) / 100)
	hint := m.theme.hintStyle().Render("Press Ctrl+C to continue in background")

	return fmt.Sprintf("%s %s %s\n%s\n", status, bar, stageCounts(m.status), hint)
}

// stageCounts describes how far the current stage has come.
func stageCounts(st *client.JobStatus) string {
	switch st.Stage {
	case models.StageChunking:
		return "chunking"
	case models.StageMapping:
		return fmt.Sprintf("%d/%d chunks", st.ChunksDone, st.ChunkCount)
	case models.StageReducing:
		return fmt.Sprintf("reduce level %d", st.ReduceLevel+1)
	}
	return "waiting for a worker"
}

func (m progressModel) finalView() string {
	if m.quitting {
		msg := fmt.Sprintf("\nJob %s continues in background.\nUse 'recap status %s' to check status.\n",
			m.jobID, m.jobID)
		return m.theme.hintStyle().Render(msg)
	}
	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ %s\n", m.err))
	}

	out := m.theme.completedStyle().Render("✓ Completed") + "\n"
	if m.status != nil && m.status.ChunkCount > 0 {
		out += fmt.Sprintf("  Chunks: %d\n", m.status.ChunkCount)
		if m.status.CompletedAt != nil {
			out += fmt.Sprintf("  Took:   %s\n", m.status.CompletedAt.Sub(m.status.CreatedAt).Round(time.Millisecond))
		}
	}
	return out
}

// fetchStatus runs in its own command so Update never blocks on the network.
func (m progressModel) fetchStatus() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		st, err := m.client.Status(ctx, m.jobID)
		return statusMsg{status: st, err: err}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// RunJobProgress runs the interactive progress UI for a job until it
// finishes or the user detaches. background is true when the user pressed
// Ctrl+C and the job keeps running on the server.
func RunJobProgress(c *client.Client, jobID string) (background bool, err error) {
	p := tea.NewProgram(newProgressModel(c, jobID))

	finalModel, err := p.Run()
	if err != nil {
		return false, fmt.Errorf("progress UI error: %w", err)
	}

	m, ok := finalModel.(progressModel)
	if !ok {
		return false, nil
	}
	if m.quitting {
		return true, nil
	}
	return false, m.err
}
