package cmd

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// GateSummary is what the pre-run approval gate shows the operator.
type GateSummary struct {
	InputDir     string
	ResultsDir   string
	PendingTasks int
	Timeout      time.Duration
	Resuming     bool
}

// gateModel is the bubbletea model for the approval gate.
type gateModel struct {
	summary  GateSummary
	approved bool
	quitting bool
}

// ShowApprovalGate displays the session plan and asks for confirmation
// before the pipeline takes over the worker's terminal.
func ShowApprovalGate(summary GateSummary) (bool, error) {
	program := tea.NewProgram(gateModel{summary: summary})

	finalModel, err := program.Run()
	if err != nil {
		return false, fmt.Errorf("run approval UI: %w", err)
	}
	return finalModel.(gateModel).approved, nil
}

func (m gateModel) Init() tea.Cmd {
	return nil
}

func (m gateModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "y", "Y":
			m.approved = true
			m.quitting = true
			return m, tea.Quit
		case "n", "N", "q", "ctrl+c":
			m.approved = false
			m.quitting = true
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m gateModel) View() string {
	if m.quitting {
		if m.approved {
			return lipgloss.NewStyle().
				Foreground(lipgloss.Color("2")).
				Render("Session approved. Taking over the worker terminal...\n")
		}
		return lipgloss.NewStyle().
			Foreground(lipgloss.Color("1")).
			Render("Session declined. Exiting...\n")
	}

	titleStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("86")).
		Bold(true)
	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)
	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("8"))

	var s string
	s += titleStyle.Render("Autonomous Analysis Session") + "\n\n"

	mode := "fresh start"
	if m.summary.Resuming {
		mode = "resuming from checkpoint"
	}
	s += fmt.Sprintf("Mode: %s\n", headerStyle.Render(mode))
	s += fmt.Sprintf("Pending tasks: %s\n", headerStyle.Render(fmt.Sprintf("%d", m.summary.PendingTasks)))

	estimated := time.Duration(m.summary.PendingTasks) * 5 * time.Minute
	s += fmt.Sprintf("Estimated duration: %s\n\n", headerStyle.Render(fmt.Sprintf("~%s", estimated)))

	s += labelStyle.Render("Paths:") + "\n"
	s += fmt.Sprintf("  Input:   %s\n", m.summary.InputDir)
	s += fmt.Sprintf("  Results: %s\n", m.summary.ResultsDir)
	s += fmt.Sprintf("  Task timeout: %s\n\n", m.summary.Timeout)

	s += labelStyle.Render("While the session runs, the pipeline owns the worker terminal.") + "\n\n"

	s += titleStyle.Render("Start the session?") + " "
	s += lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Render("(y)") + " / "
	s += lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Render("(n)")
	s += ": "

	return s
}
