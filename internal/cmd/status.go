package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/zmidi/autopilot/internal/mailbox"
	"github.com/zmidi/autopilot/internal/state"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show checkpoint and mailbox status",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := state.NewStore(cfg.StatePath(), cfg.BackupPath(), cfg.Monitoring.BackupCount)
	if err != nil {
		return err
	}
	info, err := store.Info()
	if err != nil {
		return err
	}

	ch, err := mailbox.NewChannel(cfg.SyncPath(), mailbox.Options{PollInterval: cfg.Sync.PollInterval})
	if err != nil {
		return err
	}
	current := ch.Read()

	if statusJSON {
		out := map[string]any{
			"mailbox":      string(current.Kind),
			"mailbox_file": cfg.SyncPath(),
			"checkpoint":   info, // nil when no session was recorded
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	label := lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	fmt.Println(title.Render("autopilot status"))
	fmt.Printf("%s %s\n", label.Render("Mailbox:"), current.Kind)
	if info == nil {
		fmt.Println(label.Render("Checkpoint:"), "none")
		return nil
	}
	fmt.Printf("%s %d/%d tasks completed\n", label.Render("Checkpoint:"), info.TasksCompleted, info.TasksTotal)
	fmt.Printf("%s %s (%s ago)\n", label.Render("Saved:"),
		info.SavedAt.Format(time.RFC3339),
		time.Since(info.SavedAt).Truncate(time.Second))
	fmt.Printf("%s %s (%d bytes, schema %s)\n", label.Render("File:"), info.Path, info.Size, info.Version)
	return nil
}
