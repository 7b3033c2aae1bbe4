package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zmidi/autopilot/internal/state"
)

var clearForce bool

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard the checkpoint and start over",
	Long: `Clear removes the saved pipeline state. A final backup is written
first, so an accidental clear can still be recovered by hand from the
backup directory.`,
	RunE: runClear,
}

func init() {
	clearCmd.Flags().BoolVarP(&clearForce, "force", "f", false, "clear without asking")
	rootCmd.AddCommand(clearCmd)
}

func runClear(cmd *cobra.Command, args []string) error {
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
	if info == nil {
		fmt.Println("No checkpoint to clear.")
		return nil
	}

	if !clearForce {
		fmt.Printf("Discard checkpoint with %d/%d completed tasks? [y/N] ",
			info.TasksCompleted, info.TasksTotal)
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		if !strings.EqualFold(strings.TrimSpace(answer), "y") {
			fmt.Println("Aborted.")
			return nil
		}
	}

	if err := store.Clear(); err != nil {
		return err
	}
	fmt.Printf("Checkpoint cleared. A final backup is kept in %s.\n", cfg.BackupPath())
	return nil
}
