package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/zmidi/autopilot/internal/incident"
)

var (
	incidentsLimit int
	incidentsJSON  bool
)

var incidentsCmd = &cobra.Command{
	Use:   "incidents",
	Short: "List recorded safety incidents",
	Long: `Incidents lists safety events recorded during past sessions:
protected-file modifications, failed reverts, worker recoveries, and
emergency stops. Newest first.`,
	RunE: runIncidents,
}

func init() {
	incidentsCmd.Flags().IntVarP(&incidentsLimit, "limit", "n", 20, "maximum incidents to show (0 for all)")
	incidentsCmd.Flags().BoolVar(&incidentsJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(incidentsCmd)
}

func runIncidents(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := incident.NewStore(cfg.IncidentDBPath())
	if err != nil {
		return err
	}
	defer store.Close()

	incidents, err := store.List(cmd.Context(), incidentsLimit)
	if err != nil {
		return err
	}

	if incidentsJSON {
		data, err := json.MarshalIndent(incidents, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	if len(incidents) == 0 {
		fmt.Println("No incidents recorded.")
		return nil
	}

	kindStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	dimStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	for _, inc := range incidents {
		fmt.Printf("%s  %s  %s\n",
			dimStyle.Render(inc.RecordedAt.Format(time.RFC3339)),
			kindStyle.Render(string(inc.Kind)),
			inc.TaskID)
		if inc.Detail != "" {
			fmt.Printf("    %s\n", inc.Detail)
		}
		if len(inc.Files) > 0 {
			fmt.Printf("    files: %s\n", strings.Join(inc.Files, ", "))
		}
	}
	return nil
}
