package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/zmidi/autopilot/internal/config"
	"github.com/zmidi/autopilot/internal/contextmeter"
	"github.com/zmidi/autopilot/internal/engine"
	"github.com/zmidi/autopilot/internal/errors"
	"github.com/zmidi/autopilot/internal/incident"
	"github.com/zmidi/autopilot/internal/mailbox"
	"github.com/zmidi/autopilot/internal/queue"
	"github.com/zmidi/autopilot/internal/report"
	"github.com/zmidi/autopilot/internal/safety"
	"github.com/zmidi/autopilot/internal/state"
	"github.com/zmidi/autopilot/internal/worker"
)

var (
	runResume      bool
	runStartAt     string
	runTimeout     time.Duration
	runManualFocus bool
	runDryRun      bool
	runYes         bool
	runInput       string
	runOutput      string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the analysis pipeline",
	Long: `Run dispatches every pending analysis task to the worker, one at a
time, and drives each to a terminal status. A fresh run requires a
clean slate; pass --resume to continue from an existing checkpoint.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runResume, "resume", false, "resume from the existing checkpoint")
	runCmd.Flags().StringVar(&runStartAt, "start-at", "", "start at a task index or task id")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "override the per-task timeout")
	runCmd.Flags().BoolVar(&runManualFocus, "manual-focus", false, "disable the auto-approve ticker")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "run against an in-memory worker, sending nothing")
	runCmd.Flags().BoolVarP(&runYes, "yes", "y", false, "skip the pre-run approval gate")
	runCmd.Flags().StringVar(&runInput, "input", "", "override the extracted-functions directory")
	runCmd.Flags().StringVar(&runOutput, "output", "", "override the analysis results directory")

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyRunFlags(cfg)

	store, err := state.NewStore(cfg.StatePath(), cfg.BackupPath(), cfg.Monitoring.BackupCount)
	if err != nil {
		return err
	}
	if !runResume {
		info, err := store.Info()
		if err != nil {
			return err
		}
		if info != nil {
			return errors.New(errors.ErrCodeConfigInvalid,
				fmt.Sprintf("a checkpoint from %s already exists", info.SavedAt.Format(time.RFC3339))).
				WithSuggestion("Pass --resume to continue the previous session").
				WithSuggestion("Run 'autopilot clear' to discard it and start fresh")
		}
	}

	ch, err := mailbox.NewChannel(cfg.SyncPath(), mailbox.Options{
		PollInterval: cfg.Sync.PollInterval,
		ReadRetries:  cfg.Sync.ReadRetries,
		ReadRetryGap: cfg.Sync.ReadRetryGap,
	})
	if err != nil {
		return err
	}

	incidents, err := incident.NewStore(cfg.IncidentDBPath())
	if err != nil {
		return err
	}
	defer incidents.Close()

	monitor := safety.NewMonitor(cfg.ProjectRoot, cfg.Safety.ProtectedGlobs, cfg.Safety.ExcludeDirs, incidents)

	conv, err := buildConverser(cfg)
	if err != nil {
		return err
	}

	var approver *worker.AutoApprover
	if !cfg.Worker.ManualFocus && !cfg.DryRun {
		approver = worker.NewAutoApprover(conv,
			filepath.Join(cfg.ProjectRoot, worker.PauseLock),
			cfg.Worker.ApproveInterval)
	}

	loader := queue.NewLoader(
		resolve(cfg, cfg.Analysis.InputDir),
		resolve(cfg, cfg.Analysis.ResultsDir),
		"simplification",
		cfg.Analysis.ExcludeTests,
	)
	reporter := report.NewReporter(
		resolve(cfg, cfg.Monitoring.ProgressFile),
		resolve(cfg, cfg.Monitoring.ActionFile),
		resolve(cfg, cfg.Monitoring.MetricsFile),
		resolve(cfg, cfg.Analysis.ResultsDir),
	)

	eng, err := engine.New(engine.Options{
		Config:    cfg,
		Channel:   ch,
		Store:     store,
		Converser: conv,
		Monitor:   monitor,
		Incidents: incidents,
		Loader:    loader,
		Processors: []engine.Processor{
			engine.NewAnalysisProcessor("simplification", cfg.Sync.File, 10),
		},
		Meter:    contextmeter.NewMeter(contextmeter.NewEstimator(), 0, cfg.Worker.ContextHighWater),
		Reporter: reporter,
		Approver: approver,
		StartAt:  runStartAt,
	})
	if err != nil {
		return err
	}

	if !runYes && !cfg.DryRun {
		pending, err := countPending(loader, store)
		if err != nil {
			return err
		}
		approved, err := ShowApprovalGate(GateSummary{
			InputDir:     cfg.Analysis.InputDir,
			ResultsDir:   cfg.Analysis.ResultsDir,
			PendingTasks: pending,
			Timeout:      cfg.Worker.Timeout,
			Resuming:     runResume,
		})
		if err != nil {
			return err
		}
		if !approved {
			return nil
		}
	}

	if err := eng.Run(cmd.Context()); err != nil {
		return err
	}
	fmt.Println(reporter.Summary())
	return nil
}

// applyRunFlags folds run-only flags into the loaded config.
func applyRunFlags(cfg *config.Config) {
	if runTimeout > 0 {
		cfg.Worker.Timeout = runTimeout
		// Keep headroom above the base timeout so the bounded wait
		// extension can still fire.
		if cfg.Worker.TimeoutCeiling <= runTimeout {
			cfg.Worker.TimeoutCeiling = 2 * runTimeout
		}
	}
	if runManualFocus {
		cfg.Worker.ManualFocus = true
	}
	if runDryRun {
		cfg.DryRun = true
	}
	if runInput != "" {
		cfg.Analysis.InputDir = runInput
	}
	if runOutput != "" {
		cfg.Analysis.OutputDir = runOutput
		cfg.Analysis.ResultsDir = runOutput
	}
}

// buildConverser picks the side channel: the configured injector
// commands, or an in-memory fake for dry runs.
func buildConverser(cfg *config.Config) (worker.Converser, error) {
	if cfg.DryRun {
		return &worker.Fake{}, nil
	}
	return worker.NewExecConverser(worker.ExecOptions{
		SendCommand:    cfg.Worker.SendCommand,
		CaptureCommand: cfg.Worker.CaptureCommand,
		ApproveCommand: cfg.Worker.ApproveCommand,
		RecoverCommand: cfg.Worker.RecoverCommand,
		Dir:            cfg.ProjectRoot,
	})
}

// countPending peeks at the task queue for the approval gate without
// touching the stored state.
func countPending(loader *queue.Loader, store *state.Store) (int, error) {
	st, err := store.Load()
	if err != nil {
		return 0, err
	}
	if st == nil {
		st = state.NewPipelineState("preview")
	}
	tasks, err := loader.Load(st)
	if err != nil {
		return 0, err
	}
	return len(tasks), nil
}
