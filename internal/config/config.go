package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zmidi/autopilot/internal/errors"
)

// SyncConfig configures the mailbox file shared with the worker.
type SyncConfig struct {
	File         string        `yaml:"file"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ReadRetries  int           `yaml:"read_retries"`
	ReadRetryGap time.Duration `yaml:"read_retry_gap"`
}

// WorkerConfig configures interaction with the external worker.
type WorkerConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	TimeoutExtension time.Duration `yaml:"timeout_extension"`
	TimeoutCeiling   time.Duration `yaml:"timeout_ceiling"`
	HelpWait         time.Duration `yaml:"help_wait"`
	HandshakeWait    time.Duration `yaml:"handshake_wait"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	ManualFocus      bool          `yaml:"manual_focus"`
	AutoClear        bool          `yaml:"auto_clear"`
	ContextHighWater int           `yaml:"context_high_water"`
	SendCommand      string        `yaml:"send_command"`
	CaptureCommand   string        `yaml:"capture_command"`
	ApproveCommand   string        `yaml:"approve_command"`
	RecoverCommand   string        `yaml:"recover_command"`
	ApproveInterval  time.Duration `yaml:"approve_interval"`
}

// PromptConfig configures confirmation prompt classification.
type PromptConfig struct {
	ResultsDir      string    `yaml:"results_dir"`
	SourceExts      []string  `yaml:"source_exts"`
	SourceDirs      []string  `yaml:"source_dirs"`
	StuckThresholds []int     `yaml:"stuck_thresholds"`
	StuckSimilarity float64   `yaml:"stuck_similarity"`
	HistoryLimit    int       `yaml:"history_limit"`
}

// SafetyConfig configures protected-file monitoring.
type SafetyConfig struct {
	ProtectedGlobs []string      `yaml:"protected_globs"`
	ExcludeDirs    []string      `yaml:"exclude_dirs"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	IncidentDB     string        `yaml:"incident_db"`
}

// AnalysisConfig configures the analysis task set.
type AnalysisConfig struct {
	InputDir     string `yaml:"input_dir"`
	OutputDir    string `yaml:"output_dir"`
	ResultsDir   string `yaml:"results_dir"`
	ExcludeTests bool   `yaml:"exclude_tests"`
}

// MonitoringConfig configures progress artifacts.
type MonitoringConfig struct {
	StateFile    string `yaml:"state_file"`
	BackupDir    string `yaml:"backup_dir"`
	BackupCount  int    `yaml:"backup_count"`
	ProgressFile string `yaml:"progress_file"`
	ActionFile   string `yaml:"action_file"`
	MetricsFile  string `yaml:"metrics_file"`
}

// Config is the root configuration object, built once at startup and
// passed by reference into component constructors.
type Config struct {
	Sync       SyncConfig       `yaml:"sync"`
	Worker     WorkerConfig     `yaml:"worker"`
	Prompt     PromptConfig     `yaml:"prompt"`
	Safety     SafetyConfig     `yaml:"safety"`
	Analysis   AnalysisConfig   `yaml:"analysis"`
	Monitoring MonitoringConfig `yaml:"monitoring"`

	ProjectRoot string `yaml:"project_root"`
	Debug       bool   `yaml:"debug"`
	DryRun      bool   `yaml:"dry_run"`
	LogLevel    string `yaml:"log_level"`
}

// Default returns the default configuration.
func Default() *Config {
	cwd, _ := os.Getwd()
	return &Config{
		Sync: SyncConfig{
			File:         "SYNC_STATUS.md",
			PollInterval: 500 * time.Millisecond,
			ReadRetries:  3,
			ReadRetryGap: 100 * time.Millisecond,
		},
		Worker: WorkerConfig{
			Timeout:          30 * time.Minute,
			TimeoutExtension: 5 * time.Minute,
			TimeoutCeiling:   60 * time.Minute,
			HelpWait:         5 * time.Minute,
			HandshakeWait:    60 * time.Second,
			MaxRetries:       2,
			RetryDelay:       2 * time.Second,
			AutoClear:        true,
			ContextHighWater: 95,
			ApproveInterval:  time.Second,
		},
		Prompt: PromptConfig{
			ResultsDir:      "analysis_results",
			SourceExts:      []string{".zig", ".py", ".go", ".js", ".ts", ".c", ".h"},
			SourceDirs:      []string{"src"},
			StuckThresholds: []int{50, 75, 99},
			StuckSimilarity: 0.90,
			HistoryLimit:    100,
		},
		Safety: SafetyConfig{
			ProtectedGlobs: []string{"**/*.zig"},
			ExcludeDirs:    []string{"zig-cache", "zig-out"},
			SweepInterval:  30 * time.Second,
			IncidentDB:     ".autopilot/incidents.db",
		},
		Analysis: AnalysisConfig{
			InputDir:     "extracted_functions",
			OutputDir:    "analysis_results",
			ResultsDir:   "analysis_results/simplification",
			ExcludeTests: true,
		},
		Monitoring: MonitoringConfig{
			StateFile:    ".autopilot/state.json",
			BackupDir:    ".autopilot/backups",
			BackupCount:  10,
			ProgressFile: "ANALYSIS_PROGRESS.md",
			ActionFile:   "ACTION_REQUIRED.md",
			MetricsFile:  ".autopilot/metrics.json",
		},
		ProjectRoot: cwd,
		LogLevel:    "info",
	}
}

// Load reads configuration from a YAML file, layered over defaults,
// then applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errors.New(errors.ErrCodeConfigNotFound, fmt.Sprintf("config file not found: %s", path))
			}
			return nil, errors.Wrap(errors.ErrCodeFileReadFailed, "read config file", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(errors.ErrCodeConfigInvalid, fmt.Sprintf("parse %s", path), err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// FromEnv returns the default configuration with environment overrides applied.
func FromEnv() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	if v := os.Getenv("AUTOPILOT_SYNC_FILE"); v != "" {
		c.Sync.File = v
	}
	if v := os.Getenv("AUTOPILOT_TIMEOUT_MINUTES"); v != "" {
		if minutes, err := strconv.Atoi(v); err == nil {
			c.Worker.Timeout = time.Duration(minutes) * time.Minute
		}
	}
	if v := os.Getenv("AUTOPILOT_DEBUG"); v != "" {
		c.Debug = v == "true" || v == "1" || v == "yes"
	}
	if v := os.Getenv("AUTOPILOT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("AUTOPILOT_PROJECT_ROOT"); v != "" {
		c.ProjectRoot = v
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Worker.Timeout < time.Minute || c.Worker.Timeout > time.Hour {
		return errors.NewConfigInvalidError(fmt.Sprintf("worker timeout must be between 1m and 1h, got %s", c.Worker.Timeout))
	}
	if c.Worker.TimeoutCeiling < c.Worker.Timeout {
		return errors.NewConfigInvalidError("timeout ceiling must not be below the base timeout")
	}
	if c.Worker.MaxRetries < 0 {
		return errors.NewConfigInvalidError("max retries must not be negative")
	}
	if c.Sync.File == "" {
		return errors.NewConfigInvalidError("sync file path must not be empty")
	}
	if c.Prompt.StuckSimilarity <= 0 || c.Prompt.StuckSimilarity > 1 {
		return errors.NewConfigInvalidError("stuck similarity must be in (0, 1]")
	}
	for i := 1; i < len(c.Prompt.StuckThresholds); i++ {
		if c.Prompt.StuckThresholds[i] <= c.Prompt.StuckThresholds[i-1] {
			return errors.NewConfigInvalidError("stuck thresholds must be strictly increasing")
		}
	}
	if c.Monitoring.BackupCount < 1 {
		return errors.NewConfigInvalidError("backup count must be at least 1")
	}
	return nil
}

// StatePath resolves the state file path against the project root.
func (c *Config) StatePath() string {
	return c.resolve(c.Monitoring.StateFile)
}

// BackupPath resolves the backup directory against the project root.
func (c *Config) BackupPath() string {
	return c.resolve(c.Monitoring.BackupDir)
}

// SyncPath resolves the mailbox file against the project root.
func (c *Config) SyncPath() string {
	return c.resolve(c.Sync.File)
}

// IncidentDBPath resolves the incident database path against the project root.
func (c *Config) IncidentDBPath() string {
	return c.resolve(c.Safety.IncidentDB)
}

func (c *Config) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.ProjectRoot, path)
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(errors.ErrCodeConfigInvalid, "marshal config", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(errors.ErrCodeFileWriteFailed, "write config file", err)
	}
	return nil
}
