package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zmidi/autopilot/internal/errors"
	"github.com/zmidi/autopilot/internal/log"
)

const envelopeVersion = "2.0.0"

// envelope wraps the persisted state with metadata that is stripped on
// load. Keeping the counts in the envelope lets 'autopilot status'
// report without materializing the whole state.
type envelope struct {
	Version        string         `json:"version"`
	SavedAt        time.Time      `json:"saved_at"`
	TasksCompleted int            `json:"tasks_completed"`
	TasksTotal     int            `json:"tasks_total"`
	ClearedAt      *time.Time     `json:"cleared_at,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	State          *PipelineState `json:"state"`
}

// Store persists PipelineState with atomic writes and rotating backups.
type Store struct {
	statePath  string
	backupDir  string
	maxBackups int
	logger     *log.Logger
}

// NewStore creates a store. The backup directory is created eagerly so
// the first Save cannot fail on a missing directory.
func NewStore(statePath, backupDir string, maxBackups int) (*Store, error) {
	if maxBackups < 1 {
		maxBackups = 10
	}
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return nil, errors.Wrap(errors.ErrCodeDirectoryFailed, "create backup directory", err)
	}
	if err := os.MkdirAll(filepath.Dir(statePath), 0o755); err != nil {
		return nil, errors.Wrap(errors.ErrCodeDirectoryFailed, "create state directory", err)
	}
	return &Store{
		statePath:  statePath,
		backupDir:  backupDir,
		maxBackups: maxBackups,
		logger:     log.DefaultLogger().With("component", "state-store"),
	}, nil
}

// Path returns the primary state file path.
func (s *Store) Path() string {
	return s.statePath
}

// Save checkpoints the state: atomic write of the primary file, then a
// timestamped backup copy, then pruning of backups past the retention
// count. Safe to call after every task transition.
func (s *Store) Save(state *PipelineState) error {
	if state == nil {
		return errors.New(errors.ErrCodeStateSaveFailed, "state is nil")
	}

	now := time.Now()
	state.LastCheckpoint = &now

	env := envelope{
		Version:        envelopeVersion,
		SavedAt:        now,
		TasksCompleted: len(state.CompletedKeys),
		TasksTotal:     len(state.Tasks),
		State:          state,
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return errors.Wrap(errors.ErrCodeStateSaveFailed, "marshal state", err)
	}

	if err := atomicWrite(s.statePath, data); err != nil {
		return errors.Wrap(errors.ErrCodeStateSaveFailed, "write state file", err)
	}

	if err := s.writeBackup(data, now); err != nil {
		// The primary save succeeded; a failed backup is worth a
		// warning but must not fail the checkpoint.
		s.logger.Warn("backup write failed", "error", err)
	}
	return nil
}

// Load reads the primary state file. On structural errors it scans
// backups newest-first and returns the first that decodes. Returns
// (nil, nil) when no state exists and nothing is recoverable.
func (s *Store) Load() (*PipelineState, error) {
	data, err := os.ReadFile(s.statePath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStateLoadFailed, "read state file", err)
	}

	state, derr := decode(data)
	if derr == nil {
		return state, nil
	}
	s.logger.Warn("state file corrupt, scanning backups", "error", derr)

	state = s.recoverFromBackups()
	if state == nil {
		return nil, errors.NewStateCorruptError(s.statePath, nil)
	}
	return state, nil
}

func decode(data []byte) (*PipelineState, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.State == nil {
		return nil, fmt.Errorf("envelope has no state")
	}
	return env.State, nil
}

func (s *Store) recoverFromBackups() *PipelineState {
	for _, path := range s.backups() {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		state, err := decode(data)
		if err != nil {
			s.logger.Warn("backup unusable", "backup", filepath.Base(path), "error", err)
			continue
		}
		s.logger.Info("recovered state from backup", "backup", filepath.Base(path))
		return state
	}
	return nil
}

// backups returns backup paths sorted newest first. The timestamped
// names sort lexicographically in chronological order.
func (s *Store) backups() []string {
	matches, err := filepath.Glob(filepath.Join(s.backupDir, "state_backup_*.json"))
	if err != nil {
		return nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches
}

func (s *Store) writeBackup(data []byte, now time.Time) error {
	name := fmt.Sprintf("state_backup_%s.json", now.Format("20060102_150405.000000"))
	if err := os.WriteFile(filepath.Join(s.backupDir, name), data, 0o644); err != nil {
		return errors.Wrap(errors.ErrCodeStateBackupFailed, "write backup", err)
	}
	s.prune()
	return nil
}

func (s *Store) prune() {
	backups := s.backups()
	for i := s.maxBackups; i < len(backups); i++ {
		if err := os.Remove(backups[i]); err != nil {
			s.logger.Warn("failed to prune backup", "backup", filepath.Base(backups[i]), "error", err)
		}
	}
}

// Clear backs up the current state with a cleared marker, then removes
// the primary file. Backups are retained.
func (s *Store) Clear() error {
	state, err := s.Load()
	if err == nil && state != nil {
		now := time.Now()
		env := envelope{
			Version:        envelopeVersion,
			SavedAt:        now,
			ClearedAt:      &now,
			Reason:         "manual_clear",
			TasksCompleted: len(state.CompletedKeys),
			TasksTotal:     len(state.Tasks),
			State:          state,
		}
		if data, merr := json.MarshalIndent(env, "", "  "); merr == nil {
			if berr := s.writeBackup(data, now); berr != nil {
				s.logger.Warn("pre-clear backup failed", "error", berr)
			}
		}
	}

	if err := os.Remove(s.statePath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(errors.ErrCodeStateSaveFailed, "remove state file", err)
	}
	return nil
}

// Info describes the checkpoint on disk without loading the full state.
type Info struct {
	Path           string    `json:"path"`
	Size           int64     `json:"size"`
	SavedAt        time.Time `json:"saved_at"`
	TasksCompleted int       `json:"tasks_completed"`
	TasksTotal     int       `json:"tasks_total"`
	Version        string    `json:"version"`
}

// Info returns checkpoint metadata, or nil when no checkpoint exists.
func (s *Store) Info() (*Info, error) {
	fi, err := os.Stat(s.statePath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStateLoadFailed, "stat state file", err)
	}

	data, err := os.ReadFile(s.statePath)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStateLoadFailed, "read state file", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.NewStateCorruptError(s.statePath, err)
	}

	return &Info{
		Path:           s.statePath,
		Size:           fi.Size(),
		SavedAt:        env.SavedAt,
		TasksCompleted: env.TasksCompleted,
		TasksTotal:     env.TasksTotal,
		Version:        env.Version,
	}, nil
}

// atomicWrite stages content in a temp file in the target's directory,
// forces it to stable storage, then renames it over the target.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
