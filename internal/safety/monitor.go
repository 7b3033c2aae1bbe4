// Package safety enforces the pipeline's one hard invariant: the
// worker analyzes source files, it never changes them. The monitor
// hashes every protected file at session start and re-checks the set
// around each task and on a fixed background period.
package safety

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/zmidi/autopilot/internal/errors"
	"github.com/zmidi/autopilot/internal/incident"
	"github.com/zmidi/autopilot/internal/log"
)

// Recorder receives incident records. Satisfied by *incident.Store.
type Recorder interface {
	Append(ctx context.Context, inc incident.Incident) error
}

// Monitor watches protected files for unauthorized mutation.
type Monitor struct {
	root        string
	globs       []string
	excludeDirs map[string]bool
	recorder    Recorder
	logger      *log.Logger

	mu       sync.Mutex
	baseline map[string]string
}

// NewMonitor creates a monitor over root. globs are base-name patterns
// like "*.zig"; a leading "**/" is accepted and ignored since the scan
// is always recursive.
func NewMonitor(root string, globs, excludeDirs []string, recorder Recorder) *Monitor {
	excl := make(map[string]bool, len(excludeDirs))
	for _, d := range excludeDirs {
		excl[d] = true
	}
	cleaned := make([]string, 0, len(globs))
	for _, g := range globs {
		cleaned = append(cleaned, strings.TrimPrefix(g, "**/"))
	}
	return &Monitor{
		root:        root,
		globs:       cleaned,
		excludeDirs: excl,
		recorder:    recorder,
		logger:      log.DefaultLogger().With("component", "safety"),
	}
}

// Baseline hashes every protected file and stores the result as the
// reference for later checks. Returns the number of files covered.
func (m *Monitor) Baseline() (int, error) {
	hashes, err := m.hashAll()
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeSafetyBaseline, "hash protected files", err)
	}

	m.mu.Lock()
	m.baseline = hashes
	m.mu.Unlock()

	m.logger.Info("protected file baseline established", "files", len(hashes))
	return len(hashes), nil
}

// BaselineHashes returns a copy of the current baseline, for persisting
// into the checkpoint.
func (m *Monitor) BaselineHashes() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.baseline))
	for k, v := range m.baseline {
		out[k] = v
	}
	return out
}

// RestoreBaseline installs a baseline loaded from a checkpoint.
func (m *Monitor) RestoreBaseline(hashes map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baseline = make(map[string]string, len(hashes))
	for k, v := range hashes {
		m.baseline[k] = v
	}
}

// Check re-hashes the protected set and returns the paths whose
// content changed since the baseline. A vanished file counts as
// changed. Files that appeared after the baseline are ignored; only
// baselined content is protected.
func (m *Monitor) Check() ([]string, error) {
	current, err := m.hashAll()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeSafetyBaseline, "re-hash protected files", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var changed []string
	for path, want := range m.baseline {
		got, ok := current[path]
		if !ok || got != want {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed, nil
}

// Violation describes the outcome of handling a detected mutation.
type Violation struct {
	Files    []string
	Reverted bool
}

// HandleViolation attempts to restore the given files from version
// control. On success the monitor re-baselines and nothing is
// recorded. On failure an incident is appended and processing is
// expected to continue; the mutation is recorded, not guessed at.
func (m *Monitor) HandleViolation(ctx context.Context, sessionID, taskID, phase string, files []string) (Violation, error) {
	v := Violation{Files: files}
	if len(files) == 0 {
		return v, nil
	}

	m.logger.Warn("protected files modified", "task_id", taskID, "phase", phase, "files", files)

	if err := m.revert(ctx, files); err != nil {
		m.logger.Error("automatic revert failed", "error", err)
		if recErr := m.recorder.Append(ctx, incident.Incident{
			SessionID: sessionID,
			TaskID:    taskID,
			Kind:      incident.KindRevertFailed,
			Phase:     phase,
			Files:     files,
			Detail:    err.Error(),
		}); recErr != nil {
			m.logger.Error("failed to record incident", "error", recErr)
		}
		return v, errors.Wrap(errors.ErrCodeSafetyRevertFailed, "revert protected files", err)
	}

	if _, err := m.Baseline(); err != nil {
		return v, err
	}
	v.Reverted = true
	m.logger.Info("protected files restored", "files", len(files))
	return v, nil
}

// revert checks the files out from HEAD, discarding the mutation.
func (m *Monitor) revert(ctx context.Context, files []string) error {
	args := append([]string{"checkout", "HEAD", "--"}, files...)
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.root
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git checkout: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// RunSweeper periodically runs a full check independent of task
// boundaries, as a backstop for long windows with no dispatch. Blocks
// until the context is cancelled. Detected violations are passed to
// onViolation, which owns the response; with a nil onViolation the
// sweeper reverts and records them itself. Exactly one of the two
// handles each violation.
func (m *Monitor) RunSweeper(ctx context.Context, interval time.Duration, sessionID string, onViolation func([]string)) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changed, err := m.Check()
			if err != nil {
				m.logger.Warn("background safety sweep failed", "error", err)
				continue
			}
			if len(changed) == 0 {
				continue
			}
			if onViolation != nil {
				onViolation(changed)
				continue
			}
			if _, err := m.HandleViolation(ctx, sessionID, "", "background_sweep", changed); err != nil {
				m.logger.Error("background sweep could not restore files", "error", err)
			}
		}
	}
}

func (m *Monitor) hashAll() (map[string]string, error) {
	hashes := make(map[string]string)

	err := filepath.WalkDir(m.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			// A file deleted mid-walk is handled by the vanished
			// rule at check time.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if m.excludeDirs[name] || (strings.HasPrefix(name, ".") && path != m.root) {
				return filepath.SkipDir
			}
			return nil
		}
		if !m.matches(d.Name()) {
			return nil
		}

		sum, err := hashFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		rel, err := filepath.Rel(m.root, path)
		if err != nil {
			rel = path
		}
		hashes[rel] = sum
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hashes, nil
}

func (m *Monitor) matches(name string) bool {
	for _, g := range m.globs {
		if ok, _ := filepath.Match(g, name); ok {
			return true
		}
	}
	return false
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
