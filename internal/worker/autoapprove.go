package worker

import (
	"context"
	"os"
	"time"

	"github.com/zmidi/autopilot/internal/log"
)

// PauseLock is the conventional file name whose presence pauses the
// auto-approver, so a deliberate message send is never interleaved
// with a stray approval keystroke.
const PauseLock = ".approve_pause.lock"

// AutoApprover periodically sends a low-risk approval keystroke toward
// the worker, independent of task state. It unblocks confirmation
// prompts the main loop's own monitoring missed; when no prompt is
// showing the keystroke is a no-op in the worker's UI.
type AutoApprover struct {
	conv     Converser
	lockPath string
	interval time.Duration
	logger   *log.Logger
}

// NewAutoApprover creates the approver. lockPath is usually PauseLock
// resolved against the project root.
func NewAutoApprover(conv Converser, lockPath string, interval time.Duration) *AutoApprover {
	if interval <= 0 {
		interval = time.Second
	}
	return &AutoApprover{
		conv:     conv,
		lockPath: lockPath,
		interval: interval,
		logger:   log.DefaultLogger().With("component", "auto-approve"),
	}
}

// Run sends approvals on the interval until the context is cancelled.
func (a *AutoApprover) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.Paused() {
				continue
			}
			if err := a.conv.SendApprove(ctx); err != nil && ctx.Err() == nil {
				a.logger.Debug("approve keystroke failed", "error", err)
			}
		}
	}
}

// Paused reports whether the pause lock is present.
func (a *AutoApprover) Paused() bool {
	_, err := os.Stat(a.lockPath)
	return err == nil
}

// Pause creates the pause lock.
func (a *AutoApprover) Pause() error {
	return os.WriteFile(a.lockPath, []byte("1"), 0o644)
}

// Resume removes the pause lock.
func (a *AutoApprover) Resume() error {
	if err := os.Remove(a.lockPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
