// Package worker is the side channel to the external conversational
// worker: message delivery, command delivery, screen capture, and the
// periodic auto-approve sender.
package worker

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/zmidi/autopilot/internal/errors"
	"github.com/zmidi/autopilot/internal/log"
	"github.com/zmidi/autopilot/internal/retry"
)

// Converser is the contract the engine relies on. The mechanics of
// delivery (keystroke injection, terminal multiplexer, test fake) are
// behind this interface.
type Converser interface {
	// Send delivers free text to the worker's input.
	Send(ctx context.Context, text string) error
	// SendCommand delivers a slash command (a leading slash is added
	// if missing).
	SendCommand(ctx context.Context, command string) error
	// Capture returns the current visible text of the worker's
	// terminal, or "" when capture is unsupported.
	Capture(ctx context.Context) (string, error)
	// SendApprove delivers the single approval keystroke.
	SendApprove(ctx context.Context) error
	// Recover restarts the worker session after a stuck loop.
	Recover(ctx context.Context) error
}

// MessageKind classifies sent messages for stats.
type MessageKind string

const (
	MessageText    MessageKind = "text"
	MessageCommand MessageKind = "command"
	MessageRefresh MessageKind = "context_refresh"
)

// Stats summarizes side-channel traffic.
type Stats struct {
	MessagesSent     int       `json:"messages_sent"`
	CommandsSent     int       `json:"commands_sent"`
	ContextRefreshes int       `json:"context_refreshes"`
	LastMessage      time.Time `json:"last_message"`
}

// ExecConverser delivers messages by running configured shell
// commands, with the text on stdin. This keeps the injection mechanics
// (tmux, xdotool, a custom bridge script) out of the binary.
type ExecConverser struct {
	sendCmd     string
	captureCmd  string
	approveCmd  string
	recoverCmd  string
	dir         string
	policy      retry.Policy
	settle      time.Duration
	commandGap  time.Duration
	logger      *log.Logger

	mu          sync.Mutex
	stats       Stats
	lastCommand time.Time
}

// ExecOptions configures an ExecConverser.
type ExecOptions struct {
	// SendCommand receives the message on stdin. Required.
	SendCommand string
	// CaptureCommand prints the terminal's visible text on stdout.
	// Optional; Capture returns "" without it.
	CaptureCommand string
	// ApproveCommand delivers the approval keystroke. Defaults to
	// sending "1" through SendCommand.
	ApproveCommand string
	// RecoverCommand restarts the worker session. Optional.
	RecoverCommand string
	// Dir is the working directory for the commands.
	Dir string
	// Settle is the pause after each send, letting the UI process
	// the input before anything else is delivered.
	Settle time.Duration
	// Policy governs delivery retries.
	Policy retry.Policy
}

// NewExecConverser validates the options and builds the converser.
func NewExecConverser(opts ExecOptions) (*ExecConverser, error) {
	if strings.TrimSpace(opts.SendCommand) == "" {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "worker send command is required")
	}
	if opts.Settle <= 0 {
		opts.Settle = 500 * time.Millisecond
	}
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = retry.DefaultPolicy()
	}
	return &ExecConverser{
		sendCmd:    opts.SendCommand,
		captureCmd: opts.CaptureCommand,
		approveCmd: opts.ApproveCommand,
		recoverCmd: opts.RecoverCommand,
		dir:        opts.Dir,
		policy:     opts.Policy,
		settle:     opts.Settle,
		commandGap: 2 * time.Second,
		logger:     log.DefaultLogger().With("component", "worker"),
	}, nil
}

func (c *ExecConverser) run(ctx context.Context, command, stdin string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = c.dir
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Send delivers text, retrying with backoff on failure.
func (c *ExecConverser) Send(ctx context.Context, text string) error {
	err := retry.Do(ctx, c.policy, "worker send", func() error {
		_, rerr := c.run(ctx, c.sendCmd, text)
		return rerr
	})
	if err != nil {
		return errors.NewWorkerSendError(err)
	}

	c.record(classify(text))
	c.pause(ctx, c.settle)
	return nil
}

// SendCommand delivers a slash command, rate-limited so consecutive
// commands do not race the worker's UI.
func (c *ExecConverser) SendCommand(ctx context.Context, command string) error {
	if !strings.HasPrefix(command, "/") {
		command = "/" + command
	}

	c.mu.Lock()
	since := time.Since(c.lastCommand)
	c.mu.Unlock()
	if since < c.commandGap {
		c.pause(ctx, c.commandGap-since)
	}

	if err := c.Send(ctx, command); err != nil {
		return err
	}

	c.mu.Lock()
	c.lastCommand = time.Now()
	c.mu.Unlock()
	return nil
}

// Capture returns the worker terminal's visible text.
func (c *ExecConverser) Capture(ctx context.Context) (string, error) {
	if c.captureCmd == "" {
		return "", nil
	}
	out, err := c.run(ctx, c.captureCmd, "")
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeWorkerUnreachable, "capture worker terminal", err)
	}
	return out, nil
}

// SendApprove delivers the single approval keystroke, without retries;
// it runs on a timer and the next tick covers a miss.
func (c *ExecConverser) SendApprove(ctx context.Context) error {
	if c.approveCmd != "" {
		_, err := c.run(ctx, c.approveCmd, "")
		return err
	}
	_, err := c.run(ctx, c.sendCmd, "1")
	return err
}

// Recover restarts the worker session.
func (c *ExecConverser) Recover(ctx context.Context) error {
	if c.recoverCmd == "" {
		return errors.New(errors.ErrCodeWorkerRecoveryFail, "no recover command configured")
	}
	if _, err := c.run(ctx, c.recoverCmd, ""); err != nil {
		return errors.Wrap(errors.ErrCodeWorkerRecoveryFail, "restart worker", err)
	}
	c.logger.Info("worker session restarted")
	return nil
}

// Stats returns a snapshot of traffic counters.
func (c *ExecConverser) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *ExecConverser) record(kind MessageKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.MessagesSent++
	c.stats.LastMessage = time.Now()
	switch kind {
	case MessageCommand:
		c.stats.CommandsSent++
	case MessageRefresh:
		c.stats.ContextRefreshes++
	}
}

func (c *ExecConverser) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func classify(text string) MessageKind {
	switch {
	case strings.HasPrefix(text, "/"):
		return MessageCommand
	case strings.Contains(text, "[CONTEXT REFRESH"):
		return MessageRefresh
	}
	return MessageText
}
