package mailbox

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zmidi/autopilot/internal/errors"
	"github.com/zmidi/autopilot/internal/log"
)

// Options tunes channel behavior. The zero value is usable.
type Options struct {
	PollInterval time.Duration
	ReadRetries  int
	ReadRetryGap time.Duration
}

func (o *Options) fill() {
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.ReadRetries <= 0 {
		o.ReadRetries = 3
	}
	if o.ReadRetryGap <= 0 {
		o.ReadRetryGap = 100 * time.Millisecond
	}
}

// Channel reads and writes the shared mailbox file.
type Channel struct {
	path   string
	opts   Options
	logger *log.Logger

	mu          sync.Mutex
	subscribers []func(Status)
}

// NewChannel creates a channel for the given mailbox file. The file is
// initialized to READY if it does not exist yet.
func NewChannel(path string, opts Options) (*Channel, error) {
	opts.fill()
	c := &Channel{
		path:   path,
		opts:   opts,
		logger: log.DefaultLogger().With("component", "mailbox", "file", filepath.Base(path)),
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := c.WriteStatus(Status{Kind: KindReady}); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Path returns the mailbox file path.
func (c *Channel) Path() string {
	return c.path
}

// Subscribe registers a callback invoked for every status observed by
// WaitForTerminal. Callbacks run on the waiting goroutine.
func (c *Channel) Subscribe(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

func (c *Channel) notify(s Status) {
	c.mu.Lock()
	subs := make([]func(Status), len(c.subscribers))
	copy(subs, c.subscribers)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

// WriteStatus renders and atomically writes a status, stamping it with
// the current time.
func (c *Channel) WriteStatus(s Status) error {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	return c.WriteRaw(s.Render())
}

// WriteRaw atomically replaces the mailbox content. The content is
// staged in a temp file in the same directory, fsynced, then renamed
// over the mailbox so a reader never observes a half-written file.
func (c *Channel) WriteRaw(content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, ".sync-*.tmp")
	if err != nil {
		return errors.Wrap(errors.ErrCodeSyncWriteFailed, "create temp mailbox file", err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.WriteString(content); err != nil {
		cleanup()
		return errors.Wrap(errors.ErrCodeSyncWriteFailed, "write mailbox content", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return errors.Wrap(errors.ErrCodeSyncWriteFailed, "sync mailbox content", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(errors.ErrCodeSyncWriteFailed, "close temp mailbox file", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(errors.ErrCodeSyncWriteFailed, "rename temp mailbox file", err)
	}
	return nil
}

// Read parses the current mailbox content. Partial or unreadable
// content is retried a few times before giving up with KindUnknown;
// a missing file is reported as UNKNOWN with no error.
func (c *Channel) Read() Status {
	for attempt := 0; attempt < c.opts.ReadRetries; attempt++ {
		data, err := os.ReadFile(c.path)
		if err != nil {
			if os.IsNotExist(err) {
				return Status{Kind: KindUnknown}
			}
			// Possibly locked mid-rename, retry.
			time.Sleep(c.opts.ReadRetryGap)
			continue
		}

		s := Parse(string(data))
		if s.Kind != KindUnknown || attempt == c.opts.ReadRetries-1 {
			return s
		}
		time.Sleep(c.opts.ReadRetryGap)
	}
	return Status{Kind: KindUnknown}
}

// WaitFor blocks until the mailbox shows the given kind, the timeout
// elapses, or the context is cancelled.
func (c *Channel) WaitFor(ctx context.Context, kind Kind, timeout time.Duration) error {
	_, err := c.wait(ctx, timeout, func(s Status) bool { return s.Kind == kind })
	return err
}

// WaitForTerminal blocks until the worker posts a terminal status
// (COMPLETE, PASS, ERROR, HELP, EMERGENCY_STOP or ALL_COMPLETE). It
// combines a filesystem watcher with a poll ticker; the watcher gives
// low latency, the ticker covers editors and mounts that do not emit
// events.
func (c *Channel) WaitForTerminal(ctx context.Context, timeout time.Duration) (Status, error) {
	return c.wait(ctx, timeout, func(s Status) bool { return s.Kind.Terminal() })
}

func (c *Channel) wait(ctx context.Context, timeout time.Duration, done func(Status) bool) (Status, error) {
	if s := c.Read(); done(s) {
		c.notify(s)
		return s, nil
	}

	// stop releases the forwarder when this wait returns, so a
	// goroutine blocked on the events send does not linger until the
	// run-level context ends.
	stop := make(chan struct{})
	defer close(stop)

	var events chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(c.path)); err == nil {
			events = make(chan fsnotify.Event)
			go func() {
				for {
					select {
					case ev, ok := <-watcher.Events:
						if !ok {
							return
						}
						if filepath.Clean(ev.Name) == filepath.Clean(c.path) {
							select {
							case events <- ev:
							case <-stop:
								return
							case <-ctx.Done():
								return
							}
						}
					case <-watcher.Errors:
					case <-stop:
						return
					case <-ctx.Done():
						return
					}
				}
			}()
		} else {
			c.logger.Warn("mailbox watch unavailable, falling back to polling", "error", err)
		}
	} else {
		c.logger.Warn("fsnotify unavailable, falling back to polling", "error", err)
	}

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var last Kind
	for {
		select {
		case <-ctx.Done():
			return Status{Kind: KindUnknown}, ctx.Err()
		case <-deadline.C:
			return Status{Kind: KindTimeout}, errors.New(errors.ErrCodeSyncTimeout,
				"timed out waiting for worker status update")
		case <-events:
		case <-ticker.C:
		}

		s := c.Read()
		if s.Kind != last {
			last = s.Kind
			c.notify(s)
		}
		if done(s) {
			return s, nil
		}
	}
}

// Clear resets the mailbox to READY.
func (c *Channel) Clear() error {
	return c.WriteStatus(Status{Kind: KindReady})
}
