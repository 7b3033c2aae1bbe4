// Package retry provides exponential backoff for transient failures and
// per-task retry bookkeeping for the pipeline.
package retry

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/zmidi/autopilot/internal/errors"
	"github.com/zmidi/autopilot/internal/log"
)

// Policy describes a backoff schedule.
type Policy struct {
	MaxAttempts     uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Jitter widens each delay by a random factor. Zero disables it.
	Jitter float64
}

// DefaultPolicy matches the schedule used for worker sends: three
// attempts starting at one second, doubling, capped at a minute.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     time.Minute,
		Multiplier:      2.0,
		Jitter:          0.5,
	}
}

func (p Policy) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0

	var bo backoff.BackOff = b
	if p.MaxAttempts > 0 {
		bo = backoff.WithMaxRetries(bo, p.MaxAttempts-1)
	}
	return backoff.WithContext(bo, ctx)
}

// Do runs op under the policy until it succeeds, the attempts are
// exhausted, or the context is cancelled. The last error is wrapped
// with a retry-exhausted code so callers can distinguish it.
func Do(ctx context.Context, p Policy, name string, op func() error) error {
	logger := log.DefaultLogger().With("operation", name)
	attempt := 0

	err := backoff.Retry(func() error {
		attempt++
		if err := op(); err != nil {
			if attempt < int(p.MaxAttempts) {
				logger.Warn("attempt failed, retrying",
					"attempt", attempt,
					"max_attempts", p.MaxAttempts,
					"error", err)
			}
			return err
		}
		return nil
	}, p.backoff(ctx))

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		perr := errors.NewRetryExhaustedError(name, int(p.MaxAttempts))
		perr.Cause = err
		return perr
	}
	return nil
}

// Attempt records one retry of a task.
type Attempt struct {
	Number    int       `json:"number"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// Stats summarizes retry activity across all tasks.
type Stats struct {
	TotalRetries     int            `json:"total_retries"`
	TasksWithRetries int            `json:"tasks_with_retries"`
	MaxRetriesUsed   int            `json:"max_retries_used"`
	Counts           map[string]int `json:"counts"`
}

// TaskManager tracks how many times each task has been retried so the
// engine can stop re-dispatching a task that keeps erroring.
type TaskManager struct {
	mu         sync.Mutex
	maxRetries int
	counts     map[string]int
	history    map[string][]Attempt
}

// NewTaskManager returns a manager allowing maxRetries retries per task.
func NewTaskManager(maxRetries int) *TaskManager {
	return &TaskManager{
		maxRetries: maxRetries,
		counts:     make(map[string]int),
		history:    make(map[string][]Attempt),
	}
}

// ShouldRetry reports whether the task has retries left.
func (m *TaskManager) ShouldRetry(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[taskID] < m.maxRetries
}

// RecordAttempt notes one retry of the task with the error that caused it.
func (m *TaskManager) RecordAttempt(taskID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[taskID]++
	m.history[taskID] = append(m.history[taskID], Attempt{
		Number:    m.counts[taskID],
		Timestamp: time.Now(),
		Reason:    reason,
	})
}

// Count returns the number of retries recorded for the task.
func (m *TaskManager) Count(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[taskID]
}

// Reset clears retry state for a task, typically after it succeeds.
func (m *TaskManager) Reset(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counts, taskID)
	delete(m.history, taskID)
}

// History returns the recorded attempts for a task, oldest first.
func (m *TaskManager) History(taskID string) []Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Attempt, len(m.history[taskID]))
	copy(out, m.history[taskID])
	return out
}

// Stats returns a snapshot of retry activity.
func (m *TaskManager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{Counts: make(map[string]int, len(m.counts))}
	for id, c := range m.counts {
		s.Counts[id] = c
		s.TotalRetries += c
		if c > 0 {
			s.TasksWithRetries++
		}
		if c > s.MaxRetriesUsed {
			s.MaxRetriesUsed = c
		}
	}
	return s
}
