// Package state holds the pipeline's persistent model: tasks, their
// outcomes, and the crash-safe checkpoint store.
package state

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/zeebo/blake3"
)

// TaskStatus is the lifecycle state of a single task.
type TaskStatus string

const (
	StatusPending         TaskStatus = "PENDING"
	StatusWaitingForReady TaskStatus = "WAITING_FOR_READY"
	StatusNewTask         TaskStatus = "NEW_TASK"
	StatusWorking         TaskStatus = "WORKING"
	StatusComplete        TaskStatus = "COMPLETE"
	StatusPass            TaskStatus = "PASS"
	StatusError           TaskStatus = "ERROR"
	StatusHelp            TaskStatus = "HELP"
	StatusTimeout         TaskStatus = "TIMEOUT"
)

// Done reports whether the status marks the task finished successfully.
func (s TaskStatus) Done() bool {
	return s == StatusComplete || s == StatusPass
}

// Task is one unit of work for the external worker.
type Task struct {
	ID         string            `json:"id"`
	FilePath   string            `json:"file_path"`
	Phase      string            `json:"phase"`
	OutputPath string            `json:"output_path"`
	Status     TaskStatus        `json:"status"`
	StartTime  *time.Time        `json:"start_time,omitempty"`
	EndTime    *time.Time        `json:"end_time,omitempty"`
	Error      string            `json:"error,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Duration returns how long the task ran, or zero if it has not both
// started and ended.
func (t *Task) Duration() time.Duration {
	if t.StartTime == nil || t.EndTime == nil {
		return 0
	}
	return t.EndTime.Sub(*t.StartTime)
}

// CompletionKey identifies a finished task by id plus a short content
// hash of its input file. If the input changes after a checkpoint, the
// key changes too and the task is dispatched again on resume.
func (t *Task) CompletionKey() string {
	data, err := os.ReadFile(t.FilePath)
	if err != nil {
		// No readable input, fall back to the bare id.
		return t.ID
	}
	sum := blake3.Sum256(data)
	return fmt.Sprintf("%s:%s", t.ID, hex.EncodeToString(sum[:])[:8])
}

// PipelineState is everything the pipeline needs to resume after a
// crash or restart.
type PipelineState struct {
	SessionID        string            `json:"session_id"`
	Tasks            []*Task           `json:"tasks"`
	CompletedKeys    []string          `json:"completed_keys"`
	CurrentTaskID    string            `json:"current_task_id,omitempty"`
	StartTime        *time.Time        `json:"start_time,omitempty"`
	LastCheckpoint   *time.Time        `json:"last_checkpoint,omitempty"`
	ContextUsage     int               `json:"context_usage"`
	MessagesSent     int               `json:"messages_sent"`
	SourceFileHashes map[string]string `json:"source_file_hashes,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// NewPipelineState creates an empty state for a fresh session.
func NewPipelineState(sessionID string) *PipelineState {
	now := time.Now()
	return &PipelineState{
		SessionID:        sessionID,
		StartTime:        &now,
		SourceFileHashes: make(map[string]string),
	}
}

// IsCompleted reports whether the key is already recorded.
func (s *PipelineState) IsCompleted(key string) bool {
	for _, k := range s.CompletedKeys {
		if k == key {
			return true
		}
	}
	return false
}

// MarkCompleted records a completion key, once.
func (s *PipelineState) MarkCompleted(key string) {
	if !s.IsCompleted(key) {
		s.CompletedKeys = append(s.CompletedKeys, key)
	}
}

// Progress summarizes completion counts.
type Progress struct {
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Pending   int     `json:"pending"`
	Percent   float64 `json:"percent"`
}

// Progress computes completion statistics for the current task set.
func (s *PipelineState) Progress() Progress {
	p := Progress{
		Total:     len(s.Tasks),
		Completed: len(s.CompletedKeys),
	}
	if p.Completed > p.Total {
		p.Completed = p.Total
	}
	p.Pending = p.Total - p.Completed
	if p.Total > 0 {
		p.Percent = float64(p.Completed) / float64(p.Total) * 100
	}
	return p
}

// FindTask returns the task with the given id, or nil.
func (s *PipelineState) FindTask(id string) *Task {
	for _, t := range s.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}
