package errors

import (
	"fmt"
	"strings"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

// Error categories
const (
	// Sync mailbox errors (SYNC-001 to SYNC-099)
	ErrCodeSyncWriteFailed ErrorCode = "SYNC-001"
	ErrCodeSyncReadFailed  ErrorCode = "SYNC-002"
	ErrCodeSyncWatchFailed ErrorCode = "SYNC-003"
	ErrCodeSyncTimeout     ErrorCode = "SYNC-004"

	// State store errors (STATE-001 to STATE-099)
	ErrCodeStateSaveFailed    ErrorCode = "STATE-001"
	ErrCodeStateLoadFailed    ErrorCode = "STATE-002"
	ErrCodeStateCorrupt       ErrorCode = "STATE-003"
	ErrCodeStateBackupFailed  ErrorCode = "STATE-004"
	ErrCodeStateNoRecoverable ErrorCode = "STATE-005"

	// Safety errors (SAFETY-001 to SAFETY-099)
	ErrCodeSafetyViolation    ErrorCode = "SAFETY-001"
	ErrCodeSafetyRevertFailed ErrorCode = "SAFETY-002"
	ErrCodeSafetyBaseline     ErrorCode = "SAFETY-003"
	ErrCodeEmergencyStop      ErrorCode = "SAFETY-004"

	// Task errors (TASK-001 to TASK-099)
	ErrCodeTaskNoProcessor    ErrorCode = "TASK-001"
	ErrCodeTaskRetryExhausted ErrorCode = "TASK-002"
	ErrCodeTaskTimeout        ErrorCode = "TASK-003"

	// Worker side-channel errors (WORKER-001 to WORKER-099)
	ErrCodeWorkerSendFailed   ErrorCode = "WORKER-001"
	ErrCodeWorkerUnreachable  ErrorCode = "WORKER-002"
	ErrCodeWorkerRecoveryFail ErrorCode = "WORKER-003"

	// Configuration errors (CONFIG-001 to CONFIG-099)
	ErrCodeConfigNotFound ErrorCode = "CONFIG-001"
	ErrCodeConfigInvalid  ErrorCode = "CONFIG-002"

	// File I/O errors (IO-001 to IO-099)
	ErrCodeFileNotFound    ErrorCode = "IO-001"
	ErrCodeFileReadFailed  ErrorCode = "IO-002"
	ErrCodeFileWriteFailed ErrorCode = "IO-003"
	ErrCodeDirectoryFailed ErrorCode = "IO-004"
	ErrCodeFileUnmarshal   ErrorCode = "IO-005"
)

// PilotError represents an enhanced error with code, suggestions, and a cause
type PilotError struct {
	Code        ErrorCode
	Message     string
	Suggestions []string
	Cause       error
}

// Error implements the error interface
func (e *PilotError) Error() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if e.Cause != nil {
		b.WriteString(fmt.Sprintf(": %v", e.Cause))
	}

	if len(e.Suggestions) > 0 {
		b.WriteString("\n\nSuggestions:")
		for _, suggestion := range e.Suggestions {
			b.WriteString(fmt.Sprintf("\n  • %s", suggestion))
		}
	}

	return b.String()
}

// Unwrap implements error unwrapping for errors.Is and errors.As
func (e *PilotError) Unwrap() error {
	return e.Cause
}

// New creates a new PilotError
func New(code ErrorCode, message string) *PilotError {
	return &PilotError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new PilotError wrapping an existing error
func Wrap(code ErrorCode, message string, cause error) *PilotError {
	return &PilotError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WithSuggestion adds a suggestion to the error
func (e *PilotError) WithSuggestion(suggestion string) *PilotError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// WithSuggestions adds multiple suggestions to the error
func (e *PilotError) WithSuggestions(suggestions ...string) *PilotError {
	e.Suggestions = append(e.Suggestions, suggestions...)
	return e
}

// Common error constructors for frequently used errors

// NewStateCorruptError creates a checkpoint corruption error
func NewStateCorruptError(path string, cause error) *PilotError {
	return Wrap(ErrCodeStateCorrupt, fmt.Sprintf("checkpoint file is corrupt: %s", path), cause).
		WithSuggestion("Recovery from the newest valid backup is attempted automatically").
		WithSuggestion("Run 'autopilot clear' to discard all persisted state and start fresh")
}

// NewSafetyViolationError creates a protected-file mutation error
func NewSafetyViolationError(paths []string) *PilotError {
	return New(ErrCodeSafetyViolation, fmt.Sprintf("protected files were modified: %s", strings.Join(paths, ", "))).
		WithSuggestion("Review the incident log with 'autopilot incidents'").
		WithSuggestion("Verify the worker's rules file forbids source edits")
}

// NewRetryExhaustedError creates a retry-exhausted error for a task
func NewRetryExhaustedError(taskID string, attempts int) *PilotError {
	return New(ErrCodeTaskRetryExhausted, fmt.Sprintf("task %s failed after %d attempts", taskID, attempts)).
		WithSuggestion("Inspect the task's error in the progress report").
		WithSuggestion("Re-run with '--start-at' to retry just this task")
}

// NewWorkerSendError creates a side-channel delivery error
func NewWorkerSendError(cause error) *PilotError {
	return Wrap(ErrCodeWorkerSendFailed, "failed to deliver message to the worker", cause).
		WithSuggestion("Check that the worker terminal is running and reachable").
		WithSuggestion("Use '--manual-focus' if automatic window targeting is unreliable")
}

// NewConfigInvalidError creates a config validation error
func NewConfigInvalidError(details string) *PilotError {
	return New(ErrCodeConfigInvalid, fmt.Sprintf("invalid configuration: %s", details)).
		WithSuggestion("Check autopilot.yaml against the documented schema")
}

// NewFileNotFoundError creates a file not found error
func NewFileNotFoundError(path string) *PilotError {
	return New(ErrCodeFileNotFound, fmt.Sprintf("file not found: %s", path)).
		WithSuggestion("Check if the file path is correct").
		WithSuggestion("Verify the file exists and you have read permissions")
}
