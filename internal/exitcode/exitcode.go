package exitcode

import (
	"os"
	"strings"
)

// Exit codes for consistent error handling across the CLI
const (
	// Success indicates successful execution
	Success = 0

	// GeneralError indicates a general error condition
	GeneralError = 1

	// UsageError indicates invalid command usage (bad flags, missing args, etc.)
	UsageError = 2

	// SafetyViolation indicates protected files were modified and could not be reverted
	SafetyViolation = 3

	// EmergencyStop indicates the pipeline was halted by an emergency stop signal
	EmergencyStop = 4

	// StateCorrupt indicates the checkpoint store was unrecoverable
	StateCorrupt = 5

	// Interrupted indicates the operation was cancelled by the user
	Interrupted = 130
)

// Exit terminates the program with the given exit code
func Exit(code int) {
	os.Exit(code)
}

// ExitWithError exits with an appropriate code based on error type
func ExitWithError(err error) {
	if err == nil {
		Exit(Success)
		return
	}

	Exit(DetermineExitCode(err))
}

// DetermineExitCode analyzes an error and returns the appropriate exit code
func DetermineExitCode(err error) int {
	if err == nil {
		return Success
	}

	errMsg := strings.ToLower(err.Error())

	if strings.Contains(errMsg, "emergency stop") {
		return EmergencyStop
	}

	if strings.Contains(errMsg, "safety-") || (strings.Contains(errMsg, "protected files") && strings.Contains(errMsg, "modified")) {
		return SafetyViolation
	}

	if strings.Contains(errMsg, "checkpoint") && strings.Contains(errMsg, "corrupt") {
		return StateCorrupt
	}

	if strings.Contains(errMsg, "unknown flag") || strings.Contains(errMsg, "invalid argument") {
		return UsageError
	}

	return GeneralError
}
