// Package errs defines the error taxonomy shared by the backup components.
//
// Every typed error unwraps to one of the sentinels below, so callers can
// classify failures with errors.Is and inspect details with errors.As.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration indicates a missing or conflicting setting.
	ErrConfiguration = errors.New("configuration error")

	// ErrToolExecution indicates the external tool (or a cleanup step) failed.
	ErrToolExecution = errors.New("tool execution failed")

	// ErrInternalConsistency indicates the tool produced output of an unexpected shape.
	ErrInternalConsistency = errors.New("internal consistency failure")

	// ErrCycleInProgress indicates a sync cycle already holds the repository.
	ErrCycleInProgress = errors.New("sync cycle already in progress")
)

// ConfigError describes an invalid or missing setting.
type ConfigError struct {
	Setting string
	Value   string
	Reason  string
}

func (e *ConfigError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("configuration error for %s = %q: %s", e.Setting, e.Value, e.Reason)
	}
	return fmt.Sprintf("configuration error for %s: %s", e.Setting, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfiguration }

// NewConfigError creates a ConfigError.
func NewConfigError(setting, value, reason string) *ConfigError {
	return &ConfigError{Setting: setting, Value: value, Reason: reason}
}

// ToolError is returned when an external tool invocation exits non-zero
// or cannot be started at all (ExitCode is -1 in that case).
type ToolError struct {
	Tool     string
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

// Error keeps the tool's own diagnostic text so users can act on it
// (authentication failure, unreachable host, rejected push).
func (e *ToolError) Error() string {
	op := e.Tool
	if len(e.Args) > 0 {
		op = op + " " + e.Args[0]
	}
	msg := fmt.Sprintf("%s failed (exit %d)", op, e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg = msg + ": " + stderr
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *ToolError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrToolExecution}
	}
	return []error{ErrToolExecution, e.Err}
}

// ConsistencyError reports tool output that violates an expected shape.
type ConsistencyError struct {
	What  string
	Value string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("unexpected %s: %q", e.What, e.Value)
}

func (e *ConsistencyError) Unwrap() error { return ErrInternalConsistency }

// CleanupError reports a transient file that could not be removed.
type CleanupError struct {
	Path string
	Err  error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("cleanup of %s failed: %v", e.Path, e.Err)
}

func (e *CleanupError) Unwrap() []error { return []error{ErrToolExecution, e.Err} }
