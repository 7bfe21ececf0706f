// Package tools provides the tool registry and execution framework.
//
// This file defines sentinel error types for tool execution.
package tools

import "fmt"

// ErrToolUnavailable is returned when a tool call targets a tool that
// is not present in the registry. This indicates a capability mismatch
// (hallucinated name or stale catalog), not a transient execution
// failure.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}

// ErrInvalidArguments is returned when a tool call carries arguments
// that do not match the tool's declared shape. Malformed arguments are
// an error surfaced to the model, never a crash.
type ErrInvalidArguments struct {
	ToolName string
	Reason   string
}

// Error implements the error interface.
func (e *ErrInvalidArguments) Error() string {
	return fmt.Sprintf("invalid arguments for %q: %s", e.ToolName, e.Reason)
}
