package inference

import (
	"errors"
	"fmt"
)

// LoadError reports a model artifact that is missing, unreadable, empty or malformed.
type LoadError struct {
	Path    string
	Message string
	Cause   error
}

func (e *LoadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("load %s: %s: %v", e.Path, e.Message, e.Cause)
	}
	return fmt.Sprintf("load %s: %s", e.Path, e.Message)
}

func (e *LoadError) Unwrap() error { return e.Cause }

// EngineError reports a non-OK engine status while creating a session.
type EngineError struct {
	Message string
	Cause   error
}

func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("engine: %s: %v", e.Message, e.Cause)
	}
	return "engine: " + e.Message
}

func (e *EngineError) Unwrap() error { return e.Cause }

// UnresolvedOperationError is returned before dispatch when a port names an
// operation (or output index) the graph does not have.
type UnresolvedOperationError struct {
	Port Port
}

func (e *UnresolvedOperationError) Error() string {
	return fmt.Sprintf("unresolved operation %q (port %s)", e.Port.Op, e.Port)
}

// RunError carries the engine's diagnostic for a failed run.
type RunError struct {
	Message string
	Cause   error
}

func (e *RunError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("run: %s: %v", e.Message, e.Cause)
	}
	return "run: " + e.Message
}

func (e *RunError) Unwrap() error { return e.Cause }

// ClosedSessionError is returned by any run attempted after Close.
type ClosedSessionError struct{}

func (e *ClosedSessionError) Error() string { return "session is closed" }

var (
	// ErrTensorReleased is returned when reading a tensor after Release.
	ErrTensorReleased = errors.New("tensor already released")
	// ErrInputConsumed is returned when an input tensor is fed to a second run.
	ErrInputConsumed = errors.New("input tensor already consumed by a run")
)
