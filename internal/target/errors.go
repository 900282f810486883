package target

import (
	"errors"
	"fmt"
)

// ErrTargetClosed resolves commands in flight on a target that closed
// underneath them.
var ErrTargetClosed = errors.New("target closed")

// ErrNavigateTimeout means the load event did not fire within the deadline.
// The session remains usable; callers re-check document.readyState.
var ErrNavigateTimeout = errors.New("navigation timed out")

// NavigationError is a navigation the browser itself refused (bad URL,
// DNS failure, connection refused). Distinct from ErrNavigateTimeout.
type NavigationError struct {
	URL    string
	Reason string
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigation to %s failed: %s", e.URL, e.Reason)
}

// EvaluationError carries the engine-reported message for a script that
// threw or produced an unserializable result.
type EvaluationError struct {
	Message string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("script evaluation failed: %s", e.Message)
}
