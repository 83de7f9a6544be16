package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Ciprian167/siliconcompiler/graph/flow"
)

var (
	// ErrRunFailed is returned by Run when a target node did not succeed.
	// The Result is still complete.
	ErrRunFailed = errors.New("run failed")

	// ErrAborted is returned by Run after Abort, context cancellation or
	// an exhausted wall clock budget.
	ErrAborted = errors.New("run aborted")

	// ErrInvalidRetryPolicy is returned for a RetryPolicy that cannot be
	// applied.
	ErrInvalidRetryPolicy = errors.New("invalid retry policy")

	// ErrAlreadyRunning is returned when Run is called twice on an engine.
	ErrAlreadyRunning = errors.New("engine already started")
)

// Preflight error codes.
const (
	CodeMissingRequired  = "MISSING_REQUIRED"
	CodeUnknownTask      = "UNKNOWN_TASK"
	CodeUndefinedKeypath = "UNDEFINED_KEYPATH"
	CodeInvalidOption    = "INVALID_OPTION"
	CodeInvalidGraph     = "INVALID_GRAPH"
	CodeManifest         = "MANIFEST"
)

// EngineError is a configuration error found before any node runs.
type EngineError struct {
	Message string
	Code    string
	Cause   error
}

func (e *EngineError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if e.Code != "" {
		return e.Code + ": " + msg
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// failedTargets wraps ErrRunFailed with the nodes that did not succeed.
func failedTargets(nodes []flow.NodeID) error {
	names := make([]string, len(nodes))
	for i, n := range nodes {
		names[i] = n.String()
	}
	return fmt.Errorf("%w: %s did not succeed", ErrRunFailed, strings.Join(names, ", "))
}
