package graph

// Node failure codes recorded with NodeError.
const (
	CodeExitCode      = "EXIT_CODE"
	CodeTaskFailed    = "TASK_FAILED"
	CodePostProcess   = "POST_PROCESS"
	CodeNodeTimeout   = "NODE_TIMEOUT"
	CodeUpstream      = "UPSTREAM_FAILED"
	CodeAborted       = "ABORTED"
	CodeNotRequired   = "NOT_REQUIRED"
	CodeDispatchError = "DISPATCH_FAILED"
)

// NodeError describes why a node did not succeed. It never escapes Run;
// its text is recorded as record/message of the node.
type NodeError struct {
	// Message describes the failure.
	Message string

	// Code classifies the failure.
	Code string

	// NodeID is "step/index".
	NodeID string

	// Cause is the underlying error, if any.
	Cause error
}

func (e *NodeError) Error() string {
	msg := e.Message
	if e.Cause != nil && msg == "" {
		msg = e.Cause.Error()
	}
	if e.NodeID != "" {
		return "node " + e.NodeID + ": " + msg
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *NodeError) Unwrap() error {
	return e.Cause
}
