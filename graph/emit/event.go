package emit

// Event messages emitted by the engine.
const (
	MsgRunStart   = "run_start"
	MsgRunEnd     = "run_end"
	MsgNodeStatus = "node_status"
	MsgNodeRetry  = "node_retry"
)

// Event is an observability event emitted during a run.
type Event struct {
	// RunID identifies the run that emitted the event.
	RunID string

	// Step and Index identify the node. Both are empty for run level
	// events.
	Step  string
	Index string

	// Msg is the event kind, one of the Msg constants.
	Msg string

	// Meta carries event specific data. Common keys:
	//   - "status": node status after the transition
	//   - "duration_ms": node wall clock time
	//   - "error": failure message
	//   - "attempt": remote submission attempt
	//   - "remote_id": remote scheduler job id
	Meta map[string]interface{}
}

// Node returns "step/index", or "" for run level events.
func (e Event) Node() string {
	if e.Step == "" {
		return ""
	}
	return e.Step + "/" + e.Index
}
