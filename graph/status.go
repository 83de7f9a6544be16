package graph

// Status is the state of a pipeline node during a run.
//
//	pending -> queued -> running -> success | error | timeout
//	pending | queued | running -> skipped
//
// Running nodes only become skipped when the run is aborted.
type Status string

const (
	StatusPending Status = "pending"
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
	StatusSkipped Status = "skipped"
)

var statuses = []Status{
	StatusPending, StatusQueued, StatusRunning,
	StatusSuccess, StatusError, StatusTimeout, StatusSkipped,
}

// ParseStatus converts a recorded status string.
func ParseStatus(s string) (Status, bool) {
	for _, st := range statuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// IsRunning reports whether the node holds or waits for a dispatch slot.
func (s Status) IsRunning() bool {
	return s == StatusQueued || s == StatusRunning
}

// IsDone reports whether the status is terminal.
func (s Status) IsDone() bool {
	switch s {
	case StatusSuccess, StatusError, StatusTimeout, StatusSkipped:
		return true
	}
	return false
}

// IsSuccess reports whether the node succeeded.
func (s Status) IsSuccess() bool {
	return s == StatusSuccess
}

// IsError reports whether the node failed or timed out.
func (s Status) IsError() bool {
	return s == StatusError || s == StatusTimeout
}

// CanTransition reports whether a node may move from s to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusQueued || next == StatusSkipped
	case StatusQueued:
		return next == StatusRunning || next == StatusSkipped
	case StatusRunning:
		switch next {
		case StatusSuccess, StatusError, StatusTimeout, StatusSkipped:
			return true
		}
	}
	return false
}

func (s Status) String() string {
	return string(s)
}
