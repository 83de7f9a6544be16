package graph

import (
	"time"

	"github.com/Ciprian167/siliconcompiler/graph/flow"
)

// NodeSnapshot is the state of one node at the time of a Snapshot.
type NodeSnapshot struct {
	Step     string             `json:"step"`
	Index    string             `json:"index"`
	Task     string             `json:"task"`
	Status   Status             `json:"status"`
	Start    time.Time          `json:"start,omitempty"`
	Duration time.Duration      `json:"duration"`
	ExitCode int                `json:"exitcode"`
	RemoteID string             `json:"remoteid,omitempty"`
	Message  string             `json:"message,omitempty"`
	Inputs   []string           `json:"inputs,omitempty"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
}

// Totals aggregates node counts of a Snapshot.
type Totals struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	Queued   int `json:"queued"`
	Running  int `json:"running"`
	Success  int `json:"success"`
	Error    int `json:"error"`
	Skipped  int `json:"skipped"`
	Finished int `json:"finished"`

	// Runtime is the time since the run started, or the run duration once
	// it ended.
	Runtime time.Duration `json:"runtime"`
}

// Snapshot is a point in time copy of a run, safe to keep and format
// without holding any engine lock.
type Snapshot struct {
	RunID  string         `json:"run_id"`
	Job    string         `json:"job"`
	Flow   string         `json:"flow"`
	Start  time.Time      `json:"start,omitempty"`
	Done   bool           `json:"done"`
	Nodes  []NodeSnapshot `json:"nodes"`
	Totals Totals         `json:"totals"`
}

// Node returns the snapshot of node id.
func (s *Snapshot) Node(id flow.NodeID) (NodeSnapshot, bool) {
	for _, n := range s.Nodes {
		if n.Step == id.Step && n.Index == id.Index {
			return n, true
		}
	}
	return NodeSnapshot{}, false
}

// Snapshot copies the current run state. Nodes are listed by execution
// level, then definition order.
func (e *Engine) Snapshot() *Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := &Snapshot{
		RunID: e.runID,
		Job:   e.job,
		Flow:  e.graph.Name,
		Start: e.runStart,
		Done:  !e.runEnd.IsZero(),
		Nodes: make([]NodeSnapshot, 0, len(e.order)),
	}
	for _, id := range e.order {
		st := e.nodes[id]
		ns := NodeSnapshot{
			Step:     id.Step,
			Index:    id.Index,
			Task:     e.graph.Task(id),
			Status:   st.status,
			Start:    st.start,
			Duration: st.duration,
			ExitCode: st.exitCode,
			RemoteID: st.remoteID,
			Message:  st.message,
		}
		for _, in := range st.inputs {
			ns.Inputs = append(ns.Inputs, in.String())
		}
		if len(st.metrics) > 0 {
			ns.Metrics = make(map[string]float64, len(st.metrics))
			for k, v := range st.metrics {
				ns.Metrics[k] = v
			}
		}
		snap.Nodes = append(snap.Nodes, ns)
		snap.Totals.add(st.status)
	}

	switch {
	case e.runStart.IsZero():
	case e.runEnd.IsZero():
		snap.Totals.Runtime = time.Since(e.runStart)
	default:
		snap.Totals.Runtime = e.runEnd.Sub(e.runStart)
	}
	return snap
}

func (t *Totals) add(s Status) {
	t.Total++
	switch s {
	case StatusPending:
		t.Pending++
	case StatusQueued:
		t.Queued++
	case StatusRunning:
		t.Running++
	case StatusSuccess:
		t.Success++
	case StatusError, StatusTimeout:
		t.Error++
	case StatusSkipped:
		t.Skipped++
	}
	if s.IsDone() {
		t.Finished++
	}
}

// Subscribe returns a channel signalled after every node status change
// and at the end of the run. Signals coalesce: a slow reader sees one
// pending signal, never a backlog, and the engine never blocks on it. The
// returned function unsubscribes and closes the channel.
func (e *Engine) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	e.subsMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.subsMu.Unlock()

	var cancelled bool
	return ch, func() {
		e.subsMu.Lock()
		defer e.subsMu.Unlock()
		if cancelled {
			return
		}
		cancelled = true
		delete(e.subs, id)
		close(ch)
	}
}

func (e *Engine) notify() {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
