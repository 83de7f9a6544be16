package graph

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Ciprian167/siliconcompiler/graph/emit"
	"github.com/Ciprian167/siliconcompiler/graph/flow"
	"github.com/Ciprian167/siliconcompiler/graph/store"
	"github.com/Ciprian167/siliconcompiler/graph/tool"
	"github.com/Ciprian167/siliconcompiler/schema"
)

// Metrics every node records regardless of its task contract.
var timingMetrics = map[string]bool{
	"tasktime":  true,
	"totaltime": true,
	"exetime":   true,
}

// nodeState is the engine side view of a node, guarded by Engine.mu.
type nodeState struct {
	status   Status
	start    time.Time
	end      time.Time
	duration time.Duration
	exitCode int
	remoteID string
	message  string
	inputs   []flow.NodeID
	metrics  map[string]float64
}

// transition moves a node to next and publishes the change: manifest
// record, store record, event, metrics and subscriber signal. Invalid
// transitions are logged and ignored.
func (e *Engine) transition(id flow.NodeID, next Status, message string) {
	now := time.Now()

	e.mu.Lock()
	st := e.nodes[id]
	prev := st.status
	if !prev.CanTransition(next) {
		e.mu.Unlock()
		e.logger.Error("invalid node transition",
			zap.String("node", id.String()),
			zap.String("from", prev.String()),
			zap.String("to", next.String()))
		return
	}
	st.status = next
	switch {
	case next == StatusRunning:
		st.start = now
	case next.IsDone():
		st.end = now
		if !st.start.IsZero() && st.duration == 0 {
			st.duration = now.Sub(st.start)
		}
	}
	if message != "" {
		st.message = message
	}
	rec := e.nodeRecord(id, st)
	e.mu.Unlock()

	at := schema.NodeAt(id.Step, id.Index)
	e.write(schema.Key("record", "status"), string(next), at)
	switch {
	case next == StatusRunning:
		e.write(schema.Key("record", "starttime"), now.UTC().Format(time.RFC3339Nano), at)
	case next.IsDone():
		e.write(schema.Key("record", "endtime"), now.UTC().Format(time.RFC3339Nano), at)
	}
	if message != "" {
		e.write(schema.Key("record", "message"), message, at)
	}

	if e.store != nil {
		if err := e.store.SaveNodeRecord(e.storeCtx, rec); err != nil {
			e.logger.Warn("failed to save node record", zap.String("node", id.String()), zap.Error(err))
		}
	}

	meta := map[string]interface{}{"status": string(next)}
	if next.IsDone() && rec.Duration > 0 {
		meta["duration_ms"] = rec.Duration.Milliseconds()
	}
	if next.IsError() && message != "" {
		meta["error"] = message
	} else if message != "" {
		meta["message"] = message
	}
	if rec.RemoteID != "" {
		meta["remote_id"] = rec.RemoteID
	}
	e.emitter.Emit(emit.Event{RunID: e.runID, Step: id.Step, Index: id.Index, Msg: emit.MsgNodeStatus, Meta: meta})

	e.metrics.IncrementTransitions(next)
	e.logger.Debug("node status",
		zap.String("node", id.String()),
		zap.String("from", prev.String()),
		zap.String("to", next.String()))
	e.notify()
}

// nodeRecord builds the store record of a node. Callers hold e.mu.
func (e *Engine) nodeRecord(id flow.NodeID, st *nodeState) store.NodeRecord {
	rec := store.NodeRecord{
		Job:      e.job,
		RunID:    e.runID,
		Step:     id.Step,
		Index:    id.Index,
		Status:   string(st.status),
		Start:    st.start,
		Duration: st.duration,
		ExitCode: st.exitCode,
		RemoteID: st.remoteID,
		Message:  st.message,
	}
	if len(st.metrics) > 0 {
		rec.Metrics = make(map[string]float64, len(st.metrics))
		for k, v := range st.metrics {
			rec.Metrics[k] = v
		}
	}
	return rec
}

// recordOutcome writes the results of a finished node into the manifest:
// exit code, remote id, timing metrics and the metrics its task declared.
// Metrics the task did not declare are dropped.
func (e *Engine) recordOutcome(id flow.NodeID, out Outcome, contract tool.Contract) {
	at := schema.NodeAt(id.Step, id.Index)

	metrics := map[string]float64{
		"tasktime": out.Duration.Seconds(),
	}
	if !out.Start.IsZero() {
		metrics["totaltime"] = out.Start.Add(out.Duration).Sub(e.runStart).Seconds()
	}
	for name, v := range out.Metrics {
		if !timingMetrics[name] && !contract.Declares(name) {
			e.logger.Warn("dropping undeclared metric",
				zap.String("node", id.String()),
				zap.String("metric", name))
			continue
		}
		if name == "tasktime" || name == "totaltime" {
			continue
		}
		metrics[name] = v
	}

	e.mu.Lock()
	st := e.nodes[id]
	st.duration = out.Duration
	if !out.Start.IsZero() {
		st.start = out.Start
	}
	st.exitCode = out.ExitCode
	st.remoteID = out.RemoteID
	st.metrics = metrics
	e.mu.Unlock()

	e.write(schema.Key("record", "exitcode"), out.ExitCode, at)
	if out.RemoteID != "" {
		e.write(schema.Key("record", "remoteid"), out.RemoteID, at)
	}
	for name, v := range metrics {
		e.write(schema.Key("metric", name), v, at)
	}
}

// write sets one manifest keypath. The manifest lock is held for that
// single write only.
func (e *Engine) write(kp schema.Keypath, v any, at schema.At) {
	if err := e.manifest.Set(kp, v, at); err != nil {
		level := e.logger.Warn
		if errors.Is(err, schema.ErrUndefinedKey) {
			level = e.logger.Error
		}
		level("failed to record value", zap.String("keypath", kp.String()), zap.Error(err))
	}
}

// emitRun publishes a run level event.
func (e *Engine) emitRun(msg string, meta map[string]interface{}) {
	e.emitter.Emit(emit.Event{RunID: e.runID, Msg: msg, Meta: meta})
}

type flusher interface {
	Flush(ctx context.Context) error
}
