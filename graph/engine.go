// Package graph is the execution engine of a build pipeline.
//
// An Engine runs a flattened flow graph against a manifest. It computes
// the nodes a run needs, walks the graph from a single goroutine and
// dispatches every node whose inputs are done, bounded by a concurrency
// limit. Results, timing and metrics go back into the manifest as each
// node finishes, so the manifest is a complete record of the run even
// when it fails.
//
// Node status follows a small state machine (see Status). A failed node
// does not stop its siblings, but everything downstream of it is skipped.
// Only configuration and graph errors abort a run before it starts.
//
// Example:
//
//	g, _ := asicflow.Flatten()
//	engine, err := graph.New(g, manifest,
//	    graph.WithMaxConcurrent(4),
//	    graph.WithStore(st),
//	)
//	if err != nil {
//	    return err
//	}
//	result, err := engine.Run(ctx)
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Ciprian167/siliconcompiler/graph/emit"
	"github.com/Ciprian167/siliconcompiler/graph/flow"
	"github.com/Ciprian167/siliconcompiler/graph/store"
	"github.com/Ciprian167/siliconcompiler/graph/tool"
	"github.com/Ciprian167/siliconcompiler/schema"
)

// Engine runs one job of a flow graph. An Engine runs once; create a new
// one to run again.
type Engine struct {
	graph    *flow.Graph
	manifest *schema.Schema

	runID         string
	job           string
	buildDir      string
	manifestPath  string
	maxConcurrent int
	resume        bool
	request       flow.Request

	nodeTimeout time.Duration
	budget      time.Duration

	dispatcher Dispatcher
	store      store.Store
	emitter    emit.Emitter
	logger     *zap.Logger
	metrics    *PrometheusMetrics
	tasks      *tool.Registry

	// storeCtx outlives cancellation of the run so that aborted nodes
	// are still persisted.
	storeCtx context.Context

	mu       sync.RWMutex
	started  bool
	runStart time.Time
	runEnd   time.Time
	order    []flow.NodeID
	nodes    map[flow.NodeID]*nodeState
	prepared map[flow.NodeID]*preparedNode

	abortOnce sync.Once
	abortCh   chan struct{}

	subsMu  sync.Mutex
	subs    map[int]chan struct{}
	nextSub int
}

// preparedNode is a node whose task passed preflight.
type preparedNode struct {
	task     tool.Task
	contract tool.Contract
	ctx      *tool.Context
	inputs   []flow.NodeID
}

// Result summarizes a finished run.
type Result struct {
	RunID    string
	Job      string
	Flow     string
	Statuses map[flow.NodeID]Status

	// Failed lists the targets that did not succeed.
	Failed []flow.NodeID

	Duration     time.Duration
	ManifestPath string
}

// New creates an engine for g. Settings not given as options are read
// from the manifest.
func New(g *flow.Graph, manifest *schema.Schema, opts ...Option) (*Engine, error) {
	if g == nil || g.Len() == 0 {
		return nil, &EngineError{Message: "flow graph has no nodes", Code: CodeInvalidGraph}
	}
	if manifest == nil {
		return nil, &EngineError{Message: "manifest is nil", Code: CodeManifest}
	}

	cfg := &engineConfig{}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	e := &Engine{
		graph:         g,
		manifest:      manifest,
		runID:         cfg.runID,
		job:           cfg.jobName,
		buildDir:      cfg.buildDir,
		manifestPath:  cfg.manifestPath,
		maxConcurrent: cfg.maxConcurrent,
		nodeTimeout:   cfg.defaultNodeTimeout,
		budget:        cfg.runWallClockBudget,
		dispatcher:    cfg.dispatcher,
		store:         cfg.store,
		emitter:       cfg.emitter,
		logger:        cfg.logger,
		metrics:       cfg.metrics,
		tasks:         cfg.tasks,
		nodes:         make(map[flow.NodeID]*nodeState, g.Len()),
		prepared:      make(map[flow.NodeID]*preparedNode),
		abortCh:       make(chan struct{}),
		subs:          make(map[int]chan struct{}),
	}

	if e.runID == "" {
		e.runID = uuid.New().String()
	}
	if e.job == "" {
		e.job = optionString(manifest, "jobname", "job0")
	}
	if e.buildDir == "" {
		e.buildDir = optionString(manifest, "builddir", "build")
	}
	if e.maxConcurrent == 0 {
		if v, ok := optionValue(manifest, "scheduler", "maxconcurrent").(int); ok && v > 0 {
			e.maxConcurrent = v
		} else {
			e.maxConcurrent = runtime.NumCPU()
		}
	}
	if cfg.resume != nil {
		e.resume = *cfg.resume
	} else {
		resume, _ := optionValue(manifest, "resume").(bool)
		clean, _ := optionValue(manifest, "clean").(bool)
		e.resume = resume && !clean
	}

	e.request.From = cfg.from
	if e.request.From == nil {
		e.request.From = optionStrings(manifest, "from")
	}
	e.request.To = cfg.to
	if e.request.To == nil {
		e.request.To = optionStrings(manifest, "to")
	}
	e.request.Prune = cfg.prune
	if e.request.Prune == nil {
		e.request.Prune = optionNodes(manifest, "prune")
	}

	if e.dispatcher == nil {
		e.dispatcher = NewLocalDispatcher(0)
	}
	if e.emitter == nil {
		e.emitter = emit.NewNullEmitter()
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.tasks == nil {
		e.tasks = tool.NewRegistry()
	}
	e.logger = e.logger.With(zap.String("run_id", e.runID), zap.String("job", e.job))

	for _, level := range g.ExecutionOrder() {
		for _, id := range level {
			e.order = append(e.order, id)
			e.nodes[id] = &nodeState{status: StatusPending}
		}
	}
	return e, nil
}

// RunID returns the run identifier.
func (e *Engine) RunID() string {
	return e.runID
}

// Abort stops the run: no new node is dispatched, running nodes are
// cancelled and every node that did not finish ends up SKIPPED. Abort is
// safe to call from any goroutine, any number of times.
func (e *Engine) Abort() {
	e.abortOnce.Do(func() { close(e.abortCh) })
}

// Run executes the job and blocks until every node reached a terminal
// status.
//
// Configuration and graph errors are returned as *EngineError before any
// node runs. Otherwise Run always returns a Result; the error is
// ErrAborted after an abort or wrapping ErrRunFailed when a target node
// did not succeed.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	e.started = true
	e.runStart = time.Now()
	e.mu.Unlock()

	e.storeCtx = context.WithoutCancel(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if e.budget > 0 {
		var cancelBudget context.CancelFunc
		runCtx, cancelBudget = context.WithTimeout(runCtx, e.budget)
		defer cancelBudget()
	}
	go func() {
		select {
		case <-e.abortCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	plan, err := e.preflight(runCtx)
	if err != nil {
		e.logger.Error("preflight failed", zap.Error(err))
		return nil, err
	}

	e.logger.Info("run started",
		zap.String("flow", e.graph.Name),
		zap.Int("nodes", len(plan)),
		zap.Int("max_concurrent", e.maxConcurrent))
	e.emitRun(emit.MsgRunStart, map[string]interface{}{
		"flow":  e.graph.Name,
		"job":   e.job,
		"nodes": len(plan),
	})

	aborted := e.walk(runCtx, plan)
	return e.finish(aborted)
}

// preflight records the graph, checks the configuration and prepares
// every node of the plan. It returns the plan in execution order.
func (e *Engine) preflight(ctx context.Context) ([]flow.NodeID, error) {
	if err := e.graph.Record(e.manifest); err != nil {
		return nil, &EngineError{Message: "failed to record flow graph", Code: CodeInvalidGraph, Cause: err}
	}
	if err := e.manifest.Set(schema.Key("option", "flow"), e.graph.Name, schema.Global); err != nil {
		return nil, &EngineError{Message: "failed to set flow", Code: CodeManifest, Cause: err}
	}
	if err := e.manifest.CheckRequired(); err != nil {
		code := CodeManifest
		if errors.Is(err, schema.ErrMissingRequired) {
			code = CodeMissingRequired
		}
		return nil, &EngineError{Message: "manifest check failed", Code: code, Cause: err}
	}

	recorded := map[flow.NodeID]Status{}
	if e.resume {
		recorded = e.priorStatuses(ctx)
	}
	plan, err := e.graph.NodesToExecute(e.request, func(id flow.NodeID) bool {
		return recorded[id].IsSuccess()
	})
	if err != nil {
		return nil, &EngineError{Message: "failed to plan run", Code: CodeInvalidGraph, Cause: err}
	}

	design := designName(e.manifest)

	inPlan := make(map[flow.NodeID]bool, len(plan))
	for _, id := range plan {
		inPlan[id] = true
		prep, err := e.prepare(id, design)
		if err != nil {
			return nil, err
		}
		e.prepared[id] = prep
	}

	for _, id := range e.order {
		if inPlan[id] {
			continue
		}
		if recorded[id].IsSuccess() {
			e.mu.Lock()
			e.nodes[id].status = StatusSuccess
			e.nodes[id].message = "reused from a previous run"
			e.mu.Unlock()
			continue
		}
		e.transition(id, StatusSkipped, CodeNotRequired+": not needed to reach the targets")
	}
	return plan, nil
}

// priorStatuses returns the recorded statuses for resume: from the
// manifest itself, or else from the manifest of the job in the store.
func (e *Engine) priorStatuses(ctx context.Context) map[flow.NodeID]Status {
	recorded := RecordedStatuses(e.manifest, e.graph)
	if len(recorded) > 0 || e.store == nil {
		return recorded
	}

	doc, err := e.store.LoadManifest(ctx, e.job)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("failed to load previous manifest", zap.Error(err))
		}
		return recorded
	}
	prior := schema.New()
	if err := json.Unmarshal(doc, prior); err != nil {
		e.logger.Warn("failed to decode previous manifest", zap.Error(err))
		return recorded
	}
	recorded = RecordedStatuses(prior, e.graph)
	for id, st := range recorded {
		if st.IsSuccess() {
			carryRecords(e.manifest, prior, id)
		}
	}
	return recorded
}

// prepare resolves the task of a planned node, applies its defaults and
// checks its contract against the manifest.
func (e *Engine) prepare(id flow.NodeID, design string) (*preparedNode, error) {
	ref := e.graph.Task(id)
	task, err := e.tasks.Lookup(ref, e.manifest)
	if err != nil {
		return nil, &EngineError{Message: fmt.Sprintf("node %s: task %s", id, ref), Code: CodeUnknownTask, Cause: err}
	}
	toolName, taskName, _ := flow.SplitTask(ref)
	node, _ := e.graph.Node(id)

	tctx := &tool.Context{
		Node:    id,
		Tool:    toolName,
		Task:    taskName,
		Schema:  e.manifest,
		WorkDir: filepath.Join(e.buildDir, design, e.job, id.Step, id.Index),
		Args:    node.Args,
	}
	if c, ok := task.(tool.Configurer); ok {
		if err := c.Setup(tctx); err != nil {
			return nil, &EngineError{Message: fmt.Sprintf("node %s: setup of %s", id, ref), Code: CodeManifest, Cause: err}
		}
	}
	contract, err := task.Contract(tctx)
	if err != nil {
		return nil, &EngineError{Message: fmt.Sprintf("node %s: contract of %s", id, ref), Code: CodeManifest, Cause: err}
	}

	for _, kp := range contract.Required {
		if !e.manifest.Valid(kp) {
			return nil, &EngineError{Message: fmt.Sprintf("node %s: %s requires %s", id, ref, kp), Code: CodeUndefinedKeypath}
		}
		if producedByRun(kp) {
			continue
		}
		if empty, err := e.manifest.IsEmpty(kp, tctx.At()); err != nil || empty {
			return nil, &EngineError{
				Message: fmt.Sprintf("node %s: %s requires %s", id, ref, kp),
				Code:    CodeMissingRequired,
				Cause:   err,
			}
		}
	}

	return &preparedNode{
		task:     task,
		contract: contract,
		ctx:      tctx,
		inputs:   e.effectiveInputs(id),
	}, nil
}

// producedByRun reports whether kp is written by upstream nodes during
// the run, so it can only be checked right before dispatch.
func producedByRun(kp schema.Keypath) bool {
	return len(kp) > 0 && (kp[0] == "record" || kp[0] == "metric")
}

// effectiveInputs returns the inputs a node waits for. Pruned inputs do
// not count and nodes of a start step wait for nothing.
func (e *Engine) effectiveInputs(id flow.NodeID) []flow.NodeID {
	for _, s := range e.request.From {
		if s == id.Step {
			return nil
		}
	}
	pruned := make(map[flow.NodeID]bool, len(e.request.Prune))
	for _, p := range e.request.Prune {
		pruned[p] = true
	}
	var out []flow.NodeID
	for _, in := range e.graph.Inputs(id) {
		if !pruned[in] {
			out = append(out, in)
		}
	}
	return out
}

type completion struct {
	node flow.NodeID
	out  Outcome
}

// walk drives the plan to completion. It is the only goroutine changing
// node status; nodes execute in their own goroutines and report back on
// a channel. It returns whether the run was aborted.
func (e *Engine) walk(ctx context.Context, plan []flow.NodeID) bool {
	ready := newReadyQueue(e.graph)
	results := make(chan completion)

	inPlan := make(map[flow.NodeID]bool, len(plan))
	for _, id := range plan {
		inPlan[id] = true
	}
	waiting := make(map[flow.NodeID]int, len(plan))
	dependents := make(map[flow.NodeID][]flow.NodeID)
	for _, id := range plan {
		for _, in := range e.prepared[id].inputs {
			if inPlan[in] {
				waiting[id]++
				dependents[in] = append(dependents[in], id)
			}
		}
	}

	poisoned := map[flow.NodeID]bool{}
	var settle func(id flow.NodeID)
	var release func(id flow.NodeID)

	// settle decides a node whose inputs are all done.
	settle = func(id flow.NodeID) {
		inputs := e.prepared[id].inputs
		if len(inputs) == 0 {
			e.transition(id, StatusQueued, "")
			ready.push(id)
			return
		}
		allSkipped := true
		for _, in := range inputs {
			st := e.status(in)
			if st.IsError() || poisoned[in] {
				poisoned[id] = true
				e.transition(id, StatusSkipped, fmt.Sprintf("%s: input %s did not succeed", CodeUpstream, in))
				release(id)
				return
			}
			if st != StatusSkipped {
				allSkipped = false
			}
		}
		if allSkipped {
			e.transition(id, StatusSkipped, "all inputs skipped")
			release(id)
			return
		}
		e.transition(id, StatusQueued, "")
		ready.push(id)
	}

	// release counts a finished node against its dependents.
	release = func(id flow.NodeID) {
		for _, d := range dependents[id] {
			waiting[d]--
			if waiting[d] == 0 {
				settle(d)
			}
		}
	}

	for _, id := range plan {
		if waiting[id] == 0 {
			settle(id)
		}
	}

	running := 0
	aborted := ctx.Err() != nil
	done := ctx.Done()
	for {
		for !aborted && running < e.maxConcurrent {
			id, ok := ready.pop()
			if !ok {
				break
			}
			e.start(ctx, id, results)
			running++
		}
		if !aborted && ready.Len() > 0 {
			e.metrics.IncrementBackpressure("max_concurrent")
		}
		e.metrics.UpdateQueueDepth(ready.Len())
		e.metrics.UpdateInflightNodes(running)

		if aborted {
			for _, id := range ready.drain() {
				e.transition(id, StatusSkipped, CodeAborted+": run aborted")
			}
		}
		if running == 0 {
			break
		}

		select {
		case c := <-results:
			running--
			e.complete(c, aborted)
			if !aborted {
				release(c.node)
			}
		case <-done:
			aborted = true
			done = nil
			e.logger.Warn("run aborted", zap.Error(context.Cause(ctx)))
		}
	}
	e.metrics.UpdateInflightNodes(0)
	e.metrics.UpdateQueueDepth(0)

	for _, id := range plan {
		if st := e.status(id); !st.IsDone() {
			e.transition(id, StatusSkipped, CodeAborted+": run aborted")
		}
	}
	return aborted
}

func (e *Engine) status(id flow.NodeID) Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.nodes[id].status
}

// start marks a queued node running and executes it in a new goroutine.
func (e *Engine) start(ctx context.Context, id flow.NodeID, results chan<- completion) {
	prep := e.prepared[id]

	var inputs []flow.NodeID
	for _, in := range prep.inputs {
		if e.status(in).IsSuccess() {
			inputs = append(inputs, in)
		}
	}
	tctx := *prep.ctx
	tctx.Inputs = inputs

	e.mu.Lock()
	e.nodes[id].inputs = inputs
	e.mu.Unlock()

	if len(inputs) > 0 {
		list := make([]any, len(inputs))
		for i, in := range inputs {
			list[i] = schema.Tuple{in.Step, in.Index}
		}
		e.write(schema.Key("record", "inputnode"), list, tctx.At())
	}
	e.transition(id, StatusRunning, "")

	job := Job{
		RunID:   e.runID,
		Node:    id,
		Task:    prep.task,
		Context: &tctx,
		Timeout: nodeTimeout(e.manifest, id, e.nodeTimeout),
		LogPath: filepath.Join(tctx.WorkDir, id.Step+".log"),
	}
	go func() {
		results <- completion{node: id, out: e.execute(ctx, job, prep.contract)}
	}()
}

// execute runs one node. It is called outside the walk goroutine and must
// not touch node status.
func (e *Engine) execute(ctx context.Context, job Job, contract tool.Contract) Outcome {
	out := Outcome{Start: time.Now()}
	if err := os.MkdirAll(job.Context.WorkDir, 0o755); err != nil {
		return Fail(out, job.Node, CodeTaskFailed, fmt.Errorf("failed to create work directory: %w", err))
	}
	for _, kp := range contract.Required {
		if empty, err := e.manifest.IsEmpty(kp, job.Context.At()); err != nil || empty {
			return Fail(out, job.Node, CodeMissingRequired, fmt.Errorf("%s has no value", kp))
		}
	}

	result := dispatchWithTimeout(ctx, e.dispatcher, job)
	if result.Start.IsZero() {
		result.Start = out.Start
	}
	if result.Status == "" {
		result.Status = StatusError
	}
	return result
}

// complete records a node outcome. During an abort anything that did not
// succeed is skipped.
func (e *Engine) complete(c completion, aborted bool) {
	out := c.out
	prep := e.prepared[c.node]
	e.recordOutcome(c.node, out, prep.contract)

	for _, reason := range out.Retries {
		e.metrics.IncrementRetries(c.node.Step, reason)
	}

	status := out.Status
	var message string
	if out.Err != nil {
		message = out.Err.Error()
	}
	if aborted && status != StatusSuccess {
		status = StatusSkipped
		message = CodeAborted + ": run aborted"
	}
	e.metrics.RecordNodeLatency(c.node.Step, out.Duration, status)

	fields := []zap.Field{
		zap.String("node", c.node.String()),
		zap.String("status", status.String()),
		zap.Duration("duration", out.Duration),
	}
	if status.IsError() {
		e.logger.Warn("node failed", append(fields, zap.String("error", message))...)
	} else {
		e.logger.Info("node finished", fields...)
	}
	e.transition(c.node, status, message)
}

// finish archives and persists the manifest and builds the Result.
func (e *Engine) finish(aborted bool) (*Result, error) {
	e.mu.Lock()
	e.runEnd = time.Now()
	res := &Result{
		RunID:    e.runID,
		Job:      e.job,
		Flow:     e.graph.Name,
		Statuses: make(map[flow.NodeID]Status, len(e.nodes)),
		Duration: e.runEnd.Sub(e.runStart),
	}
	for id, st := range e.nodes {
		res.Statuses[id] = st.status
	}
	e.mu.Unlock()

	targets, _ := e.graph.Targets(e.request)
	for _, id := range targets {
		if !res.Statuses[id].IsSuccess() {
			res.Failed = append(res.Failed, id)
		}
	}

	if err := e.manifest.RecordHistory(e.job); err != nil {
		e.logger.Error("failed to record history", zap.Error(err))
	}
	res.ManifestPath = e.persist()

	status := "success"
	switch {
	case aborted:
		status = "aborted"
	case len(res.Failed) > 0:
		status = "failed"
	}
	e.emitRun(emit.MsgRunEnd, map[string]interface{}{
		"status":      status,
		"duration_ms": res.Duration.Milliseconds(),
		"failed":      len(res.Failed),
	})
	if f, ok := e.emitter.(flusher); ok {
		if err := f.Flush(e.storeCtx); err != nil {
			e.logger.Warn("failed to flush events", zap.Error(err))
		}
	}
	e.logger.Info("run finished",
		zap.String("status", status),
		zap.Duration("duration", res.Duration),
		zap.Int("failed", len(res.Failed)))
	e.notify()

	switch {
	case aborted:
		return res, ErrAborted
	case len(res.Failed) > 0:
		return res, failedTargets(res.Failed)
	}
	return res, nil
}

// persist writes the manifest to disk and to the store. It returns the
// path written, empty when writing failed.
func (e *Engine) persist() string {
	path := e.manifestPath
	if path == "" {
		design := designName(e.manifest)
		path = filepath.Join(e.buildDir, design, e.job, design+".pkg.json")
	}
	if err := e.manifest.WriteManifest(path); err != nil {
		e.logger.Error("failed to write manifest", zap.String("path", path), zap.Error(err))
		path = ""
	}

	if e.store != nil {
		doc, err := json.Marshal(e.manifest)
		if err == nil {
			err = e.store.SaveManifest(e.storeCtx, e.job, doc)
		}
		if err != nil {
			e.logger.Error("failed to save manifest", zap.Error(err))
		}
	}
	return path
}

// optionValue reads option/<parts...> at the global scope.
func optionValue(m *schema.Schema, parts ...string) any {
	v, err := m.Get(schema.Key(append([]string{"option"}, parts...)...), schema.Global)
	if err != nil {
		return nil
	}
	return v
}

// optionString reads option/<name>, falling back to fallback when it is
// unset.
func optionString(m *schema.Schema, name, fallback string) string {
	if s, ok := optionValue(m, name).(string); ok && s != "" {
		return s
	}
	return fallback
}

func designName(m *schema.Schema) string {
	v, _ := m.Get(schema.Key("design"), schema.Global)
	s, _ := v.(string)
	return s
}

func optionStrings(m *schema.Schema, name string) []string {
	list, _ := optionValue(m, name).([]any)
	var out []string
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func optionNodes(m *schema.Schema, name string) []flow.NodeID {
	list, _ := optionValue(m, name).([]any)
	var out []flow.NodeID
	for _, item := range list {
		if t, ok := item.(schema.Tuple); ok && len(t) == 2 {
			out = append(out, flow.ID(fmt.Sprint(t[0]), fmt.Sprint(t[1])))
		}
	}
	return out
}
