package graph_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Ciprian167/siliconcompiler/graph"
	"github.com/Ciprian167/siliconcompiler/graph/emit"
	"github.com/Ciprian167/siliconcompiler/graph/flow"
	"github.com/Ciprian167/siliconcompiler/graph/store"
	"github.com/Ciprian167/siliconcompiler/graph/tool"
	"github.com/Ciprian167/siliconcompiler/schema"
)

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func newManifest(t *testing.T) *schema.Schema {
	t.Helper()
	m := schema.New()
	must(t, m.Set(schema.Key("design"), "top", schema.Global))
	return m
}

func registry(t *testing.T, tasks ...tool.Task) *tool.Registry {
	t.Helper()
	r := tool.NewRegistry()
	for _, task := range tasks {
		must(t, r.Register(task))
	}
	return r
}

// linearGraph is import -> syn -> export, every node running task.
func linearGraph(t *testing.T, task string) *flow.Graph {
	t.Helper()
	f := flow.New("asicflow")
	must(t, f.Node("import", task))
	must(t, f.Node("syn", task))
	must(t, f.Node("export", task))
	must(t, f.Edge("import", "syn"))
	must(t, f.Edge("syn", "export"))
	g, err := f.Flatten()
	must(t, err)
	return g
}

// fanInGraph is premin[0], premin[1] -> domin -> postmin.
func fanInGraph(t *testing.T, task string) *flow.Graph {
	t.Helper()
	f := flow.New("minflow")
	must(t, f.Node("premin", task, flow.WithIndex(0)))
	must(t, f.Node("premin", task, flow.WithIndex(1)))
	must(t, f.Node("domin", task))
	must(t, f.Node("postmin", task))
	must(t, f.Edge("premin", "domin", flow.TailIndex(0)))
	must(t, f.Edge("premin", "domin", flow.TailIndex(1)))
	must(t, f.Edge("domin", "postmin"))
	g, err := f.Flatten()
	must(t, err)
	return g
}

func recorded(t *testing.T, m *schema.Schema, kp schema.Keypath, id flow.NodeID) any {
	t.Helper()
	v, err := m.Get(kp, schema.NodeAt(id.Step, id.Index))
	if err != nil {
		t.Fatalf("Get(%s, %s): %v", kp, id, err)
	}
	return v
}

// TestRunLinear runs import -> syn -> export to success, then checks that a
// resumed run has nothing left to do.
func TestRunLinear(t *testing.T) {
	ctx := context.Background()
	mock := &tool.MockTask{Outputs: []string{"errors"}, Responses: []map[string]float64{{"errors": 0}}}
	g := linearGraph(t, "mock/task")
	m := newManifest(t)
	dir := t.TempDir()

	engine, err := graph.New(g, m,
		graph.WithTasks(registry(t, mock)),
		graph.WithBuildDir(dir),
		graph.WithRunID("run-1"),
	)
	must(t, err)

	res, err := engine.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, id := range g.Nodes() {
		if res.Statuses[id] != graph.StatusSuccess {
			t.Errorf("%s = %s, want success", id, res.Statuses[id])
		}
		if got := recorded(t, m, schema.Key("record", "status"), id); got != "success" {
			t.Errorf("record/status of %s = %v", id, got)
		}
		if _, ok := recorded(t, m, schema.Key("metric", "tasktime"), id).(float64); !ok {
			t.Errorf("metric/tasktime of %s not recorded", id)
		}
	}
	if mock.CallCount() != 3 {
		t.Errorf("CallCount = %d, want 3", mock.CallCount())
	}

	t.Run("inputs follow edges", func(t *testing.T) {
		for _, call := range mock.Calls {
			if call.Node.Step == "export" {
				if len(call.Inputs) != 1 || call.Inputs[0] != flow.ID("syn", "0") {
					t.Errorf("export inputs = %v", call.Inputs)
				}
			}
		}
	})

	t.Run("manifest written", func(t *testing.T) {
		want := filepath.Join(dir, "top", "job0", "top.pkg.json")
		if res.ManifestPath != want {
			t.Errorf("ManifestPath = %q, want %q", res.ManifestPath, want)
		}
		saved, err := schema.ReadManifest(res.ManifestPath)
		must(t, err)
		if got := graph.RecordedStatuses(saved, g); len(got) != 3 {
			t.Errorf("saved statuses = %v", got)
		}
		if jobs := m.Jobs(); len(jobs) != 1 || jobs[0] != "job0" {
			t.Errorf("history jobs = %v", jobs)
		}
	})

	t.Run("resume plan is empty", func(t *testing.T) {
		plan, err := graph.ResumePlan(m, g, flow.Request{})
		must(t, err)
		if len(plan) != 0 {
			t.Errorf("plan = %v, want empty", plan)
		}

		mock.Reset()
		again, err := graph.New(g, m, graph.WithTasks(registry(t, mock)), graph.WithBuildDir(dir), graph.WithResume(true))
		must(t, err)
		res, err := again.Run(ctx)
		if err != nil {
			t.Fatalf("resumed Run: %v", err)
		}
		if mock.CallCount() != 0 {
			t.Errorf("resumed run called the task %d times", mock.CallCount())
		}
		if res.Statuses[flow.ID("export", "0")] != graph.StatusSuccess {
			t.Errorf("export = %s", res.Statuses[flow.ID("export", "0")])
		}
	})

	t.Run("run twice", func(t *testing.T) {
		if _, err := engine.Run(ctx); !errors.Is(err, graph.ErrAlreadyRunning) {
			t.Errorf("got %v, want ErrAlreadyRunning", err)
		}
	})
}

// TestRunFanInFailure checks that a failed input skips everything
// downstream while the sibling input still succeeds.
func TestRunFanInFailure(t *testing.T) {
	mock := &tool.MockTask{
		Failures: map[flow.NodeID]error{flow.ID("premin", "0"): errors.New("tool crashed")},
	}
	g := fanInGraph(t, "mock/task")
	if got := g.EntryNodes(); len(got) != 2 {
		t.Fatalf("EntryNodes = %v", got)
	}
	m := newManifest(t)

	engine, err := graph.New(g, m, graph.WithTasks(registry(t, mock)), graph.WithBuildDir(t.TempDir()))
	must(t, err)
	res, err := engine.Run(context.Background())
	if !errors.Is(err, graph.ErrRunFailed) {
		t.Fatalf("got %v, want ErrRunFailed", err)
	}

	want := map[flow.NodeID]graph.Status{
		flow.ID("premin", "0"):  graph.StatusError,
		flow.ID("premin", "1"):  graph.StatusSuccess,
		flow.ID("domin", "0"):   graph.StatusSkipped,
		flow.ID("postmin", "0"): graph.StatusSkipped,
	}
	for id, st := range want {
		if res.Statuses[id] != st {
			t.Errorf("%s = %s, want %s", id, res.Statuses[id], st)
		}
	}
	if mock.Called(flow.ID("domin", "0")) || mock.Called(flow.ID("postmin", "0")) {
		t.Error("a node downstream of the failure ran")
	}
	if len(res.Failed) != 1 || res.Failed[0] != flow.ID("postmin", "0") {
		t.Errorf("Failed = %v", res.Failed)
	}

	msg, _ := recorded(t, m, schema.Key("record", "message"), flow.ID("domin", "0")).(string)
	if !strings.Contains(msg, graph.CodeUpstream) {
		t.Errorf("domin message = %q", msg)
	}
	msg, _ = recorded(t, m, schema.Key("record", "message"), flow.ID("premin", "0")).(string)
	if !strings.Contains(msg, "tool crashed") {
		t.Errorf("premin message = %q", msg)
	}
}

// TestRunTimeout checks that a node exceeding option/timeout ends in
// TIMEOUT and releases its slot.
func TestRunTimeout(t *testing.T) {
	t.Run("in process", func(t *testing.T) {
		mock := &tool.MockTask{Delay: 10 * time.Second}
		g := linearGraph(t, "mock/task")
		m := newManifest(t)
		must(t, m.Set(schema.Key("option", "timeout"), 0.05, schema.NodeAt("import", "0")))

		engine, err := graph.New(g, m, graph.WithTasks(registry(t, mock)), graph.WithBuildDir(t.TempDir()))
		must(t, err)
		start := time.Now()
		res, err := engine.Run(context.Background())
		if !errors.Is(err, graph.ErrRunFailed) {
			t.Fatalf("got %v, want ErrRunFailed", err)
		}
		if time.Since(start) > 5*time.Second {
			t.Errorf("run took %v", time.Since(start))
		}
		if st := res.Statuses[flow.ID("import", "0")]; st != graph.StatusTimeout {
			t.Errorf("import = %s, want timeout", st)
		}
		if st := res.Statuses[flow.ID("syn", "0")]; st != graph.StatusSkipped {
			t.Errorf("syn = %s, want skipped", st)
		}
	})

	t.Run("subprocess killed", func(t *testing.T) {
		if _, err := os.Stat("/bin/sh"); err != nil {
			t.Skip("no /bin/sh")
		}
		f := flow.New("sleepflow")
		must(t, f.Node("sleep", "sh/sleep"))
		g, err := f.Flatten()
		must(t, err)
		m := newManifest(t)
		must(t, m.Set(schema.Key("tool", "sh", "exe"), "/bin/sh", schema.Global))
		must(t, m.Set(schema.Key("tool", "sh", "task", "sleep", "option"), []string{"-c", "sleep 30"}, schema.Global))

		engine, err := graph.New(g, m, graph.WithBuildDir(t.TempDir()), graph.WithDefaultNodeTimeout(100*time.Millisecond))
		must(t, err)
		start := time.Now()
		res, _ := engine.Run(context.Background())
		if elapsed := time.Since(start); elapsed > 10*time.Second {
			t.Errorf("subprocess was not killed, run took %v", elapsed)
		}
		if st := res.Statuses[flow.ID("sleep", "0")]; st != graph.StatusTimeout {
			t.Errorf("sleep = %s, want timeout", st)
		}
	})
}

// TestRunSubprocess runs a shell task and checks exit codes and log
// metrics end up in the manifest.
func TestRunSubprocess(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}

	setup := func(t *testing.T, script string) (*flow.Graph, *schema.Schema) {
		f := flow.New("shflow")
		must(t, f.Node("lint", "sh/lint"))
		g, err := f.Flatten()
		must(t, err)
		m := newManifest(t)
		must(t, m.Set(schema.Key("tool", "sh", "exe"), "/bin/sh", schema.Global))
		must(t, m.Set(schema.Key("tool", "sh", "task", "lint", "option"), []string{"-c", script}, schema.Global))
		must(t, m.Set(schema.Key("tool", "sh", "task", "lint", "regex", "warnings"), []string{"warning:"}, schema.Global))
		return g, m
	}
	lint := flow.ID("lint", "0")

	t.Run("success", func(t *testing.T) {
		g, m := setup(t, "echo 'warning: a'; echo 'warning: b'; echo done")
		engine, err := graph.New(g, m, graph.WithBuildDir(t.TempDir()))
		must(t, err)
		res, err := engine.Run(context.Background())
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if res.Statuses[lint] != graph.StatusSuccess {
			t.Fatalf("lint = %s", res.Statuses[lint])
		}
		if got := recorded(t, m, schema.Key("metric", "warnings"), lint); got != 2 {
			t.Errorf("metric/warnings = %v, want 2", got)
		}
		if _, ok := recorded(t, m, schema.Key("metric", "exetime"), lint).(float64); !ok {
			t.Error("metric/exetime not recorded")
		}
		if got := recorded(t, m, schema.Key("record", "exitcode"), lint); got != 0 {
			t.Errorf("record/exitcode = %v", got)
		}
	})

	t.Run("exit code", func(t *testing.T) {
		g, m := setup(t, "echo 'warning: a'; exit 3")
		engine, err := graph.New(g, m, graph.WithBuildDir(t.TempDir()))
		must(t, err)
		res, err := engine.Run(context.Background())
		if !errors.Is(err, graph.ErrRunFailed) {
			t.Fatalf("got %v, want ErrRunFailed", err)
		}
		if res.Statuses[lint] != graph.StatusError {
			t.Errorf("lint = %s", res.Statuses[lint])
		}
		if got := recorded(t, m, schema.Key("record", "exitcode"), lint); got != 3 {
			t.Errorf("record/exitcode = %v, want 3", got)
		}
		if got := recorded(t, m, schema.Key("metric", "warnings"), lint); got != 1 {
			t.Errorf("metric/warnings = %v, want 1", got)
		}
	})
}

// TestRunMaxConcurrent checks the concurrency bound across independent
// nodes.
func TestRunMaxConcurrent(t *testing.T) {
	mock := &tool.MockTask{Delay: 20 * time.Millisecond}
	f := flow.New("wide")
	for i := 0; i < 6; i++ {
		must(t, f.Node("place", "mock/task", flow.WithIndex(i)))
	}
	g, err := f.Flatten()
	must(t, err)

	reg := prometheus.NewRegistry()
	metrics := graph.NewPrometheusMetrics(reg)
	engine, err := graph.New(g, newManifest(t),
		graph.WithTasks(registry(t, mock)),
		graph.WithBuildDir(t.TempDir()),
		graph.WithMaxConcurrent(2),
		graph.WithMetrics(metrics),
	)
	must(t, err)
	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := mock.MaxConcurrent(); got > 2 || got == 0 {
		t.Errorf("MaxConcurrent = %d, want 1..2", got)
	}
	if mock.CallCount() != 6 {
		t.Errorf("CallCount = %d", mock.CallCount())
	}
	if n, err := testutil.GatherAndCount(reg, "sc_node_transitions_total"); err != nil || n == 0 {
		t.Error("no transitions recorded")
	}
	if n, err := testutil.GatherAndCount(reg, "sc_backpressure_events_total"); err != nil || n == 0 {
		t.Error("no backpressure recorded")
	}
}

// TestRunAbort aborts a run with nodes in flight.
func TestRunAbort(t *testing.T) {
	mock := &tool.MockTask{Delay: 10 * time.Second}
	g := fanInGraph(t, "mock/task")
	engine, err := graph.New(g, newManifest(t), graph.WithTasks(registry(t, mock)), graph.WithBuildDir(t.TempDir()))
	must(t, err)

	changes, unsubscribe := engine.Subscribe()
	defer unsubscribe()
	go func() {
		for range changes {
			if engine.Snapshot().Totals.Running > 0 {
				engine.Abort()
				return
			}
		}
	}()

	res, err := engine.Run(context.Background())
	if !errors.Is(err, graph.ErrAborted) {
		t.Fatalf("got %v, want ErrAborted", err)
	}
	for id, st := range res.Statuses {
		if st != graph.StatusSkipped {
			t.Errorf("%s = %s, want skipped", id, st)
		}
	}
	if mock.Called(flow.ID("domin", "0")) {
		t.Error("domin ran after the abort")
	}
}

// TestRunWallClockBudget aborts a run that exceeds its budget.
func TestRunWallClockBudget(t *testing.T) {
	mock := &tool.MockTask{Delay: 10 * time.Second}
	g := linearGraph(t, "mock/task")
	engine, err := graph.New(g, newManifest(t),
		graph.WithTasks(registry(t, mock)),
		graph.WithBuildDir(t.TempDir()),
		graph.WithRunWallClockBudget(50*time.Millisecond),
	)
	must(t, err)
	if _, err := engine.Run(context.Background()); !errors.Is(err, graph.ErrAborted) {
		t.Fatalf("got %v, want ErrAborted", err)
	}
}

// TestRunMetrics checks declared outputs are recorded and undeclared ones
// dropped.
func TestRunMetrics(t *testing.T) {
	mock := &tool.MockTask{
		Outputs:   []string{"errors", "cellarea"},
		Responses: []map[string]float64{{"errors": 2, "cellarea": 104.5, "bogus": 1}},
	}
	f := flow.New("one")
	must(t, f.Node("syn", "mock/task"))
	g, err := f.Flatten()
	must(t, err)
	m := newManifest(t)
	engine, err := graph.New(g, m, graph.WithTasks(registry(t, mock)), graph.WithBuildDir(t.TempDir()))
	must(t, err)
	_, err = engine.Run(context.Background())
	must(t, err)

	syn := flow.ID("syn", "0")
	if got := recorded(t, m, schema.Key("metric", "errors"), syn); got != 2 {
		t.Errorf("metric/errors = %v", got)
	}
	if got := recorded(t, m, schema.Key("metric", "cellarea"), syn); got != 104.5 {
		t.Errorf("metric/cellarea = %v", got)
	}

	snap := engine.Snapshot()
	node, ok := snap.Node(syn)
	if !ok {
		t.Fatal("syn missing from snapshot")
	}
	if _, ok := node.Metrics["bogus"]; ok {
		t.Error("undeclared metric recorded")
	}
	if _, ok := node.Metrics["tasktime"]; !ok {
		t.Error("tasktime missing")
	}
	if !snap.Done || snap.Totals.Success != 1 || snap.Totals.Finished != 1 {
		t.Errorf("totals = %+v", snap.Totals)
	}
}

// TestRunStoreAndEvents checks node records, the saved manifest, emitted
// events and resume from the store.
func TestRunStoreAndEvents(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	events := emit.NewBufferedEmitter()
	mock := &tool.MockTask{}
	g := linearGraph(t, "mock/task")
	dir := t.TempDir()

	engine, err := graph.New(g, newManifest(t),
		graph.WithTasks(registry(t, mock)),
		graph.WithBuildDir(dir),
		graph.WithStore(st),
		graph.WithEmitter(events),
		graph.WithJobName("job1"),
		graph.WithRunID("run-store"),
	)
	must(t, err)
	_, err = engine.Run(ctx)
	must(t, err)

	recs, err := st.LoadNodeRecords(ctx, "job1")
	must(t, err)
	if len(recs) != 3 {
		t.Fatalf("records = %d, want 3", len(recs))
	}
	for _, rec := range recs {
		if rec.Status != "success" || rec.RunID != "run-store" {
			t.Errorf("record %+v", rec)
		}
	}
	if _, err := st.LoadManifest(ctx, "job1"); err != nil {
		t.Errorf("LoadManifest: %v", err)
	}

	runEvents := events.GetHistoryWithFilter("run-store", emit.HistoryFilter{Msg: emit.MsgRunEnd})
	if len(runEvents) != 1 || runEvents[0].Meta["status"] != "success" {
		t.Errorf("run_end events = %+v", runEvents)
	}
	nodeEvents := events.GetHistoryWithFilter("run-store", emit.HistoryFilter{Step: "syn", Msg: emit.MsgNodeStatus})
	if len(nodeEvents) != 3 {
		t.Errorf("syn events = %d, want queued, running and success", len(nodeEvents))
	}

	t.Run("resume from store", func(t *testing.T) {
		mock.Reset()
		again, err := graph.New(g, newManifest(t),
			graph.WithTasks(registry(t, mock)),
			graph.WithBuildDir(dir),
			graph.WithStore(st),
			graph.WithJobName("job1"),
			graph.WithResume(true),
		)
		must(t, err)
		if _, err := again.Run(ctx); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if mock.CallCount() != 0 {
			t.Errorf("CallCount = %d, want 0", mock.CallCount())
		}
	})
}

// TestRunFromAndPrune checks partial runs.
func TestRunFromAndPrune(t *testing.T) {
	mock := &tool.MockTask{}
	g := linearGraph(t, "mock/task")

	engine, err := graph.New(g, newManifest(t),
		graph.WithTasks(registry(t, mock)),
		graph.WithBuildDir(t.TempDir()),
		graph.WithFrom("syn"),
	)
	must(t, err)
	res, err := engine.Run(context.Background())
	must(t, err)
	if mock.Called(flow.ID("import", "0")) {
		t.Error("import ran upstream of -from")
	}
	if res.Statuses[flow.ID("import", "0")] != graph.StatusSkipped {
		t.Errorf("import = %s", res.Statuses[flow.ID("import", "0")])
	}
	if res.Statuses[flow.ID("export", "0")] != graph.StatusSuccess {
		t.Errorf("export = %s", res.Statuses[flow.ID("export", "0")])
	}

	mock.Reset()
	engine, err = graph.New(g, newManifest(t),
		graph.WithTasks(registry(t, mock)),
		graph.WithBuildDir(t.TempDir()),
		graph.WithPrune(flow.ID("export", "0")),
	)
	must(t, err)
	res, err = engine.Run(context.Background())
	must(t, err)
	if mock.CallCount() != 2 || res.Statuses[flow.ID("export", "0")] != graph.StatusSkipped {
		t.Errorf("calls = %d, export = %s", mock.CallCount(), res.Statuses[flow.ID("export", "0")])
	}
}

// TestPreflightErrors checks configuration errors surface before any node
// runs.
func TestPreflightErrors(t *testing.T) {
	single := func(task string) *flow.Graph {
		f := flow.New("one")
		must(t, f.Node("syn", task))
		g, err := f.Flatten()
		must(t, err)
		return g
	}

	tests := []struct {
		name     string
		graph    *flow.Graph
		manifest func() *schema.Schema
		task     *tool.MockTask
		code     string
	}{
		{
			name:     "unknown task",
			graph:    single("nosuch/task"),
			manifest: func() *schema.Schema { return newManifest(t) },
			task:     &tool.MockTask{},
			code:     graph.CodeUnknownTask,
		},
		{
			name:     "missing design",
			graph:    single("mock/task"),
			manifest: schema.New,
			task:     &tool.MockTask{},
			code:     graph.CodeMissingRequired,
		},
		{
			name:     "undefined keypath",
			graph:    single("mock/task"),
			manifest: func() *schema.Schema { return newManifest(t) },
			task:     &tool.MockTask{Required: []schema.Keypath{schema.Key("nope", "nothere")}},
			code:     graph.CodeUndefinedKeypath,
		},
		{
			name:     "empty required keypath",
			graph:    single("mock/task"),
			manifest: func() *schema.Schema { return newManifest(t) },
			task:     &tool.MockTask{Required: []schema.Keypath{schema.Key("option", "pdk")}},
			code:     graph.CodeMissingRequired,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, err := graph.New(tt.graph, tt.manifest(), graph.WithTasks(registry(t, tt.task)), graph.WithBuildDir(t.TempDir()))
			must(t, err)
			_, err = engine.Run(context.Background())
			var engErr *graph.EngineError
			if !errors.As(err, &engErr) {
				t.Fatalf("got %v, want *EngineError", err)
			}
			if engErr.Code != tt.code {
				t.Errorf("Code = %s, want %s", engErr.Code, tt.code)
			}
			if tt.task.CallCount() != 0 {
				t.Error("task ran despite the preflight error")
			}
		})
	}
}

// TestNewOptions checks option validation and manifest defaults.
func TestNewOptions(t *testing.T) {
	g := linearGraph(t, "mock/task")

	if _, err := graph.New(g, newManifest(t), graph.WithMaxConcurrent(-1)); err == nil {
		t.Error("negative max concurrent accepted")
	}
	if _, err := graph.New(g, newManifest(t), graph.WithJobName("")); err == nil {
		t.Error("empty job name accepted")
	}
	if _, err := graph.New(nil, newManifest(t)); err == nil {
		t.Error("nil graph accepted")
	}

	m := newManifest(t)
	must(t, m.Set(schema.Key("option", "jobname"), "nightly", schema.Global))
	engine, err := graph.New(g, m, graph.WithRunID("fixed"))
	must(t, err)
	snap := engine.Snapshot()
	if snap.Job != "nightly" || snap.RunID != "fixed" || engine.RunID() != "fixed" {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Totals.Pending != 3 || snap.Done {
		t.Errorf("totals before run = %+v", snap.Totals)
	}
}

// TestRunCustomDispatcher checks that the engine only depends on the
// Dispatcher interface: remote ids and retries reported by a dispatcher
// are recorded like local results.
func TestRunCustomDispatcher(t *testing.T) {
	reg := prometheus.NewRegistry()
	var seen []flow.NodeID
	d := graph.DispatcherFunc(func(ctx context.Context, job graph.Job) graph.Outcome {
		seen = append(seen, job.Node)
		return graph.Outcome{
			Status:   graph.StatusSuccess,
			Start:    time.Now(),
			Duration: time.Millisecond,
			RemoteID: "job-" + job.Node.Step,
			Retries:  []string{"rejected"},
		}
	})

	g := linearGraph(t, "mock/task")
	m := newManifest(t)
	engine, err := graph.New(g, m,
		graph.WithTasks(registry(t, &tool.MockTask{})),
		graph.WithBuildDir(t.TempDir()),
		graph.WithDispatcher(d),
		graph.WithMaxConcurrent(1),
		graph.WithMetrics(graph.NewPrometheusMetrics(reg)),
	)
	must(t, err)

	changes, unsubscribe := engine.Subscribe()
	_, err = engine.Run(context.Background())
	must(t, err)

	select {
	case <-changes:
	default:
		t.Error("no change signal")
	}
	unsubscribe()
	unsubscribe()

	want := []flow.NodeID{flow.ID("import", "0"), flow.ID("syn", "0"), flow.ID("export", "0")}
	if len(seen) != len(want) {
		t.Fatalf("dispatched %v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("dispatch %d = %s, want %s", i, seen[i], want[i])
		}
	}
	if got := recorded(t, m, schema.Key("record", "remoteid"), flow.ID("syn", "0")); got != "job-syn" {
		t.Errorf("record/remoteid = %v", got)
	}
	if n, err := testutil.GatherAndCount(reg, "sc_retries_total"); err != nil || n != 3 {
		t.Errorf("retries series = %d, %v", n, err)
	}
}
