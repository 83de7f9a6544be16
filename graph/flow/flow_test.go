package flow_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/Ciprian167/siliconcompiler/graph/flow"
	"github.com/Ciprian167/siliconcompiler/schema"
)

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func linear(t *testing.T) *flow.Graph {
	t.Helper()
	f := flow.New("test")
	must(t, f.Node("import", "builtin/nop"))
	must(t, f.Node("syn", "yosys/syn"))
	must(t, f.Node("export", "builtin/nop"))
	must(t, f.Edge("import", "syn"))
	must(t, f.Edge("syn", "export"))
	g, err := f.Flatten()
	must(t, err)
	return g
}

func fanIn(t *testing.T) *flow.Graph {
	t.Helper()
	f := flow.New("minflow")
	must(t, f.Node("premin", "builtin/nop", flow.WithIndex(0)))
	must(t, f.Node("premin", "builtin/nop", flow.WithIndex(1)))
	must(t, f.Node("domin", "builtin/minimum"))
	must(t, f.Node("postmin", "builtin/nop"))
	must(t, f.Edge("premin", "domin", flow.TailIndex(0)))
	must(t, f.Edge("premin", "domin", flow.TailIndex(1)))
	must(t, f.Edge("domin", "postmin"))
	g, err := f.Flatten()
	must(t, err)
	return g
}

func TestNodeValidation(t *testing.T) {
	f := flow.New("test")
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"bad task", f.Node("syn", "yosys"), flow.ErrInvalidTask},
		{"empty tool", f.Node("syn", "/syn"), flow.ErrInvalidTask},
		{"bad step", f.Node("a/b", "builtin/nop"), flow.ErrInvalidTask},
		{"first", f.Node("syn", "yosys/syn"), nil},
		{"duplicate", f.Node("syn", "yosys/syn"), flow.ErrDuplicateNode},
		{"second index", f.Node("syn", "yosys/syn", flow.WithIndex(1)), nil},
		{"self edge", f.Edge("syn", "syn"), flow.ErrCycle},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, tt.err, tt.want)
		}
	}
}

func TestFlattenErrors(t *testing.T) {
	t.Run("undefined node", func(t *testing.T) {
		f := flow.New("test")
		must(t, f.Node("import", "builtin/nop"))
		must(t, f.Edge("import", "syn"))
		_, err := f.Flatten()
		if !errors.Is(err, flow.ErrUndefinedNode) {
			t.Fatalf("got %v, want ErrUndefinedNode", err)
		}
		var ge *flow.GraphError
		if !errors.As(err, &ge) || ge.Flow != "test" {
			t.Errorf("error %#v lacks flow name", err)
		}
	})

	t.Run("cycle", func(t *testing.T) {
		f := flow.New("test")
		must(t, f.Node("a", "builtin/nop"))
		must(t, f.Node("b", "builtin/nop"))
		must(t, f.Node("c", "builtin/nop"))
		must(t, f.Edge("a", "b"))
		must(t, f.Edge("b", "c"))
		must(t, f.Edge("c", "a"))
		if _, err := f.Flatten(); !errors.Is(err, flow.ErrCycle) {
			t.Fatalf("got %v, want ErrCycle", err)
		}
	})

	t.Run("self embedding", func(t *testing.T) {
		f := flow.New("test")
		must(t, f.Node("a", "builtin/nop"))
		must(t, f.Graph(f, "again"))
		if _, err := f.Flatten(); !errors.Is(err, flow.ErrCycle) {
			t.Fatalf("got %v, want ErrCycle", err)
		}
	})
}

// TestSubflow verifies embedded flows are prefixed and linked.
func TestSubflow(t *testing.T) {
	rtl := flow.New("rtlflow")
	must(t, rtl.Node("import", "builtin/nop"))
	must(t, rtl.Node("export", "builtin/nop"))
	must(t, rtl.Edge("import", "export"))

	top := flow.New("top")
	must(t, top.Graph(rtl, "rtl"))
	must(t, top.Node("syn", "yosys/syn"))
	must(t, top.Edge("rtl.export", "syn"))

	g, err := top.Flatten()
	must(t, err)

	want := []flow.NodeID{flow.ID("syn", "0"), flow.ID("rtl.import", "0"), flow.ID("rtl.export", "0")}
	if got := g.Nodes(); !reflect.DeepEqual(got, want) {
		t.Errorf("Nodes() = %v, want %v", got, want)
	}
	if got := g.Inputs(flow.ID("syn", "0")); !reflect.DeepEqual(got, []flow.NodeID{flow.ID("rtl.export", "0")}) {
		t.Errorf("Inputs(syn) = %v", got)
	}
	if got := g.EntryNodes(); !reflect.DeepEqual(got, []flow.NodeID{flow.ID("rtl.import", "0")}) {
		t.Errorf("EntryNodes() = %v", got)
	}
	if got := g.Task(flow.ID("rtl.import", "0")); got != "builtin/nop" {
		t.Errorf("Task = %q", got)
	}
}

func TestEntryExitNodes(t *testing.T) {
	g := fanIn(t)
	wantEntry := []flow.NodeID{flow.ID("premin", "0"), flow.ID("premin", "1")}
	if got := g.EntryNodes(); !reflect.DeepEqual(got, wantEntry) {
		t.Errorf("EntryNodes() = %v, want %v", got, wantEntry)
	}
	if got := g.ExitNodes(); !reflect.DeepEqual(got, []flow.NodeID{flow.ID("postmin", "0")}) {
		t.Errorf("ExitNodes() = %v", got)
	}

	t.Run("restricted to steps", func(t *testing.T) {
		f := flow.New("asicflow")
		for _, step := range []string{"import", "syn", "floorplan.init", "place", "route"} {
			must(t, f.Node(step, "builtin/nop"))
		}
		must(t, f.Edge("import", "syn"))
		must(t, f.Edge("syn", "floorplan.init"))
		must(t, f.Edge("floorplan.init", "place"))
		must(t, f.Edge("place", "route"))
		g, err := f.Flatten()
		must(t, err)

		if got := g.ExitNodes("import", "syn", "floorplan.init"); !reflect.DeepEqual(got, []flow.NodeID{flow.ID("floorplan.init", "0")}) {
			t.Errorf("ExitNodes(subset) = %v", got)
		}
		if got := g.EntryNodes("place", "route"); !reflect.DeepEqual(got, []flow.NodeID{flow.ID("place", "0")}) {
			t.Errorf("EntryNodes(subset) = %v", got)
		}
	})
}

// TestExecutionOrder verifies every node sits strictly after its inputs.
func TestExecutionOrder(t *testing.T) {
	g := fanIn(t)
	want := [][]flow.NodeID{
		{flow.ID("premin", "0"), flow.ID("premin", "1")},
		{flow.ID("domin", "0")},
		{flow.ID("postmin", "0")},
	}
	if got := g.ExecutionOrder(); !reflect.DeepEqual(got, want) {
		t.Fatalf("ExecutionOrder() = %v, want %v", got, want)
	}

	f := flow.New("diamond")
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		must(t, f.Node(s, "builtin/nop"))
	}
	must(t, f.Edge("a", "b"))
	must(t, f.Edge("a", "c"))
	must(t, f.Edge("b", "d"))
	must(t, f.Edge("c", "d"))
	must(t, f.Edge("a", "e"))
	must(t, f.Edge("d", "e"))
	g, err := f.Flatten()
	must(t, err)

	level := map[flow.NodeID]int{}
	for l, set := range g.ExecutionOrder() {
		for _, id := range set {
			level[id] = l
		}
	}
	for _, id := range g.Nodes() {
		for _, in := range g.Inputs(id) {
			if level[in] >= level[id] {
				t.Errorf("%s at level %d not after input %s at level %d", id, level[id], in, level[in])
			}
		}
	}
}

func TestNodesToExecute(t *testing.T) {
	ids := func(steps ...string) []flow.NodeID {
		out := make([]flow.NodeID, len(steps))
		for i, s := range steps {
			out[i] = flow.ID(s, "0")
		}
		return out
	}

	t.Run("fresh run", func(t *testing.T) {
		got, err := linear(t).NodesToExecute(flow.Request{}, nil)
		must(t, err)
		if !reflect.DeepEqual(got, ids("import", "syn", "export")) {
			t.Errorf("got %v", got)
		}
	})

	t.Run("all succeeded", func(t *testing.T) {
		got, err := linear(t).NodesToExecute(flow.Request{}, func(flow.NodeID) bool { return true })
		must(t, err)
		if len(got) != 0 {
			t.Errorf("got %v, want none", got)
		}
	})

	t.Run("resume after success", func(t *testing.T) {
		done := map[flow.NodeID]bool{flow.ID("import", "0"): true}
		got, err := linear(t).NodesToExecute(flow.Request{}, func(id flow.NodeID) bool { return done[id] })
		must(t, err)
		if !reflect.DeepEqual(got, ids("syn", "export")) {
			t.Errorf("got %v", got)
		}
	})

	t.Run("failed node reruns", func(t *testing.T) {
		done := map[flow.NodeID]bool{flow.ID("import", "0"): true, flow.ID("export", "0"): true}
		got, err := linear(t).NodesToExecute(flow.Request{To: []string{"syn"}}, func(id flow.NodeID) bool { return done[id] })
		must(t, err)
		if !reflect.DeepEqual(got, ids("syn")) {
			t.Errorf("got %v", got)
		}
	})

	t.Run("from forces rerun", func(t *testing.T) {
		got, err := linear(t).NodesToExecute(flow.Request{From: []string{"syn"}}, func(flow.NodeID) bool { return true })
		must(t, err)
		if !reflect.DeepEqual(got, ids("syn", "export")) {
			t.Errorf("got %v", got)
		}
	})

	t.Run("prune", func(t *testing.T) {
		got, err := fanIn(t).NodesToExecute(flow.Request{Prune: []flow.NodeID{flow.ID("premin", "1")}}, nil)
		must(t, err)
		want := []flow.NodeID{flow.ID("premin", "0"), flow.ID("domin", "0"), flow.ID("postmin", "0")}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})

	t.Run("unknown step", func(t *testing.T) {
		_, err := linear(t).NodesToExecute(flow.Request{To: []string{"route"}}, nil)
		if !errors.Is(err, flow.ErrUndefinedNode) {
			t.Errorf("got %v, want ErrUndefinedNode", err)
		}
	})
}

// TestRecordFromSchema verifies the graph survives the manifest.
func TestRecordFromSchema(t *testing.T) {
	f := flow.New("minflow")
	must(t, f.Node("premin", "builtin/nop", flow.WithIndex(0), flow.WithVars(map[string]any{"effort": "high"})))
	must(t, f.Node("premin", "builtin/nop", flow.WithIndex(1)))
	must(t, f.Node("domin", "builtin/minimum", flow.WithArgs("-fast")))
	must(t, f.Edge("premin", "domin", flow.TailIndex(0)))
	must(t, f.Edge("premin", "domin", flow.TailIndex(1)))
	g, err := f.Flatten()
	must(t, err)

	s := schema.New()
	must(t, g.Record(s))

	input, err := s.Get(schema.Key("flowgraph", "minflow", "domin", "0", "input"), schema.Global)
	must(t, err)
	want := []any{schema.Tuple{"premin", "0"}, schema.Tuple{"premin", "1"}}
	if !reflect.DeepEqual(input, want) {
		t.Errorf("input = %#v", input)
	}
	effort, _ := s.Get(schema.Key("tool", "builtin", "task", "nop", "var", "effort"), schema.NodeAt("premin", "0"))
	if !reflect.DeepEqual(effort, []any{"high"}) {
		t.Errorf("var = %#v", effort)
	}

	back, err := flow.FromSchema(s, "minflow")
	must(t, err)
	if back.Len() != g.Len() {
		t.Fatalf("Len = %d, want %d", back.Len(), g.Len())
	}
	if got := back.Inputs(flow.ID("domin", "0")); len(got) != 2 {
		t.Errorf("Inputs(domin) = %v", got)
	}
	if got := back.Task(flow.ID("domin", "0")); got != "builtin/minimum" {
		t.Errorf("Task = %q", got)
	}
	n, _ := back.Node(flow.ID("domin", "0"))
	if !reflect.DeepEqual(n.Args, []string{"-fast"}) {
		t.Errorf("Args = %v", n.Args)
	}

	if _, err := flow.FromSchema(s, "nothere"); !errors.Is(err, flow.ErrUndefinedNode) {
		t.Errorf("missing flow: got %v", err)
	}
}

// TestTargets checks target resolution for default exits, explicit steps
// and pruned exit nodes.
func TestTargets(t *testing.T) {
	g := fanIn(t)

	t.Run("exit nodes", func(t *testing.T) {
		got, err := g.Targets(flow.Request{})
		must(t, err)
		if want := []flow.NodeID{flow.ID("postmin", "0")}; !reflect.DeepEqual(got, want) {
			t.Errorf("Targets = %v, want %v", got, want)
		}
	})

	t.Run("to steps", func(t *testing.T) {
		got, err := g.Targets(flow.Request{To: []string{"premin"}})
		must(t, err)
		want := []flow.NodeID{flow.ID("premin", "0"), flow.ID("premin", "1")}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("Targets = %v, want %v", got, want)
		}
	})

	t.Run("pruned exit", func(t *testing.T) {
		got, err := g.Targets(flow.Request{Prune: []flow.NodeID{flow.ID("postmin", "0")}})
		must(t, err)
		if want := []flow.NodeID{flow.ID("domin", "0")}; !reflect.DeepEqual(got, want) {
			t.Errorf("Targets = %v, want %v", got, want)
		}
	})

	t.Run("unknown step", func(t *testing.T) {
		if _, err := g.Targets(flow.Request{To: []string{"route"}}); !errors.Is(err, flow.ErrUndefinedNode) {
			t.Errorf("got %v, want ErrUndefinedNode", err)
		}
	})
}
