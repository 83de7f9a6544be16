package tool_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/Ciprian167/siliconcompiler/graph/flow"
	"github.com/Ciprian167/siliconcompiler/graph/tool"
	"github.com/Ciprian167/siliconcompiler/schema"
)

func newContext(t *testing.T, s *schema.Schema, ref string, node flow.NodeID) *tool.Context {
	t.Helper()
	toolName, taskName, err := flow.SplitTask(ref)
	if err != nil {
		t.Fatal(err)
	}
	return &tool.Context{Node: node, Tool: toolName, Task: taskName, Schema: s, WorkDir: t.TempDir()}
}

func mustSet(t *testing.T, s *schema.Schema, kp schema.Keypath, v any, at schema.At) {
	t.Helper()
	if err := s.Set(kp, v, at); err != nil {
		t.Fatalf("Set %v: %v", kp, err)
	}
}

// TestRegistryLookup verifies builtin resolution, the exe fallback and
// unknown references.
func TestRegistryLookup(t *testing.T) {
	s := schema.New()
	reg := tool.NewRegistry()

	for _, ref := range []string{"builtin/nop", "builtin/join", "builtin/minimum", "verible/lint"} {
		task, err := reg.Lookup(ref, s)
		if err != nil {
			t.Fatalf("Lookup(%s): %v", ref, err)
		}
		if task.Name() != ref {
			t.Errorf("Name = %q, want %q", task.Name(), ref)
		}
	}

	if _, err := reg.Lookup("yosys/syn", s); !errors.Is(err, tool.ErrUnknownTask) {
		t.Errorf("unconfigured tool: got %v, want ErrUnknownTask", err)
	}

	mustSet(t, s, schema.Key("tool", "yosys", "exe"), "yosys", schema.Global)
	task, err := reg.Lookup("yosys/syn", s)
	if err != nil {
		t.Fatalf("Lookup with exe: %v", err)
	}
	if _, ok := task.(*tool.ExecTask); !ok {
		t.Errorf("got %T, want *tool.ExecTask", task)
	}

	if _, err := reg.Lookup("nodelimiter", s); err == nil {
		t.Error("expected an error for a malformed reference")
	}
}

// TestRegistryRegister verifies duplicate detection.
func TestRegistryRegister(t *testing.T) {
	reg := tool.NewRegistry()
	if err := reg.Register(&tool.MockTask{TaskName: "mock/a"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(&tool.MockTask{TaskName: "mock/a"}); !errors.Is(err, tool.ErrDuplicateTask) {
		t.Errorf("got %v, want ErrDuplicateTask", err)
	}
	if err := reg.Register(&tool.MockTask{TaskName: "bad"}); err == nil {
		t.Error("expected an error for a malformed name")
	}
	want := []string{"builtin/join", "builtin/minimum", "builtin/nop", "mock/a", "verible/lint"}
	if got := reg.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names = %v, want %v", got, want)
	}
}

// TestExecTask verifies that the command line, contract and metrics come
// from the manifest.
func TestExecTask(t *testing.T) {
	s := schema.New()
	node := flow.ID("syn", "0")
	at := schema.NodeAt(node.Step, node.Index)
	mustSet(t, s, schema.Key("tool", "yosys", "exe"), "yosys", schema.Global)
	mustSet(t, s, schema.Key("tool", "yosys", "path"), "/opt/yosys/bin", at)
	mustSet(t, s, schema.Key("tool", "yosys", "task", "syn", "option"), []string{"-q"}, at)
	mustSet(t, s, schema.Key("tool", "yosys", "task", "syn", "threads"), 4, at)
	mustSet(t, s, schema.Key("tool", "yosys", "task", "syn", "env", "ABC_THREADS"), "4", at)
	mustSet(t, s, schema.Key("tool", "yosys", "task", "syn", "require"), []string{"design", "option, pdk"}, at)
	mustSet(t, s, schema.Key("tool", "yosys", "task", "syn", "regex", "warnings"), []string{"^Warning"}, at)
	mustSet(t, s, schema.Key("tool", "yosys", "task", "syn", "regex", "errors"), []string{"ERROR", "-v ignored"}, at)

	c := newContext(t, s, "yosys/syn", node)
	c.Args = []string{"-p", "synth"}
	task := tool.NewExecTask("yosys", "syn", tool.WithOptions("-l", "syn.log"))

	t.Run("contract", func(t *testing.T) {
		contract, err := task.Contract(c)
		if err != nil {
			t.Fatal(err)
		}
		wantReq := []schema.Keypath{
			schema.Key("tool", "yosys", "exe"),
			schema.Key("design"),
			schema.Key("option", "pdk"),
		}
		if !reflect.DeepEqual(contract.Required, wantReq) {
			t.Errorf("Required = %v, want %v", contract.Required, wantReq)
		}
		if !reflect.DeepEqual(contract.Outputs, []string{"errors", "warnings"}) {
			t.Errorf("Outputs = %v", contract.Outputs)
		}
		if !contract.Declares("errors") || contract.Declares("cells") {
			t.Error("Declares mismatch")
		}
	})

	t.Run("command", func(t *testing.T) {
		cmd, err := task.Command(c)
		if err != nil {
			t.Fatal(err)
		}
		if cmd.Exe != filepath.Join("/opt/yosys/bin", "yosys") {
			t.Errorf("Exe = %q", cmd.Exe)
		}
		wantArgs := []string{"-l", "syn.log", "-q", "-p", "synth"}
		if !reflect.DeepEqual(cmd.Args, wantArgs) {
			t.Errorf("Args = %v, want %v", cmd.Args, wantArgs)
		}
		if cmd.Threads != 4 {
			t.Errorf("Threads = %d, want 4", cmd.Threads)
		}
		if cmd.Env["ABC_THREADS"] != "4" {
			t.Errorf("Env = %v", cmd.Env)
		}
	})

	t.Run("post process", func(t *testing.T) {
		log := filepath.Join(c.WorkDir, "syn.log")
		content := "Warning: one\nERROR: real\nERROR: ignored\nWarning: two\nok\n"
		if err := os.WriteFile(log, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		metrics, err := task.PostProcess(c, tool.Result{LogPath: log})
		if err != nil {
			t.Fatal(err)
		}
		want := map[string]float64{"errors": 1, "warnings": 2}
		if !reflect.DeepEqual(metrics, want) {
			t.Errorf("metrics = %v, want %v", metrics, want)
		}
	})

	t.Run("missing exe", func(t *testing.T) {
		other := newContext(t, s, "magic/drc", node)
		if _, err := tool.NewExecTask("magic", "drc").Command(other); !errors.Is(err, tool.ErrNotExecutable) {
			t.Errorf("got %v, want ErrNotExecutable", err)
		}
	})
}

// TestVeribleLint verifies the adapter defaults and that user settings
// override them.
func TestVeribleLint(t *testing.T) {
	s := schema.New()
	node := flow.ID("lint", "0")
	at := schema.NodeAt(node.Step, node.Index)
	mustSet(t, s, schema.Key("option", "file", "verilog"), []string{"top.v", "alu.v"}, schema.Global)
	mustSet(t, s, schema.Key("tool", "verible", "task", "lint", "var", "rules_config"), []string{"rules.cfg", "extra.cfg"}, at)
	mustSet(t, s, schema.Key("tool", "verible", "task", "lint", "var", "waiver_files"), []string{"top.waiver"}, at)
	mustSet(t, s, schema.Key("tool", "verible", "task", "lint", "threads"), 2, at)

	c := newContext(t, s, "verible/lint", node)
	task := tool.NewVeribleLint()
	if err := task.Setup(c); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	contract, err := task.Contract(c)
	if err != nil {
		t.Fatal(err)
	}
	wantReq := []schema.Keypath{
		schema.Key("tool", "verible", "exe"),
		schema.Key("design"),
		schema.Key("option", "file", "verilog"),
	}
	if !reflect.DeepEqual(contract.Required, wantReq) {
		t.Errorf("Required = %v, want %v", contract.Required, wantReq)
	}

	cmd, err := task.Command(c)
	if err != nil {
		t.Fatal(err)
	}
	wantArgs := []string{
		"--lint_fatal", "--parse_fatal",
		"--rules_config", "rules.cfg,extra.cfg",
		"--waiver_files", "top.waiver",
		"top.v", "alu.v",
	}
	if cmd.Exe != "verible-verilog-lint" || !reflect.DeepEqual(cmd.Args, wantArgs) {
		t.Errorf("command = %s %v", cmd.Exe, cmd.Args)
	}
	if cmd.Threads != 2 {
		t.Errorf("Threads = %d, want the user setting 2", cmd.Threads)
	}

	log := filepath.Join(c.WorkDir, "lint.log")
	content := "top.v:3:1: warning: line too long\nalu.v:9:4: error: syntax\nalu.v:12:1: tabs [no-tabs]\n"
	if err := os.WriteFile(log, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	metrics, err := task.PostProcess(c, tool.Result{LogPath: log})
	if err != nil {
		t.Fatal(err)
	}
	if metrics["errors"] != 3 || metrics["warnings"] != 1 {
		t.Errorf("metrics = %v, want errors=3 (every log line) warnings=1", metrics)
	}
}

// TestMinimum verifies input selection by errors then warnings.
func TestMinimum(t *testing.T) {
	s := schema.New()
	inputs := []flow.NodeID{flow.ID("syn", "0"), flow.ID("syn", "1"), flow.ID("syn", "2")}
	metrics := []struct{ errors, warnings int }{{2, 0}, {0, 5}, {0, 3}}
	for i, in := range inputs {
		at := schema.NodeAt(in.Step, in.Index)
		mustSet(t, s, schema.Key("metric", "errors"), metrics[i].errors, at)
		mustSet(t, s, schema.Key("metric", "warnings"), metrics[i].warnings, at)
	}

	node := flow.ID("pick", "0")
	c := newContext(t, s, "builtin/minimum", node)
	c.Inputs = inputs
	got, err := tool.NewMinimum().Run(context.Background(), c)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got["errors"] != 0 || got["warnings"] != 3 {
		t.Errorf("metrics = %v", got)
	}
	selected, _ := s.Get(schema.Key("record", "inputnode"), schema.NodeAt("pick", "0"))
	want := []any{schema.Tuple{"syn", "2"}}
	if !reflect.DeepEqual(selected, want) {
		t.Errorf("inputnode = %v, want %v", selected, want)
	}

	c.Inputs = nil
	if _, err := tool.NewMinimum().Run(context.Background(), c); err == nil {
		t.Error("expected an error without inputs")
	}
}

// TestJoinAndNop verifies that both record their inputs.
func TestJoinAndNop(t *testing.T) {
	s := schema.New()
	c := newContext(t, s, "builtin/join", flow.ID("join", "0"))
	c.Inputs = []flow.NodeID{flow.ID("a", "0"), flow.ID("b", "0")}
	if _, err := tool.NewJoin().Run(context.Background(), c); err != nil {
		t.Fatalf("join: %v", err)
	}
	got, _ := s.Get(schema.Key("record", "inputnode"), c.At())
	if len(got.([]any)) != 2 {
		t.Errorf("inputnode = %v", got)
	}

	nop := tool.NewNop()
	if _, err := nop.Command(c); !errors.Is(err, tool.ErrNotExecutable) {
		t.Errorf("Command: got %v, want ErrNotExecutable", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := nop.Run(ctx, c); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled Run: got %v", err)
	}
}
