// Package tool defines the adapter contract between the execution engine
// and the tools that implement pipeline tasks.
//
// A Task describes how one tool/task pair runs: which manifest keypaths it
// needs before it may start, which metrics it reports, the command line to
// execute and how the tool log turns into metrics. Tasks that run inside
// the engine process (the builtins) also implement Runner.
//
// Example:
//
//	reg := tool.NewRegistry()
//	_ = reg.Register(tool.NewExecTask("yosys", "syn"))
//	task, err := reg.Lookup("yosys/syn", manifest)
package tool

import (
	"context"
	"errors"
	"time"

	"github.com/Ciprian167/siliconcompiler/graph/flow"
	"github.com/Ciprian167/siliconcompiler/schema"
)

var (
	// ErrUnknownTask is returned by Registry.Lookup when a task reference
	// has no registered task and no executable in the manifest.
	ErrUnknownTask = errors.New("unknown task")

	// ErrDuplicateTask is returned when a task name is registered twice.
	ErrDuplicateTask = errors.New("task already registered")

	// ErrNotExecutable is returned by Command for tasks that only run in
	// process.
	ErrNotExecutable = errors.New("task has no executable")
)

// Context is what a task sees of the node it runs for.
type Context struct {
	Node   flow.NodeID
	Tool   string
	Task   string
	Schema *schema.Schema

	// WorkDir is the node work directory; it exists before the task runs.
	WorkDir string

	// Inputs are the upstream nodes that finished successfully.
	Inputs []flow.NodeID

	// Args are the setup arguments from the flow graph.
	Args []string
}

// At returns the manifest location of the node.
func (c *Context) At() schema.At {
	return schema.NodeAt(c.Node.Step, c.Node.Index)
}

// TaskKey returns tool/<tool>/task/<task>/<parts...>.
func (c *Context) TaskKey(parts ...string) schema.Keypath {
	return schema.Key("tool", c.Tool, "task", c.Task).Join(parts...)
}

// ToolKey returns tool/<tool>/<parts...>.
func (c *Context) ToolKey(parts ...string) schema.Keypath {
	return schema.Key("tool", c.Tool).Join(parts...)
}

// Get reads kp at the node. Unknown keypaths read as nil.
func (c *Context) Get(kp schema.Keypath) any {
	v, err := c.Schema.Get(kp, c.At())
	if err != nil {
		return nil
	}
	return v
}

// Strings reads a list keypath at the node as strings.
func (c *Context) Strings(kp schema.Keypath) []string {
	list, _ := c.Get(kp).([]any)
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// String reads a scalar string keypath at the node.
func (c *Context) String(kp schema.Keypath) string {
	s, _ := c.Get(kp).(string)
	return s
}

// Contract is the capability declaration of a task: the keypaths that must
// hold a value before the node is dispatched, and the metric names the task
// reports.
type Contract struct {
	Required []schema.Keypath
	Outputs  []string
}

// Declares reports whether name is one of the declared outputs.
func (c Contract) Declares(name string) bool {
	for _, o := range c.Outputs {
		if o == name {
			return true
		}
	}
	return false
}

// Command is a subprocess invocation.
type Command struct {
	Exe     string
	Args    []string
	Env     map[string]string
	Threads int
}

// Result describes a finished subprocess.
type Result struct {
	ExitCode int
	LogPath  string
	Duration time.Duration
}

// Task adapts one tool/task pair.
type Task interface {
	// Name returns the "tool/task" reference.
	Name() string

	// Contract returns the keypaths the node needs and the metrics it
	// reports.
	Contract(c *Context) (Contract, error)

	// Command builds the command line for the node.
	Command(c *Context) (Command, error)

	// PostProcess parses the results of a finished command into metrics.
	PostProcess(c *Context, r Result) (map[string]float64, error)
}

// Runner is implemented by tasks that run inside the engine process
// instead of as a subprocess.
type Runner interface {
	Run(ctx context.Context, c *Context) (map[string]float64, error)
}

// Configurer is implemented by tasks that write their default settings
// into the manifest before the contract is checked. Values already set by
// the user win.
type Configurer interface {
	Setup(c *Context) error
}
