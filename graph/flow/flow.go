// Package flow builds pipeline flow graphs.
//
// A Flow is a named collection of nodes and edges that may embed other
// flows. Flatten turns it into a Graph: one concrete DAG of (step, index)
// nodes that the engine schedules. Structural problems (cycles, edges to
// unknown nodes, malformed task references) surface at flattening time.
package flow

import (
	"fmt"
	"strconv"
	"strings"
)

// NodeID identifies a pipeline node. Index disambiguates parallel
// instances of the same step.
type NodeID struct {
	Step  string
	Index string
}

// ID builds a NodeID.
func ID(step, index string) NodeID {
	return NodeID{Step: step, Index: index}
}

func (n NodeID) String() string {
	return n.Step + "/" + n.Index
}

type nodeDef struct {
	id   NodeID
	task string
	args []string
	vars map[string]any
}

type edgeDef struct {
	tail, head NodeID
}

type embedded struct {
	name string
	flow *Flow
}

// Flow is a mutable flow definition. It is not safe for concurrent
// modification.
type Flow struct {
	name   string
	nodes  []*nodeDef
	byID   map[NodeID]*nodeDef
	edges  []edgeDef
	graphs []embedded
}

// New returns an empty flow.
func New(name string) *Flow {
	return &Flow{name: name, byID: make(map[NodeID]*nodeDef)}
}

// Name returns the flow name.
func (f *Flow) Name() string {
	return f.name
}

// NodeOption configures a node added with Flow.Node.
type NodeOption func(*nodeDef)

// WithIndex sets the node index. The default is 0.
func WithIndex(index int) NodeOption {
	return func(n *nodeDef) { n.id.Index = strconv.Itoa(index) }
}

// WithArgs sets the task setup arguments.
func WithArgs(args ...string) NodeOption {
	return func(n *nodeDef) { n.args = append([]string(nil), args...) }
}

// WithVars sets task variables for the node.
func WithVars(vars map[string]any) NodeOption {
	return func(n *nodeDef) {
		n.vars = make(map[string]any, len(vars))
		for k, v := range vars {
			n.vars[k] = v
		}
	}
}

// Node adds a (step, index) node running task, written "tool/task".
func (f *Flow) Node(step, task string, opts ...NodeOption) error {
	n := &nodeDef{id: NodeID{Step: step, Index: "0"}, task: task}
	for _, opt := range opts {
		opt(n)
	}
	if err := validStep(step); err != nil {
		return &GraphError{Kind: ErrInvalidTask, Flow: f.name, Msg: err.Error()}
	}
	if _, _, err := SplitTask(task); err != nil {
		return &GraphError{Kind: ErrInvalidTask, Flow: f.name, Msg: fmt.Sprintf("node %s: %v", n.id, err)}
	}
	if _, exists := f.byID[n.id]; exists {
		return &GraphError{Kind: ErrDuplicateNode, Flow: f.name, Msg: n.id.String()}
	}
	f.nodes = append(f.nodes, n)
	f.byID[n.id] = n
	return nil
}

func validStep(step string) error {
	if step == "" {
		return fmt.Errorf("empty step name")
	}
	if strings.ContainsAny(step, "/ ") || step == "default" {
		return fmt.Errorf("invalid step name %q", step)
	}
	return nil
}

// SplitTask splits a "tool/task" reference.
func SplitTask(ref string) (tool, task string, err error) {
	tool, task, ok := strings.Cut(ref, "/")
	if !ok || tool == "" || task == "" || strings.Contains(task, "/") {
		return "", "", fmt.Errorf("task reference %q is not of the form tool/task", ref)
	}
	return tool, task, nil
}

// EdgeOption configures an edge added with Flow.Edge.
type EdgeOption func(*edgeDef)

// TailIndex selects the index of the upstream node. The default is 0.
func TailIndex(index int) EdgeOption {
	return func(e *edgeDef) { e.tail.Index = strconv.Itoa(index) }
}

// HeadIndex selects the index of the downstream node. The default is 0.
func HeadIndex(index int) EdgeOption {
	return func(e *edgeDef) { e.head.Index = strconv.Itoa(index) }
}

// Edge adds a dependency from tail to head. Steps of embedded flows are
// referenced as "<name>.<step>". Endpoints are checked when the flow is
// flattened.
func (f *Flow) Edge(tail, head string, opts ...EdgeOption) error {
	e := edgeDef{tail: NodeID{Step: tail, Index: "0"}, head: NodeID{Step: head, Index: "0"}}
	for _, opt := range opts {
		opt(&e)
	}
	if e.tail == e.head {
		return &GraphError{Kind: ErrCycle, Flow: f.name, Msg: "self edge on " + e.tail.String()}
	}
	for _, existing := range f.edges {
		if existing == e {
			return nil
		}
	}
	f.edges = append(f.edges, e)
	return nil
}

// Graph embeds child under name. Its steps become "<name>.<step>".
func (f *Flow) Graph(child *Flow, name string) error {
	if child == nil {
		return &GraphError{Kind: ErrUndefinedNode, Flow: f.name, Msg: "nil sub-flow"}
	}
	if name == "" || strings.ContainsAny(name, "/ ") {
		return &GraphError{Kind: ErrInvalidTask, Flow: f.name, Msg: fmt.Sprintf("invalid sub-flow name %q", name)}
	}
	for _, g := range f.graphs {
		if g.name == name {
			return &GraphError{Kind: ErrDuplicateNode, Flow: f.name, Msg: "sub-flow " + name}
		}
	}
	f.graphs = append(f.graphs, embedded{name: name, flow: child})
	return nil
}
