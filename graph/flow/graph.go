package flow

import (
	"fmt"
	"sort"

	"github.com/Ciprian167/siliconcompiler/schema"
)

// Node is a primitive node of a flattened graph.
type Node struct {
	ID   NodeID
	Task string
	Args []string
	Vars map[string]any

	inputs  []NodeID
	outputs []NodeID
}

// Graph is a flattened, acyclic flow graph. It is read-only once built and
// safe for concurrent readers.
type Graph struct {
	Name  string
	order []NodeID
	nodes map[NodeID]*Node
}

func newGraph(name string) *Graph {
	return &Graph{Name: name, nodes: make(map[NodeID]*Node)}
}

func (g *Graph) add(n *Node) {
	g.order = append(g.order, n.ID)
	g.nodes[n.ID] = n
}

func (g *Graph) link(tail, head NodeID) {
	for _, in := range g.nodes[head].inputs {
		if in == tail {
			return
		}
	}
	g.nodes[head].inputs = append(g.nodes[head].inputs, tail)
	g.nodes[tail].outputs = append(g.nodes[tail].outputs, head)
}

// Nodes returns every node in definition order.
func (g *Graph) Nodes() []NodeID {
	return append([]NodeID(nil), g.order...)
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.order)
}

// Has reports whether id is a node of the graph.
func (g *Graph) Has(id NodeID) bool {
	_, ok := g.nodes[id]
	return ok
}

// Node returns the node with the given id.
func (g *Graph) Node(id NodeID) (Node, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	out := *n
	out.Args = append([]string(nil), n.Args...)
	out.Vars = copyVars(n.Vars)
	out.inputs = nil
	out.outputs = nil
	return out, true
}

// Task returns the "tool/task" reference of a node.
func (g *Graph) Task(id NodeID) string {
	if n, ok := g.nodes[id]; ok {
		return n.Task
	}
	return ""
}

// Inputs returns the upstream nodes of id in edge order.
func (g *Graph) Inputs(id NodeID) []NodeID {
	if n, ok := g.nodes[id]; ok {
		return append([]NodeID(nil), n.inputs...)
	}
	return nil
}

// Outputs returns the downstream nodes of id in edge order.
func (g *Graph) Outputs(id NodeID) []NodeID {
	if n, ok := g.nodes[id]; ok {
		return append([]NodeID(nil), n.outputs...)
	}
	return nil
}

// Steps returns the distinct step names in definition order.
func (g *Graph) Steps() []string {
	seen := map[string]bool{}
	var out []string
	for _, id := range g.order {
		if !seen[id.Step] {
			seen[id.Step] = true
			out = append(out, id.Step)
		}
	}
	return out
}

func stepSet(steps []string) map[string]bool {
	if len(steps) == 0 {
		return nil
	}
	set := make(map[string]bool, len(steps))
	for _, s := range steps {
		set[s] = true
	}
	return set
}

// EntryNodes returns the nodes without inbound edges. When steps are given
// only nodes of those steps are considered and edges from other steps are
// ignored.
func (g *Graph) EntryNodes(steps ...string) []NodeID {
	return g.boundary(stepSet(steps), func(n *Node) []NodeID { return n.inputs })
}

// ExitNodes returns the nodes without outbound edges, with the same steps
// restriction as EntryNodes.
func (g *Graph) ExitNodes(steps ...string) []NodeID {
	return g.boundary(stepSet(steps), func(n *Node) []NodeID { return n.outputs })
}

func (g *Graph) boundary(subset map[string]bool, adjacent func(*Node) []NodeID) []NodeID {
	var out []NodeID
	for _, id := range g.order {
		if subset != nil && !subset[id.Step] {
			continue
		}
		linked := false
		for _, other := range adjacent(g.nodes[id]) {
			if subset == nil || subset[other.Step] {
				linked = true
				break
			}
		}
		if !linked {
			out = append(out, id)
		}
	}
	return out
}

// Levels returns the execution level of every node: entry nodes are level
// 0 and every other node sits one level above its deepest input.
func (g *Graph) Levels() map[NodeID]int {
	levels := make(map[NodeID]int, len(g.order))
	var visit func(NodeID) int
	visit = func(id NodeID) int {
		if l, ok := levels[id]; ok {
			return l
		}
		l := 0
		for _, in := range g.nodes[id].inputs {
			if il := visit(in) + 1; il > l {
				l = il
			}
		}
		levels[id] = l
		return l
	}
	for _, id := range g.order {
		visit(id)
	}
	return levels
}

// ExecutionOrder groups the nodes into levels. Every node of level k
// depends only on nodes of levels 0..k-1, so nodes of one level may run
// concurrently. Within a level nodes keep definition order.
func (g *Graph) ExecutionOrder() [][]NodeID {
	levels := g.Levels()
	depth := -1
	for _, l := range levels {
		if l > depth {
			depth = l
		}
	}
	out := make([][]NodeID, depth+1)
	for _, id := range g.order {
		l := levels[id]
		out[l] = append(out[l], id)
	}
	return out
}

// Request narrows a run to part of the graph.
type Request struct {
	// From lists steps the run starts at. They and everything downstream
	// of them run regardless of recorded status; nodes upstream of them
	// are not run.
	From []string
	// To lists target steps. Empty means the exit nodes of the graph.
	To []string
	// Prune removes nodes, and the edges touching them, before planning.
	Prune []NodeID
}

// Targets returns the nodes a request must reach: the nodes of the To
// steps, or the exit nodes of the graph with pruned nodes removed.
func (g *Graph) Targets(req Request) ([]NodeID, error) {
	pruned, err := g.pruned(req)
	if err != nil {
		return nil, err
	}
	return g.targets(req, pruned), nil
}

func (g *Graph) pruned(req Request) (map[NodeID]bool, error) {
	pruned := make(map[NodeID]bool, len(req.Prune))
	for _, id := range req.Prune {
		if !g.Has(id) {
			return nil, &GraphError{Kind: ErrUndefinedNode, Flow: g.Name, Msg: "prune " + id.String()}
		}
		pruned[id] = true
	}
	known := stepSet(g.Steps())
	for _, s := range append(append([]string(nil), req.From...), req.To...) {
		if !known[s] {
			return nil, &GraphError{Kind: ErrUndefinedNode, Flow: g.Name, Msg: "step " + s}
		}
	}
	return pruned, nil
}

func (g *Graph) targets(req Request, pruned map[NodeID]bool) []NodeID {
	var targets []NodeID
	if len(req.To) > 0 {
		to := stepSet(req.To)
		for _, id := range g.order {
			if to[id.Step] && !pruned[id] {
				targets = append(targets, id)
			}
		}
		return targets
	}
	for _, id := range g.order {
		if pruned[id] {
			continue
		}
		exit := true
		for _, out := range g.nodes[id].outputs {
			if !pruned[out] {
				exit = false
				break
			}
		}
		if exit {
			targets = append(targets, id)
		}
	}
	return targets
}

// NodesToExecute returns the minimal node set needed to reach the targets,
// in execution order.
//
// Starting from the target nodes it walks inbound edges. A node that
// isSuccess reports as already successful is left out and its inputs are
// not visited. Nodes with any other recorded status (failed, skipped or
// none) are always included. isSuccess may be nil for a fresh run.
func (g *Graph) NodesToExecute(req Request, isSuccess func(NodeID) bool) ([]NodeID, error) {
	pruned, err := g.pruned(req)
	if err != nil {
		return nil, err
	}
	live := func(id NodeID) bool { return !pruned[id] }
	targets := g.targets(req, pruned)

	from := stepSet(req.From)
	forced := map[NodeID]bool{}
	if from != nil {
		var mark func(NodeID)
		mark = func(id NodeID) {
			if forced[id] || !live(id) {
				return
			}
			forced[id] = true
			for _, out := range g.nodes[id].outputs {
				mark(out)
			}
		}
		for _, id := range g.order {
			if from[id.Step] {
				mark(id)
			}
		}
	}

	selected := map[NodeID]bool{}
	visited := map[NodeID]bool{}
	var walk func(NodeID)
	walk = func(id NodeID) {
		if visited[id] || !live(id) {
			return
		}
		visited[id] = true
		if !forced[id] && isSuccess != nil && isSuccess(id) {
			return
		}
		if from != nil && !forced[id] {
			// upstream of the start steps
			return
		}
		selected[id] = true
		if from[id.Step] {
			return
		}
		for _, in := range g.nodes[id].inputs {
			walk(in)
		}
	}
	for _, id := range targets {
		walk(id)
	}

	levels := g.Levels()
	out := make([]NodeID, 0, len(selected))
	for _, id := range g.order {
		if selected[id] {
			out = append(out, id)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return levels[out[i]] < levels[out[j]] })
	return out, nil
}

// Record writes the graph into the manifest under flowgraph/<name>. Node
// variables go to tool/<tool>/task/<task>/var/<name> at the node.
func (g *Graph) Record(s *schema.Schema) error {
	for _, id := range g.order {
		n := g.nodes[id]
		tool, task, err := SplitTask(n.Task)
		if err != nil {
			return &GraphError{Kind: ErrInvalidTask, Flow: g.Name, Msg: err.Error()}
		}
		base := schema.Key("flowgraph", g.Name, id.Step, id.Index)
		inputs := make([]any, 0, len(n.inputs))
		for _, in := range n.inputs {
			inputs = append(inputs, schema.Tuple{in.Step, in.Index})
		}
		writes := []struct {
			key string
			v   any
		}{
			{"tool", tool},
			{"task", task},
			{"input", inputs},
			{"args", n.Args},
		}
		for _, w := range writes {
			if err := s.Set(base.Join(w.key), w.v, schema.Global); err != nil {
				return err
			}
		}
		at := schema.NodeAt(id.Step, id.Index)
		for name, v := range n.Vars {
			kp := schema.Key("tool", tool, "task", task, "var", name)
			if err := s.Set(kp, varValue(v), at); err != nil {
				return err
			}
		}
	}
	return nil
}

func varValue(v any) any {
	switch x := v.(type) {
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = fmt.Sprint(item)
		}
		return out
	case []string:
		return x
	}
	return fmt.Sprint(v)
}

// FromSchema rebuilds a graph recorded with Graph.Record.
func FromSchema(s *schema.Schema, name string) (*Graph, error) {
	steps := s.Keys("flowgraph", name)
	g := newGraph(name)
	type pending struct {
		head   NodeID
		inputs []any
	}
	var links []pending
	for _, step := range steps {
		if step == schema.Wildcard {
			continue
		}
		for _, index := range s.Keys("flowgraph", name, step) {
			if index == schema.Wildcard {
				continue
			}
			base := schema.Key("flowgraph", name, step, index)
			tool, err := s.Get(base.Join("tool"), schema.Global)
			if err != nil {
				return nil, err
			}
			task, err := s.Get(base.Join("task"), schema.Global)
			if err != nil {
				return nil, err
			}
			args, _ := s.Get(base.Join("args"), schema.Global)
			inputs, _ := s.Get(base.Join("input"), schema.Global)

			ref := fmt.Sprintf("%v/%v", tool, task)
			if _, _, err := SplitTask(ref); err != nil {
				return nil, &GraphError{Kind: ErrInvalidTask, Flow: name, Msg: err.Error()}
			}
			n := &Node{ID: ID(step, index), Task: ref, Args: asStrings(args)}
			g.add(n)
			if list, ok := inputs.([]any); ok {
				links = append(links, pending{head: n.ID, inputs: list})
			}
		}
	}
	if len(g.order) == 0 {
		return nil, &GraphError{Kind: ErrUndefinedNode, Flow: name, Msg: "no nodes recorded"}
	}
	for _, l := range links {
		for _, raw := range l.inputs {
			t, ok := raw.(schema.Tuple)
			if !ok || len(t) != 2 {
				continue
			}
			tail := ID(fmt.Sprint(t[0]), fmt.Sprint(t[1]))
			if !g.Has(tail) {
				return nil, &GraphError{Kind: ErrUndefinedNode, Flow: name, Msg: fmt.Sprintf("input %s of %s", tail, l.head)}
			}
			g.link(tail, l.head)
		}
	}
	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

func asStrings(v any) []string {
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
