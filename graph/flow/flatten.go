package flow

import "fmt"

// Flatten resolves every embedded flow and returns the concrete graph.
//
// Steps of an embedded flow are prefixed with its name, so the "export"
// step of a flow embedded as "rtl" becomes "rtl.export". Edges are checked
// against the flattened node set and the result must be acyclic.
func (f *Flow) Flatten() (*Graph, error) {
	g := newGraph(f.name)
	if err := f.flattenInto(g, "", map[*Flow]bool{}); err != nil {
		return nil, err
	}
	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

func (f *Flow) flattenInto(g *Graph, prefix string, visiting map[*Flow]bool) error {
	if visiting[f] {
		return &GraphError{Kind: ErrCycle, Flow: g.Name, Msg: fmt.Sprintf("flow %s embeds itself", f.name)}
	}
	visiting[f] = true
	defer delete(visiting, f)

	rename := func(id NodeID) NodeID {
		if prefix == "" {
			return id
		}
		return NodeID{Step: prefix + id.Step, Index: id.Index}
	}

	for _, n := range f.nodes {
		id := rename(n.id)
		if _, exists := g.nodes[id]; exists {
			return &GraphError{Kind: ErrDuplicateNode, Flow: g.Name, Msg: id.String()}
		}
		g.add(&Node{ID: id, Task: n.task, Args: append([]string(nil), n.args...), Vars: copyVars(n.vars)})
	}
	for _, sub := range f.graphs {
		if err := sub.flow.flattenInto(g, prefix+sub.name+".", visiting); err != nil {
			return err
		}
	}
	for _, e := range f.edges {
		tail, head := rename(e.tail), rename(e.head)
		if _, ok := g.nodes[tail]; !ok {
			return &GraphError{Kind: ErrUndefinedNode, Flow: g.Name, Msg: fmt.Sprintf("edge %s -> %s: no node %s", tail, head, tail)}
		}
		if _, ok := g.nodes[head]; !ok {
			return &GraphError{Kind: ErrUndefinedNode, Flow: g.Name, Msg: fmt.Sprintf("edge %s -> %s: no node %s", tail, head, head)}
		}
		g.link(tail, head)
	}
	return nil
}

func copyVars(vars map[string]any) map[string]any {
	if vars == nil {
		return nil
	}
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}

// checkAcyclic runs Kahn's algorithm over the graph.
func (g *Graph) checkAcyclic() error {
	indegree := make(map[NodeID]int, len(g.nodes))
	for _, id := range g.order {
		indegree[id] = len(g.nodes[id].inputs)
	}
	queue := make([]NodeID, 0, len(g.order))
	for _, id := range g.order {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, out := range g.nodes[id].outputs {
			indegree[out]--
			if indegree[out] == 0 {
				queue = append(queue, out)
			}
		}
	}
	if visited == len(g.order) {
		return nil
	}
	var stuck []string
	for _, id := range g.order {
		if indegree[id] > 0 {
			stuck = append(stuck, id.String())
		}
	}
	return &GraphError{Kind: ErrCycle, Flow: g.Name, Msg: fmt.Sprintf("nodes %v", stuck)}
}
