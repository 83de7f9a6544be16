package remote

import (
	"context"
	"fmt"

	"github.com/Ciprian167/siliconcompiler/graph"
	"github.com/Ciprian167/siliconcompiler/schema"
)

// Router picks a dispatcher per node from option/scheduler/name. Nodes
// without a scheduler, or naming "local", go to the local dispatcher.
type Router struct {
	local    graph.Dispatcher
	byName   map[string]graph.Dispatcher
	fallback string
}

// NewRouter returns a router with the given local dispatcher. A nil local
// dispatcher uses graph.NewLocalDispatcher(0).
func NewRouter(local graph.Dispatcher) *Router {
	if local == nil {
		local = graph.NewLocalDispatcher(0)
	}
	return &Router{local: local, byName: map[string]graph.Dispatcher{}}
}

// Handle routes nodes whose scheduler is name to d.
func (r *Router) Handle(name string, d graph.Dispatcher) {
	r.byName[name] = d
}

// Default routes nodes that name no scheduler to name instead of the
// local dispatcher.
func (r *Router) Default(name string) {
	r.fallback = name
}

// Dispatch implements graph.Dispatcher.
func (r *Router) Dispatch(ctx context.Context, job graph.Job) graph.Outcome {
	name := job.Context.String(schema.Key("option", "scheduler", "name"))
	if name == "" {
		name = r.fallback
	}
	if name == "" || name == "local" {
		return r.local.Dispatch(ctx, job)
	}
	d, ok := r.byName[name]
	if !ok {
		out := graph.Outcome{}
		return graph.Fail(out, job.Node, graph.CodeDispatchError, fmt.Errorf("no scheduler named %q", name))
	}
	return d.Dispatch(ctx, job)
}
