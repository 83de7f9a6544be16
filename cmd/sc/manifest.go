package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zclconf/go-cty/cty"

	"github.com/Ciprian167/siliconcompiler/graph/flow"
	"github.com/Ciprian167/siliconcompiler/schema"
)

// loadManifest reads path, or returns the built-in schema when path is
// empty, then applies the --set assignments in order.
func loadManifest(path string, sets []string) (*schema.Schema, error) {
	m := schema.New()
	if path != "" {
		var err error
		if m, err = schema.ReadManifest(path); err != nil {
			return nil, err
		}
	}
	for _, s := range sets {
		if err := applySet(m, s); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// applySet applies one "keypath[@step/index]=value" assignment. Values of
// list parameters are appended, so repeating a list keypath builds the
// list.
func applySet(m *schema.Schema, assignment string) error {
	lhs, value, ok := strings.Cut(assignment, "=")
	if !ok {
		return fmt.Errorf("invalid --set %q: want keypath=value", assignment)
	}
	key, node, qualified := strings.Cut(lhs, "@")
	kp := schema.Key(strings.Split(strings.Trim(key, "/"), "/")...)

	at := schema.Global
	if qualified {
		step, index, ok := strings.Cut(node, "/")
		if !ok {
			index = "default"
		}
		at = schema.NodeAt(step, index)
	}

	p, err := m.Param(kp)
	if err != nil {
		return err
	}
	if p.Type.IsList() {
		return m.Add(kp, value, at)
	}
	return m.Set(kp, value, at)
}

// parseNodes converts "step/index" arguments.
func parseNodes(args []string) ([]flow.NodeID, error) {
	ids := make([]flow.NodeID, 0, len(args))
	for _, a := range args {
		step, index, ok := strings.Cut(a, "/")
		if !ok || step == "" || index == "" {
			return nil, fmt.Errorf("invalid node %q: want step/index", a)
		}
		ids = append(ids, flow.ID(step, index))
	}
	return ids, nil
}

// parseVars converts name=value pairs into HCL variables.
func parseVars(pairs []string) (map[string]cty.Value, error) {
	vars := make(map[string]cty.Value, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --var %q: want name=value", p)
		}
		vars[name] = cty.StringVal(value)
	}
	return vars, nil
}

// loadGraph flattens flow name from an HCL flow file.
func loadGraph(path, name string, vars map[string]cty.Value) (*flow.Graph, error) {
	if path == "" {
		return nil, fmt.Errorf("--flows is required")
	}
	flows, err := flow.LoadHCL(path, vars)
	if err != nil {
		return nil, err
	}
	if name == "" && len(flows) == 1 {
		for n := range flows {
			name = n
		}
	}
	f, ok := flows[name]
	if !ok {
		names := make([]string, 0, len(flows))
		for n := range flows {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("flow %q not defined in %s (have %s)", name, path, strings.Join(names, ", "))
	}
	return f.Flatten()
}
