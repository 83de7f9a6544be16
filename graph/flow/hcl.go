package flow

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
)

// hclFile is the top level of a flow definition file:
//
//	flow "asicflow" {
//	  node "import" { task = "builtin/nop" }
//	  node "syn" {
//	    task  = "yosys/syn"
//	    count = 2
//	    vars  = { effort = var.effort }
//	  }
//	  edge {
//	    from    = "import"
//	    to      = "syn"
//	    to_index = 1
//	  }
//	  graph "rtl" { flow = "rtlflow" }
//	}
type hclFile struct {
	Flows  []*hclFlow `hcl:"flow,block"`
	Remain hcl.Body   `hcl:",remain"`
}

type hclFlow struct {
	Name   string      `hcl:"name,label"`
	Nodes  []*hclNode  `hcl:"node,block"`
	Edges  []*hclEdge  `hcl:"edge,block"`
	Graphs []*hclGraph `hcl:"graph,block"`
}

type hclNode struct {
	Step  string    `hcl:"step,label"`
	Task  string    `hcl:"task"`
	Index *int      `hcl:"index,optional"`
	Count *int      `hcl:"count,optional"`
	Args  []string  `hcl:"args,optional"`
	Vars  cty.Value `hcl:"vars,optional"`
}

type hclEdge struct {
	From      string `hcl:"from"`
	To        string `hcl:"to"`
	FromIndex *int   `hcl:"from_index,optional"`
	ToIndex   *int   `hcl:"to_index,optional"`
}

type hclGraph struct {
	Name string `hcl:"name,label"`
	Flow string `hcl:"flow"`
}

// LoadHCL reads flow definitions from an HCL file. vars is exposed to
// expressions as the var object. Flows may embed flows defined in the same
// file, in any order.
func LoadHCL(path string, vars map[string]cty.Value) (map[string]*Flow, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", path, diags)
	}
	return decodeHCL(file.Body, path, vars)
}

// ParseHCL is LoadHCL for in-memory source.
func ParseHCL(src []byte, filename string, vars map[string]cty.Value) (map[string]*Flow, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}
	return decodeHCL(file.Body, filename, vars)
}

func decodeHCL(body hcl.Body, filename string, vars map[string]cty.Value) (map[string]*Flow, error) {
	if vars == nil {
		vars = map[string]cty.Value{}
	}
	ctx := &hcl.EvalContext{
		Variables: map[string]cty.Value{"var": cty.ObjectVal(vars)},
	}

	var root hclFile
	if diags := gohcl.DecodeBody(body, ctx, &root); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}

	flows := make(map[string]*Flow, len(root.Flows))
	for _, hf := range root.Flows {
		if _, dup := flows[hf.Name]; dup {
			return nil, &GraphError{Kind: ErrDuplicateNode, Flow: hf.Name, Msg: "flow defined twice in " + filename}
		}
		f := New(hf.Name)
		for _, hn := range hf.Nodes {
			if err := addHCLNode(f, hn); err != nil {
				return nil, err
			}
		}
		for _, he := range hf.Edges {
			var opts []EdgeOption
			if he.FromIndex != nil {
				opts = append(opts, TailIndex(*he.FromIndex))
			}
			if he.ToIndex != nil {
				opts = append(opts, HeadIndex(*he.ToIndex))
			}
			if err := f.Edge(he.From, he.To, opts...); err != nil {
				return nil, err
			}
		}
		flows[hf.Name] = f
	}

	for _, hf := range root.Flows {
		for _, hg := range hf.Graphs {
			child, ok := flows[hg.Flow]
			if !ok {
				return nil, &GraphError{Kind: ErrUndefinedNode, Flow: hf.Name, Msg: "sub-flow " + hg.Flow}
			}
			if err := flows[hf.Name].Graph(child, hg.Name); err != nil {
				return nil, err
			}
		}
	}
	return flows, nil
}

func addHCLNode(f *Flow, hn *hclNode) error {
	vars, err := ctyToNative(hn.Vars)
	if err != nil {
		return fmt.Errorf("node %s vars: %w", hn.Step, err)
	}
	varMap, _ := vars.(map[string]any)

	first, count := 0, 1
	if hn.Index != nil {
		first = *hn.Index
	}
	if hn.Count != nil {
		count = *hn.Count
	}
	if count < 1 {
		return &GraphError{Kind: ErrInvalidTask, Flow: f.name, Msg: fmt.Sprintf("node %s: count must be positive", hn.Step)}
	}
	for i := first; i < first+count; i++ {
		opts := []NodeOption{WithIndex(i), WithArgs(hn.Args...)}
		if varMap != nil {
			opts = append(opts, WithVars(varMap))
		}
		if err := f.Node(hn.Step, hn.Task, opts...); err != nil {
			return err
		}
	}
	return nil
}

// ctyToNative converts a cty value to plain Go values: strings, float64,
// bool, []any and map[string]any.
func ctyToNative(v cty.Value) (any, error) {
	if v.IsNull() || !v.IsKnown() {
		return nil, nil
	}
	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil
	case ty == cty.Number:
		var f float64
		if err := gocty.FromCtyValue(v, &f); err != nil {
			return nil, fmt.Errorf("could not convert number: %w", err)
		}
		return f, nil
	case ty == cty.Bool:
		return v.True(), nil
	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		out := make([]any, 0, v.LengthInt())
		it := v.ElementIterator()
		for it.Next() {
			_, elem := it.Element()
			native, err := ctyToNative(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, native)
		}
		return out, nil
	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any)
		it := v.ElementIterator()
		for it.Next() {
			key, elem := it.Element()
			native, err := ctyToNative(elem)
			if err != nil {
				return nil, fmt.Errorf("in attribute %q: %w", key.AsString(), err)
			}
			out[key.AsString()] = native
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported value type %s", ty.FriendlyName())
}
