package tool

import (
	"context"
	"fmt"
	"math"

	"github.com/Ciprian167/siliconcompiler/graph/flow"
	"github.com/Ciprian167/siliconcompiler/schema"
)

// builtin is the part of Task shared by the in-process tasks.
type builtin struct {
	name string
}

func (b builtin) Name() string { return "builtin/" + b.name }

func (b builtin) Contract(*Context) (Contract, error) { return Contract{}, nil }

func (b builtin) Command(*Context) (Command, error) {
	return Command{}, fmt.Errorf("%w: %s runs in process", ErrNotExecutable, b.Name())
}

func (b builtin) PostProcess(*Context, Result) (map[string]float64, error) { return nil, nil }

// Nop passes its inputs through unchanged.
type Nop struct{ builtin }

// NewNop returns the builtin/nop task.
func NewNop() *Nop { return &Nop{builtin{"nop"}} }

// Run implements Runner.
func (t *Nop) Run(ctx context.Context, c *Context) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, recordInputs(c, c.Inputs)
}

// Join merges every input into one node.
type Join struct{ builtin }

// NewJoin returns the builtin/join task.
func NewJoin() *Join { return &Join{builtin{"join"}} }

// Run implements Runner.
func (t *Join) Run(ctx context.Context, c *Context) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(c.Inputs) == 0 {
		return nil, fmt.Errorf("%s: no inputs to join", c.Node)
	}
	return nil, recordInputs(c, c.Inputs)
}

// Minimum selects the input with the fewest errors, then the fewest
// warnings. Ties go to the earlier input.
type Minimum struct{ builtin }

// NewMinimum returns the builtin/minimum task.
func NewMinimum() *Minimum { return &Minimum{builtin{"minimum"}} }

// Contract implements Task.
func (t *Minimum) Contract(*Context) (Contract, error) {
	return Contract{Outputs: []string{"errors", "warnings"}}, nil
}

// Run implements Runner.
func (t *Minimum) Run(ctx context.Context, c *Context) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(c.Inputs) == 0 {
		return nil, fmt.Errorf("%s: no inputs to select from", c.Node)
	}
	best := -1
	bestErrors, bestWarnings := math.Inf(1), math.Inf(1)
	for i, in := range c.Inputs {
		at := schema.NodeAt(in.Step, in.Index)
		errs := metricValue(c.Schema, "errors", at)
		warns := metricValue(c.Schema, "warnings", at)
		if errs < bestErrors || (errs == bestErrors && warns < bestWarnings) {
			best, bestErrors, bestWarnings = i, errs, warns
		}
	}
	if err := recordInputs(c, c.Inputs[best:best+1]); err != nil {
		return nil, err
	}
	return map[string]float64{"errors": bestErrors, "warnings": bestWarnings}, nil
}

// metricValue reads metric/<name> at a node. A missing value counts as
// zero.
func metricValue(s *schema.Schema, name string, at schema.At) float64 {
	v, err := s.Get(schema.Key("metric", name), at)
	if err != nil {
		return 0
	}
	switch x := v.(type) {
	case int:
		return float64(x)
	case float64:
		return x
	}
	return 0
}

func recordInputs(c *Context, inputs []flow.NodeID) error {
	tuples := make([]any, 0, len(inputs))
	for _, in := range inputs {
		tuples = append(tuples, schema.Tuple{in.Step, in.Index})
	}
	return c.Schema.Set(schema.Key("record", "inputnode"), tuples, c.At())
}
