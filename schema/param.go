package schema

import (
	"fmt"
	"sort"
)

// Scope says whether a value is fixed for the whole run or may vary per job.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeJob    Scope = "job"
)

// PerNode governs whether a value may (or must) be qualified by a
// (step, index) pair.
type PerNode string

const (
	PerNodeNever    PerNode = "never"
	PerNodeOptional PerNode = "optional"
	PerNodeRequired PerNode = "required"
)

// Wildcard is the key used for template levels in keypaths and for the
// unqualified (step, index) pair of a parameter value.
const Wildcard = "default"

// At qualifies a read or write with a pipeline node. The zero value is the
// unqualified (global) location.
type At struct {
	Step  string
	Index string
}

// Global is the unqualified location.
var Global = At{}

// NodeAt returns the location of a (step, index) node.
func NodeAt(step, index string) At {
	return At{Step: step, Index: index}
}

func (a At) qualified() bool {
	return a.Step != "" || a.Index != ""
}

func (a At) keys() (string, string) {
	step, index := a.Step, a.Index
	if step == "" {
		step = Wildcard
	}
	if index == "" {
		index = Wildcard
	}
	return step, index
}

// NodeValue is a stored value with its provenance signature.
type NodeValue struct {
	Value     any
	Signature string
}

// Definition declares a parameter.
type Definition struct {
	Type      string
	Scope     Scope
	PerNode   PerNode
	Require   []string
	Lock      bool
	Default   any
	Switch    []string
	Example   []string
	ShortHelp string
	Help      string
	Notes     string
}

// Param is a typed schema leaf.
//
// Metadata fields are exported for reading. Values are only reachable
// through the owning Schema, which guards them with its lock; a *Param
// handed out by Schema.Param is an independent copy.
type Param struct {
	Type      Type
	Scope     Scope
	PerNode   PerNode
	Require   []string
	Lock      bool
	Switch    []string
	Example   []string
	ShortHelp string
	Help      string
	Notes     string

	defvalue any
	values   map[string]map[string]*NodeValue
}

// NewParam builds a parameter from its definition.
func NewParam(d Definition) (*Param, error) {
	t, err := ParseType(d.Type)
	if err != nil {
		return nil, err
	}
	scope := d.Scope
	if scope == "" {
		scope = ScopeJob
	}
	if scope != ScopeGlobal && scope != ScopeJob {
		return nil, fmt.Errorf("%w: unknown scope %q", ErrType, scope)
	}
	pernode := d.PerNode
	if pernode == "" {
		pernode = PerNodeNever
	}
	if pernode != PerNodeNever && pernode != PerNodeOptional && pernode != PerNodeRequired {
		return nil, fmt.Errorf("%w: unknown pernode policy %q", ErrType, pernode)
	}
	def, err := t.Normalize(d.Default)
	if err != nil {
		return nil, fmt.Errorf("default value: %w", err)
	}

	p := &Param{
		Type:      t,
		Scope:     scope,
		PerNode:   pernode,
		Require:   append([]string(nil), d.Require...),
		Lock:      d.Lock,
		Switch:    append([]string(nil), d.Switch...),
		Example:   append([]string(nil), d.Example...),
		ShortHelp: d.ShortHelp,
		Help:      d.Help,
		Notes:     d.Notes,
		defvalue:  def,
		values:    make(map[string]map[string]*NodeValue),
	}
	p.store(Wildcard, Wildcard, &NodeValue{Value: cloneValue(def)})
	return p, nil
}

// Default returns a copy of the declared default value.
func (p *Param) Default() any {
	return cloneValue(p.defvalue)
}

// Value returns a copy of the value resolved at the location.
func (p *Param) Value(at At) any {
	return p.get(at)
}

// Nodes lists every (step, index) pair holding an explicit value, the
// unqualified pair included, in sorted order.
func (p *Param) Nodes() []At {
	var out []At
	for step, byIndex := range p.values {
		for index := range byIndex {
			a := At{Step: step, Index: index}
			if step == Wildcard {
				a.Step = ""
			}
			if index == Wildcard {
				a.Index = ""
			}
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Step != out[j].Step {
			return out[i].Step < out[j].Step
		}
		return out[i].Index < out[j].Index
	})
	return out
}

func (p *Param) lookup(step, index string) (*NodeValue, bool) {
	byIndex, ok := p.values[step]
	if !ok {
		return nil, false
	}
	nv, ok := byIndex[index]
	return nv, ok
}

func (p *Param) store(step, index string, nv *NodeValue) {
	byIndex, ok := p.values[step]
	if !ok {
		byIndex = make(map[string]*NodeValue)
		p.values[step] = byIndex
	}
	byIndex[index] = nv
}

// get resolves (step,index), then (step,default), then the unqualified
// value. Parameters with PerNodeRequired never see an unqualified runtime
// value, only their declared default.
func (p *Param) get(at At) any {
	if p.PerNode == PerNodeNever || !at.qualified() {
		if nv, ok := p.lookup(Wildcard, Wildcard); ok {
			return cloneValue(nv.Value)
		}
		return cloneValue(p.defvalue)
	}

	step, index := at.keys()
	if nv, ok := p.lookup(step, index); ok {
		return cloneValue(nv.Value)
	}
	if nv, ok := p.lookup(step, Wildcard); ok {
		return cloneValue(nv.Value)
	}
	if p.PerNode == PerNodeRequired {
		return cloneValue(p.defvalue)
	}
	if nv, ok := p.lookup(Wildcard, Wildcard); ok {
		return cloneValue(nv.Value)
	}
	return cloneValue(p.defvalue)
}

func (p *Param) checkWrite(at At) (string, error) {
	if p.Lock {
		return "", ErrLocked
	}
	if at.Step == "" && at.Index != "" {
		return "index given without a step", ErrPerNode
	}
	switch p.PerNode {
	case PerNodeNever:
		if at.qualified() {
			return "parameter cannot be set per node", ErrPerNode
		}
	case PerNodeRequired:
		if !at.qualified() {
			return "parameter must be set with a step and index", ErrPerNode
		}
	}
	return "", nil
}

func (p *Param) set(at At, v any) (string, error) {
	if msg, err := p.checkWrite(at); err != nil {
		return msg, err
	}
	nv, err := p.Type.Normalize(v)
	if err != nil {
		return "", err
	}
	step, index := at.keys()
	p.store(step, index, &NodeValue{Value: nv})
	return "", nil
}

func (p *Param) add(at At, v any) (string, error) {
	if !p.Type.IsList() {
		return "", ErrNotList
	}
	if msg, err := p.checkWrite(at); err != nil {
		return msg, err
	}
	nv, err := p.Type.Normalize(v)
	if err != nil {
		return "", err
	}
	step, index := at.keys()
	var current []any
	if existing, ok := p.lookup(step, index); ok {
		current, _ = existing.Value.([]any)
	}
	added := nv.([]any)
	merged := make([]any, 0, len(current)+len(added))
	for _, item := range current {
		merged = append(merged, cloneValue(item))
	}
	merged = append(merged, added...)
	p.store(step, index, &NodeValue{Value: merged})
	return "", nil
}

func (p *Param) unset(at At) (string, error) {
	if p.Lock {
		return "", ErrLocked
	}
	step, index := at.keys()
	if step == Wildcard && index == Wildcard {
		p.store(Wildcard, Wildcard, &NodeValue{Value: cloneValue(p.defvalue)})
		return "", nil
	}
	if byIndex, ok := p.values[step]; ok {
		delete(byIndex, index)
		if len(byIndex) == 0 {
			delete(p.values, step)
		}
	}
	return "", nil
}

func (p *Param) isEmpty(at At) bool {
	return isEmptyValue(p.get(at))
}

func (p *Param) clone() *Param {
	c := *p
	c.Require = append([]string(nil), p.Require...)
	c.Switch = append([]string(nil), p.Switch...)
	c.Example = append([]string(nil), p.Example...)
	c.defvalue = cloneValue(p.defvalue)
	c.values = make(map[string]map[string]*NodeValue, len(p.values))
	for step, byIndex := range p.values {
		m := make(map[string]*NodeValue, len(byIndex))
		for index, nv := range byIndex {
			m[index] = &NodeValue{Value: cloneValue(nv.Value), Signature: nv.Signature}
		}
		c.values[step] = m
	}
	return &c
}
