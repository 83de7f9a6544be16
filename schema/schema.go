// Package schema implements the manifest store: a typed, per-node aware
// key-value tree that holds configuration, run records, metrics and history
// for a build pipeline.
//
// Leaves are typed parameters addressed by a keypath such as
// ["metric", "errors"] together with an optional (step, index) qualifier.
// A keypath level named "default" is a template. Reads through a key that
// has not been created resolve to the template, and the first write
// instantiates an independent copy of it under the concrete key.
package schema

import (
	"sort"
	"strings"
	"sync"
)

// HistoryKey is the reserved top-level branch holding archived manifests.
const HistoryKey = "history"

// Keypath addresses a branch or leaf of the manifest tree.
type Keypath []string

// Key builds a keypath from its parts.
func Key(parts ...string) Keypath {
	return Keypath(parts)
}

// String renders the keypath as "[a,b,c]".
func (k Keypath) String() string {
	return "[" + strings.Join(k, ",") + "]"
}

// Join appends parts to a copy of the keypath.
func (k Keypath) Join(parts ...string) Keypath {
	out := make(Keypath, 0, len(k)+len(parts))
	out = append(out, k...)
	return append(out, parts...)
}

func (k Keypath) clone() Keypath {
	return append(Keypath(nil), k...)
}

func (k Keypath) less(o Keypath) bool {
	for i := 0; i < len(k) && i < len(o); i++ {
		if k[i] != o[i] {
			return k[i] < o[i]
		}
	}
	return len(k) < len(o)
}

func (k Keypath) hasWildcard() bool {
	for _, part := range k {
		if part == Wildcard {
			return true
		}
	}
	return false
}

// branch is an internal tree level. Its values are either branch or *Param.
type branch map[string]any

func cloneNode(n any) any {
	switch x := n.(type) {
	case *Param:
		return x.clone()
	case branch:
		out := make(branch, len(x))
		for k, v := range x {
			out[k] = cloneNode(v)
		}
		return out
	}
	return n
}

// Schema is the manifest store. It is safe for concurrent use; every
// operation holds the lock for a single keypath access only.
type Schema struct {
	mu   sync.RWMutex
	root branch
}

// NewEmpty returns a manifest store without any definitions.
func NewEmpty() *Schema {
	return &Schema{root: branch{}}
}

// Define declares a parameter at kp. Keypath levels may use Wildcard to
// declare templates.
func (s *Schema) Define(kp Keypath, d Definition) error {
	if len(kp) == 0 {
		return valueError(kp, ErrUndefinedKey, "empty keypath")
	}
	p, err := NewParam(d)
	if err != nil {
		return valueError(kp, err, "")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.root
	for i, part := range kp[:len(kp)-1] {
		switch next := b[part].(type) {
		case nil:
			nb := branch{}
			b[part] = nb
			b = nb
		case branch:
			b = next
		default:
			return valueError(kp, ErrType, "parameter already defined at "+kp[:i+1].String())
		}
	}
	last := kp[len(kp)-1]
	if existing, ok := b[last]; ok {
		if _, isBranch := existing.(branch); isBranch {
			return valueError(kp, ErrType, "keypath is a branch")
		}
	}
	b[last] = p
	return nil
}

// lookup resolves kp for reading, falling back to templates.
func (s *Schema) lookup(kp Keypath) (any, bool) {
	var node any = s.root
	for _, part := range kp {
		b, ok := node.(branch)
		if !ok {
			return nil, false
		}
		next, ok := b[part]
		if !ok {
			next, ok = b[Wildcard]
			if !ok {
				return nil, false
			}
		}
		node = next
	}
	return node, true
}

func (s *Schema) param(kp Keypath) (*Param, error) {
	node, ok := s.lookup(kp)
	if !ok {
		return nil, valueError(kp, ErrUndefinedKey, "")
	}
	p, ok := node.(*Param)
	if !ok {
		return nil, valueError(kp, ErrUndefinedKey, "keypath is not a parameter")
	}
	return p, nil
}

// writable resolves kp for writing, instantiating templates on the way.
// The returned rollback removes anything instantiated when the write that
// follows fails.
func (s *Schema) writable(kp Keypath) (*Param, func(), error) {
	if err := checkWritableKeypath(kp); err != nil {
		return nil, nil, err
	}
	node, rollback, err := s.instantiate(kp)
	if err != nil {
		return nil, nil, err
	}
	p, ok := node.(*Param)
	if !ok {
		rollback()
		return nil, nil, valueError(kp, ErrUndefinedKey, "keypath is not a parameter")
	}
	return p, rollback, nil
}

func checkWritableKeypath(kp Keypath) error {
	if len(kp) == 0 {
		return valueError(kp, ErrUndefinedKey, "empty keypath")
	}
	if kp[0] == HistoryKey {
		return valueError(kp, ErrReadOnly, "history is archival")
	}
	if kp.hasWildcard() {
		return valueError(kp, ErrReadOnly, "templates cannot be written")
	}
	return nil
}

func (s *Schema) instantiate(kp Keypath) (any, func(), error) {
	var created []func()
	rollback := func() {
		for i := len(created) - 1; i >= 0; i-- {
			created[i]()
		}
	}

	var node any = s.root
	for _, part := range kp {
		b, ok := node.(branch)
		if !ok {
			rollback()
			return nil, nil, valueError(kp, ErrUndefinedKey, "")
		}
		next, ok := b[part]
		if !ok {
			tmpl, hasTmpl := b[Wildcard]
			if !hasTmpl {
				rollback()
				return nil, nil, valueError(kp, ErrUndefinedKey, "")
			}
			next = cloneNode(tmpl)
			b[part] = next
			parent, key := b, part
			created = append(created, func() { delete(parent, key) })
		}
		node = next
	}
	return node, rollback, nil
}

// Get returns the value of kp at the location. Lists and tuples are
// returned as copies.
func (s *Schema) Get(kp Keypath, at At) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, err := s.param(kp)
	if err != nil {
		return nil, err
	}
	return p.get(at), nil
}

// Set replaces the value of kp at the location.
func (s *Schema) Set(kp Keypath, v any, at At) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(kp, at, func(p *Param) (string, error) { return p.set(at, v) })
}

// SetNoClobber sets kp at the location only when no value is present there
// yet. It reports whether the value was written.
func (s *Schema) SetNoClobber(kp Keypath, v any, at At) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	written := false
	err := s.write(kp, at, func(p *Param) (string, error) {
		if !p.isEmpty(at) {
			return "", nil
		}
		written = true
		return p.set(at, v)
	})
	return written && err == nil, err
}

// Add appends to the list value of kp at the location.
func (s *Schema) Add(kp Keypath, v any, at At) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(kp, at, func(p *Param) (string, error) { return p.add(at, v) })
}

// Unset removes the value of kp at the location. Unsetting the unqualified
// location restores the declared default.
func (s *Schema) Unset(kp Keypath, at At) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(kp, at, func(p *Param) (string, error) { return p.unset(at) })
}

func (s *Schema) write(kp Keypath, at At, fn func(*Param) (string, error)) error {
	p, rollback, err := s.writable(kp)
	if err != nil {
		return err
	}
	if msg, err := fn(p); err != nil {
		rollback()
		return valueError(kp, err, msg)
	}
	return nil
}

// GetDefault returns the declared default of kp, never a runtime value.
func (s *Schema) GetDefault(kp Keypath) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, err := s.param(kp)
	if err != nil {
		return nil, err
	}
	return p.Default(), nil
}

// IsEmpty reports whether kp holds no value at the location. A nil scalar
// and an empty list are empty.
func (s *Schema) IsEmpty(kp Keypath, at At) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, err := s.param(kp)
	if err != nil {
		return false, err
	}
	return p.isEmpty(at), nil
}

// Valid reports whether kp addresses a parameter, directly or through a
// template.
func (s *Schema) Valid(kp Keypath) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.lookup(kp)
	if !ok {
		return false
	}
	_, isParam := node.(*Param)
	return isParam
}

// Param returns an independent copy of the parameter at kp.
func (s *Schema) Param(kp Keypath) (*Param, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, err := s.param(kp)
	if err != nil {
		return nil, err
	}
	return p.clone(), nil
}

// Field names accepted by GetField and SetField.
const (
	FieldType      = "type"
	FieldScope     = "scope"
	FieldPerNode   = "pernode"
	FieldRequire   = "require"
	FieldLock      = "lock"
	FieldSwitch    = "switch"
	FieldExample   = "example"
	FieldShortHelp = "shorthelp"
	FieldHelp      = "help"
	FieldNotes     = "notes"
	FieldSignature = "signature"
)

// GetField returns a metadata field of kp. FieldSignature is read at the
// location given by at.
func (s *Schema) GetField(kp Keypath, field string, at At) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, err := s.param(kp)
	if err != nil {
		return nil, err
	}
	switch field {
	case FieldType:
		return p.Type.String(), nil
	case FieldScope:
		return string(p.Scope), nil
	case FieldPerNode:
		return string(p.PerNode), nil
	case FieldRequire:
		return append([]string(nil), p.Require...), nil
	case FieldLock:
		return p.Lock, nil
	case FieldSwitch:
		return append([]string(nil), p.Switch...), nil
	case FieldExample:
		return append([]string(nil), p.Example...), nil
	case FieldShortHelp:
		return p.ShortHelp, nil
	case FieldHelp:
		return p.Help, nil
	case FieldNotes:
		return p.Notes, nil
	case FieldSignature:
		step, index := at.keys()
		if nv, ok := p.lookup(step, index); ok {
			return nv.Signature, nil
		}
		return "", nil
	}
	return nil, valueError(kp, ErrUndefinedKey, "unknown field "+field)
}

// SetField changes a mutable metadata field: lock, require, notes, or the
// signature of the value at the location. Documentation fields are fixed
// at definition time.
func (s *Schema) SetField(kp Keypath, field string, v any, at At) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(kp, at, func(p *Param) (string, error) {
		switch field {
		case FieldLock:
			b, ok := v.(bool)
			if !ok {
				return "lock must be a bool", ErrType
			}
			p.Lock = b
		case FieldRequire:
			tags, err := Type{Kind: KindList, Elem: &Type{Kind: KindString}}.Normalize(v)
			if err != nil {
				return "", err
			}
			p.Require = p.Require[:0]
			for _, t := range tags.([]any) {
				p.Require = append(p.Require, t.(string))
			}
		case FieldNotes:
			str, ok := v.(string)
			if !ok {
				return "notes must be a string", ErrType
			}
			p.Notes = str
		case FieldSignature:
			str, ok := v.(string)
			if !ok {
				return "signature must be a string", ErrType
			}
			step, index := at.keys()
			nv, ok := p.lookup(step, index)
			if !ok {
				return "no value at this location", ErrUndefinedKey
			}
			nv.Signature = str
		default:
			return "field " + field + " cannot be changed", ErrReadOnly
		}
		return "", nil
	})
}

// Lock prevents further writes to kp.
func (s *Schema) Lock(kp Keypath) error {
	return s.SetField(kp, FieldLock, true, Global)
}

// CopyKey duplicates the branch or leaf at src onto dst, documentation
// included. The copies are independent afterwards. dst must be defined or
// creatable from a template.
func (s *Schema) CopyKey(src, dst Keypath) error {
	if err := checkWritableKeypath(dst); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.lookup(src)
	if !ok || len(src) == 0 {
		return valueError(src, ErrUndefinedKey, "")
	}
	copied := cloneNode(node)

	parentNode, rollback, err := s.instantiate(dst[:len(dst)-1])
	if err != nil {
		return err
	}
	parent, ok := parentNode.(branch)
	if !ok {
		rollback()
		return valueError(dst, ErrUndefinedKey, "")
	}
	last := dst[len(dst)-1]
	existing, exists := parent[last]
	if !exists {
		if _, hasTmpl := parent[Wildcard]; !hasTmpl {
			rollback()
			return valueError(dst, ErrUndefinedKey, "")
		}
	}
	if dp, isParam := existing.(*Param); isParam && dp.Lock {
		rollback()
		return valueError(dst, ErrLocked, "")
	}
	target := existing
	if !exists {
		target = parent[Wildcard]
	}
	if !sameShape(node, target) {
		rollback()
		return valueError(dst, ErrType, "shape mismatch")
	}
	parent[last] = copied
	return nil
}

// sameShape reports whether src fits in place of dst: leaves replace
// leaves, and every key of a source branch is defined under dst, directly
// or through its template.
func sameShape(src, dst any) bool {
	switch d := dst.(type) {
	case *Param:
		_, ok := src.(*Param)
		return ok
	case branch:
		sb, ok := src.(branch)
		if !ok {
			return false
		}
		for k, child := range sb {
			next, defined := d[k]
			if !defined {
				if next, defined = d[Wildcard]; !defined {
					return false
				}
			}
			if !sameShape(child, next) {
				return false
			}
		}
		return true
	}
	return false
}

// AllKeys lists every leaf keypath below prefix, relative to it, in sorted
// order. A prefix that addresses a leaf yields an empty list; an undefined
// prefix yields nil.
func (s *Schema) AllKeys(prefix ...string) []Keypath {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.lookup(Keypath(prefix))
	if !ok {
		return nil
	}
	out := []Keypath{}
	if b, isBranch := node.(branch); isBranch {
		walkLeaves(b, nil, func(kp Keypath, _ *Param) {
			out = append(out, kp.clone())
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
	return out
}

// Keys lists the immediate children of the branch at prefix, sorted.
func (s *Schema) Keys(prefix ...string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.lookup(Keypath(prefix))
	if !ok {
		return nil
	}
	b, isBranch := node.(branch)
	if !isBranch {
		return nil
	}
	out := make([]string, 0, len(b))
	for k := range b {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func walkLeaves(b branch, prefix Keypath, fn func(Keypath, *Param)) {
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		kp := prefix.Join(k)
		switch x := b[k].(type) {
		case *Param:
			fn(kp, x)
		case branch:
			walkLeaves(x, kp, fn)
		}
	}
}

// Copy returns a deep copy of the manifest.
func (s *Schema) Copy() *Schema {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Schema{root: cloneNode(s.root).(branch)}
}

// CheckRequired verifies that every parameter whose require tags intersect
// tags (or carry "all") holds a value. Templates and history are not
// checked.
func (s *Schema) CheckRequired(tags ...string) error {
	want := map[string]bool{"all": true}
	for _, t := range tags {
		want[t] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var missing []string
	var first Keypath
	walkLeaves(s.root, nil, func(kp Keypath, p *Param) {
		if kp[0] == HistoryKey || kp.hasWildcard() {
			return
		}
		required := false
		for _, r := range p.Require {
			if want[r] {
				required = true
				break
			}
		}
		if !required || hasAnyValue(p) {
			return
		}
		if first == nil {
			first = kp
		}
		missing = append(missing, kp.String())
	})
	if len(missing) == 0 {
		return nil
	}
	return valueError(first, ErrMissingRequired, strings.Join(missing, " "))
}

func hasAnyValue(p *Param) bool {
	for _, byIndex := range p.values {
		for _, nv := range byIndex {
			if !isEmptyValue(nv.Value) {
				return true
			}
		}
	}
	return false
}
