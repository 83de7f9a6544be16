package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Kind identifies the shape of a parameter type.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
	KindFile
	KindDir
	KindTuple
	KindList
)

var baseKinds = map[string]Kind{
	"str":   KindString,
	"int":   KindInt,
	"float": KindFloat,
	"bool":  KindBool,
	"file":  KindFile,
	"dir":   KindDir,
}

// Type describes the values a parameter accepts. Types are written the same
// way they appear in a manifest document: "str", "[file]", "(str,str)",
// "[(str,str)]", "[[str]]".
type Type struct {
	Kind   Kind
	Elem   *Type  // element type of a list
	Fields []Type // field types of a tuple
}

// Tuple is a fixed-length value of a tuple type.
type Tuple []any

// ParseType parses a type expression.
func ParseType(s string) (Type, error) {
	p := typeParser{src: strings.ReplaceAll(s, " ", "")}
	t, err := p.parse()
	if err != nil {
		return Type{}, err
	}
	if p.pos != len(p.src) {
		return Type{}, fmt.Errorf("%w: trailing input in type %q", ErrType, s)
	}
	return t, nil
}

type typeParser struct {
	src string
	pos int
}

func (p *typeParser) parse() (Type, error) {
	if p.pos >= len(p.src) {
		return Type{}, fmt.Errorf("%w: unexpected end of type %q", ErrType, p.src)
	}
	switch p.src[p.pos] {
	case '[':
		p.pos++
		elem, err := p.parse()
		if err != nil {
			return Type{}, err
		}
		if err := p.expect(']'); err != nil {
			return Type{}, err
		}
		return Type{Kind: KindList, Elem: &elem}, nil
	case '(':
		p.pos++
		var fields []Type
		for {
			f, err := p.parse()
			if err != nil {
				return Type{}, err
			}
			fields = append(fields, f)
			if p.pos < len(p.src) && p.src[p.pos] == ',' {
				p.pos++
				continue
			}
			break
		}
		if err := p.expect(')'); err != nil {
			return Type{}, err
		}
		return Type{Kind: KindTuple, Fields: fields}, nil
	}

	start := p.pos
	for p.pos < len(p.src) && p.src[p.pos] >= 'a' && p.src[p.pos] <= 'z' {
		p.pos++
	}
	name := p.src[start:p.pos]
	kind, ok := baseKinds[name]
	if !ok {
		return Type{}, fmt.Errorf("%w: unknown base type %q", ErrType, name)
	}
	return Type{Kind: kind}, nil
}

func (p *typeParser) expect(c byte) error {
	if p.pos >= len(p.src) || p.src[p.pos] != c {
		return fmt.Errorf("%w: expected %q at offset %d of %q", ErrType, c, p.pos, p.src)
	}
	p.pos++
	return nil
}

// String renders the type expression.
func (t Type) String() string {
	switch t.Kind {
	case KindList:
		return "[" + t.Elem.String() + "]"
	case KindTuple:
		parts := make([]string, len(t.Fields))
		for i, f := range t.Fields {
			parts[i] = f.String()
		}
		return "(" + strings.Join(parts, ",") + ")"
	}
	for name, k := range baseKinds {
		if k == t.Kind {
			return name
		}
	}
	return "unknown"
}

// IsList reports whether the outer type is a list.
func (t Type) IsList() bool {
	return t.Kind == KindList
}

// IsPath reports whether the type holds file or directory paths, at any
// nesting depth.
func (t Type) IsPath() bool {
	switch t.Kind {
	case KindFile, KindDir:
		return true
	case KindList:
		return t.Elem.IsPath()
	}
	return false
}

// Normalize converts v to the canonical representation of the type.
//
// Lists are []any, tuples are Tuple, ints are int, floats are float64 and
// strings, files and directories are string. A scalar set on a list type
// becomes a one element list. A flat sequence that does not fit the element
// type is retried as a single element, so ("import","0"), [["import","0"]]
// and ["import","0"] all normalize to the same [(str,str)] value.
func (t Type) Normalize(v any) (any, error) {
	return t.normalize(v, true)
}

func (t Type) normalize(v any, top bool) (any, error) {
	if v == nil {
		if t.Kind == KindList && top {
			return []any{}, nil
		}
		if top {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: nil is not a valid %s element", ErrType, t)
	}

	switch t.Kind {
	case KindList:
		return t.normalizeList(v, top)
	case KindTuple:
		return t.normalizeTuple(v)
	default:
		return normalizeScalar(t, v)
	}
}

func (t Type) normalizeList(v any, top bool) (any, error) {
	items, isSeq := asSlice(v)
	if !isSeq {
		if !top {
			return nil, fmt.Errorf("%w: %v (%T) is not a %s", ErrType, v, v, t)
		}
		elem, err := t.Elem.normalize(v, false)
		if err != nil {
			return nil, err
		}
		return []any{elem}, nil
	}

	out := make([]any, 0, len(items))
	var elemErr error
	for _, item := range items {
		elem, err := t.Elem.normalize(item, false)
		if err != nil {
			elemErr = err
			break
		}
		out = append(out, elem)
	}
	if elemErr == nil {
		return out, nil
	}

	if top && (t.Elem.Kind == KindTuple || t.Elem.Kind == KindList) {
		if elem, err := t.Elem.normalize(v, false); err == nil {
			return []any{elem}, nil
		}
	}
	return nil, elemErr
}

func (t Type) normalizeTuple(v any) (any, error) {
	items, ok := asSlice(v)
	if !ok || len(items) != len(t.Fields) {
		return nil, fmt.Errorf("%w: %v (%T) is not a %s", ErrType, v, v, t)
	}
	out := make(Tuple, len(items))
	for i, item := range items {
		field, err := t.Fields[i].normalize(item, false)
		if err != nil {
			return nil, err
		}
		out[i] = field
	}
	return out, nil
}

func normalizeScalar(t Type, v any) (any, error) {
	if _, isSeq := asSlice(v); isSeq {
		return nil, fmt.Errorf("%w: %v (%T) is not a %s", ErrType, v, v, t)
	}
	bad := func() error {
		return fmt.Errorf("%w: %v (%T) is not a %s", ErrType, v, v, t)
	}

	switch t.Kind {
	case KindString, KindFile, KindDir:
		switch x := v.(type) {
		case string:
			return x, nil
		case json.Number:
			return x.String(), nil
		case fmt.Stringer:
			return x.String(), nil
		}
		if t.Kind != KindString {
			return nil, bad()
		}
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return strconv.FormatInt(rv.Int(), 10), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return strconv.FormatUint(rv.Uint(), 10), nil
		case reflect.Float32, reflect.Float64:
			return strconv.FormatFloat(rv.Float(), 'g', -1, 64), nil
		case reflect.String:
			return rv.String(), nil
		}
		return nil, bad()

	case KindInt:
		switch x := v.(type) {
		case json.Number:
			if i, err := x.Int64(); err == nil && fitsInt(i) {
				return int(i), nil
			}
			return nil, bad()
		case string:
			i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
			if err != nil || !fitsInt(i) {
				return nil, bad()
			}
			return int(i), nil
		case bool:
			return nil, bad()
		}
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if !fitsInt(rv.Int()) {
				return nil, bad()
			}
			return int(rv.Int()), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			if rv.Uint() > math.MaxInt {
				return nil, bad()
			}
			return int(rv.Uint()), nil
		case reflect.Float32, reflect.Float64:
			f := rv.Float()
			// -float64(math.MinInt) is 2^(bits-1), the first value past MaxInt.
			if f != math.Trunc(f) || f < float64(math.MinInt) || f >= -float64(math.MinInt) {
				return nil, bad()
			}
			return int(f), nil
		}
		return nil, bad()

	case KindFloat:
		switch x := v.(type) {
		case json.Number:
			f, err := x.Float64()
			if err != nil {
				return nil, bad()
			}
			return f, nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return nil, bad()
			}
			return f, nil
		case bool:
			return nil, bad()
		}
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return float64(rv.Int()), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return float64(rv.Uint()), nil
		case reflect.Float32, reflect.Float64:
			return rv.Float(), nil
		}
		return nil, bad()

	case KindBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(x))
			if err != nil {
				return nil, bad()
			}
			return b, nil
		}
		return nil, bad()
	}
	return nil, bad()
}

// asSlice reports whether v is a sequence and returns its elements.
// Strings and byte slices are scalars.
func asSlice(v any) ([]any, bool) {
	switch x := v.(type) {
	case []any:
		return x, true
	case Tuple:
		return []any(x), true
	case string, []byte:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// cloneValue deep copies a normalized value so callers never alias stored
// lists or tuples.
func cloneValue(v any) any {
	switch x := v.(type) {
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = cloneValue(item)
		}
		return out
	case Tuple:
		out := make(Tuple, len(x))
		for i, item := range x {
			out[i] = cloneValue(item)
		}
		return out
	}
	return v
}

func isEmptyValue(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case []any:
		return len(x) == 0
	case string:
		return false
	}
	return false
}

// fitsInt reports whether i is representable as int on this platform.
func fitsInt(i int64) bool {
	return i >= math.MinInt && i <= math.MaxInt
}
