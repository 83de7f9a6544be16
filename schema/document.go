package schema

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format selects the encoding of a manifest document.
type Format int

const (
	FormatJSON Format = iota
	FormatYAML
)

// FormatForPath picks the format from a file name: .yaml and .yml (with an
// optional .gz suffix) are YAML, everything else is JSON.
func FormatForPath(path string) Format {
	name := strings.TrimSuffix(strings.ToLower(path), ".gz")
	switch filepath.Ext(name) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatJSON
}

// MarshalJSON encodes the manifest as a nested document of leaf records.
func (s *Schema) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Document())
}

// UnmarshalJSON replaces the manifest with a decoded document.
func (s *Schema) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("decode manifest: %w", err)
	}
	return s.LoadDocument(doc)
}

// Document returns the manifest as plain maps, lists and scalars.
func (s *Schema) Document() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return branchDocument(s.root)
}

func branchDocument(b branch) map[string]any {
	out := make(map[string]any, len(b))
	for k, v := range b {
		switch x := v.(type) {
		case branch:
			out[k] = branchDocument(x)
		case *Param:
			out[k] = paramDocument(x)
		}
	}
	return out
}

func paramDocument(p *Param) map[string]any {
	nodes := make(map[string]any, len(p.values))
	for step, byIndex := range p.values {
		m := make(map[string]any, len(byIndex))
		for index, nv := range byIndex {
			m[index] = map[string]any{
				"value":     plainValue(nv.Value),
				"signature": nv.Signature,
			}
		}
		nodes[step] = m
	}
	return map[string]any{
		"type":      p.Type.String(),
		"scope":     string(p.Scope),
		"pernode":   string(p.PerNode),
		"lock":      p.Lock,
		"require":   nonNil(p.Require),
		"switch":    nonNil(p.Switch),
		"example":   nonNil(p.Example),
		"shorthelp": p.ShortHelp,
		"help":      p.Help,
		"notes":     p.Notes,
		"defvalue":  plainValue(p.defvalue),
		"node":      nodes,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// plainValue converts tuples to plain lists so every encoder treats them
// the same way.
func plainValue(v any) any {
	switch x := v.(type) {
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = plainValue(item)
		}
		return out
	case Tuple:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = plainValue(item)
		}
		return out
	}
	return v
}

// LoadDocument replaces the manifest with the tree described by doc.
func (s *Schema) LoadDocument(doc map[string]any) error {
	root, err := documentBranch(doc, nil)
	if err != nil {
		return err
	}
	if _, ok := root[HistoryKey]; !ok {
		root[HistoryKey] = branch{}
	}
	s.mu.Lock()
	s.root = root
	s.mu.Unlock()
	return nil
}

func documentBranch(doc map[string]any, prefix Keypath) (branch, error) {
	out := make(branch, len(doc))
	for k, v := range doc {
		kp := prefix.Join(k)
		m, ok := asMap(v)
		if !ok {
			return nil, valueError(kp, ErrType, fmt.Sprintf("expected a mapping, got %T", v))
		}
		if isLeafRecord(m) {
			p, err := documentParam(m)
			if err != nil {
				return nil, valueError(kp, err, "")
			}
			out[k] = p
			continue
		}
		child, err := documentBranch(m, kp)
		if err != nil {
			return nil, err
		}
		out[k] = child
	}
	return out, nil
}

func isLeafRecord(m map[string]any) bool {
	_, hasType := m["type"].(string)
	_, hasNode := m["node"]
	return hasType && hasNode
}

func documentParam(m map[string]any) (*Param, error) {
	d := Definition{
		Type:      str(m["type"]),
		Scope:     Scope(str(m["scope"])),
		PerNode:   PerNode(str(m["pernode"])),
		Require:   strs(m["require"]),
		Switch:    strs(m["switch"]),
		Example:   strs(m["example"]),
		ShortHelp: str(m["shorthelp"]),
		Help:      str(m["help"]),
		Notes:     str(m["notes"]),
		Default:   m["defvalue"],
	}
	if lock, ok := m["lock"].(bool); ok {
		d.Lock = lock
	}
	p, err := NewParam(d)
	if err != nil {
		return nil, err
	}
	p.values = make(map[string]map[string]*NodeValue)

	nodes, _ := asMap(m["node"])
	for step, rawIndex := range nodes {
		byIndex, ok := asMap(rawIndex)
		if !ok {
			return nil, fmt.Errorf("%w: node %q is not a mapping", ErrType, step)
		}
		for index, rawEntry := range byIndex {
			entry, ok := asMap(rawEntry)
			if !ok {
				return nil, fmt.Errorf("%w: node %q/%q is not a mapping", ErrType, step, index)
			}
			v, err := p.Type.Normalize(entry["value"])
			if err != nil {
				return nil, fmt.Errorf("node %s/%s: %w", step, index, err)
			}
			p.store(step, index, &NodeValue{Value: v, Signature: str(entry["signature"])})
		}
	}
	if _, ok := p.lookup(Wildcard, Wildcard); !ok {
		p.store(Wildcard, Wildcard, &NodeValue{Value: cloneValue(p.defvalue)})
	}
	return p, nil
}

func asMap(v any) (map[string]any, bool) {
	switch x := v.(type) {
	case map[string]any:
		return x, true
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[fmt.Sprint(k)] = item
		}
		return out, true
	}
	return nil, false
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func strs(v any) []string {
	items, ok := asSlice(v)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Encode writes the manifest document to w.
func (s *Schema) Encode(w io.Writer, format Format) error {
	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(s.Document()); err != nil {
			return fmt.Errorf("encode manifest: %w", err)
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(s.Document()); err != nil {
			return fmt.Errorf("encode manifest: %w", err)
		}
		return nil
	}
}

// Decode replaces the manifest with the document read from r.
func (s *Schema) Decode(r io.Reader, format Format) error {
	var doc map[string]any
	switch format {
	case FormatYAML:
		if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
			return fmt.Errorf("decode manifest: %w", err)
		}
	default:
		dec := json.NewDecoder(r)
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return fmt.Errorf("decode manifest: %w", err)
		}
	}
	return s.LoadDocument(doc)
}

// WriteManifest writes the manifest to path. The format follows the file
// extension and a .gz suffix compresses the output.
func (s *Schema) WriteManifest(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create manifest directory: %w", err)
		}
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create manifest: %w", err)
	}

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}
	err = s.Encode(w, FormatForPath(path))
	if gz != nil {
		if cerr := gz.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// ReadManifest loads a manifest written by WriteManifest.
func ReadManifest(path string) (*Schema, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open manifest: %w", err)
		}
		defer gz.Close()
		r = gz
	}
	s := NewEmpty()
	if err := s.Decode(r, FormatForPath(path)); err != nil {
		return nil, err
	}
	return s, nil
}
