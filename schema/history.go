package schema

import (
	"sort"
	"time"
)

// RecordHistory archives a copy of the current manifest under
// history/<job>. An empty job uses option/jobname. Archiving the same job
// again replaces the previous copy.
func (s *Schema) RecordHistory(job string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job == "" {
		job = "job0"
		if p, err := s.param(Key("option", "jobname")); err == nil {
			if name, ok := p.get(Global).(string); ok && name != "" {
				job = name
			}
		}
	}

	snapshot := make(branch, len(s.root))
	for k, v := range s.root {
		if k == HistoryKey {
			continue
		}
		snapshot[k] = cloneNode(v)
	}
	if rec, ok := snapshot["record"].(branch); ok {
		if p, ok := rec["archivetime"].(*Param); ok {
			p.store(Wildcard, Wildcard, &NodeValue{Value: time.Now().UTC().Format(time.RFC3339Nano)})
		}
	}

	hist, ok := s.root[HistoryKey].(branch)
	if !ok {
		hist = branch{}
		s.root[HistoryKey] = hist
	}
	hist[job] = snapshot
	return nil
}

// History returns an independent manifest holding the archived copy of job.
func (s *Schema) History(job string) (*Schema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hist, _ := s.root[HistoryKey].(branch)
	snap, ok := hist[job].(branch)
	if !ok {
		return nil, valueError(Key(HistoryKey, job), ErrUndefinedKey, "no archived job")
	}
	root := cloneNode(snap).(branch)
	root[HistoryKey] = branch{}
	return &Schema{root: root}, nil
}

// Jobs lists archived job names, sorted.
func (s *Schema) Jobs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hist, _ := s.root[HistoryKey].(branch)
	out := make([]string, 0, len(hist))
	for k := range hist {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
