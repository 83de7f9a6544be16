package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store for tests and one-shot runs.
type MemStore struct {
	mu        sync.RWMutex
	closed    bool
	manifests map[string][]byte                // job -> document
	nodes     map[string]map[string]NodeRecord // job -> "step/index" -> record
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		manifests: make(map[string][]byte),
		nodes:     make(map[string]map[string]NodeRecord),
	}
}

// SaveManifest implements Store.
func (m *MemStore) SaveManifest(_ context.Context, job string, doc []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.manifests[job] = append([]byte(nil), doc...)
	return nil
}

// LoadManifest implements Store.
func (m *MemStore) LoadManifest(_ context.Context, job string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	doc, ok := m.manifests[job]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), doc...), nil
}

// SaveNodeRecord implements Store.
func (m *MemStore) SaveNodeRecord(_ context.Context, rec NodeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	byNode, ok := m.nodes[rec.Job]
	if !ok {
		byNode = make(map[string]NodeRecord)
		m.nodes[rec.Job] = byNode
	}
	rec.Metrics = copyMetrics(rec.Metrics)
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	byNode[rec.Step+"/"+rec.Index] = rec
	return nil
}

// LoadNodeRecords implements Store.
func (m *MemStore) LoadNodeRecords(_ context.Context, job string) ([]NodeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]NodeRecord, 0, len(m.nodes[job]))
	for _, rec := range m.nodes[job] {
		rec.Metrics = copyMetrics(rec.Metrics)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
	return out, nil
}

// ListJobs implements Store.
func (m *MemStore) ListJobs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	seen := map[string]bool{}
	for job := range m.manifests {
		seen[job] = true
	}
	for job := range m.nodes {
		seen[job] = true
	}
	out := make([]string, 0, len(seen))
	for job := range seen {
		out = append(out, job)
	}
	sort.Strings(out)
	return out, nil
}

// Close implements Store.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func copyMetrics(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
