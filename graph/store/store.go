// Package store persists manifests and per-node run records.
//
// A Store keeps, per job, the latest manifest document and one record per
// pipeline node. The engine writes a node record on every status change so
// external tools (the observer, the status command) can follow a run, and
// saves the manifest at the end of the run for resume.
//
// Implementations: MemStore for tests, SQLiteStore for single machine
// runs and MySQLStore for shared build farms.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a job has no stored manifest.
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("store is closed")
)

// Store persists run state. Implementations must be safe for concurrent
// use.
type Store interface {
	// SaveManifest replaces the manifest document of a job.
	SaveManifest(ctx context.Context, job string, doc []byte) error

	// LoadManifest returns the manifest document of a job, or ErrNotFound.
	LoadManifest(ctx context.Context, job string) ([]byte, error)

	// SaveNodeRecord inserts or replaces the record of (job, step, index).
	SaveNodeRecord(ctx context.Context, rec NodeRecord) error

	// LoadNodeRecords returns the records of a job ordered by step and
	// index. A job without records yields an empty slice.
	LoadNodeRecords(ctx context.Context, job string) ([]NodeRecord, error)

	// ListJobs returns the jobs with a manifest or node records, sorted.
	ListJobs(ctx context.Context) ([]string, error)

	// Close releases resources. Calling Close twice is a no-op.
	Close() error
}

// NodeRecord is the persisted state of one node of a job.
type NodeRecord struct {
	Job      string
	RunID    string
	Step     string
	Index    string
	Status   string
	Start    time.Time
	Duration time.Duration
	ExitCode int
	RemoteID string
	Message  string
	Metrics  map[string]float64

	UpdatedAt time.Time
}

func (r NodeRecord) less(o NodeRecord) bool {
	if r.Step != o.Step {
		return r.Step < o.Step
	}
	return r.Index < o.Index
}
