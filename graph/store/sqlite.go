package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a Store backed by a single SQLite file, for runs on one
// machine. It uses WAL mode and a single connection.
//
// Example:
//
//	st, err := store.NewSQLiteStore("build/sc.db")
//	if err != nil {
//		return err
//	}
//	defer st.Close()
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens or creates the database at path. ":memory:" gives a
// private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	manifests := `
		CREATE TABLE IF NOT EXISTS manifests (
			job TEXT NOT NULL PRIMARY KEY,
			document BLOB NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`
	if _, err := s.db.ExecContext(ctx, manifests); err != nil {
		return fmt.Errorf("failed to create manifests table: %w", err)
	}

	nodes := `
		CREATE TABLE IF NOT EXISTS node_records (
			job TEXT NOT NULL,
			step TEXT NOT NULL,
			node_index TEXT NOT NULL,
			run_id TEXT NOT NULL,
			status TEXT NOT NULL,
			start_ns INTEGER NOT NULL,
			duration_ns INTEGER NOT NULL,
			exit_code INTEGER NOT NULL,
			remote_id TEXT NOT NULL,
			message TEXT NOT NULL,
			metrics TEXT NOT NULL,
			updated_ns INTEGER NOT NULL,
			PRIMARY KEY (job, step, node_index)
		)
	`
	if _, err := s.db.ExecContext(ctx, nodes); err != nil {
		return fmt.Errorf("failed to create node_records table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_node_records_run ON node_records(run_id)"); err != nil {
		return fmt.Errorf("failed to create idx_node_records_run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// SaveManifest implements Store.
func (s *SQLiteStore) SaveManifest(ctx context.Context, job string, doc []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	query := `
		INSERT INTO manifests (job, document, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(job) DO UPDATE SET
			document = excluded.document,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, job, doc, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save manifest: %w", err)
	}
	return nil
}

// LoadManifest implements Store.
func (s *SQLiteStore) LoadManifest(ctx context.Context, job string) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var doc []byte
	err := s.db.QueryRowContext(ctx, "SELECT document FROM manifests WHERE job = ?", job).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}
	return doc, nil
}

// SaveNodeRecord implements Store.
func (s *SQLiteStore) SaveNodeRecord(ctx context.Context, rec NodeRecord) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	args, err := nodeRecordArgs(rec)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO node_records (job, step, node_index, run_id, status, start_ns,
			duration_ns, exit_code, remote_id, message, metrics, updated_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job, step, node_index) DO UPDATE SET
			run_id = excluded.run_id,
			status = excluded.status,
			start_ns = excluded.start_ns,
			duration_ns = excluded.duration_ns,
			exit_code = excluded.exit_code,
			remote_id = excluded.remote_id,
			message = excluded.message,
			metrics = excluded.metrics,
			updated_ns = excluded.updated_ns
	`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save node record: %w", err)
	}
	return nil
}

// LoadNodeRecords implements Store.
func (s *SQLiteStore) LoadNodeRecords(ctx context.Context, job string) ([]NodeRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, selectNodeRecords, job)
	if err != nil {
		return nil, fmt.Errorf("failed to query node records: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanNodeRecords(rows)
}

// ListJobs implements Store.
func (s *SQLiteStore) ListJobs(ctx context.Context) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, selectJobs)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanJobs(rows)
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database path.
func (s *SQLiteStore) Path() string {
	return s.path
}
