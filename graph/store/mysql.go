package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a Store backed by MySQL, for build farms where several
// machines follow the same jobs.
//
// DSN example: "user:password@tcp(localhost:3306)/sc?parseTime=true".
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore connects to dsn and creates the tables when missing.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	m := &MySQLStore{db: db}
	if err := m.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return m, nil
}

func (m *MySQLStore) createTables(ctx context.Context) error {
	manifests := `
		CREATE TABLE IF NOT EXISTS manifests (
			job VARCHAR(255) NOT NULL PRIMARY KEY,
			document LONGBLOB NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, manifests); err != nil {
		return fmt.Errorf("failed to create manifests table: %w", err)
	}

	nodes := `
		CREATE TABLE IF NOT EXISTS node_records (
			job VARCHAR(255) NOT NULL,
			step VARCHAR(255) NOT NULL,
			node_index VARCHAR(64) NOT NULL,
			run_id VARCHAR(64) NOT NULL,
			status VARCHAR(16) NOT NULL,
			start_ns BIGINT NOT NULL,
			duration_ns BIGINT NOT NULL,
			exit_code INT NOT NULL,
			remote_id VARCHAR(255) NOT NULL,
			message TEXT NOT NULL,
			metrics JSON NOT NULL,
			updated_ns BIGINT NOT NULL,
			PRIMARY KEY (job, step, node_index),
			INDEX idx_node_records_run (run_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, nodes); err != nil {
		return fmt.Errorf("failed to create node_records table: %w", err)
	}
	return nil
}

func (m *MySQLStore) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// SaveManifest implements Store.
func (m *MySQLStore) SaveManifest(ctx context.Context, job string, doc []byte) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	query := `
		INSERT INTO manifests (job, document)
		VALUES (?, ?)
		ON DUPLICATE KEY UPDATE document = VALUES(document)
	`
	if _, err := m.db.ExecContext(ctx, query, job, doc); err != nil {
		return fmt.Errorf("failed to save manifest: %w", err)
	}
	return nil
}

// LoadManifest implements Store.
func (m *MySQLStore) LoadManifest(ctx context.Context, job string) ([]byte, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	var doc []byte
	err := m.db.QueryRowContext(ctx, "SELECT document FROM manifests WHERE job = ?", job).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}
	return doc, nil
}

// SaveNodeRecord implements Store.
func (m *MySQLStore) SaveNodeRecord(ctx context.Context, rec NodeRecord) error {
	if err := m.checkOpen(); err != nil {
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
		ON DUPLICATE KEY UPDATE
			run_id = VALUES(run_id),
			status = VALUES(status),
			start_ns = VALUES(start_ns),
			duration_ns = VALUES(duration_ns),
			exit_code = VALUES(exit_code),
			remote_id = VALUES(remote_id),
			message = VALUES(message),
			metrics = VALUES(metrics),
			updated_ns = VALUES(updated_ns)
	`
	if _, err := m.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save node record: %w", err)
	}
	return nil
}

// LoadNodeRecords implements Store.
func (m *MySQLStore) LoadNodeRecords(ctx context.Context, job string) ([]NodeRecord, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx, selectNodeRecords, job)
	if err != nil {
		return nil, fmt.Errorf("failed to query node records: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanNodeRecords(rows)
}

// ListJobs implements Store.
func (m *MySQLStore) ListJobs(ctx context.Context) ([]string, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx, selectJobs)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanJobs(rows)
}

// Close implements Store.
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

// Ping checks the database connection.
func (m *MySQLStore) Ping(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.db.PingContext(ctx)
}
