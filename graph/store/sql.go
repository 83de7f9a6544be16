package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Node records are stored with times as unix nanoseconds so both SQL
// backends share one row layout.

func nodeRecordArgs(rec NodeRecord) ([]any, error) {
	metrics := []byte("{}")
	if len(rec.Metrics) > 0 {
		var err error
		metrics, err = json.Marshal(rec.Metrics)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metrics: %w", err)
		}
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	var start int64
	if !rec.Start.IsZero() {
		start = rec.Start.UnixNano()
	}
	return []any{
		rec.Job, rec.Step, rec.Index, rec.RunID, rec.Status,
		start, int64(rec.Duration), rec.ExitCode, rec.RemoteID, rec.Message,
		string(metrics), updated.UnixNano(),
	}, nil
}

const selectNodeRecords = `
	SELECT job, step, node_index, run_id, status, start_ns, duration_ns,
		exit_code, remote_id, message, metrics, updated_ns
	FROM node_records
	WHERE job = ?
	ORDER BY step, node_index
`

func scanNodeRecords(rows *sql.Rows) ([]NodeRecord, error) {
	out := []NodeRecord{}
	for rows.Next() {
		var (
			rec                       NodeRecord
			startNS, durNS, updatedNS int64
			metrics                   string
		)
		if err := rows.Scan(&rec.Job, &rec.Step, &rec.Index, &rec.RunID, &rec.Status,
			&startNS, &durNS, &rec.ExitCode, &rec.RemoteID, &rec.Message,
			&metrics, &updatedNS); err != nil {
			return nil, fmt.Errorf("failed to scan node record: %w", err)
		}
		if startNS != 0 {
			rec.Start = time.Unix(0, startNS)
		}
		rec.Duration = time.Duration(durNS)
		rec.UpdatedAt = time.Unix(0, updatedNS)
		if metrics != "" && metrics != "{}" {
			if err := json.Unmarshal([]byte(metrics), &rec.Metrics); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate node records: %w", err)
	}
	return out, nil
}

const selectJobs = `
	SELECT job FROM manifests
	UNION
	SELECT job FROM node_records
	ORDER BY job
`

func scanJobs(rows *sql.Rows) ([]string, error) {
	out := []string{}
	for rows.Next() {
		var job string
		if err := rows.Scan(&job); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}
