package itemstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/vitrine/dbopen"
)

// Run statuses.
const (
	RunRunning = "running"
	RunOK      = "ok"
	RunFailed  = "failed"
)

// Run is one row of the ingestion run log.
type Run struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	PageBudget int        `json:"page_budget"`
	Status     string     `json:"status"`
	Harvested  int        `json:"harvested"`
	Inserted   int        `json:"inserted"`
	Synced     int        `json:"synced"`
	Items      int        `json:"items"`
	Vectors    int        `json:"vectors"`
	Error      string     `json:"error,omitempty"`
}

// StartRun records a run as running.
func (s *Store) StartRun(ctx context.Context, id string, budget int, at time.Time) error {
	_, err := dbopen.Exec(ctx, s.db, s.q(`INSERT INTO ingest_runs (id, started_at, page_budget, status) VALUES (?, ?, ?, ?)`),
		id, at.UnixMilli(), budget, RunRunning)
	if err != nil {
		return fmt.Errorf("itemstore: start run: %w", err)
	}
	return nil
}

// FinishRun stores the outcome of a run.
func (s *Store) FinishRun(ctx context.Context, r Run) error {
	finished := time.Now()
	if r.FinishedAt != nil {
		finished = *r.FinishedAt
	}
	_, err := dbopen.Exec(ctx, s.db, s.q(`UPDATE ingest_runs
		SET finished_at = ?, status = ?, harvested = ?, inserted = ?, synced = ?, items = ?, vectors = ?, error = ?
		WHERE id = ?`),
		finished.UnixMilli(), r.Status, r.Harvested, r.Inserted, r.Synced, r.Items, r.Vectors, r.Error, r.ID)
	if err != nil {
		return fmt.Errorf("itemstore: finish run: %w", err)
	}
	return nil
}

// RecentRuns returns the latest runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, started_at, finished_at, page_budget, status,
		harvested, inserted, synced, items, vectors, error
		FROM ingest_runs ORDER BY started_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("itemstore: recent runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var started int64
		var finished sql.NullInt64
		if err := rows.Scan(&r.ID, &started, &finished, &r.PageBudget, &r.Status,
			&r.Harvested, &r.Inserted, &r.Synced, &r.Items, &r.Vectors, &r.Error); err != nil {
			return nil, fmt.Errorf("itemstore: scan run: %w", err)
		}
		r.StartedAt = time.UnixMilli(started).UTC()
		if finished.Valid {
			t := time.UnixMilli(finished.Int64).UTC()
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
