package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"researchd/internal/migrate"
)

type Run struct {
	ID               int64     `json:"id"`
	Kind             string    `json:"kind"`
	MigratedChats    int       `json:"migratedChats"`
	SkippedChats     int       `json:"skippedChats"`
	InvalidChats     int       `json:"invalidChats"`
	OrphanedMessages int       `json:"orphanedMessages"`
	Errors           []string  `json:"errors"`
	StartedAt        time.Time `json:"startedAt"`
	FinishedAt       time.Time `json:"finishedAt"`
}

// RecordReport persists the outcome of a maintenance pass.
func (s *Store) RecordReport(ctx context.Context, r *migrate.Report) (int64, error) {
	errs := r.Errors
	if errs == nil {
		errs = []string{}
	}
	errsJSON, err := json.Marshal(errs)
	if err != nil {
		return 0, fmt.Errorf("marshal run errors: %w", err)
	}

	q := s.sql.Insert("maintenance_runs").
		Columns("kind", "migrated_chats", "skipped_chats", "invalid_chats", "orphaned_messages", "errors_json", "started_at", "finished_at").
		Values(r.Kind, r.MigratedChats, r.SkippedChats, r.InvalidChats, r.OrphanedMessages, string(errsJSON), r.StartedAt, r.FinishedAt)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build run insert query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("insert maintenance run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		// Postgres does not report LastInsertId through database/sql;
		// the row is in regardless.
		return 0, nil
	}
	return id, nil
}

// ListRuns returns the most recent maintenance runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.sql.Select("id", "kind", "migrated_chats", "skipped_chats", "invalid_chats", "orphaned_messages", "errors_json", "started_at", "finished_at").
		From("maintenance_runs").
		OrderBy("started_at DESC", "id DESC").
		Limit(uint64(limit))

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list runs query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list maintenance runs: %w", err)
	}
	defer rows.Close()

	out := make([]Run, 0)
	for rows.Next() {
		var (
			r        Run
			errsJSON string
		)
		if err := rows.Scan(&r.ID, &r.Kind, &r.MigratedChats, &r.SkippedChats, &r.InvalidChats, &r.OrphanedMessages, &errsJSON, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan maintenance run row: %w", err)
		}
		if err := json.Unmarshal([]byte(errsJSON), &r.Errors); err != nil {
			r.Errors = []string{}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate maintenance run rows: %w", err)
	}
	return out, nil
}
