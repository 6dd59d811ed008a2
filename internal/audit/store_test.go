package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"researchd/internal/migrate"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "audit.db")
	s, err := Open(context.Background(), "sqlite", dsn, true, "")
	if err != nil {
		t.Fatalf("open audit store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndListRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	started := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	_, err := s.RecordReport(ctx, &migrate.Report{
		Kind:          "migration",
		MigratedChats: 12,
		SkippedChats:  3,
		StartedAt:     started,
		FinishedAt:    started.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("record migration run: %v", err)
	}
	_, err = s.RecordReport(ctx, &migrate.Report{
		Kind:             "cleanup",
		OrphanedMessages: 4,
		Errors:           []string{"chat:bad: boom"},
		StartedAt:        started.Add(time.Minute),
		FinishedAt:       started.Add(2 * time.Minute),
	})
	if err != nil {
		t.Fatalf("record cleanup run: %v", err)
	}

	runs, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected two runs, got %d", len(runs))
	}
	if runs[0].Kind != "cleanup" {
		t.Fatalf("expected newest run first, got %q", runs[0].Kind)
	}
	if runs[0].OrphanedMessages != 4 || len(runs[0].Errors) != 1 {
		t.Fatalf("cleanup run fields lost: %+v", runs[0])
	}
	if runs[1].MigratedChats != 12 || runs[1].SkippedChats != 3 {
		t.Fatalf("migration run fields lost: %+v", runs[1])
	}
}

func TestListRunsLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := s.RecordReport(ctx, &migrate.Report{
			Kind:       "cleanup",
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			FinishedAt: base.Add(time.Duration(i)*time.Minute + time.Second),
		})
		if err != nil {
			t.Fatalf("record run %d: %v", i, err)
		}
	}

	runs, err := s.ListRuns(ctx, 3)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected limit applied, got %d runs", len(runs))
	}
}
