package statemgr

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestHistoryRecordStartRecordStopRecentRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	h, err := OpenHistory(path)
	if err != nil {
		t.Fatalf("OpenHistory: %v", err)
	}
	defer func() { _ = h.Close() }()

	ctx := context.Background()
	started := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rec := HistoryRecord{InstanceID: "web_0", PID: 123, StartedAt: started, Restart: 1}
	if err := h.RecordStart(ctx, rec, started); err != nil {
		t.Fatalf("RecordStart: %v", err)
	}

	stopped := started.Add(5 * time.Minute)
	if err := h.RecordStop(ctx, "web_0", stopped, errors.New("exit status 1")); err != nil {
		t.Fatalf("RecordStop: %v", err)
	}

	rows, err := h.Recent(ctx, "web_0", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 history row, got %d", len(rows))
	}
	got := rows[0]
	if got.InstanceID != "web_0" || got.PID != 123 || got.Restart != 1 {
		t.Fatalf("unexpected history row: %+v", got)
	}
	if !got.StoppedAt.Valid || !got.ExitErr.Valid {
		t.Fatalf("expected the row's stop/exit fields to be populated: %+v", got)
	}
}

func TestHistoryRecentMostRecentFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	h, err := OpenHistory(path)
	if err != nil {
		t.Fatalf("OpenHistory: %v", err)
	}
	defer func() { _ = h.Close() }()

	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		rec := HistoryRecord{InstanceID: "worker_0", PID: int32(100 + i), StartedAt: base.Add(time.Duration(i) * time.Minute), Restart: i}
		if err := h.RecordStart(ctx, rec, rec.StartedAt); err != nil {
			t.Fatalf("RecordStart %d: %v", i, err)
		}
	}
	rows, err := h.Recent(ctx, "worker_0", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected limit to cap the result at 2 rows, got %d", len(rows))
	}
	if rows[0].Restart != 2 || rows[1].Restart != 1 {
		t.Fatalf("expected most-recent-first ordering, got restarts %d, %d", rows[0].Restart, rows[1].Restart)
	}
}
