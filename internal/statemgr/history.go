package statemgr

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// HistoryRecord mirrors one restart/lifecycle transition for a fleet member,
// modeled on the teacher's store.Record (PID+StartedAt-keyed, nullable
// stop/exit fields) but scoped to restart-history auditing rather than the
// teacher's general-purpose observation store.
type HistoryRecord struct {
	InstanceID string
	PID        int32
	StartedAt  time.Time
	StoppedAt  sql.NullTime
	ExitErr    sql.NullString
	Restart    int
}

// History persists fleet lifecycle events to a local sqlite database, purely
// for after-the-fact auditing — it is not in the hot path of any control
// verb and its absence (nil *History) never blocks a command.
type History struct {
	db *sql.DB
}

// OpenHistory opens (creating if needed) the sqlite database at path and
// ensures its schema exists.
func OpenHistory(path string) (*History, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("statemgr: open history db: %w", err)
	}
	h := &History{db: db}
	if err := h.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

func (h *History) ensureSchema(ctx context.Context) error {
	_, err := h.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS restart_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	instance_id TEXT NOT NULL,
	pid         INTEGER NOT NULL,
	started_at  DATETIME NOT NULL,
	stopped_at  DATETIME,
	exit_err    TEXT,
	restart_n   INTEGER NOT NULL,
	updated_at  DATETIME NOT NULL
)`)
	return err
}

// RecordStart inserts one row marking an instance (re)start.
func (h *History) RecordStart(ctx context.Context, rec HistoryRecord, now time.Time) error {
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO restart_history (instance_id, pid, started_at, restart_n, updated_at) VALUES (?, ?, ?, ?, ?)`,
		rec.InstanceID, rec.PID, rec.StartedAt, rec.Restart, now)
	return err
}

// RecordStop updates the most recent open row for instanceID with a stop
// time and optional exit error text.
func (h *History) RecordStop(ctx context.Context, instanceID string, stoppedAt time.Time, exitErr error) error {
	var exitText sql.NullString
	if exitErr != nil {
		exitText = sql.NullString{String: exitErr.Error(), Valid: true}
	}
	_, err := h.db.ExecContext(ctx, `
UPDATE restart_history SET stopped_at = ?, exit_err = ?, updated_at = ?
WHERE id = (
	SELECT id FROM restart_history
	WHERE instance_id = ? AND stopped_at IS NULL
	ORDER BY id DESC LIMIT 1
)`, stoppedAt, exitText, stoppedAt, instanceID)
	return err
}

// Recent returns up to limit rows for instanceID, most recent first.
func (h *History) Recent(ctx context.Context, instanceID string, limit int) ([]HistoryRecord, error) {
	rows, err := h.db.QueryContext(ctx, `
SELECT instance_id, pid, started_at, stopped_at, exit_err, restart_n
FROM restart_history WHERE instance_id = ?
ORDER BY id DESC LIMIT ?`, instanceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryRecord
	for rows.Next() {
		var r HistoryRecord
		if err := rows.Scan(&r.InstanceID, &r.PID, &r.StartedAt, &r.StoppedAt, &r.ExitErr, &r.Restart); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (h *History) Close() error { return h.db.Close() }
