package store

import (
	"context"
	"time"

	"github.com/matheus3301/heroes/internal/queue"
)

const (
	OutcomeProcessed = "processed"
	OutcomeFailed    = "failed"
)

// DrainLogEntry is one row of drain_log: an action that left the offline queue.
type DrainLogEntry struct {
	ID         int64  `db:"id"`
	ActionID   string `db:"action_id"`
	ActionType string `db:"action_type"`
	Outcome    string `db:"outcome"`
	Category   string `db:"category"`
	Error      string `db:"error"`
	Attempts   int    `db:"attempts"`
	RecordedAt int64  `db:"recorded_at"`
}

// RecordOutcome appends a terminal queue outcome to drain_log.
func (db *DB) RecordOutcome(ctx context.Context, o queue.Outcome) error {
	outcome := OutcomeFailed
	if o.Processed {
		outcome = OutcomeProcessed
	}
	at := o.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO drain_log (action_id, action_type, outcome, category, error, attempts, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.ActionID, o.ActionType, outcome, string(o.Category), o.Error, o.Attempts, at.UnixMilli())
	return err
}

// RecentOutcomes returns the newest drain_log rows first.
func (db *DB) RecentOutcomes(ctx context.Context, limit int) ([]DrainLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []DrainLogEntry
	err := db.SelectContext(ctx, &entries, `
		SELECT id, action_id, action_type, outcome, category, error, attempts, recorded_at
		FROM drain_log ORDER BY recorded_at DESC, id DESC LIMIT ?`, limit)
	return entries, err
}

// OutcomeCounts returns how many actions ended in each outcome.
func (db *DB) OutcomeCounts(ctx context.Context) (map[string]int, error) {
	rows, err := db.QueryxContext(ctx, `SELECT outcome, COUNT(*) FROM drain_log GROUP BY outcome`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := map[string]int{}
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}

// PruneOutcomes deletes drain_log rows recorded before cutoff.
func (db *DB) PruneOutcomes(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM drain_log WHERE recorded_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
