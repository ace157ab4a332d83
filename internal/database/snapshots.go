package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lawnchairsociety/qlcbridge/internal/qlc"
)

// ErrSnapshotNotFound is returned when no snapshot has been stored for an instance.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// PollEvent is one recorded poll outcome.
type PollEvent struct {
	ID        int64
	Instance  string
	OK        bool
	Reason    string
	CreatedAt time.Time
}

// SaveSnapshot replaces the stored widget list for instance.
// Widget order is preserved through the position column.
func (d *Database) SaveSnapshot(ctx context.Context, instance string, widgets []qlc.Widget, takenAt time.Time) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, d.qb.Build(`DELETE FROM widget_snapshots WHERE instance = ?`), instance); err != nil {
		return fmt.Errorf("failed to clear snapshot: %w", err)
	}

	insert := d.qb.Build(`
		INSERT INTO widget_snapshots (instance, widget_id, name, status, position, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	at := takenAt.UTC()
	for i, w := range widgets {
		if _, err := tx.ExecContext(ctx, insert, instance, w.ID, w.Name, w.Status, i, at); err != nil {
			if d.dialect.IsDuplicateKeyError(err) {
				return fmt.Errorf("duplicate widget %q in snapshot", w.ID)
			}
			return fmt.Errorf("failed to save widget %q: %w", w.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the stored widget list for instance in its original order.
func (d *Database) LoadSnapshot(ctx context.Context, instance string) ([]qlc.Widget, time.Time, error) {
	rows, err := d.db.QueryContext(ctx, d.qb.Build(`
		SELECT widget_id, name, status, updated_at
		FROM widget_snapshots
		WHERE instance = ?
		ORDER BY position
	`), instance)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to load snapshot: %w", err)
	}
	defer rows.Close()

	var (
		widgets []qlc.Widget
		takenAt time.Time
	)
	for rows.Next() {
		var w qlc.Widget
		if err := rows.Scan(&w.ID, &w.Name, &w.Status, &takenAt); err != nil {
			return nil, time.Time{}, fmt.Errorf("failed to scan widget: %w", err)
		}
		widgets = append(widgets, w)
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, err
	}
	if len(widgets) == 0 {
		return nil, time.Time{}, ErrSnapshotNotFound
	}
	return widgets, takenAt, nil
}

// RecordPoll stores the outcome of one refresh cycle and returns its id.
func (d *Database) RecordPoll(ctx context.Context, instance string, ok bool, reason string, at time.Time) (int64, error) {
	query := d.qb.BuildWithReturning(
		`INSERT INTO poll_events (instance, ok, reason, created_at) VALUES (?, ?, ?, ?)`, "id")
	args := []any{instance, ok, reason, at.UTC()}

	if !d.dialect.SupportsLastInsertID() {
		var id int64
		if err := d.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("failed to record poll: %w", err)
		}
		return id, nil
	}

	result, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to record poll: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get poll event ID: %w", err)
	}
	return id, nil
}

// RecentPolls returns up to limit poll events for instance, newest first.
func (d *Database) RecentPolls(ctx context.Context, instance string, limit int) ([]PollEvent, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := d.db.QueryContext(ctx, d.qb.Build(`
		SELECT id, instance, ok, reason, created_at
		FROM poll_events
		WHERE instance = ?
		ORDER BY id DESC
		LIMIT ?
	`), instance, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query poll events: %w", err)
	}
	defer rows.Close()

	var events []PollEvent
	for rows.Next() {
		var (
			e      PollEvent
			reason sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Instance, &e.OK, &reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan poll event: %w", err)
		}
		e.Reason = reason.String
		events = append(events, e)
	}
	return events, rows.Err()
}
