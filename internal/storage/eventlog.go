package storage

import (
	"context"
	"time"

	"github.com/micro-hub/hub-bridge/internal/model"
)

const eventLogRetention = 5000

// AppendEvents stores new log lines for a source and returns the ones that
// were actually new. Lines already present in the most recent window are
// skipped; the hub returns its whole ring buffer on every fetch, so the
// mirror job re-sees old lines constantly.
func (r *Repository) AppendEvents(ctx context.Context, source string, lines []string) ([]string, error) {
	if len(lines) == 0 {
		return nil, nil
	}

	recent := map[string]struct{}{}
	rows, err := r.db.QueryContext(ctx, `
		SELECT message FROM event_log WHERE source = ?
		ORDER BY id DESC LIMIT ?`, source, len(lines)*2)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var message string
		if err := rows.Scan(&message); err != nil {
			rows.Close()
			return nil, err
		}
		recent[message] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	var inserted []string
	for _, line := range lines {
		if _, seen := recent[line]; seen {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO event_log (source, message, created_at) VALUES (?, ?, ?)`,
			source, line, now); err != nil {
			return nil, err
		}
		inserted = append(inserted, line)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM event_log WHERE id NOT IN (
			SELECT id FROM event_log ORDER BY id DESC LIMIT ?
		)`, eventLogRetention); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return inserted, nil
}

func (r *Repository) ListEvents(ctx context.Context, limit int) ([]model.EventLogEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, source, message, created_at FROM event_log
		ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.EventLogEntry
	for rows.Next() {
		var entry model.EventLogEntry
		var createdAt string
		if err := rows.Scan(&entry.ID, &entry.Source, &entry.Message, &createdAt); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			entry.CreatedAt = ts.UTC()
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
