package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/hazyhaar/vigil/dbopen"
)

// AppendHistory records a dismissed watch snapshot and evicts the oldest
// entries past cap. Insert and eviction run in one transaction so the
// bound holds even when a concurrent append slipped in between.
func (s *Store) AppendHistory(ctx context.Context, e *HistoryEntry, cap int) error {
	if e.DismissedAt == 0 {
		e.DismissedAt = time.Now().UnixMilli()
	}
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO history (id, monitor_id, label, source_url, match_json,
			snippet, found_at, dismissed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.MonitorID, e.Label, e.SourceURL, e.MatchJSON,
			e.Snippet, e.FoundAt, e.DismissedAt)
		if err != nil {
			return err
		}

		if cap <= 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM history WHERE id NOT IN (
				SELECT id FROM history ORDER BY dismissed_at DESC, id DESC LIMIT ?
			)`, cap)
		return err
	})
}

// ListHistory returns history entries, newest first.
func (s *Store) ListHistory(ctx context.Context, limit int) ([]*HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, monitor_id, label, source_url, match_json, snippet,
		found_at, dismissed_at
		FROM history ORDER BY dismissed_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.MonitorID, &e.Label, &e.SourceURL,
			&e.MatchJSON, &e.Snippet, &e.FoundAt, &e.DismissedAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// CountHistory returns the number of history entries.
func (s *Store) CountHistory(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM history`).Scan(&n)
	return n, err
}
