package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/vigil/dbopen"
)

// ErrConfigCapReached is returned when the saved-configuration cap is hit.
var ErrConfigCapReached = fmt.Errorf("store: saved configuration cap reached")

// InsertSavedConfig stores a named watch-template bundle. Unlike history,
// saved configs are user-curated, so the cap rejects instead of evicting.
// The count and insert share a transaction so concurrent saves cannot
// slip past the cap.
func (s *Store) InsertSavedConfig(ctx context.Context, c *SavedConfig, cap int) error {
	if c.CreatedAt == 0 {
		c.CreatedAt = time.Now().UnixMilli()
	}
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		if cap > 0 {
			var n int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM saved_configs`).Scan(&n); err != nil {
				return err
			}
			if n >= cap {
				return fmt.Errorf("%w: maximum %d", ErrConfigCapReached, cap)
			}
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO saved_configs (id, name, entries_json, created_at)
			VALUES (?, ?, ?, ?)`,
			c.ID, c.Name, c.EntriesJSON, c.CreatedAt)
		return err
	})
}

// GetSavedConfig retrieves a saved configuration by ID. Returns nil when absent.
func (s *Store) GetSavedConfig(ctx context.Context, id string) (*SavedConfig, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, name, entries_json, created_at FROM saved_configs WHERE id = ?`, id)
	var c SavedConfig
	err := row.Scan(&c.ID, &c.Name, &c.EntriesJSON, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListSavedConfigs returns all saved configurations, newest first.
func (s *Store) ListSavedConfigs(ctx context.Context) ([]*SavedConfig, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, name, entries_json, created_at
		FROM saved_configs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*SavedConfig
	for rows.Next() {
		var c SavedConfig
		if err := rows.Scan(&c.ID, &c.Name, &c.EntriesJSON, &c.CreatedAt); err != nil {
			return nil, err
		}
		configs = append(configs, &c)
	}
	return configs, rows.Err()
}

// DeleteSavedConfig removes a saved configuration.
func (s *Store) DeleteSavedConfig(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM saved_configs WHERE id = ?`, id)
	return err
}
