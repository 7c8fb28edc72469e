// CLAUDE:SUMMARY Monitor CRUD, per-target active queries, state transitions, and stale-watch scan.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const monitorCols = `id, target_handle, container_id, match_json, interval_ms,
	state, found_at, found_snippet, next_refresh_at, session_kind, reset_cycles,
	source_url, label, created_at, updated_at`

// InsertMonitor adds a new watch.
func (s *Store) InsertMonitor(ctx context.Context, m *Monitor) error {
	now := time.Now().UnixMilli()
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	if m.UpdatedAt == 0 {
		m.UpdatedAt = now
	}
	if m.State == "" {
		m.State = StateActive
	}
	if m.SessionKind == "" {
		m.SessionKind = SessionNormal
	}
	if m.IntervalMs == 0 {
		m.IntervalMs = 30000
	}

	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO monitors (`+monitorCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TargetHandle, m.ContainerID, m.MatchJSON, m.IntervalMs,
		m.State, nullMilli(m.FoundAt), m.FoundSnippet, nullMilli(m.NextRefreshAt),
		m.SessionKind, m.ResetCycles, m.SourceURL, m.Label, m.CreatedAt, m.UpdatedAt,
	)
	return err
}

// GetMonitor retrieves a watch by ID. Returns nil when absent.
func (s *Store) GetMonitor(ctx context.Context, id string) (*Monitor, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+monitorCols+` FROM monitors WHERE id = ?`, id)
	m, err := scanMonitor(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// ListMonitors returns all watches, newest first.
func (s *Store) ListMonitors(ctx context.Context) ([]*Monitor, error) {
	return s.queryMonitors(ctx,
		`SELECT `+monitorCols+` FROM monitors ORDER BY created_at DESC`)
}

// ActiveByTarget returns all active watches bound to a target, fastest first.
func (s *Store) ActiveByTarget(ctx context.Context, target string) ([]*Monitor, error) {
	return s.queryMonitors(ctx,
		`SELECT `+monitorCols+` FROM monitors
		WHERE target_handle = ? AND state = ? ORDER BY interval_ms ASC`,
		target, StateActive)
}

// ListByState returns all watches in the given state.
func (s *Store) ListByState(ctx context.Context, state string) ([]*Monitor, error) {
	return s.queryMonitors(ctx,
		`SELECT `+monitorCols+` FROM monitors WHERE state = ? ORDER BY created_at`,
		state)
}

// ListActiveEphemeral returns every active ephemeral watch across all
// targets. Found and backoff watches are excluded: the former are settled,
// the latter are already mid-recovery.
func (s *Store) ListActiveEphemeral(ctx context.Context) ([]*Monitor, error) {
	return s.queryMonitors(ctx,
		`SELECT `+monitorCols+` FROM monitors
		WHERE state = ? AND session_kind = ? ORDER BY container_id, created_at`,
		StateActive, SessionEphemeral)
}

// StaleActive returns active watches whose refresh deadline passed before
// cutoff and that are still bound to a target.
func (s *Store) StaleActive(ctx context.Context, cutoff int64) ([]*Monitor, error) {
	return s.queryMonitors(ctx,
		`SELECT `+monitorCols+` FROM monitors
		WHERE state = ? AND target_handle != ''
		AND next_refresh_at IS NOT NULL AND next_refresh_at < ?`,
		StateActive, cutoff)
}

// CountActive returns the number of active watches.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM monitors WHERE state = ?`, StateActive).Scan(&n)
	return n, err
}

// CountMonitors returns the total number of watches.
func (s *Store) CountMonitors(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM monitors`).Scan(&n)
	return n, err
}

// CountByState returns watch counts grouped by state.
func (s *Store) CountByState(ctx context.Context) (map[string]int, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM monitors GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// DeleteMonitor removes a watch.
func (s *Store) DeleteMonitor(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM monitors WHERE id = ?`, id)
	return err
}

// DeleteByTarget removes every watch bound to a target. Returns the number
// of watches removed.
func (s *Store) DeleteByTarget(ctx context.Context, target string) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM monitors WHERE target_handle = ?`, target)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetNextRefresh stamps the refresh deadline on a set of watches.
func (s *Store) SetNextRefresh(ctx context.Context, ids []string, at int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{at, time.Now().UnixMilli()}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.DB.ExecContext(ctx,
		`UPDATE monitors SET next_refresh_at = ?, updated_at = ?
		WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	return err
}

// MarkFound transitions a watch to found: stamps found_at, stores the
// captured snippet, and clears the refresh deadline.
func (s *Store) MarkFound(ctx context.Context, id string, foundAt int64, snippet string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE monitors SET state = ?, found_at = ?, found_snippet = ?,
		next_refresh_at = NULL, updated_at = ?
		WHERE id = ? AND state = ?`,
		StateFound, foundAt, snippet, time.Now().UnixMilli(), id, StateActive)
	return err
}

// SetBackoff transitions a set of watches into backoff: the target binding
// is released, next_refresh_at holds the backoff deadline (not a refresh
// deadline), and the reset cycle counter advances.
func (s *Store) SetBackoff(ctx context.Context, ids []string, deadline int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{StateBackoff, deadline, time.Now().UnixMilli()}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.DB.ExecContext(ctx,
		`UPDATE monitors SET state = ?, target_handle = '',
		next_refresh_at = ?, reset_cycles = reset_cycles + 1, updated_at = ?
		WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	return err
}

// Reactivate rebinds a set of watches to a fresh target and returns them to
// active. The refresh deadline is cleared; the scheduler recomputes it.
func (s *Store) Reactivate(ctx context.Context, ids []string, handle, containerID string) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{StateActive, handle, containerID, time.Now().UnixMilli()}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.DB.ExecContext(ctx,
		`UPDATE monitors SET state = ?, target_handle = ?, container_id = ?,
		next_refresh_at = NULL, updated_at = ?
		WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	return err
}

// ReactivateUnbound returns watches to active without a target binding.
// Used when a recovery reopen failed: the watch stays visible and inert
// until the next recovery or manual intervention.
func (s *Store) ReactivateUnbound(ctx context.Context, ids []string) error {
	return s.Reactivate(ctx, ids, "", "")
}

// RebindTarget points a set of watches at a new target handle.
func (s *Store) RebindTarget(ctx context.Context, ids []string, handle, containerID string) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{handle, containerID, time.Now().UnixMilli()}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.DB.ExecContext(ctx,
		`UPDATE monitors SET target_handle = ?, container_id = ?, updated_at = ?
		WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	return err
}

// ClearResetCycles zeroes the reset counter for every watch on a target
// whose content just loaded cleanly.
func (s *Store) ClearResetCycles(ctx context.Context, target string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE monitors SET reset_cycles = 0, updated_at = ?
		WHERE target_handle = ? AND reset_cycles > 0`,
		time.Now().UnixMilli(), target)
	return err
}

func (s *Store) queryMonitors(ctx context.Context, query string, args ...any) ([]*Monitor, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var monitors []*Monitor
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, err
		}
		monitors = append(monitors, m)
	}
	return monitors, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanMonitor(row scannable) (*Monitor, error) {
	var m Monitor
	var foundAt, nextRefresh sql.NullInt64
	err := row.Scan(&m.ID, &m.TargetHandle, &m.ContainerID, &m.MatchJSON,
		&m.IntervalMs, &m.State, &foundAt, &m.FoundSnippet, &nextRefresh,
		&m.SessionKind, &m.ResetCycles, &m.SourceURL, &m.Label,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.FoundAt = foundAt.Int64
	m.NextRefreshAt = nextRefresh.Int64
	return &m, nil
}

func nullMilli(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// MonitorIDs extracts the IDs of a monitor slice.
func MonitorIDs(monitors []*Monitor) []string {
	ids := make([]string, 0, len(monitors))
	for _, m := range monitors {
		ids = append(ids, m.ID)
	}
	return ids
}

// MinIntervalMs returns the smallest interval in the slice, or an error on
// an empty slice (callers must not schedule an empty active set).
func MinIntervalMs(monitors []*Monitor) (int64, error) {
	if len(monitors) == 0 {
		return 0, fmt.Errorf("store: no monitors to compute interval from")
	}
	min := monitors[0].IntervalMs
	for _, m := range monitors[1:] {
		if m.IntervalMs < min {
			min = m.IntervalMs
		}
	}
	return min, nil
}
