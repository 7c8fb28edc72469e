// CLAUDE:SUMMARY Applies the complete vigil SQL schema: monitors, history, saved configs, placements.
package store

import "database/sql"

// Schema is the complete vigil schema.
const Schema = `
-- Watches: one row per user-configured text watch
CREATE TABLE IF NOT EXISTS monitors (
    id              TEXT PRIMARY KEY,
    target_handle   TEXT NOT NULL DEFAULT '',
    container_id    TEXT NOT NULL DEFAULT '',
    match_json      TEXT NOT NULL,
    interval_ms     INTEGER NOT NULL DEFAULT 30000,
    state           TEXT NOT NULL DEFAULT 'active',
    found_at        INTEGER,
    found_snippet   TEXT NOT NULL DEFAULT '',
    next_refresh_at INTEGER,
    session_kind    TEXT NOT NULL DEFAULT 'normal',
    reset_cycles    INTEGER NOT NULL DEFAULT 0,
    source_url      TEXT NOT NULL,
    label           TEXT NOT NULL DEFAULT '',
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitors_target ON monitors(target_handle, state);
CREATE INDEX IF NOT EXISTS idx_monitors_state ON monitors(state, next_refresh_at);

-- History: bounded FIFO of dismissed found watches
CREATE TABLE IF NOT EXISTS history (
    id              TEXT PRIMARY KEY,
    monitor_id      TEXT NOT NULL,
    label           TEXT NOT NULL DEFAULT '',
    source_url      TEXT NOT NULL,
    match_json      TEXT NOT NULL,
    snippet         TEXT NOT NULL DEFAULT '',
    found_at        INTEGER NOT NULL,
    dismissed_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_dismissed ON history(dismissed_at DESC);

-- Saved configurations: reusable watch template bundles
CREATE TABLE IF NOT EXISTS saved_configs (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL UNIQUE,
    entries_json    TEXT NOT NULL DEFAULT '[]',
    created_at      INTEGER NOT NULL
);

-- Container placements keyed by normalized URL, restored on recreate
CREATE TABLE IF NOT EXISTS placements (
    url_key         TEXT PRIMARY KEY,
    left_px         INTEGER NOT NULL DEFAULT 0,
    top_px          INTEGER NOT NULL DEFAULT 0,
    width_px        INTEGER NOT NULL DEFAULT 0,
    height_px       INTEGER NOT NULL DEFAULT 0,
    updated_at      INTEGER NOT NULL
);
`

// ApplySchema applies the vigil schema to a database.
// Idempotent: all statements are IF NOT EXISTS.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
