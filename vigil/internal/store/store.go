// Package store persists vigil state: monitors, history, saved
// configurations, and container placements. Hand-written SQL on
// modernc sqlite; all timestamps are Unix milliseconds.
package store

import (
	"database/sql"
)

// Watch states.
const (
	StateActive  = "active"
	StateFound   = "found"
	StateBackoff = "backoff"
)

// Session kinds.
const (
	SessionNormal    = "normal"
	SessionEphemeral = "ephemeral"
)

// Monitor is the persisted form of one watch.
type Monitor struct {
	ID            string `json:"id"`
	TargetHandle  string `json:"target_handle"`
	ContainerID   string `json:"container_id"`
	MatchJSON     string `json:"match_json"`
	IntervalMs    int64  `json:"interval_ms"`
	State         string `json:"state"`
	FoundAt       int64  `json:"found_at,omitempty"`
	FoundSnippet  string `json:"found_snippet,omitempty"`
	NextRefreshAt int64  `json:"next_refresh_at,omitempty"`
	SessionKind   string `json:"session_kind"`
	ResetCycles   int    `json:"reset_cycles"`
	SourceURL     string `json:"source_url"`
	Label         string `json:"label"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
}

// HistoryEntry is an immutable snapshot of a dismissed found watch.
type HistoryEntry struct {
	ID          string `json:"id"`
	MonitorID   string `json:"monitor_id"`
	Label       string `json:"label"`
	SourceURL   string `json:"source_url"`
	MatchJSON   string `json:"match_json"`
	Snippet     string `json:"snippet,omitempty"`
	FoundAt     int64  `json:"found_at"`
	DismissedAt int64  `json:"dismissed_at"`
}

// SavedConfig is a named, reusable bundle of watch templates.
type SavedConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	EntriesJSON string `json:"entries_json"`
	CreatedAt   int64  `json:"created_at"`
}

// Placement is a container's window geometry.
type Placement struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Store wraps a sqlite database with vigil queries.
type Store struct {
	DB *sql.DB
}

// NewStore creates a Store on an existing database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}
