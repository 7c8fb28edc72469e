// CLAUDE:SUMMARY Re-exports internal types (Watch, HistoryEntry, SavedConfig, MatchTerm, etc.) as the vigil public API.
// Package vigil watches browser targets for text conditions.
//
// Each watch binds a match specification to a target showing a source URL.
// Targets are refreshed on per-target intervals, captured content is
// matched against the watch terms, and error conditions route through a
// recovery engine with exponential backoff for ephemeral sessions. State
// lives in a single SQLite database so watches survive restarts.
package vigil

import (
	"github.com/hazyhaar/vigil/vigil/internal/content"
	"github.com/hazyhaar/vigil/vigil/internal/notify"
	"github.com/hazyhaar/vigil/vigil/internal/repair"
	"github.com/hazyhaar/vigil/vigil/internal/store"
	"github.com/hazyhaar/vigil/vigil/internal/target"
)

// Re-export internal types for the public API.
type (
	Watch        = store.Monitor
	HistoryEntry = store.HistoryEntry
	SavedConfig  = store.SavedConfig
	Placement    = store.Placement
	MatchTerm    = content.Term
	SweepStats   = repair.SweepStats
	Event        = notify.Event
	Sink         = notify.Sink
	Driver       = target.Driver
)

// Watch states.
const (
	StateActive  = store.StateActive
	StateFound   = store.StateFound
	StateBackoff = store.StateBackoff
)

// Session kinds.
const (
	SessionNormal    = store.SessionNormal
	SessionEphemeral = store.SessionEphemeral
)

// WatchTemplate is one entry of a saved configuration: everything needed
// to recreate a watch later.
type WatchTemplate struct {
	URL        string      `json:"url"`
	Label      string      `json:"label,omitempty"`
	Terms      []MatchTerm `json:"terms"`
	IntervalMs int64       `json:"interval_ms,omitempty"`
	Ephemeral  bool        `json:"ephemeral,omitempty"`
}

// Stats is a point-in-time service snapshot.
type Stats struct {
	WatchesByState   map[string]int `json:"watches_by_state"`
	HistoryEntries   int            `json:"history_entries"`
	SavedConfigs     int            `json:"saved_configs"`
	ScheduledTargets int            `json:"scheduled_targets"`
	PendingReopens   int            `json:"pending_reopens"`
	Sweep            SweepStats     `json:"sweep"`
}
