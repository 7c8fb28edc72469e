// Package notify defines delivery backends for watch events. Implementations
// deliver match and lifecycle events to different backends (stdout, webhook,
// in-process callback).
package notify

import (
	"context"
)

// Event kinds.
const (
	EventMatched     = "matched"
	EventWatchEnded  = "watch_ended"
	EventSessionLost = "session_lost"
)

// Event is one delivered notification.
type Event struct {
	Kind      string `json:"kind"`
	WatchID   string `json:"watch_id,omitempty"`
	Label     string `json:"label,omitempty"`
	SourceURL string `json:"source_url,omitempty"`
	Snippet   string `json:"snippet,omitempty"`
	At        int64  `json:"at"` // Unix milliseconds
}

// Sink delivers events to a backend.
type Sink interface {
	Send(ctx context.Context, ev Event) error
	Close() error
}

// Multi fans one event out to several sinks. Delivery errors are collected
// but do not short-circuit: a failing webhook must not starve stdout.
type Multi []Sink

func (m Multi) Send(ctx context.Context, ev Event) error {
	var firstErr error
	for _, s := range m {
		if err := s.Send(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m Multi) Close() error {
	var firstErr error
	for _, s := range m {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Callback adapts a function to the Sink interface for in-process consumers.
type Callback func(ctx context.Context, ev Event) error

func (c Callback) Send(ctx context.Context, ev Event) error { return c(ctx, ev) }

func (c Callback) Close() error { return nil }
