// CLAUDE:SUMMARY Per-target refresh scheduler: one cancellable one-shot timer per target, min-interval cadence.
// Package schedule owns per-target refresh timing. Exactly one timer exists
// per target; its deadline is now + the fastest interval among that
// target's active watches. The scheduler exclusively owns timer lifecycle:
// nothing else arms or cancels them.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/vigil/vigil/internal/store"
)

// DueFunc is called when a target's refresh timer fires. It must not
// block: the refresh itself runs elsewhere and its outcome re-invokes
// Schedule asynchronously.
type DueFunc func(target string)

// Scheduler computes and arms refresh timers per target.
type Scheduler struct {
	st     *store.Store
	onDue  DueFunc
	logger *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New creates a Scheduler.
func New(st *store.Store, onDue DueFunc, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		st:     st,
		onDue:  onDue,
		logger: logger,
		timers: make(map[string]*time.Timer),
	}
}

// Schedule recomputes refresh timing for one target. Idempotent: any
// existing timer is cancelled before a new one is armed, so repeated calls
// leave exactly one timer. With no active watches on the target it leaves
// the target unscheduled.
func (s *Scheduler) Schedule(ctx context.Context, targetHandle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[targetHandle]; ok {
		t.Stop()
		delete(s.timers, targetHandle)
	}

	active, err := s.st.ActiveByTarget(ctx, targetHandle)
	if err != nil {
		return err
	}
	if len(active) == 0 {
		s.logger.Debug("schedule: no active watches, leaving unscheduled", "target", targetHandle)
		return nil
	}

	intervalMs, err := store.MinIntervalMs(active)
	if err != nil {
		return err
	}
	interval := time.Duration(intervalMs) * time.Millisecond
	deadline := time.Now().Add(interval).UnixMilli()

	if err := s.st.SetNextRefresh(ctx, store.MonitorIDs(active), deadline); err != nil {
		return err
	}

	s.timers[targetHandle] = time.AfterFunc(interval, func() {
		s.fire(targetHandle)
	})
	s.logger.Debug("schedule: armed", "target", targetHandle, "interval", interval, "watches", len(active))
	return nil
}

// fire runs on the timer goroutine. The active set is re-read because it
// may have changed since arming; the timer does not re-arm itself — the
// refresh outcome re-invokes Schedule, and the watchdog covers the case
// where it never arrives.
func (s *Scheduler) fire(targetHandle string) {
	s.mu.Lock()
	delete(s.timers, targetHandle)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	active, err := s.st.ActiveByTarget(ctx, targetHandle)
	if err != nil {
		s.logger.Warn("schedule: re-read on fire failed", "target", targetHandle, "error", err)
		return
	}
	if len(active) == 0 {
		return
	}
	s.onDue(targetHandle)
}

// Cancel stops and forgets the timer for a target, if any.
func (s *Scheduler) Cancel(targetHandle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[targetHandle]; ok {
		t.Stop()
		delete(s.timers, targetHandle)
	}
}

// CancelAll stops every timer. Used on shutdown.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for target, t := range s.timers {
		t.Stop()
		delete(s.timers, target)
	}
}

// Armed reports whether a timer is currently armed for a target.
func (s *Scheduler) Armed(targetHandle string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[targetHandle]
	return ok
}

// ArmedCount returns the number of armed timers.
func (s *Scheduler) ArmedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
