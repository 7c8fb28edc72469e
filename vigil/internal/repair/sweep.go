// CLAUDE:SUMMARY Watchdog sweeper: detects wedged watches and either force-refreshes or removes them.
package repair

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/vigil/vigil/internal/schedule"
	"github.com/hazyhaar/vigil/vigil/internal/store"
	"github.com/hazyhaar/vigil/vigil/internal/target"
)

// SweepStats is a snapshot of watchdog activity counters.
type SweepStats struct {
	Sweeps  int64 `json:"sweeps"`
	Forced  int64 `json:"forced_refreshes"`
	Removed int64 `json:"removed_watches"`
}

// Sweeper periodically finds active watches whose refresh deadline passed
// long ago and gets them moving again. A healthy scheduler stamps a fresh
// deadline on every cycle, so a deadline far in the past means the timer
// chain broke somewhere.
type Sweeper struct {
	st     *store.Store
	drv    target.Driver
	sched  *schedule.Scheduler
	rec    *Recoverer
	force  func(targetHandle string)
	cfg    Config
	logger *slog.Logger

	wake chan struct{}

	sweeps  atomic.Int64
	forced  atomic.Int64
	removed atomic.Int64
}

// NewSweeper creates a Sweeper. force is invoked for each wedged target and
// must trigger an immediate refresh without waiting for a timer.
func NewSweeper(st *store.Store, drv target.Driver, sched *schedule.Scheduler, rec *Recoverer, force func(targetHandle string), cfg Config, logger *slog.Logger) *Sweeper {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		st:     st,
		drv:    drv,
		sched:  sched,
		rec:    rec,
		force:  force,
		cfg:    cfg,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Kick wakes a parked sweeper. Called when the first watch is created after
// an idle period. Never blocks.
func (s *Sweeper) Kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run sweeps on the configured interval until ctx is canceled. With no
// active watches the loop parks on the wake channel instead of spinning.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		if n, err := s.st.CountActive(ctx); err == nil && n == 0 {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				ticker.Reset(s.cfg.SweepInterval)
				continue
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single sweep pass and returns how many targets were
// force-refreshed and how many watches were removed.
func (s *Sweeper) SweepOnce(ctx context.Context) (forced, removed int) {
	s.sweeps.Add(1)
	now := time.Now()
	cutoff := now.Add(-s.cfg.StaleAfter).UnixMilli()

	stale, err := s.st.StaleActive(ctx, cutoff)
	if err != nil {
		s.logger.Error("watchdog: stale query failed", "error", err)
		return 0, 0
	}
	if len(stale) == 0 {
		return 0, 0
	}

	byTarget := make(map[string][]*store.Monitor)
	for _, w := range stale {
		byTarget[w.TargetHandle] = append(byTarget[w.TargetHandle], w)
	}

	for handle := range byTarget {
		if s.rec != nil && s.rec.TornDown(handle) {
			continue
		}
		if !s.drv.TargetExists(ctx, handle) {
			n, derr := s.st.DeleteByTarget(ctx, handle)
			if derr != nil {
				s.logger.Error("watchdog: remove dead target failed", "target", handle, "error", derr)
				continue
			}
			s.sched.Cancel(handle)
			removed += int(n)
			s.logger.Info("watchdog: removed watches on dead target", "target", handle, "removed", n)
			continue
		}

		// Stamp a padded deadline first so the next pass does not re-flag
		// the same target while the forced refresh is in flight.
		active, aerr := s.st.ActiveByTarget(ctx, handle)
		if aerr != nil || len(active) == 0 {
			continue
		}
		interval, ierr := store.MinIntervalMs(active)
		if ierr != nil {
			continue
		}
		deadline := now.UnixMilli() + interval + s.cfg.SafetyBuffer.Milliseconds()
		if err := s.st.SetNextRefresh(ctx, store.MonitorIDs(active), deadline); err != nil {
			s.logger.Error("watchdog: stamp deadline failed", "target", handle, "error", err)
			continue
		}
		s.force(handle)
		forced++
		s.logger.Warn("watchdog: forced refresh on wedged target",
			"target", handle, "watches", len(active))
	}

	s.forced.Add(int64(forced))
	s.removed.Add(int64(removed))
	return forced, removed
}

// Stats returns cumulative watchdog counters.
func (s *Sweeper) Stats() SweepStats {
	return SweepStats{
		Sweeps:  s.sweeps.Load(),
		Forced:  s.forced.Load(),
		Removed: s.removed.Load(),
	}
}
