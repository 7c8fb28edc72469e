// CLAUDE:SUMMARY Error recovery engine: per-target dedup, normal re-navigation, ephemeral session reset with backoff.
// Package repair recovers targets that reported error conditions and sweeps
// watches whose schedule silently wedged.
//
// Two strategies exist, selected by the triggering watch's session kind.
// Normal sessions are simply re-navigated. Ephemeral sessions share one
// isolated browsing context process-wide, so recovery tears down every
// ephemeral container, waits, and rebuilds them — by default behind an
// exponential backoff so rate-limited sources are not hammered.
package repair

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/vigil/vigil/internal/schedule"
	"github.com/hazyhaar/vigil/vigil/internal/store"
	"github.com/hazyhaar/vigil/vigil/internal/target"
)

// Config tunes recovery and the watchdog sweep.
type Config struct {
	// Cooldown absorbs duplicate error signals per target. Default: 10s.
	Cooldown time.Duration
	// Quiesce is the settle delay between closing ephemeral containers and
	// reopening them. Asynchronous session teardown needs this. Default: 1.5s.
	Quiesce time.Duration
	// BackoffBase is the first reset delay. Default: 5s.
	BackoffBase time.Duration
	// BackoffMax caps the reset delay. Default: 120s.
	BackoffMax time.Duration
	// ImmediateResets skips the backoff wait and reopens right after the
	// quiesce delay. Default: false (throttled).
	ImmediateResets bool
	// SweepInterval is the watchdog period. Default: 10s.
	SweepInterval time.Duration
	// StaleAfter is how far past its refresh deadline a watch must be
	// before the watchdog calls it stuck. Default: 30s.
	StaleAfter time.Duration
	// SafetyBuffer pads the deadline the watchdog writes back, so a forced
	// refresh is not immediately re-flagged. Default: 2s.
	SafetyBuffer time.Duration
}

func (c *Config) defaults() {
	if c.Cooldown <= 0 {
		c.Cooldown = 10 * time.Second
	}
	if c.Quiesce <= 0 {
		c.Quiesce = 1500 * time.Millisecond
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 120 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Second
	}
	if c.SafetyBuffer <= 0 {
		c.SafetyBuffer = 2 * time.Second
	}
}

// Delay returns the backoff delay for reset cycle n (1-based):
// min(base·2^(n−1), max).
func Delay(base, max time.Duration, cycle int) time.Duration {
	if cycle <= 1 {
		return base
	}
	if cycle > 30 {
		return max
	}
	d := base << uint(cycle-1)
	if d <= 0 || d > max {
		return max
	}
	return d
}

// pendingReopen is one ephemeral group waiting out its backoff delay.
type pendingReopen struct {
	watchIDs   []string
	url        string
	oldTargets []string
	timer      *time.Timer
}

// Recoverer applies recovery strategies after detected errors.
type Recoverer struct {
	st     *store.Store
	drv    target.Driver
	sched  *schedule.Scheduler
	cfg    Config
	logger *slog.Logger

	mu           sync.Mutex
	lastRecovery map[string]time.Time
	torn         map[string]bool
	reopens      map[string]*pendingReopen // keyed by old container ID
}

// NewRecoverer creates a Recoverer.
func NewRecoverer(st *store.Store, drv target.Driver, sched *schedule.Scheduler, cfg Config, logger *slog.Logger) *Recoverer {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Recoverer{
		st:           st,
		drv:          drv,
		sched:        sched,
		cfg:          cfg,
		logger:       logger,
		lastRecovery: make(map[string]time.Time),
		torn:         make(map[string]bool),
		reopens:      make(map[string]*pendingReopen),
	}
}

// Recover handles one detected error on a target. Duplicate signals within
// the cooldown window are discarded silently — multiple detection paths
// (content inspection, navigation failures) routinely report the same
// incident.
func (r *Recoverer) Recover(ctx context.Context, targetHandle, url string) error {
	r.mu.Lock()
	if last, ok := r.lastRecovery[targetHandle]; ok && time.Since(last) < r.cfg.Cooldown {
		r.mu.Unlock()
		r.logger.Debug("repair: duplicate error signal discarded", "target", targetHandle)
		return nil
	}
	r.lastRecovery[targetHandle] = time.Now()
	// Stale stamps dedup nothing anymore; drop them so the map stays
	// bounded by the set of recently noisy targets.
	for h, at := range r.lastRecovery {
		if time.Since(at) >= r.cfg.Cooldown {
			delete(r.lastRecovery, h)
		}
	}
	r.mu.Unlock()

	watches, err := r.st.ActiveByTarget(ctx, targetHandle)
	if err != nil {
		return err
	}
	if len(watches) == 0 {
		return nil
	}

	ephemeral := false
	for _, w := range watches {
		if w.SessionKind == store.SessionEphemeral {
			ephemeral = true
			break
		}
	}
	if !ephemeral {
		return r.renavigate(ctx, targetHandle, url)
	}
	return r.resetEphemeral(ctx)
}

// renavigate is the normal-session strategy: point the same target back at
// its URL and reschedule. No backoff; normal-session errors are assumed
// rare and transient.
func (r *Recoverer) renavigate(ctx context.Context, targetHandle, url string) error {
	err := r.drv.NavigateTarget(ctx, targetHandle, url)
	if errors.Is(err, target.ErrTargetGone) {
		n, derr := r.st.DeleteByTarget(ctx, targetHandle)
		if derr != nil {
			return derr
		}
		r.sched.Cancel(targetHandle)
		r.logger.Info("repair: target gone during recovery, watches removed",
			"target", targetHandle, "removed", n)
		return nil
	}
	if err != nil {
		r.logger.Warn("repair: re-navigation failed", "target", targetHandle, "error", err)
		return err
	}
	r.logger.Info("repair: target re-navigated", "target", targetHandle, "url", url)
	return r.sched.Schedule(ctx, targetHandle)
}

// resetEphemeral tears down the shared ephemeral session and rebuilds it.
// Every active ephemeral watch process-wide is affected: closing one
// ephemeral container closes the logical session for all of them.
func (r *Recoverer) resetEphemeral(ctx context.Context) error {
	watches, err := r.st.ListActiveEphemeral(ctx)
	if err != nil {
		return err
	}
	if len(watches) == 0 {
		return nil
	}

	groups := groupByContainer(watches)

	// Snapshot placements before anything is torn down.
	for cid, g := range groups {
		if pl, perr := r.drv.ContainerPlacement(ctx, cid); perr == nil && pl != nil {
			if uerr := r.st.UpsertPlacement(ctx, store.PlacementKey(g.url), pl); uerr != nil {
				r.logger.Warn("repair: placement snapshot failed", "container", cid, "error", uerr)
			}
		}
	}

	// Flag affected targets before any container closes, so the
	// target-removed cleanup path does not delete the watches.
	r.mu.Lock()
	for _, g := range groups {
		for _, t := range g.targets {
			r.torn[t] = true
		}
	}
	r.mu.Unlock()

	for cid := range groups {
		if cerr := r.drv.CloseContainer(ctx, cid); cerr != nil {
			// Logged and carried on: the watch ends up unbound rather than
			// silently deleted.
			r.logger.Error("repair: close container failed", "container", cid, "error", cerr)
		}
	}

	if r.cfg.ImmediateResets {
		select {
		case <-time.After(r.cfg.Quiesce):
		case <-ctx.Done():
			return ctx.Err()
		}
		for cid, g := range groups {
			r.reopenNow(ctx, cid, g.url, g.ids, g.targets)
		}
		return nil
	}

	now := time.Now().UnixMilli()
	for cid, g := range groups {
		cycle := maxResetCycles(watches, g.ids) + 1
		delay := Delay(r.cfg.BackoffBase, r.cfg.BackoffMax, cycle)
		if err := r.st.SetBackoff(ctx, g.ids, now+delay.Milliseconds()); err != nil {
			// The reset definitively failed for this group: no reopen will
			// be armed, so the teardown flags must not outlive the call.
			// The watches stay reachable, unbound rather than wedged.
			r.logger.Error("repair: set backoff failed", "container", cid, "error", err)
			if uerr := r.st.ReactivateUnbound(ctx, g.ids); uerr != nil {
				r.logger.Error("repair: reactivate unbound failed", "error", uerr)
			}
			r.unflag(g.targets)
			continue
		}
		r.armReopen(cid, g.url, g.ids, g.targets, delay)
		r.logger.Info("repair: backoff cycle scheduled",
			"container", cid, "cycle", cycle, "delay", delay, "watches", len(g.ids))
	}
	return nil
}

// armReopen registers a deferred reopen for one group.
func (r *Recoverer) armReopen(key, url string, ids, oldTargets []string, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.reopens[key]; ok {
		p.timer.Stop()
	}
	p := &pendingReopen{watchIDs: ids, url: url, oldTargets: oldTargets}
	p.timer = time.AfterFunc(delay, func() { r.firePending(key) })
	r.reopens[key] = p
}

// firePending runs when a group's backoff delay elapses.
func (r *Recoverer) firePending(key string) {
	r.mu.Lock()
	p, ok := r.reopens[key]
	delete(r.reopens, key)
	r.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Re-read: watches may have been stopped during the wait window.
	var alive []string
	for _, id := range p.watchIDs {
		m, err := r.st.GetMonitor(ctx, id)
		if err != nil || m == nil || m.State != store.StateBackoff {
			continue
		}
		alive = append(alive, id)
	}
	if len(alive) == 0 {
		r.unflag(p.oldTargets)
		return
	}
	r.reopenNow(ctx, key, p.url, alive, p.oldTargets)
}

// reopenNow recreates one container group, rebinds its watches, and
// reschedules. On failure the watches are reactivated unbound: visible,
// inert, never silently deleted.
func (r *Recoverer) reopenNow(ctx context.Context, key, url string, ids, oldTargets []string) {
	var placement *store.Placement
	if pl, err := r.st.GetPlacement(ctx, store.PlacementKey(url)); err == nil {
		placement = pl
	}

	ctn, err := r.drv.CreateContainer(ctx, url, true, placement)
	if err != nil {
		r.logger.Error("repair: reopen container failed", "url", url, "error", err)
		if uerr := r.st.ReactivateUnbound(ctx, ids); uerr != nil {
			r.logger.Error("repair: reactivate unbound failed", "error", uerr)
		}
		r.unflag(oldTargets)
		return
	}

	if err := r.st.Reactivate(ctx, ids, ctn.Handle, ctn.ContainerID); err != nil {
		r.logger.Error("repair: rebind failed", "error", err)
		r.unflag(oldTargets)
		return
	}
	if err := r.sched.Schedule(ctx, ctn.Handle); err != nil {
		r.logger.Error("repair: reschedule after reopen failed", "target", ctn.Handle, "error", err)
	}
	r.unflag(oldTargets)
	r.logger.Info("repair: ephemeral session reopened",
		"url", url, "target", ctn.Handle, "watches", len(ids))
}

// TornDown reports whether a target is flagged as intentionally being torn
// down. The target-removed cleanup path and the watchdog consult this.
func (r *Recoverer) TornDown(targetHandle string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.torn[targetHandle]
}

func (r *Recoverer) unflag(targets []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range targets {
		delete(r.torn, t)
	}
}

// CancelPending removes a watch from any pending reopen. When a group
// empties its timer is stopped and its teardown flags released. Explicit
// stop always wins over a scheduled reopen.
func (r *Recoverer) CancelPending(watchID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, p := range r.reopens {
		kept := p.watchIDs[:0]
		for _, id := range p.watchIDs {
			if id != watchID {
				kept = append(kept, id)
			}
		}
		p.watchIDs = kept
		if len(p.watchIDs) == 0 {
			p.timer.Stop()
			delete(r.reopens, key)
			for _, t := range p.oldTargets {
				delete(r.torn, t)
			}
		}
	}
}

// Shutdown stops every pending reopen timer and releases the teardown
// flags. Backoff state stays persisted; the next cold start re-arms it
// through Reconcile.
func (r *Recoverer) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, p := range r.reopens {
		p.timer.Stop()
		delete(r.reopens, key)
		for _, t := range p.oldTargets {
			delete(r.torn, t)
		}
	}
}

// PendingReopens returns the number of groups waiting out a backoff delay.
func (r *Recoverer) PendingReopens() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reopens)
}

// Reconcile re-arms reopen timers for watches persisted in backoff, using
// the remaining delay (or firing almost immediately when the deadline has
// already passed). Called once at cold start before new work is accepted.
func (r *Recoverer) Reconcile(ctx context.Context) error {
	waiting, err := r.st.ListByState(ctx, store.StateBackoff)
	if err != nil {
		return err
	}
	if len(waiting) == 0 {
		return nil
	}

	groups := groupByContainer(waiting)
	now := time.Now().UnixMilli()
	for cid, g := range groups {
		deadline := int64(0)
		for _, w := range waiting {
			if w.ContainerID == cid && w.NextRefreshAt > deadline {
				deadline = w.NextRefreshAt
			}
		}
		delay := time.Duration(deadline-now) * time.Millisecond
		if delay < 50*time.Millisecond {
			delay = 50 * time.Millisecond
		}
		r.armReopen(cid, g.url, g.ids, nil, delay)
		r.logger.Info("repair: backoff reopen restored", "container", cid, "delay", delay)
	}
	return nil
}

type containerGroup struct {
	url     string
	ids     []string
	targets []string
}

// groupByContainer buckets watches by the physical container each belongs
// to. The explicit container→watch relation keeps reset logic operating on
// an enumerable set.
func groupByContainer(watches []*store.Monitor) map[string]*containerGroup {
	groups := make(map[string]*containerGroup)
	for _, w := range watches {
		g, ok := groups[w.ContainerID]
		if !ok {
			g = &containerGroup{url: w.SourceURL}
			groups[w.ContainerID] = g
		}
		g.ids = append(g.ids, w.ID)
		if w.TargetHandle != "" && !containsStr(g.targets, w.TargetHandle) {
			g.targets = append(g.targets, w.TargetHandle)
		}
	}
	return groups
}

func maxResetCycles(watches []*store.Monitor, ids []string) int {
	max := 0
	for _, w := range watches {
		if containsStr(ids, w.ID) && w.ResetCycles > max {
			max = w.ResetCycles
		}
	}
	return max
}

func containsStr(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
