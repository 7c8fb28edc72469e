// CLAUDE:SUMMARY Main Service orchestrator: watch lifecycle, cold-start reconciliation, scheduler/recovery/dispatcher wiring.
package vigil

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/vigil/horosafe"
	"github.com/hazyhaar/vigil/idgen"
	"github.com/hazyhaar/vigil/vigil/internal/content"
	"github.com/hazyhaar/vigil/vigil/internal/dispatch"
	"github.com/hazyhaar/vigil/vigil/internal/notify"
	"github.com/hazyhaar/vigil/vigil/internal/repair"
	"github.com/hazyhaar/vigil/vigil/internal/schedule"
	"github.com/hazyhaar/vigil/vigil/internal/store"
	"github.com/hazyhaar/vigil/vigil/internal/target"
)

// Service is the main vigil orchestrator.
type Service struct {
	st     *store.Store
	drv    target.Driver
	sched  *schedule.Scheduler
	rec    *repair.Recoverer
	sweep  *repair.Sweeper
	loop   *dispatch.Loop
	sink   notify.Sink
	logger *slog.Logger
	config *Config

	newID        idgen.Generator
	urlValidator func(string) error
}

// ServiceOption configures a Service during creation.
type ServiceOption func(*Service)

// WithSink sets the notification backend. Default: none.
func WithSink(s notify.Sink) ServiceOption {
	return func(svc *Service) { svc.sink = s }
}

// WithIDGenerator overrides ID generation. Default: idgen.Default.
func WithIDGenerator(g idgen.Generator) ServiceOption {
	return func(svc *Service) { svc.newID = g }
}

// WithURLValidator overrides the URL validation function (default:
// horosafe.ValidateURL). Use in tests with httptest servers that listen on
// loopback addresses.
func WithURLValidator(fn func(string) error) ServiceOption {
	return func(svc *Service) { svc.urlValidator = fn }
}

// New creates a vigil Service on an open database and a target driver. The
// schema is applied if missing.
func New(db *sql.DB, drv target.Driver, cfg *Config, logger *slog.Logger, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		cfg = defaultConfig()
	}
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	if err := store.ApplySchema(db); err != nil {
		return nil, fmt.Errorf("vigil: apply schema: %w", err)
	}

	svc := &Service{
		st:           store.NewStore(db),
		drv:          drv,
		logger:       logger,
		config:       cfg,
		newID:        idgen.Default,
		urlValidator: horosafe.ValidateURL,
	}
	for _, opt := range opts {
		opt(svc)
	}

	// The scheduler's due callback feeds the dispatcher; the dispatcher is
	// created after the scheduler, so the closure resolves it at fire time.
	svc.sched = schedule.New(svc.st, func(h string) { svc.loop.RefreshNow(h) }, logger)
	svc.rec = repair.NewRecoverer(svc.st, drv, svc.sched, cfg.Repair, logger)
	svc.loop = dispatch.New(svc.st, drv, svc.sched, svc.rec, svc.sink, logger)
	svc.sweep = repair.NewSweeper(svc.st, drv, svc.sched, svc.rec, svc.loop.RefreshNow, cfg.Repair, logger)

	return svc, nil
}

// Start reconciles persisted state and launches the background loops.
// Non-blocking.
func (svc *Service) Start(ctx context.Context) error {
	if err := svc.reconcile(ctx); err != nil {
		return err
	}
	go svc.loop.Run(ctx)
	go svc.sweep.Run(ctx)
	svc.sweep.Kick()
	svc.logger.Info("vigil: started")
	return nil
}

// Close releases timers and the notification backend. The database handle
// belongs to the caller.
func (svc *Service) Close() error {
	svc.sched.CancelAll()
	svc.rec.Shutdown()
	if svc.sink != nil {
		if err := svc.sink.Close(); err != nil {
			svc.logger.Warn("vigil: sink close", "error", err)
		}
	}
	svc.logger.Info("vigil: closed")
	return nil
}

// TargetRemoved reports an externally observed target closure. Wire this to
// the driver's destroy events.
func (svc *Service) TargetRemoved(handle string) {
	svc.loop.TargetRemoved(handle)
}

// reconcile restores scheduling state after a cold start: active watches on
// live targets get timers, watches on vanished targets are removed (their
// target can never produce content again), unbound active watches get a
// fresh container, and persisted backoff cycles resume with their remaining
// delay.
func (svc *Service) reconcile(ctx context.Context) error {
	active, err := svc.st.ListByState(ctx, store.StateActive)
	if err != nil {
		return fmt.Errorf("vigil: reconcile: %w", err)
	}

	byTarget := make(map[string][]*store.Monitor)
	var unbound []*store.Monitor
	for _, m := range active {
		if m.TargetHandle == "" {
			unbound = append(unbound, m)
			continue
		}
		byTarget[m.TargetHandle] = append(byTarget[m.TargetHandle], m)
	}

	for handle, watches := range byTarget {
		if svc.drv.TargetExists(ctx, handle) {
			if err := svc.sched.Schedule(ctx, handle); err != nil {
				svc.logger.Error("vigil: reconcile schedule", "target", handle, "error", err)
			}
			continue
		}
		n, derr := svc.st.DeleteByTarget(ctx, handle)
		if derr != nil {
			svc.logger.Error("vigil: reconcile delete", "target", handle, "error", derr)
			continue
		}
		svc.logger.Info("vigil: removed watches on vanished target",
			"target", handle, "removed", n, "watches", len(watches))
	}

	for _, m := range unbound {
		if err := svc.rebind(ctx, m); err != nil {
			svc.logger.Warn("vigil: reconcile rebind failed", "watch", m.ID, "error", err)
		}
	}

	if err := svc.rec.Reconcile(ctx); err != nil {
		return fmt.Errorf("vigil: reconcile backoff: %w", err)
	}
	return nil
}

// rebind opens a fresh container for an unbound active watch.
func (svc *Service) rebind(ctx context.Context, m *store.Monitor) error {
	placement, _ := svc.st.GetPlacement(ctx, store.PlacementKey(m.SourceURL))
	ctn, err := svc.drv.CreateContainer(ctx, m.SourceURL, m.SessionKind == store.SessionEphemeral, placement)
	if err != nil {
		return err
	}
	if err := svc.st.RebindTarget(ctx, []string{m.ID}, ctn.Handle, ctn.ContainerID); err != nil {
		return err
	}
	return svc.sched.Schedule(ctx, ctn.Handle)
}

// --- Watches ---

// AddWatchRequest describes a new watch.
type AddWatchRequest struct {
	URL        string      `json:"url"`
	Label      string      `json:"label,omitempty"`
	Terms      []MatchTerm `json:"terms"`
	IntervalMs int64       `json:"interval_ms,omitempty"`
	Ephemeral  bool        `json:"ephemeral,omitempty"`
}

// AddWatch validates the request, opens (or reuses) a target showing the
// URL, persists the watch, and arms its schedule.
func (svc *Service) AddWatch(ctx context.Context, req *AddWatchRequest) (*Watch, error) {
	if req.URL == "" {
		return nil, fmt.Errorf("%w: url required", ErrInvalidInput)
	}
	if err := content.ValidateSpec(req.Terms); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := svc.urlValidator(req.URL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	interval := req.IntervalMs
	if interval <= 0 {
		interval = svc.config.DefaultIntervalMs
	}
	if interval < svc.config.MinIntervalMs {
		return nil, fmt.Errorf("%w: interval below %dms floor", ErrInvalidInput, svc.config.MinIntervalMs)
	}

	count, err := svc.st.CountMonitors(ctx)
	if err != nil {
		return nil, fmt.Errorf("vigil: count watches: %w", err)
	}
	if count >= svc.config.MaxWatches {
		return nil, fmt.Errorf("%w: maximum %d watches", ErrQuotaExceeded, svc.config.MaxWatches)
	}

	matchJSON, err := content.EncodeSpec(req.Terms)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	kind := store.SessionNormal
	if req.Ephemeral {
		kind = store.SessionEphemeral
	}

	ctn, err := svc.resolveContainer(ctx, req.URL, kind)
	if err != nil {
		return nil, fmt.Errorf("vigil: open target: %w", err)
	}

	m := &store.Monitor{
		ID:           svc.newID(),
		TargetHandle: ctn.Handle,
		ContainerID:  ctn.ContainerID,
		MatchJSON:    matchJSON,
		IntervalMs:   interval,
		SessionKind:  kind,
		SourceURL:    req.URL,
		Label:        req.Label,
	}
	if err := svc.st.InsertMonitor(ctx, m); err != nil {
		return nil, fmt.Errorf("vigil: insert watch: %w", err)
	}
	if err := svc.sched.Schedule(ctx, ctn.Handle); err != nil {
		svc.logger.Error("vigil: schedule new watch", "watch", m.ID, "error", err)
	}
	svc.sweep.Kick()
	svc.logger.Info("vigil: watch added",
		"watch", m.ID, "url", req.URL, "target", ctn.Handle, "interval_ms", interval, "session", kind)
	return m, nil
}

// resolveContainer reuses the target already showing a URL in the same
// session kind, or opens a new container with any stored placement.
func (svc *Service) resolveContainer(ctx context.Context, url, kind string) (*target.Container, error) {
	existing, err := svc.st.ListByState(ctx, store.StateActive)
	if err != nil {
		return nil, err
	}
	for _, m := range existing {
		if m.SourceURL == url && m.SessionKind == kind && m.TargetHandle != "" {
			if svc.drv.TargetExists(ctx, m.TargetHandle) {
				return &target.Container{Handle: m.TargetHandle, ContainerID: m.ContainerID}, nil
			}
		}
	}
	placement, _ := svc.st.GetPlacement(ctx, store.PlacementKey(url))
	return svc.drv.CreateContainer(ctx, url, kind == store.SessionEphemeral, placement)
}

// GetWatch returns one watch.
func (svc *Service) GetWatch(ctx context.Context, id string) (*Watch, error) {
	m, err := svc.st.GetMonitor(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrWatchNotFound, id)
	}
	return m, nil
}

// ListWatches returns all watches.
func (svc *Service) ListWatches(ctx context.Context) ([]*Watch, error) {
	return svc.st.ListMonitors(ctx)
}

// StopWatch ends a watch without recording history. A pending backoff
// reopen that only served this watch is canceled; a container left with no
// watches is closed.
func (svc *Service) StopWatch(ctx context.Context, id string) error {
	m, err := svc.st.GetMonitor(ctx, id)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("%w: %s", ErrWatchNotFound, id)
	}

	svc.rec.CancelPending(id)
	if err := svc.st.DeleteMonitor(ctx, id); err != nil {
		return fmt.Errorf("vigil: delete watch: %w", err)
	}

	if m.TargetHandle != "" {
		if err := svc.sched.Schedule(ctx, m.TargetHandle); err != nil {
			svc.logger.Warn("vigil: reschedule after stop", "target", m.TargetHandle, "error", err)
		}
		svc.closeIfOrphaned(ctx, m.TargetHandle, m.ContainerID)
	}
	svc.notifyEnded(ctx, m, "")
	svc.logger.Info("vigil: watch stopped", "watch", id)
	return nil
}

// notifyEnded reports a watch leaving the system by user action.
func (svc *Service) notifyEnded(ctx context.Context, m *store.Monitor, snippet string) {
	if svc.sink == nil {
		return
	}
	ev := notify.Event{
		Kind:      notify.EventWatchEnded,
		WatchID:   m.ID,
		Label:     m.Label,
		SourceURL: m.SourceURL,
		Snippet:   snippet,
		At:        time.Now().UnixMilli(),
	}
	if err := svc.sink.Send(ctx, ev); err != nil {
		svc.logger.Warn("vigil: watch-ended notification failed", "watch", m.ID, "error", err)
	}
}

// closeIfOrphaned closes a container no remaining watch references.
func (svc *Service) closeIfOrphaned(ctx context.Context, handle, containerID string) {
	remaining, err := svc.st.ActiveByTarget(ctx, handle)
	if err != nil || len(remaining) > 0 {
		return
	}
	// Found watches also pin their container until dismissed.
	all, err := svc.st.ListMonitors(ctx)
	if err != nil {
		return
	}
	for _, other := range all {
		if other.ContainerID == containerID {
			return
		}
	}
	if err := svc.drv.CloseContainer(ctx, containerID); err != nil {
		svc.logger.Debug("vigil: close orphaned container", "container", containerID, "error", err)
	}
}

// DismissWatch acknowledges a found watch: the match is archived to
// history and the watch removed.
func (svc *Service) DismissWatch(ctx context.Context, id string) (*HistoryEntry, error) {
	m, err := svc.st.GetMonitor(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrWatchNotFound, id)
	}
	if m.State != store.StateFound {
		return nil, fmt.Errorf("%w: watch %s is %s, only found watches can be dismissed", ErrInvalidInput, id, m.State)
	}

	entry := &store.HistoryEntry{
		ID:          idgen.Prefixed("hst_", svc.newID)(),
		MonitorID:   m.ID,
		Label:       m.Label,
		SourceURL:   m.SourceURL,
		MatchJSON:   m.MatchJSON,
		Snippet:     m.FoundSnippet,
		FoundAt:     m.FoundAt,
		DismissedAt: time.Now().UnixMilli(),
	}
	if err := svc.st.AppendHistory(ctx, entry, HistoryCap); err != nil {
		return nil, fmt.Errorf("vigil: append history: %w", err)
	}
	if err := svc.st.DeleteMonitor(ctx, id); err != nil {
		return nil, fmt.Errorf("vigil: delete watch: %w", err)
	}
	if m.TargetHandle != "" {
		svc.closeIfOrphaned(ctx, m.TargetHandle, m.ContainerID)
	}
	svc.notifyEnded(ctx, m, m.FoundSnippet)
	svc.logger.Info("vigil: watch dismissed", "watch", id, "history", entry.ID)
	return entry, nil
}

// History returns the most recent dismissal entries, newest first.
func (svc *Service) History(ctx context.Context, limit int) ([]*HistoryEntry, error) {
	if limit <= 0 || limit > HistoryCap {
		limit = HistoryCap
	}
	return svc.st.ListHistory(ctx, limit)
}

// --- Saved configurations ---

// SaveConfiguration stores a named bundle of watch templates.
func (svc *Service) SaveConfiguration(ctx context.Context, name string, entries []WatchTemplate) (*SavedConfig, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: name required", ErrInvalidInput)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: at least one entry required", ErrInvalidInput)
	}
	for i := range entries {
		if entries[i].URL == "" {
			return nil, fmt.Errorf("%w: entry %d: url required", ErrInvalidInput, i)
		}
		if err := content.ValidateSpec(entries[i].Terms); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrInvalidInput, i, err)
		}
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("vigil: encode entries: %w", err)
	}
	c := &store.SavedConfig{
		ID:          idgen.Prefixed("cfg_", svc.newID)(),
		Name:        name,
		EntriesJSON: string(data),
		CreatedAt:   time.Now().UnixMilli(),
	}
	if err := svc.st.InsertSavedConfig(ctx, c, MaxSavedConfigs); err != nil {
		if errors.Is(err, store.ErrConfigCapReached) {
			return nil, fmt.Errorf("%w: maximum %d saved configurations", ErrQuotaExceeded, MaxSavedConfigs)
		}
		return nil, fmt.Errorf("vigil: save configuration: %w", err)
	}
	svc.logger.Info("vigil: configuration saved", "config", c.ID, "name", name, "entries", len(entries))
	return c, nil
}

// ApplyResult reports the outcome of applying one template entry.
type ApplyResult struct {
	URL     string `json:"url"`
	WatchID string `json:"watch_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ApplySavedConfig recreates the watches of a saved configuration.
// Per-entry failures do not abort the rest.
func (svc *Service) ApplySavedConfig(ctx context.Context, id string) ([]ApplyResult, error) {
	c, err := svc.st.GetSavedConfig(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, id)
	}
	var entries []WatchTemplate
	if err := json.Unmarshal([]byte(c.EntriesJSON), &entries); err != nil {
		return nil, fmt.Errorf("vigil: decode entries: %w", err)
	}

	results := make([]ApplyResult, 0, len(entries))
	for _, e := range entries {
		res := ApplyResult{URL: e.URL}
		w, aerr := svc.AddWatch(ctx, &AddWatchRequest{
			URL:        e.URL,
			Label:      e.Label,
			Terms:      e.Terms,
			IntervalMs: e.IntervalMs,
			Ephemeral:  e.Ephemeral,
		})
		if aerr != nil {
			res.Error = aerr.Error()
		} else {
			res.WatchID = w.ID
		}
		results = append(results, res)
	}
	svc.logger.Info("vigil: configuration applied", "config", id, "entries", len(entries))
	return results, nil
}

// ListSavedConfigs returns all saved configurations.
func (svc *Service) ListSavedConfigs(ctx context.Context) ([]*SavedConfig, error) {
	return svc.st.ListSavedConfigs(ctx)
}

// DeleteSavedConfig removes a saved configuration.
func (svc *Service) DeleteSavedConfig(ctx context.Context, id string) error {
	return svc.st.DeleteSavedConfig(ctx, id)
}

// --- Maintenance ---

// SweepNow runs one watchdog pass immediately.
func (svc *Service) SweepNow(ctx context.Context) (forced, removed int) {
	return svc.sweep.SweepOnce(ctx)
}

// Stats returns a service snapshot.
func (svc *Service) Stats(ctx context.Context) (*Stats, error) {
	byState, err := svc.st.CountByState(ctx)
	if err != nil {
		return nil, err
	}
	histN, err := svc.st.CountHistory(ctx)
	if err != nil {
		return nil, err
	}
	cfgs, err := svc.st.ListSavedConfigs(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		WatchesByState:   byState,
		HistoryEntries:   histN,
		SavedConfigs:     len(cfgs),
		ScheduledTargets: svc.sched.ArmedCount(),
		PendingReopens:   svc.rec.PendingReopens(),
		Sweep:            svc.sweep.Stats(),
	}, nil
}
