package repair

import (
	"context"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/vigil/dbopen"
	"github.com/hazyhaar/vigil/vigil/internal/content"
	"github.com/hazyhaar/vigil/vigil/internal/schedule"
	"github.com/hazyhaar/vigil/vigil/internal/store"
	"github.com/hazyhaar/vigil/vigil/internal/target"
)

// fakeDriver is a function-field fake of target.Driver that records calls.
type fakeDriver struct {
	mu        sync.Mutex
	navigated []string
	closed    []string
	created   []string

	navErr    error
	createErr error
	existsFn  func(handle string) bool
	placement *store.Placement
	handleSeq int
}

func (d *fakeDriver) RefreshTarget(ctx context.Context, handle string) error { return nil }

func (d *fakeDriver) NavigateTarget(ctx context.Context, handle, url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.navErr != nil {
		return d.navErr
	}
	d.navigated = append(d.navigated, handle)
	return nil
}

func (d *fakeDriver) CreateContainer(ctx context.Context, url string, ephemeral bool, placement *store.Placement) (*target.Container, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createErr != nil {
		return nil, d.createErr
	}
	d.handleSeq++
	d.created = append(d.created, url)
	return &target.Container{
		Handle:      "tgt-new-" + string(rune('a'+d.handleSeq-1)),
		ContainerID: "ctn-new-" + string(rune('a'+d.handleSeq-1)),
		Placement:   placement,
	}, nil
}

func (d *fakeDriver) CloseContainer(ctx context.Context, containerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = append(d.closed, containerID)
	return nil
}

func (d *fakeDriver) ContainerPlacement(ctx context.Context, containerID string) (*store.Placement, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.placement == nil {
		return nil, target.ErrTargetGone
	}
	return d.placement, nil
}

func (d *fakeDriver) ReadContent(ctx context.Context, handle string) (*content.Page, error) {
	return nil, target.ErrNoContent
}

func (d *fakeDriver) TargetExists(ctx context.Context, handle string) bool {
	if d.existsFn != nil {
		return d.existsFn(handle)
	}
	return true
}

func (d *fakeDriver) navCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.navigated)
}

func (d *fakeDriver) closedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.closed)
}

func (d *fakeDriver) createdCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.created)
}

func openRepairStore(t *testing.T) *store.Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := store.ApplySchema(db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return store.NewStore(db)
}

func newRig(t *testing.T, cfg Config) (*store.Store, *schedule.Scheduler, *fakeDriver, *Recoverer) {
	t.Helper()
	st := openRepairStore(t)
	sched := schedule.New(st, func(string) {}, nil)
	t.Cleanup(sched.CancelAll)
	drv := &fakeDriver{}
	rec := NewRecoverer(st, drv, sched, cfg, nil)
	return st, sched, drv, rec
}

func insertWatch(t *testing.T, st *store.Store, id, handle, container, kind string) *store.Monitor {
	t.Helper()
	m := &store.Monitor{
		ID:           id,
		TargetHandle: handle,
		ContainerID:  container,
		MatchJSON:    `[{"term":"shipped"}]`,
		IntervalMs:   30000,
		SessionKind:  kind,
		SourceURL:    "https://shop.example/item",
		Label:        "item",
	}
	if err := st.InsertMonitor(context.Background(), m); err != nil {
		t.Fatalf("insert monitor: %v", err)
	}
	return m
}

// WHAT: verifies the backoff delay doubles from the base and saturates at the cap.
// WHY: the delay schedule is the contract that keeps rate-limited sources from
// being hit harder when they are already refusing service.
func TestDelay_DoublesAndSaturates(t *testing.T) {
	base, max := 5*time.Second, 120*time.Second
	want := []time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second,
		40 * time.Second, 80 * time.Second, 120 * time.Second,
		120 * time.Second,
	}
	for i, w := range want {
		if got := Delay(base, max, i+1); got != w {
			t.Errorf("Delay(cycle=%d) = %v, want %v", i+1, got, w)
		}
	}
	if got := Delay(base, max, 0); got != base {
		t.Errorf("Delay(cycle=0) = %v, want base %v", got, base)
	}
	if got := Delay(base, max, 63); got != max {
		t.Errorf("Delay(cycle=63) = %v, want max %v", got, max)
	}
}

// WHAT: two error signals for the same target within the cooldown trigger
// exactly one recovery.
// WHY: content inspection and navigation failures both report the same
// incident; without dedup every error would recover twice.
func TestRecover_CooldownDedupsDuplicateSignals(t *testing.T) {
	st, _, drv, rec := newRig(t, Config{Cooldown: 10 * time.Second})
	insertWatch(t, st, "wch-1", "tgt-1", "ctn-1", store.SessionNormal)

	ctx := context.Background()
	if err := rec.Recover(ctx, "tgt-1", "https://shop.example/item"); err != nil {
		t.Fatalf("first Recover: %v", err)
	}
	if err := rec.Recover(ctx, "tgt-1", "https://shop.example/item"); err != nil {
		t.Fatalf("second Recover: %v", err)
	}
	if got := drv.navCount(); got != 1 {
		t.Fatalf("navigations = %d, want 1 (second signal inside cooldown)", got)
	}
}

// WHAT: the cooldown is tracked per target, not globally.
func TestRecover_CooldownIsPerTarget(t *testing.T) {
	st, _, drv, rec := newRig(t, Config{Cooldown: 10 * time.Second})
	insertWatch(t, st, "wch-1", "tgt-1", "ctn-1", store.SessionNormal)
	insertWatch(t, st, "wch-2", "tgt-2", "ctn-2", store.SessionNormal)

	ctx := context.Background()
	if err := rec.Recover(ctx, "tgt-1", "https://shop.example/item"); err != nil {
		t.Fatalf("Recover tgt-1: %v", err)
	}
	if err := rec.Recover(ctx, "tgt-2", "https://shop.example/item"); err != nil {
		t.Fatalf("Recover tgt-2: %v", err)
	}
	if got := drv.navCount(); got != 2 {
		t.Fatalf("navigations = %d, want 2", got)
	}
}

// WHAT: normal-session recovery re-navigates the same target and leaves the
// watch active with its binding intact.
func TestRecover_NormalSessionRenavigates(t *testing.T) {
	st, sched, drv, rec := newRig(t, Config{})
	insertWatch(t, st, "wch-1", "tgt-1", "ctn-1", store.SessionNormal)

	ctx := context.Background()
	if err := rec.Recover(ctx, "tgt-1", "https://shop.example/item"); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if got := drv.navCount(); got != 1 {
		t.Fatalf("navigations = %d, want 1", got)
	}
	if drv.closedCount() != 0 {
		t.Fatal("normal-session recovery must not close containers")
	}
	m, err := st.GetMonitor(ctx, "wch-1")
	if err != nil {
		t.Fatalf("get monitor: %v", err)
	}
	if m.State != store.StateActive || m.TargetHandle != "tgt-1" {
		t.Fatalf("watch after recovery = %s/%s, want active/tgt-1", m.State, m.TargetHandle)
	}
	if !sched.Armed("tgt-1") {
		t.Fatal("target must be rescheduled after re-navigation")
	}
}

// WHAT: when re-navigation finds the target gone, the bound watches are
// deleted rather than retried.
// WHY: a dead target can never produce content again; keeping the watch
// would leave a permanently inert row.
func TestRecover_TargetGoneDeletesWatches(t *testing.T) {
	st, _, drv, rec := newRig(t, Config{})
	drv.navErr = target.ErrTargetGone
	insertWatch(t, st, "wch-1", "tgt-1", "ctn-1", store.SessionNormal)

	ctx := context.Background()
	if err := rec.Recover(ctx, "tgt-1", "https://shop.example/item"); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	m, err := st.GetMonitor(ctx, "wch-1")
	if err != nil {
		t.Fatalf("get monitor: %v", err)
	}
	if m != nil {
		t.Fatalf("watch still present after target-gone recovery: %+v", m)
	}
}

// WHAT: ephemeral recovery closes the container, snapshots its placement,
// moves the watches into backoff with one counted reset cycle, and — after
// the backoff delay — reopens a fresh container and rebinds.
// WHY: the full reset pipeline is the core recovery path; each stage
// (placement, teardown flag, backoff, rebind) has observable state.
func TestRecover_EphemeralResetWithBackoff(t *testing.T) {
	st, _, drv, rec := newRig(t, Config{
		BackoffBase: 40 * time.Millisecond,
		BackoffMax:  time.Second,
	})
	drv.placement = &store.Placement{Left: 10, Top: 20, Width: 800, Height: 600}
	insertWatch(t, st, "wch-1", "tgt-1", "ctn-1", store.SessionEphemeral)

	ctx := context.Background()
	if err := rec.Recover(ctx, "tgt-1", "https://shop.example/item"); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if got := drv.closedCount(); got != 1 {
		t.Fatalf("closed containers = %d, want 1", got)
	}
	if !rec.TornDown("tgt-1") {
		t.Fatal("target must be flagged torn-down during the reset window")
	}
	m, err := st.GetMonitor(ctx, "wch-1")
	if err != nil {
		t.Fatalf("get monitor: %v", err)
	}
	if m.State != store.StateBackoff {
		t.Fatalf("state = %s, want backoff", m.State)
	}
	if m.ResetCycles != 1 {
		t.Fatalf("reset cycles = %d, want 1", m.ResetCycles)
	}
	if pl, _ := st.GetPlacement(ctx, store.PlacementKey(m.SourceURL)); pl == nil || pl.Width != 800 {
		t.Fatalf("placement not snapshotted before teardown: %+v", pl)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		m, err = st.GetMonitor(ctx, "wch-1")
		if err != nil {
			t.Fatalf("get monitor: %v", err)
		}
		if m.State == store.StateActive {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("watch never reactivated; state = %s", m.State)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if m.TargetHandle == "" || m.TargetHandle == "tgt-1" {
		t.Fatalf("watch rebound to %q, want a fresh target handle", m.TargetHandle)
	}
	if m.ResetCycles != 1 {
		t.Fatalf("reset cycles after rebind = %d, want preserved 1", m.ResetCycles)
	}
	if rec.TornDown("tgt-1") {
		t.Fatal("teardown flag must be released after the reopen")
	}
}

// WHAT: a second reset doubles the backoff delay, derived from the
// persisted cycle count.
func TestRecover_SecondResetUsesNextCycleDelay(t *testing.T) {
	st, _, _, rec := newRig(t, Config{
		Cooldown:    time.Millisecond,
		BackoffBase: 10 * time.Second,
		BackoffMax:  120 * time.Second,
	})
	m := insertWatch(t, st, "wch-1", "tgt-1", "ctn-1", store.SessionEphemeral)

	ctx := context.Background()
	// Simulate a completed first cycle.
	if err := st.SetBackoff(ctx, []string{m.ID}, time.Now().UnixMilli()); err != nil {
		t.Fatalf("set backoff: %v", err)
	}
	if err := st.Reactivate(ctx, []string{m.ID}, "tgt-2", "ctn-2"); err != nil {
		t.Fatalf("reactivate: %v", err)
	}

	before := time.Now().UnixMilli()
	if err := rec.Recover(ctx, "tgt-2", m.SourceURL); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	got, err := st.GetMonitor(ctx, m.ID)
	if err != nil {
		t.Fatalf("get monitor: %v", err)
	}
	if got.ResetCycles != 2 {
		t.Fatalf("reset cycles = %d, want 2", got.ResetCycles)
	}
	// Cycle 2 delay is base·2 = 20s; the persisted deadline reflects it.
	wait := got.NextRefreshAt - before
	if wait < 19000 || wait > 21000 {
		t.Fatalf("backoff deadline %dms out, want ~20000ms", wait)
	}
	rec.CancelPending(m.ID)
}

// WHAT: canceling the last watch of a pending reopen stops the timer and
// releases the teardown flags.
// WHY: an explicit stop during backoff must win; otherwise the reopen would
// resurrect a container for a watch the user already ended.
func TestCancelPending_StopsReopenAndUnflags(t *testing.T) {
	st, _, _, rec := newRig(t, Config{
		BackoffBase: time.Minute,
		BackoffMax:  2 * time.Minute,
	})
	insertWatch(t, st, "wch-1", "tgt-1", "ctn-1", store.SessionEphemeral)

	ctx := context.Background()
	if err := rec.Recover(ctx, "tgt-1", "https://shop.example/item"); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if got := rec.PendingReopens(); got != 1 {
		t.Fatalf("pending reopens = %d, want 1", got)
	}

	rec.CancelPending("wch-1")
	if got := rec.PendingReopens(); got != 0 {
		t.Fatalf("pending reopens after cancel = %d, want 0", got)
	}
	if rec.TornDown("tgt-1") {
		t.Fatal("teardown flag must be released with the canceled reopen")
	}
}

// WHAT: when reopening fails, watches come back active but unbound instead
// of being dropped.
func TestReopen_FailureLeavesWatchesUnbound(t *testing.T) {
	st, _, drv, rec := newRig(t, Config{
		BackoffBase: 30 * time.Millisecond,
		BackoffMax:  time.Second,
	})
	drv.createErr = context.DeadlineExceeded
	insertWatch(t, st, "wch-1", "tgt-1", "ctn-1", store.SessionEphemeral)

	ctx := context.Background()
	if err := rec.Recover(ctx, "tgt-1", "https://shop.example/item"); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		m, err := st.GetMonitor(ctx, "wch-1")
		if err != nil {
			t.Fatalf("get monitor: %v", err)
		}
		if m.State == store.StateActive {
			if m.TargetHandle != "" {
				t.Fatalf("handle = %q, want unbound after failed reopen", m.TargetHandle)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("watch never reactivated; state = %s", m.State)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// WHAT: Reconcile re-arms reopen timers for watches persisted in backoff,
// so a restart during the wait window does not strand them.
func TestReconcile_RestoresPendingBackoff(t *testing.T) {
	st, _, _, rec := newRig(t, Config{})
	m := insertWatch(t, st, "wch-1", "tgt-1", "ctn-1", store.SessionEphemeral)

	ctx := context.Background()
	if err := st.SetBackoff(ctx, []string{m.ID}, time.Now().Add(45*time.Millisecond).UnixMilli()); err != nil {
		t.Fatalf("set backoff: %v", err)
	}

	if err := rec.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got := rec.PendingReopens(); got != 1 {
		t.Fatalf("pending reopens = %d, want 1", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := st.GetMonitor(ctx, m.ID)
		if err != nil {
			t.Fatalf("get monitor: %v", err)
		}
		if got.State == store.StateActive {
			if got.TargetHandle == "" {
				t.Fatal("reconciled watch must be rebound to a fresh target")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("reconciled watch never reopened; state = %s", got.State)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// WHAT: a failed backoff write releases the teardown flags and leaves the
// watches active but unbound, with no reopen armed.
// WHY: the containers are already closed at that point; a target still
// flagged would be skipped by both the removal path and the watchdog with
// nothing ever scheduled to clear it.
func TestRecover_BackoffWriteFailureReleasesFlags(t *testing.T) {
	st, _, drv, rec := newRig(t, Config{Cooldown: time.Second, BackoffBase: 40 * time.Millisecond})
	insertWatch(t, st, "wch-1", "tgt-1", "ctn-1", store.SessionEphemeral)

	// Fail the backoff transition itself; every other write still works.
	if _, err := st.DB.Exec(`CREATE TRIGGER reject_backoff
		BEFORE UPDATE OF state ON monitors
		WHEN NEW.state = 'backoff'
		BEGIN SELECT RAISE(ABORT, 'backoff write refused'); END`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	ctx := context.Background()
	if err := rec.Recover(ctx, "tgt-1", "https://shop.example/item"); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if got := drv.closedCount(); got != 1 {
		t.Fatalf("closed containers = %d, want 1", got)
	}
	if rec.TornDown("tgt-1") {
		t.Fatal("teardown flag must not survive a failed backoff write")
	}
	if got := rec.PendingReopens(); got != 0 {
		t.Fatalf("pending reopens = %d, want 0", got)
	}

	m, err := st.GetMonitor(ctx, "wch-1")
	if err != nil || m == nil {
		t.Fatalf("get monitor: %v", err)
	}
	if m.State != store.StateActive || m.TargetHandle != "" {
		t.Fatalf("watch state %q handle %q, want active and unbound", m.State, m.TargetHandle)
	}
}

// WHAT: dedup stamps older than the cooldown are dropped when the next
// signal is stamped.
// WHY: the map would otherwise grow by one entry per target handle for the
// daemon's lifetime.
func TestRecover_CooldownStampsArePruned(t *testing.T) {
	st, _, _, rec := newRig(t, Config{Cooldown: 30 * time.Millisecond})
	insertWatch(t, st, "wch-1", "tgt-1", "ctn-1", store.SessionNormal)
	insertWatch(t, st, "wch-2", "tgt-2", "ctn-2", store.SessionNormal)

	ctx := context.Background()
	if err := rec.Recover(ctx, "tgt-1", "https://shop.example/item"); err != nil {
		t.Fatalf("first Recover: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	if err := rec.Recover(ctx, "tgt-2", "https://shop.example/item"); err != nil {
		t.Fatalf("second Recover: %v", err)
	}

	rec.mu.Lock()
	_, stale := rec.lastRecovery["tgt-1"]
	n := len(rec.lastRecovery)
	rec.mu.Unlock()
	if stale || n != 1 {
		t.Fatalf("lastRecovery has %d entries (tgt-1 kept: %v), want only the fresh stamp", n, stale)
	}
}

// WHAT: Shutdown stops a pending reopen, clears the teardown flags, and no
// container is created after it.
// WHY: a backoff timer firing during process shutdown would recreate
// containers nobody manages; the persisted backoff state is re-armed by
// Reconcile on the next start instead.
func TestShutdown_StopsPendingReopens(t *testing.T) {
	st, _, drv, rec := newRig(t, Config{Cooldown: time.Second, BackoffBase: 40 * time.Millisecond})
	insertWatch(t, st, "wch-1", "tgt-1", "ctn-1", store.SessionEphemeral)

	ctx := context.Background()
	if err := rec.Recover(ctx, "tgt-1", "https://shop.example/item"); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if got := rec.PendingReopens(); got != 1 {
		t.Fatalf("pending reopens = %d, want 1", got)
	}

	rec.Shutdown()

	if got := rec.PendingReopens(); got != 0 {
		t.Fatalf("pending reopens after Shutdown = %d, want 0", got)
	}
	if rec.TornDown("tgt-1") {
		t.Fatal("teardown flag must not survive Shutdown")
	}

	time.Sleep(80 * time.Millisecond)
	if got := drv.createdCount(); got != 0 {
		t.Fatalf("containers created after Shutdown = %d, want 0", got)
	}
}
