package vigil

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/vigil/dbopen"
	"github.com/hazyhaar/vigil/vigil/internal/content"
	"github.com/hazyhaar/vigil/vigil/internal/store"
	"github.com/hazyhaar/vigil/vigil/internal/target"
)

// fakeDriver is an in-memory target platform for service tests.
type fakeDriver struct {
	mu      sync.Mutex
	seq     int
	live    map[string]bool // handle -> exists
	closed  []string
	created int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{live: map[string]bool{}}
}

func (d *fakeDriver) RefreshTarget(ctx context.Context, handle string) error { return nil }
func (d *fakeDriver) NavigateTarget(ctx context.Context, h, u string) error  { return nil }

func (d *fakeDriver) CreateContainer(ctx context.Context, url string, ephemeral bool, placement *store.Placement) (*target.Container, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	d.created++
	handle := fmt.Sprintf("tgt-%d", d.seq)
	d.live[handle] = true
	return &target.Container{Handle: handle, ContainerID: "ctn-" + handle, Placement: placement}, nil
}

func (d *fakeDriver) CloseContainer(ctx context.Context, containerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = append(d.closed, containerID)
	delete(d.live, strings.TrimPrefix(containerID, "ctn-"))
	return nil
}

func (d *fakeDriver) ContainerPlacement(ctx context.Context, containerID string) (*store.Placement, error) {
	return nil, target.ErrTargetGone
}

func (d *fakeDriver) ReadContent(ctx context.Context, handle string) (*content.Page, error) {
	return nil, target.ErrNoContent
}

func (d *fakeDriver) TargetExists(ctx context.Context, handle string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live[handle]
}

func (d *fakeDriver) closedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.closed)
}

func setupTestService(t *testing.T, cfg *Config) (*Service, *fakeDriver) {
	t.Helper()
	db := dbopen.OpenMemory(t)

	drv := newFakeDriver()
	svc, err := New(db, drv, cfg, nil, WithURLValidator(func(string) error { return nil }))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc, drv
}

func watchReq(url string) *AddWatchRequest {
	return &AddWatchRequest{
		URL:   url,
		Label: "test watch",
		Terms: []MatchTerm{{Term: "in stock"}},
	}
}

func TestService_AddWatch(t *testing.T) {
	// WHAT: Add a watch via the service layer.
	// WHY: Service layer is the API surface.
	svc, drv := setupTestService(t, nil)
	ctx := context.Background()

	w, err := svc.AddWatch(ctx, watchReq("https://shop.example/item"))
	if err != nil {
		t.Fatalf("add watch: %v", err)
	}
	if w.ID == "" {
		t.Error("ID should be auto-generated")
	}
	if w.State != StateActive {
		t.Errorf("state: got %q, want active", w.State)
	}
	if w.TargetHandle == "" || w.ContainerID == "" {
		t.Error("watch should be bound to a container")
	}
	if w.IntervalMs != 30000 {
		t.Errorf("interval: got %d, want default 30000", w.IntervalMs)
	}
	if drv.created != 1 {
		t.Errorf("containers created: got %d, want 1", drv.created)
	}

	watches, err := svc.ListWatches(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(watches) != 1 {
		t.Fatalf("count: got %d", len(watches))
	}
	if !svc.sched.Armed(w.TargetHandle) {
		t.Error("target should be scheduled")
	}
}

func TestService_AddWatch_Validation(t *testing.T) {
	// WHAT: Invalid input is rejected before anything is created.
	// WHY: AddWatch is externally reachable via REST and MCP.
	svc, drv := setupTestService(t, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		req  *AddWatchRequest
	}{
		{"missing url", &AddWatchRequest{Terms: []MatchTerm{{Term: "x"}}}},
		{"no terms", &AddWatchRequest{URL: "https://a.example"}},
		{"joiner on first term", &AddWatchRequest{URL: "https://a.example", Terms: []MatchTerm{{Term: "x", Joiner: "AND"}}}},
		{"interval below floor", &AddWatchRequest{URL: "https://a.example", Terms: []MatchTerm{{Term: "x"}}, IntervalMs: 100}},
	}
	for _, c := range cases {
		if _, err := svc.AddWatch(ctx, c.req); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%s: err = %v, want ErrInvalidInput", c.name, err)
		}
	}
	if drv.created != 0 {
		t.Errorf("containers created on invalid input: %d", drv.created)
	}

	// The default floor is 3s, so the typical lower bound is accepted.
	req := watchReq("https://fast.example")
	req.IntervalMs = 3000
	w, err := svc.AddWatch(ctx, req)
	if err != nil {
		t.Fatalf("3s interval rejected: %v", err)
	}
	if w.IntervalMs != 3000 {
		t.Errorf("interval: got %d, want 3000", w.IntervalMs)
	}
}

func TestService_AddWatch_Quota(t *testing.T) {
	// WHAT: The watch cap rejects further additions.
	svc, _ := setupTestService(t, &Config{MaxWatches: 1})
	ctx := context.Background()

	if _, err := svc.AddWatch(ctx, watchReq("https://a.example")); err != nil {
		t.Fatalf("first add: %v", err)
	}
	_, err := svc.AddWatch(ctx, watchReq("https://b.example"))
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}
}

func TestService_AddWatch_RejectsUnsafeURL(t *testing.T) {
	// WHAT: Without an override, the SSRF validator blocks private
	// addresses.
	db := dbopen.OpenMemory(t)
	svc, err := New(db, newFakeDriver(), nil, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	_, err = svc.AddWatch(context.Background(), watchReq("http://192.168.1.10/admin"))
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestService_AddWatch_ReusesTarget(t *testing.T) {
	// WHAT: Two watches on the same URL and session kind share one target.
	// WHY: One page per URL; the second watch piggybacks on the refresh.
	svc, drv := setupTestService(t, nil)
	ctx := context.Background()

	w1, err := svc.AddWatch(ctx, watchReq("https://shop.example/item"))
	if err != nil {
		t.Fatalf("first add: %v", err)
	}
	w2, err := svc.AddWatch(ctx, watchReq("https://shop.example/item"))
	if err != nil {
		t.Fatalf("second add: %v", err)
	}
	if w1.TargetHandle != w2.TargetHandle {
		t.Errorf("handles differ: %q vs %q", w1.TargetHandle, w2.TargetHandle)
	}
	if drv.created != 1 {
		t.Errorf("containers created: got %d, want 1", drv.created)
	}

	// A different session kind never shares.
	w3, err := svc.AddWatch(ctx, &AddWatchRequest{
		URL: "https://shop.example/item", Terms: []MatchTerm{{Term: "x"}}, Ephemeral: true,
	})
	if err != nil {
		t.Fatalf("ephemeral add: %v", err)
	}
	if w3.TargetHandle == w1.TargetHandle {
		t.Error("ephemeral watch must not share a normal-session target")
	}
}

func TestService_StopWatch(t *testing.T) {
	// WHAT: Stopping the last watch on a target closes its container.
	svc, drv := setupTestService(t, nil)
	ctx := context.Background()

	w, err := svc.AddWatch(ctx, watchReq("https://shop.example/item"))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := svc.StopWatch(ctx, w.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := svc.GetWatch(ctx, w.ID); !errors.Is(err, ErrWatchNotFound) {
		t.Fatalf("get after stop: %v, want ErrWatchNotFound", err)
	}
	if drv.closedCount() != 1 {
		t.Errorf("containers closed: got %d, want 1", drv.closedCount())
	}
	if svc.sched.Armed(w.TargetHandle) {
		t.Error("target still scheduled after last watch stopped")
	}
}

func TestService_StopWatch_KeepsSharedContainer(t *testing.T) {
	// WHAT: Stopping one of two watches on a target keeps the container.
	svc, drv := setupTestService(t, nil)
	ctx := context.Background()

	w1, _ := svc.AddWatch(ctx, watchReq("https://shop.example/item"))
	w2, err := svc.AddWatch(ctx, watchReq("https://shop.example/item"))
	if err != nil {
		t.Fatalf("second add: %v", err)
	}
	if err := svc.StopWatch(ctx, w1.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if drv.closedCount() != 0 {
		t.Error("shared container closed while a watch remains")
	}
	if !svc.sched.Armed(w2.TargetHandle) {
		t.Error("target should still be scheduled for the remaining watch")
	}
}

func TestService_DismissWatch(t *testing.T) {
	// WHAT: Dismissing a found watch archives the match and removes the
	// watch; dismissing an active one is rejected.
	svc, _ := setupTestService(t, nil)
	ctx := context.Background()

	w, err := svc.AddWatch(ctx, watchReq("https://shop.example/item"))
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	if _, err := svc.DismissWatch(ctx, w.ID); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("dismiss active: %v, want ErrInvalidInput", err)
	}

	foundAt := time.Now().UnixMilli()
	if err := svc.st.MarkFound(ctx, w.ID, foundAt, "**In stock** now"); err != nil {
		t.Fatalf("mark found: %v", err)
	}

	entry, err := svc.DismissWatch(ctx, w.ID)
	if err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	if entry.Snippet != "**In stock** now" {
		t.Errorf("snippet: got %q", entry.Snippet)
	}
	if entry.FoundAt != foundAt {
		t.Errorf("found_at: got %d, want %d", entry.FoundAt, foundAt)
	}
	if _, err := svc.GetWatch(ctx, w.ID); !errors.Is(err, ErrWatchNotFound) {
		t.Fatal("watch should be gone after dismissal")
	}

	hist, err := svc.History(ctx, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 1 || hist[0].MonitorID != w.ID {
		t.Fatalf("history = %+v", hist)
	}
}

func TestService_SaveAndApplyConfig(t *testing.T) {
	// WHAT: A saved configuration recreates its watches on apply.
	svc, _ := setupTestService(t, nil)
	ctx := context.Background()

	entries := []WatchTemplate{
		{URL: "https://a.example", Label: "a", Terms: []MatchTerm{{Term: "alpha"}}},
		{URL: "https://b.example", Label: "b", Terms: []MatchTerm{{Term: "beta"}, {Term: "gamma", Joiner: "OR"}}},
	}
	c, err := svc.SaveConfiguration(ctx, "morning run", entries)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if c.ID == "" || c.Name != "morning run" {
		t.Fatalf("config = %+v", c)
	}

	results, err := svc.ApplySavedConfig(ctx, c.ID)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results: got %d, want 2", len(results))
	}
	for _, res := range results {
		if res.Error != "" || res.WatchID == "" {
			t.Errorf("apply result = %+v", res)
		}
	}
	watches, _ := svc.ListWatches(ctx)
	if len(watches) != 2 {
		t.Fatalf("watches after apply: got %d, want 2", len(watches))
	}
}

func TestService_SaveConfig_Validation(t *testing.T) {
	svc, _ := setupTestService(t, nil)
	ctx := context.Background()

	if _, err := svc.SaveConfiguration(ctx, "", []WatchTemplate{{URL: "https://a.example", Terms: []MatchTerm{{Term: "x"}}}}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty name: %v", err)
	}
	if _, err := svc.SaveConfiguration(ctx, "n", nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("no entries: %v", err)
	}
}

func TestService_Stats(t *testing.T) {
	// WHAT: Stats reflects watches, scheduling, and history.
	svc, _ := setupTestService(t, nil)
	ctx := context.Background()

	svc.AddWatch(ctx, watchReq("https://a.example"))
	svc.AddWatch(ctx, watchReq("https://b.example"))

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.WatchesByState[StateActive] != 2 {
		t.Errorf("active: got %d, want 2", stats.WatchesByState[StateActive])
	}
	if stats.ScheduledTargets != 2 {
		t.Errorf("scheduled: got %d, want 2", stats.ScheduledTargets)
	}
}

func TestService_Reconcile(t *testing.T) {
	// WHAT: Start restores schedules for live targets, deletes watches on
	// vanished ones, and rebinds unbound watches.
	// WHY: Cold-start reconciliation is what makes watches survive a
	// restart.
	db := dbopen.OpenMemory(t)
	if err := store.ApplySchema(db); err != nil {
		t.Fatalf("schema: %v", err)
	}
	st := store.NewStore(db)
	ctx := context.Background()

	drv := newFakeDriver()
	drv.live["tgt-live"] = true

	seed := func(id, handle string) {
		m := &store.Monitor{
			ID: id, TargetHandle: handle, ContainerID: "ctn-" + handle,
			MatchJSON: `[{"term":"x"}]`, IntervalMs: 30000,
			SessionKind: store.SessionNormal, SourceURL: "https://shop.example/item",
		}
		if err := st.InsertMonitor(ctx, m); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	seed("wch-live", "tgt-live")
	seed("wch-dead", "tgt-dead")
	seed("wch-unbound", "")

	svc, err := New(db, drv, nil, nil, WithURLValidator(func(string) error { return nil }))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })

	runCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	if err := svc.Start(runCtx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if !svc.sched.Armed("tgt-live") {
		t.Error("live target should be rescheduled")
	}
	if got, _ := st.GetMonitor(ctx, "wch-dead"); got != nil {
		t.Error("watch on vanished target should be deleted")
	}
	rebound, _ := st.GetMonitor(ctx, "wch-unbound")
	if rebound == nil || rebound.TargetHandle == "" {
		t.Fatalf("unbound watch not rebound: %+v", rebound)
	}
	if !svc.sched.Armed(rebound.TargetHandle) {
		t.Error("rebound target should be scheduled")
	}
}

// WHAT: stopping and dismissing both emit a watch-ended event to the sink.
// WHY: consumers that track active watches need to hear about removals
// they did not initiate through their own channel.
func TestService_WatchEndedEvents(t *testing.T) {
	db := dbopen.OpenMemory(t)

	var mu sync.Mutex
	var events []Event
	sink := NewCallbackSink(func(_ context.Context, ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
		return nil
	})

	svc, err := New(db, newFakeDriver(), nil, nil,
		WithURLValidator(func(string) error { return nil }),
		WithSink(sink))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	ctx := context.Background()

	stopped, err := svc.AddWatch(ctx, watchReq("https://a.example"))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := svc.StopWatch(ctx, stopped.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}

	dismissed, err := svc.AddWatch(ctx, watchReq("https://b.example"))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := svc.st.MarkFound(ctx, dismissed.ID, time.Now().UnixMilli(), "**Shipped**"); err != nil {
		t.Fatalf("mark found: %v", err)
	}
	if _, err := svc.DismissWatch(ctx, dismissed.ID); err != nil {
		t.Fatalf("dismiss: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	for i, wantID := range []string{stopped.ID, dismissed.ID} {
		if events[i].Kind != EventWatchEnded {
			t.Errorf("event %d kind = %q, want %q", i, events[i].Kind, EventWatchEnded)
		}
		if events[i].WatchID != wantID {
			t.Errorf("event %d watch = %q, want %q", i, events[i].WatchID, wantID)
		}
	}
	if events[1].Snippet != "**Shipped**" {
		t.Errorf("dismiss event snippet = %q, want the archived match", events[1].Snippet)
	}
}
