package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/vigil/dbopen"
	"github.com/hazyhaar/vigil/vigil/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := store.ApplySchema(db); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return store.NewStore(db)
}

func addWatch(t *testing.T, st *store.Store, id, target string, intervalMs int64) {
	t.Helper()
	err := st.InsertMonitor(context.Background(), &store.Monitor{
		ID:           id,
		TargetHandle: target,
		MatchJSON:    `[{"term":"x"}]`,
		IntervalMs:   intervalMs,
		SourceURL:    "https://example.com",
	})
	if err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
}

func TestSchedule_MinIntervalStampedOnAllMembers(t *testing.T) {
	// WHAT: After Schedule, every active watch on the target carries
	// next_refresh_at ≈ now + min(interval).
	// WHY: One deadline governs all watches sharing a target — the fastest
	// watch sets the cadence for everyone.
	st := openTestStore(t)
	addWatch(t, st, "fast", "tgt-1", 5000)
	addWatch(t, st, "slow", "tgt-1", 60000)

	s := New(st, func(string) {}, nil)
	t.Cleanup(s.CancelAll)

	before := time.Now().UnixMilli()
	if err := s.Schedule(context.Background(), "tgt-1"); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	after := time.Now().UnixMilli()

	for _, id := range []string{"fast", "slow"} {
		m, _ := st.GetMonitor(context.Background(), id)
		if m.NextRefreshAt < before+5000 || m.NextRefreshAt > after+5000 {
			t.Errorf("%s: next_refresh_at = %d, want ≈ now+5000", id, m.NextRefreshAt)
		}
	}
}

func TestSchedule_Idempotent(t *testing.T) {
	// WHAT: Two consecutive Schedule calls leave exactly one armed timer.
	// WHY: Leaked timers cause duplicate refresh fires.
	st := openTestStore(t)
	addWatch(t, st, "w1", "tgt-1", 60000)

	s := New(st, func(string) {}, nil)
	t.Cleanup(s.CancelAll)

	ctx := context.Background()
	if err := s.Schedule(ctx, "tgt-1"); err != nil {
		t.Fatalf("first schedule: %v", err)
	}
	if err := s.Schedule(ctx, "tgt-1"); err != nil {
		t.Fatalf("second schedule: %v", err)
	}
	if n := s.ArmedCount(); n != 1 {
		t.Fatalf("armed timers = %d, want 1", n)
	}
}

func TestSchedule_NoActiveWatches_Unscheduled(t *testing.T) {
	// WHAT: A target with no active watches ends up with no timer.
	// WHY: Timers on dead targets are leaks.
	st := openTestStore(t)
	s := New(st, func(string) {}, nil)
	t.Cleanup(s.CancelAll)

	if err := s.Schedule(context.Background(), "tgt-empty"); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if s.Armed("tgt-empty") {
		t.Fatal("timer armed for empty target")
	}
}

func TestSchedule_RecomputesAfterSetChange(t *testing.T) {
	// WHAT: Removing the fastest watch and rescheduling moves the deadline
	// out to the remaining minimum.
	// WHY: The invariant must hold after every add/remove/find on a target.
	st := openTestStore(t)
	ctx := context.Background()
	addWatch(t, st, "fast", "tgt-1", 5000)
	addWatch(t, st, "slow", "tgt-1", 60000)

	s := New(st, func(string) {}, nil)
	t.Cleanup(s.CancelAll)

	if err := s.Schedule(ctx, "tgt-1"); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := st.DeleteMonitor(ctx, "fast"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	before := time.Now().UnixMilli()
	if err := s.Schedule(ctx, "tgt-1"); err != nil {
		t.Fatalf("reschedule: %v", err)
	}

	m, _ := st.GetMonitor(ctx, "slow")
	if m.NextRefreshAt < before+60000 {
		t.Errorf("next_refresh_at = %d, want ≥ now+60000", m.NextRefreshAt)
	}
	if n := s.ArmedCount(); n != 1 {
		t.Errorf("armed timers = %d, want 1", n)
	}
}

func TestFire_InvokesDueFuncAndDisarms(t *testing.T) {
	// WHAT: A firing timer calls the due callback once and leaves the
	// target disarmed (the outcome path re-arms, not the timer).
	// WHY: Self-rearming timers would race the dispatcher's reschedule.
	st := openTestStore(t)
	addWatch(t, st, "w1", "tgt-1", 30) // 30ms for the test

	var fired atomic.Int32
	s := New(st, func(target string) {
		if target == "tgt-1" {
			fired.Add(1)
		}
	}, nil)
	t.Cleanup(s.CancelAll)

	if err := s.Schedule(context.Background(), "tgt-1"); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fired.Load() != 1 {
		t.Fatalf("fired = %d, want 1", fired.Load())
	}
	if s.Armed("tgt-1") {
		t.Fatal("timer still armed after fire")
	}
}

func TestFire_EmptyActiveSetIsNoOp(t *testing.T) {
	// WHAT: If the active set empties between arming and firing, the fire
	// is a no-op.
	// WHY: Reentrancy safety — state may change while a timer is pending.
	st := openTestStore(t)
	addWatch(t, st, "w1", "tgt-1", 30)

	var fired atomic.Int32
	s := New(st, func(string) { fired.Add(1) }, nil)
	t.Cleanup(s.CancelAll)

	ctx := context.Background()
	if err := s.Schedule(ctx, "tgt-1"); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	// Watch found before the timer fires.
	if err := st.MarkFound(ctx, "w1", time.Now().UnixMilli(), ""); err != nil {
		t.Fatalf("mark found: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("fired = %d, want 0", fired.Load())
	}
}

func TestCancel_StopsTimer(t *testing.T) {
	// WHAT: Cancel disarms a pending timer; the due callback never runs.
	// WHY: Target deletion must not leave a timer poking a dead target.
	st := openTestStore(t)
	addWatch(t, st, "w1", "tgt-1", 50)

	var fired atomic.Int32
	s := New(st, func(string) { fired.Add(1) }, nil)

	if err := s.Schedule(context.Background(), "tgt-1"); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	s.Cancel("tgt-1")

	time.Sleep(150 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("fired = %d after cancel, want 0", fired.Load())
	}
	if s.ArmedCount() != 0 {
		t.Fatal("timer map not empty after cancel")
	}
}
