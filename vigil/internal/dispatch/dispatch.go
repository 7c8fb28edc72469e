// CLAUDE:SUMMARY Serialized outcome loop: one goroutine owns all scheduling decisions; refreshes run detached.
// Package dispatch routes refresh outcomes to their handlers. A single
// goroutine drains a typed signal queue and is the only place scheduling
// decisions are made; the refresh itself (network time, content capture,
// evaluation) runs in a detached goroutine and reports back as signals.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hazyhaar/vigil/vigil/internal/content"
	"github.com/hazyhaar/vigil/vigil/internal/notify"
	"github.com/hazyhaar/vigil/vigil/internal/repair"
	"github.com/hazyhaar/vigil/vigil/internal/schedule"
	"github.com/hazyhaar/vigil/vigil/internal/store"
	"github.com/hazyhaar/vigil/vigil/internal/target"
)

// Signal kinds, in the order a refresh cycle can produce them.
const (
	SigRefreshDue = "refresh_due"  // a target's interval elapsed
	SigLoaded     = "loaded"       // content captured, no match, no error
	SigMatched    = "matched"      // one watch's terms matched
	SigNoContent  = "no_content"   // target exists but content unreadable
	SigRedirected = "redirected"   // target drifted off its configured URL
	SigErrorPage  = "error_page"   // error condition detected
	SigTargetGone = "target_gone"  // handle no longer refers to a target
)

// Signal is one queued event. Target is always set; the other fields depend
// on the kind.
type Signal struct {
	Kind    string
	Target  string
	WatchID string // matched
	URL     string // redirected: configured URL; error_page: source URL
	Snippet string // matched
}

// SnippetLen bounds the markdown excerpt stored with a match.
const SnippetLen = 500

// refreshTimeout bounds one reload-and-capture round trip.
const refreshTimeout = 45 * time.Second

// Loop owns the signal queue.
type Loop struct {
	st     *store.Store
	drv    target.Driver
	sched  *schedule.Scheduler
	rec    *repair.Recoverer
	sink   notify.Sink
	logger *slog.Logger

	signals chan Signal
	done    chan struct{}
}

// New creates a Loop. sink may be nil.
func New(st *store.Store, drv target.Driver, sched *schedule.Scheduler, rec *repair.Recoverer, sink notify.Sink, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		st:      st,
		drv:     drv,
		sched:   sched,
		rec:     rec,
		sink:    sink,
		logger:  logger,
		signals: make(chan Signal, 256),
		done:    make(chan struct{}),
	}
}

// Enqueue queues a signal. Drops with a log line if the queue is full;
// refresh timers re-fire, so a dropped signal delays work rather than
// losing it.
func (l *Loop) Enqueue(sig Signal) {
	select {
	case l.signals <- sig:
	default:
		l.logger.Warn("dispatch: signal queue full, dropped", "kind", sig.Kind, "target", sig.Target)
	}
}

// RefreshNow requests an immediate refresh of a target. This is the entry
// point handed to the scheduler and the watchdog.
func (l *Loop) RefreshNow(targetHandle string) {
	l.Enqueue(Signal{Kind: SigRefreshDue, Target: targetHandle})
}

// TargetRemoved reports an externally observed target closure.
func (l *Loop) TargetRemoved(targetHandle string) {
	l.Enqueue(Signal{Kind: SigTargetGone, Target: targetHandle})
}

// Run drains the queue until ctx is canceled. Call exactly once.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-l.signals:
			l.handle(ctx, sig)
		}
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) handle(ctx context.Context, sig Signal) {
	switch sig.Kind {
	case SigRefreshDue:
		go l.refresh(ctx, sig.Target)
	case SigLoaded:
		l.onLoaded(ctx, sig)
	case SigMatched:
		l.onMatched(ctx, sig)
	case SigNoContent:
		l.onNoContent(ctx, sig)
	case SigRedirected:
		l.onRedirected(ctx, sig)
	case SigErrorPage:
		l.onErrorPage(ctx, sig)
	case SigTargetGone:
		l.onTargetGone(ctx, sig)
	default:
		l.logger.Error("dispatch: unknown signal kind", "kind", sig.Kind)
	}
}

// refresh performs one reload-and-evaluate cycle off the loop goroutine.
// Every outcome re-enters the loop as a signal; nothing here touches the
// scheduler directly.
func (l *Loop) refresh(ctx context.Context, targetHandle string) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	watches, err := l.st.ActiveByTarget(ctx, targetHandle)
	if err != nil {
		l.logger.Error("dispatch: load watches failed", "target", targetHandle, "error", err)
		return
	}
	if len(watches) == 0 {
		return
	}
	sourceURL := watches[0].SourceURL

	if err := l.drv.RefreshTarget(ctx, targetHandle); err != nil {
		if errors.Is(err, target.ErrTargetGone) {
			l.Enqueue(Signal{Kind: SigTargetGone, Target: targetHandle})
			return
		}
		l.logger.Warn("dispatch: reload failed", "target", targetHandle, "error", err)
		l.Enqueue(Signal{Kind: SigErrorPage, Target: targetHandle, URL: sourceURL})
		return
	}

	page, err := l.drv.ReadContent(ctx, targetHandle)
	switch {
	case errors.Is(err, target.ErrTargetGone):
		l.Enqueue(Signal{Kind: SigTargetGone, Target: targetHandle})
		return
	case errors.Is(err, target.ErrNoContent):
		l.Enqueue(Signal{Kind: SigNoContent, Target: targetHandle})
		return
	case err != nil:
		l.logger.Warn("dispatch: content capture failed", "target", targetHandle, "error", err)
		l.Enqueue(Signal{Kind: SigErrorPage, Target: targetHandle, URL: sourceURL})
		return
	}

	l.evaluate(targetHandle, sourceURL, watches, page)
}

// evaluate inspects a captured page and emits the resulting signals.
// Precedence: error condition, then redirect drift, then term matches.
func (l *Loop) evaluate(targetHandle, sourceURL string, watches []*store.Monitor, page *content.Page) {
	if content.IsErrorPage(page.Title + "\n" + page.Text) {
		l.Enqueue(Signal{Kind: SigErrorPage, Target: targetHandle, URL: sourceURL})
		return
	}
	if content.RedirectDiverged(sourceURL, page.URL) {
		l.Enqueue(Signal{Kind: SigRedirected, Target: targetHandle, URL: sourceURL})
		return
	}

	matchedAny := false
	for _, w := range watches {
		terms, err := content.ParseSpec(w.MatchJSON)
		if err != nil {
			l.logger.Error("dispatch: bad match spec", "watch", w.ID, "error", err)
			continue
		}
		if content.MatchText(terms, page.Text) {
			matchedAny = true
			snippet := content.MarkdownSnippet(page.HTML, page.URL, SnippetLen)
			l.Enqueue(Signal{Kind: SigMatched, Target: targetHandle, WatchID: w.ID, Snippet: snippet})
		}
	}
	if !matchedAny {
		l.Enqueue(Signal{Kind: SigLoaded, Target: targetHandle})
	}
}

// onLoaded records a healthy cycle: the reset-cycle streak for the target
// clears and the next refresh is armed.
func (l *Loop) onLoaded(ctx context.Context, sig Signal) {
	if err := l.st.ClearResetCycles(ctx, sig.Target); err != nil {
		l.logger.Error("dispatch: clear reset cycles failed", "target", sig.Target, "error", err)
	}
	l.reschedule(ctx, sig.Target)
}

// onMatched finalizes one watch. The state guard in MarkFound makes a late
// duplicate match harmless.
func (l *Loop) onMatched(ctx context.Context, sig Signal) {
	m, err := l.st.GetMonitor(ctx, sig.WatchID)
	if err != nil || m == nil || m.State != store.StateActive {
		l.reschedule(ctx, sig.Target)
		return
	}
	now := time.Now().UnixMilli()
	if err := l.st.MarkFound(ctx, sig.WatchID, now, sig.Snippet); err != nil {
		l.logger.Error("dispatch: mark found failed", "watch", sig.WatchID, "error", err)
		l.reschedule(ctx, sig.Target)
		return
	}
	l.logger.Info("dispatch: watch matched", "watch", sig.WatchID, "label", m.Label, "target", sig.Target)
	if l.sink != nil {
		ev := notify.Event{
			Kind:      notify.EventMatched,
			WatchID:   m.ID,
			Label:     m.Label,
			SourceURL: m.SourceURL,
			Snippet:   sig.Snippet,
			At:        now,
		}
		if err := l.sink.Send(ctx, ev); err != nil {
			l.logger.Warn("dispatch: notification failed", "watch", m.ID, "error", err)
		}
	}
	// Remaining active watches on the target keep their cadence; the
	// interval may lengthen now that this watch left the set.
	l.reschedule(ctx, sig.Target)
}

// onNoContent retries on the normal schedule. Unreadable content is
// transient (still loading, detached frame); the error engine is not
// involved.
func (l *Loop) onNoContent(ctx context.Context, sig Signal) {
	l.logger.Debug("dispatch: content unavailable, will retry", "target", sig.Target)
	l.reschedule(ctx, sig.Target)
}

// onRedirected steers the target back to its configured URL. A navigation
// failure here is the second error detection path: the site actively
// refused the correction.
func (l *Loop) onRedirected(ctx context.Context, sig Signal) {
	err := l.drv.NavigateTarget(ctx, sig.Target, sig.URL)
	if errors.Is(err, target.ErrTargetGone) {
		l.onTargetGone(ctx, Signal{Kind: SigTargetGone, Target: sig.Target})
		return
	}
	if err != nil {
		l.logger.Warn("dispatch: redirect correction failed", "target", sig.Target, "error", err)
		l.onErrorPage(ctx, Signal{Kind: SigErrorPage, Target: sig.Target, URL: sig.URL})
		return
	}
	l.logger.Info("dispatch: corrected redirect drift", "target", sig.Target, "url", sig.URL)
	l.reschedule(ctx, sig.Target)
}

// onErrorPage hands the target to the recovery engine. Recovery runs
// detached: backoff waits must not stall the queue. The recoverer's own
// cooldown absorbs duplicates.
func (l *Loop) onErrorPage(ctx context.Context, sig Signal) {
	go func() {
		if err := l.rec.Recover(ctx, sig.Target, sig.URL); err != nil {
			l.logger.Error("dispatch: recovery failed", "target", sig.Target, "error", err)
		}
	}()
}

// onTargetGone deletes the watches bound to a vanished target — unless the
// recovery engine tore it down on purpose, in which case the closure is
// part of a reset and the watches are already in backoff.
func (l *Loop) onTargetGone(ctx context.Context, sig Signal) {
	if l.rec.TornDown(sig.Target) {
		l.logger.Debug("dispatch: target closed by recovery, ignoring", "target", sig.Target)
		return
	}
	n, err := l.st.DeleteByTarget(ctx, sig.Target)
	if err != nil {
		l.logger.Error("dispatch: delete watches failed", "target", sig.Target, "error", err)
		return
	}
	l.sched.Cancel(sig.Target)
	if n > 0 {
		l.logger.Info("dispatch: target gone, watches removed", "target", sig.Target, "removed", n)
		if l.sink != nil {
			ev := notify.Event{Kind: notify.EventSessionLost, At: time.Now().UnixMilli()}
			if err := l.sink.Send(ctx, ev); err != nil {
				l.logger.Warn("dispatch: notification failed", "error", err)
			}
		}
	}
}

func (l *Loop) reschedule(ctx context.Context, targetHandle string) {
	if err := l.sched.Schedule(ctx, targetHandle); err != nil {
		l.logger.Error("dispatch: reschedule failed", "target", targetHandle, "error", err)
	}
}
