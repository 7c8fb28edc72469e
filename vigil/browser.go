// CLAUDE:SUMMARY Public wrapper around the rod browser: lifecycle, driver access, destroy-event routing to a Service.
package vigil

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hazyhaar/vigil/vigil/internal/browser"
)

// Browser owns the Chrome instance backing a Service's targets. It wraps
// the launch/attach lifecycle and routes target-destroyed events to the
// bound Service.
type Browser struct {
	mgr *browser.Manager
	drv *browser.Driver

	mu        sync.Mutex
	onRemoved func(handle string)
}

// OpenBrowser launches (or attaches to) Chrome per cfg.Browser and starts
// watching for target-destroyed events. Call Route to deliver those events
// to a Service, and Close when done.
func OpenBrowser(ctx context.Context, cfg *Config, logger *slog.Logger) (*Browser, error) {
	if cfg == nil {
		cfg = defaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := &Browser{}
	b.mgr = browser.NewManager(browser.Config{
		RemoteURL:        cfg.Browser.Remote,
		Headful:          cfg.Browser.Headful,
		ResourceBlocking: cfg.Browser.ResourceBlocking,
		Logger:           logger,
	})
	if _, err := b.mgr.Start(ctx); err != nil {
		return nil, fmt.Errorf("vigil: browser start: %w", err)
	}
	b.drv = browser.NewDriver(b.mgr, b.removed, logger)
	b.drv.WatchEvents(ctx)
	return b, nil
}

// Driver exposes the target driver for Service construction.
func (b *Browser) Driver() Driver { return b.drv }

// Route delivers target-destroyed events to svc. Events observed before
// Route are dropped; bind before Service.Start so reconciliation sees a
// consistent view.
func (b *Browser) Route(svc *Service) {
	b.mu.Lock()
	b.onRemoved = svc.TargetRemoved
	b.mu.Unlock()
}

func (b *Browser) removed(handle string) {
	b.mu.Lock()
	fn := b.onRemoved
	b.mu.Unlock()
	if fn != nil {
		fn(handle)
	}
}

// Close shuts the browser down (or detaches from a remote instance).
func (b *Browser) Close() error { return b.mgr.Close() }
