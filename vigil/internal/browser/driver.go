// CLAUDE:SUMMARY Implements the target driver on Rod pages: containers, ephemeral incognito session, content capture, destroy events.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/vigil/vigil/internal/content"
	"github.com/hazyhaar/vigil/vigil/internal/store"
	"github.com/hazyhaar/vigil/vigil/internal/target"
)

const navTimeout = 30 * time.Second

type containerRec struct {
	handle    string
	page      *rod.Page
	ephemeral bool
}

// Driver implements target.Driver on a running Chrome. One container is one
// browser window holding one target. Ephemeral containers share a single
// incognito browser context; closing the last one discards that context and
// with it every cookie the session accumulated.
type Driver struct {
	mgr       *Manager
	logger    *slog.Logger
	onRemoved func(handle string)

	mu         sync.Mutex
	pages      map[string]*rod.Page     // handle -> page
	containers map[string]*containerRec // container ID -> record
	incognito  *rod.Browser             // lazily created ephemeral context
}

// NewDriver creates a Driver on a started Manager. onRemoved is invoked
// (from the event goroutine) for each target Chrome reports destroyed; it
// may be nil.
func NewDriver(mgr *Manager, onRemoved func(handle string), logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		mgr:        mgr,
		logger:     logger,
		onRemoved:  onRemoved,
		pages:      make(map[string]*rod.Page),
		containers: make(map[string]*containerRec),
	}
}

// WatchEvents subscribes to target-destroyed events until ctx is canceled.
// Call once after the manager started.
func (d *Driver) WatchEvents(ctx context.Context) {
	b := d.mgr.Browser()
	if b == nil {
		return
	}
	go b.Context(ctx).EachEvent(func(e *proto.TargetTargetDestroyed) {
		handle := string(e.TargetID)
		d.mu.Lock()
		_, known := d.pages[handle]
		if known {
			delete(d.pages, handle)
			for id, rec := range d.containers {
				if rec.handle == handle {
					delete(d.containers, id)
				}
			}
		}
		d.mu.Unlock()
		if known && d.onRemoved != nil {
			d.onRemoved(handle)
		}
	})()
}

// CreateContainer opens a new window at url. Ephemeral containers are
// created inside the shared incognito context.
func (d *Driver) CreateContainer(ctx context.Context, url string, ephemeral bool, placement *store.Placement) (*target.Container, error) {
	b := d.mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: no active browser")
	}
	if ephemeral {
		var err error
		if b, err = d.ephemeralContext(b); err != nil {
			return nil, err
		}
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("browser: create page: %w", err)
	}

	if len(d.mgr.cfg.ResourceBlocking) > 0 {
		if err := applyResourceBlocking(page, d.mgr.cfg.ResourceBlocking); err != nil {
			d.logger.Warn("browser: resource blocking failed", "error", err)
		}
	}

	if err := d.navigate(ctx, page, url); err != nil {
		page.Close()
		return nil, err
	}

	if placement != nil {
		if err := setBounds(page, placement); err != nil {
			d.logger.Warn("browser: restore placement failed", "url", url, "error", err)
		}
	}

	handle := string(page.TargetID)
	containerID := "ctn_" + handle
	d.mu.Lock()
	d.pages[handle] = page
	d.containers[containerID] = &containerRec{handle: handle, page: page, ephemeral: ephemeral}
	d.mu.Unlock()

	d.logger.Info("browser: container opened", "url", url, "target", handle, "ephemeral", ephemeral)
	return &target.Container{Handle: handle, ContainerID: containerID, Placement: placement}, nil
}

// ephemeralContext returns the shared incognito context, creating it on
// first use.
func (d *Driver) ephemeralContext(b *rod.Browser) (*rod.Browser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.incognito != nil {
		return d.incognito, nil
	}
	inc, err := b.Incognito()
	if err != nil {
		return nil, fmt.Errorf("browser: incognito context: %w", err)
	}
	d.incognito = inc
	d.logger.Info("browser: ephemeral context created")
	return inc, nil
}

// CloseContainer closes a container window. When the last ephemeral
// container closes, the incognito context goes with it.
func (d *Driver) CloseContainer(ctx context.Context, containerID string) error {
	d.mu.Lock()
	rec, ok := d.containers[containerID]
	if !ok {
		d.mu.Unlock()
		return target.ErrTargetGone
	}
	delete(d.containers, containerID)
	delete(d.pages, rec.handle)
	lastEphemeral := rec.ephemeral
	if lastEphemeral {
		for _, other := range d.containers {
			if other.ephemeral {
				lastEphemeral = false
				break
			}
		}
	}
	inc := d.incognito
	if lastEphemeral {
		d.incognito = nil
	}
	d.mu.Unlock()

	if err := rec.page.Close(); err != nil {
		d.logger.Warn("browser: close page failed", "container", containerID, "error", err)
	}
	if lastEphemeral && inc != nil {
		if err := inc.Close(); err != nil {
			d.logger.Warn("browser: close ephemeral context failed", "error", err)
		} else {
			d.logger.Info("browser: ephemeral context discarded")
		}
	}
	return nil
}

// RefreshTarget reloads a target in place.
func (d *Driver) RefreshTarget(ctx context.Context, handle string) error {
	page, ok := d.page(handle)
	if !ok {
		return target.ErrTargetGone
	}
	p := page.Context(ctx)
	if err := p.Reload(); err != nil {
		return fmt.Errorf("browser: reload: %w", err)
	}
	if err := p.WaitLoad(); err != nil {
		d.logger.Warn("browser: wait load after reload", "target", handle, "error", err)
	}
	return nil
}

// NavigateTarget points an existing target at a URL.
func (d *Driver) NavigateTarget(ctx context.Context, handle, url string) error {
	page, ok := d.page(handle)
	if !ok {
		return target.ErrTargetGone
	}
	return d.navigate(ctx, page, url)
}

func (d *Driver) navigate(ctx context.Context, page *rod.Page, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, navTimeout)
	defer cancel()
	p := page.Context(navCtx)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("browser: navigate %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		d.logger.Warn("browser: wait load timeout", "url", url, "error", err)
	}
	return nil
}

// ReadContent captures the target's URL, title, HTML, and visible text.
func (d *Driver) ReadContent(ctx context.Context, handle string) (*content.Page, error) {
	page, ok := d.page(handle)
	if !ok {
		return nil, target.ErrTargetGone
	}
	p := page.Context(ctx)

	info, err := p.Info()
	if err != nil {
		return nil, fmt.Errorf("browser: target info: %w", err)
	}

	res, err := p.Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", target.ErrNoContent, err)
	}
	html := res.Value.Str()
	if html == "" {
		return nil, target.ErrNoContent
	}

	return &content.Page{
		URL:   info.URL,
		Title: info.Title,
		HTML:  html,
		Text:  content.CleanText(content.VisibleText(html)),
	}, nil
}

// ContainerPlacement reports a container's current window geometry.
func (d *Driver) ContainerPlacement(ctx context.Context, containerID string) (*store.Placement, error) {
	d.mu.Lock()
	rec, ok := d.containers[containerID]
	d.mu.Unlock()
	if !ok {
		return nil, target.ErrTargetGone
	}
	bounds, err := rec.page.Context(ctx).GetWindow()
	if err != nil {
		return nil, fmt.Errorf("browser: get window: %w", err)
	}
	return boundsToPlacement(bounds), nil
}

// TargetExists reports whether a handle still refers to a live target. The
// registry answers for targets we opened; a liveness probe catches pages
// that died without a destroy event reaching us.
func (d *Driver) TargetExists(ctx context.Context, handle string) bool {
	page, ok := d.page(handle)
	if !ok {
		return false
	}
	probe, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := page.Context(probe).Info()
	return err == nil
}

func (d *Driver) page(handle string) (*rod.Page, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pages[handle]
	return p, ok
}

// setBounds applies a stored placement to a page's window.
func setBounds(page *rod.Page, p *store.Placement) error {
	return page.SetWindow(&proto.BrowserBounds{
		Left:   intPtr(p.Left),
		Top:    intPtr(p.Top),
		Width:  intPtr(p.Width),
		Height: intPtr(p.Height),
	})
}

func boundsToPlacement(b *proto.BrowserBounds) *store.Placement {
	p := &store.Placement{}
	if b.Left != nil {
		p.Left = *b.Left
	}
	if b.Top != nil {
		p.Top = *b.Top
	}
	if b.Width != nil {
		p.Width = *b.Width
	}
	if b.Height != nil {
		p.Height = *b.Height
	}
	return p
}

func intPtr(v int) *int { return &v }
