// Package browser implements the chromedp-backed browser driver. Each tab is
// its own chromedp context under a shared allocator; natural-language
// operations (act, observe, extract) are resolved against the page with help
// from the fast language model.
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/steersman/api/schemas"
	"github.com/xkilldash9x/steersman/internal/config"
)

type tabHandle struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	// last observed state, refreshed by operations on the tab
	url   string
	title string
}

// Driver owns the browser process and the tab registry.
type Driver struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc

	// browserCtx is the first tab's context. New tabs must derive from an
	// existing tab context to land in the same browser, so this one anchors
	// the process and is only cancelled on Close.
	browserCtx context.Context

	mu       sync.Mutex
	tabs     map[string]*tabHandle
	order    []string
	activeID string
	detached []context.CancelFunc

	llm    schemas.LLMClient
	cfg    config.BrowserConfig
	logger *zap.Logger

	closeOnce sync.Once
}

var _ schemas.BrowserDriver = (*Driver)(nil)

// execOptions translates the browser config into chromedp allocator options.
func execOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Headless)
	}
	if cfg.IgnoreTLSErrors {
		opts = append(opts, chromedp.Flag("ignore-certificate-errors", true))
	}
	if cfg.WindowWidth > 0 && cfg.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight))
	}
	for _, arg := range cfg.Args {
		opts = append(opts, chromedp.Flag(arg, true))
	}
	return opts
}

// New starts a browser with one blank tab.
func New(ctx context.Context, cfg config.BrowserConfig, llm schemas.LLMClient, logger *zap.Logger) (*Driver, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, execOptions(cfg)...)

	d := &Driver{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		tabs:        make(map[string]*tabHandle),
		llm:         llm,
		cfg:         cfg,
		logger:      logger.Named("browser"),
	}

	first, err := d.newTab(allocCtx)
	if err != nil {
		allocCancel()
		return nil, fmt.Errorf("starting browser: %w", err)
	}
	d.browserCtx = first.ctx
	d.activeID = first.id
	d.logger.Info("Browser started", zap.String("tab_id", first.id), zap.Bool("headless", cfg.Headless))
	return d, nil
}

// Close shuts the browser down. Safe to call more than once.
func (d *Driver) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		for _, t := range d.tabs {
			t.cancel()
		}
		for _, cancel := range d.detached {
			cancel()
		}
		d.tabs = make(map[string]*tabHandle)
		d.order = nil
		d.detached = nil
		d.mu.Unlock()
		d.allocCancel()
		d.logger.Info("Browser closed")
	})
}

// newTab creates a chromedp context under parent and registers it. The caller
// holds no lock.
func (d *Driver) newTab(parent context.Context) (*tabHandle, error) {
	tabCtx, tabCancel := chromedp.NewContext(parent)
	// Materialize the tab so the registry never holds a context that was
	// not backed by a real target.
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		return nil, err
	}
	t := &tabHandle{
		id:     uuid.NewString()[:8],
		ctx:    tabCtx,
		cancel: tabCancel,
		url:    "about:blank",
	}
	d.mu.Lock()
	d.tabs[t.id] = t
	d.order = append(d.order, t.id)
	d.mu.Unlock()
	return t, nil
}

func (d *Driver) active() (*tabHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tabs[d.activeID]
	if !ok {
		return nil, fmt.Errorf("%w: no active tab", ErrNoSuchTab)
	}
	return t, nil
}

// run executes chromedp actions on the given tab with a timeout, honoring
// cancellation of the caller's context.
func (d *Driver) run(ctx context.Context, t *tabHandle, timeout time.Duration, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(t.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(opCtx, actions...)
}

// Goto navigates the active tab and waits for the document to become ready.
func (d *Driver) Goto(ctx context.Context, url string) error {
	t, err := d.active()
	if err != nil {
		return err
	}
	err = d.run(ctx, t, d.cfg.NavigationTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return classify("navigating to "+url, err)
	}
	d.refreshHandle(ctx, t)
	return nil
}

// Screenshot captures the active tab as PNG.
func (d *Driver) Screenshot(ctx context.Context) ([]byte, error) {
	t, err := d.active()
	if err != nil {
		return nil, err
	}
	var buf []byte
	if err := d.run(ctx, t, d.cfg.ActionTimeout, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, classify("capturing screenshot", err)
	}
	return buf, nil
}

// ClickAt dispatches a raw click at viewport coordinates.
func (d *Driver) ClickAt(ctx context.Context, x, y float64) error {
	t, err := d.active()
	if err != nil {
		return err
	}
	if err := d.run(ctx, t, d.cfg.ActionTimeout, chromedp.MouseClickXY(x, y)); err != nil {
		return classify(fmt.Sprintf("clicking at (%.0f, %.0f)", x, y), err)
	}
	return nil
}

// Snapshot reads the active tab's URL and title.
func (d *Driver) Snapshot(ctx context.Context) (schemas.EnvironmentSnapshot, error) {
	t, err := d.active()
	if err != nil {
		return schemas.EnvironmentSnapshot{}, err
	}
	var snap schemas.EnvironmentSnapshot
	err = d.run(ctx, t, d.cfg.ActionTimeout,
		chromedp.Location(&snap.URL),
		chromedp.Title(&snap.Title),
	)
	if err != nil {
		return schemas.EnvironmentSnapshot{}, classify("reading page state", err)
	}
	d.mu.Lock()
	t.url, t.title = snap.URL, snap.Title
	d.mu.Unlock()
	return snap, nil
}

// refreshHandle updates the cached url/title on a tab, best effort.
func (d *Driver) refreshHandle(ctx context.Context, t *tabHandle) {
	var url, title string
	if err := d.run(ctx, t, d.cfg.ActionTimeout, chromedp.Location(&url), chromedp.Title(&title)); err != nil {
		d.logger.Debug("Tab state refresh failed", zap.String("tab_id", t.id), zap.Error(err))
		return
	}
	d.mu.Lock()
	t.url, t.title = url, title
	d.mu.Unlock()
}

// Tabs lists the registry in open order, refreshing the active tab's state.
func (d *Driver) Tabs(ctx context.Context) ([]schemas.Tab, error) {
	if t, err := d.active(); err == nil {
		d.refreshHandle(ctx, t)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]schemas.Tab, 0, len(d.order))
	for _, id := range d.order {
		t := d.tabs[id]
		out = append(out, schemas.Tab{
			ID:     t.id,
			URL:    t.url,
			Title:  t.title,
			Active: t.id == d.activeID,
		})
	}
	return out, nil
}

// OpenTab creates a tab, optionally navigates it, and makes it active.
func (d *Driver) OpenTab(ctx context.Context, url string) (schemas.Tab, error) {
	t, err := d.newTab(d.browserCtx)
	if err != nil {
		return schemas.Tab{}, classify("opening tab", err)
	}
	d.mu.Lock()
	d.activeID = t.id
	d.mu.Unlock()

	if url != "" {
		if err := d.Goto(ctx, url); err != nil {
			return schemas.Tab{}, err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger.Info("Tab opened", zap.String("tab_id", t.id), zap.String("url", t.url))
	return schemas.Tab{ID: t.id, URL: t.url, Title: t.title, Active: true}, nil
}

// SwitchTab makes the given tab active and brings it to the front.
func (d *Driver) SwitchTab(ctx context.Context, id string) error {
	d.mu.Lock()
	t, ok := d.tabs[id]
	if ok {
		d.activeID = id
	}
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchTab, id)
	}
	if err := d.run(ctx, t, d.cfg.ActionTimeout, chromedp.ActionFunc(func(c context.Context) error {
		return page.BringToFront().Do(c)
	})); err != nil {
		return classify("switching tab", err)
	}
	return nil
}

// CloseTab closes the given tab. The last remaining tab cannot be closed; the
// driver always keeps one target alive.
func (d *Driver) CloseTab(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tabs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchTab, id)
	}
	if len(d.tabs) == 1 {
		return fmt.Errorf("refusing to close the last tab %s", id)
	}

	if t.ctx == d.browserCtx {
		// Other tabs derive from this context, so cancelling it would take
		// them down with it. Close the target only and cancel on Close.
		closeCtx, cancel := context.WithTimeout(t.ctx, d.cfg.ActionTimeout)
		err := chromedp.Run(closeCtx, chromedp.ActionFunc(func(c context.Context) error {
			return page.Close().Do(c)
		}))
		cancel()
		if err != nil {
			return classify("closing tab", err)
		}
		d.detached = append(d.detached, t.cancel)
	} else {
		t.cancel()
	}
	delete(d.tabs, id)
	for i, oid := range d.order {
		if oid == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	if d.activeID == id {
		d.activeID = d.order[len(d.order)-1]
	}
	d.logger.Info("Tab closed", zap.String("tab_id", id), zap.String("active_id", d.activeID))
	return nil
}
