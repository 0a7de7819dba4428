// Package browser manages the process-wide headless browser used by crawl
// and ingest workers. A single Chromium process backs all tabs; the pool
// launches it lazily, verifies it is still alive before handing out pages,
// and caps the number of concurrently open tabs across every job in the
// process. Each page intercepts and aborts requests for images, fonts,
// stylesheets and media; every other resource type loads normally.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/lhoofs/sitekb/internal/logging"
)

// ErrBrowserUnavailable is returned when the browser cannot be launched or
// has died and restart attempts are exhausted.
var ErrBrowserUnavailable = errors.New("browser: unavailable")

// DefaultMaxPages is the soft cap on concurrently open tabs across all jobs.
const DefaultMaxPages = 5

// launchAttempts is how many times a dead browser is relaunched before
// GetPage gives up with ErrBrowserUnavailable.
const launchAttempts = 2

// blockedResourceTypes are aborted by the per-page request interceptor.
// Every other resource type (documents, scripts, XHR, fetch, ...) is allowed
// through.
var blockedResourceTypes = map[proto.NetworkResourceType]bool{
	proto.NetworkResourceTypeImage:      true,
	proto.NetworkResourceTypeFont:       true,
	proto.NetworkResourceTypeStylesheet: true,
	proto.NetworkResourceTypeMedia:      true,
}

// Config holds the pool settings.
type Config struct {
	// MaxPages caps concurrently open tabs. Defaults to DefaultMaxPages.
	MaxPages int

	// BrowserPath overrides the Chromium binary path. Empty uses rod's
	// managed download.
	BrowserPath string

	// Headless disables the browser UI. Always true in production; tests
	// never reach a real browser.
	Headless bool
}

// Pool hands out fresh pages from a lazily launched shared browser.
// It is safe for concurrent use by every job in the process.
type Pool struct {
	cfg Config

	// mu guards browser and launcher. At most one launch is in flight.
	mu       sync.Mutex
	browser  *rod.Browser
	launcher *launcher.Launcher
	closed   bool

	// sem enforces the MaxPages tab cap; callers block until a slot frees.
	sem chan struct{}

	// routers tracks each page's hijack router so Release can stop it.
	routersMu sync.Mutex
	routers   map[*rod.Page]*rod.HijackRouter
}

// NewPool constructs a Pool. The browser process is not launched until the
// first GetPage call.
func NewPool(cfg Config) *Pool {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	return &Pool{
		cfg:     cfg,
		sem:     make(chan struct{}, cfg.MaxPages),
		routers: make(map[*rod.Page]*rod.HijackRouter),
	}
}

// GetPage returns a fresh page with resource interception installed.
// It blocks while the tab cap is reached, launches the browser on first
// use, and relaunches it when the process has died. Fails with
// ErrBrowserUnavailable when no browser can be obtained.
func (p *Pool) GetPage(ctx context.Context) (*rod.Page, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	page, err := p.newPage(ctx)
	if err != nil {
		<-p.sem
		return nil, err
	}
	return page, nil
}

// newPage ensures a live browser and opens a tab on it.
func (p *Pool) newPage(ctx context.Context) (*rod.Page, error) {
	log := logging.FromContext(ctx)

	var lastErr error
	for attempt := 0; attempt <= launchAttempts; attempt++ {
		browser, err := p.ensureBrowser(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		page, err := browser.Page(proto.TargetCreateTarget{})
		if err != nil {
			// The browser process likely died underneath us; drop it so the
			// next attempt relaunches.
			log.Warn("browser: page creation failed, discarding browser",
				slog.Int("attempt", attempt), slog.String("error", err.Error()))
			p.discardBrowser(browser)
			lastErr = err
			continue
		}

		p.installInterceptor(page)
		return page, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrBrowserUnavailable, lastErr)
}

// ensureBrowser returns the shared browser, launching it when absent or
// no longer responding to a cheap capability check.
func (p *Pool) ensureBrowser(ctx context.Context) (*rod.Browser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("%w: pool is shut down", ErrBrowserUnavailable)
	}

	if p.browser != nil {
		if _, err := (proto.BrowserGetVersion{}).Call(p.browser); err == nil {
			return p.browser, nil
		}
		logging.FromContext(ctx).Warn("browser: capability check failed, relaunching")
		p.teardownLocked()
	}

	l := launcher.New().
		Headless(p.cfg.Headless).
		NoSandbox(true).
		Set("disable-gpu").
		Set("disable-extensions").
		Set("disable-dev-shm-usage")
	if p.cfg.BrowserPath != "" {
		l = l.Bin(p.cfg.BrowserPath)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("%w: launch: %v", ErrBrowserUnavailable, err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("%w: connect: %v", ErrBrowserUnavailable, err)
	}

	p.browser = browser
	p.launcher = l
	logging.FromContext(ctx).Info("browser: launched",
		slog.Int("max_pages", p.cfg.MaxPages), slog.Bool("headless", p.cfg.Headless))
	return browser, nil
}

// discardBrowser drops the shared browser if it is still the given one, so
// the next ensureBrowser call launches a fresh process.
func (p *Pool) discardBrowser(b *rod.Browser) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.browser == b {
		p.teardownLocked()
	}
}

// teardownLocked closes the browser process. Callers hold p.mu.
func (p *Pool) teardownLocked() {
	if p.browser != nil {
		_ = p.browser.Close()
		p.browser = nil
	}
	if p.launcher != nil {
		p.launcher.Cleanup()
		p.launcher = nil
	}
}

// installInterceptor mounts a hijack router that aborts requests for the
// blocked resource types. The router must be mounted before navigation or
// the first document's subresources slip through.
func (p *Pool) installInterceptor(page *rod.Page) {
	router := page.HijackRequests()
	_ = router.Add("*", "", func(h *rod.Hijack) {
		if blockedResourceTypes[h.Request.Type()] {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	// router.Run() blocks, so it lives in its own goroutine; it exits when
	// router.Stop() is called in Release.
	go router.Run()

	p.routersMu.Lock()
	p.routers[page] = router
	p.routersMu.Unlock()
}

// Release closes the page and frees its tab slot. Sibling pages are
// unaffected. Safe to call with a page whose browser has already died.
func (p *Pool) Release(page *rod.Page) {
	if page == nil {
		return
	}

	p.routersMu.Lock()
	router := p.routers[page]
	delete(p.routers, page)
	p.routersMu.Unlock()

	if router != nil {
		_ = router.Stop()
	}
	_ = page.Close()

	<-p.sem
}

// Shutdown closes the browser process and all pages. Idempotent; GetPage
// calls after Shutdown fail with ErrBrowserUnavailable.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.teardownLocked()
}

// Name identifies the pool in readiness responses.
func (p *Pool) Name() string { return "browser" }

// Ping reports whether a browser is currently running and responsive.
// A pool that has not launched yet is considered healthy (launch is lazy).
func (p *Pool) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("browser: pool is shut down")
	}
	if p.browser == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() {
		_, err := proto.BrowserGetVersion{}.Call(p.browser)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("browser: version probe: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("browser: version probe timed out")
	}
}
