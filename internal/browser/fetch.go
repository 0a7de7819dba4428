package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// Default navigation and settling timings.
const (
	// DefaultNavTimeout bounds a discovery navigation.
	DefaultNavTimeout = 15 * time.Second

	// IngestNavTimeout bounds an ingestion navigation; scraping tolerates
	// slower pages than discovery.
	IngestNavTimeout = 20 * time.Second

	// DefaultSettle is how long rendered pages get to run their scripts
	// before content is read.
	DefaultSettle = 3 * time.Second

	// postClickSettle is the pause after load-more buttons are clicked.
	postClickSettle = 1 * time.Second
)

// RenderedPage is the outcome of rendering one URL.
type RenderedPage struct {
	// URL is the final URL after redirects.
	URL string

	// HTML is the rendered document markup.
	HTML string

	// ContentType is the document's MIME type as reported by the DOM.
	ContentType string
}

// FetchOptions tune one Fetch call.
type FetchOptions struct {
	// Timeout bounds the navigation. Zero means DefaultNavTimeout.
	Timeout time.Duration

	// Settle is the dynamic-content wait after DOMContentLoaded.
	// Zero means DefaultSettle.
	Settle time.Duration

	// Interact scrolls to the bottom and clicks load-more style controls
	// so lazily loaded content and paginated links become visible.
	Interact bool
}

// Fetcher renders URLs in a real browser. The crawl and ingest packages
// depend on this interface; tests substitute an in-memory fake.
type Fetcher interface {
	Fetch(ctx context.Context, url string, opts FetchOptions) (*RenderedPage, error)
}

// PoolFetcher implements Fetcher on top of a Pool.
type PoolFetcher struct {
	pool *Pool
}

// NewFetcher constructs a PoolFetcher.
func NewFetcher(pool *Pool) *PoolFetcher {
	return &PoolFetcher{pool: pool}
}

// expandScript scrolls to the bottom and clicks controls whose text looks
// like a load-more or next-page trigger, returning the click count.
const expandScript = `() => {
	window.scrollTo(0, document.body.scrollHeight);
	const re = /load more|show more|next|meer|volgende/i;
	const els = Array.from(document.querySelectorAll('button, a, [role="button"]'));
	let clicked = 0;
	for (const el of els) {
		if (re.test((el.textContent || '').trim())) {
			try { el.click(); clicked++; } catch (e) {}
		}
	}
	return clicked;
}`

// Fetch renders url and returns the final DOM. The page waits for the
// DOMContentLoaded lifecycle event, settles for dynamic content, and
// optionally expands lazy/paginated content before the HTML is read.
func (f *PoolFetcher) Fetch(ctx context.Context, url string, opts FetchOptions) (*RenderedPage, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultNavTimeout
	}
	if opts.Settle <= 0 {
		opts.Settle = DefaultSettle
	}

	page, err := f.pool.GetPage(ctx)
	if err != nil {
		return nil, err
	}
	defer f.pool.Release(page)

	p := page.Context(ctx).Timeout(opts.Timeout)

	// The event listener must be registered before Navigate or a fast page
	// fires DOMContentLoaded before we start waiting.
	wait := p.WaitEvent(&proto.PageDomContentEventFired{})
	if err := p.Navigate(url); err != nil {
		return nil, fmt.Errorf("browser: navigate %s: %w", url, err)
	}
	wait()

	contentType := evalString(p, `() => document.contentType`)

	select {
	case <-time.After(opts.Settle):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if opts.Interact {
		if _, err := p.Eval(expandScript); err == nil {
			select {
			case <-time.After(postClickSettle):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	html, err := p.HTML()
	if err != nil {
		return nil, fmt.Errorf("browser: read html of %s: %w", url, err)
	}

	finalURL := evalString(p, `() => window.location.href`)
	if finalURL == "" {
		finalURL = url
	}

	return &RenderedPage{URL: finalURL, HTML: html, ContentType: contentType}, nil
}

// evalString evaluates a JS expression and returns the string result,
// swallowing errors (used for optional metadata).
func evalString(page *rod.Page, js string) string {
	res, err := page.Eval(js)
	if err != nil {
		return ""
	}
	return res.Value.Str()
}
