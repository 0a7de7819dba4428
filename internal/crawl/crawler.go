// Package crawl implements same-origin URL discovery: a breadth-first
// traversal over the link graph reachable from a base URL, rendered in a
// real browser so client-side navigation is visible. Candidate links come
// from anchors and from URL literals inside script text; each candidate
// passes the content classifier before it enters the frontier.
package crawl

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"github.com/lhoofs/sitekb/internal/browser"
	"github.com/lhoofs/sitekb/internal/classify"
	"github.com/lhoofs/sitekb/internal/logging"
	"github.com/lhoofs/sitekb/internal/metrics"
)

const (
	// DefaultMaxCrawlPages caps discovery when the job does not set a limit.
	DefaultMaxCrawlPages = 500

	// progressStride is how many newly discovered URLs accumulate before the
	// progress sink is written again.
	progressStride = 10

	// defaultRequestsPerSecond is the per-crawl politeness rate toward the
	// origin host.
	defaultRequestsPerSecond = 2
)

// reScriptURL finds quoted absolute URLs and absolute paths inside script
// text; sites that render navigation client-side often only expose routes
// this way.
var reScriptURL = regexp.MustCompile(`["']((https?://|/)[^"']+)["']`)

// ProgressSink receives incremental discovery progress. The job store
// implements this; tests record calls.
type ProgressSink interface {
	// ReportDiscovered merges the full discovered set into the job record.
	ReportDiscovered(ctx context.Context, urls []string) error
}

// Config tunes a Crawler.
type Config struct {
	// NavTimeout bounds each page navigation. Zero means
	// browser.DefaultNavTimeout (15s).
	NavTimeout time.Duration

	// Settle is the dynamic-content wait per page. Zero means
	// browser.DefaultSettle.
	Settle time.Duration

	// RequestsPerSecond is the politeness rate toward the origin host.
	// Zero means defaultRequestsPerSecond.
	RequestsPerSecond float64
}

// Crawler discovers content URLs on one origin.
type Crawler struct {
	fetcher browser.Fetcher
	cfg     Config
	metrics *metrics.Metrics
}

// New constructs a Crawler. metrics may be nil (no instrumentation).
func New(fetcher browser.Fetcher, cfg Config, m *metrics.Metrics) *Crawler {
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = browser.DefaultNavTimeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRequestsPerSecond
	}
	return &Crawler{fetcher: fetcher, cfg: cfg, metrics: m}
}

// Discover walks the same-origin link graph breadth-first from baseURL and
// returns every URL that passed the content classifier. maxPages bounds how
// many pages are fetched (0 means DefaultMaxCrawlPages). sink, when non-nil,
// receives the discovered set every progressStride new URLs.
//
// baseURL is always part of the result, even when its own fetch fails.
// Per-URL failures are logged and skipped; only browser unavailability
// aborts the walk.
func (c *Crawler) Discover(ctx context.Context, baseURL string, maxPages int, sink ProgressSink) ([]string, error) {
	log := logging.FromContext(ctx)

	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.New("crawl: invalid base url: " + baseURL)
	}
	originHost := base.Hostname()

	if maxPages <= 0 {
		maxPages = DefaultMaxCrawlPages
	}

	limiter := rate.NewLimiter(rate.Limit(c.cfg.RequestsPerSecond), 1)

	discovered := map[string]bool{baseURL: true}
	order := []string{baseURL}
	visited := map[string]bool{}
	queue := []string{baseURL}
	lastReported := len(order)

	for len(queue) > 0 && len(visited) < maxPages {
		if err := ctx.Err(); err != nil {
			return order, err
		}

		u := queue[0]
		queue = queue[1:]
		if visited[u] {
			continue
		}
		visited[u] = true

		if err := limiter.Wait(ctx); err != nil {
			return order, err
		}

		start := time.Now()
		page, err := c.fetcher.Fetch(ctx, u, browser.FetchOptions{
			Timeout:  c.cfg.NavTimeout,
			Settle:   c.cfg.Settle,
			Interact: true,
		})
		if c.metrics != nil {
			c.metrics.NavigationDuration.Observe(time.Since(start).Seconds())
		}
		if err != nil {
			if errors.Is(err, browser.ErrBrowserUnavailable) {
				return order, err
			}
			if c.metrics != nil {
				c.metrics.PageFailures.WithLabelValues("discovery").Inc()
			}
			log.Warn("crawl: page fetch failed, skipping",
				slog.String("url", u), slog.String("error", err.Error()))
			continue
		}
		if c.metrics != nil {
			c.metrics.PagesVisited.Inc()
		}

		if !classify.IsLikelyContentURL(u, page.ContentType) {
			log.Debug("crawl: content type rejected",
				slog.String("url", u), slog.String("content_type", page.ContentType))
			continue
		}

		for _, candidate := range CollectLinks(page.HTML, page.URL) {
			resolved, ok := normalizeCandidate(candidate, page.URL, originHost)
			if !ok {
				continue
			}
			if discovered[resolved] || visited[resolved] {
				continue
			}
			discovered[resolved] = true
			order = append(order, resolved)
			queue = append(queue, resolved)
			if c.metrics != nil {
				c.metrics.URLsDiscovered.Inc()
			}
		}

		if sink != nil && len(order)-lastReported >= progressStride {
			if err := sink.ReportDiscovered(ctx, order); err != nil {
				log.Warn("crawl: progress report failed", slog.String("error", err.Error()))
			} else {
				lastReported = len(order)
			}
		}
	}

	if sink != nil && len(order) > lastReported {
		if err := sink.ReportDiscovered(ctx, order); err != nil {
			log.Warn("crawl: final progress report failed", slog.String("error", err.Error()))
		}
	}

	return order, nil
}

// CollectLinks gathers candidate URLs from a rendered page: every anchor
// href plus any quoted path or absolute URL inside script text.
func CollectLinks(html, pageURL string) []string {
	var candidates []string

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok && href != "" {
			candidates = append(candidates, href)
		}
	})

	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		for _, m := range reScriptURL.FindAllStringSubmatch(s.Text(), -1) {
			candidates = append(candidates, m[1])
		}
	})

	return candidates
}

// normalizeCandidate resolves a raw candidate against the page URL, strips
// the fragment, and gates it on origin host and the content classifier.
func normalizeCandidate(raw, pageURL, originHost string) (string, bool) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return "", false
	}
	resolved, err := base.Parse(raw)
	if err != nil {
		return "", false
	}
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", false
	}
	resolved.Fragment = ""
	if !strings.EqualFold(resolved.Hostname(), originHost) {
		return "", false
	}
	normalized := resolved.String()
	if !classify.IsLikelyContentURL(normalized, "") {
		return "", false
	}
	return normalized, true
}
