package ingest

import (
	"context"
	"log/slog"

	"github.com/lhoofs/sitekb/internal/crawl"
	"github.com/lhoofs/sitekb/internal/job"
	"github.com/lhoofs/sitekb/internal/logging"
	"github.com/lhoofs/sitekb/internal/store"
)

// jobSink writes crawl progress into a scrape job record.
type jobSink struct {
	store *store.Store
	jobID string
}

// ReportDiscovered merges the discovered set into the job.
func (s *jobSink) ReportDiscovered(ctx context.Context, urls []string) error {
	return s.store.UpdateJobDiscovery(ctx, s.jobID, urls)
}

// DiscoveryRunner drives the discovery phase of a scrape job.
type DiscoveryRunner struct {
	crawler *crawl.Crawler
	store   *store.Store
}

// NewDiscoveryRunner constructs a DiscoveryRunner.
func NewDiscoveryRunner(crawler *crawl.Crawler, st *store.Store) *DiscoveryRunner {
	return &DiscoveryRunner{crawler: crawler, store: st}
}

// Run crawls the job's base URL and moves the job from DISCOVERING to
// PENDING. Catastrophic crawl failure degrades to PENDING with the base URL
// as the only discovered URL, so the operator can still select and retry
// rather than losing the job.
func (r *DiscoveryRunner) Run(ctx context.Context, jobID string) error {
	log := logging.FromContext(ctx)

	j, err := r.store.FindJob(ctx, jobID)
	if err != nil {
		return err
	}

	urls, crawlErr := r.crawler.Discover(ctx, j.BaseURL, j.MaxPages, &jobSink{store: r.store, jobID: jobID})
	if crawlErr != nil {
		log.Warn("discovery: crawl failed, degrading to base url only",
			slog.String("job_id", jobID), slog.String("error", crawlErr.Error()))
		urls = []string{j.BaseURL}
	}

	if err := r.store.UpdateJobDiscovery(ctx, jobID, urls); err != nil {
		return err
	}
	if err := r.store.TransitionJob(ctx, jobID, job.StatusPending); err != nil {
		return err
	}

	log.Info("discovery: complete",
		slog.String("job_id", jobID),
		slog.Int("urls", len(urls)),
		slog.Bool("degraded", crawlErr != nil),
	)
	return nil
}
