// Package ingest implements the ingestion pipeline: for each selected URL
// of a scrape job, render the page, extract its content, chunk it, embed
// every chunk, and persist document and chunks. Failures are isolated per
// document: a failing URL taints one document, never the job, and the job
// only fails when every selected URL does.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lhoofs/sitekb/internal/browser"
	"github.com/lhoofs/sitekb/internal/budget"
	"github.com/lhoofs/sitekb/internal/chunk"
	"github.com/lhoofs/sitekb/internal/extract"
	"github.com/lhoofs/sitekb/internal/job"
	"github.com/lhoofs/sitekb/internal/logging"
	"github.com/lhoofs/sitekb/internal/metrics"
	"github.com/lhoofs/sitekb/internal/rag"
	"github.com/lhoofs/sitekb/internal/store"
)

const (
	// scrapeAttempts is the total number of tries per URL (1 + 2 retries).
	scrapeAttempts = 3

	// retryBackoff is the pause between scrape attempts.
	retryBackoff = 2 * time.Second

	// defaultWorkers bounds concurrent URL ingestion within one job. Kept
	// below the browser tab cap so discovery of other jobs is not starved.
	defaultWorkers = 3
)

// errJobCancelled aborts the worker group when the job was failed externally.
var errJobCancelled = errors.New("ingest: job cancelled")

// EmbedderFactory builds an embedder for a knowledge base's model.
type EmbedderFactory func(model string) (rag.Embedder, error)

// Config tunes a Pipeline.
type Config struct {
	// NavTimeout bounds each scrape navigation. Zero means
	// browser.IngestNavTimeout (20s).
	NavTimeout time.Duration

	// Settle is the dynamic-content wait per page.
	Settle time.Duration

	// Workers bounds concurrent URL ingestion. Zero means defaultWorkers.
	Workers int

	// MaxEmbedTokens caps the estimated token count of text sent to the
	// embedder per chunk. Zero means budget.DefaultMaxEmbedTokens.
	MaxEmbedTokens int

	// RetryBackoff is the pause between scrape attempts. Zero means
	// retryBackoff (2s).
	RetryBackoff time.Duration
}

// Pipeline runs ingestion for scrape jobs.
type Pipeline struct {
	fetcher     browser.Fetcher
	store       *store.Store
	vectors     rag.VectorStore
	newEmbedder EmbedderFactory
	metrics     *metrics.Metrics
	cfg         Config
}

// NewPipeline constructs a Pipeline from its dependencies.
func NewPipeline(fetcher browser.Fetcher, st *store.Store, vectors rag.VectorStore, newEmbedder EmbedderFactory, m *metrics.Metrics, cfg Config) (*Pipeline, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("ingest: fetcher must not be nil")
	}
	if st == nil {
		return nil, fmt.Errorf("ingest: store must not be nil")
	}
	if vectors == nil {
		return nil, fmt.Errorf("ingest: vector store must not be nil")
	}
	if newEmbedder == nil {
		return nil, fmt.Errorf("ingest: embedder factory must not be nil")
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = browser.IngestNavTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = retryBackoff
	}
	return &Pipeline{
		fetcher:     fetcher,
		store:       st,
		vectors:     vectors,
		newEmbedder: newEmbedder,
		metrics:     m,
		cfg:         cfg,
	}, nil
}

// Run ingests every selected URL of the job, moving it from PENDING to
// IN_PROGRESS and finally COMPLETED, or FAILED when every URL failed.
// Workers observe the job status between pages, so failing the job
// externally aborts the run cleanly.
func (p *Pipeline) Run(ctx context.Context, jobID string) error {
	log := logging.FromContext(ctx)

	j, err := p.store.FindJob(ctx, jobID)
	if err != nil {
		return err
	}
	kb, err := p.store.FindKnowledgeBase(ctx, j.KnowledgeBaseID)
	if err != nil {
		return err
	}
	embedder, err := p.newEmbedder(kb.EmbeddingModel)
	if err != nil {
		return fmt.Errorf("ingest: embedder for model %s: %w", kb.EmbeddingModel, err)
	}

	if err := p.store.TransitionJob(ctx, jobID, job.StatusInProgress); err != nil {
		return err
	}

	selected := j.SelectedURLs
	if len(selected) == 0 {
		log.Info("ingest: no urls selected, completing job", slog.String("job_id", jobID))
		return p.store.TransitionJob(ctx, jobID, job.StatusCompleted)
	}

	var succeeded, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for _, u := range selected {
		g.Go(func() error {
			cancelled, err := p.jobCancelled(gctx, jobID)
			if err != nil {
				return err
			}
			if cancelled {
				return errJobCancelled
			}

			switch outcome := p.ingestURL(gctx, &j, kb, embedder, u); outcome {
			case outcomeCompleted:
				succeeded.Add(1)
			case outcomeFailed:
				failed.Add(1)
			case outcomeSkipped:
				// Not counted either way: empty pages and duplicates do not
				// taint the job.
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if errors.Is(err, errJobCancelled) {
			log.Info("ingest: job cancelled externally, aborting", slog.String("job_id", jobID))
			return nil
		}
		return err
	}

	// The job fails only when every selected URL failed outright.
	final := job.StatusCompleted
	if failed.Load() > 0 && succeeded.Load() == 0 && failed.Load() == int64(len(selected)) {
		final = job.StatusFailed
	}
	if err := p.store.TransitionJob(ctx, jobID, final); err != nil {
		return err
	}

	log.Info("ingest: job finished",
		slog.String("job_id", jobID),
		slog.String("status", string(final)),
		slog.Int64("succeeded", succeeded.Load()),
		slog.Int64("failed", failed.Load()),
	)
	return nil
}

// jobCancelled reports whether the job was moved to a terminal state by
// another actor.
func (p *Pipeline) jobCancelled(ctx context.Context, jobID string) (bool, error) {
	j, err := p.store.FindJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	return j.Status.Terminal(), nil
}

// ingestOutcome classifies one URL's ingestion result.
type ingestOutcome int

const (
	outcomeCompleted ingestOutcome = iota
	outcomeFailed
	outcomeSkipped
)

// ingestURL processes one URL end to end. All failures are contained here:
// the return value only steers job-level accounting.
func (p *Pipeline) ingestURL(ctx context.Context, j *store.ScrapeJob, kb store.KnowledgeBase, embedder rag.Embedder, url string) ingestOutcome {
	log := logging.FromContext(ctx).With(slog.String("job_id", j.ID), slog.String("url", url))

	page, err := p.scrapeWithRetries(ctx, url)
	if err != nil {
		log.Warn("ingest: scrape failed", slog.String("error", err.Error()))
		if p.metrics != nil {
			p.metrics.PageFailures.WithLabelValues("ingest").Inc()
			p.metrics.DocumentsProcessed.WithLabelValues("failed").Inc()
		}
		return outcomeFailed
	}

	result, err := extract.Extract(page.HTML)
	if err != nil {
		log.Warn("ingest: extraction failed", slog.String("error", err.Error()))
		if p.metrics != nil {
			p.metrics.DocumentsProcessed.WithLabelValues("failed").Inc()
		}
		return outcomeFailed
	}
	if result.Empty() {
		log.Info("ingest: page empty, skipping")
		if p.metrics != nil {
			p.metrics.DocumentsProcessed.WithLabelValues("skipped").Inc()
		}
		return outcomeSkipped
	}

	doc, err := p.store.CreateDocument(ctx, store.Document{
		KnowledgeBaseID: kb.ID,
		Title:           result.Title,
		Content:         result.Content,
		SourceURL:       url,
		Metadata: map[string]string{
			"description": result.Description,
			"scrape_job":  j.ID,
		},
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			log.Info("ingest: document already exists, skipping")
			if p.metrics != nil {
				p.metrics.DocumentsProcessed.WithLabelValues("skipped").Inc()
			}
			return outcomeSkipped
		}
		log.Error("ingest: create document failed", slog.String("error", err.Error()))
		if p.metrics != nil {
			p.metrics.DocumentsProcessed.WithLabelValues("failed").Inc()
		}
		return outcomeFailed
	}

	if err := p.processDocument(ctx, kb, embedder, doc); err != nil {
		log.Warn("ingest: document processing failed", slog.String("error", err.Error()))
		if serr := p.store.UpdateDocumentStatus(ctx, doc.ID, store.DocumentFailed, 0, err.Error()); serr != nil {
			log.Error("ingest: marking document failed also failed", slog.String("error", serr.Error()))
		}
		if p.metrics != nil {
			p.metrics.DocumentsProcessed.WithLabelValues("failed").Inc()
		}
		return outcomeFailed
	}

	if err := p.store.RecordScraped(ctx, j.ID, url); err != nil {
		log.Warn("ingest: progress update failed", slog.String("error", err.Error()))
	}
	if p.metrics != nil {
		p.metrics.DocumentsProcessed.WithLabelValues("completed").Inc()
	}
	return outcomeCompleted
}

// processDocument chunks, embeds, and persists one document's content, then
// marks it COMPLETED. Chunk indexes are contiguous from 0 and persisted in
// order.
func (p *Pipeline) processDocument(ctx context.Context, kb store.KnowledgeBase, embedder rag.Embedder, doc store.Document) error {
	chunks := chunk.Split(doc.Content, kb.ChunkSize, kb.ChunkOverlap)
	if len(chunks) == 0 {
		return p.store.UpdateDocumentStatus(ctx, doc.ID, store.DocumentCompleted, 0, "")
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		clamped, truncated := budget.ClampToTokens(c.Text, p.cfg.MaxEmbedTokens)
		if truncated {
			logging.FromContext(ctx).Warn("ingest: chunk over embed budget, clamped",
				slog.String("document_id", doc.ID), slog.Int("chunk_index", i))
		}
		texts[i] = clamped
	}

	start := time.Now()
	embeddings, err := embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding failed: %w", err)
	}
	if p.metrics != nil {
		p.metrics.EmbedDuration.Observe(time.Since(start).Seconds())
	}
	if len(embeddings) != len(chunks) {
		return fmt.Errorf("embedding count mismatch: %d chunks, %d vectors", len(chunks), len(embeddings))
	}

	ragChunks := make([]rag.Chunk, len(chunks))
	for i, c := range chunks {
		ragChunks[i] = rag.Chunk{
			ID:              rag.ChunkPointID(doc.ID, i),
			DocumentID:      doc.ID,
			KnowledgeBaseID: kb.ID,
			Index:           i,
			Content:         c.Text,
			StartChar:       c.Start,
			EndChar:         c.End,
			DocumentTitle:   doc.Title,
			SourceURL:       doc.SourceURL,
			Metadata: map[string]string{
				"chunk_length": strconv.Itoa(len(c.Text)),
			},
		}
	}

	if err := p.vectors.UpsertChunks(ctx, ragChunks, embeddings); err != nil {
		return fmt.Errorf("persisting chunks failed: %w", err)
	}
	if p.metrics != nil {
		p.metrics.ChunksEmbedded.Add(float64(len(ragChunks)))
	}

	return p.store.UpdateDocumentStatus(ctx, doc.ID, store.DocumentCompleted, len(ragChunks), "")
}

// scrapeWithRetries renders a URL, retrying transient failures. Browser
// unavailability is not retried here; the URL counts as failed (no document
// is written) and the caller moves on to the next URL.
func (p *Pipeline) scrapeWithRetries(ctx context.Context, url string) (*browser.RenderedPage, error) {
	var lastErr error
	for attempt := 1; attempt <= scrapeAttempts; attempt++ {
		page, err := p.fetcher.Fetch(ctx, url, browser.FetchOptions{
			Timeout:  p.cfg.NavTimeout,
			Settle:   p.cfg.Settle,
			Interact: true,
		})
		if err == nil {
			return page, nil
		}
		lastErr = err
		if errors.Is(err, browser.ErrBrowserUnavailable) || ctx.Err() != nil {
			break
		}
		if attempt < scrapeAttempts {
			if p.metrics != nil {
				p.metrics.ScrapeRetries.Inc()
			}
			select {
			case <-time.After(p.cfg.RetryBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

// DeleteDocument removes a document and its chunks. Chunks are deleted from
// the vector store first so a failure never leaves orphaned vectors behind
// a missing document.
func (p *Pipeline) DeleteDocument(ctx context.Context, documentID string) error {
	if err := p.vectors.DeleteByDocument(ctx, documentID); err != nil {
		return err
	}
	return p.store.DeleteDocument(ctx, documentID)
}
