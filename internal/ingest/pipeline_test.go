package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lhoofs/sitekb/internal/browser"
	"github.com/lhoofs/sitekb/internal/job"
	"github.com/lhoofs/sitekb/internal/rag"
	"github.com/lhoofs/sitekb/internal/store"
)

// fakeFetcher serves canned pages keyed by URL.
type fakeFetcher struct {
	mu     sync.Mutex
	pages  map[string]*browser.RenderedPage
	errs   map[string]error
	visits map[string]int
}

func (f *fakeFetcher) Fetch(_ context.Context, url string, _ browser.FetchOptions) (*browser.RenderedPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.visits == nil {
		f.visits = map[string]int{}
	}
	f.visits[url]++
	if err, ok := f.errs[url]; ok {
		return nil, err
	}
	if page, ok := f.pages[url]; ok {
		return page, nil
	}
	return nil, errors.New("not found")
}

// fakeVectorStore records upserts in memory.
type fakeVectorStore struct {
	mu      sync.Mutex
	chunks  map[string][]rag.Chunk // by document ID
	failAll bool
}

func (f *fakeVectorStore) UpsertChunks(_ context.Context, chunks []rag.Chunk, embeddings [][]float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errors.New("vector store down")
	}
	if len(chunks) != len(embeddings) {
		return errors.New("length mismatch")
	}
	if f.chunks == nil {
		f.chunks = map[string][]rag.Chunk{}
	}
	for _, c := range chunks {
		f.chunks[c.DocumentID] = append(f.chunks[c.DocumentID], c)
	}
	return nil
}

func (f *fakeVectorStore) DeleteByDocument(_ context.Context, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.chunks, documentID)
	return nil
}

func (f *fakeVectorStore) Search(context.Context, string, []float32, int) ([]rag.ScoredChunk, error) {
	return nil, nil
}

func (f *fakeVectorStore) Close() error { return nil }

// fakeEmbedder returns unit vectors, optionally failing.
type fakeEmbedder struct {
	fail bool
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.fail {
		return nil, errors.New("embedding service down")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

// contentPage wraps raw text in markup that extracts to exactly that text
// (a bare div, so no paragraph augmentation duplicates it).
func contentPage(url, text string) *browser.RenderedPage {
	return &browser.RenderedPage{
		URL:         url,
		HTML:        `<html><head><title>Page</title></head><body><div>` + text + `</div></body></html>`,
		ContentType: "text/html",
	}
}

type env struct {
	store   *store.Store
	vectors *fakeVectorStore
	fetcher *fakeFetcher
	embed   *fakeEmbedder
	kb      store.KnowledgeBase
}

func newEnv(t *testing.T) *env {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	kb, err := s.CreateKnowledgeBase(context.Background(), store.KnowledgeBase{
		WorkspaceID:    "ws",
		Name:           "site",
		EmbeddingModel: "text-embedding-3-small",
		ChunkSize:      500,
		ChunkOverlap:   100,
	})
	if err != nil {
		t.Fatalf("create kb: %v", err)
	}

	return &env{
		store:   s,
		vectors: &fakeVectorStore{},
		fetcher: &fakeFetcher{pages: map[string]*browser.RenderedPage{}},
		embed:   &fakeEmbedder{},
		kb:      kb,
	}
}

func (e *env) pipeline(t *testing.T) *Pipeline {
	t.Helper()
	p, err := NewPipeline(e.fetcher, e.store, e.vectors,
		func(string) (rag.Embedder, error) { return e.embed, nil },
		nil,
		Config{Workers: 2, RetryBackoff: time.Millisecond},
	)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p
}

// pendingJob creates a job in PENDING with the given URLs discovered and
// selected.
func (e *env) pendingJob(t *testing.T, urls []string) store.ScrapeJob {
	t.Helper()
	ctx := context.Background()
	j, err := e.store.CreateJob(ctx, store.ScrapeJob{
		BaseURL:         urls[0],
		KnowledgeBaseID: e.kb.ID,
		UserID:          "u1",
		MaxPages:        50,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := e.store.UpdateJobDiscovery(ctx, j.ID, urls); err != nil {
		t.Fatalf("discovery: %v", err)
	}
	if err := e.store.TransitionJob(ctx, j.ID, job.StatusPending); err != nil {
		t.Fatalf("to pending: %v", err)
	}
	if err := e.store.SelectURLs(ctx, j.ID, urls); err != nil {
		t.Fatalf("select: %v", err)
	}
	return j
}

func Test_Ingest_HappyPath(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	u := "https://ex.com/doc"
	e.fetcher.pages[u] = contentPage(u, strings.Repeat("x", 1200))
	j := e.pendingJob(t, []string{u})

	if err := e.pipeline(t).Run(ctx, j.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := e.store.FindJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("find job: %v", err)
	}
	if got.Status != job.StatusCompleted {
		t.Errorf("job status: want COMPLETED, got %s", got.Status)
	}
	if got.ScrapedCount != 1 {
		t.Errorf("scraped count: want 1, got %d", got.ScrapedCount)
	}

	doc, err := e.store.FindDocumentBySource(ctx, e.kb.ID, u)
	if err != nil {
		t.Fatalf("find document: %v", err)
	}
	if doc.Status != store.DocumentCompleted {
		t.Errorf("document status: want COMPLETED, got %s (%s)", doc.Status, doc.ErrorMessage)
	}
	// 1200 chars, size 500, overlap 100 and no separators: [0,500) [400,900) [800,1200).
	if doc.ChunkCount != 3 {
		t.Errorf("chunk count: want 3, got %d", doc.ChunkCount)
	}

	chunks := e.vectors.chunks[doc.ID]
	if len(chunks) != 3 {
		t.Fatalf("persisted chunks: want 3, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk %d: index %d not contiguous", i, c.Index)
		}
		if c.StartChar >= c.EndChar || c.EndChar > len(doc.Content) {
			t.Errorf("chunk %d: bad offsets [%d,%d)", i, c.StartChar, c.EndChar)
		}
	}
}

func Test_Ingest_FailureIsolation(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	urls := make([]string, 5)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://ex.com/page-%d", i)
		e.fetcher.pages[urls[i]] = contentPage(urls[i], strings.Repeat("y", 800))
	}
	// The third URL always errors.
	e.fetcher.errs = map[string]error{urls[2]: errors.New("HTTP 500")}

	j := e.pendingJob(t, urls)
	if err := e.pipeline(t).Run(ctx, j.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := e.store.FindJob(ctx, j.ID)
	if got.Status != job.StatusCompleted {
		t.Errorf("one bad url must not fail the job: got %s", got.Status)
	}
	if got.ScrapedCount != 4 {
		t.Errorf("scraped count: want 4, got %d", got.ScrapedCount)
	}
	if _, err := e.store.FindDocumentBySource(ctx, e.kb.ID, urls[2]); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("failed url must not leave a document, got %v", err)
	}
	// The failing URL was retried (3 attempts total).
	if e.fetcher.visits[urls[2]] != 3 {
		t.Errorf("want 3 attempts on the failing url, got %d", e.fetcher.visits[urls[2]])
	}
}

func Test_Ingest_AllURLsFailingFailsJob(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	urls := []string{"https://ex.com/a", "https://ex.com/b"}
	e.fetcher.errs = map[string]error{
		urls[0]: errors.New("down"),
		urls[1]: errors.New("down"),
	}

	j := e.pendingJob(t, urls)
	if err := e.pipeline(t).Run(ctx, j.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := e.store.FindJob(ctx, j.ID)
	if got.Status != job.StatusFailed {
		t.Errorf("every url failing must fail the job, got %s", got.Status)
	}
}

func Test_Ingest_EmbeddingFailureTaintsDocumentOnly(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	u := "https://ex.com/doc"
	e.fetcher.pages[u] = contentPage(u, strings.Repeat("z", 700))
	e.embed.fail = true

	j := e.pendingJob(t, []string{u})
	if err := e.pipeline(t).Run(ctx, j.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	doc, err := e.store.FindDocumentBySource(ctx, e.kb.ID, u)
	if err != nil {
		t.Fatalf("find document: %v", err)
	}
	if doc.Status != store.DocumentFailed {
		t.Errorf("document status: want FAILED, got %s", doc.Status)
	}
	if doc.ErrorMessage == "" {
		t.Error("failed document must carry an error message")
	}

	got, _ := e.store.FindJob(ctx, j.ID)
	if got.Status != job.StatusFailed {
		t.Errorf("single-url job with its only document failing: want FAILED, got %s", got.Status)
	}
	if got.ScrapedCount != 0 {
		t.Errorf("scraped count must stay 0, got %d", got.ScrapedCount)
	}
}

func Test_Ingest_EmptyPageSkippedWithoutDocument(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	empty := "https://ex.com/empty"
	full := "https://ex.com/full"
	e.fetcher.pages[empty] = contentPage(empty, "hi")
	e.fetcher.pages[full] = contentPage(full, strings.Repeat("w", 900))

	j := e.pendingJob(t, []string{empty, full})
	if err := e.pipeline(t).Run(ctx, j.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	if _, err := e.store.FindDocumentBySource(ctx, e.kb.ID, empty); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("empty page must not produce a document, got %v", err)
	}
	got, _ := e.store.FindJob(ctx, j.ID)
	if got.Status != job.StatusCompleted {
		t.Errorf("empty pages are skips, not failures: got %s", got.Status)
	}
	if got.ScrapedCount != 1 {
		t.Errorf("scraped count: want 1, got %d", got.ScrapedCount)
	}
}

func Test_Ingest_DuplicateURLSkipped(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	u := "https://ex.com/doc"
	e.fetcher.pages[u] = contentPage(u, strings.Repeat("d", 600))

	// A document for this URL already exists from a previous job.
	prior, err := e.store.CreateDocument(ctx, store.Document{
		KnowledgeBaseID: e.kb.ID, Title: "old", Content: "old content", SourceURL: u,
	})
	if err != nil {
		t.Fatalf("create prior document: %v", err)
	}

	j := e.pendingJob(t, []string{u})
	if err := e.pipeline(t).Run(ctx, j.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := e.store.FindJob(ctx, j.ID)
	if got.Status != job.StatusCompleted {
		t.Errorf("duplicate is a skip: got %s", got.Status)
	}
	doc, err := e.store.FindDocument(ctx, prior.ID)
	if err != nil || doc.Title != "old" {
		t.Errorf("prior document must be untouched: %v %v", doc.Title, err)
	}
}

func Test_Ingest_ExternalCancellationObserved(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	u := "https://ex.com/doc"
	e.fetcher.pages[u] = contentPage(u, strings.Repeat("c", 800))
	j := e.pendingJob(t, []string{u})

	// Simulate the pipeline racing an external cancellation: by the time Run
	// starts, the job is already terminal.
	p := e.pipeline(t)
	if err := e.store.TransitionJob(ctx, j.ID, job.StatusInProgress); err != nil {
		t.Fatalf("to in progress: %v", err)
	}
	if err := e.store.TransitionJob(ctx, j.ID, job.StatusFailed); err != nil {
		t.Fatalf("external fail: %v", err)
	}

	if err := p.Run(ctx, j.ID); err == nil {
		// Run refuses to start on a terminal job (invalid transition).
		t.Error("run on an externally failed job must not restart it")
	}
	if _, err := e.store.FindDocumentBySource(ctx, e.kb.ID, u); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("cancelled job must not ingest documents, got %v", err)
	}
}

func Test_Ingest_DeleteDocumentRemovesChunks(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	u1 := "https://ex.com/keep"
	u2 := "https://ex.com/drop"
	e.fetcher.pages[u1] = contentPage(u1, strings.Repeat("k", 700))
	e.fetcher.pages[u2] = contentPage(u2, strings.Repeat("g", 700))

	j := e.pendingJob(t, []string{u1, u2})
	p := e.pipeline(t)
	if err := p.Run(ctx, j.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	keep, _ := e.store.FindDocumentBySource(ctx, e.kb.ID, u1)
	drop, _ := e.store.FindDocumentBySource(ctx, e.kb.ID, u2)

	if err := p.DeleteDocument(ctx, drop.ID); err != nil {
		t.Fatalf("delete document: %v", err)
	}

	if _, err := e.store.FindDocument(ctx, drop.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("document row must be gone, got %v", err)
	}
	if len(e.vectors.chunks[drop.ID]) != 0 {
		t.Error("deleted document's chunks must be gone")
	}
	if len(e.vectors.chunks[keep.ID]) == 0 {
		t.Error("bystander document's chunks must survive")
	}
}

func Test_Ingest_StorageFailureTaintsDocument(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	u := "https://ex.com/doc"
	e.fetcher.pages[u] = contentPage(u, strings.Repeat("s", 700))
	e.vectors.failAll = true

	j := e.pendingJob(t, []string{u})
	if err := e.pipeline(t).Run(ctx, j.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	doc, err := e.store.FindDocumentBySource(ctx, e.kb.ID, u)
	if err != nil {
		t.Fatalf("find document: %v", err)
	}
	if doc.Status != store.DocumentFailed {
		t.Errorf("vector store failure must fail the document, got %s", doc.Status)
	}
}
