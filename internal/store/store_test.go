package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/lhoofs/sitekb/internal/job"
)

// openTestStore opens an in-memory Store for use in tests.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testKB(t *testing.T, s *Store) KnowledgeBase {
	t.Helper()
	kb, err := s.CreateKnowledgeBase(context.Background(), KnowledgeBase{
		WorkspaceID:    "ws-1",
		Name:           "docs",
		EmbeddingModel: "text-embedding-3-small",
		ChunkSize:      500,
		ChunkOverlap:   100,
	})
	if err != nil {
		t.Fatalf("create knowledge base: %v", err)
	}
	return kb
}

func Test_Store_KnowledgeBaseRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	kb := testKB(t, s)
	got, err := s.FindKnowledgeBase(ctx, kb.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Name != "docs" || got.ChunkSize != 500 || got.ChunkOverlap != 100 {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func Test_Store_KnowledgeBaseValidation(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateKnowledgeBase(ctx, KnowledgeBase{Name: "bad", ChunkSize: 0, EmbeddingModel: "m"})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("zero chunk size: want ErrConflict, got %v", err)
	}
	_, err = s.CreateKnowledgeBase(ctx, KnowledgeBase{Name: "bad", ChunkSize: 100, ChunkOverlap: 100, EmbeddingModel: "m"})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("overlap >= size: want ErrConflict, got %v", err)
	}
}

func Test_Store_SoftDeleteHidesKB(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	kb := testKB(t, s)
	if err := s.SoftDeleteKnowledgeBase(ctx, kb.ID); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if _, err := s.FindKnowledgeBase(ctx, kb.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted KB must be invisible, got %v", err)
	}
}

func Test_Store_DeleteRefusedWhileJobActive(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	kb := testKB(t, s)
	if _, err := s.CreateJob(ctx, ScrapeJob{BaseURL: "https://ex.com", KnowledgeBaseID: kb.ID, UserID: "u1", MaxPages: 10}); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := s.SoftDeleteKnowledgeBase(ctx, kb.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("delete with active job: want ErrConflict, got %v", err)
	}
}

func Test_Store_DeleteRefusedWhileAgentUses(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	kb := testKB(t, s)
	if _, err := s.CreateAgent(ctx, "helper", kb.ID); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	n, err := s.CountAgentsUsing(ctx, kb.ID)
	if err != nil || n != 1 {
		t.Fatalf("count agents: n=%d err=%v", n, err)
	}
	if err := s.SoftDeleteKnowledgeBase(ctx, kb.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("delete with agent: want ErrConflict, got %v", err)
	}
}

func Test_Store_EmbeddingModelImmutableOncePopulated(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	kb := testKB(t, s)
	if err := s.UpdateKnowledgeBaseModel(ctx, kb.ID, "text-embedding-3-large"); err != nil {
		t.Fatalf("model change on empty KB must succeed: %v", err)
	}

	if _, err := s.CreateDocument(ctx, Document{KnowledgeBaseID: kb.ID, Title: "d", Content: "c"}); err != nil {
		t.Fatalf("create document: %v", err)
	}
	if err := s.UpdateKnowledgeBaseModel(ctx, kb.ID, "other-model"); !errors.Is(err, ErrConflict) {
		t.Errorf("model change on populated KB: want ErrConflict, got %v", err)
	}
}

func Test_Store_DocumentUniquePerSourceURL(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	kb := testKB(t, s)
	doc := Document{KnowledgeBaseID: kb.ID, Title: "a", Content: "x", SourceURL: "https://ex.com/p"}
	if _, err := s.CreateDocument(ctx, doc); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := s.CreateDocument(ctx, doc); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate source URL: want ErrConflict, got %v", err)
	}

	// Documents without a source URL are exempt from the uniqueness rule.
	manual := Document{KnowledgeBaseID: kb.ID, Title: "m", Content: "y"}
	if _, err := s.CreateDocument(ctx, manual); err != nil {
		t.Fatalf("manual doc 1: %v", err)
	}
	if _, err := s.CreateDocument(ctx, manual); err != nil {
		t.Fatalf("manual doc 2: %v", err)
	}
}

func Test_Store_DocumentStatusOneWay(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	kb := testKB(t, s)
	doc, err := s.CreateDocument(ctx, Document{KnowledgeBaseID: kb.ID, Title: "d", Content: "c", SourceURL: "https://ex.com/d"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if doc.Status != DocumentProcessing {
		t.Fatalf("new document must be PROCESSING, got %s", doc.Status)
	}

	if err := s.UpdateDocumentStatus(ctx, doc.ID, DocumentCompleted, 3, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, err := s.FindDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Status != DocumentCompleted || got.ChunkCount != 3 {
		t.Errorf("want COMPLETED/3, got %s/%d", got.Status, got.ChunkCount)
	}

	if err := s.UpdateDocumentStatus(ctx, doc.ID, DocumentFailed, 0, "late"); !errors.Is(err, ErrConflict) {
		t.Errorf("terminal document must not be reopened, got %v", err)
	}
}

func Test_Store_CompletedDocumentIDs(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	kb := testKB(t, s)
	done, _ := s.CreateDocument(ctx, Document{KnowledgeBaseID: kb.ID, Title: "a", Content: "x", SourceURL: "https://ex.com/a"})
	_ = s.UpdateDocumentStatus(ctx, done.ID, DocumentCompleted, 1, "")
	failed, _ := s.CreateDocument(ctx, Document{KnowledgeBaseID: kb.ID, Title: "b", Content: "y", SourceURL: "https://ex.com/b"})
	_ = s.UpdateDocumentStatus(ctx, failed.ID, DocumentFailed, 0, "boom")
	_, _ = s.CreateDocument(ctx, Document{KnowledgeBaseID: kb.ID, Title: "c", Content: "z", SourceURL: "https://ex.com/c"})

	ids, err := s.CompletedDocumentIDs(ctx, kb.ID)
	if err != nil {
		t.Fatalf("completed ids: %v", err)
	}
	if len(ids) != 1 || !ids[done.ID] {
		t.Errorf("want exactly the completed doc, got %v", ids)
	}
}

func Test_Store_JobLifecycle(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	kb := testKB(t, s)
	j, err := s.CreateJob(ctx, ScrapeJob{BaseURL: "https://ex.com", KnowledgeBaseID: kb.ID, UserID: "u1", MaxPages: 50})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if j.Status != job.StatusDiscovering {
		t.Fatalf("new job must be DISCOVERING, got %s", j.Status)
	}

	if err := s.UpdateJobDiscovery(ctx, j.ID, []string{"https://ex.com", "https://ex.com/a"}); err != nil {
		t.Fatalf("update discovery: %v", err)
	}
	if err := s.TransitionJob(ctx, j.ID, job.StatusPending); err != nil {
		t.Fatalf("to pending: %v", err)
	}
	if err := s.SelectURLs(ctx, j.ID, []string{"https://ex.com/a"}); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := s.TransitionJob(ctx, j.ID, job.StatusInProgress); err != nil {
		t.Fatalf("to in progress: %v", err)
	}
	if err := s.RecordScraped(ctx, j.ID, "https://ex.com/a"); err != nil {
		t.Fatalf("record scraped: %v", err)
	}
	if err := s.TransitionJob(ctx, j.ID, job.StatusCompleted); err != nil {
		t.Fatalf("to completed: %v", err)
	}

	got, err := s.FindJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("find job: %v", err)
	}
	if got.Status != job.StatusCompleted {
		t.Errorf("want COMPLETED, got %s", got.Status)
	}
	if got.ScrapedCount != 1 || got.TotalURLs != 2 {
		t.Errorf("progress: scraped=%d total=%d", got.ScrapedCount, got.TotalURLs)
	}
	if got.CompletedAt == nil {
		t.Error("completed job must have completed_at")
	}
}

func Test_Store_JobInvalidTransitionRejected(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	kb := testKB(t, s)
	j, _ := s.CreateJob(ctx, ScrapeJob{BaseURL: "https://ex.com", KnowledgeBaseID: kb.ID, UserID: "u1", MaxPages: 5})

	if err := s.TransitionJob(ctx, j.ID, job.StatusCompleted); !errors.Is(err, ErrConflict) {
		t.Errorf("DISCOVERING -> COMPLETED must be rejected, got %v", err)
	}
}

func Test_Store_SelectOutsideDiscoveredRejected(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	kb := testKB(t, s)
	j, _ := s.CreateJob(ctx, ScrapeJob{BaseURL: "https://ex.com", KnowledgeBaseID: kb.ID, UserID: "u1", MaxPages: 5})
	_ = s.UpdateJobDiscovery(ctx, j.ID, []string{"https://ex.com"})

	err := s.SelectURLs(ctx, j.ID, []string{"https://ex.com/not-discovered"})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("selection outside discovered set: want ErrConflict, got %v", err)
	}
}

func Test_Store_DiscoveryProgressMonotonic(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	kb := testKB(t, s)
	j, _ := s.CreateJob(ctx, ScrapeJob{BaseURL: "https://ex.com", KnowledgeBaseID: kb.ID, UserID: "u1", MaxPages: 5})

	_ = s.UpdateJobDiscovery(ctx, j.ID, []string{"https://ex.com", "https://ex.com/a", "https://ex.com/b"})
	// A stale writer reporting fewer URLs must not shrink the set.
	_ = s.UpdateJobDiscovery(ctx, j.ID, []string{"https://ex.com"})

	got, _ := s.FindJob(ctx, j.ID)
	if len(got.DiscoveredURLs) != 3 || got.TotalURLs != 3 {
		t.Errorf("stale discovery write regressed progress: %d urls, total %d", len(got.DiscoveredURLs), got.TotalURLs)
	}
}

func Test_Store_RecordScrapedConcurrent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	kb := testKB(t, s)
	j, _ := s.CreateJob(ctx, ScrapeJob{BaseURL: "https://ex.com", KnowledgeBaseID: kb.ID, UserID: "u1", MaxPages: 50})

	urls := make([]string, 16)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://ex.com/p%d", i)
	}
	_ = s.UpdateJobDiscovery(ctx, j.ID, urls)

	// Concurrent workers recording distinct URLs must not lose any of them
	// to interleaved read-merge-write cycles.
	var wg sync.WaitGroup
	for _, u := range urls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.RecordScraped(ctx, j.ID, u); err != nil {
				t.Errorf("record scraped %s: %v", u, err)
			}
		}()
	}
	wg.Wait()

	got, err := s.FindJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("find job: %v", err)
	}
	if got.ScrapedCount != len(urls) {
		t.Errorf("scraped count: want %d, got %d", len(urls), got.ScrapedCount)
	}
	seen := make(map[string]bool, len(got.ScrapedURLs))
	for _, u := range got.ScrapedURLs {
		seen[u] = true
	}
	for _, u := range urls {
		if !seen[u] {
			t.Errorf("url lost by concurrent writers: %s", u)
		}
	}
}

func Test_Store_AdminOperations(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateUser(ctx, "op@ex.com"); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := s.CreateUser(ctx, "dev@ex.com"); err != nil {
		t.Fatalf("create user: %v", err)
	}

	if err := s.GrantAdmin(ctx, "op@ex.com"); err != nil {
		t.Fatalf("grant admin: %v", err)
	}
	if admin, _ := s.IsAdmin(ctx, "op@ex.com"); !admin {
		t.Error("op@ex.com should be admin")
	}
	if err := s.GrantAdmin(ctx, "missing@ex.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("grant admin on missing user: want ErrNotFound, got %v", err)
	}

	n, err := s.MarkAllUsersVerified(ctx)
	if err != nil || n != 2 {
		t.Errorf("mark verified: n=%d err=%v", n, err)
	}

	if err := s.TruncateAll(ctx); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if _, err := s.IsAdmin(ctx, "op@ex.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("after truncate users must be gone, got %v", err)
	}
}

func Test_Store_ListJobsReturnsAllForKB(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	kb := testKB(t, s)
	for range 3 {
		if _, err := s.CreateJob(ctx, ScrapeJob{BaseURL: "https://ex.com", KnowledgeBaseID: kb.ID, UserID: "u1", MaxPages: 5}); err != nil {
			t.Fatalf("create job: %v", err)
		}
	}
	jobs, err := s.ListJobs(ctx, kb.ID)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 3 {
		t.Errorf("want 3 jobs, got %d", len(jobs))
	}
}
