package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lhoofs/sitekb/internal/rag"
)

// fakePinger reports a fixed health state.
type fakePinger struct {
	name string
	err  error
}

func (p *fakePinger) Name() string               { return p.name }
func (p *fakePinger) Ping(context.Context) error { return p.err }

// fixedEmbedder returns a constant vector.
type fixedEmbedder struct{}

func (fixedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1}
	}
	return out, nil
}

// cannedVectors serves fixed search results.
type cannedVectors struct {
	results []rag.ScoredChunk
}

func (c *cannedVectors) UpsertChunks(context.Context, []rag.Chunk, [][]float32) error { return nil }
func (c *cannedVectors) DeleteByDocument(context.Context, string) error               { return nil }
func (c *cannedVectors) Search(context.Context, string, []float32, int) ([]rag.ScoredChunk, error) {
	return c.results, nil
}
func (c *cannedVectors) Close() error { return nil }

// openGate marks every document searchable.
type openGate struct{}

func (openGate) CompletedDocumentIDs(context.Context, string) (map[string]bool, error) {
	return map[string]bool{"doc": true}, nil
}

func newTestServer(t *testing.T, pingers []Pinger, results []rag.ScoredChunk) *Server {
	t.Helper()

	var retriever *rag.Retriever
	if results != nil {
		var err error
		retriever, err = rag.NewRetriever(fixedEmbedder{}, &cannedVectors{results: results}, openGate{}, 5)
		if err != nil {
			t.Fatalf("new retriever: %v", err)
		}
	}

	s, err := New(retriever, pingers, &Config{
		Logger:   slog.Default(),
		Registry: prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(s.stopLimit)
	return s
}

func Test_Server_Healthz(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("healthz: want 200, got %d", rec.Code)
	}
}

func Test_Server_ReadyAggregatesPingers(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, []Pinger{
		&fakePinger{name: "sqlite"},
		&fakePinger{name: "qdrant", err: errors.New("connection refused")},
	}, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded ready: want 503, got %d", rec.Code)
	}
	var resp readyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Checks["sqlite"] != "ok" {
		t.Errorf("sqlite check: got %q", resp.Checks["sqlite"])
	}
	if resp.Checks["qdrant"] == "ok" {
		t.Error("qdrant check must carry the error")
	}
}

func Test_Server_ReadyAllHealthy(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, []Pinger{&fakePinger{name: "sqlite"}}, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ready", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("healthy ready: want 200, got %d", rec.Code)
	}
}

func Test_Server_SearchReturnsRankedChunks(t *testing.T) {
	t.Parallel()

	result := rag.ScoredChunk{Score: 0.87}
	result.ID = "chunk-1"
	result.DocumentID = "doc"
	result.Content = "relevant text"
	result.DocumentTitle = "A Page"
	result.SourceURL = "https://ex.com/a"

	s := newTestServer(t, nil, []rag.ScoredChunk{result})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/search?kb=kb-1&q=hello", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("search: want 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Results []searchResult `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("want 1 result, got %d", len(resp.Results))
	}
	got := resp.Results[0]
	if got.ChunkID != "chunk-1" || got.DocumentTitle != "A Page" || got.SourceURL != "https://ex.com/a" {
		t.Errorf("result fields: %+v", got)
	}
}

func Test_Server_SearchValidation(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil, []rag.ScoredChunk{})

	cases := []string{
		"/api/search",
		"/api/search?kb=kb-1",
		"/api/search?q=hello",
		"/api/search?kb=kb-1&q=x&limit=0",
		"/api/search?kb=kb-1&q=x&limit=999",
		"/api/search?kb=kb-1&q=x&limit=abc",
	}
	for _, path := range cases {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: want 400, got %d", path, rec.Code)
		}
	}
}

func Test_Server_SearchUnconfigured(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/search?kb=k&q=x", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("nil retriever: want 503, got %d", rec.Code)
	}
}
