// Package store provides the SQLite-backed relational store for sitekb:
// knowledge bases, documents, scrape jobs, users, and agents. It owns the
// soft-delete discipline (knowledge-base queries filter deleted rows), the
// scrape-job status writes (validated by the job state machine), and the
// monotonic progress updates discovery and ingestion workers rely on.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // register "sqlite" driver

	"github.com/lhoofs/sitekb/internal/job"
)

// ErrNotFound is returned when a requested row does not exist (or is
// soft-deleted).
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a write violates an invariant: duplicate
// source URL, illegal job transition, selection outside the discovered set,
// or changing the embedding model of a populated knowledge base.
var ErrConflict = errors.New("store: conflict")

// DocumentStatus is the processing state of a document.
type DocumentStatus string

const (
	// DocumentProcessing means chunking/embedding is in flight.
	DocumentProcessing DocumentStatus = "PROCESSING"
	// DocumentCompleted means all chunks are persisted and searchable.
	DocumentCompleted DocumentStatus = "COMPLETED"
	// DocumentFailed means processing aborted; ErrorMessage says why.
	DocumentFailed DocumentStatus = "FAILED"
)

// KnowledgeBase is a named corpus of documents with its chunking and
// embedding configuration.
type KnowledgeBase struct {
	ID             string
	WorkspaceID    string
	Name           string
	EmbeddingModel string
	ChunkSize      int
	ChunkOverlap   int
	CreatedAt      time.Time
	DeletedAt      *time.Time
}

// Document is one ingested page in a knowledge base.
type Document struct {
	ID              string
	KnowledgeBaseID string
	Title           string
	Content         string
	SourceURL       string
	Status          DocumentStatus
	ChunkCount      int
	ErrorMessage    string
	Metadata        map[string]string
	Tags            []string
	CreatedAt       time.Time
}

// ScrapeJob tracks one crawl-and-ingest run against a knowledge base.
type ScrapeJob struct {
	ID              string
	BaseURL         string
	KnowledgeBaseID string
	UserID          string
	Status          job.Status
	MaxPages        int
	DiscoveredURLs  []string
	SelectedURLs    []string
	ScrapedURLs     []string
	TotalURLs       int
	ScrapedCount    int
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

// Store is the SQLite store. It is safe for concurrent use; writes are
// serialized through a single connection.
type Store struct {
	db *sql.DB
}

// DefaultDBPath resolves to ~/.sitekb/sitekb.db, creating the directory if
// needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".sitekb")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("store: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "sitekb.db"), nil
}

// Open opens (or creates) a Store at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*Store, error) {
	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *Store) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS knowledge_bases (
    id              TEXT PRIMARY KEY,
    workspace_id    TEXT NOT NULL,
    name            TEXT NOT NULL,
    embedding_model TEXT NOT NULL,
    chunk_size      INTEGER NOT NULL CHECK(chunk_size > 0),
    chunk_overlap   INTEGER NOT NULL CHECK(chunk_overlap >= 0),
    created_at      INTEGER NOT NULL,
    deleted_at      INTEGER
);
CREATE TABLE IF NOT EXISTS documents (
    id                TEXT PRIMARY KEY,
    knowledge_base_id TEXT NOT NULL REFERENCES knowledge_bases(id),
    title             TEXT NOT NULL,
    content           TEXT NOT NULL,
    source_url        TEXT,
    status            TEXT NOT NULL CHECK(status IN ('PROCESSING','COMPLETED','FAILED')),
    chunk_count       INTEGER NOT NULL DEFAULT 0 CHECK(chunk_count >= 0),
    error_message     TEXT NOT NULL DEFAULT '',
    metadata          TEXT NOT NULL DEFAULT '{}',
    tags              TEXT NOT NULL DEFAULT '[]',
    created_at        INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_kb_source
    ON documents (knowledge_base_id, source_url) WHERE source_url IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_documents_kb ON documents (knowledge_base_id);
CREATE TABLE IF NOT EXISTS scrape_jobs (
    id                TEXT PRIMARY KEY,
    base_url          TEXT NOT NULL,
    knowledge_base_id TEXT NOT NULL REFERENCES knowledge_bases(id),
    user_id           TEXT NOT NULL,
    status            TEXT NOT NULL,
    max_pages         INTEGER NOT NULL,
    discovered_urls   TEXT NOT NULL DEFAULT '[]',
    selected_urls     TEXT NOT NULL DEFAULT '[]',
    scraped_urls      TEXT NOT NULL DEFAULT '[]',
    total_urls        INTEGER NOT NULL DEFAULT 0,
    scraped_count     INTEGER NOT NULL DEFAULT 0,
    created_at        INTEGER NOT NULL,
    completed_at      INTEGER
);
CREATE INDEX IF NOT EXISTS idx_jobs_kb ON scrape_jobs (knowledge_base_id, created_at);
CREATE TABLE IF NOT EXISTS users (
    id             TEXT PRIMARY KEY,
    email          TEXT NOT NULL UNIQUE,
    is_admin       INTEGER NOT NULL DEFAULT 0,
    email_verified INTEGER NOT NULL DEFAULT 0,
    created_at     INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS agents (
    id                TEXT PRIMARY KEY,
    name              TEXT NOT NULL,
    knowledge_base_id TEXT REFERENCES knowledge_bases(id),
    created_at        INTEGER NOT NULL
);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Close releases the database connection pool.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Name identifies the store in readiness responses.
func (s *Store) Name() string { return "sqlite" }

// ---------------------------------------------------------------------------
// Knowledge bases

// CreateKnowledgeBase validates the chunking configuration and inserts a new
// knowledge base, returning it with a generated ID.
func (s *Store) CreateKnowledgeBase(ctx context.Context, kb KnowledgeBase) (KnowledgeBase, error) {
	if kb.ChunkSize <= 0 {
		return kb, fmt.Errorf("store: chunk size must be positive: %w", ErrConflict)
	}
	if kb.ChunkOverlap < 0 || kb.ChunkOverlap >= kb.ChunkSize {
		return kb, fmt.Errorf("store: chunk overlap must satisfy 0 <= overlap < size: %w", ErrConflict)
	}
	kb.ID = uuid.NewString()
	kb.CreatedAt = time.Now()

	const q = `INSERT INTO knowledge_bases
        (id, workspace_id, name, embedding_model, chunk_size, chunk_overlap, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q, kb.ID, kb.WorkspaceID, kb.Name,
		kb.EmbeddingModel, kb.ChunkSize, kb.ChunkOverlap, kb.CreatedAt.Unix())
	if err != nil {
		return kb, fmt.Errorf("store: create knowledge base: %w", err)
	}
	return kb, nil
}

// FindKnowledgeBase returns the knowledge base with the given ID, filtering
// soft-deleted rows.
func (s *Store) FindKnowledgeBase(ctx context.Context, id string) (KnowledgeBase, error) {
	const q = `SELECT id, workspace_id, name, embedding_model, chunk_size, chunk_overlap, created_at
        FROM knowledge_bases WHERE id = ? AND deleted_at IS NULL`
	var kb KnowledgeBase
	var created int64
	err := s.db.QueryRowContext(ctx, q, id).Scan(&kb.ID, &kb.WorkspaceID, &kb.Name,
		&kb.EmbeddingModel, &kb.ChunkSize, &kb.ChunkOverlap, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return kb, fmt.Errorf("store: knowledge base %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return kb, fmt.Errorf("store: find knowledge base: %w", err)
	}
	kb.CreatedAt = time.Unix(created, 0)
	return kb, nil
}

// ListKnowledgeBases returns all live knowledge bases in a workspace,
// newest first.
func (s *Store) ListKnowledgeBases(ctx context.Context, workspaceID string) ([]KnowledgeBase, error) {
	const q = `SELECT id, workspace_id, name, embedding_model, chunk_size, chunk_overlap, created_at
        FROM knowledge_bases WHERE workspace_id = ? AND deleted_at IS NULL
        ORDER BY created_at DESC, id`
	rows, err := s.db.QueryContext(ctx, q, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("store: list knowledge bases: %w", err)
	}
	defer rows.Close()

	var kbs []KnowledgeBase
	for rows.Next() {
		var kb KnowledgeBase
		var created int64
		if err := rows.Scan(&kb.ID, &kb.WorkspaceID, &kb.Name, &kb.EmbeddingModel,
			&kb.ChunkSize, &kb.ChunkOverlap, &created); err != nil {
			return nil, fmt.Errorf("store: list knowledge bases scan: %w", err)
		}
		kb.CreatedAt = time.Unix(created, 0)
		kbs = append(kbs, kb)
	}
	return kbs, rows.Err()
}

// UpdateKnowledgeBaseModel changes the embedding model of a knowledge base.
// The change is refused once any document exists, because vectors from
// different models cannot share one index.
func (s *Store) UpdateKnowledgeBaseModel(ctx context.Context, id, model string) error {
	n, err := s.CountDocuments(ctx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("store: knowledge base %s has %d documents; embedding model is immutable: %w", id, n, ErrConflict)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE knowledge_bases SET embedding_model = ? WHERE id = ? AND deleted_at IS NULL`, model, id)
	if err != nil {
		return fmt.Errorf("store: update embedding model: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("store: knowledge base %s: %w", id, ErrNotFound)
	}
	return nil
}

// SoftDeleteKnowledgeBase marks a knowledge base deleted. It is refused
// while a non-terminal scrape job references the KB or any agent uses it.
func (s *Store) SoftDeleteKnowledgeBase(ctx context.Context, id string) error {
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scrape_jobs WHERE knowledge_base_id = ? AND status NOT IN ('COMPLETED','FAILED')`, id).Scan(&active)
	if err != nil {
		return fmt.Errorf("store: count active jobs: %w", err)
	}
	if active > 0 {
		return fmt.Errorf("store: knowledge base %s has %d active jobs: %w", id, active, ErrConflict)
	}

	agents, err := s.CountAgentsUsing(ctx, id)
	if err != nil {
		return err
	}
	if agents > 0 {
		return fmt.Errorf("store: knowledge base %s is used by %d agents: %w", id, agents, ErrConflict)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE knowledge_bases SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("store: soft delete knowledge base: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("store: knowledge base %s: %w", id, ErrNotFound)
	}
	return nil
}

// CountAgentsUsing returns how many agents reference the knowledge base.
func (s *Store) CountAgentsUsing(ctx context.Context, kbID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agents WHERE knowledge_base_id = ?`, kbID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count agents: %w", err)
	}
	return n, nil
}

// CountDocuments returns how many documents the knowledge base holds.
func (s *Store) CountDocuments(ctx context.Context, kbID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE knowledge_base_id = ?`, kbID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count documents: %w", err)
	}
	return n, nil
}

// CreateAgent registers an agent that consumes a knowledge base. Exists so
// deletion guards have something to count; agent behaviour lives elsewhere.
func (s *Store) CreateAgent(ctx context.Context, name, kbID string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, knowledge_base_id, created_at) VALUES (?, ?, ?, ?)`,
		id, name, kbID, time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("store: create agent: %w", err)
	}
	return id, nil
}

// ---------------------------------------------------------------------------
// Documents

// CreateDocument inserts a new document in PROCESSING state. When the
// document has a source URL that already exists in the knowledge base,
// ErrConflict is returned so callers keep at most one document per URL.
func (s *Store) CreateDocument(ctx context.Context, doc Document) (Document, error) {
	doc.ID = uuid.NewString()
	doc.Status = DocumentProcessing
	doc.CreatedAt = time.Now()
	if doc.Metadata == nil {
		doc.Metadata = map[string]string{}
	}

	meta, err := json.Marshal(doc.Metadata)
	if err != nil {
		return doc, fmt.Errorf("store: marshal metadata: %w", err)
	}
	tags, err := json.Marshal(doc.Tags)
	if err != nil {
		return doc, fmt.Errorf("store: marshal tags: %w", err)
	}

	var sourceURL any
	if doc.SourceURL != "" {
		sourceURL = doc.SourceURL
	}

	const q = `INSERT INTO documents
        (id, knowledge_base_id, title, content, source_url, status, metadata, tags, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, q, doc.ID, doc.KnowledgeBaseID, doc.Title,
		doc.Content, sourceURL, string(doc.Status), string(meta), string(tags), doc.CreatedAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return doc, fmt.Errorf("store: document for %s already exists in knowledge base %s: %w",
				doc.SourceURL, doc.KnowledgeBaseID, ErrConflict)
		}
		return doc, fmt.Errorf("store: create document: %w", err)
	}
	return doc, nil
}

// UpdateDocumentStatus moves a document to COMPLETED or FAILED. The status
// transition is one-way: a terminal document is never reopened.
func (s *Store) UpdateDocumentStatus(ctx context.Context, id string, status DocumentStatus, chunkCount int, errorMessage string) error {
	const q = `UPDATE documents SET status = ?, chunk_count = ?, error_message = ?
        WHERE id = ? AND status = 'PROCESSING'`
	res, err := s.db.ExecContext(ctx, q, string(status), chunkCount, errorMessage, id)
	if err != nil {
		return fmt.Errorf("store: update document status: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		if _, ferr := s.FindDocument(ctx, id); ferr != nil {
			return ferr
		}
		return fmt.Errorf("store: document %s is already terminal: %w", id, ErrConflict)
	}
	return nil
}

// FindDocument returns the document with the given ID.
func (s *Store) FindDocument(ctx context.Context, id string) (Document, error) {
	const q = `SELECT id, knowledge_base_id, title, content, COALESCE(source_url, ''),
        status, chunk_count, error_message, metadata, tags, created_at
        FROM documents WHERE id = ?`
	return scanDocument(s.db.QueryRowContext(ctx, q, id))
}

// FindDocumentBySource returns the document for a (knowledge base, source
// URL) pair.
func (s *Store) FindDocumentBySource(ctx context.Context, kbID, sourceURL string) (Document, error) {
	const q = `SELECT id, knowledge_base_id, title, content, COALESCE(source_url, ''),
        status, chunk_count, error_message, metadata, tags, created_at
        FROM documents WHERE knowledge_base_id = ? AND source_url = ?`
	return scanDocument(s.db.QueryRowContext(ctx, q, kbID, sourceURL))
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanDocument.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var doc Document
	var status, meta, tags string
	var created int64
	err := row.Scan(&doc.ID, &doc.KnowledgeBaseID, &doc.Title, &doc.Content, &doc.SourceURL,
		&status, &doc.ChunkCount, &doc.ErrorMessage, &meta, &tags, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return doc, fmt.Errorf("store: document: %w", ErrNotFound)
	}
	if err != nil {
		return doc, fmt.Errorf("store: scan document: %w", err)
	}
	doc.Status = DocumentStatus(status)
	doc.CreatedAt = time.Unix(created, 0)
	if err := json.Unmarshal([]byte(meta), &doc.Metadata); err != nil {
		return doc, fmt.Errorf("store: unmarshal metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &doc.Tags); err != nil {
		return doc, fmt.Errorf("store: unmarshal tags: %w", err)
	}
	return doc, nil
}

// ListDocuments returns all documents in a knowledge base, newest first.
func (s *Store) ListDocuments(ctx context.Context, kbID string) ([]Document, error) {
	const q = `SELECT id, knowledge_base_id, title, content, COALESCE(source_url, ''),
        status, chunk_count, error_message, metadata, tags, created_at
        FROM documents WHERE knowledge_base_id = ? ORDER BY created_at DESC, id`
	rows, err := s.db.QueryContext(ctx, q, kbID)
	if err != nil {
		return nil, fmt.Errorf("store: list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// CompletedDocumentIDs returns the set of COMPLETED document IDs in a
// knowledge base. Retrieval uses this to exclude chunks of unfinished or
// failed documents.
func (s *Store) CompletedDocumentIDs(ctx context.Context, kbID string) (map[string]bool, error) {
	const q = `SELECT id FROM documents WHERE knowledge_base_id = ? AND status = 'COMPLETED'`
	rows, err := s.db.QueryContext(ctx, q, kbID)
	if err != nil {
		return nil, fmt.Errorf("store: completed documents: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: completed documents scan: %w", err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// DeleteDocument removes a document row. Callers must delete the document's
// chunks from the vector store first; this method only touches SQLite.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete document: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("store: document %s: %w", id, ErrNotFound)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Scrape jobs

// CreateJob inserts a new scrape job in DISCOVERING state.
func (s *Store) CreateJob(ctx context.Context, j ScrapeJob) (ScrapeJob, error) {
	if _, err := s.FindKnowledgeBase(ctx, j.KnowledgeBaseID); err != nil {
		return j, err
	}
	j.ID = uuid.NewString()
	j.Status = job.StatusDiscovering
	j.CreatedAt = time.Now()

	const q = `INSERT INTO scrape_jobs
        (id, base_url, knowledge_base_id, user_id, status, max_pages, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q, j.ID, j.BaseURL, j.KnowledgeBaseID, j.UserID,
		string(j.Status), j.MaxPages, j.CreatedAt.Unix())
	if err != nil {
		return j, fmt.Errorf("store: create job: %w", err)
	}
	return j, nil
}

// querier abstracts *sql.DB and *sql.Tx so job reads can run standalone or
// inside a transaction.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// FindJob returns the scrape job with the given ID.
func (s *Store) FindJob(ctx context.Context, id string) (ScrapeJob, error) {
	return getJob(ctx, s.db, id)
}

// getJob reads one scrape job via q, which may be a transaction.
func getJob(ctx context.Context, q querier, id string) (ScrapeJob, error) {
	const query = `SELECT id, base_url, knowledge_base_id, user_id, status, max_pages,
        discovered_urls, selected_urls, scraped_urls, total_urls, scraped_count,
        created_at, completed_at
        FROM scrape_jobs WHERE id = ?`
	row := q.QueryRowContext(ctx, query, id)

	var j ScrapeJob
	var status, discovered, selected, scraped string
	var created int64
	var completed sql.NullInt64
	err := row.Scan(&j.ID, &j.BaseURL, &j.KnowledgeBaseID, &j.UserID, &status, &j.MaxPages,
		&discovered, &selected, &scraped, &j.TotalURLs, &j.ScrapedCount, &created, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return j, fmt.Errorf("store: job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return j, fmt.Errorf("store: find job: %w", err)
	}
	j.Status = job.Status(status)
	j.CreatedAt = time.Unix(created, 0)
	if completed.Valid {
		t := time.Unix(completed.Int64, 0)
		j.CompletedAt = &t
	}
	for _, pair := range []struct {
		raw  string
		dest *[]string
	}{{discovered, &j.DiscoveredURLs}, {selected, &j.SelectedURLs}, {scraped, &j.ScrapedURLs}} {
		if err := json.Unmarshal([]byte(pair.raw), pair.dest); err != nil {
			return j, fmt.Errorf("store: unmarshal job urls: %w", err)
		}
	}
	return j, nil
}

// ListJobs returns all scrape jobs for a knowledge base, newest first.
func (s *Store) ListJobs(ctx context.Context, kbID string) ([]ScrapeJob, error) {
	const q = `SELECT id FROM scrape_jobs WHERE knowledge_base_id = ? ORDER BY created_at DESC, id`
	rows, err := s.db.QueryContext(ctx, q, kbID)
	if err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: list jobs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	jobs := make([]ScrapeJob, 0, len(ids))
	for _, id := range ids {
		j, err := s.FindJob(ctx, id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// TransitionJob validates and applies a status change. Terminal transitions
// stamp completed_at. Invalid transitions return ErrConflict (wrapping
// job.ErrInvalidTransition).
func (s *Store) TransitionJob(ctx context.Context, id string, to job.Status) error {
	j, err := s.FindJob(ctx, id)
	if err != nil {
		return err
	}
	if j.Status == to {
		return nil
	}
	if _, err := job.Transition(j.Status, to); err != nil {
		return fmt.Errorf("store: job %s: %w: %w", id, err, ErrConflict)
	}

	var completed any
	if to.Terminal() {
		completed = time.Now().Unix()
	}
	const q = `UPDATE scrape_jobs SET status = ?, completed_at = COALESCE(?, completed_at)
        WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, q, string(to), completed, id, string(j.Status))
	if err != nil {
		return fmt.Errorf("store: transition job: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		// A concurrent writer changed the status between read and write.
		return fmt.Errorf("store: job %s status changed concurrently: %w", id, ErrConflict)
	}
	return nil
}

// UpdateJobDiscovery merges newly discovered URLs into the job record.
// The discovered set and total only grow; a stale writer cannot shrink them.
// Read, merge, and write run in one transaction so concurrent reporters
// cannot lose each other's URLs.
func (s *Store) UpdateJobDiscovery(ctx context.Context, id string, urls []string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		j, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		merged := mergeURLSets(j.DiscoveredURLs, urls)
		total := job.MergeProgress(j.TotalURLs, len(merged))

		encoded, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("store: marshal discovered urls: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE scrape_jobs SET discovered_urls = ?, total_urls = MAX(total_urls, ?) WHERE id = ?`,
			string(encoded), total, id)
		if err != nil {
			return fmt.Errorf("store: update discovery: %w", err)
		}
		return nil
	})
}

// SelectURLs records the operator's URL selection for ingestion. Every
// selected URL must have been discovered; anything else is ErrConflict.
// The subset check and the write see the same snapshot of the job.
func (s *Store) SelectURLs(ctx context.Context, id string, urls []string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		j, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		discovered := make(map[string]bool, len(j.DiscoveredURLs))
		for _, u := range j.DiscoveredURLs {
			discovered[u] = true
		}
		for _, u := range urls {
			if !discovered[u] {
				return fmt.Errorf("store: url %s was not discovered by job %s: %w", u, id, ErrConflict)
			}
		}

		encoded, err := json.Marshal(mergeURLSets(nil, urls))
		if err != nil {
			return fmt.Errorf("store: marshal selected urls: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE scrape_jobs SET selected_urls = ? WHERE id = ?`, string(encoded), id)
		if err != nil {
			return fmt.Errorf("store: select urls: %w", err)
		}
		return nil
	})
}

// RecordScraped appends a successfully ingested URL to the job and bumps
// scraped_count. Both fields are monotonic. Ingestion workers call this
// concurrently for the same job, so the read-merge-write runs in one
// transaction; without it two workers could read the same scraped_urls
// snapshot and the second write would drop the first worker's URL.
func (s *Store) RecordScraped(ctx context.Context, id, url string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		j, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		merged := mergeURLSets(j.ScrapedURLs, []string{url})
		encoded, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("store: marshal scraped urls: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE scrape_jobs SET scraped_urls = ?, scraped_count = MAX(scraped_count, ?) WHERE id = ?`,
			string(encoded), len(merged), id)
		if err != nil {
			return fmt.Errorf("store: record scraped: %w", err)
		}
		return nil
	})
}

// inTx runs fn inside a transaction, committing on nil and rolling back on
// error. With the single-connection pool the transaction holds the only
// connection, so the enclosed read-modify-write is serialized against every
// other store call.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// mergeURLSets returns the union of two URL lists, preserving first-seen
// order and dropping duplicates.
func mergeURLSets(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing)+len(incoming))
	merged := make([]string, 0, len(existing)+len(incoming))
	for _, set := range [][]string{existing, incoming} {
		for _, u := range set {
			if !seen[u] {
				seen[u] = true
				merged = append(merged, u)
			}
		}
	}
	return merged
}

// ---------------------------------------------------------------------------
// Users and operator commands

// CreateUser inserts a user. Used by tests and provisioning scripts.
func (s *Store) CreateUser(ctx context.Context, email string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, created_at) VALUES (?, ?, ?)`, id, email, time.Now().Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("store: user %s already exists: %w", email, ErrConflict)
		}
		return "", fmt.Errorf("store: create user: %w", err)
	}
	return id, nil
}

// IsAdmin reports whether the user with the given email is an administrator.
func (s *Store) IsAdmin(ctx context.Context, email string) (bool, error) {
	var admin int
	err := s.db.QueryRowContext(ctx, `SELECT is_admin FROM users WHERE email = ?`, email).Scan(&admin)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("store: user %s: %w", email, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("store: is admin: %w", err)
	}
	return admin == 1, nil
}

// GrantAdmin flags the user with the given email as an administrator.
func (s *Store) GrantAdmin(ctx context.Context, email string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET is_admin = 1 WHERE email = ?`, email)
	if err != nil {
		return fmt.Errorf("store: grant admin: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("store: user %s: %w", email, ErrNotFound)
	}
	return nil
}

// MarkAllUsersVerified sets email_verified on every user and returns how
// many rows changed.
func (s *Store) MarkAllUsersVerified(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET email_verified = 1 WHERE email_verified = 0`)
	if err != nil {
		return 0, fmt.Errorf("store: mark verified: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// TruncateAll deletes every row from every table. Destructive; exposed only
// through the admin CLI behind an explicit confirmation flag.
func (s *Store) TruncateAll(ctx context.Context) error {
	for _, table := range []string{"scrape_jobs", "documents", "agents", "knowledge_bases", "users"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("store: truncate %s: %w", table, err)
		}
	}
	return nil
}

// isUniqueViolation reports whether err is a SQLite unique-constraint error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
