// Package rag defines the retrieval interfaces of sitekb: vector storage of
// document chunks, text embedding, and cosine-similarity search. Concrete
// implementations (Qdrant, HTTP embedders) satisfy these interfaces so the
// pipeline and CLI never depend on a specific backend, and tests substitute
// in-memory fakes.
package rag

import (
	"context"
)

// Chunk is one contiguous slice of a document's content, the unit of
// retrieval.
type Chunk struct {
	// ID uniquely identifies the chunk in the vector store.
	ID string

	// DocumentID is the owning document.
	DocumentID string

	// KnowledgeBaseID scopes the chunk for search.
	KnowledgeBaseID string

	// Index is the chunk's position within the document, contiguous from 0.
	Index int

	// Content is the chunk text.
	Content string

	// StartChar and EndChar are the chunk's offsets into the document content.
	StartChar int
	EndChar   int

	// DocumentTitle and SourceURL denormalize the owning document so search
	// results can be rendered without a join.
	DocumentTitle string
	SourceURL     string

	// Metadata holds arbitrary key-value pairs (chunk length, tags).
	Metadata map[string]string
}

// ScoredChunk is a chunk returned from a similarity search.
type ScoredChunk struct {
	Chunk

	// Score is the cosine similarity in [-1, 1]; higher is closer.
	Score float32
}

// VectorStore persists chunk embeddings and serves nearest-neighbour
// queries. Implementations must be safe to call from multiple goroutines.
type VectorStore interface {
	// UpsertChunks stores a batch of chunks with their pre-computed
	// embeddings. The embeddings slice is parallel to chunks.
	UpsertChunks(ctx context.Context, chunks []Chunk, embeddings [][]float32) error

	// DeleteByDocument removes every chunk belonging to the document.
	DeleteByDocument(ctx context.Context, documentID string) error

	// Search returns the limit chunks nearest to the query embedding by
	// cosine distance, restricted to the given knowledge base.
	Search(ctx context.Context, kbID string, queryEmbedding []float32, limit int) ([]ScoredChunk, error)

	// Close releases any resources held by the store.
	Close() error
}

// Embedder converts text into dense vector embeddings.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed converts a batch of texts into their corresponding embeddings.
	// The returned slice is parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// DocumentGate decides whether a document's chunks may appear in search
// results. The store implements this by checking document status.
type DocumentGate interface {
	// CompletedDocumentIDs returns the IDs of all searchable (COMPLETED)
	// documents in the knowledge base.
	CompletedDocumentIDs(ctx context.Context, kbID string) (map[string]bool, error)
}
