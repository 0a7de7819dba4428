package rag

import (
	"context"
	"fmt"
	"sort"
)

// overfetchFactor is how many extra candidates are pulled from the vector
// store per requested result, leaving room to drop chunks whose document is
// not yet (or never became) COMPLETED.
const overfetchFactor = 4

// Retriever answers similarity queries against one knowledge base. It embeds
// the query, searches the vector store, and filters out chunks whose parent
// document is not searchable.
type Retriever struct {
	// embedder converts query text to a dense vector.
	embedder Embedder

	// store performs the vector similarity search.
	store VectorStore

	// gate excludes chunks of unfinished or failed documents.
	gate DocumentGate

	// defaultLimit is the number of results returned when the caller passes 0.
	defaultLimit int
}

// NewRetriever constructs a Retriever from its dependencies.
// defaultLimit sets the fallback result count when Search is called with
// limit=0.
func NewRetriever(embedder Embedder, store VectorStore, gate DocumentGate, defaultLimit int) (*Retriever, error) {
	if embedder == nil {
		return nil, fmt.Errorf("rag: embedder must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("rag: store must not be nil")
	}
	if gate == nil {
		return nil, fmt.Errorf("rag: document gate must not be nil")
	}
	if defaultLimit <= 0 {
		defaultLimit = 5
	}
	return &Retriever{
		embedder:     embedder,
		store:        store,
		gate:         gate,
		defaultLimit: defaultLimit,
	}, nil
}

// Search embeds the query and returns up to limit chunks from COMPLETED
// documents in the knowledge base, ordered by similarity score descending.
// Ties break by chunk index ascending, then document ID ascending, so
// identical queries return identical orderings.
func (r *Retriever) Search(ctx context.Context, kbID, query string, limit int) ([]ScoredChunk, error) {
	if limit <= 0 {
		limit = r.defaultLimit
	}

	embeddings, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("rag: embedding query failed: %w", err)
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("rag: embedder returned empty result for query")
	}

	candidates, err := r.store.Search(ctx, kbID, embeddings[0], limit*overfetchFactor)
	if err != nil {
		return nil, fmt.Errorf("rag: vector search failed: %w", err)
	}

	searchable, err := r.gate.CompletedDocumentIDs(ctx, kbID)
	if err != nil {
		return nil, fmt.Errorf("rag: resolving searchable documents failed: %w", err)
	}

	results := make([]ScoredChunk, 0, limit)
	for _, c := range candidates {
		if searchable[c.DocumentID] {
			results = append(results, c)
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Index != results[j].Index {
			return results[i].Index < results[j].Index
		}
		return results[i].DocumentID < results[j].DocumentID
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}
