package rag

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strconv"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantConfig holds connection parameters for a Qdrant vector store instance.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// Collection is the Qdrant collection name to use.
	Collection string

	// VectorSize is the dimensionality of the embeddings stored in this
	// collection. Must match the embedding model of every knowledge base
	// stored here (1536 for the default model).
	VectorSize uint64

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// QdrantStore implements VectorStore backed by a Qdrant instance. Chunks are
// stored as points with a payload carrying the chunk's knowledge base,
// document, index, offsets, and denormalized document fields, so searches
// can filter by knowledge base and deletions by document.
type QdrantStore struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client

	// cfg holds the resolved configuration for this store.
	cfg *QdrantConfig
}

// NewQdrantStore creates a new QdrantStore, ensuring the target collection
// exists (creating it if necessary), and returns a ready-to-use VectorStore.
func NewQdrantStore(ctx context.Context, cfg *QdrantConfig) (*QdrantStore, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	store := &QdrantStore{client: client, cfg: cfg}
	if err := store.ensureCollection(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// ensureCollection creates the Qdrant collection if it does not already exist.
func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.cfg.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w", s.cfg.Collection, err)
	}

	return nil
}

// UpsertChunks stores a batch of chunks with their pre-computed embeddings.
// Point IDs are deterministic per (document, chunk index), so re-ingesting a
// document overwrites its old chunks instead of duplicating them.
func (s *QdrantStore) UpsertChunks(ctx context.Context, chunks []Chunk, embeddings [][]float32) error {
	if len(chunks) != len(embeddings) {
		return fmt.Errorf("qdrant: %d chunks but %d embeddings", len(chunks), len(embeddings))
	}

	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for i, c := range chunks {
		payload := map[string]any{
			"kb_id":       c.KnowledgeBaseID,
			"document_id": c.DocumentID,
			"chunk_index": int64(c.Index),
			"content":     c.Content,
			"start_char":  int64(c.StartChar),
			"end_char":    int64(c.EndChar),
			"doc_title":   c.DocumentTitle,
			"source_url":  c.SourceURL,
		}
		for k, v := range c.Metadata {
			payload[k] = v
		}

		id := c.ID
		if id == "" {
			id = ChunkPointID(c.DocumentID, c.Index)
		}

		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(id),
			Vectors: qdrant.NewVectors(embeddings[i]...),
			Payload: qdrant.NewValueMap(payload),
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.cfg.Collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant: upsert failed: %w", err)
	}

	return nil
}

// DeleteByDocument removes every chunk belonging to the document via a
// payload filter.
func (s *QdrantStore) DeleteByDocument(ctx context.Context, documentID string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("document_id", documentID),
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: delete by document failed: %w", err)
	}
	return nil
}

// Search performs a cosine similarity search restricted to the knowledge
// base and returns the top results with their payload decoded.
func (s *QdrantStore) Search(ctx context.Context, kbID string, queryEmbedding []float32, limit int) ([]ScoredChunk, error) {
	l := uint64(limit)
	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.cfg.Collection,
		Query:          qdrant.NewQuery(queryEmbedding...),
		Limit:          &l,
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("kb_id", kbID),
			},
		},
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: search failed: %w", err)
	}

	chunks := make([]ScoredChunk, 0, len(results))
	for _, r := range results {
		c := ScoredChunk{Score: r.Score}
		c.ID = r.Id.GetUuid()
		if p := r.Payload; p != nil {
			c.KnowledgeBaseID = stringField(p, "kb_id")
			c.DocumentID = stringField(p, "document_id")
			c.Content = stringField(p, "content")
			c.DocumentTitle = stringField(p, "doc_title")
			c.SourceURL = stringField(p, "source_url")
			c.Index = intField(p, "chunk_index")
			c.StartChar = intField(p, "start_char")
			c.EndChar = intField(p, "end_char")
			c.Metadata = make(map[string]string)
			for k, v := range p {
				if knownPayloadKeys[k] {
					continue
				}
				c.Metadata[k] = v.GetStringValue()
			}
		}
		chunks = append(chunks, c)
	}

	return chunks, nil
}

// knownPayloadKeys are the payload fields decoded into Chunk struct fields;
// everything else lands in Metadata.
var knownPayloadKeys = map[string]bool{
	"kb_id": true, "document_id": true, "chunk_index": true, "content": true,
	"start_char": true, "end_char": true, "doc_title": true, "source_url": true,
}

// stringField extracts a string payload value.
func stringField(p map[string]*qdrant.Value, key string) string {
	if v, ok := p[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

// intField extracts an integer payload value, tolerating string encodings.
func intField(p map[string]*qdrant.Value, key string) int {
	v, ok := p[key]
	if !ok {
		return 0
	}
	if n := v.GetIntegerValue(); n != 0 {
		return int(n)
	}
	if s := v.GetStringValue(); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return 0
}

// Close closes the underlying Qdrant gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// Name identifies the store in readiness responses.
func (s *QdrantStore) Name() string { return "qdrant" }

// Ping checks that the Qdrant server is reachable.
func (s *QdrantStore) Ping(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant: ping: %w", err)
	}
	return nil
}

// ChunkPointID generates a deterministic UUID-format ID for a chunk based on
// its document ID and index. The format (8-4-4-4-12 hex) satisfies
// qdrant.NewIDUUID without requiring a random UUID per point, and makes
// chunk writes idempotent per (document, index).
func ChunkPointID(documentID string, index int) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s#%d", documentID, index)))
	// Force version 5 and variant bits so the result is a valid UUID.
	h[6] = (h[6] & 0x0f) | 0x50
	h[8] = (h[8] & 0x3f) | 0x80
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x",
		h[0:4], h[4:6], h[6:8], h[8:10], h[10:16])
}
