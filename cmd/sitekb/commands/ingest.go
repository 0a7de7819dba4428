package commands

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/lhoofs/sitekb/internal/browser"
	"github.com/lhoofs/sitekb/internal/embedder"
	"github.com/lhoofs/sitekb/internal/ingest"
	"github.com/lhoofs/sitekb/internal/logging"
	"github.com/lhoofs/sitekb/internal/metrics"
	"github.com/lhoofs/sitekb/internal/rag"
)

// NewIngestCmd constructs the `sitekb ingest` command, which selects URLs on
// a PENDING scrape job and runs the ingestion pipeline for them.
func NewIngestCmd() *cobra.Command {
	var jobID string
	var urls []string
	var all bool

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Scrape, chunk, embed, and persist selected URLs of a scrape job",
		Long: `Run the ingestion pipeline for a scrape job in PENDING state.

Each selected URL is rendered in the headless browser, its main content
extracted, chunked per the knowledge base's configuration, embedded, and
persisted to SQLite plus the Qdrant vector index. A failing URL taints only
its own document; the job fails only when every selected URL fails.

Selected URLs must come from the job's discovered set — anything else is
rejected. Use --all to select every discovered URL.

Required environment variables:
  QDRANT_HOST          Qdrant server hostname (default: localhost)
  QDRANT_PORT          Qdrant gRPC port (default: 6334)
  QDRANT_COLLECTION    Collection name (default: sitekb-chunks)
  OPENAI_API_KEY       When the knowledge base uses an OpenAI embedding model
  EMBEDDING_*          Provider overrides: EMBEDDING_PROVIDER, EMBEDDING_ENDPOINT,
                       EMBEDDING_DIMENSIONS, EMBEDDING_API_KEY

Examples:
  sitekb ingest --job 9b2e... --all
  sitekb ingest --job 9b2e... --url https://docs.example.com/intro`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			if !all && len(urls) == 0 {
				return fmt.Errorf("ingest: pass --all or at least one --url")
			}

			s, err := openStore()
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer s.Close()

			j, err := s.FindJob(ctx, jobID)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			kb, err := s.FindKnowledgeBase(ctx, j.KnowledgeBaseID)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			if err := embedder.Validate(log, kb.EmbeddingModel); err != nil {
				return fmt.Errorf("ingest: %w", err)
			}

			selection := urls
			if all {
				selection = j.DiscoveredURLs
			}
			if err := s.SelectURLs(ctx, jobID, selection); err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			log.Info("urls selected", slog.String("job_id", jobID), slog.Int("count", len(selection)))

			vectors, closeVectors, err := openVectors(ctx, kb.EmbeddingModel, log)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer closeVectors()

			pool := newBrowserPool()
			defer pool.Shutdown()

			pipeline, err := ingest.NewPipeline(
				browser.NewFetcher(pool),
				s,
				vectors,
				func(model string) (rag.Embedder, error) { return embedder.NewForModel(model) },
				metrics.New(prometheus.NewRegistry()),
				ingest.Config{Workers: getEnvInt("INGEST_WORKERS", 0)},
			)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}

			if err := pipeline.Run(ctx, jobID); err != nil {
				return fmt.Errorf("ingest: %w", err)
			}

			done, err := s.FindJob(ctx, jobID)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			fmt.Printf("job %s: %s, %d/%d urls ingested\n",
				done.ID, done.Status, done.ScrapedCount, len(done.SelectedURLs))
			return nil
		},
	}

	cmd.Flags().StringVar(&jobID, "job", "", "Scrape job ID (required)")
	cmd.Flags().StringArrayVarP(&urls, "url", "u", nil, "URL to ingest (repeatable; must be discovered)")
	cmd.Flags().BoolVar(&all, "all", false, "Select every discovered URL")
	_ = cmd.MarkFlagRequired("job")

	return cmd
}
