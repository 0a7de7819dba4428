package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/lhoofs/sitekb/internal/embedder"
	"github.com/lhoofs/sitekb/internal/logging"
	"github.com/lhoofs/sitekb/internal/metrics"
	"github.com/lhoofs/sitekb/internal/rag"
	"github.com/lhoofs/sitekb/internal/server"
)

// NewServeCmd constructs the `sitekb serve` command, which exposes the HTTP
// status surface: health, readiness, Prometheus metrics, and search.
func NewServeCmd() *cobra.Command {
	var host string
	var port int
	var kbModel string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP status and search server",
		Long: `Start the sitekb HTTP server.

Endpoints:
  GET /healthz       liveness probe
  GET /api/ready     readiness probe (SQLite, Qdrant, embedder)
  GET /metrics       Prometheus metrics
  GET /api/search    cosine-similarity search (?kb=<id>&q=<query>&limit=<n>)

The search endpoint uses one embedding model for query embedding, selected
with --model; knowledge bases using other models should be queried via the
CLI. The server binds to localhost by default.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			s, err := openStore()
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer s.Close()

			if err := embedder.Validate(log, kbModel); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			emb, err := embedder.NewForModel(kbModel)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			vectors, closeVectors, err := openVectors(ctx, kbModel, log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer closeVectors()

			retriever, err := rag.NewRetriever(emb, vectors, s, 5)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			registry := prometheus.NewRegistry()
			// Pipeline metrics share the registry so /metrics exposes both
			// surfaces even when no pipeline is running in this process.
			_ = metrics.New(registry)

			pingers := []server.Pinger{s, vectors}
			if p, ok := emb.(server.Pinger); ok {
				pingers = append(pingers, p)
			}

			srv, err := server.New(retriever, pingers, &server.Config{
				Host:     getEnvOrDefault("SERVER_HOST", host),
				Port:     getEnvInt("SERVER_PORT", port),
				Logger:   log,
				Registry: registry,
			})
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			return srv.Start(runCtx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Bind address")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port")
	cmd.Flags().StringVarP(&kbModel, "model", "m", embedder.DefaultModel, "Embedding model for query embedding")

	return cmd
}
