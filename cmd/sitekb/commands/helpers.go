package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/lhoofs/sitekb/internal/browser"
	"github.com/lhoofs/sitekb/internal/embedder"
	"github.com/lhoofs/sitekb/internal/rag"
	"github.com/lhoofs/sitekb/internal/store"
)

// openStore opens the SQLite store at SITEKB_DB or the default location.
func openStore() (*store.Store, error) {
	path := os.Getenv("SITEKB_DB")
	if path == "" {
		var err error
		path, err = store.DefaultDBPath()
		if err != nil {
			return nil, err
		}
	}
	return store.Open(path)
}

// openVectors connects to Qdrant with the collection sized for the given
// embedding model. The returned closer must be called (e.g. via defer) to
// release the underlying gRPC connection.
func openVectors(ctx context.Context, model string, log *slog.Logger) (*rag.QdrantStore, func(), error) {
	host := getEnvOrDefault("QDRANT_HOST", "localhost")
	port := getEnvInt("QDRANT_PORT", 6334)
	collection := getEnvOrDefault("QDRANT_COLLECTION", "sitekb-chunks")
	vectorSize := uint64(embedder.Dimensions(model)) //nolint:gosec // dimensions are bounded

	qstore, err := rag.NewQdrantStore(ctx, &rag.QdrantConfig{
		Host:       host,
		Port:       port,
		Collection: collection,
		VectorSize: vectorSize,
		APIKey:     os.Getenv("QDRANT_API_KEY"),
		UseTLS:     os.Getenv("QDRANT_TLS") == "true",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to Qdrant at %s:%d: %w", host, port, err)
	}

	log.Info("qdrant store ready",
		slog.String("host", host),
		slog.Int("port", port),
		slog.String("collection", collection),
	)
	return qstore, func() { _ = qstore.Close() }, nil
}

// newBrowserPool constructs the shared browser pool from the environment.
func newBrowserPool() *browser.Pool {
	return browser.NewPool(browser.Config{
		MaxPages:    getEnvInt("BROWSER_MAX_PAGES", browser.DefaultMaxPages),
		BrowserPath: os.Getenv("BROWSER_PATH"),
		Headless:    true,
	})
}

// getEnvOrDefault returns the value of the named environment variable, or
// fallback if the variable is unset or empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the integer value of the named environment variable, or
// fallback if the variable is unset, empty, or not parseable as an integer.
func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

// getEnvFloat returns the float value of the named environment variable, or
// fallback if the variable is unset, empty, or not parseable.
func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
