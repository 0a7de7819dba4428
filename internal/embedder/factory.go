package embedder

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/lhoofs/sitekb/internal/rag"
)

// DefaultModel is the embedding model assigned to knowledge bases that do
// not specify one.
const DefaultModel = "text-embedding-3-small"

// modelDimensions maps known embedding models to their output vector size.
// Unknown models fall back to defaultDimensions; override per deployment
// with EMBEDDING_DIMENSIONS.
var modelDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
	"nomic-embed-text":       768,
	"mxbai-embed-large":      1024,
	"all-minilm":             384,
}

// defaultDimensions matches the default model (text-embedding-3-small).
const defaultDimensions = 1536

// Dimensions returns the embedding vector size for the given model.
// Callers that pre-configure a vector store (e.g. Qdrant collection
// creation) should use this rather than hardcoding a value.
// EMBEDDING_DIMENSIONS always takes precedence when set.
func Dimensions(model string) int {
	if v := getEnvInt("EMBEDDING_DIMENSIONS", 0); v > 0 {
		return v
	}
	if d, ok := modelDimensions[model]; ok {
		return d
	}
	return defaultDimensions
}

// NewForModel constructs a rag.Embedder for the given embedding model, with
// credentials and endpoints resolved from the environment. Each knowledge
// base names its own model, so the pipeline calls this once per job.
//
// Resolution order:
//
//  1. EMBEDDING_PROVIDER — backend: openai, azure, ollama (default: openai;
//     models known to be Ollama-served default to ollama)
//  2. EMBEDDING_API_KEY / OPENAI_API_KEY / AZURE_OPENAI_API_KEY — credentials
//  3. EMBEDDING_ENDPOINT — overrides the backend's default endpoint
//  4. EMBEDDING_DIMENSIONS — overrides the model's default vector size
func NewForModel(model string) (rag.Embedder, error) {
	if model == "" {
		model = DefaultModel
	}

	backend := getEnv("EMBEDDING_PROVIDER")
	if backend == "" {
		if isOllamaModel(model) {
			backend = "ollama"
		} else {
			backend = "openai"
		}
	}

	switch backend {
	case "ollama":
		host := getEnv("EMBEDDING_ENDPOINT")
		if host == "" {
			host = getEnvOrDefault("OLLAMA_HOST", "http://localhost:11434")
		}
		return NewOllamaEmbedder(&OllamaConfig{Host: host, Model: model}), nil

	case "openai":
		apiKey := getEnv("EMBEDDING_API_KEY")
		if apiKey == "" {
			apiKey = getEnv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("embedder: openai requires OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
		baseURL := getEnv("EMBEDDING_ENDPOINT")
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
		}
		return NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL:    baseURL,
			APIKey:     apiKey,
			Model:      model,
			Dimensions: Dimensions(model),
		}), nil

	case "azure":
		apiKey := getEnv("EMBEDDING_API_KEY")
		if apiKey == "" {
			apiKey = getEnv("AZURE_OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("embedder: azure requires AZURE_OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
		endpoint := getEnv("EMBEDDING_ENDPOINT")
		if endpoint == "" {
			endpoint = getEnv("AZURE_OPENAI_ENDPOINT")
		}
		if endpoint == "" {
			return nil, fmt.Errorf("embedder: azure requires AZURE_OPENAI_ENDPOINT or EMBEDDING_ENDPOINT")
		}
		apiVersion := getEnvOrDefault("AZURE_OPENAI_API_VERSION", "2025-04-01-preview")
		return NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL:    endpoint + "/openai",
			APIKey:     apiKey,
			Model:      model,
			Dimensions: Dimensions(model),
			Azure:      true,
			APIVersion: apiVersion,
		}), nil

	default:
		return nil, fmt.Errorf("embedder: unknown backend %q — valid values: openai, azure, ollama", backend)
	}
}

// isOllamaModel reports whether the model name belongs to an Ollama-served
// embedding model.
func isOllamaModel(model string) bool {
	switch {
	case strings.HasPrefix(model, "nomic-"),
		strings.HasPrefix(model, "mxbai-"),
		strings.HasPrefix(model, "all-minilm"),
		strings.HasPrefix(model, "snowflake-"):
		return true
	}
	return false
}

// getEnv returns the value of the named environment variable, or empty string.
func getEnv(key string) string {
	return os.Getenv(key)
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
// fallback if the variable is unset, empty, or not parseable.
func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
