package embedder

import (
	"log/slog"
	"testing"
)

func Test_Embedder_DimensionsKnownModels(t *testing.T) {
	cases := map[string]int{
		"text-embedding-3-small": 1536,
		"text-embedding-3-large": 3072,
		"nomic-embed-text":       768,
		"totally-unknown-model":  1536,
	}
	for model, want := range cases {
		if got := Dimensions(model); got != want {
			t.Errorf("Dimensions(%s): want %d, got %d", model, want, got)
		}
	}
}

func Test_Embedder_DimensionsEnvOverride(t *testing.T) {
	t.Setenv("EMBEDDING_DIMENSIONS", "512")
	if got := Dimensions("text-embedding-3-small"); got != 512 {
		t.Errorf("env override: want 512, got %d", got)
	}
}

func Test_Embedder_NewForModelOllama(t *testing.T) {
	t.Setenv("EMBEDDING_PROVIDER", "")
	t.Setenv("OPENAI_API_KEY", "")

	emb, err := NewForModel("nomic-embed-text")
	if err != nil {
		t.Fatalf("ollama model should not require credentials: %v", err)
	}
	if _, ok := emb.(*OllamaEmbedder); !ok {
		t.Errorf("nomic-embed-text should resolve to OllamaEmbedder, got %T", emb)
	}
}

func Test_Embedder_NewForModelOpenAIRequiresKey(t *testing.T) {
	t.Setenv("EMBEDDING_PROVIDER", "")
	t.Setenv("EMBEDDING_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	if _, err := NewForModel("text-embedding-3-small"); err == nil {
		t.Error("openai model without a key must fail")
	}

	t.Setenv("OPENAI_API_KEY", "sk-test")
	emb, err := NewForModel("text-embedding-3-small")
	if err != nil {
		t.Fatalf("with key: %v", err)
	}
	if _, ok := emb.(*OpenAIEmbedder); !ok {
		t.Errorf("want OpenAIEmbedder, got %T", emb)
	}
}

func Test_Embedder_ValidateWarnsOnChatModel(t *testing.T) {
	t.Setenv("EMBEDDING_PROVIDER", "ollama")

	// A chat model passes validation (warning only) — the operator may know
	// better — but an unknown backend is a hard error.
	if err := Validate(slog.Default(), "llama3"); err != nil {
		t.Errorf("chat model should warn, not fail: %v", err)
	}

	t.Setenv("EMBEDDING_PROVIDER", "bedrock")
	if err := Validate(slog.Default(), "anything"); err == nil {
		t.Error("unknown backend must fail validation")
	}
}
