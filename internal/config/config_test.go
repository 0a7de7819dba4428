package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func Test_Config_LoadAppliesYAMLValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sitekb.yaml")
	yaml := `
qdrant:
  host: vector.internal
  port: 7334
crawler:
  max_pages: 120
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	for _, key := range []string{"QDRANT_HOST", "QDRANT_PORT", "CRAWLER_MAX_PAGES", "LOG_LEVEL"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	loaded, err := Load(path, slog.Default())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded != path {
		t.Errorf("loaded path: want %s, got %s", path, loaded)
	}
	if got := os.Getenv("QDRANT_HOST"); got != "vector.internal" {
		t.Errorf("QDRANT_HOST: got %q", got)
	}
	if got := os.Getenv("QDRANT_PORT"); got != "7334" {
		t.Errorf("QDRANT_PORT: got %q", got)
	}
	if got := os.Getenv("CRAWLER_MAX_PAGES"); got != "120" {
		t.Errorf("CRAWLER_MAX_PAGES: got %q", got)
	}
	if got := os.Getenv("LOG_LEVEL"); got != "debug" {
		t.Errorf("LOG_LEVEL: got %q", got)
	}
}

func Test_Config_EnvWinsOverYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sitekb.yaml")
	if err := os.WriteFile(path, []byte("qdrant:\n  host: from-yaml\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("QDRANT_HOST", "from-env")

	if _, err := Load(path, slog.Default()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := os.Getenv("QDRANT_HOST"); got != "from-env" {
		t.Errorf("env var must win over YAML, got %q", got)
	}
}

func Test_Config_MissingFileIsNotAnError(t *testing.T) {
	loaded, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), slog.Default())
	if err != nil {
		t.Fatalf("missing explicit file must not error: %v", err)
	}
	if loaded != "" {
		t.Errorf("want empty path for missing file, got %q", loaded)
	}
}

func Test_Config_MalformedYAMLRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sitekb.yaml")
	if err := os.WriteFile(path, []byte("qdrant: [not: valid"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path, slog.Default()); err == nil {
		t.Error("malformed YAML must be rejected")
	}
}
