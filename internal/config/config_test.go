package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// TestDefaults verifies all default values are applied when loading an empty config file.
func TestDefaults(t *testing.T) {
	path := writeTempConfig(t, `# empty`)

	cfg, err := loadFromPath(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("Ollama.BaseURL = %q, want %q", cfg.Ollama.BaseURL, "http://localhost:11434")
	}
	if cfg.Ollama.NumCtx != 4096 {
		t.Errorf("Ollama.NumCtx = %d, want 4096", cfg.Ollama.NumCtx)
	}
	if cfg.Models.Coding != "deepseek-r1:latest" {
		t.Errorf("Models.Coding = %q", cfg.Models.Coding)
	}
	if cfg.Models.Image != "llava:7b" {
		t.Errorf("Models.Image = %q", cfg.Models.Image)
	}
	if cfg.Models.Embed != "nomic-embed-text" {
		t.Errorf("Models.Embed = %q", cfg.Models.Embed)
	}
	if cfg.Ingest.ChunkSize != 1000 || cfg.Ingest.ChunkOverlap != 200 {
		t.Errorf("Ingest chunking = %d/%d, want 1000/200", cfg.Ingest.ChunkSize, cfg.Ingest.ChunkOverlap)
	}
	if cfg.Retrieval.TopK != 3 {
		t.Errorf("Retrieval.TopK = %d, want 3", cfg.Retrieval.TopK)
	}
	if cfg.Retrieval.Threshold != 0.5 {
		t.Errorf("Retrieval.Threshold = %v, want 0.5", cfg.Retrieval.Threshold)
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	path := writeTempConfig(t, `[models]
general = "file-model"
`)

	t.Setenv("RAGMUX_MODELS_GENERAL", "env-model")
	t.Setenv("RAGMUX_RETRIEVAL_RERANK", "true")
	t.Setenv("RAGMUX_SERVER_API_TOKEN", "secret")

	cfg, err := loadFromPath(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Models.General != "env-model" {
		t.Errorf("Models.General = %q, want %q", cfg.Models.General, "env-model")
	}
	if !cfg.Retrieval.Rerank {
		t.Error("Retrieval.Rerank = false, want true")
	}
	if cfg.Server.APIToken != "secret" {
		t.Errorf("Server.APIToken = %q, want %q", cfg.Server.APIToken, "secret")
	}
}

// TestTOMLParsing verifies that fields of every type are read from a TOML file.
func TestTOMLParsing(t *testing.T) {
	content := `
[server]
port = 5000

[ollama]
base_url = "http://custom:11434"
temperature = 0.3

[models]
coding = "qwen2.5-coder"
reasoning = "custom-deep"

[storage]
data_dir = "/tmp/ragmux-test"
retention_days = 7

[retrieval]
threshold = 0.65
rerank = true

[ingest]
convert_code = true
watch_dir = "/tmp/inbox"
`
	path := writeTempConfig(t, content)

	cfg, err := loadFromPath(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Ollama.BaseURL != "http://custom:11434" {
		t.Errorf("Ollama.BaseURL = %q", cfg.Ollama.BaseURL)
	}
	if cfg.Ollama.Temperature != 0.3 {
		t.Errorf("Ollama.Temperature = %v", cfg.Ollama.Temperature)
	}
	if cfg.Models.Coding != "qwen2.5-coder" {
		t.Errorf("Models.Coding = %q", cfg.Models.Coding)
	}
	if cfg.Models.Reasoning != "custom-deep" {
		t.Errorf("Models.Reasoning = %q", cfg.Models.Reasoning)
	}
	if cfg.Storage.DataDir != "/tmp/ragmux-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Storage.RetentionDays != 7 {
		t.Errorf("Storage.RetentionDays = %d", cfg.Storage.RetentionDays)
	}
	if cfg.Retrieval.Threshold != 0.65 {
		t.Errorf("Retrieval.Threshold = %v", cfg.Retrieval.Threshold)
	}
	if !cfg.Retrieval.Rerank {
		t.Error("Retrieval.Rerank = false")
	}
	if !cfg.Ingest.ConvertCode {
		t.Error("Ingest.ConvertCode = false")
	}
	if cfg.Ingest.WatchDir != "/tmp/inbox" {
		t.Errorf("Ingest.WatchDir = %q", cfg.Ingest.WatchDir)
	}
}

func TestSecretIgnoredInFile(t *testing.T) {
	path := writeTempConfig(t, `[server]
api_token = "from-file"
`)
	cfg, err := loadFromPath(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.APIToken != "" {
		t.Errorf("APIToken = %q, want empty (secrets come from env only)", cfg.Server.APIToken)
	}
}

func TestValidationRejectsBadChunking(t *testing.T) {
	path := writeTempConfig(t, `[ingest]
chunk_size = 100
chunk_overlap = 100
`)
	_, err := loadFromPath(path)
	if err == nil {
		t.Fatal("expected error for overlap >= size")
	}
	if !strings.Contains(err.Error(), "chunk_overlap") {
		t.Errorf("error = %q, want mention of chunk_overlap", err)
	}
}

func TestValidationRejectsBadDuration(t *testing.T) {
	path := writeTempConfig(t, `[ports]
web_timeout = "soon"
`)
	if _, err := loadFromPath(path); err == nil {
		t.Fatal("expected error for malformed duration")
	}
}

func TestSetKeyRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	b := newFileBackend(path)

	if err := setKey(b, "retrieval.top_k", "7"); err != nil {
		t.Fatalf("setKey top_k: %v", err)
	}
	if err := setKey(b, "retrieval.rerank", "true"); err != nil {
		t.Fatalf("setKey rerank: %v", err)
	}
	if err := setKey(b, "retrieval.threshold", "0.7"); err != nil {
		t.Fatalf("setKey threshold: %v", err)
	}
	if err := setKey(b, "models.general", "qwen3"); err != nil {
		t.Fatalf("setKey general: %v", err)
	}

	cfg, err := loadFromPath(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Retrieval.TopK != 7 {
		t.Errorf("TopK = %d, want 7", cfg.Retrieval.TopK)
	}
	if !cfg.Retrieval.Rerank {
		t.Error("Rerank = false, want true")
	}
	if cfg.Retrieval.Threshold != 0.7 {
		t.Errorf("Threshold = %v, want 0.7", cfg.Retrieval.Threshold)
	}
	if cfg.Models.General != "qwen3" {
		t.Errorf("General = %q, want qwen3", cfg.Models.General)
	}
}

func TestSetKeyErrors(t *testing.T) {
	b := newFileBackend(filepath.Join(t.TempDir(), "config.toml"))

	if err := setKey(b, "nope.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
	if err := setKey(b, "server.api_token", "x"); err == nil {
		t.Error("expected error for secret key")
	}
	if err := setKey(b, "server.port", "abc"); err == nil {
		t.Error("expected error for bad integer")
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Server.APIToken = "hidden"
	for _, ki := range ShowAll(cfg) {
		if ki.Key == "server.api_token" {
			t.Fatal("ShowAll exposed secret key")
		}
	}
}
