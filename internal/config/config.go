package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	Server    ServerConfig
	Ollama    OllamaConfig
	Models    ModelsConfig
	Storage   StorageConfig
	Retrieval RetrievalConfig
	Ingest    IngestConfig
	Router    RouterConfig
	Ports     PortsConfig
	Web       WebConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type OllamaConfig struct {
	BaseURL     string
	Temperature float64
	NumCtx      int
}

// ModelsConfig maps each response path to the model that serves it.
type ModelsConfig struct {
	Coding    string
	Reasoning string
	General   string
	Image     string
	Embed     string
}

type StorageConfig struct {
	DataDir       string
	RetentionDays int
}

type RetrievalConfig struct {
	TopK          int
	Threshold     float64
	Rerank        bool
	RerankTimeout string
}

type IngestConfig struct {
	ChunkSize    int
	ChunkOverlap int
	MinBytes     int
	ConvertCode  bool
	Poppler      bool
	OCR          bool
	OCRLanguage  string
	WatchDir     string
}

type RouterConfig struct {
	RulesFile string
}

// PortsConfig holds per-capability call timeouts as duration strings.
type PortsConfig struct {
	GenerateTimeout string
	EmbedTimeout    string
	WebTimeout      string
}

type WebConfig struct {
	Enabled       bool
	RatePerMinute int
	Region        string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Ollama: OllamaConfig{
			BaseURL:     "http://localhost:11434",
			Temperature: 0.1,
			NumCtx:      4096,
		},
		Models: ModelsConfig{
			Coding:    "deepseek-r1:latest",
			Reasoning: "llama3.2:latest",
			General:   "gemma:2b",
			Image:     "llava:7b",
			Embed:     "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir:       defaultDataDir(),
			RetentionDays: 30,
		},
		Retrieval: RetrievalConfig{
			TopK:          3,
			Threshold:     0.5,
			RerankTimeout: "3s",
		},
		Ingest: IngestConfig{
			ChunkSize:    1000,
			ChunkOverlap: 200,
			MinBytes:     100,
			OCR:          true,
			OCRLanguage:  "kor+eng",
		},
		Ports: PortsConfig{
			GenerateTimeout: "120s",
			EmbedTimeout:    "30s",
			WebTimeout:      "20s",
		},
		Web: WebConfig{
			Enabled:       true,
			RatePerMinute: 20,
			Region:        "kr-kr",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the TOML file at
// $XDG_CONFIG_HOME/ragmux/config.toml and applies RAGMUX_* environment
// overrides on top. A missing file is not an error.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadFromPath(path string) (Config, error) {
	return loadWith(newFileBackend(path))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Ingest.ChunkSize <= 0 {
		return fmt.Errorf("invalid config: ingest.chunk_size must be positive, got %d", c.Ingest.ChunkSize)
	}
	if c.Ingest.ChunkOverlap < 0 || c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		return fmt.Errorf("invalid config: ingest.chunk_overlap must be in [0, %d), got %d", c.Ingest.ChunkSize, c.Ingest.ChunkOverlap)
	}
	if c.Retrieval.Threshold < 0 || c.Retrieval.Threshold > 1 {
		return fmt.Errorf("invalid config: retrieval.threshold must be in [0, 1], got %v", c.Retrieval.Threshold)
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("invalid config: retrieval.top_k must be positive, got %d", c.Retrieval.TopK)
	}
	for key, raw := range map[string]string{
		"ports.generate_timeout":   c.Ports.GenerateTimeout,
		"ports.embed_timeout":      c.Ports.EmbedTimeout,
		"ports.web_timeout":        c.Ports.WebTimeout,
		"retrieval.rerank_timeout": c.Retrieval.RerankTimeout,
	} {
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("invalid config: %s: %w", key, err)
		}
	}
	return nil
}

// Duration parses a duration string already checked by validate, returning
// fallback when it is empty or malformed.
func Duration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// DocumentsDir is where raw ingested files are kept.
func (c Config) DocumentsDir() string {
	return filepath.Join(c.Storage.DataDir, "documents")
}

// DBPath is the SQLite database holding the document registry and vectors.
func (c Config) DBPath() string {
	return filepath.Join(c.Storage.DataDir, "ragmux.db")
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "ragmux-data"
		}
	}
	return filepath.Join(dir, "ragmux")
}

func configFilePath() string {
	if p := os.Getenv("RAGMUX_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "ragmux", "config.toml")
}

// FilePath reports the config file location Load reads from.
func FilePath() string {
	return configFilePath()
}
