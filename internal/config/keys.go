package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "RAGMUX_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "RAGMUX_SERVER_API_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "ollama.base_url", typ: kString, env: "RAGMUX_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.temperature", typ: kFloat, env: "RAGMUX_OLLAMA_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Ollama.Temperature },
	},
	{
		key: "ollama.num_ctx", typ: kInt, env: "RAGMUX_OLLAMA_NUM_CTX",
		apply:   func(cfg *Config, v any) { cfg.Ollama.NumCtx = v.(int) },
		extract: func(cfg Config) any { return cfg.Ollama.NumCtx },
	},
	{
		key: "models.coding", typ: kString, env: "RAGMUX_MODELS_CODING",
		apply:   func(cfg *Config, v any) { cfg.Models.Coding = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.Coding },
	},
	{
		key: "models.reasoning", typ: kString, env: "RAGMUX_MODELS_REASONING",
		apply:   func(cfg *Config, v any) { cfg.Models.Reasoning = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.Reasoning },
	},
	{
		key: "models.general", typ: kString, env: "RAGMUX_MODELS_GENERAL",
		apply:   func(cfg *Config, v any) { cfg.Models.General = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.General },
	},
	{
		key: "models.image", typ: kString, env: "RAGMUX_MODELS_IMAGE",
		apply:   func(cfg *Config, v any) { cfg.Models.Image = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.Image },
	},
	{
		key: "models.embed", typ: kString, env: "RAGMUX_MODELS_EMBED",
		apply:   func(cfg *Config, v any) { cfg.Models.Embed = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.Embed },
	},
	{
		key: "storage.data_dir", typ: kString, env: "RAGMUX_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.retention_days", typ: kInt, env: "RAGMUX_STORAGE_RETENTION_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Storage.RetentionDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Storage.RetentionDays },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "RAGMUX_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.threshold", typ: kFloat, env: "RAGMUX_RETRIEVAL_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Threshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.Threshold },
	},
	{
		key: "retrieval.rerank", typ: kBool, env: "RAGMUX_RETRIEVAL_RERANK",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Rerank = v.(bool) },
		extract: func(cfg Config) any { return cfg.Retrieval.Rerank },
	},
	{
		key: "retrieval.rerank_timeout", typ: kString, env: "RAGMUX_RETRIEVAL_RERANK_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.RerankTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrieval.RerankTimeout },
	},
	{
		key: "ingest.chunk_size", typ: kInt, env: "RAGMUX_INGEST_CHUNK_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Ingest.ChunkSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.ChunkSize },
	},
	{
		key: "ingest.chunk_overlap", typ: kInt, env: "RAGMUX_INGEST_CHUNK_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Ingest.ChunkOverlap = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.ChunkOverlap },
	},
	{
		key: "ingest.min_bytes", typ: kInt, env: "RAGMUX_INGEST_MIN_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Ingest.MinBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.MinBytes },
	},
	{
		key: "ingest.convert_code", typ: kBool, env: "RAGMUX_INGEST_CONVERT_CODE",
		apply:   func(cfg *Config, v any) { cfg.Ingest.ConvertCode = v.(bool) },
		extract: func(cfg Config) any { return cfg.Ingest.ConvertCode },
	},
	{
		key: "ingest.poppler", typ: kBool, env: "RAGMUX_INGEST_POPPLER",
		apply:   func(cfg *Config, v any) { cfg.Ingest.Poppler = v.(bool) },
		extract: func(cfg Config) any { return cfg.Ingest.Poppler },
	},
	{
		key: "ingest.ocr", typ: kBool, env: "RAGMUX_INGEST_OCR",
		apply:   func(cfg *Config, v any) { cfg.Ingest.OCR = v.(bool) },
		extract: func(cfg Config) any { return cfg.Ingest.OCR },
	},
	{
		key: "ingest.ocr_language", typ: kString, env: "RAGMUX_INGEST_OCR_LANGUAGE",
		apply:   func(cfg *Config, v any) { cfg.Ingest.OCRLanguage = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.OCRLanguage },
	},
	{
		key: "ingest.watch_dir", typ: kString, env: "RAGMUX_INGEST_WATCH_DIR",
		apply:   func(cfg *Config, v any) { cfg.Ingest.WatchDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.WatchDir },
	},
	{
		key: "router.rules_file", typ: kString, env: "RAGMUX_ROUTER_RULES_FILE",
		apply:   func(cfg *Config, v any) { cfg.Router.RulesFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Router.RulesFile },
	},
	{
		key: "ports.generate_timeout", typ: kString, env: "RAGMUX_PORTS_GENERATE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Ports.GenerateTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Ports.GenerateTimeout },
	},
	{
		key: "ports.embed_timeout", typ: kString, env: "RAGMUX_PORTS_EMBED_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Ports.EmbedTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Ports.EmbedTimeout },
	},
	{
		key: "ports.web_timeout", typ: kString, env: "RAGMUX_PORTS_WEB_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Ports.WebTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Ports.WebTimeout },
	},
	{
		key: "web.enabled", typ: kBool, env: "RAGMUX_WEB_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Web.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Web.Enabled },
	},
	{
		key: "web.rate_per_minute", typ: kInt, env: "RAGMUX_WEB_RATE_PER_MINUTE",
		apply:   func(cfg *Config, v any) { cfg.Web.RatePerMinute = v.(int) },
		extract: func(cfg Config) any { return cfg.Web.RatePerMinute },
	},
	{
		key: "web.region", typ: kString, env: "RAGMUX_WEB_REGION",
		apply:   func(cfg *Config, v any) { cfg.Web.Region = v.(string) },
		extract: func(cfg Config) any { return cfg.Web.Region },
	},
	{
		key: "log.level", typ: kString, env: "RAGMUX_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
