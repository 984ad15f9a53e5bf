package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kalambet/ragmux/internal/capability"
	"github.com/kalambet/ragmux/internal/chunker"
	"github.com/kalambet/ragmux/internal/codeconv"
	"github.com/kalambet/ragmux/internal/config"
	"github.com/kalambet/ragmux/internal/docstore"
	"github.com/kalambet/ragmux/internal/engine"
	"github.com/kalambet/ragmux/internal/extract"
	"github.com/kalambet/ragmux/internal/ingest"
	"github.com/kalambet/ragmux/internal/pipeline"
	"github.com/kalambet/ragmux/internal/reranking"
	"github.com/kalambet/ragmux/internal/retrieval"
	"github.com/kalambet/ragmux/internal/router"
	"github.com/kalambet/ragmux/internal/storage"
	"github.com/kalambet/ragmux/internal/synth"
	"github.com/kalambet/ragmux/internal/vision"
	"github.com/kalambet/ragmux/internal/websearch"
)

// app holds everything the server wires together.
type app struct {
	cfg       config.Config
	store     *storage.Store
	docs      *docstore.Store
	retriever *retrieval.Retriever
	ingester  *ingest.Pipeline
	orch      *pipeline.Orchestrator
	// engineErr is why the inference engine was not ready at startup.
	engineErr error
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// configuredModels lists the models named in cfg in a stable order.
func configuredModels(cfg config.Config) []string {
	return []string{cfg.Models.Coding, cfg.Models.Reasoning, cfg.Models.General, cfg.Models.Image, cfg.Models.Embed}
}

// checkEngine makes sure the engine is up and every model is pulled. A failure
// is logged and returned for health reporting; model calls then fail one by one.
func checkEngine(ctx context.Context, eng engine.Engine, models []string, w io.Writer) error {
	if err := engine.EnsureReady(ctx, eng, models, w); err != nil {
		slog.Warn("inference engine not ready, continuing degraded", "error", err)
		return err
	}
	return nil
}

// newApp checks the inference engine, opens storage and builds the query and
// ingestion paths. Progress of model pulls is written to w. Only storage and
// configuration errors are returned.
func newApp(ctx context.Context, cfg config.Config, w io.Writer) (*app, error) {
	eng, err := engine.Detect(engine.DetectConfig{
		OllamaBaseURL: cfg.Ollama.BaseURL,
		Temperature:   cfg.Ollama.Temperature,
		NumCtx:        cfg.Ollama.NumCtx,
	})
	if err != nil {
		return nil, fmt.Errorf("detecting inference engine: %w", err)
	}
	engineErr := checkEngine(ctx, eng, configuredModels(cfg), w)

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	docs, err := docstore.Open(ctx, store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("loading document registry: %w", err)
	}

	classifier, err := router.Load(cfg.Router.RulesFile)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("loading routing rules: %w", err)
	}

	generateTimeout := config.Duration(cfg.Ports.GenerateTimeout, 120*time.Second)
	embedTimeout := config.Duration(cfg.Ports.EmbedTimeout, 30*time.Second)
	gen := engine.Generator{Engine: eng}

	embedder := retrieval.NewEmbedder(eng, cfg.Models.Embed, embedTimeout)
	index := retrieval.NewSQLiteStore(store.DB())
	retriever := retrieval.NewRetriever(embedder, index,
		retrieval.WithThreshold(cfg.Retrieval.Threshold),
		retrieval.WithReranker(reranking.NewReranker(
			eng,
			cfg.Models.General,
			cfg.Retrieval.Rerank,
			config.Duration(cfg.Retrieval.RerankTimeout, 3*time.Second),
			cfg.Retrieval.Threshold,
			cfg.Retrieval.TopK,
		)),
		retrieval.WithBroadMatcher(classifier.IsBroad),
		retrieval.WithDocumentFilter(docs.IsCompleted),
	)

	splitter, err := chunker.New(cfg.Ingest.ChunkSize, cfg.Ingest.ChunkOverlap)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("building chunker: %w", err)
	}
	ingestCfg := ingest.Config{
		Registry: docs,
		Extractor: extract.NewDefault(extract.Options{
			Poppler:     cfg.Ingest.Poppler,
			OCR:         cfg.Ingest.OCR,
			OCRLanguage: cfg.Ingest.OCRLanguage,
		}),
		Splitter:     splitter,
		Embedder:     embedder,
		Index:        index,
		DocumentsDir: cfg.DocumentsDir(),
		MinBytes:     int64(cfg.Ingest.MinBytes),
	}
	if cfg.Ingest.ConvertCode {
		ingestCfg.Rewriter = codeconv.New(gen, cfg.Models.Coding, generateTimeout)
	}

	var search capability.Searcher
	if cfg.Web.Enabled {
		search = websearch.New(
			websearch.WithRateLimit(cfg.Web.RatePerMinute),
			websearch.WithRegion(cfg.Web.Region),
		)
	}

	orch := pipeline.New(pipeline.Config{
		Classifier: classifier,
		Vision:     vision.New(gen, cfg.Models.Image, generateTimeout),
		Retriever:  retriever,
		Search:     search,
		Synth: synth.New(gen, synth.Models{
			Coding:    cfg.Models.Coding,
			Reasoning: cfg.Models.Reasoning,
			General:   cfg.Models.General,
		}, synth.WithTimeout(generateTimeout)),
		TopK:            cfg.Retrieval.TopK,
		RetrieveTimeout: embedTimeout,
		WebTimeout:      config.Duration(cfg.Ports.WebTimeout, 20*time.Second),
	})

	return &app{
		cfg:       cfg,
		store:     store,
		docs:      docs,
		retriever: retriever,
		ingester:  ingest.New(ingestCfg),
		orch:      orch,
		engineErr: engineErr,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
