package retrieval

import (
	"context"
	"fmt"
	"time"

	"github.com/kalambet/ragmux/internal/capability"
	"github.com/kalambet/ragmux/internal/engine"
	"golang.org/x/sync/errgroup"
)

var _ capability.Embedder = (*Embedder)(nil)

// Embedder wraps an Engine to generate text embeddings.
type Embedder struct {
	engine  engine.Engine
	model   string
	timeout time.Duration
}

// NewEmbedder creates an Embedder using the given Engine and model name.
// timeout bounds each embedding call; zero means no per-call deadline.
func NewEmbedder(e engine.Engine, model string, timeout time.Duration) *Embedder {
	return &Embedder{engine: e, model: model, timeout: timeout}
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("embedding text: model %s returned an empty vector", e.model)
	}
	return vec, nil
}

// EmbedBatch returns embedding vectors for multiple texts concurrently.
// Returns nil (not error) for empty/nil input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid overwhelming the engine.

	for i, text := range texts {
		i, text := i, text
		g.Go(func() error {
			vec, err := e.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
