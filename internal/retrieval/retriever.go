package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// NoContext is returned by FormatContext when nothing relevant was found.
const NoContext = "관련 정보를 찾을 수 없습니다."

// DefaultThreshold is the minimum clamped cosine similarity a hit must reach.
const DefaultThreshold = 0.5

// ContextChunk is a retrieved context fragment with its relevance score.
type ContextChunk struct {
	ID    string
	Text  string
	Meta  ChunkMeta
	Score float32
}

// Reranker re-scores retrieved chunks by query relevance.
type Reranker interface {
	Rerank(ctx context.Context, query string, chunks []ContextChunk) ([]ContextChunk, error)
}

// QueryEmbedder turns a query into a vector.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithThreshold sets the keep-above score threshold.
func WithThreshold(t float64) Option {
	return func(r *Retriever) { r.threshold = float32(t) }
}

// WithReranker attaches a reranker applied after threshold filtering.
func WithReranker(rr Reranker) Option {
	return func(r *Retriever) { r.reranker = rr }
}

// WithBroadMatcher sets the predicate that switches a query to broad mode.
func WithBroadMatcher(fn func(query string) bool) Option {
	return func(r *Retriever) { r.isBroad = fn }
}

// WithDocumentFilter restricts results to documents for which keep returns
// true. Typically the document store's IsCompleted.
func WithDocumentFilter(keep func(documentID string) bool) Option {
	return func(r *Retriever) { r.keep = keep }
}

// Retriever combines embedding and vector search to find relevant context.
type Retriever struct {
	embedder  QueryEmbedder
	index     VectorIndex
	threshold float32
	reranker  Reranker
	isBroad   func(string) bool
	keep      func(string) bool
}

// NewRetriever creates a Retriever backed by the given embedder and index.
func NewRetriever(embedder QueryEmbedder, index VectorIndex, opts ...Option) *Retriever {
	r := &Retriever{embedder: embedder, index: index, threshold: DefaultThreshold}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Retrieve returns up to k chunks relevant to query, best first. Every result
// scores at least the configured threshold. An empty index yields an empty
// result and no error.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) ([]ContextChunk, error) {
	n, err := r.index.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting chunks: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	if r.isBroad != nil && r.isBroad(query) {
		return r.all(ctx)
	}
	if k <= 0 {
		return nil, nil
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	scored, err := r.index.Search(ctx, vec, k, r.keep)
	if err != nil {
		return nil, fmt.Errorf("searching chunks: %w", err)
	}

	hits := make([]ContextChunk, 0, len(scored))
	for _, s := range scored {
		score := clamp01(s.Similarity)
		if score < r.threshold {
			continue
		}
		hits = append(hits, ContextChunk{ID: s.ID, Text: s.Text, Meta: s.Meta, Score: score})
	}

	if r.reranker != nil && len(hits) > 0 {
		reranked, err := r.reranker.Rerank(ctx, query, hits)
		if err != nil {
			slog.Warn("retrieval: rerank failed, keeping vector order", "error", err)
		} else {
			hits = reranked
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	return hits, nil
}

// all returns every chunk of an accepted document with score 1.
func (r *Retriever) all(ctx context.Context) ([]ContextChunk, error) {
	chunks, err := r.index.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading all chunks: %w", err)
	}
	out := make([]ContextChunk, 0, len(chunks))
	for _, c := range chunks {
		if r.keep != nil && !r.keep(c.Meta.DocumentID) {
			continue
		}
		out = append(out, ContextChunk{ID: c.ID, Text: c.Text, Meta: c.Meta, Score: 1})
	}
	return out, nil
}

func clamp01(f float32) float32 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// FormatContext renders hits as a source-attributed context block.
func FormatContext(hits []ContextChunk) string {
	if len(hits) == 0 {
		return NoContext
	}
	var b strings.Builder
	for i, h := range hits {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[source: %s #%d, %.2f]\n%s", h.Meta.Filename, h.Meta.ChunkIndex, h.Score, strings.TrimSpace(h.Text))
	}
	return b.String()
}
