// Package reranking narrows retrieval hits by asking a local model to grade
// each (query, chunk) pair.
package reranking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kalambet/ragmux/internal/engine"
	"github.com/kalambet/ragmux/internal/retrieval"
)

const defaultConcurrency = 3

// ErrTimeout is returned when grading does not finish before the deadline.
// Callers keep their vector-ranked hits in that case.
var ErrTimeout = errors.New("rerank timed out")

var (
	_ retrieval.Reranker = (*LLMReranker)(nil)
	_ retrieval.Reranker = (*NoOpReranker)(nil)
)

// NewReranker returns an LLMReranker if enabled, NoOpReranker otherwise.
//
// topK controls the early-return threshold: once topK chunks have been graded,
// the reranker returns that subset without waiting for the rest. Zero (or
// >= len(chunks)) grades everything.
func NewReranker(eng engine.Engine, model string, enabled bool, timeout time.Duration, threshold float64, topK int) retrieval.Reranker {
	if !enabled || eng == nil {
		return &NoOpReranker{}
	}
	return &LLMReranker{
		engine:    eng,
		model:     model,
		timeout:   timeout,
		threshold: threshold,
		topK:      topK,
	}
}

// LLMReranker grades chunks with a local model, at most defaultConcurrency at
// a time, and keeps those scoring at least threshold.
type LLMReranker struct {
	engine    engine.Engine
	model     string
	timeout   time.Duration
	threshold float64
	topK      int
}

// Rerank grades each chunk against the query and returns the survivors
// ordered by grade. A chunk whose grade cannot be obtained keeps its vector
// score.
func (r *LLMReranker) Rerank(ctx context.Context, query string, chunks []retrieval.ContextChunk) ([]retrieval.ContextChunk, error) {
	if len(chunks) == 0 {
		return chunks, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	want := len(chunks)
	if r.topK > 0 && r.topK < want {
		want = r.topK
	}

	// Buffered so workers never block after the collector stops reading.
	results := make(chan retrieval.ContextChunk, len(chunks))
	sem := semaphore.NewWeighted(defaultConcurrency)

	for _, ch := range chunks {
		go func(chunk retrieval.ContextChunk) {
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer sem.Release(1)

			grade, err := r.grade(ctx, query, chunk)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Debug("reranker: grading failed, keeping vector score", "chunk", chunk.ID, "error", err)
			} else {
				chunk.Score = float32(grade)
			}
			results <- chunk
		}(ch)
	}

	graded := make([]retrieval.ContextChunk, 0, want)
	for len(graded) < want {
		select {
		case ch := <-results:
			graded = append(graded, ch)
		case <-ctx.Done():
			return nil, fmt.Errorf("%w after %d of %d chunks", ErrTimeout, len(graded), len(chunks))
		}
	}

	kept := graded[:0]
	for _, ch := range graded {
		if float64(ch.Score) >= r.threshold {
			kept = append(kept, ch)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
	return kept, nil
}

var gradeSchema = &engine.Schema{
	Type: "object",
	Properties: map[string]engine.SchemaProperty{
		"score": {Type: "number", Description: "Relevance from 0.0 to 1.0"},
	},
	Required: []string{"score"},
}

func (r *LLMReranker) grade(ctx context.Context, query string, chunk retrieval.ContextChunk) (float64, error) {
	prompt := "다음 문서 조각이 질문에 얼마나 관련 있는지 0.0에서 1.0 사이로 평가하세요.\n" +
		"Rate how relevant the passage is to the question on a 0.0-1.0 scale.\n" +
		"질문: " + query + "\n" +
		"출처: " + chunk.Meta.Filename + "\n" +
		"문서 조각: " + chunk.Text + "\n" +
		`JSON 객체로만 답하세요: {"score": <float>}`

	resp, err := r.engine.Chat(ctx, r.model, []engine.Message{{Role: "user", Content: prompt}}, gradeSchema)
	if err != nil {
		return 0, err
	}
	score, err := parseScore(resp)
	if err != nil {
		return 0, fmt.Errorf("parsing grade %q: %w", resp, err)
	}
	return clamp(score), nil
}

// parseScore pulls the score out of a model reply. Small local models often
// wrap the JSON in a code fence or prefix it with prose.
func parseScore(resp string) (float64, error) {
	s := strings.TrimSpace(resp)

	if idx := strings.Index(s, "```"); idx != -1 {
		s = strings.TrimPrefix(s[idx+3:], "json")
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return 0, errors.New("no JSON object in response")
	}

	var obj struct {
		Score *float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err != nil {
		return 0, err
	}
	if obj.Score == nil {
		return 0, errors.New("missing score field")
	}
	return *obj.Score, nil
}

func clamp(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// NoOpReranker passes chunks through unchanged. Used when reranking is disabled.
type NoOpReranker struct{}

func (n *NoOpReranker) Rerank(_ context.Context, _ string, chunks []retrieval.ContextChunk) ([]retrieval.ContextChunk, error) {
	return chunks, nil
}
