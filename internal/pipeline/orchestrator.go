// Package pipeline runs a query through the orchestration state machine:
// route it, optionally acquire context from one capability, then synthesize
// the answer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/semaphore"

	"github.com/kalambet/ragmux/internal/capability"
	"github.com/kalambet/ragmux/internal/composer"
	"github.com/kalambet/ragmux/internal/retrieval"
	"github.com/kalambet/ragmux/internal/router"
	"github.com/kalambet/ragmux/internal/synth"
)

// State is a node of the state machine.
type State string

const (
	Routing        State = "routing"
	ImageAnalysis  State = "image_analysis"
	RagRetrieval   State = "rag_retrieval"
	WebSearch      State = "web_search"
	CodingMath     State = "coding_math"
	Reasoning      State = "reasoning"
	General        State = "general"
	FinalSynthesis State = "final_synthesis"
	Done           State = "done"
)

// Slot names.
const (
	SlotImageAnalysis = "image_analysis"
	SlotRAGContext    = "rag_context"
	SlotWebSearch     = "web_search"
)

var (
	errVisionUnavailable = errors.New("image analysis is not configured")
	errWebDisabled       = errors.New("web search is disabled")
	errRetrievalOff      = errors.New("document retrieval is not configured")
)

// Query is one user request.
type Query struct {
	Text    string
	History []composer.Turn
	Image   *capability.Image
}

// SlotOutcome summarises one acquisition step.
type SlotOutcome struct {
	Slot  string `json:"slot"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Chars int    `json:"chars"`
}

// Trace records how a query moved through the machine.
type Trace struct {
	Route      router.Route  `json:"route"`
	States     []State       `json:"states"`
	Slots      []SlotOutcome `json:"slots,omitempty"`
	Model      string        `json:"model,omitempty"`
	Hits       int           `json:"hits,omitempty"`
	DurationMs int64         `json:"duration_ms"`
	Error      string        `json:"error,omitempty"`
}

// Classifier picks a route.
type Classifier interface {
	Classify(query string, hasImage bool) router.Route
}

// ImageAnalyzer describes an attached image.
type ImageAnalyzer interface {
	Analyze(ctx context.Context, img *capability.Image, prompt string) capability.Result
}

// ContextRetriever finds document chunks for a query.
type ContextRetriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]retrieval.ContextChunk, error)
}

// Responder produces the final answer.
type Responder interface {
	Answer(ctx context.Context, query string, history []composer.Turn, route router.Route, slots synth.Slots) synth.Outcome
}

// Config wires the orchestrator. Vision, Retriever and Search may be nil; the
// matching step then records an error note instead of calling out.
type Config struct {
	Classifier Classifier
	Vision     ImageAnalyzer
	Retriever  ContextRetriever
	Search     capability.Searcher
	Synth      Responder

	TopK            int
	RetrieveTimeout time.Duration
	WebTimeout      time.Duration
}

// Orchestrator runs one query at a time.
type Orchestrator struct {
	cfg    Config
	busy   *semaphore.Weighted
	logger *slog.Logger
}

// New creates an Orchestrator. TopK defaults to 3.
func New(cfg Config) *Orchestrator {
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	if cfg.Classifier == nil {
		cfg.Classifier = router.Default()
	}
	return &Orchestrator{cfg: cfg, busy: semaphore.NewWeighted(1), logger: slog.Default()}
}

// Ask returns only the answer text.
func (o *Orchestrator) Ask(ctx context.Context, q Query) string {
	answer, _ := o.Run(ctx, q)
	return answer
}

// Run drives q from Routing to Done. It always returns an answer; failures
// are reported in the Trace.
func (o *Orchestrator) Run(ctx context.Context, q Query) (string, Trace) {
	start := time.Now()
	var tr Trace

	if err := o.busy.Acquire(ctx, 1); err != nil {
		tr.Error = fmt.Sprintf("waiting for orchestrator: %v", err)
		tr.DurationMs = time.Since(start).Milliseconds()
		return synth.Fallback, tr
	}
	defer o.busy.Release(1)

	answer := o.run(ctx, q, &tr)
	tr.DurationMs = time.Since(start).Milliseconds()

	o.logger.Info("query answered",
		"route", tr.Route,
		"states", len(tr.States),
		"model", tr.Model,
		"hits", tr.Hits,
		"duration_ms", tr.DurationMs,
	)
	return answer, tr
}

func (o *Orchestrator) run(ctx context.Context, q Query, tr *Trace) string {
	hasImage := q.Image != nil && len(q.Image.Data) > 0
	text := strings.TrimSpace(q.Text)

	tr.States = append(tr.States, Routing)
	tr.Route = o.cfg.Classifier.Classify(text, hasImage)

	if text == "" && !hasImage {
		tr.States = append(tr.States, Done)
		tr.Error = "empty query"
		return synth.Fallback
	}

	var slots synth.Slots
	switch tr.Route {
	case router.ImageAnalysis:
		tr.States = append(tr.States, ImageAnalysis)
		res := o.analyzeImage(ctx, q.Image, text)
		slots.ImageAnalysis = o.record(tr, SlotImageAnalysis, res)
	case router.RAG:
		tr.States = append(tr.States, RagRetrieval)
		slots.RAGContext = o.record(tr, SlotRAGContext, o.retrieve(ctx, text, tr))
	case router.WebSearch:
		tr.States = append(tr.States, WebSearch)
		slots.WebSearch = o.record(tr, SlotWebSearch, o.search(ctx, text))
	case router.CodingMath:
		tr.States = append(tr.States, CodingMath)
	case router.Reasoning:
		tr.States = append(tr.States, Reasoning)
	default:
		tr.States = append(tr.States, General)
	}

	if len(tr.Slots) > 0 {
		tr.States = append(tr.States, FinalSynthesis)
	}

	out := o.cfg.Synth.Answer(ctx, text, q.History, tr.Route, slots)
	tr.Model = out.Model
	if out.Err != nil {
		tr.Error = out.Err.Error()
	}
	tr.States = append(tr.States, Done)

	if strings.TrimSpace(out.Text) == "" {
		return synth.Fallback
	}
	return out.Text
}

func (o *Orchestrator) analyzeImage(ctx context.Context, img *capability.Image, prompt string) capability.Result {
	if o.cfg.Vision == nil {
		return capability.Result{Err: errVisionUnavailable}
	}
	return o.cfg.Vision.Analyze(ctx, img, prompt)
}

func (o *Orchestrator) retrieve(ctx context.Context, query string, tr *Trace) capability.Result {
	if o.cfg.Retriever == nil {
		return capability.Result{Err: errRetrievalOff}
	}
	return capability.Call(ctx, o.cfg.RetrieveTimeout, func(ctx context.Context) (string, error) {
		hits, err := o.cfg.Retriever.Retrieve(ctx, query, o.cfg.TopK)
		if err != nil {
			return "", err
		}
		tr.Hits = len(hits)
		return retrieval.FormatContext(hits), nil
	})
}

func (o *Orchestrator) search(ctx context.Context, query string) capability.Result {
	if o.cfg.Search == nil {
		return capability.Result{Err: errWebDisabled}
	}
	return capability.Call(ctx, o.cfg.WebTimeout, func(ctx context.Context) (string, error) {
		return o.cfg.Search.Search(ctx, query)
	})
}

func (o *Orchestrator) record(tr *Trace, slot string, res capability.Result) *capability.Result {
	outcome := SlotOutcome{Slot: slot, OK: res.OK(), Chars: utf8.RuneCountInString(res.Text)}
	if res.Err != nil {
		outcome.Error = res.Err.Error()
		o.logger.Warn("acquisition failed", "slot", slot, "error", res.Err)
	}
	tr.Slots = append(tr.Slots, outcome)
	return &res
}
