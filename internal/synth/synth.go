// Package synth produces the final answer from the query, the conversation
// and whatever context the acquisition steps gathered.
package synth

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/kalambet/ragmux/internal/capability"
	"github.com/kalambet/ragmux/internal/composer"
	"github.com/kalambet/ragmux/internal/router"
	"github.com/kalambet/ragmux/internal/vision"
)

const (
	// Rephrase is returned when the model's answer is empty after cleanup.
	Rephrase = "답변을 만들지 못했습니다. 질문을 조금 더 구체적으로 다시 말씀해 주시겠어요?"

	// Fallback is the answer of last resort.
	Fallback = "죄송합니다. 답변을 생성하지 못했습니다."

	generateErrorPrefix = "답변 생성 중 오류가 발생했습니다"
)

// Section titles for acquired context.
const (
	TitleImage = "이미지 분석 결과"
	TitleRAG   = "문서 내용"
	TitleWeb   = "웹 검색 결과"
)

// Models maps response paths to model names.
type Models struct {
	Coding    string
	Reasoning string
	General   string
}

// Slots holds the outcome of each acquisition step. A nil slot was not
// visited.
type Slots struct {
	ImageAnalysis *capability.Result
	RAGContext    *capability.Result
	WebSearch     *capability.Result
}

// Outcome is a synthesis result with the model that produced it.
type Outcome struct {
	Text  string
	Model string
	Err   error
}

// Synthesizer builds the prompt, calls the model and cleans the answer.
type Synthesizer struct {
	gen      capability.Generator
	models   Models
	composer *composer.Composer
	timeout  time.Duration
	fillers  []*regexp.Regexp
	logger   *slog.Logger
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithTimeout bounds each Generate call.
func WithTimeout(d time.Duration) Option {
	return func(s *Synthesizer) { s.timeout = d }
}

// WithComposer replaces the prompt composer.
func WithComposer(c *composer.Composer) Option {
	return func(s *Synthesizer) { s.composer = c }
}

// WithFillers replaces the leading-filler patterns.
func WithFillers(patterns []*regexp.Regexp) Option {
	return func(s *Synthesizer) { s.fillers = patterns }
}

// New creates a Synthesizer.
func New(gen capability.Generator, models Models, opts ...Option) *Synthesizer {
	s := &Synthesizer{
		gen:      gen,
		models:   models,
		composer: composer.New(0),
		timeout:  120 * time.Second,
		fillers:  DefaultFillers(),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ModelFor picks the model for route. Web results call for the reasoning
// model; fused image and document context goes to the general model.
func (s *Synthesizer) ModelFor(route router.Route, slots Slots) string {
	if slots.WebSearch != nil {
		return s.models.Reasoning
	}
	switch route {
	case router.CodingMath:
		return s.models.Coding
	case router.Reasoning, router.WebSearch:
		return s.models.Reasoning
	default:
		return s.models.General
	}
}

// Synthesize returns the answer text. It never fails: errors become a
// user-facing message.
func (s *Synthesizer) Synthesize(ctx context.Context, query string, history []composer.Turn, route router.Route, slots Slots) string {
	return s.Answer(ctx, query, history, route, slots).Text
}

// Answer is Synthesize with the model and error exposed.
func (s *Synthesizer) Answer(ctx context.Context, query string, history []composer.Turn, route router.Route, slots Slots) Outcome {
	model := s.ModelFor(route, slots)
	msgs := s.composer.Compose(query, history, Sections(slots))

	res := capability.Call(ctx, s.timeout, func(ctx context.Context) (string, error) {
		return s.gen.Generate(ctx, model, msgs, nil)
	})
	if !res.OK() {
		s.logger.Warn("synthesis failed", "model", model, "route", route, "error", res.Err)
		return Outcome{Text: fmt.Sprintf("%s: %v", generateErrorPrefix, res.Err), Model: model, Err: res.Err}
	}
	return Outcome{Text: s.Sanitize(res.Text), Model: model}
}

// Sections renders the visited slots for the prompt. Failed steps contribute
// their error note so the model can say the information is missing.
func Sections(slots Slots) []composer.Section {
	var out []composer.Section
	if r := slots.ImageAnalysis; r != nil {
		out = append(out, composer.Section{Title: TitleImage, Body: vision.Note(*r)})
	}
	if r := slots.RAGContext; r != nil {
		out = append(out, composer.Section{Title: TitleRAG, Body: r.Content("문서 검색 중 오류 발생")})
	}
	if r := slots.WebSearch; r != nil {
		out = append(out, composer.Section{Title: TitleWeb, Body: r.Content("웹 검색 중 오류 발생")})
	}
	return out
}
