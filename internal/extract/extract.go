// Package extract turns a PDF file into page text. Strategies are tried in
// order and the first one that yields text wins; OCR runs only when every
// text-layer strategy comes back empty.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Processing methods recorded on the document.
const (
	MethodStandard = "standard"
	MethodOCR      = "ocr"
)

// ErrNoText means no strategy, OCR included, produced any text.
var ErrNoText = errors.New("no extractable text")

// Page is the text of one page, numbered from 1.
type Page struct {
	Number int
	Text   string
}

// Strategy extracts page text from a PDF file.
type Strategy interface {
	Name() string
	Extract(ctx context.Context, path string) ([]Page, error)
}

// Result is the outcome of a successful extraction.
type Result struct {
	Pages    []Page
	Method   string
	Strategy string
}

// Text joins the non-empty pages with blank lines.
func (r Result) Text() string {
	parts := make([]string, 0, len(r.Pages))
	for _, p := range r.Pages {
		if t := strings.TrimSpace(p.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Extractor runs the strategy chain.
type Extractor struct {
	strategies []Strategy
	ocr        Strategy
	logger     *slog.Logger
}

// New returns an Extractor trying strategies in order, then ocr (may be nil).
func New(ocr Strategy, strategies ...Strategy) *Extractor {
	return &Extractor{strategies: strategies, ocr: ocr, logger: slog.Default()}
}

// Options selects the optional strategies of the default chain.
type Options struct {
	Poppler     bool
	OCR         bool
	OCRLanguage string
	Runner      CommandRunner
}

// NewDefault builds the layout → stream → poppler chain with OCR fallback.
func NewDefault(o Options) *Extractor {
	runner := o.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	strategies := []Strategy{LayoutLoader{}, StreamLoader{}}
	if o.Poppler {
		strategies = append(strategies, &PopplerLoader{Runner: runner})
	}
	var ocr Strategy
	if o.OCR {
		ocr = &OCRLoader{Runner: runner, Language: o.OCRLanguage}
	}
	return New(ocr, strategies...)
}

// Extract returns the first non-empty strategy result. Strategy errors are
// logged and the chain moves on. The returned error wraps ErrNoText when
// nothing produced text.
func (e *Extractor) Extract(ctx context.Context, path string) (Result, error) {
	for _, s := range e.strategies {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if pages, ok := e.try(ctx, s, path); ok {
			return Result{Pages: pages, Method: MethodStandard, Strategy: s.Name()}, nil
		}
	}

	if e.ocr == nil {
		return Result{}, ErrNoText
	}
	e.logger.Info("extract: text layer empty, falling back to OCR", "path", path)
	if pages, ok := e.try(ctx, e.ocr, path); ok {
		return Result{Pages: pages, Method: MethodOCR, Strategy: e.ocr.Name()}, nil
	}
	return Result{}, fmt.Errorf("%w (OCR)", ErrNoText)
}

func (e *Extractor) try(ctx context.Context, s Strategy, path string) ([]Page, bool) {
	pages, err := safeExtract(ctx, s, path)
	if err != nil {
		e.logger.Warn("extract: strategy failed", "strategy", s.Name(), "path", path, "error", err)
		return nil, false
	}
	for _, p := range pages {
		if strings.TrimSpace(p.Text) != "" {
			return pages, true
		}
	}
	e.logger.Debug("extract: strategy returned no text", "strategy", s.Name(), "path", path)
	return nil, false
}

func safeExtract(ctx context.Context, s Strategy, path string) (pages []Page, err error) {
	defer func() {
		if r := recover(); r != nil {
			pages, err = nil, fmt.Errorf("%s panicked: %v", s.Name(), r)
		}
	}()
	return s.Extract(ctx, path)
}
