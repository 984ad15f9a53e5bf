// Package capability defines the external service boundaries the query path
// depends on and a uniform result type for their outcomes.
package capability

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Message is a role-tagged chat message handed to a Generator.
type Message struct {
	Role    string
	Content string
}

// Image is an optional raster payload attached to a generation request.
type Image struct {
	Data     []byte
	MimeType string
}

// Generator produces text from a conversation, optionally conditioned on an image.
type Generator interface {
	Generate(ctx context.Context, model string, messages []Message, image *Image) (string, error)
}

// Embedder turns text into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher runs a web search and returns raw result text.
type Searcher interface {
	Search(ctx context.Context, query string) (string, error)
}

// Result is the outcome of one capability call: either Text or Err is set.
type Result struct {
	Text string
	Err  error
}

// OK reports whether the call succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Content returns the text on success, or a rendered error note prefixed by
// label on failure.
func (r Result) Content(label string) string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %v", label, r.Err)
	}
	return r.Text
}

// ErrTimeout is wrapped into Result.Err when a call exceeds its deadline.
var ErrTimeout = errors.New("capability call timed out")

// Call runs fn under a deadline and folds its outcome into a Result. A
// deadline overrun and a panic inside fn are reported like any other failure.
func Call(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (string, error)) (res Result) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: fmt.Errorf("capability panicked: %v", r)}
		}
	}()

	text, err := fn(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{Err: fmt.Errorf("%w after %s", ErrTimeout, timeout)}
		}
		return Result{Err: err}
	}
	return Result{Text: text}
}
