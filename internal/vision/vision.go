// Package vision describes attached images with a multimodal model.
package vision

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/ragmux/internal/capability"
)

// DefaultPrompt is used when the user attached an image without a question.
const DefaultPrompt = "이 이미지에 대해 설명해주세요."

// ErrorPrefix starts the note stored when analysis fails.
const ErrorPrefix = "이미지 분석 중 오류 발생"

// ErrNoImage is returned when analysis is requested without image bytes.
var ErrNoImage = errors.New("no image provided")

// Analyzer runs image analysis through a Generator.
type Analyzer struct {
	gen     capability.Generator
	model   string
	timeout time.Duration
}

// New creates an Analyzer that calls model with the given per-call timeout.
func New(gen capability.Generator, model string, timeout time.Duration) *Analyzer {
	return &Analyzer{gen: gen, model: model, timeout: timeout}
}

// Analyze describes img, guided by prompt. Failures are folded into the
// Result rather than returned.
func (a *Analyzer) Analyze(ctx context.Context, img *capability.Image, prompt string) capability.Result {
	if img == nil || len(img.Data) == 0 {
		return capability.Result{Err: ErrNoImage}
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		prompt = DefaultPrompt
	}
	if img.MimeType == "" {
		img = &capability.Image{Data: img.Data, MimeType: DetectMimeType(img.Data)}
	}
	if !strings.HasPrefix(img.MimeType, "image/") {
		return capability.Result{Err: fmt.Errorf("unsupported attachment type %s", img.MimeType)}
	}

	return capability.Call(ctx, a.timeout, func(ctx context.Context) (string, error) {
		out, err := a.gen.Generate(ctx, a.model, []capability.Message{{Role: "user", Content: prompt}}, img)
		if err != nil {
			return "", err
		}
		out = strings.TrimSpace(out)
		if out == "" {
			return "", errors.New("model returned an empty description")
		}
		return out, nil
	})
}

// Note renders r for the synthesis context: the description, or the error
// note on failure.
func Note(r capability.Result) string {
	return r.Content(ErrorPrefix)
}

// DetectMimeType sniffs the content type of raw image bytes.
func DetectMimeType(data []byte) string {
	return http.DetectContentType(data)
}
