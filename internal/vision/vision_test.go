package vision

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/ragmux/internal/capability"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type mockGenerator struct {
	generateFn func(ctx context.Context, model string, messages []capability.Message, image *capability.Image) (string, error)
}

func (m *mockGenerator) Generate(ctx context.Context, model string, messages []capability.Message, image *capability.Image) (string, error) {
	return m.generateFn(ctx, model, messages, image)
}

func TestAnalyze_DefaultPrompt(t *testing.T) {
	var gotModel, gotPrompt, gotMime string
	gen := &mockGenerator{generateFn: func(_ context.Context, model string, msgs []capability.Message, img *capability.Image) (string, error) {
		gotModel, gotPrompt, gotMime = model, msgs[0].Content, img.MimeType
		return "  고양이 한 마리가 있습니다. ", nil
	}}

	res := New(gen, "llava:7b", time.Second).Analyze(context.Background(), &capability.Image{Data: pngHeader}, "")
	if !res.OK() {
		t.Fatalf("Analyze failed: %v", res.Err)
	}
	if res.Text != "고양이 한 마리가 있습니다." {
		t.Errorf("Text = %q", res.Text)
	}
	if gotModel != "llava:7b" || gotPrompt != DefaultPrompt || gotMime != "image/png" {
		t.Errorf("model=%q prompt=%q mime=%q", gotModel, gotPrompt, gotMime)
	}
}

func TestAnalyze_UsesQueryAsPrompt(t *testing.T) {
	var gotPrompt string
	gen := &mockGenerator{generateFn: func(_ context.Context, _ string, msgs []capability.Message, _ *capability.Image) (string, error) {
		gotPrompt = msgs[0].Content
		return "빨간색", nil
	}}
	New(gen, "llava:7b", 0).Analyze(context.Background(), &capability.Image{Data: pngHeader, MimeType: "image/png"}, "무슨 색이야?")
	if gotPrompt != "무슨 색이야?" {
		t.Errorf("prompt = %q", gotPrompt)
	}
}

func TestAnalyze_Failures(t *testing.T) {
	calls := 0
	gen := &mockGenerator{generateFn: func(ctx context.Context, _ string, _ []capability.Message, _ *capability.Image) (string, error) {
		calls++
		<-ctx.Done()
		return "", ctx.Err()
	}}
	a := New(gen, "llava:7b", 20*time.Millisecond)

	if res := a.Analyze(context.Background(), nil, "x"); !errors.Is(res.Err, ErrNoImage) {
		t.Errorf("nil image err = %v", res.Err)
	}
	if res := a.Analyze(context.Background(), &capability.Image{Data: []byte("%PDF-1.4 not an image")}, ""); res.OK() {
		t.Error("non-image attachment accepted")
	}
	if calls != 0 {
		t.Errorf("generator called %d times for invalid input", calls)
	}

	res := a.Analyze(context.Background(), &capability.Image{Data: pngHeader}, "")
	if !errors.Is(res.Err, capability.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", res.Err)
	}
	if note := Note(res); !strings.HasPrefix(note, ErrorPrefix+": ") {
		t.Errorf("Note = %q", note)
	}
}

func TestAnalyze_EmptyDescription(t *testing.T) {
	gen := &mockGenerator{generateFn: func(context.Context, string, []capability.Message, *capability.Image) (string, error) {
		return "   ", nil
	}}
	if res := New(gen, "llava:7b", 0).Analyze(context.Background(), &capability.Image{Data: pngHeader}, ""); res.OK() {
		t.Error("empty description accepted")
	}
}
