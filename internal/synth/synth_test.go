package synth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/ragmux/internal/capability"
	"github.com/kalambet/ragmux/internal/composer"
	"github.com/kalambet/ragmux/internal/router"
)

type mockGenerator struct {
	model    string
	messages []capability.Message
	reply    string
	err      error
	block    bool
	panics   bool
}

func (m *mockGenerator) Generate(ctx context.Context, model string, messages []capability.Message, _ *capability.Image) (string, error) {
	m.model, m.messages = model, messages
	if m.panics {
		panic("generator exploded")
	}
	if m.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return m.reply, m.err
}

var testModels = Models{Coding: "deepseek-r1:latest", Reasoning: "llama3.2:latest", General: "gemma:2b"}

func ok(text string) *capability.Result { return &capability.Result{Text: text} }

func TestModelFor(t *testing.T) {
	s := New(&mockGenerator{}, testModels)
	tests := []struct {
		route router.Route
		slots Slots
		want  string
	}{
		{router.CodingMath, Slots{}, "deepseek-r1:latest"},
		{router.Reasoning, Slots{}, "llama3.2:latest"},
		{router.General, Slots{}, "gemma:2b"},
		{router.RAG, Slots{RAGContext: ok("doc")}, "gemma:2b"},
		{router.ImageAnalysis, Slots{ImageAnalysis: ok("cat")}, "gemma:2b"},
		{router.WebSearch, Slots{WebSearch: ok("news")}, "llama3.2:latest"},
		{router.General, Slots{WebSearch: &capability.Result{Err: errors.New("offline")}}, "llama3.2:latest"},
	}
	for _, tt := range tests {
		if got := s.ModelFor(tt.route, tt.slots); got != tt.want {
			t.Errorf("ModelFor(%s) = %q, want %q", tt.route, got, tt.want)
		}
	}
}

func TestSynthesize_BuildsPrompt(t *testing.T) {
	gen := &mockGenerator{reply: "계약 기간은 2년입니다."}
	s := New(gen, testModels)

	history := []composer.Turn{{Role: "user", Text: "안녕"}, {Role: "assistant", Text: "안녕하세요"}}
	slots := Slots{
		ImageAnalysis: ok("계약서 첫 페이지 사진"),
		RAGContext:    ok("[source: contract.pdf #0, 0.91]\n계약 기간: 2년"),
	}
	got := s.Synthesize(context.Background(), "계약 기간은?", history, router.ImageAnalysis, slots)

	if got != "계약 기간은 2년입니다." {
		t.Errorf("answer = %q", got)
	}
	if len(gen.messages) != 4 {
		t.Fatalf("sent %d messages, want system + 2 history + query", len(gen.messages))
	}
	sys := gen.messages[0].Content
	for _, want := range []string{"[" + TitleImage + "]", "[" + TitleRAG + "]", "계약 기간: 2년"} {
		if !strings.Contains(sys, want) {
			t.Errorf("system message missing %q", want)
		}
	}
	if strings.Contains(sys, TitleWeb) {
		t.Error("unvisited web slot rendered")
	}
	if last := gen.messages[3]; last.Role != "user" || last.Content != "계약 기간은?" {
		t.Errorf("last message = %+v", last)
	}
}

func TestSynthesize_FailedSlotBecomesNote(t *testing.T) {
	gen := &mockGenerator{reply: "웹 검색을 할 수 없었습니다."}
	s := New(gen, testModels)
	s.Synthesize(context.Background(), "오늘 뉴스", nil, router.WebSearch, Slots{
		WebSearch: &capability.Result{Err: errors.New("connection refused")},
	})
	if !strings.Contains(gen.messages[0].Content, "웹 검색 중 오류 발생: connection refused") {
		t.Errorf("error note missing from context:\n%s", gen.messages[0].Content)
	}
}

func TestSynthesize_GenerateFailure(t *testing.T) {
	s := New(&mockGenerator{err: errors.New("model not found")}, testModels)
	out := s.Answer(context.Background(), "q", nil, router.General, Slots{})
	if out.Err == nil || !strings.Contains(out.Text, "model not found") {
		t.Errorf("outcome = %+v", out)
	}
	if !strings.HasPrefix(out.Text, generateErrorPrefix) {
		t.Errorf("text = %q", out.Text)
	}
}

func TestSynthesize_Timeout(t *testing.T) {
	s := New(&mockGenerator{block: true}, testModels, WithTimeout(20*time.Millisecond))
	out := s.Answer(context.Background(), "q", nil, router.General, Slots{})
	if !errors.Is(out.Err, capability.ErrTimeout) {
		t.Errorf("err = %v, want timeout", out.Err)
	}
	if out.Text == "" {
		t.Error("timeout produced an empty answer")
	}
}

func TestSanitize(t *testing.T) {
	s := New(&mockGenerator{}, testModels)
	tests := []struct {
		name, in, want string
	}{
		{"think span", "<think>\n먼저 생각해보면...\n</think>\n\n답은 4입니다.", "답은 4입니다."},
		{"reasoning span mid-text", "답: <reasoning>계산</reasoning>4", "답: 4"},
		{"missing open tag", "계산 과정...</think>답은 4입니다.", "답은 4입니다."},
		{"unterminated", "답은 4입니다.<think>그런데 혹시", "답은 4입니다."},
		{"korean filler", "네, 알겠습니다. 제가 생각하기에는 서울입니다.", "서울입니다."},
		{"english filler", "Sure! Paris is the capital.", "Paris is the capital."},
		{"filler then content on next line", "Of course.\nThe loop ends.", "The loop ends."},
		{"word sharing a filler prefix", "Surely the loop terminates.", "Surely the loop terminates."},
		{"place name sharing a filler prefix", "Okayama is a city in Japan.", "Okayama is a city in Japan."},
		{"plural sharing a filler prefix", "Of courses offered, CS101 is best.", "Of courses offered, CS101 is best."},
		{"filler without punctuation kept", "Certainly not before Friday.", "Certainly not before Friday."},
		{"let me think", "Let me think about this. 답은 4입니다.", "답은 4입니다."},
		{"korean prefix inside a longer word", "물론입니다만 예외가 있습니다.", "물론입니다만 예외가 있습니다."},
		{"whitespace", "첫 줄    내용  \n\n\n\n둘째 줄", "첫 줄 내용 둘째 줄"},
		{"newlines and indent collapsed", "첫 줄\n\n\n    들여쓰기  된 줄", "첫 줄 들여쓰기 된 줄"},
		{"tabs and carriage returns", "a\t\tb\r\nc", "a b c"},
		{"only reasoning", "<think>아무것도</think>   ", Rephrase},
		{"empty", "", Rephrase},
	}
	for _, tt := range tests {
		if got := s.Sanitize(tt.in); got != tt.want {
			t.Errorf("%s: Sanitize(%q) = %q, want %q", tt.name, tt.in, got, tt.want)
		}
	}
}

func TestSynthesize_SanitizesModelOutput(t *testing.T) {
	s := New(&mockGenerator{reply: "<think>hmm</think>알겠습니다. "}, testModels)
	if got := s.Synthesize(context.Background(), "q", nil, router.General, Slots{}); got != Rephrase {
		t.Errorf("answer = %q, want rephrase prompt", got)
	}
}

func TestSynthesize_NeverFailsAcrossRoutesAndSlots(t *testing.T) {
	routes := []router.Route{router.CodingMath, router.Reasoning, router.General, router.RAG, router.ImageAnalysis, router.WebSearch}
	// Each visited slot is tried as filled, empty and failed.
	variants := []*capability.Result{
		nil,
		ok("관련 내용"),
		ok(""),
		{Err: errors.New("port down")},
		{Err: capability.ErrTimeout},
	}
	gens := map[string]func() *mockGenerator{
		"answer": func() *mockGenerator { return &mockGenerator{reply: "답변입니다."} },
		"empty":  func() *mockGenerator { return &mockGenerator{reply: "<think>...</think>"} },
		"error":  func() *mockGenerator { return &mockGenerator{err: errors.New("model not found")} },
		"panic":  func() *mockGenerator { return &mockGenerator{panics: true} },
	}

	for genName, newGen := range gens {
		for _, route := range routes {
			for _, img := range variants {
				for _, rag := range variants {
					for _, web := range variants {
						slots := Slots{ImageAnalysis: img, RAGContext: rag, WebSearch: web}
						s := New(newGen(), testModels)

						var out Outcome
						func() {
							defer func() {
								if r := recover(); r != nil {
									t.Fatalf("%s/%s: Answer panicked with slots %+v: %v", genName, route, slots, r)
								}
							}()
							out = s.Answer(context.Background(), "질문", nil, route, slots)
						}()

						if strings.TrimSpace(out.Text) == "" {
							t.Errorf("%s/%s: empty answer for slots img=%v rag=%v web=%v", genName, route, img, rag, web)
						}
						if out.Model == "" {
							t.Errorf("%s/%s: no model chosen", genName, route)
						}
					}
				}
			}
		}
	}
}
