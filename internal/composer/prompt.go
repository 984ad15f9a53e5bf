package composer

import (
	"strings"
	"unicode/utf8"

	"github.com/kalambet/ragmux/internal/capability"
)

const (
	defaultMaxContextTokens = 3000

	// MaxHistoryTurns is how many prior turns reach the model.
	MaxHistoryTurns = 6
)

// DefaultRules are the fixed instructions at the top of every system message.
var DefaultRules = []string{
	"질문에 바로 답하세요.",
	"생각 과정이나 추론 단계를 답변에 드러내지 마세요.",
	"\"알겠습니다\", \"제가 생각하기에\" 같은 군더더기 문장으로 시작하지 마세요.",
	"참고 정보를 사용했다면 출처 종류(문서, 웹 검색, 이미지 분석)를 밝히세요.",
	"정보가 부족하면 부족하다고 분명히 말하세요.",
}

// Turn is one prior conversation message.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Section is one titled block of acquired context.
type Section struct {
	Title string
	Body  string
}

// Composer assembles the messages for a synthesis call: a system message with
// rules and context, the recent history, and the query.
type Composer struct {
	MaxContextTokens int
	Rules            []string
}

// New creates a Composer with the given token budget for injected context.
// If maxContextTokens <= 0, the default (3000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens, Rules: DefaultRules}
}

// Compose returns the system message, the last MaxHistoryTurns turns and the
// query as the final user message. Empty sections are skipped.
func (c *Composer) Compose(query string, history []Turn, sections []Section) []capability.Message {
	recent := TrimHistory(history, MaxHistoryTurns)
	msgs := make([]capability.Message, 0, len(recent)+2)
	msgs = append(msgs, capability.Message{Role: "system", Content: c.SystemPrompt(sections)})
	for _, t := range recent {
		msgs = append(msgs, capability.Message{Role: t.Role, Content: t.Text})
	}
	return append(msgs, capability.Message{Role: "user", Content: query})
}

// SystemPrompt renders the rules followed by the context block. Sections are
// kept in order; the first one that overruns the budget is cut short and the
// rest are dropped.
func (c *Composer) SystemPrompt(sections []Section) string {
	var sb strings.Builder
	sb.WriteString("당신은 로컬 문서와 도구를 활용해 답하는 도우미입니다.\n규칙:\n")
	for _, r := range c.Rules {
		sb.WriteString("- ")
		sb.WriteString(r)
		sb.WriteString("\n")
	}

	const header = "\n참고 정보:\n"
	remaining := c.MaxContextTokens - EstimateTokens(header)
	var entries []string
	for _, s := range sections {
		body := strings.TrimSpace(s.Body)
		if body == "" {
			continue
		}
		title := "[" + s.Title + "]\n"
		budget := remaining - EstimateTokens(title) - 1
		if budget <= 0 {
			break
		}
		if EstimateTokens(body) > budget {
			body = truncate(body, budget*4-3) + "..."
			entries = append(entries, title+body+"\n")
			break
		}
		entries = append(entries, title+body+"\n")
		remaining -= EstimateTokens(title + body + "\n")
	}

	if len(entries) > 0 {
		sb.WriteString(header)
		sb.WriteString(strings.Join(entries, "\n"))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// TrimHistory returns the last n turns, dropping empty ones.
func TrimHistory(history []Turn, n int) []Turn {
	kept := make([]Turn, 0, len(history))
	for _, t := range history {
		if strings.TrimSpace(t.Text) == "" {
			continue
		}
		if t.Role != "assistant" {
			t.Role = "user"
		}
		kept = append(kept, t)
	}
	if len(kept) > n {
		kept = kept[len(kept)-n:]
	}
	return kept
}

// EstimateTokens provides a rough token count using 4 bytes per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// truncate cuts s to at most maxBytes without splitting a rune.
func truncate(s string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
