package synth

import (
	"regexp"
	"strings"
)

var (
	closedSpan   = regexp.MustCompile(`(?is)<(think|thinking|reasoning)>.*?</(think|thinking|reasoning)>`)
	leadingClose = regexp.MustCompile(`(?is)^.*?</(think|thinking|reasoning)>`)
	trailingOpen = regexp.MustCompile(`(?is)<(think|thinking|reasoning)>.*$`)
)

// DefaultFillers match opening sentences that carry no content. Each one
// must end in punctuation or whitespace so a longer word sharing the prefix
// is left alone.
func DefaultFillers() []*regexp.Regexp {
	return []*regexp.Regexp{
		regexp.MustCompile(`^(네[,.]?\s*)?(알겠습니다|물론입니다|좋은 질문입니다|좋은 질문이네요)([.!]+\s*|\s+|$)`),
		regexp.MustCompile(`^제가 (생각하기에|보기에)는?(,\s*|\s+)`),
		regexp.MustCompile(`^(질문을|요청을) (이해했습니다|확인했습니다)([.!]+\s*|\s+|$)`),
		regexp.MustCompile(`(?i)^(sure|certainly|of course|okay|great question)\b([.!,]+\s*|$)`),
		regexp.MustCompile(`(?i)^let me think( about (this|that))?\b([.:,!]+\s*|$)`),
	}
}

// Sanitize strips reasoning spans and leading filler, collapses whitespace
// runs to single spaces and substitutes Rephrase for an empty result.
func (s *Synthesizer) Sanitize(text string) string {
	text = StripReasoning(text)
	text = stripFillers(text, s.fillers)
	text = collapseWhitespace(text)
	if text == "" {
		return Rephrase
	}
	return text
}

// StripReasoning removes <think> and <reasoning> spans, including a span
// whose opening tag was cut off and one that never closes.
func StripReasoning(text string) string {
	text = closedSpan.ReplaceAllString(text, "")
	text = leadingClose.ReplaceAllString(text, "")
	text = trailingOpen.ReplaceAllString(text, "")
	return text
}

func stripFillers(text string, fillers []*regexp.Regexp) string {
	text = strings.TrimSpace(text)
	for changed := true; changed; {
		changed = false
		for _, re := range fillers {
			if loc := re.FindStringIndex(text); loc != nil && loc[1] > 0 {
				text = strings.TrimSpace(text[loc[1]:])
				changed = true
			}
		}
	}
	return text
}

func collapseWhitespace(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
