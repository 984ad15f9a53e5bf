// Package codeconv rewrites JavaScript found in extracted document text into
// Python using a coding model, so code-heavy documents index in one language.
package codeconv

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/kalambet/ragmux/internal/capability"
)

var (
	scriptBlock   = regexp.MustCompile(`(?is)<script[^>]*>(.*?)</script>`)
	markdownBlock = regexp.MustCompile("(?s)```javascript\\s*\\n(.*?)\\n```")
	pythonFence   = regexp.MustCompile("(?s)```python\\s*\\n(.*?)\\n```")
)

// FindJavaScript returns the bodies of <script> elements followed by the
// bodies of ```javascript fences, in that order.
func FindJavaScript(text string) []string {
	var out []string
	for _, re := range []*regexp.Regexp{scriptBlock, markdownBlock} {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			if strings.TrimSpace(m[1]) != "" {
				out = append(out, m[1])
			}
		}
	}
	return out
}

// Converter turns JavaScript snippets into Python.
type Converter struct {
	gen     capability.Generator
	model   string
	timeout time.Duration
}

// New returns a Converter that calls model through gen. timeout bounds each
// snippet; zero disables the deadline.
func New(gen capability.Generator, model string, timeout time.Duration) *Converter {
	return &Converter{gen: gen, model: model, timeout: timeout}
}

// Rewrite replaces every JavaScript block in text with the original and its
// Python translation side by side. Blocks that fail to convert are left
// untouched. It returns the new text and the number of blocks converted.
func (c *Converter) Rewrite(ctx context.Context, text string) (string, int) {
	blocks := FindJavaScript(text)
	if len(blocks) == 0 {
		return text, 0
	}

	converted := 0
	for _, js := range blocks {
		py, err := c.convert(ctx, js)
		if err != nil {
			slog.Warn("codeconv: keeping original JavaScript", "error", err)
			continue
		}
		text = strings.Replace(text, js, render(js, py), 1)
		converted++
	}
	return text, converted
}

func render(js, py string) string {
	return "\n'''\nOriginal JavaScript:\n" + js + "\n'''\n\n'''\nConverted Python:\n" + py + "\n'''\n"
}

func (c *Converter) convert(ctx context.Context, js string) (string, error) {
	prompt := "You are an expert JavaScript to Python code converter.\n" +
		"Convert the following JavaScript code to Python.\n" +
		"Provide only the Python code as output, without any explanations or surrounding text.\n\n" +
		"JavaScript Code:\n```javascript\n" + js + "\n```\n\nPython Code:\n"

	res := capability.Call(ctx, c.timeout, func(ctx context.Context) (string, error) {
		return c.gen.Generate(ctx, c.model, []capability.Message{{Role: "user", Content: prompt}}, nil)
	})
	if !res.OK() {
		return "", fmt.Errorf("converting snippet: %w", res.Err)
	}
	return extractPython(res.Text)
}

// extractPython prefers a fenced ```python block and otherwise takes the
// whole reply.
func extractPython(reply string) (string, error) {
	if m := pythonFence.FindStringSubmatch(reply); m != nil {
		reply = m[1]
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", fmt.Errorf("model returned no code")
	}
	return reply, nil
}
