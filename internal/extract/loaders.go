package extract

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
)

// LayoutLoader rebuilds each page line by line from positioned text runs.
// It keeps table rows and columns together better than StreamLoader.
type LayoutLoader struct{}

func (LayoutLoader) Name() string { return "layout" }

func (LayoutLoader) Extract(ctx context.Context, path string) ([]Page, error) {
	return eachPage(ctx, path, func(p pdf.Page) (string, error) {
		rows, err := p.GetTextByRow()
		if err != nil {
			return "", err
		}
		var b strings.Builder
		for _, row := range rows {
			words := row.Content
			sort.SliceStable(words, func(i, j int) bool { return words[i].X < words[j].X })
			for _, w := range words {
				b.WriteString(w.S)
			}
			b.WriteByte('\n')
		}
		return b.String(), nil
	})
}

// StreamLoader reads text in content-stream order.
type StreamLoader struct{}

func (StreamLoader) Name() string { return "stream" }

func (StreamLoader) Extract(ctx context.Context, path string) ([]Page, error) {
	return eachPage(ctx, path, func(p pdf.Page) (string, error) {
		fonts := make(map[string]*pdf.Font)
		for _, name := range p.Fonts() {
			f := p.Font(name)
			fonts[name] = &f
		}
		return p.GetPlainText(fonts)
	})
}

func eachPage(ctx context.Context, path string, text func(pdf.Page) (string, error)) ([]Page, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	n := r.NumPage()
	pages := make([]Page, 0, n)
	for i := 1; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		t, err := text(p)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		pages = append(pages, Page{Number: i, Text: cleanText(t)})
	}
	return pages, nil
}

// cleanText trims trailing spaces on every line and drops NUL bytes some
// encoders leave behind.
func cleanText(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t\r")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
