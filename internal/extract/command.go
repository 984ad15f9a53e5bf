package extract

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// CommandRunner runs an external program and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return stdout.Bytes(), nil
}

// InstallInstructions explains how to get the external tools.
func InstallInstructions() string {
	return "poppler (pdftotext, pdftoppm) and tesseract are required for the poppler and OCR strategies:\n" +
		"  macOS:  brew install poppler tesseract tesseract-lang\n" +
		"  Debian: apt install poppler-utils tesseract-ocr tesseract-ocr-kor"
}

// PopplerLoader extracts text with pdftotext.
type PopplerLoader struct {
	Runner CommandRunner
}

func (*PopplerLoader) Name() string { return "poppler" }

func (l *PopplerLoader) Extract(ctx context.Context, path string) ([]Page, error) {
	out, err := l.Runner.Run(ctx, "pdftotext", "-layout", "-enc", "UTF-8", path, "-")
	if err != nil {
		return nil, err
	}
	// pdftotext separates pages with form feeds.
	var pages []Page
	for i, t := range strings.Split(string(out), "\f") {
		if t = cleanText(t); t != "" {
			pages = append(pages, Page{Number: i + 1, Text: t})
		}
	}
	return pages, nil
}

// OCRLoader rasterizes pages with pdftoppm and reads them with tesseract.
type OCRLoader struct {
	Runner   CommandRunner
	Language string
	DPI      int
}

func (*OCRLoader) Name() string { return "ocr" }

func (l *OCRLoader) Extract(ctx context.Context, path string) ([]Page, error) {
	dir, err := os.MkdirTemp("", "ragmux-ocr-*")
	if err != nil {
		return nil, fmt.Errorf("creating OCR scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	dpi := l.DPI
	if dpi <= 0 {
		dpi = 300
	}
	if _, err := l.Runner.Run(ctx, "pdftoppm", "-r", fmt.Sprint(dpi), "-png", path, filepath.Join(dir, "page")); err != nil {
		return nil, fmt.Errorf("rasterizing: %w", err)
	}

	images, err := filepath.Glob(filepath.Join(dir, "page-*.png"))
	if err != nil {
		return nil, err
	}
	// pdftoppm zero-pads page numbers to a common width, so lexical order is page order.
	sort.Strings(images)

	lang := l.Language
	if lang == "" {
		lang = "kor+eng"
	}
	pages := make([]Page, 0, len(images))
	for i, img := range images {
		out, err := l.Runner.Run(ctx, "tesseract", img, "stdout", "-l", lang)
		if err != nil {
			return nil, fmt.Errorf("recognizing page %d: %w", i+1, err)
		}
		pages = append(pages, Page{Number: i + 1, Text: cleanText(string(out))})
	}
	return pages, nil
}
