// Package chunker splits extracted document text into overlapping pieces
// sized for embedding.
package chunker

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Default sizes, counted in runes.
const (
	DefaultSize    = 1000
	DefaultOverlap = 200
)

// DefaultSeparators are tried in order; the empty separator splits between
// runes and always succeeds.
var DefaultSeparators = []string{"\n\n", "\n", ". ", " ", ""}

// Splitter breaks text on the coarsest separator that yields pieces no longer
// than Size, then merges neighbouring pieces back up to Size with Overlap
// runes of shared context between consecutive chunks.
type Splitter struct {
	size       int
	overlap    int
	separators []string
}

// Option configures a Splitter.
type Option func(*Splitter)

// WithSeparators replaces the separator priority list.
func WithSeparators(seps ...string) Option {
	return func(s *Splitter) { s.separators = seps }
}

// New returns a Splitter. size must be positive and overlap must be smaller
// than size.
func New(size, overlap int, opts ...Option) (*Splitter, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap %d must be in [0, %d)", overlap, size)
	}
	s := &Splitter{size: size, overlap: overlap, separators: DefaultSeparators}
	for _, o := range opts {
		o(s)
	}
	if len(s.separators) == 0 {
		s.separators = []string{""}
	}
	return s, nil
}

// Split returns the non-empty chunks of text in document order.
func (s *Splitter) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return s.split(text, s.separators)
}

func (s *Splitter) split(text string, separators []string) []string {
	sep := separators[len(separators)-1]
	var rest []string
	for i, candidate := range separators {
		if candidate == "" || strings.Contains(text, candidate) {
			sep = candidate
			rest = separators[i+1:]
			break
		}
	}

	var out, pending []string
	for _, piece := range splitOn(text, sep) {
		if piece == "" {
			continue
		}
		if runeLen(piece) <= s.size {
			pending = append(pending, piece)
			continue
		}
		if len(pending) > 0 {
			out = append(out, s.merge(pending, sep)...)
			pending = nil
		}
		if len(rest) == 0 {
			out = append(out, hardWrap(piece, s.size)...)
			continue
		}
		out = append(out, s.split(piece, rest)...)
	}
	if len(pending) > 0 {
		out = append(out, s.merge(pending, sep)...)
	}
	return out
}

// merge joins pieces with sep into chunks of at most size runes, carrying up
// to overlap runes of trailing pieces into the next chunk.
func (s *Splitter) merge(pieces []string, sep string) []string {
	sepLen := runeLen(sep)
	var chunks []string
	var window []string
	total := 0

	joinedLen := func(extra int) int {
		if len(window) > 0 {
			return total + sepLen + extra
		}
		return extra
	}

	for _, p := range pieces {
		n := runeLen(p)
		if len(window) > 0 && joinedLen(n) > s.size {
			if c := strings.TrimSpace(strings.Join(window, sep)); c != "" {
				chunks = append(chunks, c)
			}
			for len(window) > 0 && (total > s.overlap || joinedLen(n) > s.size) {
				total -= runeLen(window[0])
				if len(window) > 1 {
					total -= sepLen
				}
				window = window[1:]
			}
		}
		total = joinedLen(n)
		window = append(window, p)
	}
	if c := strings.TrimSpace(strings.Join(window, sep)); c != "" {
		chunks = append(chunks, c)
	}
	return chunks
}

func splitOn(text, sep string) []string {
	if sep != "" {
		return strings.Split(text, sep)
	}
	out := make([]string, 0, utf8.RuneCountInString(text))
	for _, r := range text {
		out = append(out, string(r))
	}
	return out
}

// hardWrap cuts text every size runes. Only reached when a custom separator
// list has no empty separator.
func hardWrap(text string, size int) []string {
	runes := []rune(text)
	var out []string
	for len(runes) > 0 {
		n := size
		if n > len(runes) {
			n = len(runes)
		}
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
