// Package router decides which response path answers a query.
//
// Classification is a keyword scan over an ordered rule table. The first rule
// with a matching keyword wins, so declaration order resolves overlaps.
package router

import (
	"fmt"
	"strings"
)

// Route names a response path.
type Route string

const (
	CodingMath    Route = "coding_math"
	Reasoning     Route = "reasoning"
	General       Route = "general"
	RAG           Route = "rag"
	ImageAnalysis Route = "image_analysis"
	WebSearch     Route = "web_search"
)

// Routes lists every route.
var Routes = []Route{CodingMath, Reasoning, General, RAG, ImageAnalysis, WebSearch}

// ParseRoute validates a route name.
func ParseRoute(s string) (Route, error) {
	for _, r := range Routes {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown route %q", s)
}

// Rule maps keywords to a route.
type Rule struct {
	Route    Route    `yaml:"route"`
	Keywords []string `yaml:"keywords"`
}

// Vocabulary is the full keyword configuration.
type Vocabulary struct {
	Rules []Rule `yaml:"rules"`
	// Broad keywords mark queries about the whole corpus rather than a topic.
	Broad []string `yaml:"broad"`
}

// Classifier is immutable after construction and safe for concurrent use.
type Classifier struct {
	rules []Rule
	broad []string
}

// New builds a Classifier from v. Image analysis is decided by the presence
// of an image, and general is the fallback, so neither may carry keywords.
func New(v Vocabulary) (*Classifier, error) {
	c := &Classifier{broad: lowerAll(v.Broad)}
	for i, r := range v.Rules {
		if _, err := ParseRoute(string(r.Route)); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		if r.Route == ImageAnalysis || r.Route == General {
			return nil, fmt.Errorf("rule %d: route %s cannot be selected by keywords", i, r.Route)
		}
		kw := lowerAll(r.Keywords)
		if len(kw) == 0 {
			return nil, fmt.Errorf("rule %d (%s): no keywords", i, r.Route)
		}
		c.rules = append(c.rules, Rule{Route: r.Route, Keywords: kw})
	}
	return c, nil
}

// Default returns the built-in classifier.
func Default() *Classifier {
	c, err := New(DefaultVocabulary())
	if err != nil {
		panic(err)
	}
	return c
}

// Classify picks the route for query. An attached image always wins.
func (c *Classifier) Classify(query string, hasImage bool) Route {
	if hasImage {
		return ImageAnalysis
	}
	q := strings.ToLower(query)
	for _, r := range c.rules {
		if containsAny(q, r.Keywords) {
			return r.Route
		}
	}
	return General
}

// IsBroad reports whether query asks about the corpus as a whole.
func (c *Classifier) IsBroad(query string) bool {
	return containsAny(strings.ToLower(query), c.broad)
}

// Vocabulary returns a copy of the classifier's configuration.
func (c *Classifier) Vocabulary() Vocabulary {
	v := Vocabulary{Broad: append([]string(nil), c.broad...)}
	for _, r := range c.rules {
		v.Rules = append(v.Rules, Rule{Route: r.Route, Keywords: append([]string(nil), r.Keywords...)})
	}
	return v
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
