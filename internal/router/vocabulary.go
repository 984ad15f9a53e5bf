package router

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultVocabulary is the built-in Korean and English keyword table.
func DefaultVocabulary() Vocabulary {
	return Vocabulary{
		Rules: []Rule{
			{Route: RAG, Keywords: []string{
				"pdf", "문서", "내 파일", "내 자료", "업로드한",
				"my document", "my file", "my notes", "uploaded",
			}},
			{Route: WebSearch, Keywords: []string{
				"최신", "최근", "오늘", "뉴스", "현재", "검색해줘", "요즘",
				"latest", "today", "news", "current", "recent", "search the web",
			}},
			{Route: CodingMath, Keywords: []string{
				"코드", "코딩", "프로그래밍", "알고리즘", "수학", "계산", "풀어줘",
				"code", "coding", "program", "algorithm", "math", "calculate", "solve", "debug",
			}},
			{Route: Reasoning, Keywords: []string{
				"추론", "분석", "설명해줘", "왜", "어떻게 생각해",
				"why", "explain", "analyze", "analysis", "reasoning",
			}},
		},
		Broad: []string{
			"전체", "모든 문서", "모든 자료", "전부", "다 요약",
			"all documents", "all my documents", "summary of all", "everything i uploaded",
		},
	}
}

// LoadFile reads a YAML vocabulary. A file without a broad list keeps the
// built-in broad keywords.
func LoadFile(path string) (*Classifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading router rules: %w", err)
	}
	var v Vocabulary
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parsing router rules %s: %w", path, err)
	}
	if len(v.Rules) == 0 {
		return nil, fmt.Errorf("router rules %s: no rules defined", path)
	}
	if len(v.Broad) == 0 {
		v.Broad = DefaultVocabulary().Broad
	}
	c, err := New(v)
	if err != nil {
		return nil, fmt.Errorf("router rules %s: %w", path, err)
	}
	return c, nil
}

// Load returns the classifier from path, or the default when path is empty.
func Load(path string) (*Classifier, error) {
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// Marshal renders v as YAML, suitable as a starting point for a rules file.
func Marshal(v Vocabulary) ([]byte, error) {
	return yaml.Marshal(v)
}
