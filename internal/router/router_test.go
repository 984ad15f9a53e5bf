package router

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_Default(t *testing.T) {
	c := Default()
	tests := []struct {
		query    string
		hasImage bool
		want     Route
	}{
		{"이 사진 뭐야", true, ImageAnalysis},
		{"내 문서에서 계약 기간 찾아줘", true, ImageAnalysis},
		{"PDF에 뭐라고 적혀 있어?", false, RAG},
		{"요약해줘 PDF 내용", false, RAG},
		{"", true, ImageAnalysis},
		{"내 자료 기준으로 알려줘", false, RAG},
		{"오늘 날씨 어때", false, WebSearch},
		{"What is the latest Go release?", false, WebSearch},
		{"이 알고리즘 시간복잡도 계산해줘", false, CodingMath},
		{"Write code to reverse a list", false, CodingMath},
		{"왜 하늘은 파랄까", false, Reasoning},
		{"Explain the difference", false, Reasoning},
		{"안녕하세요", false, General},
		{"", false, General},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.Classify(tt.query, tt.hasImage), "query %q", tt.query)
	}
}

func TestClassify_OrderResolvesOverlap(t *testing.T) {
	c := Default()
	// Document keywords outrank coding keywords.
	assert.Equal(t, RAG, c.Classify("문서에 있는 코드 설명", false))
	// Freshness outranks analysis.
	assert.Equal(t, WebSearch, c.Classify("최근 뉴스 분석해줘", false))
	// Coding outranks reasoning.
	assert.Equal(t, CodingMath, c.Classify("이 수학 문제 왜 틀렸는지", false))
}

func TestClassify_Deterministic(t *testing.T) {
	c := Default()
	q := "최신 알고리즘 논문 분석"
	first := c.Classify(q, false)
	for i := 0; i < 50; i++ {
		require.Equal(t, first, c.Classify(q, false))
	}
}

func TestClassify_CaseInsensitive(t *testing.T) {
	c, err := New(Vocabulary{Rules: []Rule{{Route: CodingMath, Keywords: []string{"GoLang"}}}})
	require.NoError(t, err)
	assert.Equal(t, CodingMath, c.Classify("I love GOLANG", false))
}

func TestIsBroad(t *testing.T) {
	c := Default()
	assert.True(t, c.IsBroad("전체 문서 요약해줘"))
	assert.True(t, c.IsBroad("Give me a summary of all files"))
	assert.False(t, c.IsBroad("계약서의 해지 조항"))
}

func TestNew_RejectsBadRules(t *testing.T) {
	_, err := New(Vocabulary{Rules: []Rule{{Route: "music", Keywords: []string{"노래"}}}})
	assert.ErrorContains(t, err, "unknown route")

	_, err = New(Vocabulary{Rules: []Rule{{Route: ImageAnalysis, Keywords: []string{"사진"}}}})
	assert.Error(t, err)

	_, err = New(Vocabulary{Rules: []Rule{{Route: RAG, Keywords: []string{"  "}}}})
	assert.ErrorContains(t, err, "no keywords")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - route: reasoning
    keywords: ["철학"]
  - route: rag
    keywords: ["계약서"]
`), 0o644))

	c, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, Reasoning, c.Classify("계약서의 철학", false))
	assert.Equal(t, General, c.Classify("pdf 보여줘", false))
	assert.True(t, c.IsBroad("모든 문서"), "default broad keywords kept")
}

func TestLoadFile_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("broad: [x]\n"), 0o644))
	_, err = LoadFile(empty)
	assert.ErrorContains(t, err, "no rules")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("rules: [oops\n"), 0o644))
	_, err = LoadFile(bad)
	assert.ErrorContains(t, err, "parsing")
}

func TestMarshalRoundTrip(t *testing.T) {
	data, err := Marshal(Default().Vocabulary())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	c, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Vocabulary(), c.Vocabulary())
}

func TestLoad_EmptyPathUsesDefault(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, RAG, c.Classify("pdf", false))
}
