package chunker

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsBadSizes(t *testing.T) {
	_, err := New(0, 0)
	assert.Error(t, err)
	_, err = New(100, 100)
	assert.Error(t, err)
	_, err = New(100, -1)
	assert.Error(t, err)
	s, err := New(DefaultSize, DefaultOverlap)
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestSplitShortTextIsOneChunk(t *testing.T) {
	s, _ := New(100, 10)
	assert.Equal(t, []string{"짧은 문서입니다."}, s.Split("  짧은 문서입니다.  "))
	assert.Nil(t, s.Split(" \n\t "))
}

func TestSplitPrefersParagraphs(t *testing.T) {
	s, _ := New(30, 0)
	text := "first paragraph here\n\nsecond paragraph here\n\nthird"
	got := s.Split(text)
	assert.Equal(t, []string{"first paragraph here", "second paragraph here\n\nthird"}, got)
}

func TestSplitRespectsSizeInRunes(t *testing.T) {
	s, _ := New(50, 10)
	text := strings.Repeat("한국어 문장입니다. ", 40)
	chunks := s.Split(text)
	require.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 50, "chunk %d too long", i)
		assert.True(t, utf8.ValidString(c), "chunk %d is not valid UTF-8", i)
	}
}

func TestSplitOverlapCarriesContext(t *testing.T) {
	s, _ := New(20, 8)
	chunks := s.Split("aaa bbb ccc ddd eee fff ggg hhh")
	require.GreaterOrEqual(t, len(chunks), 2)
	for i := 1; i < len(chunks); i++ {
		prev := strings.Fields(chunks[i-1])
		first := strings.Fields(chunks[i])[0]
		assert.Contains(t, prev, first, "chunk %d should start inside the previous chunk", i)
	}
}

func TestSplitFallsBackToRunes(t *testing.T) {
	s, _ := New(4, 0)
	chunks := s.Split("가나다라마바사아자")
	assert.Equal(t, []string{"가나다라", "마바사아", "자"}, chunks)
}

func TestSplitCoversAllWords(t *testing.T) {
	s, _ := New(DefaultSize, DefaultOverlap)
	var b strings.Builder
	for i := 0; i < 300; i++ {
		b.WriteString("word")
		b.WriteString(strings.Repeat("x", i%7))
		if i%25 == 24 {
			b.WriteString(".\n\n")
		} else {
			b.WriteString(" ")
		}
	}
	text := b.String()
	joined := strings.Join(s.Split(text), " ")
	for _, w := range strings.Fields(text) {
		assert.Contains(t, joined, strings.TrimSuffix(w, "."))
	}
}

func TestCustomSeparatorsWithoutEmpty(t *testing.T) {
	s, _ := New(3, 0, WithSeparators("|"))
	assert.Equal(t, []string{"abc", "def", "g", "hi"}, s.Split("abcdefg|hi"))
}
