package websearch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const brokenImage = "존재하지 않는 이미지입니다."

var ellipsisRun = regexp.MustCompile(`\.{3,}`)

// EnhanceQuery appends the current year so results favour recent pages.
// Questions about the sitting US president are rewritten outright.
func EnhanceQuery(query string, year int) string {
	if strings.Contains(query, "대통령") && strings.Contains(query, "미국") {
		return fmt.Sprintf("현재 미국 대통령 %d 공식 정보", year)
	}
	return fmt.Sprintf("%s %d", query, year)
}

// Clean removes scraping noise from result text.
func Clean(s string) string {
	s = strings.ReplaceAll(s, brokenImage, "")
	s = ellipsisRun.ReplaceAllString(s, "...")
	return strings.TrimSpace(s)
}

// FilterLines keeps the lines that mention a year from year-1 to year+1. When
// no line qualifies the input is returned unchanged.
func FilterLines(lines []string, year int) []string {
	years := []string{strconv.Itoa(year - 1), strconv.Itoa(year), strconv.Itoa(year + 1)}
	var kept []string
	for _, l := range lines {
		for _, y := range years {
			if strings.Contains(l, y) {
				kept = append(kept, l)
				break
			}
		}
	}
	if len(kept) == 0 {
		return lines
	}
	return kept
}

// Format numbers each result body.
func Format(bodies []string) string {
	if len(bodies) == 0 {
		return NoResults
	}
	parts := make([]string, len(bodies))
	for i, b := range bodies {
		parts[i] = fmt.Sprintf("[%d] 검색 결과:\n%s\n", i+1, b)
	}
	return strings.Join(parts, "\n")
}
