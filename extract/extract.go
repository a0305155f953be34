// Package extract pulls tagged fields such as <answer>...</answer> out of
// free-form model output.
package extract

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

var tagPatterns sync.Map // field (lowercased) -> *regexp.Regexp

func tagPattern(field string) *regexp.Regexp {
	key := strings.ToLower(field)
	if re, ok := tagPatterns.Load(key); ok {
		return re.(*regexp.Regexp)
	}
	re := regexp.MustCompile(`(?i)<\s*(/?)\s*` + regexp.QuoteMeta(field) + `\s*>`)
	actual, _ := tagPatterns.LoadOrStore(key, re)
	return actual.(*regexp.Regexp)
}

// Pattern returns the text enclosed by the first <field>...</field> pair in
// text. Tag names match case-insensitively and may carry whitespace inside
// the brackets. Nested tags of the same name are balanced; when the opening
// tags outnumber the closing ones the span runs to the last closing tag. The
// span is returned verbatim. The second result is false when there is no
// opening tag followed by a closing tag.
func Pattern(text, field string) (string, bool) {
	field = strings.TrimSpace(field)
	if field == "" || text == "" {
		return "", false
	}

	tags := tagPattern(field).FindAllStringSubmatchIndex(text, -1)
	first := -1
	for i, m := range tags {
		if m[3] == m[2] { // empty slash group: opening tag
			first = i
			break
		}
	}
	if first == -1 {
		return "", false
	}

	start := tags[first][1]
	depth := 1
	lastClose := -1
	for _, m := range tags[first+1:] {
		if m[3] == m[2] {
			depth++
			continue
		}
		lastClose = m[0]
		depth--
		if depth == 0 {
			return text[start:m[0]], true
		}
	}
	if lastClose == -1 {
		return "", false
	}
	return text[start:lastClose], true
}

// Wrap encloses value in field tags so that Pattern(Wrap(v, f), f) == v.
func Wrap(value, field string) string {
	field = strings.TrimSpace(field)
	return fmt.Sprintf("<%s>%s</%s>", field, value, field)
}
