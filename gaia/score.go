package gaia

import (
	"math"
	"strconv"
	"strings"
	"unicode"
)

// NormalizeNumber parses s as a number after dropping "$", "%" and ","
// characters and all whitespace. ok is false when s is not numeric.
func NormalizeNumber(s string) (float64, bool) {
	cleaned := strings.Map(func(r rune) rune {
		if r == '$' || r == '%' || r == ',' || unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	if cleaned == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// NormalizeAnswer lowercases s and removes whitespace and punctuation.
func NormalizeAnswer(s string) string {
	return normalize(s, true)
}

func normalize(s string, stripPunct bool) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		if stripPunct && unicode.IsPunct(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// SplitList splits a list answer on commas and semicolons and trims the
// elements.
func SplitList(s string) []string {
	var parts []string
	for {
		i := strings.IndexAny(s, ",;")
		if i < 0 {
			return append(parts, strings.TrimSpace(s))
		}
		parts = append(parts, strings.TrimSpace(s[:i]))
		s = s[i+1:]
	}
}

// Score reports whether answer matches truth under the GAIA rules. A
// numeric truth is compared numerically, a truth containing "," or ";" is
// compared element-wise as a list, and anything else is compared as a
// normalized string.
func Score(answer, truth string) bool {
	if t, err := strconv.ParseFloat(strings.TrimSpace(truth), 64); err == nil {
		a, ok := NormalizeNumber(answer)
		return ok && a == t
	}
	if strings.ContainsAny(truth, ",;") {
		gotList, wantList := SplitList(answer), SplitList(truth)
		if len(gotList) != len(wantList) {
			return false
		}
		for i, want := range wantList {
			if w, err := strconv.ParseFloat(want, 64); err == nil {
				g, ok := NormalizeNumber(gotList[i])
				if !ok || g != w {
					return false
				}
				continue
			}
			if normalize(gotList[i], false) != normalize(want, false) {
				return false
			}
		}
		return true
	}
	return NormalizeAnswer(answer) == NormalizeAnswer(truth)
}

// Consensus reports whether any answer occurs more than once across
// attempts. Empty answers count as the same answer.
func Consensus(answers []string) (string, bool) {
	counts := make(map[string]int, len(answers))
	best, bestCount := "", 0
	for _, a := range answers {
		counts[a]++
		if counts[a] > bestCount {
			best, bestCount = a, counts[a]
		}
	}
	return best, bestCount > 1
}

var failureMarkers = []string{"it seems", "connection"}

// LooksFailed reports whether an answer reads like an apology or a
// transport failure rather than a result.
func LooksFailed(answer string) bool {
	lower := strings.ToLower(answer)
	for _, m := range failureMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
