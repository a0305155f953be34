package toolkit

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// TruncationMode selects which part of an oversized output is kept.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// Limits bounds how much tool output is fed back to the model. Zero values
// fall back to the package defaults.
type Limits struct {
	Chars map[string]int
	Lines map[string]int
	Modes map[string]TruncationMode
}

const (
	defaultCharLimit = 30000
)

// Default per-tool limits.
var (
	DefaultCharLimits = map[string]int{
		ExecuteCodeTool: 30000,
	}
	DefaultLineLimits = map[string]int{
		ExecuteCodeTool: 256,
	}
	DefaultTruncationModes = map[string]TruncationMode{
		ExecuteCodeTool: TruncateHeadTail,
	}
)

// TruncateOutput trims output to at most maxChars bytes, leaving a marker
// that says how much was dropped. Cuts fall on rune boundaries.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}
	if mode == TruncateTail {
		tail := runeStartFrom(output, len(output)-maxChars)
		return fmt.Sprintf("[WARNING: Tool output was truncated. First %d characters were removed.]\n\n", tail) +
			output[tail:]
	}
	head := runeStartBefore(output, maxChars/2)
	tail := runeStartFrom(output, len(output)-(maxChars-maxChars/2))
	return output[:head] +
		fmt.Sprintf("\n\n[WARNING: Tool output was truncated. %d characters were removed from the middle. "+
			"Re-run the tool with more targeted parameters to see specific parts.]\n\n", tail-head) +
		output[tail:]
}

// runeStartBefore moves i back to the nearest rune boundary at or before it.
func runeStartBefore(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// runeStartFrom moves i forward to the nearest rune boundary at or after it.
func runeStartFrom(s string, i int) int {
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}

// TruncateLines keeps the first and last lines of output up to maxLines.
func TruncateLines(output string, maxLines int) string {
	if maxLines <= 0 {
		return output
	}
	lines := strings.Split(output, "\n")
	if len(lines) <= maxLines {
		return output
	}
	head := maxLines / 2
	tail := maxLines - head
	omitted := len(lines) - head - tail
	return strings.Join(lines[:head], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tail:], "\n")
}

// Truncate applies character truncation and then line truncation for the
// named tool.
func (l Limits) Truncate(tool, output string) string {
	maxChars, ok := l.Chars[tool]
	if !ok {
		if maxChars, ok = DefaultCharLimits[tool]; !ok {
			maxChars = defaultCharLimit
		}
	}
	mode, ok := l.Modes[tool]
	if !ok {
		if mode, ok = DefaultTruncationModes[tool]; !ok {
			mode = TruncateHeadTail
		}
	}
	result := TruncateOutput(output, maxChars, mode)

	maxLines, ok := l.Lines[tool]
	if !ok {
		maxLines = DefaultLineLimits[tool]
	}
	return TruncateLines(result, maxLines)
}
