package main

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/martinemde/roleplay/gaia"
	"github.com/martinemde/roleplay/llm"
	"github.com/martinemde/roleplay/runner"
	"github.com/martinemde/roleplay/society"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(12)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("76"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	userStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	assistStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("76"))
	answerBox   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("76")).Padding(0, 1)
)

func reasonStyle(r society.Reason) lipgloss.Style {
	switch r {
	case society.ReasonTaskCompleted, society.ReasonAgentStop:
		return okStyle
	case society.ReasonMaxRounds, society.ReasonExtractionFailed:
		return dimStyle
	default:
		return failStyle
	}
}

func field(label, value string) string {
	return labelStyle.Render(label) + value
}

func renderResult(w io.Writer, res *runner.Result, runErr error) {
	lines := []string{
		titleStyle.Render("Result"),
		field("reason", reasonStyle(res.Termination.Reason).Render(string(res.Termination.Reason))),
		field("rounds", fmt.Sprint(res.Termination.Rounds)),
		field("tokens", fmt.Sprintf("%d (%d in, %d out)", res.Usage.TotalTokens, res.Usage.InputTokens, res.Usage.OutputTokens)),
		field("duration", res.Duration.Round(time.Millisecond).String()),
	}
	if res.Failures > 0 {
		lines = append(lines, field("failures", fmt.Sprint(res.Failures)))
	}
	if runErr != nil {
		lines = append(lines, field("error", failStyle.Render(runErr.Error())))
	}
	fmt.Fprintln(w, strings.Join(lines, "\n"))
	if res.Answer != "" {
		fmt.Fprintln(w, answerBox.Render(res.Answer))
	}
}

func renderTrace(w io.Writer, trace []society.Message) {
	for _, m := range trace {
		style := userStyle
		if m.Role == llm.RoleAssistant {
			style = assistStyle
		}
		fmt.Fprintf(w, "%s %s\n", style.Render(fmt.Sprintf("[%d %s]", m.Seq, m.Role)), m.Content)
		for _, ex := range m.ToolExchanges() {
			status := okStyle.Render("ok")
			if ex.Result.IsError {
				status = failStyle.Render("error")
			}
			fmt.Fprintf(w, "  %s %s %s\n", dimStyle.Render("tool"), ex.Call.Name, status)
		}
	}
	fmt.Fprintln(w)
}

func renderBatch(w io.Writer, sum batchSummary) {
	fmt.Fprintln(w, titleStyle.Render("GAIA"))
	for _, r := range sum.rows {
		mark := dimStyle.Render("·")
		if r.graded && r.correct {
			mark = okStyle.Render("✓")
		} else if r.graded {
			mark = failStyle.Render("✗")
		}
		reason := ""
		if r.result != nil {
			reason = reasonStyle(r.result.Termination.Reason).Render(string(r.result.Termination.Reason))
		}
		line := fmt.Sprintf("%s %s %s %q", mark, r.taskID, reason, r.answer)
		if r.graded && !r.correct {
			line += dimStyle.Render(fmt.Sprintf(" want %q", r.truth))
		}
		fmt.Fprintln(w, line)
	}

	lines := []string{
		field("tasks", fmt.Sprint(sum.tasks)),
		field("attempts", fmt.Sprint(sum.attempts)),
	}
	if sum.graded > 0 {
		lines = append(lines, field("accuracy", fmt.Sprintf("%d/%d (%.1f%%)", sum.correct, sum.graded, 100*float64(sum.correct)/float64(sum.graded))))
		levels := make([]gaia.Level, 0, len(sum.byLevel))
		for lv := range sum.byLevel {
			levels = append(levels, lv)
		}
		slices.Sort(levels)
		for _, lv := range levels {
			c := sum.byLevel[lv]
			lines = append(lines, field(fmt.Sprintf("level %d", lv), fmt.Sprintf("%d/%d", c[0], c[1])))
		}
	}
	if sum.errors > 0 {
		lines = append(lines, field("errors", failStyle.Render(fmt.Sprint(sum.errors))))
	}
	if sum.suspect > 0 {
		lines = append(lines, field("suspect", fmt.Sprint(sum.suspect)))
	}
	if len(sum.unresolved) > 0 {
		lines = append(lines, field("no consensus", strings.Join(sum.unresolved, ", ")))
	}
	fmt.Fprintln(w, strings.Join(lines, "\n"))
}
