package gaia

import (
	"fmt"
	"sort"
	"strings"

	"github.com/martinemde/roleplay/society"
)

const answerRules = `Report your final answer inside the answer tags. The final answer should be a number, ` +
	`as few words as possible, or a comma separated list of numbers and/or strings. ` +
	`Do not use commas or units such as $ or percent signs in numbers unless asked. ` +
	`Do not use articles or abbreviations in strings, and write digits in plain text unless asked otherwise.`

// Prompt renders the task statement given to both agents.
func Prompt(rec Record) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(rec.Question))
	if rec.FileName != "" {
		path := rec.FilePath
		if path == "" {
			path = rec.FileName
		}
		fmt.Fprintf(&b, "\n\nThe file needed for this task is available at: %s", path)
	}
	b.WriteString("\n\n")
	b.WriteString(answerRules)
	return b.String()
}

// TaskContext converts rec into a society task. Annotator metadata is
// flattened into string values.
func TaskContext(rec Record) society.TaskContext {
	task := society.TaskContext{
		Prompt: Prompt(rec),
		Metadata: map[string]string{
			"task_id": rec.TaskID,
			"level":   fmt.Sprint(int(rec.Level)),
		},
	}
	if rec.FileName != "" {
		task.Files = []society.FileRef{{Name: rec.FileName, Path: rec.FilePath}}
	}
	keys := make([]string, 0, len(rec.Annotator))
	for k := range rec.Annotator {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		task.Metadata["annotator."+k] = fmt.Sprint(rec.Annotator[k])
	}
	return task
}

// NewSociety builds a society for rec.
func NewSociety(rec Record, user, assistant society.AgentConfig, opts ...society.Option) (*society.Society, error) {
	if strings.TrimSpace(rec.Question) == "" {
		return nil, fmt.Errorf("task %s has no question", rec.TaskID)
	}
	if rec.TaskID != "" {
		opts = append([]society.Option{society.WithID(rec.TaskID)}, opts...)
	}
	return society.New(TaskContext(rec), user, assistant, opts...)
}
