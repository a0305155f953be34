package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/martinemde/roleplay/llm"
	"github.com/martinemde/roleplay/society"
)

// exportOpener is the user turn placed before the kickoff in exported
// conversations.
const exportOpener = "We share a common interest in collaborating to successfully complete a task."

// ChatMessage is one turn of an exported conversation.
type ChatMessage struct {
	Role    llm.Role `json:"role"`
	Content string   `json:"content"`
}

// Example is a run rendered as a chat conversation for fine-tuning.
type Example struct {
	TaskID   string        `json:"task_id"`
	RunID    string        `json:"run_id"`
	Answer   string        `json:"answer"`
	Messages []ChatMessage `json:"messages"`
}

// Messages rebuilds the run as the assistant saw it: its system prompt,
// the opening exchange, then each instruction and solution in order.
func (r *Run) Messages() []ChatMessage {
	msgs := make([]ChatMessage, 0, 3+len(r.Trace))
	if r.Prompt != "" {
		msgs = append(msgs, ChatMessage{Role: llm.RoleSystem, Content: r.Prompt})
	}
	msgs = append(msgs,
		ChatMessage{Role: llm.RoleUser, Content: exportOpener},
		ChatMessage{Role: llm.RoleAssistant, Content: society.KickoffMessage})
	for _, m := range r.Trace {
		switch m.Role {
		case llm.RoleUser, llm.RoleAssistant:
			msgs = append(msgs, ChatMessage{Role: m.Role, Content: m.Content})
		}
	}
	return msgs
}

// Export writes every run graded correct to w, one JSON Example per line,
// and returns how many were written.
func (s *Store) Export(ctx context.Context, w io.Writer) (int, error) {
	runs, err := s.Correct(ctx)
	if err != nil {
		return 0, fmt.Errorf("export: %w", err)
	}
	enc := json.NewEncoder(w)
	for i, r := range runs {
		ex := Example{TaskID: r.TaskID, RunID: r.RunID, Answer: r.Answer, Messages: r.Messages()}
		if err := enc.Encode(ex); err != nil {
			return i, fmt.Errorf("export %s: %w", r.RunID, err)
		}
	}
	return len(runs), nil
}
