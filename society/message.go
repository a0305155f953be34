package society

import (
	"time"

	"github.com/google/uuid"

	"github.com/martinemde/roleplay/llm"
	"github.com/martinemde/roleplay/toolkit"
)

// ToolExchange records one tool call made by the assistant and its result.
// The result holds the full tool output, before any truncation applied to
// what the model sees.
type ToolExchange struct {
	Call   llm.ToolCall   `json:"call"`
	Result llm.ToolResult `json:"result"`
}

// Payload is the structured part of a message.
type Payload struct {
	ToolExchanges []ToolExchange `json:"tool_exchanges,omitempty"`
}

// Message is one entry of the society's dialogue. Messages are values; the
// constructors copy their inputs and nothing in this module mutates a
// message after it is appended to a history.
type Message struct {
	ID        string    `json:"id"`
	Seq       int       `json:"seq"`
	Role      llm.Role  `json:"role"`
	Content   string    `json:"content"`
	Payload   *Payload  `json:"payload,omitempty"`
	Usage     llm.Usage `json:"usage"`
	CreatedAt time.Time `json:"created_at"`
}

func newMessage(seq int, role llm.Role, content string, exchanges []ToolExchange, usage llm.Usage) Message {
	msg := Message{
		ID:        uuid.NewString(),
		Seq:       seq,
		Role:      role,
		Content:   content,
		Usage:     usage,
		CreatedAt: time.Now(),
	}
	if len(exchanges) > 0 {
		msg.Payload = &Payload{ToolExchanges: append([]ToolExchange(nil), exchanges...)}
	}
	return msg
}

// ToolExchanges returns a copy of the message's tool exchanges.
func (m Message) ToolExchanges() []ToolExchange {
	if m.Payload == nil {
		return nil
	}
	return append([]ToolExchange(nil), m.Payload.ToolExchanges...)
}

// HasToolErrors reports whether any tool call in the message failed.
func (m Message) HasToolErrors() bool {
	if m.Payload == nil {
		return false
	}
	for _, ex := range m.Payload.ToolExchanges {
		if ex.Result.IsError {
			return true
		}
	}
	return false
}

// HasBinaryToolOutput reports whether any tool result in the message looks
// like raw binary data rather than text.
func (m Message) HasBinaryToolOutput() bool {
	if m.Payload == nil {
		return false
	}
	for _, ex := range m.Payload.ToolExchanges {
		if toolkit.IsBinaryLike(ex.Result.Content) {
			return true
		}
	}
	return false
}

// Round is the pair of messages produced by one Step.
type Round struct {
	Index     int
	User      Message
	Assistant Message
	// Usage is the tokens consumed by the step's agent calls. It is set
	// even when Step fails part way through.
	Usage llm.Usage
}
