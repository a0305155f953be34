package society

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/martinemde/roleplay/llm"
)

type reply struct {
	resp *llm.Response
	err  error
}

// scriptedAgent returns its replies in order, repeating the last one once
// the script runs out.
type scriptedAgent struct {
	mu        sync.Mutex
	replies   []reply
	next      int
	calls     [][]llm.Message
	toolsSeen [][]llm.ToolDefinition
}

func newScriptedAgent(replies ...reply) *scriptedAgent {
	return &scriptedAgent{replies: replies}
}

func (a *scriptedAgent) Send(ctx context.Context, conv []llm.Message) (*llm.Response, error) {
	return a.SendWithTools(ctx, conv, nil)
}

func (a *scriptedAgent) SendWithTools(ctx context.Context, conv []llm.Message, tools []llm.ToolDefinition) (*llm.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, append([]llm.Message(nil), conv...))
	a.toolsSeen = append(a.toolsSeen, tools)
	r := a.replies[min(a.next, len(a.replies)-1)]
	a.next++
	return r.resp, r.err
}

func (a *scriptedAgent) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func text(s string, tokens int) reply {
	return reply{resp: &llm.Response{
		Message: llm.AssistantMessage(s),
		Usage:   llm.Usage{InputTokens: tokens, OutputTokens: tokens, TotalTokens: 2 * tokens},
	}}
}

func toolCalls(tokens int, calls ...llm.ToolCall) reply {
	return reply{resp: &llm.Response{
		Message:      llm.AssistantToolCallMessage("", calls),
		FinishReason: llm.FinishToolCalls,
		Usage:        llm.Usage{TotalTokens: tokens},
	}}
}

func failure(err error) reply { return reply{err: err} }

func call(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

// mockAgent is a testify mock of Agent.
type mockAgent struct {
	mock.Mock
}

func (m *mockAgent) Send(ctx context.Context, conv []llm.Message) (*llm.Response, error) {
	args := m.Called(ctx, conv)
	resp, _ := args.Get(0).(*llm.Response)
	return resp, args.Error(1)
}
