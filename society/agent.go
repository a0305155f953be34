package society

import (
	"context"

	"github.com/martinemde/roleplay/llm"
)

// Agent produces the next reply for a conversation. A returned error is
// classified with llm.IsRetryable unless it already is a TransientAgentError
// or FatalAgentError.
type Agent interface {
	Send(ctx context.Context, conversation []llm.Message) (*llm.Response, error)
}

// ToolAgent is an Agent that can advertise tools to its model.
type ToolAgent interface {
	Agent
	SendWithTools(ctx context.Context, conversation []llm.Message, tools []llm.ToolDefinition) (*llm.Response, error)
}

// AgentFunc adapts a function to the Agent interface.
type AgentFunc func(ctx context.Context, conversation []llm.Message) (*llm.Response, error)

func (f AgentFunc) Send(ctx context.Context, conversation []llm.Message) (*llm.Response, error) {
	return f(ctx, conversation)
}

// Completer is the model client used by ModelAgent; *llm.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// ModelAgent is an Agent backed by a model client.
type ModelAgent struct {
	client      Completer
	model       string
	provider    string
	temperature *float64
	maxTokens   *int
	retry       *llm.RetryPolicy
}

// ModelAgentOption configures a ModelAgent.
type ModelAgentOption func(*ModelAgent)

// WithAgentProvider pins the provider the agent's requests are routed to.
func WithAgentProvider(name string) ModelAgentOption {
	return func(a *ModelAgent) { a.provider = name }
}

// WithAgentTemperature sets the sampling temperature.
func WithAgentTemperature(t float64) ModelAgentOption {
	return func(a *ModelAgent) { a.temperature = &t }
}

// WithAgentMaxTokens caps the tokens generated per call.
func WithAgentMaxTokens(n int) ModelAgentOption {
	return func(a *ModelAgent) { a.maxTokens = &n }
}

// WithAgentRetry retries failed calls inside Send before the error reaches
// the runner.
func WithAgentRetry(policy llm.RetryPolicy) ModelAgentOption {
	return func(a *ModelAgent) { a.retry = &policy }
}

// NewModelAgent creates an agent that calls model through client.
func NewModelAgent(client Completer, model string, opts ...ModelAgentOption) *ModelAgent {
	a := &ModelAgent{client: client, model: model}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Model returns the model name the agent requests.
func (a *ModelAgent) Model() string { return a.model }

func (a *ModelAgent) Send(ctx context.Context, conversation []llm.Message) (*llm.Response, error) {
	return a.SendWithTools(ctx, conversation, nil)
}

func (a *ModelAgent) SendWithTools(ctx context.Context, conversation []llm.Message, tools []llm.ToolDefinition) (*llm.Response, error) {
	req := llm.Request{
		Model:       a.model,
		Provider:    a.provider,
		Messages:    conversation,
		Tools:       tools,
		Temperature: a.temperature,
		MaxTokens:   a.maxTokens,
	}
	if a.retry == nil {
		return a.client.Complete(ctx, req)
	}
	return llm.Retry(ctx, *a.retry, func(ctx context.Context) (*llm.Response, error) {
		return a.client.Complete(ctx, req)
	})
}

var (
	_ ToolAgent = (*ModelAgent)(nil)
	_ Completer = (*llm.Client)(nil)
)
