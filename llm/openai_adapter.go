package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
)

// OpenAIAdapter implements ProviderAdapter with the OpenAI chat completions
// API. Pointing BaseURL at a vLLM or other OpenAI-compatible server is how
// self-hosted models are wired in.
type OpenAIAdapter struct {
	name   string
	model  string
	client openai.Client
}

// OpenAIConfig configures an OpenAIAdapter.
type OpenAIConfig struct {
	Name    string // provider name used for routing; defaults to "openai"
	APIKey  string
	BaseURL string
	Model   string
}

// NewOpenAIAdapter creates an adapter. SDK-level retries are disabled; the
// runner decides when to retry.
func NewOpenAIAdapter(cfg OpenAIConfig, opts ...option.RequestOption) *OpenAIAdapter {
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	reqOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	reqOpts = append(reqOpts, opts...)
	return &OpenAIAdapter{
		name:   name,
		model:  cfg.Model,
		client: openai.NewClient(reqOpts...),
	}
}

func (a *OpenAIAdapter) Name() string { return a.name }

// Complete sends one chat completion request.
func (a *OpenAIAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	if model == "" {
		return nil, &ConfigurationError{LLMError{Message: fmt.Sprintf("%s: no model configured", a.name)}}
	}

	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: toOpenAIMessages(req.Messages),
	}
	if req.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Temperature)
	}
	if req.MaxTokens != nil {
		params.MaxCompletionTokens = param.NewOpt(int64(*req.MaxTokens))
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: param.NewOpt(t.Description),
				Parameters:  openai.FunctionParameters(t.Parameters),
			},
		})
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, a.translateError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{LLMError: LLMError{Message: "response has no choices"}, Provider: a.name, Retryable: true}
	}

	choice := resp.Choices[0]
	var calls []ToolCall
	for _, tc := range choice.Message.ToolCalls {
		calls = append(calls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: RepairArguments(tc.Function.Arguments),
		})
	}
	msg := AssistantToolCallMessage(choice.Message.Content, calls)
	if len(msg.Parts) == 0 {
		msg = AssistantMessage("")
	}

	finish := string(choice.FinishReason)
	if len(calls) > 0 {
		finish = FinishToolCalls
	}
	return &Response{
		ID:           resp.ID,
		Model:        resp.Model,
		Provider:     a.name,
		Message:      msg,
		FinishReason: finish,
		Usage: Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}, nil
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(msg.Text()))
		case RoleUser:
			out = append(out, openai.UserMessage(msg.Text()))
		case RoleAssistant:
			mp := openai.AssistantMessage(msg.Text())
			for _, call := range msg.ToolCalls() {
				mp.OfAssistant.ToolCalls = append(mp.OfAssistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: call.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: string(call.Arguments),
					},
				})
			}
			out = append(out, mp)
		case RoleTool:
			if res, ok := msg.ToolResult(); ok {
				out = append(out, openai.ToolMessage(res.Content, res.ToolCallID))
			}
		}
	}
	return out
}

func (a *OpenAIAdapter) translateError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		var retryAfter *float64
		if apiErr.Response != nil {
			if v, perr := strconv.ParseFloat(apiErr.Response.Header.Get("Retry-After"), 64); perr == nil {
				retryAfter = &v
			}
		}
		msg := apiErr.Message
		if msg == "" {
			msg = err.Error()
		}
		return ErrorFromStatusCode(a.name, apiErr.StatusCode, msg, err, retryAfter)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &TimeoutError{LLMError{Message: "request timed out", Cause: err}}
		}
		return &NetworkError{LLMError{Message: "network failure", Cause: err}}
	}
	return &ProviderError{LLMError: LLMError{Message: err.Error(), Cause: err}, Provider: a.name, Retryable: true}
}
