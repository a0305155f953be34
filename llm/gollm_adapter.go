package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"
	"github.com/teilomillet/gollm"
)

// GollmAdapter implements ProviderAdapter on top of a gollm.LLM.
//
// gollm has no native multi-turn message API, so the conversation is
// flattened into a single prompt with role prefixes. Tool calls come back as
// JSON embedded in the text and are parsed out here.
type GollmAdapter struct {
	provider    string
	model       string
	temperature float64
	maxTokens   int
	llm         gollm.LLM

	// gollm options are set on the shared instance. Requests that override
	// them hold the write lock; all others hold the read lock.
	mu sync.RWMutex
}

// GollmOption configures a GollmAdapter.
type GollmOption func(*gollmConfig)

type gollmConfig struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	extra       []gollm.ConfigOption
}

func WithAPIKey(key string) GollmOption     { return func(c *gollmConfig) { c.apiKey = key } }
func WithModel(model string) GollmOption    { return func(c *gollmConfig) { c.model = model } }
func WithMaxTokens(n int) GollmOption       { return func(c *gollmConfig) { c.maxTokens = n } }
func WithTemperature(t float64) GollmOption { return func(c *gollmConfig) { c.temperature = t } }
func WithGollmOptions(opts ...gollm.ConfigOption) GollmOption {
	return func(c *gollmConfig) { c.extra = append(c.extra, opts...) }
}

// NewGollmAdapter creates an adapter for provider. An empty API key lets
// gollm read the provider's usual environment variable.
func NewGollmAdapter(provider string, opts ...GollmOption) (*GollmAdapter, error) {
	cfg := &gollmConfig{maxTokens: 4096}
	for _, opt := range opts {
		opt(cfg)
	}
	model := cfg.model
	if model == "" {
		model = DefaultModel(provider)
	}
	if model == "" {
		return nil, &ConfigurationError{LLMError{Message: fmt.Sprintf("no model configured for provider %q", provider)}}
	}

	gopts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // the runner owns retries
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.apiKey != "" {
		gopts = append(gopts, gollm.SetAPIKey(cfg.apiKey))
	}
	gopts = append(gopts, cfg.extra...)

	l, err := gollm.NewLLM(gopts...)
	if err != nil {
		return nil, fmt.Errorf("create gollm LLM for provider %s: %w", provider, err)
	}
	return &GollmAdapter{
		provider:    provider,
		model:       model,
		temperature: cfg.temperature,
		maxTokens:   cfg.maxTokens,
		llm:         l,
	}, nil
}

// NewGollmAdapterFromLLM wraps an existing gollm.LLM.
func NewGollmAdapterFromLLM(provider, model string, l gollm.LLM) *GollmAdapter {
	return &GollmAdapter{provider: provider, model: model, llm: l}
}

func (a *GollmAdapter) Name() string { return a.provider }

// Complete flattens req into a gollm prompt and generates a response.
func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := a.buildPrompt(req)

	var (
		text string
		err  error
	)
	if a.overrides(req) {
		a.mu.Lock()
		a.applyOptions(req)
		text, err = a.llm.Generate(ctx, prompt)
		a.restoreOptions()
		a.mu.Unlock()
	} else {
		a.mu.RLock()
		text, err = a.llm.Generate(ctx, prompt)
		a.mu.RUnlock()
	}
	if err != nil {
		return nil, a.translateError(err)
	}
	return a.buildResponse(req, text), nil
}

func (a *GollmAdapter) overrides(req Request) bool {
	return (req.Model != "" && req.Model != a.model) ||
		(req.Temperature != nil && *req.Temperature != a.temperature) ||
		(req.MaxTokens != nil && *req.MaxTokens != a.maxTokens)
}

func (a *GollmAdapter) applyOptions(req Request) {
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

func (a *GollmAdapter) restoreOptions() {
	a.llm.SetOption("model", a.model)
	a.llm.SetOption("temperature", a.temperature)
	a.llm.SetOption("max_tokens", a.maxTokens)
}

// buildPrompt converts the conversation into one gollm prompt.
func (a *GollmAdapter) buildPrompt(req Request) *gollm.Prompt {
	var system []string
	var lines []string
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			system = append(system, msg.Text())
		case RoleUser:
			lines = append(lines, msg.Text())
		case RoleAssistant:
			if text := msg.Text(); text != "" {
				lines = append(lines, "[Assistant]: "+text)
			}
			for _, call := range msg.ToolCalls() {
				lines = append(lines, fmt.Sprintf("[Tool Call %s]: %s %s", call.ID, call.Name, string(call.Arguments)))
			}
		case RoleTool:
			if res, ok := msg.ToolResult(); ok {
				prefix := "[Tool Result]"
				if res.IsError {
					prefix = "[Tool Error]"
				}
				lines = append(lines, prefix+": "+res.Content)
			}
		}
	}

	text := strings.Join(lines, "\n")
	if text == "" {
		text = "Hello"
	}

	var opts []gollm.PromptOption
	if len(system) > 0 {
		opts = append(opts, gollm.WithSystemPrompt(strings.TrimSpace(strings.Join(system, "\n")), gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		opts = append(opts, gollm.WithMaxLength(*req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		tools := make([]gollm.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		opts = append(opts, gollm.WithTools(tools), gollm.WithToolChoice("auto"))
	}
	return gollm.NewPrompt(text, opts...)
}

func (a *GollmAdapter) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}

	calls, rest := parseToolCalls(text)
	msg := AssistantToolCallMessage(rest, calls)
	if len(msg.Parts) == 0 {
		msg = AssistantMessage(text)
	}
	finish := FinishStop
	if len(calls) > 0 {
		finish = FinishToolCalls
	}

	// gollm does not report usage; approximate at four characters a token.
	in := estimateTokens(req)
	out := len(text) / 4
	return &Response{
		ID:           "resp_" + uuid.NewString()[:8],
		Model:        model,
		Provider:     a.provider,
		Message:      msg,
		FinishReason: finish,
		Usage:        Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
	}
}

type rawToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// parseToolCalls finds a tool-call JSON block in text, either
// {"tool_calls": [...]} or a bare [{"name": ...}] array, and returns the
// calls plus the text that preceded the block. Malformed JSON is repaired
// before giving up.
func parseToolCalls(text string) ([]ToolCall, string) {
	start := strings.Index(text, `{"tool_calls"`)
	wrapped := start != -1
	if !wrapped {
		start = strings.Index(text, `[{"name"`)
	}
	if start == -1 {
		return nil, text
	}
	block := text[start:]

	var raw []rawToolCall
	if wrapped {
		var env struct {
			ToolCalls []rawToolCall `json:"tool_calls"`
		}
		if err := unmarshalRepaired(block, &env); err != nil {
			return nil, text
		}
		raw = env.ToolCalls
	} else if err := unmarshalRepaired(block, &raw); err != nil {
		return nil, text
	}

	calls := make([]ToolCall, 0, len(raw))
	for _, rc := range raw {
		if rc.Name == "" {
			continue
		}
		args := rc.Arguments
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		calls = append(calls, ToolCall{ID: "call_" + uuid.NewString()[:8], Name: rc.Name, Arguments: args})
	}
	if len(calls) == 0 {
		return nil, text
	}
	return calls, strings.TrimSpace(text[:start])
}

func unmarshalRepaired(s string, v any) error {
	// Decode only the first JSON value so trailing prose is ignored.
	err := json.NewDecoder(strings.NewReader(s)).Decode(v)
	if err == nil {
		return nil
	}
	var syntax *json.SyntaxError
	if !errors.As(err, &syntax) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return err
	}
	fixed, rerr := jsonrepair.JSONRepair(s)
	if rerr != nil {
		return err
	}
	return json.NewDecoder(strings.NewReader(fixed)).Decode(v)
}

// translateError classifies a gollm error by its message.
func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	status := 0
	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key"):
		status = 401
	case strings.Contains(lower, "403") || strings.Contains(lower, "forbidden"):
		status = 403
	case strings.Contains(lower, "404") || strings.Contains(lower, "not found"):
		status = 404
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		status = 429
	case strings.Contains(lower, "context length") || strings.Contains(lower, "too many tokens"):
		status = 413
	case strings.Contains(lower, "500") || strings.Contains(lower, "502") || strings.Contains(lower, "503") || strings.Contains(lower, "internal server"):
		status = 500
	case strings.Contains(lower, "timeout"):
		return &TimeoutError{LLMError{Message: msg, Cause: err}}
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "connection reset"):
		return &NetworkError{LLMError{Message: msg, Cause: err}}
	case strings.Contains(lower, "content filter") || strings.Contains(lower, "safety"):
		return &ContentFilterError{ProviderError{LLMError: LLMError{Message: msg, Cause: err}, Provider: a.provider}}
	}
	return ErrorFromStatusCode(a.provider, status, msg, err, nil)
}

func estimateTokens(req Request) int {
	total := 0
	for _, msg := range req.Messages {
		total += len(msg.Text()) / 4
	}
	if total == 0 {
		total = 10
	}
	return total
}
