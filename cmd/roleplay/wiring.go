package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/martinemde/roleplay/config"
	"github.com/martinemde/roleplay/llm"
	"github.com/martinemde/roleplay/runner"
	"github.com/martinemde/roleplay/society"
	"github.com/martinemde/roleplay/toolkit"
)

// newAdapter picks the provider adapter for m.
func newAdapter(m config.ModelConfig) (llm.ProviderAdapter, error) {
	if m.OpenAICompatible() {
		return llm.NewOpenAIAdapter(llm.OpenAIConfig{
			Name:    m.Provider,
			APIKey:  m.APIKey,
			BaseURL: m.BaseURL,
			Model:   m.Model,
		}), nil
	}
	opts := []llm.GollmOption{llm.WithModel(m.Model)}
	if m.APIKey != "" {
		opts = append(opts, llm.WithAPIKey(m.APIKey))
	}
	if m.MaxTokens > 0 {
		opts = append(opts, llm.WithMaxTokens(m.MaxTokens))
	}
	if m.Temperature != nil {
		opts = append(opts, llm.WithTemperature(*m.Temperature))
	}
	adapter, err := llm.NewGollmAdapter(m.Provider, opts...)
	if err != nil {
		return nil, err
	}
	return adapter, nil
}

// logCalls logs every model call at debug level.
func logCalls(logger *slog.Logger) llm.Middleware {
	return func(ctx context.Context, req llm.Request, next func(context.Context, llm.Request) (*llm.Response, error)) (*llm.Response, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		attrs := []any{"provider", req.Provider, "model", req.Model, "messages", len(req.Messages), "duration", time.Since(start)}
		if err != nil {
			logger.Debug("model call failed", append(attrs, "error", err)...)
			return nil, err
		}
		logger.Debug("model call", append(attrs, "total_tokens", resp.Usage.TotalTokens, "finish", resp.FinishReason)...)
		return resp, nil
	}
}

// newAgent builds the agent for one role. The returned client must be
// closed by the caller.
func newAgent(role string, m config.ModelConfig, logger *slog.Logger) (*society.ModelAgent, *llm.Client, error) {
	adapter, err := newAdapter(m)
	if err != nil {
		return nil, nil, fmt.Errorf("%s agent: %w", role, err)
	}
	client := llm.NewClient(
		llm.WithProvider(m.Provider, adapter),
		llm.WithMiddleware(logCalls(logger.With("agent", role))),
	)

	opts := []society.ModelAgentOption{society.WithAgentProvider(m.Provider)}
	if m.Temperature != nil {
		opts = append(opts, society.WithAgentTemperature(*m.Temperature))
	}
	if maxTokens := outputBudget(m); maxTokens > 0 {
		if maxTokens < m.MaxTokens {
			logger.Warn("max_tokens exceeds the model's context window", "agent", role, "model", m.Model, "max_tokens", m.MaxTokens, "capped", maxTokens)
		}
		opts = append(opts, society.WithAgentMaxTokens(maxTokens))
	}
	if m.Retries > 0 {
		policy := llm.DefaultRetryPolicy()
		policy.MaxRetries = m.Retries
		policy.OnRetry = func(err error, attempt int, delay time.Duration) {
			logger.Warn("retrying model call", "agent", role, "attempt", attempt, "delay", delay, "error", err)
		}
		opts = append(opts, society.WithAgentRetry(policy))
	}
	return society.NewModelAgent(client, m.Model, opts...), client, nil
}

// outputBudget returns the configured max_tokens capped at the model's
// context window. Zero leaves the provider default.
func outputBudget(m config.ModelConfig) int {
	if m.MaxTokens <= 0 {
		return 0
	}
	return min(m.MaxTokens, llm.ContextWindow(m.Model))
}

// agentPair is the two configured agents of every society built by a
// command.
type agentPair struct {
	user, assistant society.AgentConfig
	clients         []*llm.Client
}

func (p *agentPair) Close() {
	for _, c := range p.clients {
		c.Close()
	}
}

func newAgentPair(cfg *config.Config, logger *slog.Logger) (*agentPair, error) {
	user, userClient, err := newAgent("user", cfg.User, logger)
	if err != nil {
		return nil, err
	}
	assistant, assistantClient, err := newAgent("assistant", cfg.Assistant, logger)
	if err != nil {
		userClient.Close()
		return nil, err
	}
	pair := &agentPair{
		user:      society.AgentConfig{Agent: user},
		assistant: society.AgentConfig{Agent: assistant, Tools: newTools(cfg.Tools)},
		clients:   []*llm.Client{userClient, assistantClient},
	}
	return pair, nil
}

// newTools returns the assistant's tool registry, or nil when no tools are
// enabled.
func newTools(tc config.ToolsConfig) *toolkit.Registry {
	if !tc.CodeExecution {
		return nil
	}
	exec := toolkit.NewCodeExecution(tc.WorkDir)
	if tc.Timeout > 0 {
		exec.DefaultTimeout = tc.Timeout
	}
	reg := toolkit.NewRegistry()
	exec.Register(reg)
	return reg
}

func societyOptions(cfg *config.Config, events *society.EventEmitter) []society.Option {
	opts := []society.Option{
		society.WithMaxToolCalls(cfg.Runner.MaxToolCalls),
		society.WithAnswerField(cfg.Runner.AnswerField),
		society.WithParallelTools(cfg.Tools.ParallelCalls),
		society.WithLoopDetection(cfg.Tools.LoopWindow),
	}
	if len(cfg.Tools.OutputChars) > 0 || len(cfg.Tools.OutputLines) > 0 {
		opts = append(opts, society.WithToolLimits(toolkit.Limits{
			Chars: cfg.Tools.OutputChars,
			Lines: cfg.Tools.OutputLines,
		}))
	}
	if events != nil {
		opts = append(opts, society.WithEvents(events))
	}
	return opts
}

// newLimiter returns nil when rate limiting is disabled.
func newLimiter(rl config.RateLimitConfig) runner.Limiter {
	if rl.RequestsPerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), max(rl.Burst, 1))
}

func runnerConfig(cfg *config.Config, logger *slog.Logger, limiter runner.Limiter) runner.Config {
	return runner.Config{
		MaxRounds:              cfg.Runner.MaxRounds,
		MaxConsecutiveFailures: cfg.Runner.MaxConsecutiveFailures,
		RoundTimeout:           cfg.Runner.RoundTimeout,
		AnswerField:            cfg.Runner.AnswerField,
		Backoff: llm.RetryPolicy{
			BaseDelay:         cfg.Runner.BackoffBase.Seconds(),
			MaxDelay:          cfg.Runner.BackoffMax.Seconds(),
			BackoffMultiplier: 2,
			Jitter:            true,
		},
		Limiter: limiter,
		Logger:  logger,
	}
}
