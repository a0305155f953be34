// Package config loads roleplay settings from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete roleplay configuration.
type Config struct {
	User      ModelConfig     `yaml:"user"`
	Assistant ModelConfig     `yaml:"assistant"`
	Runner    RunnerConfig    `yaml:"runner"`
	Batch     BatchConfig     `yaml:"batch"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Tools     ToolsConfig     `yaml:"tools"`
	Store     StoreConfig     `yaml:"store"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ModelConfig selects the model behind one agent. Providers with a
// BaseURL, and the "vllm" provider, are served over the OpenAI-compatible
// API; the rest go through gollm.
type ModelConfig struct {
	Provider    string   `yaml:"provider"`
	Model       string   `yaml:"model"`
	APIKey      string   `yaml:"api_key"`
	BaseURL     string   `yaml:"base_url"`
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
	// Retries is the number of in-call retries before a round fails.
	Retries int `yaml:"retries"`
}

// OpenAICompatible reports whether the model is reached through the
// OpenAI chat completions API.
func (m ModelConfig) OpenAICompatible() bool {
	return m.BaseURL != "" || m.Provider == "openai" || m.Provider == "vllm"
}

type RunnerConfig struct {
	MaxRounds              int           `yaml:"max_rounds"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	RoundTimeout           time.Duration `yaml:"round_timeout"`
	AnswerField            string        `yaml:"answer_field"`
	MaxToolCalls           int           `yaml:"max_tool_calls"`
	BackoffBase            time.Duration `yaml:"backoff_base"`
	BackoffMax             time.Duration `yaml:"backoff_max"`
}

type BatchConfig struct {
	Concurrency int `yaml:"concurrency"`
	// Attempts is how many times each task is run.
	Attempts int `yaml:"attempts"`
}

// RateLimitConfig bounds agent requests across all runs. Zero requests
// per second disables the limit.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type ToolsConfig struct {
	CodeExecution bool          `yaml:"code_execution"`
	WorkDir       string        `yaml:"work_dir"`
	Timeout       time.Duration `yaml:"timeout"`
	ParallelCalls bool          `yaml:"parallel_calls"`
	// LoopWindow is how many recent tool calls are checked for a repeating
	// pattern. Zero disables the check.
	LoopWindow int `yaml:"loop_window"`
	// OutputChars and OutputLines cap tool output per tool name before the
	// model sees it.
	OutputChars map[string]int `yaml:"output_chars"`
	OutputLines map[string]int `yaml:"output_lines"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		User:      ModelConfig{Provider: "openai", Model: "gpt-4o", Retries: 2},
		Assistant: ModelConfig{Provider: "openai", Model: "gpt-4o", Retries: 2},
		Runner: RunnerConfig{
			MaxRounds:              15,
			MaxConsecutiveFailures: 3,
			AnswerField:            "answer",
			MaxToolCalls:           15,
			BackoffBase:            time.Second,
			BackoffMax:             30 * time.Second,
		},
		Batch:   BatchConfig{Concurrency: 1, Attempts: 1},
		Tools:   ToolsConfig{Timeout: 30 * time.Second, LoopWindow: 6},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// apiKeyEnv names the variable each provider's key is read from when the
// file sets none.
var apiKeyEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"groq":      "GROQ_API_KEY",
	"mistral":   "MISTRAL_API_KEY",
	"deepseek":  "DEEPSEEK_API_KEY",
	"google":    "GEMINI_API_KEY",
	"vllm":      "VLLM_API_KEY",
}

// ApplyEnv applies ROLEPLAY_* overrides and fills missing API keys from
// the providers' usual variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v := getenv(name)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = n
		return nil
	}

	for _, m := range []*ModelConfig{&c.User, &c.Assistant} {
		str("ROLEPLAY_PROVIDER", &m.Provider)
		str("ROLEPLAY_MODEL", &m.Model)
		str("ROLEPLAY_BASE_URL", &m.BaseURL)
	}
	str("ROLEPLAY_USER_MODEL", &c.User.Model)
	str("ROLEPLAY_ASSISTANT_MODEL", &c.Assistant.Model)
	str("ROLEPLAY_STORE", &c.Store.Path)
	str("ROLEPLAY_LOG_LEVEL", &c.Logging.Level)
	if err := errors.Join(
		num("ROLEPLAY_MAX_ROUNDS", &c.Runner.MaxRounds),
		num("ROLEPLAY_CONCURRENCY", &c.Batch.Concurrency),
	); err != nil {
		return err
	}

	for _, m := range []*ModelConfig{&c.User, &c.Assistant} {
		if m.APIKey == "" {
			if name, ok := apiKeyEnv[m.Provider]; ok {
				m.APIKey = getenv(name)
			}
		}
	}
	return nil
}

var fieldName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*$`)

// Validate checks the configuration for values the runner cannot use.
func (c *Config) Validate() error {
	var errs []error
	for name, m := range map[string]ModelConfig{"user": c.User, "assistant": c.Assistant} {
		if m.Provider == "" {
			errs = append(errs, fmt.Errorf("%s.provider is required", name))
		}
		if m.Provider == "vllm" && m.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s.base_url is required for vllm", name))
		}
		if m.MaxTokens < 0 || m.Retries < 0 {
			errs = append(errs, fmt.Errorf("%s: max_tokens and retries must not be negative", name))
		}
	}
	if c.Runner.MaxRounds <= 0 {
		errs = append(errs, errors.New("runner.max_rounds must be positive"))
	}
	if c.Runner.MaxConsecutiveFailures <= 0 {
		errs = append(errs, errors.New("runner.max_consecutive_failures must be positive"))
	}
	if !fieldName.MatchString(c.Runner.AnswerField) {
		errs = append(errs, fmt.Errorf("runner.answer_field %q is not a valid tag name", c.Runner.AnswerField))
	}
	if c.Runner.RoundTimeout < 0 || c.Runner.BackoffBase < 0 || c.Runner.BackoffMax < 0 {
		errs = append(errs, errors.New("runner durations must not be negative"))
	}
	if c.Batch.Concurrency <= 0 {
		errs = append(errs, errors.New("batch.concurrency must be positive"))
	}
	if c.Batch.Attempts <= 0 {
		errs = append(errs, errors.New("batch.attempts must be positive"))
	}
	if c.Tools.LoopWindow < 0 {
		errs = append(errs, errors.New("tools.loop_window must not be negative"))
	}
	for name, n := range c.Tools.OutputChars {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("tools.output_chars.%s must be positive", name))
		}
	}
	for name, n := range c.Tools.OutputLines {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("tools.output_lines.%s must be positive", name))
		}
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit values must not be negative"))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q must be debug, info, warn or error", c.Logging.Level))
	}
	return errors.Join(errs...)
}
