package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) string { return "" }

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 15, cfg.Runner.MaxRounds)
	assert.Equal(t, 3, cfg.Runner.MaxConsecutiveFailures)
	assert.Equal(t, 1, cfg.Batch.Concurrency)
	assert.Equal(t, 6, cfg.Tools.LoopWindow)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roleplay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
assistant:
  provider: vllm
  model: Qwen/Qwen2.5-VL-7B-Instruct
  base_url: http://localhost:8000/v1
  temperature: 0
runner:
  max_rounds: 8
  round_timeout: 90s
batch:
  concurrency: 4
tools:
  code_execution: true
  loop_window: 4
  output_chars:
    execute_code: 2000
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "vllm", cfg.Assistant.Provider)
	assert.True(t, cfg.Assistant.OpenAICompatible())
	require.NotNil(t, cfg.Assistant.Temperature)
	assert.Equal(t, 0.0, *cfg.Assistant.Temperature)
	assert.Equal(t, 8, cfg.Runner.MaxRounds)
	assert.Equal(t, 90*time.Second, cfg.Runner.RoundTimeout)
	assert.Equal(t, 3, cfg.Runner.MaxConsecutiveFailures, "unset fields keep defaults")
	assert.Equal(t, "answer", cfg.Runner.AnswerField)
	assert.Equal(t, 4, cfg.Batch.Concurrency)
	assert.True(t, cfg.Tools.CodeExecution)
	assert.Equal(t, 4, cfg.Tools.LoopWindow)
	assert.Equal(t, map[string]int{"execute_code": 2000}, cfg.Tools.OutputChars)
	assert.Equal(t, "openai", cfg.User.Provider)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("runner: [1, 2"), 0o644))
	_, err = Load(path)
	assert.ErrorContains(t, err, "failed to parse config file")

	path = filepath.Join(t.TempDir(), "invalid.yaml")
	require.NoError(t, os.WriteFile(path, []byte("runner:\n  max_rounds: -1\n"), 0o644))
	_, err = Load(path)
	assert.ErrorContains(t, err, "runner.max_rounds must be positive")
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"ROLEPLAY_PROVIDER":        "anthropic",
		"ROLEPLAY_ASSISTANT_MODEL": "claude-sonnet-4-5",
		"ROLEPLAY_MAX_ROUNDS":      "5",
		"ROLEPLAY_CONCURRENCY":     "3",
		"ROLEPLAY_LOG_LEVEL":       "debug",
		"ANTHROPIC_API_KEY":        "sk-ant",
	}))
	require.NoError(t, err)

	assert.Equal(t, "anthropic", cfg.User.Provider)
	assert.Equal(t, "anthropic", cfg.Assistant.Provider)
	assert.Equal(t, "gpt-4o", cfg.User.Model)
	assert.Equal(t, "claude-sonnet-4-5", cfg.Assistant.Model)
	assert.Equal(t, 5, cfg.Runner.MaxRounds)
	assert.Equal(t, 3, cfg.Batch.Concurrency)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "sk-ant", cfg.User.APIKey)
	assert.Equal(t, "sk-ant", cfg.Assistant.APIKey)
}

func TestApplyEnvKeepsExplicitKey(t *testing.T) {
	cfg := Default()
	cfg.User.APIKey = "from-file"
	require.NoError(t, cfg.ApplyEnv(envMap(map[string]string{"OPENAI_API_KEY": "from-env"})))
	assert.Equal(t, "from-file", cfg.User.APIKey)
	assert.Equal(t, "from-env", cfg.Assistant.APIKey)
}

func TestApplyEnvBadNumber(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{"ROLEPLAY_MAX_ROUNDS": "many"}))
	assert.ErrorContains(t, err, "ROLEPLAY_MAX_ROUNDS")
	require.NoError(t, Default().ApplyEnv(noEnv))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no provider", func(c *Config) { c.User.Provider = "" }, "user.provider is required"},
		{"vllm without url", func(c *Config) { c.Assistant.Provider = "vllm" }, "assistant.base_url is required"},
		{"zero failures", func(c *Config) { c.Runner.MaxConsecutiveFailures = 0 }, "max_consecutive_failures"},
		{"bad answer field", func(c *Config) { c.Runner.AnswerField = "<x>" }, "answer_field"},
		{"negative timeout", func(c *Config) { c.Runner.RoundTimeout = -time.Second }, "durations"},
		{"zero concurrency", func(c *Config) { c.Batch.Concurrency = 0 }, "batch.concurrency"},
		{"negative rate", func(c *Config) { c.RateLimit.RequestsPerSecond = -1 }, "rate_limit"},
		{"negative loop window", func(c *Config) { c.Tools.LoopWindow = -1 }, "tools.loop_window"},
		{"zero output cap", func(c *Config) { c.Tools.OutputLines = map[string]int{"execute_code": 0} }, "tools.output_lines.execute_code"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestOpenAICompatible(t *testing.T) {
	assert.True(t, ModelConfig{Provider: "openai"}.OpenAICompatible())
	assert.True(t, ModelConfig{Provider: "together", BaseURL: "https://api.example.com/v1"}.OpenAICompatible())
	assert.False(t, ModelConfig{Provider: "anthropic"}.OpenAICompatible())
}
