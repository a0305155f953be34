package toolkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/martinemde/roleplay/llm"
)

// ExecuteCodeTool is the name the code-execution tool is registered under.
const ExecuteCodeTool = "execute_code"

// ExecResult is the outcome of one subprocess run.
type ExecResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"duration"`
}

// Output returns stdout and stderr joined by a newline.
func (r ExecResult) Output() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}

// CodeExecution runs code snippets in a local subprocess. Each run gets its
// own process group so that a timeout kills every child as well.
type CodeExecution struct {
	WorkDir        string
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	// Interpreters maps a language name to the command that runs a source
	// file, e.g. "python" -> ["python3"].
	Interpreters map[string][]string
	// Env is added to the filtered parent environment.
	Env map[string]string
}

// NewCodeExecution returns a CodeExecution with python and bash
// interpreters and a 30 second default timeout.
func NewCodeExecution(workDir string) *CodeExecution {
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &CodeExecution{
		WorkDir:        workDir,
		DefaultTimeout: 30 * time.Second,
		MaxTimeout:     10 * time.Minute,
		Interpreters: map[string][]string{
			"python": {"python3"},
			"bash":   {"/bin/bash"},
			"sh":     {"/bin/sh"},
		},
	}
}

var fileExtensions = map[string]string{
	"python": ".py",
	"bash":   ".sh",
	"sh":     ".sh",
}

// Register adds the execute_code tool to reg.
func (c *CodeExecution) Register(reg *Registry) {
	langs := make([]string, 0, len(c.Interpreters))
	for lang := range c.Interpreters {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	reg.Register(Tool{
		Definition: codeToolDefinition(langs),
		Executor:   c.execute,
	})
}

func (c *CodeExecution) execute(ctx context.Context, raw json.RawMessage) (string, error) {
	args, err := ParseArguments(raw)
	if err != nil {
		return "", err
	}
	code, ok := StringArg(args, "code")
	if !ok || strings.TrimSpace(code) == "" {
		return "", errors.New("code is required")
	}
	lang, _ := StringArg(args, "language")
	if lang == "" {
		lang = "python"
	}
	timeout := c.DefaultTimeout
	if ms, ok := IntArg(args, "timeout_ms"); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	if c.MaxTimeout > 0 && timeout > c.MaxTimeout {
		timeout = c.MaxTimeout
	}

	res, err := c.Run(ctx, lang, code, timeout)
	if err != nil {
		return "", err
	}
	out := res.Output()
	if res.TimedOut {
		return out, fmt.Errorf("execution timed out after %s", timeout)
	}
	if res.ExitCode != 0 {
		out += fmt.Sprintf("\n(exit code %d)", res.ExitCode)
	}
	if strings.TrimSpace(out) == "" {
		out = "(no output)"
	}
	return out, nil
}

// Run writes code to a temporary file in WorkDir and runs it with the
// language's interpreter. A non-zero exit is reported in the result, not as
// an error.
func (c *CodeExecution) Run(ctx context.Context, lang, code string, timeout time.Duration) (*ExecResult, error) {
	interp, ok := c.Interpreters[strings.ToLower(lang)]
	if !ok || len(interp) == 0 {
		return nil, fmt.Errorf("unsupported language %q", lang)
	}
	if err := os.MkdirAll(c.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	f, err := os.CreateTemp(c.WorkDir, "snippet-*"+fileExtensions[strings.ToLower(lang)])
	if err != nil {
		return nil, fmt.Errorf("create snippet file: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(code); err != nil {
		f.Close()
		return nil, fmt.Errorf("write snippet file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("write snippet file: %w", err)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	argv := append(append([]string{}, interp[1:]...), filepath.Base(f.Name()))
	cmd := exec.CommandContext(ctx, interp[0], argv...)
	cmd.Dir = c.WorkDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	env := filterEnvironment()
	for k, v := range c.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	res := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			res.TimedOut = true
			res.ExitCode = -1
		case errors.As(err, &exitErr):
			res.ExitCode = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("run %s: %w", lang, err)
		}
	}
	return res, nil
}

func codeToolDefinition(langs []string) llm.ToolDefinition {
	return llm.ToolDefinition{
		Name: ExecuteCodeTool,
		Description: "Execute a code snippet in a local subprocess and return its stdout and stderr. " +
			"Use print statements to surface results.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "The source code to execute.",
				},
				"language": map[string]any{
					"type":        "string",
					"enum":        langs,
					"description": "Interpreter to use. Default: python.",
				},
				"timeout_ms": map[string]any{
					"type":        "integer",
					"description": "Timeout in milliseconds.",
				},
			},
			"required": []string{"code"},
		},
	}
}

// sensitiveEnvSuffixes mark variables kept out of snippet environments.
var sensitiveEnvSuffixes = []string{"_API_KEY", "_SECRET", "_TOKEN", "_PASSWORD", "_CREDENTIAL"}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, suffix := range sensitiveEnvSuffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}

func filterEnvironment() []string {
	var filtered []string
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if !ok || isSensitiveEnvVar(name) {
			continue
		}
		filtered = append(filtered, kv)
	}
	return filtered
}
