package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/roleplay/transcript"
)

func TestRun_help(t *testing.T) {
	if code := Run(context.Background(), []string{"--help"}); code != 0 {
		t.Errorf("Run --help: got exit code %d", code)
	}
}

func TestRun_version(t *testing.T) {
	if code := Run(context.Background(), []string{"--version"}); code != 0 {
		t.Errorf("Run --version: got exit code %d", code)
	}
}

func TestRun_unknownFlag(t *testing.T) {
	if code := Run(context.Background(), []string{"--unknown-flag"}); code != 1 {
		t.Errorf("Run --unknown-flag: got exit code %d, want 1", code)
	}
}

// fakeModel serves OpenAI chat completions. The reply is chosen from the
// request's system prompt so the user and assistant roles answer
// differently.
func fakeModel(t *testing.T, userReply, assistantReply string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		raw, _ := io.ReadAll(r.Body)
		reply := assistantReply
		if strings.Contains(string(raw), "RULES OF USER") {
			reply = userReply
		}
		content, _ := json.Marshal(reply)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id": "c1", "object": "chat.completion", "created": 1, "model": "m",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": `+string(content)+`}}],
			"usage": {"prompt_tokens": 4, "completion_tokens": 2, "total_tokens": 6}}`)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func writeConfig(t *testing.T, baseURL string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roleplay.yaml")
	cfg := `
user:
  provider: vllm
  model: test-model
  api_key: test
  base_url: ` + baseURL + `
  retries: 0
assistant:
  provider: vllm
  model: test-model
  api_key: test
  base_url: ` + baseURL + `
  retries: 0
runner:
  max_rounds: 4
  backoff_base: 1ms
  backoff_max: 1ms
logging:
  level: error
`
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd("test")
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunCommand(t *testing.T) {
	srv, calls := fakeModel(t, "Instruction: add the numbers.", "Solution: <answer>4</answer> TASK_COMPLETE")
	path := writeConfig(t, srv.URL+"/v1/")

	out, err := execute(t, "run", "--config", path, "--trace", "What is 2+2?")
	require.NoError(t, err)
	assert.Contains(t, out, "task_completed")
	assert.Contains(t, out, "4")
	assert.Contains(t, out, "Instruction: add the numbers.")
	assert.Equal(t, int32(2), calls.Load())
}

func TestRunCommandJSON(t *testing.T) {
	srv, _ := fakeModel(t, "Instruction: keep going.", "Solution: still thinking")
	path := writeConfig(t, srv.URL+"/v1/")

	out, err := execute(t, "run", "--config", path, "--json", "--max-rounds", "2", "Hard question")
	require.NoError(t, err)

	var res struct {
		Answer      string `json:"answer"`
		Termination struct {
			Reason string `json:"reason"`
			Rounds int    `json:"rounds"`
		} `json:"termination"`
		Trace []json.RawMessage `json:"trace"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "max_rounds_exceeded", res.Termination.Reason)
	assert.Equal(t, 2, res.Termination.Rounds)
	assert.Len(t, res.Trace, 4)
	assert.Equal(t, "Solution: still thinking", res.Answer)
}

func TestRunCommandRequiresQuestion(t *testing.T) {
	srv, _ := fakeModel(t, "", "")
	_, err := execute(t, "run", "--config", writeConfig(t, srv.URL+"/v1/"))
	assert.Error(t, err)
}

func TestGaiaCommand(t *testing.T) {
	srv, _ := fakeModel(t, "Instruction: answer.", "<answer>4</answer> TASK_DONE")
	path := writeConfig(t, srv.URL+"/v1/")

	dir := t.TempDir()
	dataset := filepath.Join(dir, "metadata.jsonl")
	require.NoError(t, os.WriteFile(dataset, []byte(
		`{"task_id": "a", "Question": "2+2?", "Level": 1, "Final answer": "4"}
{"task_id": "b", "Question": "3+3?", "Level": 1, "Final answer": "6"}
{"task_id": "c", "Question": "1+3?", "Level": 2, "Final answer": "4"}
`), 0o644))
	storePath := filepath.Join(dir, "runs.db")

	out, err := execute(t, "gaia", "--config", path, "--dataset", dataset, "--store", storePath, "--concurrency", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "2/3")
	assert.Contains(t, out, "want \"6\"")

	store, err := transcript.Open(storePath)
	require.NoError(t, err)
	failed, err := store.FailedTaskIDs(context.Background())
	require.NoError(t, err)
	require.NoError(t, store.Close())
	assert.Equal(t, []string{"b"}, failed)

	out, err = execute(t, "gaia", "--config", path, "--dataset", dataset, "--store", storePath, "--only-failed")
	require.NoError(t, err)
	assert.Contains(t, out, " b ")
	assert.NotContains(t, out, " a ")
	assert.Contains(t, out, "0/1")
}

func TestGaiaCommandFilter(t *testing.T) {
	srv, _ := fakeModel(t, "Instruction: answer.", "<answer>4</answer> TASK_DONE")
	path := writeConfig(t, srv.URL+"/v1/")
	dataset := filepath.Join(t.TempDir(), "metadata.jsonl")
	require.NoError(t, os.WriteFile(dataset, []byte(
		`{"task_id": "a", "Question": "2+2?", "Level": 1, "Final answer": "4"}
{"task_id": "c", "Question": "1+3?", "Level": 2, "Final answer": "4"}
`), 0o644))

	out, err := execute(t, "gaia", "--config", path, "--dataset", dataset, "--filter", "select(.Level == 2)", "--attempts", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "2/2")
	assert.NotContains(t, out, " a ")
	assert.NotContains(t, out, "no consensus")

	out, err = execute(t, "gaia", "--config", path, "--dataset", dataset, "--filter", "select(.Level == 9)")
	require.NoError(t, err)
	assert.Contains(t, out, "no tasks selected")
}

func TestGaiaOnlyFailedNeedsStore(t *testing.T) {
	srv, _ := fakeModel(t, "", "")
	dataset := filepath.Join(t.TempDir(), "metadata.jsonl")
	require.NoError(t, os.WriteFile(dataset, []byte(`{"task_id": "a", "Question": "q"}`), 0o644))
	_, err := execute(t, "gaia", "--config", writeConfig(t, srv.URL+"/v1/"), "--dataset", dataset, "--only-failed")
	assert.ErrorContains(t, err, "needs a store")
}

func TestExportCommand(t *testing.T) {
	srv, _ := fakeModel(t, "Instruction: answer.", "<answer>4</answer> TASK_DONE")
	path := writeConfig(t, srv.URL+"/v1/")

	dir := t.TempDir()
	dataset := filepath.Join(dir, "metadata.jsonl")
	require.NoError(t, os.WriteFile(dataset, []byte(
		`{"task_id": "a", "Question": "2+2?", "Level": 1, "Final answer": "4"}
{"task_id": "b", "Question": "3+3?", "Level": 1, "Final answer": "6"}
`), 0o644))
	storePath := filepath.Join(dir, "runs.db")
	_, err := execute(t, "gaia", "--config", path, "--dataset", dataset, "--store", storePath)
	require.NoError(t, err)

	out, err := execute(t, "export", "--config", path, "--store", storePath)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1, "only the correct run is exported")
	var ex transcript.Example
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &ex))
	assert.Equal(t, "a", ex.TaskID)
	assert.Equal(t, "4", ex.Answer)
	require.Len(t, ex.Messages, 5)
	assert.Equal(t, "system", string(ex.Messages[0].Role))
	assert.Contains(t, ex.Messages[0].Content, "RULES OF ASSISTANT")
	assert.Contains(t, ex.Messages[0].Content, "2+2?")
	assert.Equal(t, "Instruction: answer.", ex.Messages[3].Content)
	assert.Equal(t, "<answer>4</answer> TASK_DONE", ex.Messages[4].Content)

	outFile := filepath.Join(dir, "sft.jsonl")
	_, err = execute(t, "export", "--config", path, "--store", storePath, "-o", outFile)
	require.NoError(t, err)
	data, err := os.ReadFile(outFile)
	require.NoError(t, err)
	assert.Equal(t, out, string(data))
}

func TestExportNeedsStore(t *testing.T) {
	srv, _ := fakeModel(t, "", "")
	_, err := execute(t, "export", "--config", writeConfig(t, srv.URL+"/v1/"))
	assert.ErrorContains(t, err, "needs a store")
}
