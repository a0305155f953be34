package runner

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/martinemde/roleplay/extract"
	"github.com/martinemde/roleplay/llm"
	"github.com/martinemde/roleplay/society"
)

func TestRunTwoPlusTwo(t *testing.T) {
	s, err := society.New(society.TaskContext{Prompt: "What is 2+2?"},
		society.AgentConfig{Agent: textAgent("Instruction: compute 2+2 and give the final answer.")},
		society.AgentConfig{Agent: textAgent("<answer>4</answer> TASK_COMPLETE")})
	require.NoError(t, err)

	res, err := Run(context.Background(), s, fastConfig())
	require.NoError(t, err)

	assert.Equal(t, society.ReasonTaskCompleted, res.Termination.Reason)
	assert.Equal(t, 1, res.Termination.Rounds)
	assert.Equal(t, "4", res.Answer)
	assert.True(t, res.Extracted)
	require.Len(t, res.Trace, 2)
	assert.Equal(t, llm.RoleUser, res.Trace[0].Role)
	assert.Equal(t, llm.RoleAssistant, res.Trace[1].Role)
	assert.Equal(t, 20, res.Usage.TotalTokens)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, society.StateTerminated, s.State())
}

func TestRunMaxRoundsFallsBackToRawText(t *testing.T) {
	s := &fakeStepper{script: numbered(5)}
	cfg := fastConfig()
	cfg.MaxRounds = 3

	res, err := Run(context.Background(), s, cfg)
	require.NoError(t, err, "hitting the round budget is not an error")

	assert.Equal(t, society.ReasonMaxRounds, res.Termination.Reason)
	assert.Equal(t, 3, res.Termination.Rounds)
	assert.Len(t, res.Trace, 6)
	assert.Equal(t, "Solution: working on step 3", res.Answer)
	assert.False(t, res.Extracted)
	assert.True(t, s.terminated)
}

func TestRunTraceLengthProperty(t *testing.T) {
	for maxRounds := 1; maxRounds <= 6; maxRounds++ {
		for finishAt := 1; finishAt <= 7; finishAt++ {
			script := numbered(finishAt)
			script[finishAt-1] = ok("<answer>done</answer> TASK_DONE")
			s := &fakeStepper{script: script}
			cfg := fastConfig()
			cfg.MaxRounds = maxRounds

			res, err := Run(context.Background(), s, cfg)
			require.NoError(t, err)
			assert.Equal(t, 2*res.Termination.Rounds, len(res.Trace))
			assert.LessOrEqual(t, res.Termination.Rounds, maxRounds)
			if finishAt <= maxRounds {
				assert.Equal(t, society.ReasonTaskCompleted, res.Termination.Reason)
				assert.Equal(t, finishAt, res.Termination.Rounds)
			} else {
				assert.Equal(t, society.ReasonMaxRounds, res.Termination.Reason)
			}
			assert.NotEmpty(t, res.Answer)
		}
	}
}

func TestRunRepeatedFailureAtLimit(t *testing.T) {
	s := &fakeStepper{script: []outcome{ok("Solution: one"), transient(), transient(), transient(), ok("never")}}
	cfg := fastConfig()
	cfg.MaxConsecutiveFailures = 3

	res, err := Run(context.Background(), s, cfg)
	require.Error(t, err)
	assert.True(t, society.IsTransient(err), "the last agent error is wrapped")

	assert.Equal(t, society.ReasonRepeatedFailure, res.Termination.Reason)
	assert.Equal(t, 1, res.Termination.Rounds)
	assert.Len(t, res.Trace, 2)
	assert.Equal(t, 3, res.Failures)
	assert.Equal(t, 4, s.calls)
	assert.Equal(t, "Solution: one", res.Answer, "boundary stops keep the raw fallback")
}

func TestRunFailuresBelowLimitReset(t *testing.T) {
	s := &fakeStepper{script: []outcome{
		transient(), transient(), ok("Solution: first"),
		transient(), transient(), ok("<answer>42</answer> TASK_COMPLETE"),
	}}
	cfg := fastConfig()
	cfg.MaxConsecutiveFailures = 3

	res, err := Run(context.Background(), s, cfg)
	require.NoError(t, err)

	assert.Equal(t, society.ReasonTaskCompleted, res.Termination.Reason)
	assert.Equal(t, 2, res.Termination.Rounds)
	assert.Equal(t, 4, res.Failures)
	assert.Equal(t, "42", res.Answer)
}

func TestRunCountsUsageOfFailedAttempts(t *testing.T) {
	s := &fakeStepper{script: []outcome{transient(), transient(), ok("<answer>x</answer> TASK_DONE")}}

	res, err := Run(context.Background(), s, fastConfig())
	require.NoError(t, err)
	assert.Equal(t, 3+3+10, res.Usage.TotalTokens)
}

func TestRunFatalError(t *testing.T) {
	s := &fakeStepper{script: []outcome{ok("Solution: one"), fatal()}}

	res, err := Run(context.Background(), s, fastConfig())
	require.Error(t, err)
	assert.True(t, society.IsFatal(err))
	assert.Equal(t, society.ReasonAgentFailed, res.Termination.Reason)
	assert.Equal(t, 1, res.Termination.Rounds)
	assert.Equal(t, 2, s.calls, "fatal errors are not retried")
}

func TestRunUnclassifiedErrors(t *testing.T) {
	auth := &llm.AuthenticationError{ProviderError: llm.ProviderError{LLMError: llm.LLMError{Message: "bad key"}}}
	s := &fakeStepper{script: []outcome{{err: auth}}}
	res, err := Run(context.Background(), s, fastConfig())
	require.Error(t, err)
	assert.Equal(t, society.ReasonAgentFailed, res.Termination.Reason)

	s = &fakeStepper{script: []outcome{{err: errors.New("connection reset")}}}
	res, err = Run(context.Background(), s, fastConfig())
	require.Error(t, err)
	assert.Equal(t, society.ReasonRepeatedFailure, res.Termination.Reason)
}

func TestRunExtractionFailed(t *testing.T) {
	s := &fakeStepper{script: []outcome{ok("The answer is four. TASK_COMPLETE")}}

	res, err := Run(context.Background(), s, fastConfig())
	require.NoError(t, err)
	assert.Equal(t, society.ReasonExtractionFailed, res.Termination.Reason)
	assert.Equal(t, "The answer is four. TASK_COMPLETE", res.Answer)
	assert.False(t, res.Extracted)
}

func TestRunBlankAnswerIsNotExtracted(t *testing.T) {
	const text = "Solution: the result is 7 <answer> </answer>"
	s := &fakeStepper{script: []outcome{ok(text)}}
	cfg := fastConfig()
	cfg.MaxRounds = 3

	res, err := Run(context.Background(), s, cfg)
	require.NoError(t, err)
	assert.Equal(t, society.ReasonMaxRounds, res.Termination.Reason)
	assert.Equal(t, text, res.Answer)
	assert.False(t, res.Extracted)

	s = &fakeStepper{script: []outcome{ok("<answer>\n</answer> TASK_COMPLETE")}}
	res, err = Run(context.Background(), s, fastConfig())
	require.NoError(t, err)
	assert.Equal(t, society.ReasonExtractionFailed, res.Termination.Reason)
	assert.NotEmpty(t, res.Answer)
}

func TestRunUserStopDirective(t *testing.T) {
	s := &fakeStepper{script: []outcome{{user: "TASK_DONE", assistant: "<answer>7</answer>", tokens: 1}}}

	res, err := Run(context.Background(), s, fastConfig())
	require.NoError(t, err)
	assert.Equal(t, society.ReasonAgentStop, res.Termination.Reason)
	assert.Equal(t, "7", res.Answer)
}

func TestRunCustomAnswerField(t *testing.T) {
	s := &fakeStepper{script: []outcome{ok("<final_answer> Paris </final_answer> TASK_DONE")}}
	cfg := fastConfig()
	cfg.AnswerField = "final_answer"

	res, err := Run(context.Background(), s, cfg)
	require.NoError(t, err)
	assert.Equal(t, "Paris", res.Answer)
}

func TestRunExtractionIdempotent(t *testing.T) {
	for _, v := range []string{"4", "Paris", "a, b, c"} {
		s := &fakeStepper{script: []outcome{ok(extract.Wrap(v, "answer") + " TASK_DONE")}}
		res, err := Run(context.Background(), s, fastConfig())
		require.NoError(t, err)
		assert.Equal(t, v, res.Answer)
	}
}

func TestRunCancelledBetweenRounds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &fakeStepper{script: numbered(5)}
	s.onStep = func(call int) {
		if call == 2 {
			cancel()
		}
	}
	cfg := fastConfig()
	cfg.MaxRounds = 5

	res, err := Run(ctx, s, cfg)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, society.ReasonCancelled, res.Termination.Reason)
	assert.Equal(t, 2, res.Termination.Rounds)
	require.Len(t, res.Trace, 4)
	for i, m := range res.Trace {
		assert.Equal(t, i, m.Seq)
	}
	assert.Equal(t, "Solution: working on step 2", res.Answer)
	assert.NoError(t, s.stepErrs[1], "the round in flight is not cancelled")
}

func TestRunCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &fakeStepper{script: numbered(1)}

	res, err := Run(ctx, s, fastConfig())
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, society.ReasonCancelled, res.Termination.Reason)
	assert.Empty(t, res.Trace)
	assert.Empty(t, res.Answer)
	assert.Equal(t, 0, s.calls)
}

func TestRunCancelInterruptsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &fakeStepper{script: []outcome{transient()}}
	cfg := DefaultConfig()
	cfg.Backoff = llm.RetryPolicy{BaseDelay: 60, MaxDelay: 60, BackoffMultiplier: 1}

	time.AfterFunc(50*time.Millisecond, cancel)
	start := time.Now()
	res, err := Run(ctx, s, cfg)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, society.ReasonCancelled, res.Termination.Reason)
	assert.Less(t, time.Since(start), 10*time.Second)
}

type blockingStepper struct{ fakeStepper }

func (b *blockingStepper) Step(ctx context.Context) (society.Round, error) {
	<-ctx.Done()
	return society.Round{}, ctx.Err()
}

func TestRunRoundTimeout(t *testing.T) {
	s := &blockingStepper{}
	cfg := fastConfig()
	cfg.RoundTimeout = 20 * time.Millisecond
	cfg.MaxConsecutiveFailures = 2

	res, err := Run(context.Background(), s, cfg)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, society.ReasonRepeatedFailure, res.Termination.Reason)
}

type countingLimiter struct{ n atomic.Int32 }

func (c *countingLimiter) Wait(ctx context.Context) error {
	c.n.Add(1)
	return nil
}

func TestRunUsesLimiter(t *testing.T) {
	lim := &countingLimiter{}
	s := &fakeStepper{script: []outcome{transient(), ok("Solution: a"), ok("<answer>b</answer> TASK_DONE")}}
	cfg := fastConfig()
	cfg.Limiter = lim

	_, err := Run(context.Background(), s, cfg)
	require.NoError(t, err)
	assert.Equal(t, int32(3), lim.n.Load(), "every attempt waits on the limiter")
}

func TestRunWithRateLimiter(t *testing.T) {
	s := &fakeStepper{script: []outcome{ok("<answer>ok</answer> TASK_DONE")}}
	cfg := fastConfig()
	cfg.Limiter = rate.NewLimiter(rate.Inf, 1)

	res, err := Run(context.Background(), s, cfg)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Answer)
}

func TestRunCancelledWhileWaitingOnLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := &fakeStepper{script: numbered(5)}
	cfg := fastConfig()
	cfg.MaxRounds = 5
	cfg.Limiter = rate.NewLimiter(rate.Every(10*time.Second), 1)

	time.AfterFunc(100*time.Millisecond, cancel)
	res, err := Run(ctx, s, cfg)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, society.ReasonCancelled, res.Termination.Reason)
	assert.Equal(t, 1, res.Termination.Rounds)
	assert.Len(t, res.Trace, 2)
	assert.Equal(t, 0, res.Failures)
	assert.Equal(t, 1, s.calls)
}

func TestRunEmitsEventsAndLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	events := society.NewEventEmitter("run-42", 64)

	s := &fakeStepper{script: []outcome{transient(), ok("<answer>1</answer> TASK_DONE")}}
	cfg := fastConfig()
	cfg.Logger = logger
	cfg.Events = events

	res, err := Run(context.Background(), s, cfg)
	require.NoError(t, err)
	assert.Equal(t, "run-42", res.RunID)
	events.Close()

	var kinds []society.EventKind
	for ev := range events.Events() {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []society.EventKind{society.EventRunStart, society.EventRetry, society.EventRunEnd}, kinds)
	assert.Contains(t, buf.String(), "run finished")
	assert.Contains(t, buf.String(), "run_id=run-42")
	assert.Contains(t, buf.String(), "round failed, retrying")
}

func TestRunLeavesEventCoveredLinesToEvents(t *testing.T) {
	run := func(events *society.EventEmitter) string {
		var buf bytes.Buffer
		cfg := fastConfig()
		cfg.Logger = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
		cfg.Events = events
		s := &fakeStepper{script: []outcome{transient(), ok("<answer>1</answer> TASK_DONE")}}
		_, err := Run(context.Background(), s, cfg)
		require.NoError(t, err)
		return buf.String()
	}

	plain := run(nil)
	assert.Contains(t, plain, "run finished")
	assert.Contains(t, plain, "round failed, retrying")

	withEvents := run(society.NewEventEmitter("run-7", 64))
	assert.NotContains(t, withEvents, "run finished")
	assert.NotContains(t, withEvents, "round failed, retrying")
}

func TestRunAsyncMatchesRun(t *testing.T) {
	script := []outcome{transient(), ok("Solution: a"), ok("<answer>b</answer> TASK_COMPLETE")}

	syncRes, syncErr := Run(context.Background(), &fakeStepper{script: script}, fastConfig())
	out := <-RunAsync(context.Background(), &fakeStepper{script: script}, fastConfig())

	require.NoError(t, syncErr)
	require.NoError(t, out.Err)
	assert.Equal(t, syncRes.Termination, out.Result.Termination)
	assert.Equal(t, syncRes.Answer, out.Result.Answer)
	assert.Equal(t, syncRes.Usage, out.Result.Usage)
	require.Len(t, out.Result.Trace, len(syncRes.Trace))
	for i := range syncRes.Trace {
		assert.Equal(t, syncRes.Trace[i].Content, out.Result.Trace[i].Content)
	}
}

func TestRunAsyncIndependentRuns(t *testing.T) {
	var chans []<-chan Outcome
	for i := 0; i < 8; i++ {
		s := &fakeStepper{script: append(numbered(i), ok("<answer>done</answer> TASK_DONE"))}
		chans = append(chans, RunAsync(context.Background(), s, fastConfig()))
	}
	for i, ch := range chans {
		out := <-ch
		require.NoError(t, out.Err)
		assert.Equal(t, i+1, out.Result.Termination.Rounds)
		_, open := <-ch
		assert.False(t, open, "channel is closed after the outcome")
	}
}
