// Package runner drives a society to termination. It owns the run's trace,
// applies the round and failure limits, and extracts the final answer from
// the last assistant message.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/martinemde/roleplay/extract"
	"github.com/martinemde/roleplay/llm"
	"github.com/martinemde/roleplay/society"
)

// Stepper is what the runner drives; *society.Society implements it.
type Stepper interface {
	Step(ctx context.Context) (society.Round, error)
	IsTerminated() bool
	TerminationCause() society.Reason
	Terminate()
}

// Limiter gates each round on a provider rate limit. *rate.Limiter
// satisfies it.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Config controls a run.
type Config struct {
	MaxRounds              int
	MaxConsecutiveFailures int
	// RoundTimeout bounds a single step. Zero means no bound.
	RoundTimeout time.Duration
	// AnswerField is the tag the answer is extracted from.
	AnswerField string
	// Backoff sets the wait before a failed round is retried. Its
	// MaxRetries field is not used; MaxConsecutiveFailures is.
	Backoff llm.RetryPolicy
	Limiter Limiter
	Logger  *slog.Logger
	Events  *society.EventEmitter
}

// DefaultConfig returns the default run limits.
func DefaultConfig() Config {
	return Config{
		MaxRounds:              15,
		MaxConsecutiveFailures: 3,
		AnswerField:            society.DefaultAnswerField,
		Backoff: llm.RetryPolicy{
			BaseDelay:         1.0,
			MaxDelay:          30.0,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxRounds <= 0 {
		c.MaxRounds = def.MaxRounds
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if c.AnswerField == "" {
		c.AnswerField = def.AnswerField
	}
	if c.Backoff.BaseDelay <= 0 && c.Backoff.MaxDelay <= 0 {
		c.Backoff = def.Backoff
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// covered returns the level for a log line that repeats an emitted event.
// When Events is set its consumer reports those lines, so the runner's own
// copy drops to debug.
func (c Config) covered(level slog.Level) slog.Level {
	if c.Events != nil {
		return slog.LevelDebug
	}
	return level
}

// Termination records how a run ended.
type Termination struct {
	Reason society.Reason `json:"reason"`
	Rounds int            `json:"rounds"`
}

// Result is the outcome of a run. It is returned for every run, including
// failed and cancelled ones.
type Result struct {
	RunID string `json:"run_id"`
	// Answer is the extracted answer, or the raw text of the last assistant
	// message when extraction failed.
	Answer      string            `json:"answer"`
	Extracted   bool              `json:"extracted"`
	Trace       []society.Message `json:"trace"`
	Termination Termination       `json:"termination"`
	// Usage sums every agent call of the run, failed attempts included.
	Usage    llm.Usage     `json:"usage"`
	Failures int           `json:"failures"`
	Duration time.Duration `json:"duration"`
}

// Run steps s until it terminates or a limit is hit.
//
// Cancelling ctx stops the run between rounds: a round in progress finishes
// (bounded by RoundTimeout) and the result carries ReasonCancelled along with
// ctx's error. Runs ending in ReasonRepeatedFailure or ReasonAgentFailed
// return the agent error. Hitting MaxRounds is not an error.
func Run(ctx context.Context, s Stepper, cfg Config) (*Result, error) {
	cfg = cfg.withDefaults()
	runID := cfg.Events.RunID()
	if runID == "" {
		runID = uuid.NewString()
	}
	log := cfg.Logger.With("run_id", runID)
	start := time.Now()

	res := &Result{RunID: runID}
	cfg.Events.Emit(society.EventRunStart, 0, map[string]any{
		"max_rounds":   cfg.MaxRounds,
		"max_failures": cfg.MaxConsecutiveFailures,
	})
	log.Debug("run started", "max_rounds", cfg.MaxRounds, "max_failures", cfg.MaxConsecutiveFailures)

	var (
		rounds   int
		failures int
		reason   society.Reason
		runErr   error
	)
	for reason == "" {
		if err := ctx.Err(); err != nil {
			reason, runErr = society.ReasonCancelled, err
			break
		}
		round, err := limitedStep(ctx, s, cfg)
		res.Usage = res.Usage.Add(round.Usage)

		if err != nil {
			// The limiter waits on ctx, so a cancellation can surface here
			// as a step error.
			if ctx.Err() != nil {
				reason, runErr = society.ReasonCancelled, ctx.Err()
				break
			}
			if isFatal(err) {
				reason, runErr = society.ReasonAgentFailed, fmt.Errorf("round %d: %w", rounds+1, err)
				log.Error("agent failed", "round", rounds+1, "error", err)
				break
			}
			failures++
			res.Failures++
			if failures >= cfg.MaxConsecutiveFailures {
				reason = society.ReasonRepeatedFailure
				runErr = fmt.Errorf("round %d failed %d consecutive times: %w", rounds+1, failures, err)
				log.Error("giving up after repeated failures", "round", rounds+1, "failures", failures, "error", err)
				break
			}

			delay, ok := cfg.Backoff.DelayFor(err, failures-1)
			if !ok {
				delay = time.Duration(cfg.Backoff.MaxDelay * float64(time.Second))
			}
			log.Log(ctx, cfg.covered(slog.LevelWarn), "round failed, retrying", "round", rounds+1, "failures", failures, "delay", delay, "error", err)
			cfg.Events.Emit(society.EventRetry, rounds+1, map[string]any{
				"failures": failures,
				"delay_ms": delay.Milliseconds(),
				"error":    err.Error(),
			})
			if err := llm.Sleep(ctx, delay); err != nil {
				reason, runErr = society.ReasonCancelled, err
			}
			continue
		}

		failures = 0
		rounds++
		res.Trace = append(res.Trace, round.User, round.Assistant)
		log.Debug("round complete", "round", rounds, "tokens", round.Usage.TotalTokens)

		switch {
		case s.IsTerminated():
			reason = s.TerminationCause()
			if reason == "" {
				reason = society.ReasonTaskCompleted
			}
		case rounds >= cfg.MaxRounds:
			reason = society.ReasonMaxRounds
		}
	}
	return finish(s, res, cfg, log, start, reason, rounds, runErr)
}

func finish(s Stepper, res *Result, cfg Config, log *slog.Logger, start time.Time, reason society.Reason, rounds int, runErr error) (*Result, error) {
	s.Terminate()
	res.Termination = Termination{Reason: reason, Rounds: rounds}
	res.Duration = time.Since(start)

	if final, ok := lastAssistant(res.Trace); ok {
		answer, found := extract.Pattern(final.Content, cfg.AnswerField)
		answer = strings.TrimSpace(answer)
		if found && answer != "" {
			res.Answer = answer
			res.Extracted = true
		} else {
			res.Answer = final.Content
			if reason.IsCompletion() {
				res.Termination.Reason = society.ReasonExtractionFailed
			}
		}
	}

	cfg.Events.Emit(society.EventRunEnd, rounds, map[string]any{
		"reason":       string(res.Termination.Reason),
		"extracted":    res.Extracted,
		"total_tokens": res.Usage.TotalTokens,
	})
	log.Log(context.Background(), cfg.covered(slog.LevelInfo), "run finished",
		"reason", res.Termination.Reason,
		"rounds", rounds,
		"extracted", res.Extracted,
		"total_tokens", res.Usage.TotalTokens,
		"duration", res.Duration)
	return res, runErr
}

// limitedStep waits for the rate limiter and then runs one round.
func limitedStep(ctx context.Context, s Stepper, cfg Config) (society.Round, error) {
	if cfg.Limiter != nil {
		if err := cfg.Limiter.Wait(ctx); err != nil {
			return society.Round{}, fmt.Errorf("rate limiter: %w", err)
		}
	}
	return step(ctx, s, cfg.RoundTimeout)
}

// step runs one round on a context that ignores the caller's cancellation,
// so a round is never abandoned half way, but still honours RoundTimeout.
func step(ctx context.Context, s Stepper, timeout time.Duration) (society.Round, error) {
	stepCtx := context.WithoutCancel(ctx)
	if timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(stepCtx, timeout)
		defer cancel()
	}
	return s.Step(stepCtx)
}

// isFatal reports whether a step error should end the run at once. Errors
// without a society classification are judged by llm.IsRetryable.
func isFatal(err error) bool {
	switch {
	case errors.Is(err, society.ErrTerminated), society.IsFatal(err):
		return true
	case society.IsTransient(err):
		return false
	default:
		return !llm.IsRetryable(err)
	}
}

func lastAssistant(trace []society.Message) (society.Message, bool) {
	for i := len(trace) - 1; i >= 0; i-- {
		if trace[i].Role == llm.RoleAssistant {
			return trace[i], true
		}
	}
	return society.Message{}, false
}

// Outcome is the value delivered by RunAsync.
type Outcome struct {
	Result *Result
	Err    error
}

// RunAsync runs Run on a new goroutine. The returned channel receives
// exactly one Outcome and is then closed.
func RunAsync(ctx context.Context, s Stepper, cfg Config) <-chan Outcome {
	ch := make(chan Outcome, 1)
	go func() {
		defer close(ch)
		res, err := Run(ctx, s, cfg)
		ch <- Outcome{Result: res, Err: err}
	}()
	return ch
}
