package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/martinemde/roleplay/llm"
	"github.com/martinemde/roleplay/society"
)

// outcome is one scripted Step result.
type outcome struct {
	assistant string
	user      string
	err       error
	tokens    int
}

func ok(assistant string) outcome {
	return outcome{assistant: assistant, user: "Instruction: continue", tokens: 10}
}

func transient() outcome {
	return outcome{err: &society.TransientAgentError{Role: llm.RoleAssistant, Err: errors.New("overloaded")}, tokens: 3}
}

func fatal() outcome {
	return outcome{err: &society.FatalAgentError{Role: llm.RoleUser, Err: errors.New("bad key")}}
}

// fakeStepper plays back a script of outcomes, repeating the last one.
type fakeStepper struct {
	mu         sync.Mutex
	script     []outcome
	calls      int
	rounds     int
	seq        int
	cause      society.Reason
	terminated bool
	// onStep runs at the start of each Step with the 1-based call number.
	onStep   func(call int)
	stepErrs []error // ctx.Err() observed at the end of each Step
}

func (f *fakeStepper) Step(ctx context.Context) (society.Round, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	o := f.script[min(call-1, len(f.script)-1)]
	hook := f.onStep
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.stepErrs = append(f.stepErrs, ctx.Err())
	usage := llm.Usage{TotalTokens: o.tokens}
	if o.err != nil {
		if society.IsFatal(o.err) {
			f.cause = society.ReasonAgentFailed
		}
		return society.Round{Index: f.rounds + 1, Usage: usage}, o.err
	}
	f.rounds++
	user := society.Message{Seq: f.seq, Role: llm.RoleUser, Content: o.user}
	assistant := society.Message{Seq: f.seq + 1, Role: llm.RoleAssistant, Content: o.assistant}
	f.seq += 2
	if society.HasCompletionMarker(o.assistant) {
		f.cause = society.ReasonTaskCompleted
	} else if society.HasCompletionMarker(o.user) {
		f.cause = society.ReasonAgentStop
	}
	return society.Round{Index: f.rounds, User: user, Assistant: assistant, Usage: usage}, nil
}

func (f *fakeStepper) IsTerminated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cause != "" || f.terminated
}

func (f *fakeStepper) TerminationCause() society.Reason {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cause
}

func (f *fakeStepper) Terminate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = true
}

func numbered(n int) []outcome {
	out := make([]outcome, n)
	for i := range out {
		out[i] = ok(fmt.Sprintf("Solution: working on step %d", i+1))
	}
	return out
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Backoff = llm.RetryPolicy{BaseDelay: 0.001, MaxDelay: 0.001, BackoffMultiplier: 1}
	return cfg
}

// textAgent answers every call with the next scripted text.
func textAgent(texts ...string) society.Agent {
	var (
		mu sync.Mutex
		i  int
	)
	return society.AgentFunc(func(ctx context.Context, conv []llm.Message) (*llm.Response, error) {
		mu.Lock()
		defer mu.Unlock()
		t := texts[min(i, len(texts)-1)]
		i++
		return &llm.Response{
			Message: llm.AssistantMessage(t),
			Usage:   llm.Usage{InputTokens: 5, OutputTokens: 5, TotalTokens: 10},
		}, nil
	})
}
