// Package society runs a two-agent role-playing conversation. A user agent
// breaks a task into instructions and reviews the results; an assistant
// agent carries the instructions out, calling tools as needed. Each Step
// advances the conversation by one round.
package society

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/martinemde/roleplay/llm"
	"github.com/martinemde/roleplay/toolkit"
)

// Defaults for society options.
const (
	DefaultMaxToolCalls        = 15
	DefaultLoopDetectionWindow = 6
	DefaultAnswerField         = "answer"
	maxParallelTools           = 4
)

// AgentConfig configures one side of the society.
type AgentConfig struct {
	Agent Agent
	// SystemPrompt replaces the built-in role prompt when set.
	SystemPrompt string
	// Tools is the assistant's capability table. It is ignored for the user.
	Tools *toolkit.Registry
}

// Option configures a Society.
type Option func(*Society)

// WithID sets the society ID used in events. A random UUID is used
// otherwise.
func WithID(id string) Option {
	return func(s *Society) { s.id = id }
}

// WithEvents emits round and tool events to e.
func WithEvents(e *EventEmitter) Option {
	return func(s *Society) { s.events = e }
}

// WithMaxToolCalls bounds the tool calls the assistant may make in one turn.
func WithMaxToolCalls(n int) Option {
	return func(s *Society) {
		if n > 0 {
			s.maxToolCalls = n
		}
	}
}

// WithLoopDetection sets the number of recent tool calls checked for a
// repeating pattern. Zero disables detection.
func WithLoopDetection(window int) Option {
	return func(s *Society) { s.loopWindow = window }
}

// WithToolLimits sets how tool output is truncated before the model sees it.
func WithToolLimits(l toolkit.Limits) Option {
	return func(s *Society) { s.limits = l }
}

// WithParallelTools resolves the tool calls of one model response
// concurrently.
func WithParallelTools(enabled bool) Option {
	return func(s *Society) { s.parallelTools = enabled }
}

// WithAnswerField sets the tag the role prompts ask the final answer to be
// wrapped in.
func WithAnswerField(field string) Option {
	return func(s *Society) {
		if field != "" {
			s.answerField = field
		}
	}
}

// Society is a user agent and an assistant agent working on one task. It is
// used for a single run and is safe for use from multiple goroutines,
// though steps are serialized.
type Society struct {
	id              string
	task            TaskContext
	user            Agent
	assistant       Agent
	userPrompt      string
	assistantPrompt string
	tools           *toolkit.Registry
	limits          toolkit.Limits
	maxToolCalls    int
	loopWindow      int
	parallelTools   bool
	answerField     string
	events          *EventEmitter

	history []Message
	turns   int
	state   State
	cause   Reason
	mu      sync.Mutex
}

// New creates a society for task.
func New(task TaskContext, user, assistant AgentConfig, opts ...Option) (*Society, error) {
	if user.Agent == nil || assistant.Agent == nil {
		return nil, errors.New("society: both agents are required")
	}
	if task.Prompt == "" {
		return nil, errors.New("society: task prompt is required")
	}

	s := &Society{
		id:           uuid.NewString(),
		task:         task.clone(),
		user:         user.Agent,
		assistant:    assistant.Agent,
		tools:        assistant.Tools,
		maxToolCalls: DefaultMaxToolCalls,
		loopWindow:   DefaultLoopDetectionWindow,
		answerField:  DefaultAnswerField,
		state:        StateInitialized,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.userPrompt = user.SystemPrompt
	if s.userPrompt == "" {
		s.userPrompt = UserPrompt(s.task, s.answerField)
	}
	s.assistantPrompt = assistant.SystemPrompt
	if s.assistantPrompt == "" {
		var names []string
		if s.tools != nil {
			names = s.tools.Names()
		}
		s.assistantPrompt = AssistantPrompt(s.task, s.answerField, names)
	}
	return s, nil
}

// ID returns the society's identifier.
func (s *Society) ID() string { return s.id }

// Task returns a copy of the task context.
func (s *Society) Task() TaskContext { return s.task.clone() }

// AnswerField returns the tag the final answer is expected in.
func (s *Society) AnswerField() string { return s.answerField }

// State returns the lifecycle state.
func (s *Society) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Turns returns the number of completed rounds.
func (s *Society) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

// History returns a copy of the messages produced so far.
func (s *Society) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.history...)
}

// IsTerminated reports whether the last round carried a completion marker,
// an agent failed fatally, or Terminate was called.
func (s *Society) IsTerminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause != "" || s.state == StateTerminated
}

// TerminationCause returns why the society considers itself done:
// ReasonTaskCompleted, ReasonAgentStop, ReasonAgentFailed, or "" while the
// task is still open.
func (s *Society) TerminationCause() Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Terminate moves the society to StateTerminated. Further Steps fail with
// ErrTerminated.
func (s *Society) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateTerminated {
		s.state = StateTerminated
		s.events.Emit(EventTerminated, s.turns, map[string]any{"cause": string(s.cause)})
	}
}

// Step runs one round: the user agent speaks, then the assistant answers,
// resolving any tool calls first. On error nothing is appended to the
// history and the turn count is unchanged; the returned Round still reports
// the usage of the agent calls that completed.
func (s *Society) Step(ctx context.Context) (Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return Round{}, ErrTerminated
	}

	round := s.turns + 1
	s.events.Emit(EventRoundStart, round, nil)

	userResp, err := s.user.Send(ctx, s.userView())
	if err == nil && userResp == nil {
		err = errors.New("empty response")
	}
	if err != nil {
		return s.fail(round, llm.RoleUser, err, llm.Usage{})
	}
	usage := userResp.Usage
	instruction := userResp.Text()

	reply, exchanges, replyUsage, err := s.assistantTurn(ctx, round, instruction)
	usage = usage.Add(replyUsage)
	if err != nil {
		return s.fail(round, llm.RoleAssistant, err, usage)
	}

	seq := len(s.history)
	userMsg := newMessage(seq, llm.RoleUser, instruction, nil, userResp.Usage)
	assistantMsg := newMessage(seq+1, llm.RoleAssistant, reply, exchanges, replyUsage)
	s.history = append(s.history, userMsg, assistantMsg)
	s.turns++
	s.state = StateRunning
	if cause := markerCause(instruction, reply); cause != "" {
		s.cause = cause
	}

	s.events.Emit(EventRoundEnd, s.turns, map[string]any{
		"tool_calls":   len(exchanges),
		"total_tokens": usage.TotalTokens,
		"cause":        string(s.cause),
	})
	return Round{Index: s.turns, User: userMsg, Assistant: assistantMsg, Usage: usage}, nil
}

func (s *Society) fail(round int, role llm.Role, err error, usage llm.Usage) (Round, error) {
	err = classifyAgentError(role, err)
	if IsFatal(err) {
		s.cause = ReasonAgentFailed
	}
	s.events.Emit(EventAgentError, round, map[string]any{
		"role":      string(role),
		"error":     err.Error(),
		"transient": IsTransient(err),
	})
	return Round{Index: round, Usage: usage}, err
}

// userView is the conversation from the user agent's side: its own
// instructions are its assistant turns and the assistant's replies arrive as
// user turns.
func (s *Society) userView() []llm.Message {
	msgs := make([]llm.Message, 0, 2+len(s.history))
	msgs = append(msgs, llm.SystemMessage(s.userPrompt), llm.UserMessage(KickoffMessage))
	for _, m := range s.history {
		switch m.Role {
		case llm.RoleUser:
			msgs = append(msgs, llm.AssistantMessage(m.Content))
		case llm.RoleAssistant:
			msgs = append(msgs, llm.UserMessage(m.Content))
		}
	}
	return msgs
}

// assistantView is the conversation from the assistant agent's side,
// including earlier tool exchanges with truncated output.
func (s *Society) assistantView() []llm.Message {
	msgs := make([]llm.Message, 0, 1+len(s.history))
	msgs = append(msgs, llm.SystemMessage(s.assistantPrompt))
	for _, m := range s.history {
		switch m.Role {
		case llm.RoleUser:
			msgs = append(msgs, llm.UserMessage(m.Content))
		case llm.RoleAssistant:
			for _, ex := range m.ToolExchanges() {
				msgs = append(msgs,
					llm.AssistantToolCallMessage("", []llm.ToolCall{ex.Call}),
					llm.ToolResultMessage(s.truncated(ex.Call.Name, ex.Result)))
			}
			msgs = append(msgs, llm.AssistantMessage(m.Content))
		}
	}
	return msgs
}

func (s *Society) truncated(tool string, res llm.ToolResult) llm.ToolResult {
	res.Content = s.limits.Truncate(tool, res.Content)
	return res
}

func (s *Society) toolDefinitions() []llm.ToolDefinition {
	if s.tools == nil || s.tools.Count() == 0 {
		return nil
	}
	if _, ok := s.assistant.(ToolAgent); !ok {
		return nil
	}
	return s.tools.Definitions()
}

func (s *Society) sendAssistant(ctx context.Context, conv []llm.Message, tools []llm.ToolDefinition) (*llm.Response, error) {
	var (
		resp *llm.Response
		err  error
	)
	if ta, ok := s.assistant.(ToolAgent); ok && len(tools) > 0 {
		resp, err = ta.SendWithTools(ctx, conv, tools)
	} else {
		resp, err = s.assistant.Send(ctx, conv)
	}
	if err == nil && resp == nil {
		err = errors.New("empty response")
	}
	return resp, err
}

// assistantTurn answers instruction, resolving tool calls until the model
// replies without any or the tool-call budget is spent.
func (s *Society) assistantTurn(ctx context.Context, round int, instruction string) (string, []ToolExchange, llm.Usage, error) {
	conv := append(s.assistantView(), llm.UserMessage(instruction))
	tools := s.toolDefinitions()

	var (
		usage     llm.Usage
		exchanges []ToolExchange
		sigs      []string
	)
	for {
		resp, err := s.sendAssistant(ctx, conv, tools)
		if err != nil {
			return "", nil, usage, err
		}
		usage = usage.Add(resp.Usage)

		calls := resp.ToolCalls()
		if len(calls) == 0 || len(tools) == 0 {
			return resp.Text(), exchanges, usage, nil
		}
		if remaining := s.maxToolCalls - len(exchanges); len(calls) > remaining {
			calls = calls[:remaining]
		}

		conv = append(conv, llm.AssistantToolCallMessage(resp.Text(), calls))
		results := s.invokeTools(ctx, round, calls)
		for i, call := range calls {
			exchanges = append(exchanges, ToolExchange{Call: call, Result: results[i]})
			conv = append(conv, llm.ToolResultMessage(s.truncated(call.Name, results[i])))
			sigs = append(sigs, toolkit.Signature(call.Name, call.Arguments))
		}

		if s.loopWindow > 0 && toolkit.DetectLoop(sigs, s.loopWindow) {
			warning := fmt.Sprintf("Loop detected: the last %d tool calls follow a repeating pattern. Try a different approach.", s.loopWindow)
			conv = append(conv, llm.UserMessage(warning))
			s.events.Emit(EventLoopDetected, round, map[string]any{"message": warning})
		}
		if len(exchanges) >= s.maxToolCalls {
			conv = append(conv, llm.UserMessage("You have used all tool calls for this turn. Reply with your solution based on the results so far."))
			tools = nil
			s.events.Emit(EventToolLimit, round, map[string]any{"tool_calls": len(exchanges)})
		}
	}
}

// invokeTools resolves calls through the registry. Failures become error
// results for the model; they never fail the turn.
func (s *Society) invokeTools(ctx context.Context, round int, calls []llm.ToolCall) []llm.ToolResult {
	results := make([]llm.ToolResult, len(calls))
	if !s.parallelTools || len(calls) == 1 {
		for i, call := range calls {
			results[i] = s.invokeTool(ctx, round, call)
		}
		return results
	}

	var g errgroup.Group
	g.SetLimit(maxParallelTools)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = s.invokeTool(ctx, round, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Society) invokeTool(ctx context.Context, round int, call llm.ToolCall) llm.ToolResult {
	s.events.Emit(EventToolCall, round, map[string]any{
		"tool":      call.Name,
		"call_id":   call.ID,
		"arguments": string(call.Arguments),
	})

	out, err := s.tools.Invoke(ctx, call.Name, call.Arguments)
	res := llm.ToolResult{ToolCallID: call.ID, Content: out}
	if err != nil {
		res.IsError = true
		res.Content = err.Error()
		if out != "" {
			res.Content += "\n" + out
		}
	}

	s.events.Emit(EventToolResult, round, map[string]any{
		"tool":     call.Name,
		"call_id":  call.ID,
		"is_error": res.IsError,
		"bytes":    len(out),
	})
	return res
}
