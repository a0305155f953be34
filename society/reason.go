package society

// Reason is why a run stopped.
type Reason string

const (
	ReasonTaskCompleted    Reason = "task_completed"
	ReasonMaxRounds        Reason = "max_rounds_exceeded"
	ReasonRepeatedFailure  Reason = "repeated_failure"
	ReasonAgentStop        Reason = "agent_signaled_stop"
	ReasonExtractionFailed Reason = "extraction_failed"
	ReasonCancelled        Reason = "cancelled"
	ReasonAgentFailed      Reason = "agent_failed"
)

// IsCompletion reports whether the reason comes from the agents finishing
// the task rather than from a limit being hit.
func (r Reason) IsCompletion() bool {
	return r == ReasonTaskCompleted || r == ReasonAgentStop
}

// State is the lifecycle state of a Society.
type State string

const (
	StateInitialized State = "initialized"
	StateRunning     State = "running"
	StateTerminated  State = "terminated"
)
