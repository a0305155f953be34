package society

import "regexp"

// completionMarker matches the token an agent emits to end the task:
// TASK_COMPLETE, TASK_DONE or CAMEL_TASK_DONE, in any case, as a whole word
// and optionally wrapped in angle brackets.
var completionMarker = regexp.MustCompile(`(?i)\b(?:CAMEL_)?TASK_(?:COMPLETE|DONE)\b`)

// HasCompletionMarker reports whether text contains the completion marker.
func HasCompletionMarker(text string) bool {
	return completionMarker.MatchString(text)
}

// CompletionMarker is the marker the role prompts ask agents to emit.
const CompletionMarker = "TASK_DONE"

// markerCause maps the markers seen in one round to a termination cause.
// An assistant marker wins over a user marker.
func markerCause(user, assistant string) Reason {
	switch {
	case HasCompletionMarker(assistant):
		return ReasonTaskCompleted
	case HasCompletionMarker(user):
		return ReasonAgentStop
	default:
		return ""
	}
}
