package society

import (
	"fmt"
	"sort"
	"strings"
)

// KickoffMessage opens the user agent's side of the conversation.
const KickoffMessage = "Now please give me instructions to solve the overall task step by step. " +
	"If the task requires some specific knowledge, please instruct me to use tools to complete the task."

// UserPrompt builds the system prompt of the user agent, which breaks the
// task into instructions and reviews the assistant's work.
func UserPrompt(task TaskContext, answerField string) string {
	var sb strings.Builder
	sb.WriteString("===== RULES OF USER =====\n")
	sb.WriteString("Never forget you are a user and I am an assistant. Never flip roles! ")
	sb.WriteString("You will always instruct me. We share a common interest in collaborating to complete a task.\n\n")
	writeTask(&sb, task)
	sb.WriteString("\nInstruct me one step at a time. Each instruction is a sub-task or question I can complete with my tools.\n")
	sb.WriteString("Use the form:\nInstruction: [YOUR_INSTRUCTION]\n\n")
	sb.WriteString("Check my solutions critically. If a tool failed or a result looks wrong, tell me and ask for another approach.\n")
	fmt.Fprintf(&sb, "When the task is solved, ask me to restate the final answer inside <%s></%s> tags, ", answerField, answerField)
	fmt.Fprintf(&sb, "and once I have done so reply with only the word %s.\n", CompletionMarker)
	return sb.String()
}

// AssistantPrompt builds the system prompt of the assistant agent, which
// carries out the user's instructions.
func AssistantPrompt(task TaskContext, answerField string, tools []string) string {
	var sb strings.Builder
	sb.WriteString("===== RULES OF ASSISTANT =====\n")
	sb.WriteString("Never forget you are an assistant and I am a user. Never flip roles! Never instruct me! ")
	sb.WriteString("You must help me to complete the task.\n\n")
	writeTask(&sb, task)
	if len(tools) > 0 {
		sorted := append([]string(nil), tools...)
		sort.Strings(sorted)
		fmt.Fprintf(&sb, "\nAvailable tools: %s\n", strings.Join(sorted, ", "))
		sb.WriteString("Use your tools to verify results. When a tool fails, find out why and try again instead of assuming its output.\n")
	}
	sb.WriteString("\nUnless I say the task is completed, always start with:\nSolution: [YOUR_SOLUTION]\n")
	sb.WriteString("[YOUR_SOLUTION] should be specific and include the reasoning and results that support it.\n\n")
	fmt.Fprintf(&sb, "When you give the final answer, put it inside <%s></%s> tags ", answerField, answerField)
	fmt.Fprintf(&sb, "and end your message with %s.\n", CompletionMarker)
	return sb.String()
}

func writeTask(sb *strings.Builder, task TaskContext) {
	fmt.Fprintf(sb, "Here is our overall task: %s\nNever forget our task!\n", task.Prompt)
	if len(task.Files) > 0 {
		sb.WriteString("\nAttached files:\n")
		for _, f := range task.Files {
			fmt.Fprintf(sb, "- %s (%s)\n", f.Name, f.Path)
		}
	}
}
