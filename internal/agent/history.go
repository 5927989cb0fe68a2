package agent

import (
	"github.com/sashabaranov/go-openai"

	"github.com/askarov/taskpilot/internal/models"
)

// SystemPrompt is prepended to every reconstructed history.
const SystemPrompt = `You are a friendly and helpful assistant for task management.

You can help users manage their todo tasks using the following tools:

1. add_task - Create a new task. Ask for a title at minimum.
2. list_tasks - Show the user's tasks. Can filter by status (all/pending/completed).
3. complete_task - Mark a task as done by its ID.
4. delete_task - Remove a task by its ID.
5. update_task - Change a task's title, description, or due date.

Guidelines:
- Be concise and friendly in your responses.
- If the user's intent is ambiguous, ask for clarification.
- After performing an action, confirm what you did in a natural way.
- When listing tasks, format them clearly with IDs so users can reference them.
- If a tool returns an error, explain it helpfully to the user.`

// BuildHistory maps stored messages to the exact wire shape the model
// saw when the turns were produced. It is a pure function of its
// inputs: reconstructing the same rows twice yields identical output,
// which is what lets any replica (or a restarted process) resume a
// conversation.
func BuildHistory(systemPrompt string, messages []*models.Message) []openai.ChatCompletionMessage {
	history := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		history = append(history, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}

	for _, msg := range messages {
		history = append(history, messageToWire(msg)...)
	}
	return history
}

// messageToWire converts one stored message into its wire messages.
// An assistant turn that invoked tools expands into the assistant
// message carrying the tool calls plus one tool-role message per
// invocation record, exactly as the provider emitted and consumed them.
func messageToWire(msg *models.Message) []openai.ChatCompletionMessage {
	switch msg.Role {
	case models.RoleAssistant:
		wire := openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: msg.Content,
		}
		for _, tc := range msg.ToolCalls {
			wire.ToolCalls = append(wire.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Tool,
					Arguments: string(tc.Args),
				},
			})
		}

		out := []openai.ChatCompletionMessage{wire}
		for _, tc := range msg.ToolCalls {
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    string(tc.Result),
				ToolCallID: tc.ID,
			})
		}
		return out

	case models.RoleTool:
		// Tool results normally live inside the assistant turn; a bare
		// tool row round-trips as-is.
		return []openai.ChatCompletionMessage{{
			Role:    openai.ChatMessageRoleTool,
			Content: msg.Content,
		}}

	default:
		return []openai.ChatCompletionMessage{{
			Role:    openai.ChatMessageRoleUser,
			Content: msg.Content,
		}}
	}
}
