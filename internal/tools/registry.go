// Package tools defines the closed set of task operations the model may
// invoke. Tool names are dispatched through a fixed switch, never a
// dynamic lookup. The owner identity is threaded by the caller and is
// never a model-supplied argument.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/askarov/taskpilot/internal/storage"
)

const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeTaskNotFound    = "TASK_NOT_FOUND"
)

const (
	maxTitleLength       = 200
	maxDescriptionLength = 1000
)

// Result is the structured outcome of one tool invocation. It is
// serialized both into the conversation log and into the tool message
// fed back to the model. Map keys marshal in sorted order, which keeps
// the persisted shape deterministic.
type Result map[string]any

func okResult(fields Result) Result {
	out := Result{"success": true}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func errorResult(code, message string) Result {
	return Result{
		"success":    false,
		"error_code": code,
		"error":      message,
	}
}

type Registry struct {
	store  storage.TaskStorage
	logger *zap.Logger
}

func NewRegistry(store storage.TaskStorage, logger *zap.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: logger,
	}
}

// Execute runs the named tool for ownerID. Unknown names and malformed
// arguments come back as validation results rather than errors: the
// model sees a structured failure it can explain, and nothing aborts
// the request.
func (r *Registry) Execute(ctx context.Context, ownerID, name string, args json.RawMessage) Result {
	switch name {
	case "add_task":
		return r.addTask(ctx, ownerID, args)
	case "list_tasks":
		return r.listTasks(ctx, ownerID, args)
	case "complete_task":
		return r.completeTask(ctx, ownerID, args)
	case "update_task":
		return r.updateTask(ctx, ownerID, args)
	case "delete_task":
		return r.deleteTask(ctx, ownerID, args)
	default:
		r.logger.Warn("Model requested unknown tool",
			zap.String("tool", name),
			zap.String("user_id", ownerID))
		return errorResult(CodeValidationError, fmt.Sprintf("Unknown tool: %s", name))
	}
}

// Definitions returns the function declarations advertised to the model.
func (r *Registry) Definitions() []openai.Tool {
	return []openai.Tool{
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        "add_task",
				Description: "Create a new todo task for the user. Repeated calls with the same title create separate tasks.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"title": map[string]any{
							"type":        "string",
							"description": "The task title (required).",
						},
						"description": map[string]any{
							"type":        "string",
							"description": "Optional task description.",
						},
						"due_date": map[string]any{
							"type":        "string",
							"description": "Optional due date in ISO format (YYYY-MM-DD).",
						},
					},
					"required": []string{"title"},
				},
			},
		},
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        "list_tasks",
				Description: "List the user's todo tasks, optionally filtered by status.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"status": map[string]any{
							"type":        "string",
							"enum":        []string{"all", "pending", "completed"},
							"description": "Filter by status. Defaults to 'all'.",
						},
					},
				},
			},
		},
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        "complete_task",
				Description: "Mark a task as completed.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"task_id": map[string]any{
							"type":        "integer",
							"description": "The ID of the task to complete.",
						},
					},
					"required": []string{"task_id"},
				},
			},
		},
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        "update_task",
				Description: "Update an existing task's title, description, or due date.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"task_id": map[string]any{
							"type":        "integer",
							"description": "The ID of the task to update.",
						},
						"title": map[string]any{
							"type":        "string",
							"description": "New title (optional).",
						},
						"description": map[string]any{
							"type":        "string",
							"description": "New description (optional).",
						},
						"due_date": map[string]any{
							"type":        "string",
							"description": "New due date in ISO format YYYY-MM-DD (optional).",
						},
					},
					"required": []string{"task_id"},
				},
			},
		},
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        "delete_task",
				Description: "Delete a task.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"task_id": map[string]any{
							"type":        "integer",
							"description": "The ID of the task to delete.",
						},
					},
					"required": []string{"task_id"},
				},
			},
		},
	}
}
