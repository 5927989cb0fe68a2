package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/askarov/taskpilot/internal/models"
	"github.com/askarov/taskpilot/internal/storage"
)

type addTaskArgs struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	DueDate     string `json:"due_date"`
}

type listTasksArgs struct {
	Status string `json:"status"`
}

type completeTaskArgs struct {
	TaskID int64 `json:"task_id"`
}

type updateTaskArgs struct {
	TaskID      int64   `json:"task_id"`
	Title       *string `json:"title"`
	Description *string `json:"description"`
	DueDate     *string `json:"due_date"`
}

type deleteTaskArgs struct {
	TaskID int64 `json:"task_id"`
}

func (r *Registry) addTask(ctx context.Context, ownerID string, raw json.RawMessage) Result {
	var args addTaskArgs
	if res, ok := decodeArgs(raw, &args); !ok {
		return res
	}

	title := strings.TrimSpace(args.Title)
	if title == "" {
		return errorResult(CodeValidationError, "Title must not be empty.")
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return errorResult(CodeValidationError, fmt.Sprintf("Title must be at most %d characters.", maxTitleLength))
	}
	description := strings.TrimSpace(args.Description)
	if utf8.RuneCountInString(description) > maxDescriptionLength {
		return errorResult(CodeValidationError, fmt.Sprintf("Description must be at most %d characters.", maxDescriptionLength))
	}

	var dueDate *time.Time
	if args.DueDate != "" {
		parsed, err := parseDueDate(args.DueDate)
		if err != nil {
			return errorResult(CodeValidationError, fmt.Sprintf("Invalid date format: %s. Use YYYY-MM-DD.", args.DueDate))
		}
		dueDate = &parsed
	}

	task := &models.Task{
		UserID:      ownerID,
		Title:       title,
		Description: description,
		DueDate:     dueDate,
	}
	if err := r.store.CreateTask(ctx, task); err != nil {
		return r.storeFailure("add_task", ownerID, err)
	}

	return okResult(Result{
		"task_id":     task.ID,
		"title":       task.Title,
		"description": task.Description,
		"status":      "pending",
		"message":     fmt.Sprintf("Task '%s' created successfully.", task.Title),
	})
}

func (r *Registry) listTasks(ctx context.Context, ownerID string, raw json.RawMessage) Result {
	var args listTasksArgs
	if res, ok := decodeArgs(raw, &args); !ok {
		return res
	}

	status := models.TaskStatusFilter(args.Status)
	if args.Status == "" {
		status = models.TaskStatusAll
	}
	switch status {
	case models.TaskStatusAll, models.TaskStatusPending, models.TaskStatusCompleted:
	default:
		return errorResult(CodeValidationError, fmt.Sprintf("Unknown status filter: %s. Use all, pending, or completed.", args.Status))
	}

	tasks, err := r.store.ListTasks(ctx, ownerID, status)
	if err != nil {
		return r.storeFailure("list_tasks", ownerID, err)
	}

	// Empty result is a success, not an error.
	taskList := make([]Result, 0, len(tasks))
	for _, t := range tasks {
		entry := Result{
			"task_id":     t.ID,
			"title":       t.Title,
			"description": t.Description,
			"completed":   t.Completed,
			"created_at":  t.CreatedAt.UTC().Format(time.RFC3339),
		}
		if t.DueDate != nil {
			entry["due_date"] = t.DueDate.UTC().Format(time.RFC3339)
		}
		taskList = append(taskList, entry)
	}

	return okResult(Result{
		"tasks":   taskList,
		"count":   len(taskList),
		"message": fmt.Sprintf("Found %d task(s).", len(taskList)),
	})
}

func (r *Registry) completeTask(ctx context.Context, ownerID string, raw json.RawMessage) Result {
	var args completeTaskArgs
	if res, ok := decodeArgs(raw, &args); !ok {
		return res
	}

	task, err := r.store.GetTask(ctx, ownerID, args.TaskID)
	if errors.Is(err, storage.ErrNotFound) {
		return r.taskNotFound("complete_task", ownerID, args.TaskID)
	}
	if err != nil {
		return r.storeFailure("complete_task", ownerID, err)
	}

	if task.Completed {
		return okResult(Result{
			"task_id": task.ID,
			"title":   task.Title,
			"status":  "completed",
			"message": fmt.Sprintf("Task '%s' is already completed.", task.Title),
		})
	}

	task.Completed = true
	if err := r.store.UpdateTask(ctx, task); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return r.taskNotFound("complete_task", ownerID, args.TaskID)
		}
		return r.storeFailure("complete_task", ownerID, err)
	}

	return okResult(Result{
		"task_id":      task.ID,
		"title":        task.Title,
		"status":       "completed",
		"completed_at": task.UpdatedAt.UTC().Format(time.RFC3339),
		"message":      fmt.Sprintf("Task '%s' marked as completed.", task.Title),
	})
}

func (r *Registry) updateTask(ctx context.Context, ownerID string, raw json.RawMessage) Result {
	var args updateTaskArgs
	if res, ok := decodeArgs(raw, &args); !ok {
		return res
	}

	if args.Title == nil && args.Description == nil && args.DueDate == nil {
		return errorResult(CodeValidationError, "At least one field (title, description, or due_date) must be provided.")
	}

	task, err := r.store.GetTask(ctx, ownerID, args.TaskID)
	if errors.Is(err, storage.ErrNotFound) {
		return r.taskNotFound("update_task", ownerID, args.TaskID)
	}
	if err != nil {
		return r.storeFailure("update_task", ownerID, err)
	}

	if args.Title != nil {
		title := strings.TrimSpace(*args.Title)
		if title == "" {
			return errorResult(CodeValidationError, "Title must not be empty.")
		}
		if utf8.RuneCountInString(title) > maxTitleLength {
			return errorResult(CodeValidationError, fmt.Sprintf("Title must be at most %d characters.", maxTitleLength))
		}
		task.Title = title
	}
	if args.Description != nil {
		description := strings.TrimSpace(*args.Description)
		if utf8.RuneCountInString(description) > maxDescriptionLength {
			return errorResult(CodeValidationError, fmt.Sprintf("Description must be at most %d characters.", maxDescriptionLength))
		}
		task.Description = description
	}
	if args.DueDate != nil {
		parsed, err := parseDueDate(*args.DueDate)
		if err != nil {
			return errorResult(CodeValidationError, fmt.Sprintf("Invalid date format: %s. Use YYYY-MM-DD.", *args.DueDate))
		}
		task.DueDate = &parsed
	}

	if err := r.store.UpdateTask(ctx, task); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return r.taskNotFound("update_task", ownerID, args.TaskID)
		}
		return r.storeFailure("update_task", ownerID, err)
	}

	return okResult(Result{
		"task_id":     task.ID,
		"title":       task.Title,
		"description": task.Description,
		"updated_at":  task.UpdatedAt.UTC().Format(time.RFC3339),
		"message":     fmt.Sprintf("Task '%s' updated successfully.", task.Title),
	})
}

func (r *Registry) deleteTask(ctx context.Context, ownerID string, raw json.RawMessage) Result {
	var args deleteTaskArgs
	if res, ok := decodeArgs(raw, &args); !ok {
		return res
	}

	task, err := r.store.GetTask(ctx, ownerID, args.TaskID)
	if errors.Is(err, storage.ErrNotFound) {
		return r.taskNotFound("delete_task", ownerID, args.TaskID)
	}
	if err != nil {
		return r.storeFailure("delete_task", ownerID, err)
	}

	if err := r.store.DeleteTask(ctx, ownerID, args.TaskID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return r.taskNotFound("delete_task", ownerID, args.TaskID)
		}
		return r.storeFailure("delete_task", ownerID, err)
	}

	return okResult(Result{
		"task_id": task.ID,
		"title":   task.Title,
		"message": fmt.Sprintf("Task '%s' deleted successfully.", task.Title),
	})
}

func decodeArgs(raw json.RawMessage, into any) (Result, bool) {
	if len(raw) == 0 {
		return nil, true
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return errorResult(CodeValidationError, fmt.Sprintf("Invalid tool arguments: %v", err)), false
	}
	return nil, true
}

func parseDueDate(value string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func (r *Registry) storeFailure(tool, ownerID string, err error) Result {
	r.logger.Error("Tool storage operation failed",
		zap.Error(err),
		zap.String("tool", tool),
		zap.String("user_id", ownerID))
	return errorResult("STORAGE_ERROR", "The task store is temporarily unavailable.")
}

// taskNotFound records the refusal before reporting it to the model.
// The store cannot tell an absent task from someone else's, so the
// event is logged without classifying it.
func (r *Registry) taskNotFound(tool, ownerID string, taskID int64) Result {
	r.logger.Warn("Refused task access",
		zap.String("tool", tool),
		zap.String("user_id", ownerID),
		zap.Int64("task_id", taskID))
	return errorResult(CodeTaskNotFound, "Task not found")
}
