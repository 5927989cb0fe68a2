package storage

import (
	"context"
	"errors"

	"github.com/askarov/taskpilot/internal/models"
)

var (
	// ErrNotFound is returned for rows that are absent, soft-deleted, or
	// owned by a different user. Callers cannot tell those cases apart.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned by AppendMessage when the
	// conversation's version changed since it was loaded.
	ErrVersionConflict = errors.New("conversation version conflict")
)

type Storage interface {
	ConversationStorage
	TaskStorage
	Close() error
}

// ConversationStorage is the durable, append-only conversation log.
// AppendMessage is atomic: it bumps the conversation version with an
// optimistic check and inserts the message in one transaction, so
// concurrent appends to the same conversation serialize.
type ConversationStorage interface {
	CreateConversation(ctx context.Context, userID string) (*models.Conversation, error)
	GetConversation(ctx context.Context, id, userID string) (*models.Conversation, error)
	AppendMessage(ctx context.Context, conversationID string, expectedVersion int64, msg *models.Message) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error)
}

// TaskStorage scopes every lookup and mutation to the owning user.
type TaskStorage interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, userID string, taskID int64) (*models.Task, error)
	ListTasks(ctx context.Context, userID string, status models.TaskStatusFilter) ([]*models.Task, error)
	UpdateTask(ctx context.Context, task *models.Task) error
	DeleteTask(ctx context.Context, userID string, taskID int64) error
}

const defaultAppendAttempts = 3

// AppendWithRetry appends msg at expectedVersion and returns the new
// version. On a version conflict it reloads the conversation to pick up
// the fresh version and tries again, bounded by attempts. The resulting
// message order is still a valid total order: another request's turns
// may land between ours, never inside them.
func AppendWithRetry(ctx context.Context, cs ConversationStorage, conversationID, userID string, expectedVersion int64, msg *models.Message, attempts int) (int64, error) {
	if attempts <= 0 {
		attempts = defaultAppendAttempts
	}

	version := expectedVersion
	for i := 0; i < attempts; i++ {
		err := cs.AppendMessage(ctx, conversationID, version, msg)
		if err == nil {
			return version + 1, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return 0, err
		}

		conv, err := cs.GetConversation(ctx, conversationID, userID)
		if err != nil {
			return 0, err
		}
		version = conv.Version
	}

	return 0, ErrVersionConflict
}
