package storage

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askarov/taskpilot/internal/models"
)

func newMessage(role models.Role, content string) *models.Message {
	return &models.Message{
		ID:      uuid.NewString(),
		Role:    role,
		Content: content,
	}
}

func TestConversationOwnershipHiding(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()

	conv, err := store.CreateConversation(ctx, "alice")
	require.NoError(t, err)

	// Foreign and absent conversations are indistinguishable.
	_, err = store.GetConversation(ctx, conv.ID, "bob")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetConversation(ctx, uuid.NewString(), "alice")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := store.GetConversation(ctx, conv.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
	assert.Equal(t, int64(0), got.Version)
}

func TestAppendMessageVersionConflict(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()

	conv, err := store.CreateConversation(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, store.AppendMessage(ctx, conv.ID, 0, newMessage(models.RoleUser, "first")))

	// A second append at the stale version must be rejected.
	err = store.AppendMessage(ctx, conv.ID, 0, newMessage(models.RoleUser, "stale"))
	assert.ErrorIs(t, err, ErrVersionConflict)

	require.NoError(t, store.AppendMessage(ctx, conv.ID, 1, newMessage(models.RoleAssistant, "second")))

	got, err := store.GetConversation(ctx, conv.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}

func TestListMessagesOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()

	conv, err := store.CreateConversation(ctx, "alice")
	require.NoError(t, err)

	contents := []string{"one", "two", "three", "four"}
	for i, content := range contents {
		require.NoError(t, store.AppendMessage(ctx, conv.ID, int64(i), newMessage(models.RoleUser, content)))
	}

	all, err := store.ListMessages(ctx, conv.ID, 50)
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i, msg := range all {
		assert.Equal(t, contents[i], msg.Content)
		assert.Equal(t, int64(i+1), msg.Seq)
	}

	// Limit keeps the most recent messages, still in causal order.
	recent, err := store.ListMessages(ctx, conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "three", recent[0].Content)
	assert.Equal(t, "four", recent[1].Content)
}

func TestAppendWithRetryRecoversFromConflict(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()

	conv, err := store.CreateConversation(ctx, "alice")
	require.NoError(t, err)

	// Another request slipped in after our load.
	require.NoError(t, store.AppendMessage(ctx, conv.ID, 0, newMessage(models.RoleUser, "interloper")))

	version, err := AppendWithRetry(ctx, store, conv.ID, "alice", 0, newMessage(models.RoleUser, "ours"), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	msgs, err := store.ListMessages(ctx, conv.ID, 50)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "interloper", msgs[0].Content)
	assert.Equal(t, "ours", msgs[1].Content)
}

func TestTaskOwnershipHiding(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()

	task := &models.Task{UserID: "alice", Title: "buy milk"}
	require.NoError(t, store.CreateTask(ctx, task))
	require.NotZero(t, task.ID)

	// A task owned by someone else is "not found", never "forbidden".
	_, err := store.GetTask(ctx, "bob", task.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	err = store.DeleteTask(ctx, "bob", task.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := store.GetTask(ctx, "alice", task.ID)
	require.NoError(t, err)
	assert.Equal(t, "buy milk", got.Title)
	assert.False(t, got.Completed)
}

func TestListTasksStatusFilter(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()

	pending := &models.Task{UserID: "alice", Title: "pending task"}
	require.NoError(t, store.CreateTask(ctx, pending))

	done := &models.Task{UserID: "alice", Title: "done task"}
	require.NoError(t, store.CreateTask(ctx, done))
	done.Completed = true
	require.NoError(t, store.UpdateTask(ctx, done))

	all, err := store.ListTasks(ctx, "alice", models.TaskStatusAll)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	pendingOnly, err := store.ListTasks(ctx, "alice", models.TaskStatusPending)
	require.NoError(t, err)
	require.Len(t, pendingOnly, 1)
	assert.Equal(t, "pending task", pendingOnly[0].Title)

	completedOnly, err := store.ListTasks(ctx, "alice", models.TaskStatusCompleted)
	require.NoError(t, err)
	require.Len(t, completedOnly, 1)
	assert.Equal(t, "done task", completedOnly[0].Title)

	// No tasks for this owner is an empty list, not an error.
	none, err := store.ListTasks(ctx, "bob", models.TaskStatusAll)
	require.NoError(t, err)
	assert.Empty(t, none)
}
