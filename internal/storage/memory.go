package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/askarov/taskpilot/internal/models"
)

// MemoryStorage implements the same contract as PostgresStorage for
// tests and local development. It shares no state with the processes
// using it beyond the struct itself, so two services over one instance
// behave like two server replicas over one database.
type MemoryStorage struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	messages      map[string][]*models.Message
	tasks         map[int64]*models.Task
	nextTaskID    int64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]*models.Message),
		tasks:         make(map[int64]*models.Task),
	}
}

func (s *MemoryStorage) CreateConversation(ctx context.Context, userID string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	conv := &models.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Version:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.conversations[conv.ID] = conv

	copied := *conv
	return &copied, nil
}

func (s *MemoryStorage) GetConversation(ctx context.Context, id, userID string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, exists := s.conversations[id]
	if !exists || conv.UserID != userID {
		return nil, ErrNotFound
	}

	copied := *conv
	return &copied, nil
}

func (s *MemoryStorage) AppendMessage(ctx context.Context, conversationID string, expectedVersion int64, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[conversationID]
	if !exists {
		return ErrVersionConflict
	}
	if conv.Version != expectedVersion {
		return ErrVersionConflict
	}

	conv.Version++
	conv.UpdatedAt = time.Now().UTC()

	msg.ConversationID = conversationID
	msg.Seq = int64(len(s.messages[conversationID])) + 1
	msg.CreatedAt = time.Now().UTC()

	copied := copyMessage(msg)
	s.messages[conversationID] = append(s.messages[conversationID], copied)
	return nil
}

func (s *MemoryStorage) ListMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.messages[conversationID]
	start := 0
	if limit > 0 && len(all) > limit {
		start = len(all) - limit
	}

	messages := make([]*models.Message, 0, len(all)-start)
	for _, msg := range all[start:] {
		messages = append(messages, copyMessage(msg))
	}
	return messages, nil
}

func (s *MemoryStorage) CreateTask(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextTaskID++
	now := time.Now().UTC()
	task.ID = s.nextTaskID
	task.Completed = false
	task.CreatedAt = now
	task.UpdatedAt = now

	copied := *task
	s.tasks[task.ID] = &copied
	return nil
}

func (s *MemoryStorage) GetTask(ctx context.Context, userID string, taskID int64) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[taskID]
	if !exists || task.UserID != userID {
		return nil, ErrNotFound
	}

	copied := *task
	return &copied, nil
}

func (s *MemoryStorage) ListTasks(ctx context.Context, userID string, status models.TaskStatusFilter) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tasks []*models.Task
	for _, task := range s.tasks {
		if task.UserID != userID {
			continue
		}
		if status == models.TaskStatusPending && task.Completed {
			continue
		}
		if status == models.TaskStatusCompleted && !task.Completed {
			continue
		}
		copied := *task
		tasks = append(tasks, &copied)
	}

	// Newest first, matching the Postgres ordering
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].ID > tasks[j].ID
	})

	return tasks, nil
}

func (s *MemoryStorage) UpdateTask(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.tasks[task.ID]
	if !exists || existing.UserID != task.UserID {
		return ErrNotFound
	}

	task.CreatedAt = existing.CreatedAt
	task.UpdatedAt = time.Now().UTC()

	copied := *task
	s.tasks[task.ID] = &copied
	return nil
}

func (s *MemoryStorage) DeleteTask(ctx context.Context, userID string, taskID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists || task.UserID != userID {
		return ErrNotFound
	}

	delete(s.tasks, taskID)
	return nil
}

func (s *MemoryStorage) Close() error {
	return nil
}

func copyMessage(msg *models.Message) *models.Message {
	copied := *msg
	if msg.ToolCalls != nil {
		copied.ToolCalls = make([]models.ToolCall, len(msg.ToolCalls))
		copy(copied.ToolCalls, msg.ToolCalls)
	}
	return &copied
}
