package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/askarov/taskpilot/internal/models"
)

//go:embed migrations.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	UseInMemory bool
}

type PostgresStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStorage(config DatabaseConfig, logger *zap.Logger) (*PostgresStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %v", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %v", err)
	}

	storage := &PostgresStorage{db: db, logger: logger}

	// Initialize database schema
	if err := storage.initializeSchema(); err != nil {
		return nil, fmt.Errorf("error initializing database schema: %v", err)
	}

	return storage, nil
}

func (s *PostgresStorage) initializeSchema() error {
	// Read migrations file
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %v", err)
	}

	// Execute migrations
	_, err = s.db.Exec(string(migrationSQL))
	if err != nil {
		return fmt.Errorf("error executing migrations: %v", err)
	}

	return nil
}

func (s *PostgresStorage) CreateConversation(ctx context.Context, userID string) (*models.Conversation, error) {
	conv := &models.Conversation{
		ID:     uuid.NewString(),
		UserID: userID,
	}

	query := `
		INSERT INTO conversations (id, user_id)
		VALUES ($1, $2)
		RETURNING version, created_at, updated_at`

	err := s.db.QueryRowContext(ctx, query, conv.ID, conv.UserID).
		Scan(&conv.Version, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("error creating conversation: %v", err)
	}

	return conv, nil
}

func (s *PostgresStorage) GetConversation(ctx context.Context, id, userID string) (*models.Conversation, error) {
	query := `
		SELECT id, user_id, version, created_at, updated_at
		FROM conversations
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`

	conv := &models.Conversation{}
	err := s.db.QueryRowContext(ctx, query, id, userID).
		Scan(&conv.ID, &conv.UserID, &conv.Version, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying conversation: %v", err)
	}

	return conv, nil
}

func (s *PostgresStorage) AppendMessage(ctx context.Context, conversationID string, expectedVersion int64, msg *models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %v", err)
	}
	defer tx.Rollback()

	// Optimistic check: the version bump only matches when nobody else
	// appended since the conversation was loaded.
	result, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $2 AND deleted_at IS NULL`,
		conversationID, expectedVersion)
	if err != nil {
		return fmt.Errorf("error bumping conversation version: %v", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %v", err)
	}
	if rowsAffected == 0 {
		return ErrVersionConflict
	}

	var toolCalls any
	if len(msg.ToolCalls) > 0 {
		encoded, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("error encoding tool calls: %v", err)
		}
		toolCalls = encoded
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, tool_calls)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING seq, created_at`,
		msg.ID, conversationID, msg.Role, msg.Content, toolCalls).
		Scan(&msg.Seq, &msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("error inserting message: %v", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing append: %v", err)
	}

	msg.ConversationID = conversationID
	return nil
}

func (s *PostgresStorage) ListMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	// Most recent `limit` messages, returned in causal (seq) order.
	query := `
		SELECT seq, id, conversation_id, role, content, tool_calls, created_at
		FROM (
			SELECT seq, id, conversation_id, role, content, tool_calls, created_at
			FROM messages
			WHERE conversation_id = $1
			ORDER BY seq DESC
			LIMIT $2
		) recent
		ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying messages: %v", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		var toolCalls []byte
		err := rows.Scan(
			&msg.Seq,
			&msg.ID,
			&msg.ConversationID,
			&msg.Role,
			&msg.Content,
			&toolCalls,
			&msg.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning message: %v", err)
		}
		if len(toolCalls) > 0 {
			if err := json.Unmarshal(toolCalls, &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("error decoding tool calls: %v", err)
			}
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %v", err)
	}

	return messages, nil
}

func (s *PostgresStorage) CreateTask(ctx context.Context, task *models.Task) error {
	query := `
		INSERT INTO tasks (user_id, title, description, due_date)
		VALUES ($1, $2, $3, $4)
		RETURNING id, completed, created_at, updated_at`

	err := s.db.QueryRowContext(ctx, query,
		task.UserID,
		task.Title,
		task.Description,
		task.DueDate,
	).Scan(&task.ID, &task.Completed, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("error creating task: %v", err)
	}

	return nil
}

func (s *PostgresStorage) GetTask(ctx context.Context, userID string, taskID int64) (*models.Task, error) {
	query := `
		SELECT id, user_id, title, description, completed, due_date, created_at, updated_at
		FROM tasks
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`

	task := &models.Task{}
	err := s.db.QueryRowContext(ctx, query, taskID, userID).Scan(
		&task.ID,
		&task.UserID,
		&task.Title,
		&task.Description,
		&task.Completed,
		&task.DueDate,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying task: %v", err)
	}

	return task, nil
}

func (s *PostgresStorage) ListTasks(ctx context.Context, userID string, status models.TaskStatusFilter) ([]*models.Task, error) {
	query := `
		SELECT id, user_id, title, description, completed, due_date, created_at, updated_at
		FROM tasks
		WHERE user_id = $1 AND deleted_at IS NULL`

	switch status {
	case models.TaskStatusPending:
		query += ` AND completed = FALSE`
	case models.TaskStatusCompleted:
		query += ` AND completed = TRUE`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("error querying tasks: %v", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task := &models.Task{}
		err := rows.Scan(
			&task.ID,
			&task.UserID,
			&task.Title,
			&task.Description,
			&task.Completed,
			&task.DueDate,
			&task.CreatedAt,
			&task.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning task: %v", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %v", err)
	}

	return tasks, nil
}

func (s *PostgresStorage) UpdateTask(ctx context.Context, task *models.Task) error {
	query := `
		UPDATE tasks
		SET title = $1, description = $2, completed = $3, due_date = $4, updated_at = $5
		WHERE id = $6 AND user_id = $7 AND deleted_at IS NULL
		RETURNING updated_at`

	err := s.db.QueryRowContext(ctx, query,
		task.Title,
		task.Description,
		task.Completed,
		task.DueDate,
		time.Now().UTC(),
		task.ID,
		task.UserID,
	).Scan(&task.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("error updating task: %v", err)
	}

	return nil
}

func (s *PostgresStorage) DeleteTask(ctx context.Context, userID string, taskID int64) error {
	query := `
		UPDATE tasks
		SET deleted_at = now(), updated_at = now()
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`

	result, err := s.db.ExecContext(ctx, query, taskID, userID)
	if err != nil {
		return fmt.Errorf("error deleting task: %v", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %v", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
