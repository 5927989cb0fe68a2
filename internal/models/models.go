package models

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Conversation is an owned, ordered chat session. Version increments on
// every appended message and backs the optimistic concurrency check in
// the store.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ToolCall is the persisted record of one tool invocation: the provider
// call id, the tool name, the raw arguments the model supplied, and the
// structured result that was fed back to it. Immutable once written.
type ToolCall struct {
	ID     string          `json:"id"`
	Tool   string          `json:"tool"`
	Args   json.RawMessage `json:"args"`
	Result json.RawMessage `json:"result"`
}

// Message is a single turn within a conversation. Seq is assigned by the
// store on append and defines the strict total order of the exchange.
// Assistant turns that invoked tools carry the round's ToolCall records.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Seq            int64      `json:"seq"`
	Role           Role       `json:"role"`
	Content        string     `json:"content"`
	ToolCalls      []ToolCall `json:"tool_calls,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Task is a user's to-do item. UserID always comes from the verified
// session, never from request input or model output.
type Task struct {
	ID          int64      `json:"id"`
	UserID      string     `json:"user_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Completed   bool       `json:"completed"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type TaskStatusFilter string

const (
	TaskStatusAll       TaskStatusFilter = "all"
	TaskStatusPending   TaskStatusFilter = "pending"
	TaskStatusCompleted TaskStatusFilter = "completed"
)
