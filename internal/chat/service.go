// Package chat implements the request-level flow: validate the inbound
// message, rebuild conversation context from the store, run the agent
// loop, and return the final answer. The service keeps no conversation
// state between calls. Every request re-derives everything from
// storage, so replicas and restarts are invisible to callers.
package chat

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/askarov/taskpilot/internal/agent"
	"github.com/askarov/taskpilot/internal/models"
	"github.com/askarov/taskpilot/internal/storage"
)

const (
	maxMessageLength    = 2000
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

// Orchestrator runs the model/tool loop for one request.
type Orchestrator interface {
	Run(ctx context.Context, conversationID, ownerID string, version int64, history []openai.ChatCompletionMessage) (*agent.Result, error)
}

type Service struct {
	store        storage.Storage
	orchestrator Orchestrator
	logger       *zap.Logger
	historyLimit int
}

func NewService(store storage.Storage, orchestrator Orchestrator, logger *zap.Logger, historyLimit int) *Service {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &Service{
		store:        store,
		orchestrator: orchestrator,
		logger:       logger,
		historyLimit: historyLimit,
	}
}

type ChatInput struct {
	UserID         string
	ConversationID string
	Message        string
}

type ChatOutput struct {
	ConversationID string
	Response       string
	ToolCalls      []models.ToolCall
}

func (s *Service) Chat(ctx context.Context, in ChatInput) (*ChatOutput, error) {
	text := strings.TrimSpace(in.Message)
	if text == "" {
		return nil, newError(ErrorValidation, "Message cannot be empty.", nil)
	}
	if utf8.RuneCountInString(text) > maxMessageLength {
		return nil, newError(ErrorValidation, "Message exceeds the 2000 character limit.", nil)
	}

	conv, err := s.resolveConversation(ctx, in.UserID, in.ConversationID)
	if err != nil {
		return nil, err
	}

	// The user's message is durably recorded before any model work, so
	// a model failure never loses user input.
	userMsg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           models.RoleUser,
		Content:        text,
	}
	version, err := storage.AppendWithRetry(ctx, s.store, conv.ID, in.UserID, conv.Version, userMsg, 0)
	if err != nil {
		s.logger.Error("Failed to persist user message",
			zap.Error(err),
			zap.String("conversation_id", conv.ID),
			zap.String("user_id", in.UserID))
		return nil, newError(ErrorInternal, "Could not record the message.", err)
	}

	// Rebuild context from the store. The just-appended user message is
	// part of the load, so the model sees exactly the persisted state.
	msgs, err := s.store.ListMessages(ctx, conv.ID, s.historyLimit)
	if err != nil {
		s.logger.Error("Failed to load conversation history",
			zap.Error(err),
			zap.String("conversation_id", conv.ID))
		return nil, newError(ErrorInternal, "Could not load conversation history.", err)
	}
	history := agent.BuildHistory(agent.SystemPrompt, msgs)

	result, err := s.orchestrator.Run(ctx, conv.ID, in.UserID, version, history)
	if err != nil {
		switch {
		case errors.Is(err, agent.ErrModelUnavailable):
			return nil, newError(ErrorModelUnavailable, "AI service is unavailable. Please try again.", err)
		case errors.Is(err, agent.ErrToolRoundsExceeded):
			return nil, newError(ErrorInternal, "The assistant could not complete the request.", err)
		default:
			s.logger.Error("Orchestration failed",
				zap.Error(err),
				zap.String("conversation_id", conv.ID),
				zap.String("user_id", in.UserID))
			return nil, newError(ErrorInternal, "The assistant could not complete the request.", err)
		}
	}

	return &ChatOutput{
		ConversationID: conv.ID,
		Response:       result.Response,
		ToolCalls:      result.ToolCalls,
	}, nil
}

// Messages returns a conversation's history in causal order. Absent and
// foreign conversations are indistinguishable to the caller.
func (s *Service) Messages(ctx context.Context, userID, conversationID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	if _, err := s.getConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	msgs, err := s.store.ListMessages(ctx, conversationID, limit)
	if err != nil {
		s.logger.Error("Failed to load conversation history",
			zap.Error(err),
			zap.String("conversation_id", conversationID))
		return nil, newError(ErrorInternal, "Could not load conversation history.", err)
	}
	return msgs, nil
}

// resolveConversation loads the caller's conversation, or creates one
// when no identifier was supplied. A stale or foreign identifier fails
// the request explicitly rather than silently starting a fresh
// conversation, so clients know to drop their cached identifier.
func (s *Service) resolveConversation(ctx context.Context, userID, conversationID string) (*models.Conversation, error) {
	if conversationID == "" {
		conv, err := s.store.CreateConversation(ctx, userID)
		if err != nil {
			s.logger.Error("Failed to create conversation",
				zap.Error(err),
				zap.String("user_id", userID))
			return nil, newError(ErrorInternal, "Could not create a conversation.", err)
		}
		return conv, nil
	}

	return s.getConversation(ctx, conversationID, userID)
}

func (s *Service) getConversation(ctx context.Context, conversationID, userID string) (*models.Conversation, error) {
	// Malformed identifiers get the same answer as foreign ones.
	if _, err := uuid.Parse(conversationID); err != nil {
		return nil, newError(ErrorConversationNotFound, "Conversation not found.", nil)
	}

	conv, err := s.store.GetConversation(ctx, conversationID, userID)
	if errors.Is(err, storage.ErrNotFound) {
		// Absent and foreign conversations are indistinguishable by
		// construction, so the event is logged without classifying it.
		s.logger.Warn("Refused conversation access",
			zap.String("conversation_id", conversationID),
			zap.String("user_id", userID))
		return nil, newError(ErrorConversationNotFound, "Conversation not found.", nil)
	}
	if err != nil {
		s.logger.Error("Failed to load conversation",
			zap.Error(err),
			zap.String("conversation_id", conversationID))
		return nil, newError(ErrorInternal, "Could not load the conversation.", err)
	}
	return conv, nil
}
