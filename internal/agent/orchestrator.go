package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/askarov/taskpilot/internal/models"
	"github.com/askarov/taskpilot/internal/storage"
	"github.com/askarov/taskpilot/internal/tools"
)

// ErrToolRoundsExceeded means the model kept requesting tools past the
// round cap. Everything appended up to that point stays persisted.
var ErrToolRoundsExceeded = errors.New("tool call rounds exceeded")

const (
	defaultMaxToolRounds = 5
	defaultHistoryLimit  = 50

	fallbackResponse = "I'm not sure how to help with that. You can ask me to add, list, complete, delete, or update tasks."
)

// ToolExecutor is the registry surface the orchestrator needs: the
// definitions advertised to the model and owner-scoped execution.
type ToolExecutor interface {
	Definitions() []openai.Tool
	Execute(ctx context.Context, ownerID, name string, args json.RawMessage) tools.Result
}

// Orchestrator drives the bounded exchange between the model and the
// tool registry for a single request. It holds no state across
// requests; everything it needs arrives as arguments and everything it
// produces is appended to the store before Run returns.
type Orchestrator struct {
	client        ModelClient
	registry      ToolExecutor
	store         storage.ConversationStorage
	logger        *zap.Logger
	maxToolRounds int
	historyLimit  int
}

func NewOrchestrator(client ModelClient, registry ToolExecutor, store storage.ConversationStorage, logger *zap.Logger, maxToolRounds, historyLimit int) *Orchestrator {
	if maxToolRounds <= 0 {
		maxToolRounds = defaultMaxToolRounds
	}
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &Orchestrator{
		client:        client,
		registry:      registry,
		store:         store,
		logger:        logger,
		maxToolRounds: maxToolRounds,
		historyLimit:  historyLimit,
	}
}

// Result is the outcome of one orchestration run: the final assistant
// text plus every tool invocation record produced along the way.
type Result struct {
	Response  string
	ToolCalls []models.ToolCall
}

// Run loops the model against the tool registry until it produces a
// final answer or the round cap is hit. Each round's tool results are
// appended to the conversation as one assistant turn before the next
// model call, so a failure mid-run loses nothing already executed.
// After the last allowed tool round the model gets one more completion
// for its answer; requesting yet another round fails the request.
func (o *Orchestrator) Run(ctx context.Context, conversationID, ownerID string, version int64, history []openai.ChatCompletionMessage) (*Result, error) {
	definitions := o.registry.Definitions()
	var collected []models.ToolCall

	for round := 0; round <= o.maxToolRounds; round++ {
		reply, err := o.client.Complete(ctx, history, definitions)
		if err != nil {
			return nil, err
		}

		if len(reply.ToolCalls) == 0 {
			content := strings.TrimSpace(reply.Content)
			if content == "" {
				content = fallbackResponse
			}

			final := &models.Message{
				ID:             uuid.NewString(),
				ConversationID: conversationID,
				Role:           models.RoleAssistant,
				Content:        content,
			}
			if _, _, err := o.appendTurn(ctx, conversationID, ownerID, version, final); err != nil {
				return nil, fmt.Errorf("appending final assistant message: %w", err)
			}

			return &Result{Response: content, ToolCalls: collected}, nil
		}

		if round == o.maxToolRounds {
			break
		}

		records := o.executeRound(ctx, ownerID, reply.ToolCalls)

		turn := &models.Message{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			Role:           models.RoleAssistant,
			Content:        reply.Content,
			ToolCalls:      records,
		}
		var rebuilt []openai.ChatCompletionMessage
		version, rebuilt, err = o.appendTurn(ctx, conversationID, ownerID, version, turn)
		if err != nil {
			return nil, fmt.Errorf("appending tool round: %w", err)
		}

		collected = append(collected, records...)
		if rebuilt != nil {
			history = rebuilt
		} else {
			history = append(history, messageToWire(turn)...)
		}
	}

	o.logger.Error("Tool round cap exceeded",
		zap.String("conversation_id", conversationID),
		zap.String("user_id", ownerID),
		zap.Int("max_tool_rounds", o.maxToolRounds))
	return nil, ErrToolRoundsExceeded
}

const appendAttempts = 3

// appendTurn appends msg at version and returns the new version. On a
// version conflict another request interleaved its own turns, so after
// the retried append lands this re-reads the conversation and returns a
// rebuilt wire history that includes the interleaved turns (and msg
// itself); later rounds must not run on a history missing them. The
// returned history is nil when no conflict occurred.
func (o *Orchestrator) appendTurn(ctx context.Context, conversationID, ownerID string, version int64, msg *models.Message) (int64, []openai.ChatCompletionMessage, error) {
	err := o.store.AppendMessage(ctx, conversationID, version, msg)
	if err == nil {
		return version + 1, nil, nil
	}

	for attempt := 1; attempt < appendAttempts && errors.Is(err, storage.ErrVersionConflict); attempt++ {
		conv, convErr := o.store.GetConversation(ctx, conversationID, ownerID)
		if convErr != nil {
			return 0, nil, convErr
		}
		version = conv.Version
		err = o.store.AppendMessage(ctx, conversationID, version, msg)
	}
	if err != nil {
		return 0, nil, err
	}

	msgs, err := o.store.ListMessages(ctx, conversationID, o.historyLimit)
	if err != nil {
		return 0, nil, err
	}
	return version + 1, BuildHistory(SystemPrompt, msgs), nil
}

// executeRound runs every tool call of a single model turn. Calls are
// independent, so they execute concurrently; results keep the model's
// request order.
func (o *Orchestrator) executeRound(ctx context.Context, ownerID string, calls []openai.ToolCall) []models.ToolCall {
	records := make([]models.ToolCall, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call openai.ToolCall) {
			defer wg.Done()

			args := json.RawMessage(call.Function.Arguments)
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			result := o.registry.Execute(ctx, ownerID, call.Function.Name, args)

			encoded, err := json.Marshal(result)
			if err != nil {
				o.logger.Error("Failed to encode tool result",
					zap.Error(err),
					zap.String("tool", call.Function.Name))
				encoded = []byte(`{"success":false,"error_code":"INTERNAL_ERROR","error":"unencodable tool result"}`)
			}

			records[i] = models.ToolCall{
				ID:     call.ID,
				Tool:   call.Function.Name,
				Args:   args,
				Result: encoded,
			}
		}(i, call)
	}
	wg.Wait()

	return records
}
