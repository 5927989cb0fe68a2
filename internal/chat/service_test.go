package chat

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/askarov/taskpilot/internal/agent"
	"github.com/askarov/taskpilot/internal/models"
	"github.com/askarov/taskpilot/internal/storage"
	"github.com/askarov/taskpilot/internal/tools"
)

// fakeModel replays scripted replies and records the context it saw.
type fakeModel struct {
	mu      sync.Mutex
	replies []openai.ChatCompletionMessage
	err     error
	calls   int
	seen    [][]openai.ChatCompletionMessage
}

func (f *fakeModel) Complete(ctx context.Context, messages []openai.ChatCompletionMessage, defs []openai.Tool) (openai.ChatCompletionMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seen = append(f.seen, messages)
	if f.err != nil {
		return openai.ChatCompletionMessage{}, f.err
	}

	reply := f.replies[len(f.replies)-1]
	if f.calls < len(f.replies) {
		reply = f.replies[f.calls]
	}
	f.calls++
	return reply, nil
}

func newTestService(model agent.ModelClient, store storage.Storage) *Service {
	logger := zap.NewNop()
	registry := tools.NewRegistry(store, logger)
	orchestrator := agent.NewOrchestrator(model, registry, store, logger, 5, 50)
	return NewService(store, orchestrator, logger, 50)
}

func text(content string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content}
}

func TestChatValidation(t *testing.T) {
	svc := newTestService(&fakeModel{replies: []openai.ChatCompletionMessage{text("hi")}}, storage.NewMemoryStorage())

	for name, message := range map[string]string{
		"empty":           "",
		"whitespace only": "   \n\t ",
		"too long":        strings.Repeat("x", 2001),
	} {
		_, err := svc.Chat(context.Background(), ChatInput{UserID: "alice", Message: message})
		var cerr *Error
		require.ErrorAs(t, err, &cerr, name)
		assert.Equal(t, ErrorValidation, cerr.Code, name)
	}
}

func TestChatCreatesConversationWhenNoneGiven(t *testing.T) {
	store := storage.NewMemoryStorage()
	svc := newTestService(&fakeModel{replies: []openai.ChatCompletionMessage{text("Hello! How can I help?")}}, store)

	out, err := svc.Chat(context.Background(), ChatInput{UserID: "alice", Message: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, out.ConversationID)
	assert.Equal(t, "Hello! How can I help?", out.Response)
	assert.Nil(t, out.ToolCalls)

	msgs, err := svc.Messages(context.Background(), "alice", out.ConversationID, 50)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
}

func TestChatRejectsUnknownConversation(t *testing.T) {
	store := storage.NewMemoryStorage()
	svc := newTestService(&fakeModel{replies: []openai.ChatCompletionMessage{text("hi")}}, store)

	// A stale identifier fails explicitly; the server never silently
	// starts a fresh conversation for it.
	_, err := svc.Chat(context.Background(), ChatInput{
		UserID:         "alice",
		ConversationID: "2d9f5e0a-52ce-4f67-a1ce-93e1f7f3e45b",
		Message:        "hi",
	})
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ErrorConversationNotFound, cerr.Code)

	_, err = svc.Chat(context.Background(), ChatInput{
		UserID:         "alice",
		ConversationID: "not-a-uuid",
		Message:        "hi",
	})
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ErrorConversationNotFound, cerr.Code)
}

func TestChatHidesForeignConversations(t *testing.T) {
	store := storage.NewMemoryStorage()
	svc := newTestService(&fakeModel{replies: []openai.ChatCompletionMessage{text("hi")}}, store)

	out, err := svc.Chat(context.Background(), ChatInput{UserID: "alice", Message: "hi"})
	require.NoError(t, err)

	_, err = svc.Chat(context.Background(), ChatInput{
		UserID:         "bob",
		ConversationID: out.ConversationID,
		Message:        "let me in",
	})
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ErrorConversationNotFound, cerr.Code)

	_, err = svc.Messages(context.Background(), "bob", out.ConversationID, 50)
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ErrorConversationNotFound, cerr.Code)
}

func TestForeignConversationAccessIsLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	logger := zap.New(core)
	store := storage.NewMemoryStorage()
	registry := tools.NewRegistry(store, logger)
	model := &fakeModel{replies: []openai.ChatCompletionMessage{text("hi")}}
	svc := NewService(store, agent.NewOrchestrator(model, registry, store, logger, 5, 50), logger, 50)

	out, err := svc.Chat(context.Background(), ChatInput{UserID: "alice", Message: "hi"})
	require.NoError(t, err)

	_, err = svc.Chat(context.Background(), ChatInput{
		UserID:         "bob",
		ConversationID: out.ConversationID,
		Message:        "let me in",
	})
	require.Error(t, err)

	entries := logs.FilterMessage("Refused conversation access").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "bob", fields["user_id"])
	assert.Equal(t, out.ConversationID, fields["conversation_id"])
}

func TestChatModelFailureKeepsUserMessage(t *testing.T) {
	store := storage.NewMemoryStorage()
	svc := newTestService(&fakeModel{err: agent.ErrModelUnavailable}, store)

	conv, err := store.CreateConversation(context.Background(), "alice")
	require.NoError(t, err)

	out, err := svc.Chat(context.Background(), ChatInput{UserID: "alice", ConversationID: conv.ID, Message: "hi"})
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ErrorModelUnavailable, cerr.Code)
	assert.Nil(t, out)

	// The user's message was durably recorded before the model call.
	msgs, err := store.ListMessages(context.Background(), conv.ID, 100)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Content)
}

func TestChatRoundCapSurfacesInternalError(t *testing.T) {
	store := storage.NewMemoryStorage()
	model := &fakeModel{replies: []openai.ChatCompletionMessage{{
		Role: openai.ChatMessageRoleAssistant,
		ToolCalls: []openai.ToolCall{{
			ID:       "call_loop",
			Type:     openai.ToolTypeFunction,
			Function: openai.FunctionCall{Name: "list_tasks", Arguments: `{}`},
		}},
	}}}
	svc := newTestService(model, store)

	conv, err := store.CreateConversation(context.Background(), "alice")
	require.NoError(t, err)

	first, err := svc.Chat(context.Background(), ChatInput{UserID: "alice", ConversationID: conv.ID, Message: "start"})
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ErrorInternal, cerr.Code)
	assert.Nil(t, first)

	// The five completed rounds remain retrievable.
	msgs, err := svc.Messages(context.Background(), "alice", conv.ID, 100)
	require.NoError(t, err)
	require.Len(t, msgs, 6)
	for _, msg := range msgs[1:] {
		require.Len(t, msg.ToolCalls, 1)
		assert.Equal(t, "list_tasks", msg.ToolCalls[0].Tool)
	}
}

func TestChatSurvivesRestart(t *testing.T) {
	store := storage.NewMemoryStorage()

	first := newTestService(&fakeModel{replies: []openai.ChatCompletionMessage{text("Noted!")}}, store)
	out, err := first.Chat(context.Background(), ChatInput{UserID: "alice", Message: "my cat is called Busya"})
	require.NoError(t, err)

	// A brand-new service over the same store stands in for a restarted
	// (or different) server process.
	model := &fakeModel{replies: []openai.ChatCompletionMessage{text("Busya!")}}
	second := newTestService(model, store)

	res, err := second.Chat(context.Background(), ChatInput{
		UserID:         "alice",
		ConversationID: out.ConversationID,
		Message:        "what is my cat called?",
	})
	require.NoError(t, err)
	assert.Equal(t, "Busya!", res.Response)

	// The reconstructed context contained the first exchange.
	require.Len(t, model.seen, 1)
	var sawFirstMessage bool
	for _, msg := range model.seen[0] {
		if strings.Contains(msg.Content, "Busya") && msg.Role == openai.ChatMessageRoleUser {
			sawFirstMessage = true
		}
	}
	assert.True(t, sawFirstMessage)
}

func TestConcurrentChatsSameConversationStaySerialized(t *testing.T) {
	store := storage.NewMemoryStorage()
	svc := newTestService(&fakeModel{replies: []openai.ChatCompletionMessage{text("ok")}}, store)

	out, err := svc.Chat(context.Background(), ChatInput{UserID: "alice", Message: "start"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Chat(context.Background(), ChatInput{
				UserID:         "alice",
				ConversationID: out.ConversationID,
				Message:        "concurrent",
			})
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// The final log is a strict total order with every turn intact.
	msgs, err := svc.Messages(context.Background(), "alice", out.ConversationID, 100)
	require.NoError(t, err)
	require.Len(t, msgs, 6)

	var users, assistants int
	for i, msg := range msgs {
		assert.Equal(t, int64(i+1), msg.Seq)
		switch msg.Role {
		case models.RoleUser:
			users++
		case models.RoleAssistant:
			assistants++
		}
	}
	assert.Equal(t, 3, users)
	assert.Equal(t, 3, assistants)
}

func TestMessagesClampsLimit(t *testing.T) {
	store := storage.NewMemoryStorage()
	svc := newTestService(&fakeModel{replies: []openai.ChatCompletionMessage{text("ok")}}, store)

	out, err := svc.Chat(context.Background(), ChatInput{UserID: "alice", Message: "hi"})
	require.NoError(t, err)

	msgs, err := svc.Messages(context.Background(), "alice", out.ConversationID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	msgs, err = svc.Messages(context.Background(), "alice", out.ConversationID, 100000)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}
