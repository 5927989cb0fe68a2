// Package server implements the HTTP API: POST /chat and
// GET /conversations/{id}/messages, behind bearer-token auth and
// per-user rate limits.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/askarov/taskpilot/internal/auth"
	"github.com/askarov/taskpilot/internal/chat"
	"github.com/askarov/taskpilot/internal/models"
)

// ChatService is the request-level surface the handlers call.
type ChatService interface {
	Chat(ctx context.Context, in chat.ChatInput) (*chat.ChatOutput, error)
	Messages(ctx context.Context, userID, conversationID string, limit int) ([]*models.Message, error)
}

type Options struct {
	Addr             string
	ChatPerMinute    int
	HistoryPerMinute int
	RequestTimeout   time.Duration
}

type Server struct {
	service        ChatService
	verifier       auth.Verifier
	chatLimiter    *userLimiter
	historyLimiter *userLimiter
	requestTimeout time.Duration
	logger         *zap.Logger
	httpServer     *http.Server
}

func New(opts Options, service ChatService, verifier auth.Verifier, logger *zap.Logger) *Server {
	if opts.ChatPerMinute <= 0 {
		opts.ChatPerMinute = 10
	}
	if opts.HistoryPerMinute <= 0 {
		opts.HistoryPerMinute = 30
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 2 * time.Minute
	}

	s := &Server{
		service:        service,
		verifier:       verifier,
		chatLimiter:    newUserLimiter(opts.ChatPerMinute),
		historyLimiter: newUserLimiter(opts.HistoryPerMinute),
		requestTimeout: opts.RequestTimeout,
		logger:         logger,
	}
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /chat", s.withAuth(s.withLimit(s.chatLimiter, s.handleChat)))
	mux.Handle("GET /conversations/{id}/messages", s.withAuth(s.withLimit(s.historyLimiter, s.handleMessages)))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// --- middleware ---

type contextKey int

const userIDKey contextKey = iota

func userIDFrom(ctx context.Context) string {
	userID, _ := ctx.Value(userIDKey).(string)
	return userID
}

func (s *Server) withAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			s.logger.Warn("Rejected unauthenticated request",
				zap.String("reason", "missing bearer token"),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("path", r.URL.Path))
			s.writeError(w, http.StatusUnauthorized, "INVALID_SESSION", "Invalid session. Please sign in again.")
			return
		}

		userID, err := s.verifier.Verify(token)
		if err != nil {
			s.logger.Warn("Rejected unauthenticated request",
				zap.String("reason", "invalid session token"),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("path", r.URL.Path))
			s.writeError(w, http.StatusUnauthorized, "INVALID_SESSION", "Invalid session. Please sign in again.")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next(w, r.WithContext(ctx))
	})
}

func (s *Server) withLimit(limiter *userLimiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.allow(userIDFrom(r.Context())) {
			w.Header().Set("Retry-After", "60")
			s.writeError(w, http.StatusTooManyRequests, string(chat.ErrorRateLimited), "Too many requests. Please try again later.")
			return
		}
		next(w, r)
	}
}

// --- handlers ---

type chatRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

type toolCallResponse struct {
	Tool   string          `json:"tool"`
	Args   json.RawMessage `json:"args"`
	Result json.RawMessage `json:"result"`
}

type chatResponse struct {
	ConversationID string             `json:"conversation_id"`
	Response       string             `json:"response"`
	ToolCalls      []toolCallResponse `json:"tool_calls,omitempty"`
}

type messageResponse struct {
	ID        string             `json:"id"`
	Role      string             `json:"role"`
	Content   string             `json:"content"`
	ToolCalls []toolCallResponse `json:"tool_calls,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, string(chat.ErrorValidation), "Invalid request body.")
		return
	}

	// Detach from the client connection: if the caller disconnects,
	// in-flight model and tool work still completes and persists.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.requestTimeout)
	defer cancel()

	out, err := s.service.Chat(ctx, chat.ChatInput{
		UserID:         userIDFrom(r.Context()),
		ConversationID: req.ConversationID,
		Message:        req.Message,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, chatResponse{
		ConversationID: out.ConversationID,
		Response:       out.Response,
		ToolCalls:      toToolCallResponses(out.ToolCalls),
	}, s.logger)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 100 {
			s.writeError(w, http.StatusUnprocessableEntity, string(chat.ErrorValidation), "limit must be between 1 and 100.")
			return
		}
		limit = parsed
	}

	msgs, err := s.service.Messages(r.Context(), userIDFrom(r.Context()), r.PathValue("id"), limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	out := make([]messageResponse, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, messageResponse{
			ID:        msg.ID,
			Role:      string(msg.Role),
			Content:   msg.Content,
			ToolCalls: toToolCallResponses(msg.ToolCalls),
			CreatedAt: msg.CreatedAt,
		})
	}
	writeJSON(w, out, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}

// --- response helpers ---

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("Failed to write JSON response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorEnvelope{Error: errorBody{Code: code, Message: message}}); err != nil {
		s.logger.Debug("Failed to write error response", zap.Error(err))
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var cerr *chat.Error
	if !errors.As(err, &cerr) {
		s.logger.Error("Unhandled service error", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, string(chat.ErrorInternal), "Internal server error.")
		return
	}

	status := http.StatusInternalServerError
	switch cerr.Code {
	case chat.ErrorValidation:
		status = http.StatusUnprocessableEntity
	case chat.ErrorConversationNotFound:
		status = http.StatusNotFound
	case chat.ErrorRateLimited:
		status = http.StatusTooManyRequests
	case chat.ErrorModelUnavailable:
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Error(cerr))
	}
	s.writeError(w, status, string(cerr.Code), cerr.Message)
}

func toToolCallResponses(calls []models.ToolCall) []toolCallResponse {
	if len(calls) == 0 {
		return nil
	}
	out := make([]toolCallResponse, 0, len(calls))
	for _, tc := range calls {
		out = append(out, toolCallResponse{
			Tool:   tc.Tool,
			Args:   tc.Args,
			Result: tc.Result,
		})
	}
	return out
}
