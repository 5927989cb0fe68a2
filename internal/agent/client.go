package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// ErrModelUnavailable means the model could not be reached within the
// configured timeout and retry budget. Surfaced to the caller as
// AI_SERVICE_UNAVAILABLE.
var ErrModelUnavailable = errors.New("ai service unavailable")

// ModelClient is the single seam to the language-model provider: one
// call with history and tool definitions, one message back.
type ModelClient interface {
	Complete(ctx context.Context, messages []openai.ChatCompletionMessage, tools []openai.Tool) (openai.ChatCompletionMessage, error)
}

type OpenAIClient struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float64
	timeout     time.Duration
	maxRetries  int
	logger      *zap.Logger
}

func NewOpenAIClient(apiKey, model string, maxTokens int, temperature float64, timeout time.Duration, maxRetries int, logger *zap.Logger) *OpenAIClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIClient{
		client:      openai.NewClient(apiKey),
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		timeout:     timeout,
		maxRetries:  maxRetries,
		logger:      logger,
	}
}

func (c *OpenAIClient) Complete(ctx context.Context, messages []openai.ChatCompletionMessage, tools []openai.Tool) (openai.ChatCompletionMessage, error) {
	var out openai.ChatCompletionMessage

	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		resp, err := c.client.CreateChatCompletion(
			callCtx,
			openai.ChatCompletionRequest{
				Model:       c.model,
				Messages:    messages,
				Tools:       tools,
				MaxTokens:   c.maxTokens,
				Temperature: float32(c.temperature),
			},
		)
		if err != nil {
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		if len(resp.Choices) == 0 {
			return backoff.Permanent(errors.New("model returned no choices"))
		}

		out = resp.Choices[0].Message
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.maxRetries)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		c.logger.Error("Model call failed",
			zap.Error(err),
			zap.String("model", c.model))
		return openai.ChatCompletionMessage{}, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}

	return out, nil
}

// retryable reports whether the failure is worth another attempt:
// timeouts and transport errors always are, API errors only when the
// provider is throttling or failing server-side.
func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	return true
}
