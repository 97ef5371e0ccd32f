package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	lgerrors "layergraph/backend/pkg/errors"
	"layergraph/backend/pkg/logger"
)

const (
	defaultMaxRetries = 3
	defaultBackoff    = time.Second
)

// Options tunes an LLMAdapter. Zero values get defaults.
type Options struct {
	MaxRetries int
	// Backoff is multiplied by the attempt number between retries
	Backoff    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// LLMAdapter turns a prompt and a JSON schema into a structured object by
// forcing the model to call a single function whose parameters are the schema.
// It talks to any OpenAI compatible endpoint, LiteLLM by default.
type LLMAdapter struct {
	client *openai.Client
	model  string
	mu     sync.RWMutex // Protects model field for concurrent access
	opts   Options
	logger *zap.Logger
}

// NewLLMAdapter creates a new LLM adapter
func NewLLMAdapter(baseURL, apiKey, modelID string, opts Options) *LLMAdapter {
	// For LiteLLM, we can use a dummy API key if not provided
	if apiKey == "" {
		apiKey = "dummy-key"
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}

	config := openai.DefaultConfig(apiKey)
	config.BaseURL = strings.TrimRight(baseURL, "/") + "/v1"
	if opts.HTTPClient != nil {
		config.HTTPClient = opts.HTTPClient
	}

	return &LLMAdapter{
		client: openai.NewClientWithConfig(config),
		model:  modelID,
		opts:   opts,
		logger: logger.OrDefault(opts.Logger, "llm"),
	}
}

// SetModel updates the model used by this adapter
func (a *LLMAdapter) SetModel(model string) {
	if model != "" {
		a.mu.Lock()
		a.model = model
		a.mu.Unlock()
		a.logger.Debug("LLM adapter model updated", zap.String("model", model))
	}
}

// GetModel returns the current model
func (a *LLMAdapter) GetModel() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.model
}

// Schema names the object the model must produce
type Schema struct {
	Name        string
	Description string
	// Parameters is a JSON schema object
	Parameters map[string]any
}

// Validator is implemented by extraction targets that check their own
// mandatory fields after decoding
type Validator interface {
	Validate() error
}

// GenerateStructured asks the model for an instance of schema and decodes it
// into out. Transport failures, rate limits and output that does not decode
// or validate are retried. On failure out is left untouched and the error is
// an ErrExtractionFailed, or an ErrContextCancelled when ctx ended first.
func (a *LLMAdapter) GenerateStructured(ctx context.Context, systemPrompt, userMsg string, schema Schema, out any) error {
	model := a.GetModel()
	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userMsg},
		},
		Tools: []openai.Tool{{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        schema.Name,
				Description: schema.Description,
				Parameters:  schema.Parameters,
			},
		}},
		ToolChoice: openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: schema.Name},
		},
		Temperature: 0,
	}

	var lastErr error
	retryable := true
	attempt := 0
	for attempt < a.opts.MaxRetries && retryable {
		if attempt > 0 {
			backoff := time.Duration(attempt) * a.opts.Backoff
			a.logger.Warn("Retrying LLM request",
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return lgerrors.NewContextCancelled("llm backoff", ctx.Err())
			case <-time.After(backoff):
			}
		}
		attempt++

		resp, err := a.client.CreateChatCompletion(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return lgerrors.NewContextCancelled("llm request", ctx.Err())
			}
			lastErr, retryable = err, isRetryableAPIError(err)
			a.logger.Error("LLM request failed",
				zap.Error(err),
				zap.Int("attempt", attempt),
				zap.String("model", model),
				zap.Bool("retryable", retryable),
			)
			continue
		}

		raw, err := structuredOutput(resp, schema.Name)
		if err == nil {
			err = decodeInto(raw, out)
		}
		if err != nil {
			lastErr = err
			a.logger.Warn("LLM returned malformed output",
				zap.Error(err),
				zap.Int("attempt", attempt),
				zap.String("model", model),
			)
			continue
		}

		a.logger.Debug("LLM structured output generated",
			zap.String("model", model),
			zap.String("schema", schema.Name),
			zap.Int("attempts", attempt),
		)
		return nil
	}

	return lgerrors.NewExtractionFailed(model, attempt, retryable, lastErr)
}

// structuredOutput prefers the forced function call and falls back to JSON in
// the message content for endpoints that ignore tool_choice
func structuredOutput(resp openai.ChatCompletionResponse, name string) (string, error) {
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in LLM response")
	}
	msg := resp.Choices[0].Message
	for _, tc := range msg.ToolCalls {
		if tc.Function.Name == name {
			return tc.Function.Arguments, nil
		}
	}
	content := stripCodeFence(msg.Content)
	if content == "" {
		return "", fmt.Errorf("response has neither a %s call nor content", name)
	}
	return content, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

// decodeInto fills out only once the payload decodes and validates, so a bad
// attempt never leaves out half populated. out must be a non-nil pointer.
func decodeInto(raw string, out any) error {
	target := reflect.ValueOf(out)
	if target.Kind() != reflect.Pointer || target.IsNil() {
		return fmt.Errorf("decode target must be a non-nil pointer, got %T", out)
	}
	tmp := reflect.New(target.Elem().Type())
	if err := json.Unmarshal([]byte(raw), tmp.Interface()); err != nil {
		return fmt.Errorf("failed to parse arguments: %w", err)
	}
	if v, ok := tmp.Interface().(Validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("invalid structured output: %w", err)
		}
	}
	target.Elem().Set(tmp.Elem())
	return nil
}

// isRetryableAPIError treats rate limits, server errors and transport errors
// as transient
func isRetryableAPIError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	return true
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500 || code == 0
}
