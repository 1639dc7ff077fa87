package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/randalmurphal/convoflow/pkg/convoflow/conversation"
	"github.com/randalmurphal/convoflow/pkg/convoflow/retry"
)

// DefaultModel is used when neither the client nor the request names one.
const DefaultModel = "gpt-4o-mini"

// OpenAI is a Client backed by an OpenAI-compatible chat completions API.
type OpenAI struct {
	client  openai.Client
	model   string
	timeout time.Duration
	policy  retry.Policy
}

// OpenAIOption configures an OpenAI client.
type OpenAIOption func(*openAIConfig)

type openAIConfig struct {
	apiKey     string
	baseURL    string
	model      string
	timeout    time.Duration
	policy     retry.Policy
	httpClient *http.Client
}

// WithAPIKey sets the bearer token.
func WithAPIKey(key string) OpenAIOption {
	return func(c *openAIConfig) { c.apiKey = key }
}

// WithBaseURL points the client at a compatible endpoint.
func WithBaseURL(url string) OpenAIOption {
	return func(c *openAIConfig) { c.baseURL = url }
}

// WithModel sets the default model.
func WithModel(model string) OpenAIOption {
	return func(c *openAIConfig) { c.model = model }
}

// WithTimeout bounds each attempt. Zero means no per-attempt bound.
func WithTimeout(d time.Duration) OpenAIOption {
	return func(c *openAIConfig) { c.timeout = d }
}

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p retry.Policy) OpenAIOption {
	return func(c *openAIConfig) { c.policy = p }
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) OpenAIOption {
	return func(c *openAIConfig) { c.httpClient = hc }
}

// NewOpenAI creates a client. The SDK's own retries are disabled so that
// every retry goes through the configured retry.Policy.
func NewOpenAI(opts ...OpenAIOption) *OpenAI {
	cfg := openAIConfig{
		model:  DefaultModel,
		policy: retry.DefaultPolicy,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	reqOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(cfg.apiKey))
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	}

	return &OpenAI{
		client:  openai.NewClient(reqOpts...),
		model:   cfg.model,
		timeout: cfg.timeout,
		policy:  cfg.policy,
	}
}

// Model returns the default model name.
func (c *OpenAI) Model() string { return c.model }

// Complete implements Client.
func (c *OpenAI) Complete(ctx context.Context, req Request) (*Response, error) {
	params := c.params(req)
	start := time.Now()

	return retry.Do(ctx, c.policy, func(ctx context.Context) (*Response, error) {
		ctx, cancel := c.attemptContext(ctx)
		defer cancel()

		completion, err := c.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return nil, c.classify(err, "chat.completions")
		}
		if len(completion.Choices) == 0 {
			return nil, ErrNoChoices
		}

		return &Response{
			Content:      completion.Choices[0].Message.Content,
			Model:        completion.Model,
			FinishReason: completion.Choices[0].FinishReason,
			Usage: TokenUsage{
				InputTokens:  int(completion.Usage.PromptTokens),
				OutputTokens: int(completion.Usage.CompletionTokens),
				TotalTokens:  int(completion.Usage.TotalTokens),
			},
			Duration: time.Since(start),
		}, nil
	})
}

// Stream implements Client. A failure before the first chunk is retried
// under the policy; once text has reached onChunk the error is returned
// as is, since the caller has already shown part of the reply.
func (c *OpenAI) Stream(ctx context.Context, req Request, onChunk func(string)) (*Response, error) {
	params := c.params(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}
	start := time.Now()

	var emitted bool
	policy := c.policy
	retryable := policy.Retryable
	policy.Retryable = func(err error) bool {
		if emitted {
			return false
		}
		if retryable != nil {
			return retryable(err)
		}
		return retry.IsRetryable(err)
	}

	return retry.Do(ctx, policy, func(ctx context.Context) (*Response, error) {
		ctx, cancel := c.attemptContext(ctx)
		defer cancel()

		stream := c.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		var (
			text strings.Builder
			resp Response
		)
		for stream.Next() {
			chunk := stream.Current()
			if chunk.Model != "" {
				resp.Model = chunk.Model
			}
			if chunk.Usage.TotalTokens > 0 {
				resp.Usage = TokenUsage{
					InputTokens:  int(chunk.Usage.PromptTokens),
					OutputTokens: int(chunk.Usage.CompletionTokens),
					TotalTokens:  int(chunk.Usage.TotalTokens),
				}
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.FinishReason != "" {
				resp.FinishReason = choice.FinishReason
			}
			if delta := choice.Delta.Content; delta != "" {
				emitted = true
				text.WriteString(delta)
				if onChunk != nil {
					onChunk(delta)
				}
			}
		}
		if err := stream.Err(); err != nil {
			return nil, c.classify(err, "chat.completions stream")
		}

		resp.Content = text.String()
		resp.Duration = time.Since(start)
		return &resp, nil
	})
}

func (c *OpenAI) params(req Request) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = c.model
	}

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case conversation.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case conversation.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: msgs,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	return params
}

func (c *OpenAI) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// classify maps SDK errors onto the retry package's error types.
func (c *OpenAI) classify(err error, endpoint string) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &retry.HTTPError{
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Message,
			Endpoint:   endpoint,
			Err:        err,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) && c.timeout > 0 {
		return &retry.TimeoutError{Operation: endpoint, Duration: c.timeout.String()}
	}
	return fmt.Errorf("%s: %w", endpoint, err)
}
