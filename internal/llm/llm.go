// Package llm talks to chat models. Workflow nodes depend on the Client
// interface; the OpenAI implementation serves real traffic and Scripted
// serves tests and keyless demos.
package llm

import (
	"context"
	"errors"
	"time"

	"github.com/randalmurphal/convoflow/pkg/convoflow/conversation"
)

// ErrNoChoices is returned when the model answers without any choice.
var ErrNoChoices = errors.New("llm: response has no choices")

// Client completes a conversation.
type Client interface {
	// Complete returns the whole reply at once.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Stream calls onChunk for every text delta as it arrives and returns
	// the assembled reply.
	Stream(ctx context.Context, req Request, onChunk func(string)) (*Response, error)
}

// Request configures one completion call.
type Request struct {
	System   string                 `json:"system,omitempty"`
	Messages []conversation.Message `json:"messages"`

	// Model overrides the client's default model.
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// LastUser returns the content of the latest user message.
func (r Request) LastUser() string {
	m, _ := conversation.LatestUser(r.Messages)
	return m.Content
}

// Response is the output of a completion call.
type Response struct {
	Content      string        `json:"content"`
	Usage        TokenUsage    `json:"usage"`
	Model        string        `json:"model"`
	FinishReason string        `json:"finish_reason"`
	Duration     time.Duration `json:"duration"`
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add accumulates other into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}
