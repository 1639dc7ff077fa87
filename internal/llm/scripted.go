package llm

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Reply is one scripted answer. It applies when the request's system
// prompt contains System and every keyword in When occurs in the latest
// user message, both case-insensitive. Empty fields always match.
type Reply struct {
	System string
	When   []string
	Text   string
}

func (r Reply) matches(req Request) bool {
	if r.System != "" && !strings.Contains(strings.ToLower(req.System), strings.ToLower(r.System)) {
		return false
	}
	text := strings.ToLower(req.LastUser())
	for _, kw := range r.When {
		if !strings.Contains(text, strings.ToLower(kw)) {
			return false
		}
	}
	return true
}

// Scripted is a deterministic Client. Replies are tried in order against
// the latest user message; without replies it cycles through the fixed
// responses. Calls are recorded for assertions.
type Scripted struct {
	mu        sync.Mutex
	replies   []Reply
	responses []string
	next      int
	err       error
	fn        func(context.Context, Request) (*Response, error)

	// Calls holds every request received, oldest first.
	Calls []Request
}

// NewScripted returns a client that answers with the first matching reply.
func NewScripted(replies ...Reply) *Scripted {
	return &Scripted{replies: replies}
}

// WithResponses makes the client cycle through fixed responses.
func (s *Scripted) WithResponses(responses ...string) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = responses
	s.next = 0
	return s
}

// WithError makes every call fail with err.
func (s *Scripted) WithError(err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	return s
}

// WithFunc delegates every call to fn.
func (s *Scripted) WithFunc(fn func(context.Context, Request) (*Response, error)) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fn = fn
	return s
}

// Complete implements Client.
func (s *Scripted) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	s.mu.Lock()
	s.Calls = append(s.Calls, req)
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return nil, err
	}
	fn := s.fn
	text := s.pick(req)
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return &Response{
		Content:      text,
		Model:        "scripted",
		FinishReason: "stop",
		Usage: TokenUsage{
			OutputTokens: len(strings.Fields(text)),
			TotalTokens:  len(strings.Fields(text)),
		},
		Duration: time.Since(start),
	}, nil
}

// Stream implements Client by splitting the reply into word chunks.
func (s *Scripted) Stream(ctx context.Context, req Request, onChunk func(string)) (*Response, error) {
	resp, err := s.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if onChunk != nil {
		for _, c := range SplitChunks(resp.Content) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			onChunk(c)
		}
	}
	return resp, nil
}

// CallCount returns the number of calls made.
func (s *Scripted) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}

// LastCall returns the most recent request, or nil.
func (s *Scripted) LastCall() *Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Calls) == 0 {
		return nil
	}
	req := s.Calls[len(s.Calls)-1]
	return &req
}

// Reset clears recorded calls and rewinds fixed responses.
func (s *Scripted) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = nil
	s.next = 0
}

// pick must be called with mu held.
func (s *Scripted) pick(req Request) string {
	for _, r := range s.replies {
		if r.matches(req) {
			return r.Text
		}
	}
	if len(s.responses) == 0 {
		return ""
	}
	text := s.responses[s.next%len(s.responses)]
	s.next++
	return text
}

// SplitChunks splits text into word-sized pieces that concatenate back to
// text, each carrying its trailing whitespace.
func SplitChunks(text string) []string {
	var chunks []string
	start := 0
	inSpace := false
	for i, r := range text {
		space := r == ' ' || r == '\n' || r == '\t'
		if inSpace && !space {
			chunks = append(chunks, text[start:i])
			start = i
		}
		inSpace = space
	}
	if start < len(text) {
		chunks = append(chunks, text[start:])
	}
	return chunks
}
