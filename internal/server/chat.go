package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/randalmurphal/convoflow/pkg/convoflow/conversation"
	"github.com/randalmurphal/convoflow/pkg/convoflow/coordinator"
	"github.com/randalmurphal/convoflow/pkg/convoflow/registry"
	"github.com/randalmurphal/convoflow/pkg/convoflow/stream"
)

// ChatMessage is one message of a chat completion request.
type ChatMessage struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content"`
}

// ChatCompletionRequest is the body of POST /v1/chat/completions.
type ChatCompletionRequest struct {
	Model    string        `json:"model" validate:"required"`
	Messages []ChatMessage `json:"messages" validate:"required,min=1,dive"`
	ThreadID string        `json:"thread_id,omitempty" validate:"omitempty,max=256"`
	Stream   bool          `json:"stream"`
}

// Interrupt tells the client the workflow waits for its next message.
type Interrupt struct {
	NodeID  string `json:"node_id"`
	Payload any    `json:"payload,omitempty"`
}

// ChatCompletion is the non-streaming response.
type ChatCompletion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`

	ThreadID  string     `json:"thread_id"`
	Status    string     `json:"status"`
	Interrupt *Interrupt `json:"interrupt,omitempty"`
}

// CompletionChoice is one choice of a ChatCompletion.
type CompletionChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatCompletionChunk is one SSE frame of a streaming response.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`

	ThreadID  string     `json:"thread_id,omitempty"`
	Status    string     `json:"status,omitempty"`
	Interrupt *Interrupt `json:"interrupt,omitempty"`
}

// ChunkChoice is one choice of a ChatCompletionChunk.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta is the incremental message content of a chunk.
type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

func finishReason(status stream.Status) string {
	if status == stream.StatusFailed {
		return "error"
	}
	return "stop"
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req ChatCompletionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, APIError{Message: "invalid JSON body: " + err.Error(), Type: "invalid_request_error"})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationError(err))
		return
	}

	msgs := make([]conversation.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = conversation.Message{Role: m.Role, Content: m.Content}
	}

	// A client that goes away stops the turn at the next node boundary.
	// Checkpoints of completed nodes are still written.
	ctx, cancel := context.WithTimeout(r.Context(), s.turnTimeout)
	defer cancel()

	turn, err := s.coord.Start(ctx, coordinator.Request{
		Workflow: req.Model,
		ChatID:   r.Header.Get(HeaderChatID),
		ThreadID: req.ThreadID,
		Messages: msgs,
	})
	if err != nil {
		status, apiErr := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("starting turn failed", "model", req.Model, "error", err)
		}
		writeError(w, status, apiErr)
		return
	}
	w.Header().Set(HeaderThreadID, turn.ThreadID)

	id := "chatcmpl-" + uuid.NewString()
	created := s.now().Unix()

	if req.Stream {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		sink := &sseSink{w: w, rc: http.NewResponseController(w), id: id, created: created, model: req.Model, threadID: turn.ThreadID}
		res := turn.Stream(sink)
		if res.Err != nil {
			s.logger.Warn("turn failed", "thread_id", res.ThreadID, "error", res.Err)
		}
		return
	}

	sink := &stream.Collector{}
	res := turn.Stream(sink)
	if res.Status == stream.StatusFailed {
		s.logger.Warn("turn failed", "thread_id", res.ThreadID, "error", res.Err)
		writeError(w, http.StatusInternalServerError, APIError{Message: res.Err.Error(), Type: "workflow_error"})
		return
	}

	out := ChatCompletion{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   req.Model,
		Choices: []CompletionChoice{{
			Message:      ChatMessage{Role: conversation.RoleAssistant, Content: res.Text},
			FinishReason: finishReason(res.Status),
		}},
		ThreadID: res.ThreadID,
		Status:   string(res.Status),
	}
	if res.Status == stream.StatusAwaitingInput {
		out.Interrupt = &Interrupt{NodeID: res.InterruptNode, Payload: res.Payload}
	}
	writeJSON(w, http.StatusOK, out)
}

// sseSink writes chat.completion.chunk frames.
type sseSink struct {
	w        io.Writer
	rc       *http.ResponseController
	id       string
	created  int64
	model    string
	threadID string
	started  bool
}

func (s *sseSink) chunk() ChatCompletionChunk {
	return ChatCompletionChunk{
		ID:       s.id,
		Object:   "chat.completion.chunk",
		Created:  s.created,
		Model:    s.model,
		ThreadID: s.threadID,
	}
}

func (s *sseSink) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	return s.rc.Flush()
}

// open sends the role frame that precedes any content.
func (s *sseSink) open() error {
	if s.started {
		return nil
	}
	s.started = true
	c := s.chunk()
	c.Choices = []ChunkChoice{{Delta: Delta{Role: conversation.RoleAssistant}}}
	return s.send(c)
}

func (s *sseSink) Chunk(text string) error {
	if err := s.open(); err != nil {
		return err
	}
	c := s.chunk()
	c.Choices = []ChunkChoice{{Delta: Delta{Content: text}}}
	return s.send(c)
}

func (s *sseSink) Interrupt(nodeID string, payload any) error {
	if err := s.open(); err != nil {
		return err
	}
	c := s.chunk()
	c.Choices = []ChunkChoice{{}}
	c.Interrupt = &Interrupt{NodeID: nodeID, Payload: payload}
	return s.send(c)
}

func (s *sseSink) Error(err error) error {
	var apiErr APIError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		apiErr = APIError{Message: "turn timed out", Type: "timeout_error"}
	default:
		apiErr = APIError{Message: err.Error(), Type: "workflow_error"}
	}
	return s.send(errorBody{Error: apiErr})
}

func (s *sseSink) Complete(status stream.Status) error {
	if err := s.open(); err != nil {
		return err
	}
	reason := finishReason(status)
	c := s.chunk()
	c.Choices = []ChunkChoice{{FinishReason: &reason}}
	c.Status = string(status)
	if err := s.send(c); err != nil {
		return err
	}
	if _, err := io.WriteString(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	return s.rc.Flush()
}

// Model is one entry of GET /v1/models.
type Model struct {
	ID          string `json:"id"`
	Object      string `json:"object"`
	Created     int64  `json:"created"`
	OwnedBy     string `json:"owned_by"`
	Description string `json:"description,omitempty"`
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	infos := s.coord.Workflows().List()
	models := make([]Model, 0, len(infos))
	for _, info := range infos {
		models = append(models, modelOf(info))
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": models})
}

func modelOf(info registry.Info) Model {
	return Model{ID: info.Name, Object: "model", OwnedBy: "convoflow", Description: info.Description}
}
