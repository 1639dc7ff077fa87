package convoflow

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Context provides execution context to nodes and routers.
// It extends context.Context with the thread being executed, a logger,
// and the two node-side operations of a conversational turn: emitting
// text and reading the resume value.
//
// Context is immutable after creation. The executor creates derived contexts
// for each node with updated NodeID and enriched logger.
type Context interface {
	context.Context

	// Logger returns the configured logger, enriched with thread and node context.
	// Never returns nil - defaults to slog.Default() if not configured.
	Logger() *slog.Logger

	// ThreadID returns the conversation thread this turn belongs to.
	// Auto-generated if not configured.
	ThreadID() string

	// NodeID returns the current node being executed.
	// Empty string outside node execution.
	NodeID() string

	// Emit streams a chunk of user-facing text. Chunks are delivered in
	// order as chunk events. Emit is a no-op outside a run.
	Emit(text string)

	// ResumeValue returns the external input a suspended node was waiting
	// for. It is only set when the node re-entered on resume is the one
	// that suspended, and only for that one invocation.
	ResumeValue() (any, bool)
}

// executionContext is the internal implementation of Context.
type executionContext struct {
	context.Context

	logger    *slog.Logger
	threadID  string
	nodeID    string
	emit      func(nodeID, text string)
	resume    any
	hasResume bool
}

// Logger returns the configured logger.
func (c *executionContext) Logger() *slog.Logger {
	return c.logger
}

// ThreadID returns the thread identifier.
func (c *executionContext) ThreadID() string {
	return c.threadID
}

// NodeID returns the current node identifier.
func (c *executionContext) NodeID() string {
	return c.nodeID
}

// Emit forwards text to the run's event handler.
func (c *executionContext) Emit(text string) {
	if c.emit != nil && text != "" {
		c.emit(c.nodeID, text)
	}
}

// ResumeValue returns the resume payload, if any.
func (c *executionContext) ResumeValue() (any, bool) {
	return c.resume, c.hasResume
}

// ContextOption configures a Context.
type ContextOption func(*executionContext)

// WithLogger sets the logger for the context.
// The logger will be enriched with thread_id and node_id during execution.
func WithLogger(logger *slog.Logger) ContextOption {
	return func(c *executionContext) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithThreadID sets the thread identifier for the context.
// If not set, a UUID will be auto-generated.
func WithThreadID(id string) ContextOption {
	return func(c *executionContext) {
		c.threadID = id
	}
}

// NewContext creates an execution context from a standard context.
//
// Example:
//
//	ctx := convoflow.NewContext(context.Background(),
//	    convoflow.WithLogger(myLogger),
//	    convoflow.WithThreadID("thread-123"))
func NewContext(ctx context.Context, opts ...ContextOption) Context {
	ec := &executionContext{
		Context: ctx,
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(ec)
	}
	if ec.threadID == "" {
		ec.threadID = uuid.NewString()
	}

	return ec
}

// asExecutionContext adapts any Context for the executor, keeping the
// caller's values and deadline.
func asExecutionContext(ctx Context) *executionContext {
	if ec, ok := ctx.(*executionContext); ok {
		return ec
	}
	return &executionContext{
		Context:  ctx,
		logger:   ctx.Logger(),
		threadID: ctx.ThreadID(),
	}
}

// forNode returns a derived context for one node invocation.
func (c *executionContext) forNode(nodeID string, emit func(nodeID, text string), resume any, hasResume bool) *executionContext {
	return &executionContext{
		Context:   c.Context,
		logger:    c.logger.With("thread_id", c.threadID, "node_id", nodeID),
		threadID:  c.threadID,
		nodeID:    nodeID,
		emit:      emit,
		resume:    resume,
		hasResume: hasResume,
	}
}

// withContext swaps the underlying context.Context, keeping everything else.
func (c *executionContext) withContext(ctx context.Context) *executionContext {
	cp := *c
	cp.Context = ctx
	return &cp
}
