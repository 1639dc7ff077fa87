// Package stream turns a turn's engine events into client output and
// tracker updates.
package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/randalmurphal/convoflow/pkg/convoflow"
)

// Status is how a turn ended, as reported to the client.
type Status string

const (
	// StatusDone means the graph finished.
	StatusDone Status = "done"

	// StatusAwaitingInput means the graph suspended and waits for the user.
	StatusAwaitingInput Status = "awaiting_input"

	// StatusFailed means the turn ended with an error.
	StatusFailed Status = "failed"
)

// ErrNoTerminalEvent is reported when the event channel closes without an
// interrupt, done or error event.
var ErrNoTerminalEvent = errors.New("event stream closed without terminal event")

// Sink receives the client-visible part of a turn.
type Sink interface {
	Chunk(text string) error
	Interrupt(nodeID string, payload any) error
	Error(err error) error

	// Complete is called once after the last event.
	Complete(status Status) error
}

// Recorder receives node updates. tracker.Tracker implements it.
type Recorder interface {
	Record(threadID, node string, fields map[string]any)
}

// Result summarizes a multiplexed turn.
type Result struct {
	ThreadID string
	Status   Status

	// Text is every chunk concatenated.
	Text string

	// InterruptNode and Payload are set when Status is StatusAwaitingInput.
	InterruptNode string
	Payload       any

	// Err is the turn's error when Status is StatusFailed.
	Err error

	// SinkErr is the first error returned by the sink, after which the sink
	// received nothing more.
	SinkErr error
}

type config[S any] struct {
	recorder Recorder
	fields   func(S) map[string]any
	logger   *slog.Logger
}

// Option configures Multiplex.
type Option[S any] func(*config[S])

// WithRecorder forwards each node_update to r with fields(state).
func WithRecorder[S any](r Recorder, fields func(S) map[string]any) Option[S] {
	return func(c *config[S]) {
		c.recorder = r
		c.fields = fields
	}
}

// WithLogger sets the logger for recorder and sink failures.
func WithLogger[S any](l *slog.Logger) Option[S] {
	return func(c *config[S]) {
		if l != nil {
			c.logger = l
		}
	}
}

// Multiplex drains events until the channel closes. Chunks go to the sink
// in order as they arrive, node updates go to the recorder, and the sink's
// Complete is called at the end.
//
// Recorder panics are logged and swallowed. After the sink fails it gets
// nothing more, but events are still drained and recorded so the turn can
// finish and release its thread.
func Multiplex[S any](events <-chan convoflow.Event[S], sink Sink, opts ...Option[S]) Result {
	cfg := config[S]{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	var (
		res      Result
		text     strings.Builder
		terminal bool
	)

	write := func(op string, fn func() error) {
		if res.SinkErr != nil {
			return
		}
		if err := fn(); err != nil {
			res.SinkErr = err
			cfg.logger.Warn("stream sink failed, draining turn", "thread_id", res.ThreadID, "op", op, "error", err)
		}
	}

	for e := range events {
		if res.ThreadID == "" {
			res.ThreadID = e.ThreadID
		}
		switch e.Kind {
		case convoflow.EventChunk:
			text.WriteString(e.Text)
			write("chunk", func() error { return sink.Chunk(e.Text) })

		case convoflow.EventNodeUpdate:
			cfg.record(e)

		case convoflow.EventInterrupt:
			terminal = true
			res.Status = StatusAwaitingInput
			res.InterruptNode = e.NodeID
			res.Payload = e.Payload
			write("interrupt", func() error { return sink.Interrupt(e.NodeID, e.Payload) })

		case convoflow.EventDone:
			terminal = true
			res.Status = StatusDone

		case convoflow.EventError:
			terminal = true
			res.Status = StatusFailed
			res.Err = e.Err
			write("error", func() error { return sink.Error(e.Err) })
		}
	}

	if !terminal {
		res.Status = StatusFailed
		res.Err = ErrNoTerminalEvent
		write("error", func() error { return sink.Error(ErrNoTerminalEvent) })
	}
	write("complete", func() error { return sink.Complete(res.Status) })

	res.Text = text.String()
	return res
}

func (c *config[S]) record(e convoflow.Event[S]) {
	if c.recorder == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("tracker record panicked",
				"thread_id", e.ThreadID,
				"node_id", e.NodeID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()

	var fields map[string]any
	if c.fields != nil {
		fields = c.fields(e.State)
	}
	c.recorder.Record(e.ThreadID, e.NodeID, fields)
}
