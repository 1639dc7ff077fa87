package convoflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Test state types used across tests

// Counter is a simple state for testing incrementing.
type Counter struct {
	Value int
}

// State is a more complex state for testing various scenarios.
type State struct {
	Step     int      `json:"step"`
	Progress []string `json:"progress"`
	Initial  string   `json:"initial"`
	Output   string   `json:"output"`
	Done     bool     `json:"done"`
	GoLeft   bool     `json:"go_left"`
	Answer   string   `json:"answer"`
	Count    int      `json:"count"`
}

// Helper node functions

// increment is a node that increments the counter.
func increment(_ Context, s Counter) (Result[Counter], error) {
	s.Value++
	return Continue(s), nil
}

// passthrough returns the state unchanged.
func passthrough[S any](_ Context, s S) (Result[S], error) {
	return Continue(s), nil
}

// makeTrackingNode creates a node that records its execution.
func makeTrackingNode(name string, tracker *[]string) NodeFunc[State] {
	return func(_ Context, s State) (Result[State], error) {
		*tracker = append(*tracker, name)
		s.Progress = append(s.Progress, name)
		return Continue(s), nil
	}
}

// makeFailingNode creates a node that returns the given error.
func makeFailingNode(err error) NodeFunc[State] {
	return func(_ Context, s State) (Result[State], error) {
		return Continue(s), err
	}
}

// makePanicNode creates a node that panics with the given value.
func makePanicNode(value any) NodeFunc[State] {
	return func(Context, State) (Result[State], error) {
		panic(value)
	}
}

// askNode suspends until it is resumed with a string answer.
func askNode(ctx Context, s State) (Result[State], error) {
	if v, ok := ctx.ResumeValue(); ok {
		s.Answer, _ = v.(string)
		s.Progress = append(s.Progress, "ask")
		return Continue(s), nil
	}
	ctx.Emit("what is your answer?")
	return Suspend(s, map[string]string{"question": "answer"}), nil
}

// testCtx creates a simple test context.
func testCtx() Context {
	return NewContext(context.Background(), WithThreadID("test-thread"))
}

// collect drains a turn's events, failing the test if the channel stays open.
func collect[S any](t *testing.T, ch <-chan Event[S]) []Event[S] {
	t.Helper()
	var events []Event[S]
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, e)
		case <-timeout:
			require.FailNow(t, "timed out waiting for events")
			return nil
		}
	}
}

// kinds returns the kinds of events in order.
func kinds[S any](events []Event[S]) []EventKind {
	out := make([]EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

var errBoom = errors.New("boom")
