package convoflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"time"

	"github.com/randalmurphal/convoflow/pkg/convoflow/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Outcome is the result of one run.
type Outcome[S any] struct {
	// State is the state after the last completed or suspended node. On
	// failure it is the state after the last completed node.
	State S

	// Execution is the thread's position after the run.
	Execution Execution

	// Nodes is the number of nodes that completed during the run.
	Nodes int
}

// Run executes one turn of the graph starting at the entry point (or the
// node given by WithStartNode) and stops when a node suspends, a terminal
// node completes, or an error occurs.
//
// Execution flow:
//  1. Check for cancellation
//  2. Execute the current node
//  3. On Suspend: report the step, emit an interrupt event, stop
//  4. Otherwise pick the next node (edge, route, or END) and report the step
//  5. Emit a node_update event; stop at END, else repeat
//
// Events go to the WithEventHandler callback; the last one is always
// terminal. Run does not retry nodes.
//
// Example:
//
//	ctx := convoflow.NewContext(context.Background(), convoflow.WithThreadID("t-1"))
//	out, err := compiled.Run(ctx, initialState)
//	if err == nil && out.Execution.Status == convoflow.StatusSuspended {
//	    // waiting for input at out.Execution.Current
//	}
func (cg *CompiledGraph[S]) Run(ctx Context, state S, opts ...RunOption[S]) (out Outcome[S], runErr error) {
	cfg := defaultRunConfig[S]()
	for _, opt := range opts {
		opt(&cfg)
	}

	if ctx == nil {
		out = Outcome[S]{State: state, Execution: Execution{Status: StatusFailed}}
		cfg.event(Event[S]{Kind: EventError, State: state, Err: ErrNilContext})
		return out, ErrNilContext
	}

	ec := asExecutionContext(ctx)
	threadID := ec.threadID

	start := cfg.startNode
	if start == "" {
		start = cg.entryPoint
	}
	if !cg.HasNode(start) {
		err := fmt.Errorf("%w: %s", ErrInvalidStartNode, start)
		out = Outcome[S]{State: state, Execution: Execution{Current: start, History: cfg.history, Status: StatusFailed}}
		cfg.event(Event[S]{Kind: EventError, ThreadID: threadID, NodeID: start, State: state, Err: err})
		return out, err
	}

	mode := cfg.mode
	if mode == "" {
		mode = string(ModeStart)
		if cfg.hasResume || start != cg.entryPoint {
			mode = string(ModeResume)
		}
	}

	startTime := time.Now()
	observability.LogTurnStart(cfg.logger, threadID, mode, start)

	if cfg.tracingEnabled {
		var turnSpan trace.Span
		var spanCtx context.Context
		spanCtx, turnSpan = cfg.spans.StartTurnSpan(ec, threadID, mode)
		ec = ec.withContext(spanCtx)
		defer func() {
			cfg.spans.EndSpanWithError(turnSpan, runErr)
		}()
	}

	out, runErr = cg.loop(ec, state, start, &cfg)

	duration := time.Since(startTime)
	durationMs := float64(duration.Microseconds()) / 1000

	status := string(out.Execution.Status)
	if runErr != nil {
		status = string(StatusFailed)
		out.Execution.Status = StatusFailed
	}
	cfg.metrics.RecordTurn(ec, mode, status, duration)

	if runErr != nil {
		observability.LogTurnError(cfg.logger, threadID, runErr, durationMs, failedNode(runErr, out.Execution.Current))
	} else {
		observability.LogTurnComplete(cfg.logger, threadID, status, durationMs, out.Nodes)
	}

	switch {
	case runErr != nil:
		cfg.event(Event[S]{Kind: EventError, ThreadID: threadID, NodeID: failedNode(runErr, out.Execution.Current), State: out.State, Err: runErr})
	case out.Execution.Status == StatusSuspended:
		var payload any
		if out.Execution.Interrupt != nil {
			payload = out.Execution.Interrupt.Payload
		}
		cfg.event(Event[S]{Kind: EventInterrupt, ThreadID: threadID, NodeID: out.Execution.Current, State: out.State, Payload: payload})
	default:
		cfg.event(Event[S]{Kind: EventDone, ThreadID: threadID, State: out.State})
	}

	return out, runErr
}

// Stream runs the graph on a new goroutine and returns its events.
// The channel is closed after the terminal event. If ctx is cancelled
// and the consumer stops reading, undeliverable events are dropped.
func (cg *CompiledGraph[S]) Stream(ctx Context, state S, opts ...RunOption[S]) <-chan Event[S] {
	ch := make(chan Event[S], 16)
	opts = append(slices.Clone(opts), WithEventHandler(func(e Event[S]) {
		deliver(ctx, ch, e)
	}))
	go func() {
		defer close(ch)
		_, _ = cg.Run(ctx, state, opts...)
	}()
	return ch
}

// deliver sends e, giving up once ctx is done and the channel is full.
func deliver[S any](ctx context.Context, ch chan<- Event[S], e Event[S]) {
	if ctx == nil {
		ch <- e
		return
	}
	select {
	case ch <- e:
	case <-ctx.Done():
		select {
		case ch <- e:
		default:
		}
	}
}

func (c *runConfig[S]) event(e Event[S]) {
	if c.onEvent != nil {
		c.onEvent(e)
	}
}

// loop walks the graph from current. It returns the outcome as of the last
// completed or suspended node.
func (cg *CompiledGraph[S]) loop(ec *executionContext, state S, current string, cfg *runConfig[S]) (Outcome[S], error) {
	history := slices.Clone(cfg.history)
	out := Outcome[S]{
		State:     state,
		Execution: Execution{Current: current, History: slices.Clone(history), Status: StatusRunning},
	}

	emit := func(nodeID, text string) {
		cfg.event(Event[S]{Kind: EventChunk, ThreadID: ec.threadID, NodeID: nodeID, Text: text})
	}
	resumePending := cfg.hasResume
	iterations := 0

	for {
		iterations++
		if cfg.maxIterations > 0 && iterations > cfg.maxIterations {
			return out, &MaxIterationsError{Max: cfg.maxIterations, LastNodeID: current, State: state}
		}

		if err := ec.Err(); err != nil {
			return out, &CancellationError{NodeID: current, State: state, Cause: err, WasExecuting: false}
		}

		observability.LogNodeStart(cfg.logger, current)

		nodeEC := ec.forNode(current, emit, cfg.resumeValue, resumePending)
		resumePending = false

		var nodeSpan trace.Span
		if cfg.tracingEnabled {
			var spanCtx context.Context
			spanCtx, nodeSpan = cfg.spans.StartNodeSpan(ec, current)
			nodeEC = nodeEC.withContext(spanCtx)
		}

		nodeStart := time.Now()
		result, nodeErr := cg.executeNode(nodeEC, current, state)
		nodeDuration := time.Since(nodeStart)

		cfg.metrics.RecordNodeExecution(nodeEC, current, nodeDuration, nodeErr)
		if cfg.tracingEnabled {
			cfg.spans.EndSpanWithError(nodeSpan, nodeErr)
		}

		if nodeErr != nil {
			observability.LogNodeError(cfg.logger, current, nodeErr)
			if cause := ec.Err(); cause != nil && errors.Is(nodeErr, cause) {
				return out, &CancellationError{NodeID: current, State: state, Cause: cause, WasExecuting: true}
			}
			return out, nodeErr
		}
		observability.LogNodeComplete(cfg.logger, current, float64(nodeDuration.Microseconds())/1000)

		state = result.State

		if result.Suspended() {
			out.State = state
			out.Execution = Execution{
				Current:   current,
				History:   slices.Clone(history),
				Interrupt: &Interrupt{NodeID: current, Payload: result.Payload()},
				Status:    StatusSuspended,
			}
			if err := cfg.step(nodeEC, Step[S]{NodeID: current, State: state, Execution: out.Execution}); err != nil {
				return out, err
			}
			observability.LogInterrupt(cfg.logger, current)
			cfg.metrics.RecordInterrupt(nodeEC, current)
			cfg.spans.AddSpanEvent(ec, observability.EventInterrupt, attribute.String("node.id", current))
			return out, nil
		}

		next := END
		if !result.Finished() {
			var err error
			next, err = cg.nextNode(nodeEC, state, current)
			if err != nil {
				return out, err
			}
		}
		cfg.spans.AddSpanEvent(ec, observability.EventRoute,
			attribute.String("from", current), attribute.String("to", next))

		history = append(history, current)
		status := StatusRunning
		if next == END {
			status = StatusDone
		}
		out.State = state
		out.Nodes++
		out.Execution = Execution{Current: next, History: slices.Clone(history), Status: status}

		if err := cfg.step(nodeEC, Step[S]{NodeID: current, State: state, Execution: out.Execution}); err != nil {
			return out, err
		}

		cfg.event(Event[S]{Kind: EventNodeUpdate, ThreadID: ec.threadID, NodeID: current, State: state})

		if next == END {
			return out, nil
		}
		current = next
	}
}

// step forwards to the step handler, wrapping failures.
func (c *runConfig[S]) step(ctx Context, s Step[S]) error {
	if c.onStep == nil {
		return nil
	}
	if err := c.onStep(ctx, s); err != nil {
		var cpErr *CheckpointError
		if errors.As(err, &cpErr) {
			return err
		}
		return &CheckpointError{NodeID: s.NodeID, Op: "save", Err: err}
	}
	return nil
}

// executeNode executes a single node with panic recovery.
// Returns the node's result and any error (including wrapped panics).
func (cg *CompiledGraph[S]) executeNode(ctx Context, nodeID string, state S) (result Result[S], err error) {
	fn, exists := cg.getNode(nodeID)
	if !exists {
		return Continue(state), &NodeError{
			NodeID: nodeID,
			Op:     "lookup",
			Err:    fmt.Errorf("node not found: %s", nodeID),
		}
	}

	defer func() {
		if r := recover(); r != nil {
			result = Continue(state)
			err = &PanicError{
				NodeID: nodeID,
				Value:  r,
				Stack:  string(debug.Stack()),
			}
		}
	}()

	result, err = fn(ctx, state)
	if err != nil {
		return result, &NodeError{
			NodeID: nodeID,
			Op:     "execute",
			Err:    err,
		}
	}

	return result, nil
}

// nextNode determines the node after current: the declared route for the
// router's outcome, the unconditional edge, or END for a terminal node.
func (cg *CompiledGraph[S]) nextNode(ctx Context, state S, current string) (next string, err error) {
	cond, ok := cg.conditions[current]
	if !ok {
		if to, ok := cg.edges[current]; ok {
			return to, nil
		}
		return END, nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = &RouterError{
				FromNode: current,
				Err:      &PanicError{NodeID: current, Value: r, Stack: string(debug.Stack())},
			}
		}
	}()

	outcome := cond.router(ctx, state)
	to, declared := cond.routes[outcome]
	if !declared {
		return "", &RouterError{
			FromNode: current,
			Returned: outcome,
			Err:      fmt.Errorf("%w (declared: %v)", ErrUndeclaredOutcome, cg.Outcomes(current)),
		}
	}
	return to, nil
}

// failedNode extracts the node a run failed at.
func failedNode(err error, fallback string) string {
	var nodeErr *NodeError
	var panicErr *PanicError
	var routerErr *RouterError
	var cancelErr *CancellationError
	var maxErr *MaxIterationsError
	var cpErr *CheckpointError
	switch {
	case errors.As(err, &nodeErr):
		return nodeErr.NodeID
	case errors.As(err, &panicErr):
		return panicErr.NodeID
	case errors.As(err, &routerErr):
		return routerErr.FromNode
	case errors.As(err, &cancelErr):
		return cancelErr.NodeID
	case errors.As(err, &maxErr):
		return maxErr.LastNodeID
	case errors.As(err, &cpErr):
		return cpErr.NodeID
	}
	return fallback
}
