/*
Package convoflow runs conversational workflows as resumable graphs.

# Overview

A workflow is a directed graph of nodes over a typed state. One turn of
a conversation walks the graph from a start node until a node suspends
to wait for the user, a terminal node completes, or something fails.
The state after every node is checkpointed, so the next turn (possibly
in another process) picks up exactly where the last one stopped.

# Building a Graph

	type State struct {
	    Question string
	    Answer   string
	}

	func ask(ctx convoflow.Context, s State) (convoflow.Result[State], error) {
	    if v, ok := ctx.ResumeValue(); ok {
	        s.Answer = v.(string)
	        return convoflow.Continue(s), nil
	    }
	    ctx.Emit(s.Question)
	    return convoflow.Suspend(s, map[string]string{"field": "answer"}), nil
	}

	compiled, err := convoflow.NewGraph[State]().
	    AddNode("ask", ask).
	    AddNode("reply", reply).
	    AddEdge("ask", "reply").
	    SetEntry("ask").
	    Compile()

A node returns one of three results: Continue follows the node's edge,
Suspend ends the turn and re-enters the same node on resume, and Done
ends the graph regardless of edges. A node with no outgoing edge is
terminal.

# Conditional Edges

Routers return an outcome label. Every label must be declared up front;
an undeclared label fails the turn.

	graph.AddConditionalEdge("classify", func(ctx convoflow.Context, s State) string {
	    return s.Category
	}, map[string]string{
	    "hardware": "triage",
	    "unclear":  "clarify",
	})

# Compile-Time Validation

Compile rejects graphs with a missing or unknown entry point, edges or
routes to unknown nodes, nodes with more than one unconditional edge or
with both edge kinds, empty outcome labels, and nodes unreachable from
the entry point. All problems are reported together via errors.Join.

# Threads and Turns

A Manager ties a compiled graph to a checkpoint.Store:

	m := convoflow.NewManager(compiled, checkpoint.NewMemoryStore())

	events, err := m.RunOrResume(ctx, "thread-1", convoflow.Input[State]{
	    Mode:  convoflow.ModeStart,
	    State: State{Question: "What is your name?"},
	})
	for e := range events {
	    switch e.Kind {
	    case convoflow.EventChunk:
	        fmt.Print(e.Text)
	    case convoflow.EventInterrupt:
	        // waiting for input
	    }
	}

	events, err = m.RunOrResume(ctx, "thread-1", convoflow.Input[State]{
	    Mode:        convoflow.ModeResume,
	    ResumeValue: "Ada",
	})

Only one turn runs per thread at a time. With LockWait (the default) a
second turn waits; with LockReject it fails with ErrThreadBusy. Get reads
the latest checkpoint without waiting.

Every turn writes an input checkpoint before the first node runs and one
checkpoint after each completed or suspended node. A failed checkpoint
save fails the turn.

# Events

Every turn yields chunk and node_update events followed by exactly one
terminal event: interrupt, done, or error.

# Error Handling

Node errors are wrapped in NodeError, panics are recovered as PanicError,
router failures become RouterError, and cancellation at a node boundary
or during a node becomes CancellationError. Use errors.As to inspect them.

# Observability

Logging, OpenTelemetry metrics, and tracing are opt-in per run:

	compiled.Run(ctx, state,
	    convoflow.WithObservabilityLogger[State](logger),
	    convoflow.WithMetrics[State](true),
	    convoflow.WithTracing[State](true),
	)

Pass them to every managed turn with WithRunOptions.
*/
package convoflow
