package convoflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRun_LinearFlow tests basic linear execution.
func TestRun_LinearFlow(t *testing.T) {
	compiled, err := NewGraph[Counter]().
		AddNode("inc1", increment).
		AddNode("inc2", increment).
		AddNode("inc3", increment).
		AddEdge("inc1", "inc2").
		AddEdge("inc2", "inc3").
		AddEdge("inc3", END).
		SetEntry("inc1").
		Compile()
	require.NoError(t, err)

	out, err := compiled.Run(testCtx(), Counter{Value: 0})

	require.NoError(t, err)
	assert.Equal(t, 3, out.State.Value)
	assert.Equal(t, 3, out.Nodes)
	assert.Equal(t, StatusDone, out.Execution.Status)
	assert.Equal(t, END, out.Execution.Current)
	assert.Equal(t, []string{"inc1", "inc2", "inc3"}, out.Execution.History)
}

// TestRun_TerminalWithoutEdge ends at a node with no outgoing edge.
func TestRun_TerminalWithoutEdge(t *testing.T) {
	compiled, err := NewGraph[Counter]().
		AddNode("only", increment).
		SetEntry("only").
		Compile()
	require.NoError(t, err)

	out, err := compiled.Run(testCtx(), Counter{Value: 10})

	require.NoError(t, err)
	assert.Equal(t, 11, out.State.Value)
	assert.Equal(t, StatusDone, out.Execution.Status)
}

func TestRun_ConditionalRoutes(t *testing.T) {
	var visited []string
	router := func(_ Context, s State) string {
		if s.GoLeft {
			return "go_left"
		}
		return "go_right"
	}

	compiled, err := NewGraph[State]().
		AddNode("start", makeTrackingNode("start", &visited)).
		AddNode("left", makeTrackingNode("left", &visited)).
		AddNode("right", makeTrackingNode("right", &visited)).
		AddConditionalEdge("start", router, map[string]string{"go_left": "left", "go_right": "right"}).
		SetEntry("start").
		Compile()
	require.NoError(t, err)

	out, err := compiled.Run(testCtx(), State{GoLeft: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"start", "left"}, out.State.Progress)

	visited = nil
	out, err = compiled.Run(testCtx(), State{GoLeft: false})
	require.NoError(t, err)
	assert.Equal(t, []string{"start", "right"}, out.State.Progress)
	assert.Equal(t, []string{"start", "right"}, visited)
}

// TestRun_RouteToEND ends the turn through a route.
func TestRun_RouteToEND(t *testing.T) {
	compiled, err := NewGraph[State]().
		AddNode("check", passthrough[State]).
		AddNode("never", passthrough[State]).
		AddConditionalEdge("check", func(Context, State) string { return "stop" },
			map[string]string{"stop": END, "go": "never"}).
		SetEntry("check").
		Compile()
	require.NoError(t, err)

	out, err := compiled.Run(testCtx(), State{})
	require.NoError(t, err)
	assert.Equal(t, []string{"check"}, out.Execution.History)
}

// TestRun_Loop runs until the router exits.
func TestRun_Loop(t *testing.T) {
	counter := func(_ Context, s State) (Result[State], error) {
		s.Count++
		return Continue(s), nil
	}
	router := func(_ Context, s State) string {
		if s.Count >= 5 {
			return "done"
		}
		return "again"
	}

	compiled, err := NewGraph[State]().
		AddNode("count", counter).
		AddConditionalEdge("count", router, map[string]string{"done": END, "again": "count"}).
		SetEntry("count").
		Compile()
	require.NoError(t, err)

	out, err := compiled.Run(testCtx(), State{})
	require.NoError(t, err)
	assert.Equal(t, 5, out.State.Count)
	assert.Len(t, out.Execution.History, 5)
}

// TestRun_DoneIgnoresEdges stops at a node returning Done.
func TestRun_DoneIgnoresEdges(t *testing.T) {
	var visited []string
	stop := func(_ Context, s State) (Result[State], error) {
		s.Done = true
		return Done(s), nil
	}

	compiled, err := NewGraph[State]().
		AddNode("stop", stop).
		AddNode("after", makeTrackingNode("after", &visited)).
		AddEdge("stop", "after").
		SetEntry("stop").
		Compile()
	require.NoError(t, err)

	out, err := compiled.Run(testCtx(), State{})
	require.NoError(t, err)
	assert.True(t, out.State.Done)
	assert.Empty(t, visited)
	assert.Equal(t, StatusDone, out.Execution.Status)
}

func TestRun_NodeError(t *testing.T) {
	var visited []string
	compiled, err := NewGraph[State]().
		AddNode("first", makeTrackingNode("first", &visited)).
		AddNode("failing", makeFailingNode(errBoom)).
		AddEdge("first", "failing").
		SetEntry("first").
		Compile()
	require.NoError(t, err)

	out, err := compiled.Run(testCtx(), State{})

	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	var nodeErr *NodeError
	require.ErrorAs(t, err, &nodeErr)
	assert.Equal(t, "failing", nodeErr.NodeID)
	assert.Equal(t, "execute", nodeErr.Op)

	assert.Equal(t, StatusFailed, out.Execution.Status)
	assert.Equal(t, []string{"first"}, out.State.Progress, "state as of the last completed node")
	assert.Equal(t, []string{"first"}, out.Execution.History)
}

func TestRun_PanicRecovery(t *testing.T) {
	compiled, err := NewGraph[State]().
		AddNode("panicky", makePanicNode("something went wrong")).
		SetEntry("panicky").
		Compile()
	require.NoError(t, err)

	_, err = compiled.Run(testCtx(), State{})

	var panicErr *PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, "panicky", panicErr.NodeID)
	assert.Equal(t, "something went wrong", panicErr.Value)
	assert.NotEmpty(t, panicErr.Stack)
}

func TestRun_RouterPanic(t *testing.T) {
	compiled, err := NewGraph[State]().
		AddNode("a", passthrough[State]).
		AddConditionalEdge("a", func(Context, State) string { panic("router bug") },
			map[string]string{"x": END}).
		SetEntry("a").
		Compile()
	require.NoError(t, err)

	_, err = compiled.Run(testCtx(), State{})

	var routerErr *RouterError
	require.ErrorAs(t, err, &routerErr)
	assert.Equal(t, "a", routerErr.FromNode)
	var panicErr *PanicError
	assert.ErrorAs(t, err, &panicErr)
}

func TestRun_UndeclaredOutcome(t *testing.T) {
	compiled, err := NewGraph[State]().
		AddNode("a", passthrough[State]).
		AddNode("b", passthrough[State]).
		AddConditionalEdge("a", func(Context, State) string { return "surprise" },
			map[string]string{"expected": "b"}).
		SetEntry("a").
		Compile()
	require.NoError(t, err)

	_, err = compiled.Run(testCtx(), State{})

	require.ErrorIs(t, err, ErrUndeclaredOutcome)
	var routerErr *RouterError
	require.ErrorAs(t, err, &routerErr)
	assert.Equal(t, "surprise", routerErr.Returned)
	assert.Contains(t, err.Error(), "expected")
}

// TestRun_CancellationBetweenNodes checks ctx before each node.
func TestRun_CancellationBetweenNodes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var visited []string

	cancelling := func(_ Context, s State) (Result[State], error) {
		visited = append(visited, "first")
		cancel()
		return Continue(s), nil
	}

	compiled, err := NewGraph[State]().
		AddNode("first", cancelling).
		AddNode("second", makeTrackingNode("second", &visited)).
		AddEdge("first", "second").
		SetEntry("first").
		Compile()
	require.NoError(t, err)

	_, err = compiled.Run(NewContext(ctx), State{})

	require.ErrorIs(t, err, context.Canceled)
	var cancelErr *CancellationError
	require.ErrorAs(t, err, &cancelErr)
	assert.Equal(t, "second", cancelErr.NodeID)
	assert.False(t, cancelErr.WasExecuting)
	assert.Equal(t, []string{"first"}, visited)
}

// TestRun_CancellationDuringNode reports a node that failed because ctx ended.
func TestRun_CancellationDuringNode(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	slow := func(ctx Context, s State) (Result[State], error) {
		<-ctx.Done()
		return Continue(s), ctx.Err()
	}

	compiled, err := NewGraph[State]().
		AddNode("slow", slow).
		SetEntry("slow").
		Compile()
	require.NoError(t, err)

	_, err = compiled.Run(NewContext(ctx), State{})

	require.ErrorIs(t, err, context.DeadlineExceeded)
	var cancelErr *CancellationError
	require.ErrorAs(t, err, &cancelErr)
	assert.True(t, cancelErr.WasExecuting)
	assert.Equal(t, "slow", cancelErr.NodeID)
}

func TestRun_MaxIterations(t *testing.T) {
	compiled, err := NewGraph[State]().
		AddNode("loop", passthrough[State]).
		AddEdge("loop", "loop").
		SetEntry("loop").
		Compile()
	require.NoError(t, err)

	_, err = compiled.Run(testCtx(), State{}, WithMaxIterations[State](10))

	require.ErrorIs(t, err, ErrMaxIterations)
	var maxErr *MaxIterationsError
	require.ErrorAs(t, err, &maxErr)
	assert.Equal(t, 10, maxErr.Max)
	assert.Equal(t, "loop", maxErr.LastNodeID)
}

func TestRun_NilContext(t *testing.T) {
	compiled, err := NewGraph[Counter]().AddNode("a", increment).SetEntry("a").Compile()
	require.NoError(t, err)

	var events []Event[Counter]
	_, err = compiled.Run(nil, Counter{}, WithEventHandler(func(e Event[Counter]) { //nolint:staticcheck // nil context is the case under test
		events = append(events, e)
	}))

	require.ErrorIs(t, err, ErrNilContext)
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Kind)
}

func TestRun_InvalidStartNode(t *testing.T) {
	compiled, err := NewGraph[Counter]().AddNode("a", increment).SetEntry("a").Compile()
	require.NoError(t, err)

	_, err = compiled.Run(testCtx(), Counter{}, WithStartNode[Counter]("ghost"))
	require.ErrorIs(t, err, ErrInvalidStartNode)
}

func TestRun_SuspendAndResume(t *testing.T) {
	var visited []string
	compiled, err := NewGraph[State]().
		AddNode("greet", makeTrackingNode("greet", &visited)).
		AddNode("ask", askNode).
		AddNode("finish", makeTrackingNode("finish", &visited)).
		AddEdge("greet", "ask").
		AddEdge("ask", "finish").
		SetEntry("greet").
		Compile()
	require.NoError(t, err)

	out, err := compiled.Run(testCtx(), State{})
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, out.Execution.Status)
	assert.Equal(t, "ask", out.Execution.Current)
	assert.Equal(t, []string{"greet"}, out.Execution.History, "suspended node is not history yet")
	require.NotNil(t, out.Execution.Interrupt)
	assert.Equal(t, "ask", out.Execution.Interrupt.NodeID)
	assert.Equal(t, map[string]string{"question": "answer"}, out.Execution.Interrupt.Payload)

	resumed, err := compiled.Run(testCtx(), out.State,
		WithStartNode[State]("ask"),
		WithHistory[State](out.Execution.History),
		WithResumeValue[State]("42"))
	require.NoError(t, err)
	assert.Equal(t, StatusDone, resumed.Execution.Status)
	assert.Equal(t, "42", resumed.State.Answer)
	assert.Equal(t, []string{"greet", "ask", "finish"}, resumed.Execution.History)
	assert.Equal(t, []string{"greet", "finish"}, visited)
}

// TestRun_ResumeValueOnlyForFirstNode checks later nodes see no resume value.
func TestRun_ResumeValueOnlyForFirstNode(t *testing.T) {
	var seen []bool
	inspect := func(ctx Context, s State) (Result[State], error) {
		_, ok := ctx.ResumeValue()
		seen = append(seen, ok)
		return Continue(s), nil
	}

	compiled, err := NewGraph[State]().
		AddNode("a", inspect).
		AddNode("b", inspect).
		AddEdge("a", "b").
		SetEntry("a").
		Compile()
	require.NoError(t, err)

	_, err = compiled.Run(testCtx(), State{}, WithResumeValue[State]("x"))
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, seen)
}

func TestRun_EventOrder(t *testing.T) {
	talk := func(ctx Context, s State) (Result[State], error) {
		ctx.Emit("hello ")
		ctx.Emit("")
		ctx.Emit("world")
		return Continue(s), nil
	}

	compiled, err := NewGraph[State]().
		AddNode("talk", talk).
		AddNode("ask", askNode).
		AddEdge("talk", "ask").
		SetEntry("talk").
		Compile()
	require.NoError(t, err)

	var events []Event[State]
	_, err = compiled.Run(testCtx(), State{}, WithEventHandler(func(e Event[State]) {
		events = append(events, e)
	}))
	require.NoError(t, err)

	assert.Equal(t, []EventKind{EventChunk, EventChunk, EventNodeUpdate, EventChunk, EventInterrupt}, kinds(events))
	assert.Equal(t, "hello ", events[0].Text)
	assert.Equal(t, "talk", events[0].NodeID)
	assert.Equal(t, "ask", events[4].NodeID)
	assert.Equal(t, "test-thread", events[4].ThreadID)
	assert.True(t, events[4].Terminal())
	for _, e := range events[:4] {
		assert.False(t, e.Terminal())
	}
}

func TestRun_ErrorEventIsTerminal(t *testing.T) {
	compiled, err := NewGraph[State]().
		AddNode("failing", makeFailingNode(errBoom)).
		SetEntry("failing").
		Compile()
	require.NoError(t, err)

	var events []Event[State]
	_, _ = compiled.Run(testCtx(), State{}, WithEventHandler(func(e Event[State]) {
		events = append(events, e)
	}))

	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Kind)
	assert.Equal(t, "failing", events[0].NodeID)
	assert.ErrorIs(t, events[0].Err, errBoom)
}

// TestRun_StepBeforeUpdate checks the step handler runs before each node's
// update event.
func TestRun_StepBeforeUpdate(t *testing.T) {
	var trace []string
	compiled, err := NewGraph[Counter]().
		AddNode("a", increment).
		AddNode("b", increment).
		AddEdge("a", "b").
		SetEntry("a").
		Compile()
	require.NoError(t, err)

	_, err = compiled.Run(testCtx(), Counter{},
		WithStepHandler(func(_ Context, step Step[Counter]) error {
			trace = append(trace, "step:"+step.NodeID+":"+string(step.Execution.Status))
			return nil
		}),
		WithEventHandler(func(e Event[Counter]) {
			trace = append(trace, string(e.Kind)+":"+e.NodeID)
		}))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"step:a:running", "node_update:a",
		"step:b:done", "node_update:b",
		"done:",
	}, trace)
}

func TestRun_StepHandlerErrorIsFatal(t *testing.T) {
	var visited []string
	compiled, err := NewGraph[State]().
		AddNode("a", makeTrackingNode("a", &visited)).
		AddNode("b", makeTrackingNode("b", &visited)).
		AddEdge("a", "b").
		SetEntry("a").
		Compile()
	require.NoError(t, err)

	_, err = compiled.Run(testCtx(), State{}, WithStepHandler(func(Context, Step[State]) error {
		return errors.New("store down")
	}))

	var cpErr *CheckpointError
	require.ErrorAs(t, err, &cpErr)
	assert.Equal(t, "a", cpErr.NodeID)
	assert.Equal(t, "save", cpErr.Op)
	assert.Equal(t, []string{"a"}, visited)
}

func TestStream(t *testing.T) {
	compiled, err := NewGraph[State]().
		AddNode("ask", askNode).
		SetEntry("ask").
		Compile()
	require.NoError(t, err)

	events := collect(t, compiled.Stream(testCtx(), State{}))

	assert.Equal(t, []EventKind{EventChunk, EventInterrupt}, kinds(events))
	assert.Equal(t, "what is your answer?", events[0].Text)
}

// TestRun_InitialStateNotMutated checks nodes work on their own copy.
func TestRun_InitialStateNotMutated(t *testing.T) {
	compiled, err := NewGraph[Counter]().AddNode("a", increment).SetEntry("a").Compile()
	require.NoError(t, err)

	initial := Counter{Value: 1}
	_, err = compiled.Run(testCtx(), initial)
	require.NoError(t, err)
	assert.Equal(t, 1, initial.Value)
}

func TestContext_Defaults(t *testing.T) {
	ctx := NewContext(context.Background())

	assert.NotNil(t, ctx.Logger())
	assert.NotEmpty(t, ctx.ThreadID())
	assert.Empty(t, ctx.NodeID())
	_, ok := ctx.ResumeValue()
	assert.False(t, ok)
	assert.NotPanics(t, func() { ctx.Emit("ignored") })
}

func TestContext_NodeView(t *testing.T) {
	var gotThread, gotNode string
	inspect := func(ctx Context, s Counter) (Result[Counter], error) {
		gotThread = ctx.ThreadID()
		gotNode = ctx.NodeID()
		return Continue(s), nil
	}

	compiled, err := NewGraph[Counter]().AddNode("inspect", inspect).SetEntry("inspect").Compile()
	require.NoError(t, err)

	_, err = compiled.Run(NewContext(context.Background(), WithThreadID("t-9")), Counter{})
	require.NoError(t, err)
	assert.Equal(t, "t-9", gotThread)
	assert.Equal(t, "inspect", gotNode)
}

type ctxKey struct{}

func TestContext_ValuesFromParent(t *testing.T) {
	parent := context.WithValue(context.Background(), ctxKey{}, "v")
	var got any
	inspect := func(ctx Context, s Counter) (Result[Counter], error) {
		got = ctx.Value(ctxKey{})
		return Continue(s), nil
	}

	compiled, err := NewGraph[Counter]().AddNode("inspect", inspect).SetEntry("inspect").Compile()
	require.NoError(t, err)

	_, err = compiled.Run(NewContext(parent), Counter{})
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}
