package convoflow

// END is the terminal node identifier.
// Use this as an edge or route target to indicate the turn is done.
// A node with no outgoing edge is terminal as well.
const END = "__end__"

type resultKind uint8

const (
	kindContinue resultKind = iota
	kindSuspend
	kindDone
)

// Result is what a node hands back to the engine: the updated state plus
// what to do next.
//
//   - Continue: follow the node's outgoing edge.
//   - Suspend: persist the state, end the turn, and re-enter this same node
//     when the thread is resumed. The payload describes what input is awaited.
//   - Done: end the graph here regardless of outgoing edges.
type Result[S any] struct {
	State   S
	kind    resultKind
	payload any
}

// Continue returns a result that proceeds along the node's outgoing edge.
func Continue[S any](state S) Result[S] {
	return Result[S]{State: state, kind: kindContinue}
}

// Suspend returns a result that pauses the thread at the current node.
// payload must be JSON-serializable; it is persisted with the checkpoint
// and surfaced to the client as the interrupt.
func Suspend[S any](state S, payload any) Result[S] {
	return Result[S]{State: state, kind: kindSuspend, payload: payload}
}

// Done returns a result that finishes the graph after this node.
func Done[S any](state S) Result[S] {
	return Result[S]{State: state, kind: kindDone}
}

// Suspended reports whether the node asked to wait for input.
func (r Result[S]) Suspended() bool { return r.kind == kindSuspend }

// Finished reports whether the node ended the graph explicitly.
func (r Result[S]) Finished() bool { return r.kind == kindDone }

// Payload returns the suspension payload, nil unless Suspended.
func (r Result[S]) Payload() any { return r.payload }

// NodeFunc is the signature for all node functions.
// Nodes receive the execution context and an owned copy of the current
// state, and return a Result carrying the updated state.
//
// A node that suspended is called again on resume with the persisted
// state; ctx.ResumeValue() then yields the input it was waiting for.
// Nodes must not keep continuation state in memory across a suspension.
//
// Example:
//
//	func askName(ctx convoflow.Context, s State) (convoflow.Result[State], error) {
//	    if v, ok := ctx.ResumeValue(); ok {
//	        s.Name = v.(string)
//	        return convoflow.Continue(s), nil
//	    }
//	    ctx.Emit("What is your name?")
//	    return convoflow.Suspend(s, "name"), nil
//	}
type NodeFunc[S any] func(ctx Context, state S) (Result[S], error)

// RouterFunc picks the outcome of a conditional edge from the state.
// It must return one of the outcome labels declared with
// AddConditionalEdge; any other value fails the turn with a RouterError.
// Routers should be pure with respect to state.
//
// Example:
//
//	func needsClarification(ctx convoflow.Context, s State) string {
//	    if s.Confidence < 0.6 {
//	        return "unclear"
//	    }
//	    return "clear"
//	}
type RouterFunc[S any] func(ctx Context, state S) string
