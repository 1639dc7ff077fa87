package convoflow

import (
	"fmt"
	"maps"
	"strings"
	"sync"
)

// Graph is a mutable builder for creating execution graphs.
// Use NewGraph to create a new graph, then chain AddNode, AddEdge,
// AddConditionalEdge and SetEntry calls to define the workflow.
//
// Graph is NOT thread-safe during building. Use a single goroutine
// to construct the graph, then call Compile() to create an immutable
// CompiledGraph that can be safely shared.
//
// Example:
//
//	graph := convoflow.NewGraph[State]().
//	    AddNode("classify", classify).
//	    AddNode("clarify", clarify).
//	    AddNode("triage", triage).
//	    AddConditionalEdge("classify", route, map[string]string{
//	        "unclear": "clarify",
//	        "clear":   "triage",
//	    }).
//	    AddEdge("clarify", "classify").
//	    SetEntry("classify")
//
//	compiled, err := graph.Compile()
type Graph[S any] struct {
	mu         sync.RWMutex
	nodes      map[string]NodeFunc[S]
	order      []string
	edges      map[string][]string
	conditions map[string]condition[S]
	entryPoint string
}

// condition is a conditional edge: a router and its declared outcomes.
type condition[S any] struct {
	router RouterFunc[S]
	routes map[string]string // outcome -> target
}

// NewGraph creates a new graph builder for state type S.
// The type parameter S defines the state that flows through the graph.
func NewGraph[S any]() *Graph[S] {
	return &Graph[S]{
		nodes:      make(map[string]NodeFunc[S]),
		edges:      make(map[string][]string),
		conditions: make(map[string]condition[S]),
	}
}

// AddNode adds a named node to the graph.
// Returns the graph for method chaining.
//
// Panics if:
//   - id is empty
//   - id is the reserved word "END" or "__end__" (case-insensitive)
//   - id contains whitespace (space, tab, newline)
//   - fn is nil
//   - id already exists in the graph
func (g *Graph[S]) AddNode(id string, fn NodeFunc[S]) *Graph[S] {
	if id == "" {
		panic("convoflow: node ID cannot be empty")
	}

	idLower := strings.ToLower(id)
	if idLower == "end" || idLower == END {
		panic("convoflow: node ID cannot be reserved word 'END'")
	}

	if strings.ContainsAny(id, " \t\n\r") {
		panic("convoflow: node ID cannot contain whitespace")
	}

	if fn == nil {
		panic("convoflow: node function cannot be nil")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[id]; exists {
		panic(fmt.Sprintf("convoflow: duplicate node ID: %s", id))
	}

	g.nodes[id] = fn
	g.order = append(g.order, id)
	return g
}

// AddEdge adds an unconditional edge from one node to another.
// The target can be a node ID or convoflow.END.
// Returns the graph for method chaining.
//
// Edge validation happens at Compile() time, not here.
// This allows edges to be added in any order.
func (g *Graph[S]) AddEdge(from, to string) *Graph[S] {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.edges[from] = append(g.edges[from], to)
	return g
}

// AddConditionalEdge adds a conditional edge. After from completes, router
// is called with the updated state and must return one of the keys of
// routes; the engine moves to the mapped target (a node ID or END).
// Returns the graph for method chaining.
//
// Panics if router is nil or routes is empty.
func (g *Graph[S]) AddConditionalEdge(from string, router RouterFunc[S], routes map[string]string) *Graph[S] {
	if router == nil {
		panic("convoflow: router function cannot be nil")
	}
	if len(routes) == 0 {
		panic("convoflow: conditional edge needs at least one route")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.conditions[from] = condition[S]{router: router, routes: maps.Clone(routes)}
	return g
}

// SetEntry designates the entry point node.
// This must be called before Compile().
// Returns the graph for method chaining.
func (g *Graph[S]) SetEntry(id string) *Graph[S] {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.entryPoint = id
	return g
}
