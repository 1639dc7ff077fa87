package convoflow

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

// Compile validates the graph and creates an executable CompiledGraph.
// Returns an error if validation fails. Multiple errors are joined together.
//
// Validation checks:
//  1. Entry point must be set and reference an existing node
//  2. All edge sources must reference existing nodes
//  3. All edge and route targets must reference existing nodes or END
//  4. A node has at most one unconditional edge, and not both kinds
//  5. Every node must be reachable from the entry point
func (g *Graph[S]) Compile() (*CompiledGraph[S], error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var errs []error

	entryOK := false
	if g.entryPoint == "" {
		errs = append(errs, ErrNoEntryPoint)
	} else if _, exists := g.nodes[g.entryPoint]; !exists {
		errs = append(errs, fmt.Errorf("%w: %s", ErrEntryNotFound, g.entryPoint))
	} else {
		entryOK = true
	}

	for _, from := range sortedKeys(g.edges) {
		targets := g.edges[from]
		if _, exists := g.nodes[from]; !exists {
			errs = append(errs, fmt.Errorf("%w: edge source '%s' does not exist", ErrNodeNotFound, from))
		}
		if len(targets) > 1 {
			errs = append(errs, fmt.Errorf("%w: %s has %d unconditional edges", ErrMultipleEdges, from, len(targets)))
		}
		if _, conditional := g.conditions[from]; conditional {
			errs = append(errs, fmt.Errorf("%w: %s", ErrConflictingEdges, from))
		}
		for _, to := range targets {
			if !g.validTarget(to) {
				errs = append(errs, fmt.Errorf("%w: edge target '%s' does not exist", ErrNodeNotFound, to))
			}
		}
	}

	for _, from := range sortedKeys(g.conditions) {
		if _, exists := g.nodes[from]; !exists {
			errs = append(errs, fmt.Errorf("%w: conditional edge source '%s' does not exist", ErrNodeNotFound, from))
		}
		routes := g.conditions[from].routes
		for _, outcome := range sortedKeys(routes) {
			if outcome == "" {
				errs = append(errs, fmt.Errorf("%w: empty outcome label on %s", ErrInvalidRoute, from))
			}
			if to := routes[outcome]; !g.validTarget(to) {
				errs = append(errs, fmt.Errorf("%w: route %s -[%s]-> '%s' does not exist", ErrNodeNotFound, from, outcome, to))
			}
		}
	}

	if entryOK {
		reachable := g.findReachableNodes()
		for _, id := range g.order {
			if !reachable[id] {
				errs = append(errs, fmt.Errorf("%w: %s", ErrUnreachableNode, id))
			}
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return g.buildCompiledGraph(), nil
}

func (g *Graph[S]) validTarget(to string) bool {
	if to == END {
		return true
	}
	_, exists := g.nodes[to]
	return exists
}

// findReachableNodes returns the set of nodes reachable from the entry point
// through unconditional edges and declared routes.
func (g *Graph[S]) findReachableNodes() map[string]bool {
	reachable := map[string]bool{g.entryPoint: true}
	queue := []string{g.entryPoint}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		next := slices.Clone(g.edges[current])
		if cond, ok := g.conditions[current]; ok {
			for _, to := range cond.routes {
				next = append(next, to)
			}
		}
		for _, target := range next {
			if target != END && !reachable[target] {
				reachable[target] = true
				queue = append(queue, target)
			}
		}
	}

	return reachable
}

// buildCompiledGraph creates the immutable CompiledGraph from the builder state.
func (g *Graph[S]) buildCompiledGraph() *CompiledGraph[S] {
	edges := make(map[string]string, len(g.edges))
	for from, targets := range g.edges {
		edges[from] = targets[0]
	}

	conditions := make(map[string]condition[S], len(g.conditions))
	for from, cond := range g.conditions {
		conditions[from] = condition[S]{router: cond.router, routes: maps.Clone(cond.routes)}
	}

	cg := &CompiledGraph[S]{
		nodes:      maps.Clone(g.nodes),
		order:      slices.Clone(g.order),
		edges:      edges,
		conditions: conditions,
		entryPoint: g.entryPoint,
	}
	cg.structure = cg.buildStructure()
	return cg
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
