package convoflow

import "slices"

// CompiledGraph is an immutable, executable graph.
// It is created by calling Compile() on a Graph builder.
//
// CompiledGraph is thread-safe and can be used concurrently for multiple
// Run() calls. The graph structure cannot be modified after compilation.
type CompiledGraph[S any] struct {
	nodes      map[string]NodeFunc[S]
	order      []string
	edges      map[string]string
	conditions map[string]condition[S]
	entryPoint string
	structure  Structure
}

// Structure is a serializable description of a compiled graph, used by
// observers that render the workflow.
type Structure struct {
	Entry string     `json:"entry"`
	Nodes []string   `json:"nodes"`
	Edges []EdgeInfo `json:"edges"`
}

// EdgeInfo is one edge of a Structure. Outcome is set for conditional edges.
type EdgeInfo struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Outcome string `json:"outcome,omitempty"`
}

// EntryPoint returns the entry node ID.
func (cg *CompiledGraph[S]) EntryPoint() string {
	return cg.entryPoint
}

// NodeIDs returns all node identifiers in the order they were added.
func (cg *CompiledGraph[S]) NodeIDs() []string {
	return slices.Clone(cg.order)
}

// HasNode checks if a node exists in the graph.
func (cg *CompiledGraph[S]) HasNode(id string) bool {
	_, exists := cg.nodes[id]
	return exists
}

// Successors returns every target reachable in one step from id, sorted.
// Returns nil for END, unknown nodes and terminal nodes.
func (cg *CompiledGraph[S]) Successors(id string) []string {
	var out []string
	if to, ok := cg.edges[id]; ok {
		out = append(out, to)
	}
	if cond, ok := cg.conditions[id]; ok {
		for _, to := range cond.routes {
			if !slices.Contains(out, to) {
				out = append(out, to)
			}
		}
	}
	slices.Sort(out)
	return out
}

// IsConditional returns true if the node has a conditional edge.
func (cg *CompiledGraph[S]) IsConditional(id string) bool {
	_, ok := cg.conditions[id]
	return ok
}

// Outcomes returns the declared outcome labels of id's conditional edge, sorted.
func (cg *CompiledGraph[S]) Outcomes(id string) []string {
	cond, ok := cg.conditions[id]
	if !ok {
		return nil
	}
	return sortedKeys(cond.routes)
}

// IsTerminal reports whether id ends the graph after completing: it has no
// outgoing edge, or its only edge leads to END.
func (cg *CompiledGraph[S]) IsTerminal(id string) bool {
	if cg.IsConditional(id) {
		return false
	}
	to, ok := cg.edges[id]
	return !ok || to == END
}

// Describe returns the graph structure. The result is a copy.
func (cg *CompiledGraph[S]) Describe() Structure {
	return Structure{
		Entry: cg.structure.Entry,
		Nodes: slices.Clone(cg.structure.Nodes),
		Edges: slices.Clone(cg.structure.Edges),
	}
}

func (cg *CompiledGraph[S]) buildStructure() Structure {
	s := Structure{Entry: cg.entryPoint, Nodes: slices.Clone(cg.order)}
	for _, from := range cg.order {
		if to, ok := cg.edges[from]; ok {
			s.Edges = append(s.Edges, EdgeInfo{From: from, To: to})
		}
		if cond, ok := cg.conditions[from]; ok {
			for _, outcome := range sortedKeys(cond.routes) {
				s.Edges = append(s.Edges, EdgeInfo{From: from, To: cond.routes[outcome], Outcome: outcome})
			}
		}
	}
	return s
}

// getNode returns the node function for the given ID.
func (cg *CompiledGraph[S]) getNode(id string) (NodeFunc[S], bool) {
	fn, exists := cg.nodes[id]
	return fn, exists
}
