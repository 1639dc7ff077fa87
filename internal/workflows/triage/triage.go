// Package triage is the IT-support ticket-triage conversation: classify
// the issue, ask for clarification while it is unclear, route it to a
// team, gather details, and file a ticket.
package triage

import (
	"errors"

	"github.com/randalmurphal/convoflow/internal/llm"
	"github.com/randalmurphal/convoflow/pkg/convoflow"
	"github.com/randalmurphal/convoflow/pkg/convoflow/conversation"
)

// Name is the workflow's registry key and model name.
const Name = "ticket-triage"

// Description is shown in model listings.
const Description = "IT-support triage: classify, clarify, route, gather details, file a ticket"

// Node ids.
const (
	NodeClassify = "classify_issue"
	NodeClarify  = "clarify_issue"
	NodeTriage   = "triage_issue"
	NodeGather   = "gather_info"
	NodeCreate   = "create_ticket"
)

// Deps are the collaborators the nodes call.
type Deps struct {
	LLM     llm.Client
	Tickets TicketService

	// Rules defaults to DefaultRules when zero.
	Rules Rules

	// HistoryWindow is how many recent messages are sent to the model.
	// Zero sends the whole transcript.
	HistoryWindow int
}

// New builds the triage graph.
func New(deps Deps) (*convoflow.CompiledGraph[conversation.State], error) {
	if deps.LLM == nil {
		return nil, errors.New("triage: llm client is required")
	}
	if deps.Tickets == nil {
		return nil, errors.New("triage: ticket service is required")
	}
	if deps.Rules.Teams == nil {
		deps.Rules = DefaultRules()
	}
	n := &nodes{deps: deps, rules: deps.Rules}

	return convoflow.NewGraph[conversation.State]().
		AddNode(NodeClassify, n.classify).
		AddNode(NodeClarify, n.clarify).
		AddNode(NodeTriage, n.triage).
		AddNode(NodeGather, n.gather).
		AddNode(NodeCreate, n.create).
		AddConditionalEdge(NodeClassify, routeClassification, map[string]string{
			"clarify": NodeClarify,
			"triage":  NodeTriage,
		}).
		AddEdge(NodeClarify, NodeClassify).
		AddEdge(NodeTriage, NodeGather).
		AddEdge(NodeGather, NodeCreate).
		SetEntry(NodeClassify).
		Compile()
}

func routeClassification(_ convoflow.Context, s conversation.State) string {
	if s.Classification != nil && s.Classification.Category == CategoryUnclear {
		return "clarify"
	}
	return "triage"
}
