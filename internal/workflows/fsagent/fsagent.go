// Package fsagent is a file-system agent: it looks at a workspace
// directory, asks the model for one change, and applies it only after the
// user approves.
package fsagent

import (
	"errors"

	"github.com/randalmurphal/convoflow/internal/llm"
	"github.com/randalmurphal/convoflow/pkg/convoflow"
	"github.com/randalmurphal/convoflow/pkg/convoflow/conversation"
)

// Name is the workflow's registry key and model name.
const Name = "fs-agent"

// Description is shown in model listings.
const Description = "File-system agent: observe a workspace, propose a change, apply it on approval"

// Node ids.
const (
	NodeObserve = "observe"
	NodeAct     = "act"
	NodeApprove = "approve"
)

// Action kinds.
const (
	ActionNone   = "none"
	ActionWrite  = "write"
	ActionDelete = "delete"
	ActionMkdir  = "mkdir"
)

// Decisions recorded after approval.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// Deps configure the agent.
type Deps struct {
	LLM llm.Client

	// Root is the workspace directory. The agent never touches anything
	// outside it.
	Root string

	// MaxEntries caps the observation listing. Default 200.
	MaxEntries int
}

// New builds the agent graph.
func New(deps Deps) (*convoflow.CompiledGraph[conversation.State], error) {
	if deps.LLM == nil {
		return nil, errors.New("fsagent: llm client is required")
	}
	if deps.Root == "" {
		return nil, errors.New("fsagent: workspace root is required")
	}
	if deps.MaxEntries <= 0 {
		deps.MaxEntries = 200
	}
	n := &nodes{deps: deps}

	return convoflow.NewGraph[conversation.State]().
		AddNode(NodeObserve, n.observe).
		AddNode(NodeAct, n.act).
		AddNode(NodeApprove, n.approve).
		AddEdge(NodeObserve, NodeAct).
		AddConditionalEdge(NodeAct, routeProposal, map[string]string{
			"approve": NodeApprove,
			"reply":   convoflow.END,
		}).
		SetEntry(NodeObserve).
		Compile()
}

func routeProposal(_ convoflow.Context, s conversation.State) string {
	if s.Agent != nil && s.Agent.Proposed != nil {
		return "approve"
	}
	return "reply"
}
