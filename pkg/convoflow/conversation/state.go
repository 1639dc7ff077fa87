// Package conversation defines the typed state shared by the conversational
// workflows: the session transcript plus one optional section per concern.
package conversation

import (
	"maps"
	"slices"
	"time"
)

// Version is the current state layout version.
const Version = 1

// State is the persisted record of one thread. Optional sections are nil
// until the workflow that owns them first writes them.
type State struct {
	Version int     `json:"version"`
	Session Session `json:"session"`

	Classification *Classification `json:"classification,omitempty"`
	Gathering      *Gathering      `json:"gathering,omitempty"`
	Ticket         *Ticket         `json:"ticket,omitempty"`
	Agent          *Agent          `json:"agent,omitempty"`
}

// Session is always present.
type Session struct {
	ThreadID string `json:"thread_id"`
	Workflow string `json:"workflow"`

	// Messages is the transcript as the client sent it. It only grows.
	Messages  []Message `json:"messages"`
	StartedAt time.Time `json:"started_at"`
}

// Classification is the triage workflow's view of what the issue is.
type Classification struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`

	// Attempts counts clarification questions asked so far.
	Attempts       int      `json:"attempts"`
	Clarifications []string `json:"clarifications,omitempty"`
}

// Gathering tracks the information-gathering rounds before a ticket is filed.
type Gathering struct {
	Round     int               `json:"round"`
	MaxRounds int               `json:"max_rounds"`
	Details   map[string]string `json:"details,omitempty"`
	Pending   []string          `json:"pending,omitempty"`
}

// Ticket is the ticket being prepared or already created.
type Ticket struct {
	Priority string `json:"priority"`
	Team     string `json:"team"`
	SLAHours int    `json:"sla_hours"`
	ID       string `json:"id,omitempty"`
	Status   string `json:"status,omitempty"`
	Summary  string `json:"summary,omitempty"`
}

// Agent is the file-system agent's working memory.
type Agent struct {
	Root        string   `json:"root"`
	Observation []string `json:"observation,omitempty"`
	Proposed    *Action  `json:"proposed,omitempty"`
	Decision    string   `json:"decision,omitempty"`
	Result      string   `json:"result,omitempty"`
}

// Action is a file-system change proposed by the agent.
type Action struct {
	Kind    string `json:"kind"`
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
}

// New returns the initial state of a thread.
func New(workflow, threadID string, messages []Message) State {
	return State{
		Version: Version,
		Session: Session{
			ThreadID:  threadID,
			Workflow:  workflow,
			Messages:  slices.Clone(messages),
			StartedAt: time.Now().UTC(),
		},
	}
}

// Patch replaces whole top-level sections. Nil fields are left alone.
type Patch struct {
	Session        *Session
	Classification *Classification
	Gathering      *Gathering
	Ticket         *Ticket
	Agent          *Agent
}

// Apply returns s with every non-nil section of p swapped in.
func (s State) Apply(p Patch) State {
	out := s.Clone()
	if p.Session != nil {
		out.Session = p.Session.clone()
	}
	if p.Classification != nil {
		out.Classification = p.Classification.clone()
	}
	if p.Gathering != nil {
		out.Gathering = p.Gathering.clone()
	}
	if p.Ticket != nil {
		t := *p.Ticket
		out.Ticket = &t
	}
	if p.Agent != nil {
		out.Agent = p.Agent.clone()
	}
	return out
}

// Clone returns a copy of s that shares no slices, maps or pointers.
func (s State) Clone() State {
	out := State{Version: s.Version, Session: s.Session.clone()}
	if s.Classification != nil {
		out.Classification = s.Classification.clone()
	}
	if s.Gathering != nil {
		out.Gathering = s.Gathering.clone()
	}
	if s.Ticket != nil {
		t := *s.Ticket
		out.Ticket = &t
	}
	if s.Agent != nil {
		out.Agent = s.Agent.clone()
	}
	return out
}

func (s Session) clone() Session {
	s.Messages = slices.Clone(s.Messages)
	return s
}

func (c *Classification) clone() *Classification {
	out := *c
	out.Clarifications = slices.Clone(c.Clarifications)
	return &out
}

func (g *Gathering) clone() *Gathering {
	out := *g
	out.Details = maps.Clone(g.Details)
	out.Pending = slices.Clone(g.Pending)
	return &out
}

func (a *Agent) clone() *Agent {
	out := *a
	out.Observation = slices.Clone(a.Observation)
	if a.Proposed != nil {
		p := *a.Proposed
		out.Proposed = &p
	}
	return &out
}

// TrackedFields is the projection of s exposed to observers.
func (s State) TrackedFields() map[string]any {
	fields := map[string]any{
		"workflow":      s.Session.Workflow,
		"message_count": len(s.Session.Messages),
	}
	if c := s.Classification; c != nil {
		fields["issue_category"] = c.Category
		fields["clarification_attempts"] = c.Attempts
	}
	if g := s.Gathering; g != nil {
		fields["gathering_round"] = g.Round
		fields["pending_questions"] = len(g.Pending)
	}
	if t := s.Ticket; t != nil {
		fields["priority"] = t.Priority
		fields["team"] = t.Team
		if t.ID != "" {
			fields["ticket_id"] = t.ID
		}
	}
	if a := s.Agent; a != nil {
		if a.Proposed != nil {
			fields["agent_action"] = a.Proposed.Kind
		}
		if a.Decision != "" {
			fields["agent_decision"] = a.Decision
		}
	}
	return fields
}

// TrackedFields adapts State.TrackedFields to generic callers.
func TrackedFields(s State) map[string]any {
	return s.TrackedFields()
}
