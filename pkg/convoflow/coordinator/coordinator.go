package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/randalmurphal/convoflow/pkg/convoflow"
	"github.com/randalmurphal/convoflow/pkg/convoflow/conversation"
	"github.com/randalmurphal/convoflow/pkg/convoflow/registry"
	"github.com/randalmurphal/convoflow/pkg/convoflow/stream"
	"github.com/randalmurphal/convoflow/pkg/convoflow/tracker"
)

// Manager runs one workflow's turns.
type Manager = convoflow.Manager[conversation.State]

// Workflows maps a workflow name to its manager.
type Workflows = registry.Registry[*Manager]

var (
	// ErrUnknownWorkflow is returned for a workflow name not in the registry.
	ErrUnknownWorkflow = errors.New("unknown workflow")

	// ErrNoMessages is returned for a request without messages.
	ErrNoMessages = errors.New("request has no messages")
)

// Request is one inbound conversation call.
type Request struct {
	Workflow string

	// ChatID comes from the client's chat header and wins over ThreadID.
	ChatID   string
	ThreadID string

	// Messages is the full transcript as the client holds it.
	Messages []conversation.Message
}

// Plan is the decision for a request.
type Plan struct {
	ThreadID string
	Workflow string
	Mode     convoflow.Mode
	Input    convoflow.Input[conversation.State]
}

// Coordinator plans and runs turns.
type Coordinator struct {
	workflows *Workflows
	tracker   *tracker.Tracker
	logger    *slog.Logger
	newID     func() string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithIDGenerator replaces the thread id generator.
func WithIDGenerator(fn func() string) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// New creates a coordinator. The tracker may be nil.
func New(workflows *Workflows, t *tracker.Tracker, opts ...Option) *Coordinator {
	c := &Coordinator{
		workflows: workflows,
		tracker:   t,
		logger:    slog.Default(),
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ThreadID picks the thread for a request: chat id, then the body's
// thread id, then a fresh id.
func ThreadID(chatID, threadID string, newID func() string) string {
	if chatID != "" {
		return chatID
	}
	if threadID != "" {
		return threadID
	}
	return newID()
}

func (c *Coordinator) manager(workflow string) (*Manager, error) {
	m, ok := c.workflows.Get(workflow)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkflow, workflow)
	}
	return m, nil
}

func (c *Coordinator) prepare(req Request) (*Manager, string, error) {
	m, err := c.manager(req.Workflow)
	if err != nil {
		return nil, "", err
	}
	if len(req.Messages) == 0 {
		return nil, "", ErrNoMessages
	}
	return m, ThreadID(req.ChatID, req.ThreadID, c.newID), nil
}

// Resolve reports the plan req would get against the thread's current
// state. Start makes the same decision again once it holds the thread
// lock, so a turn running concurrently may change the outcome.
func (c *Coordinator) Resolve(ctx context.Context, req Request) (Plan, error) {
	m, threadID, err := c.prepare(req)
	if err != nil {
		return Plan{}, err
	}

	snap, found, err := m.Get(ctx, threadID)
	if err != nil {
		if !convoflow.IsUnreadable(err) {
			return Plan{}, err
		}
		c.logger.Warn("thread state unreadable, starting fresh",
			"thread_id", threadID, "workflow", req.Workflow, "error", err)
		found = false
	}
	return planFor(req, threadID, snap, found), nil
}

// planFor decides the mode for req. A thread with no state starts. A
// thread whose persisted transcript equals the inbound one restarts from
// scratch. Anything else resumes with the unseen messages merged in.
func planFor(req Request, threadID string, snap convoflow.Snapshot[conversation.State], found bool) Plan {
	switch {
	case !found:
		return startPlan(req, threadID, convoflow.ModeStart)
	case conversation.SameMessages(req.Messages, snap.State.Session.Messages):
		return startPlan(req, threadID, convoflow.ModeRestart)
	default:
		return resumePlan(req, threadID, snap.State.Session.Messages)
	}
}

func startPlan(req Request, threadID string, mode convoflow.Mode) Plan {
	return Plan{
		ThreadID: threadID,
		Workflow: req.Workflow,
		Mode:     mode,
		Input: convoflow.Input[conversation.State]{
			Mode:  mode,
			State: conversation.New(req.Workflow, threadID, req.Messages),
		},
	}
}

// resumePlan answers a suspended node with the newest user message the
// thread has not seen. A request that brings nothing new resumes without
// a value.
func resumePlan(req Request, threadID string, persisted []conversation.Message) Plan {
	inbound := req.Messages
	in := convoflow.Input[conversation.State]{
		Mode: convoflow.ModeResume,
		Patch: func(s conversation.State) conversation.State {
			s = s.Clone()
			s.Session.Messages = conversation.MergeMessages(s.Session.Messages, inbound)
			return s
		},
	}
	if m, ok := conversation.LatestUser(conversation.Unseen(persisted, inbound)); ok {
		in.ResumeValue = m.Content
	}
	return Plan{ThreadID: threadID, Workflow: req.Workflow, Mode: convoflow.ModeResume, Input: in}
}

// Turn is a running turn whose events have not been consumed yet.
type Turn struct {
	Plan

	events <-chan convoflow.Event[conversation.State]
	c      *Coordinator
}

// Start plans req and launches the turn. The plan is made while the
// manager holds the thread lock, so concurrent requests on one thread each
// build on the state the previous turn left. It returns
// convoflow.ErrThreadBusy when the thread is taken and the lock policy
// rejects.
func (c *Coordinator) Start(ctx context.Context, req Request) (*Turn, error) {
	m, threadID, err := c.prepare(req)
	if err != nil {
		return nil, err
	}

	var plan Plan
	_, events, err := m.RunPlanned(ctx, threadID,
		func(snap convoflow.Snapshot[conversation.State], found bool) convoflow.Input[conversation.State] {
			plan = planFor(req, threadID, snap, found)
			return plan.Input
		})
	if err != nil {
		return nil, err
	}

	if c.tracker != nil {
		c.tracker.SetGraph(plan.ThreadID, m.Graph().Describe())
	}
	c.logger.Debug("turn planned",
		"thread_id", plan.ThreadID, "workflow", plan.Workflow, "mode", string(plan.Mode))

	return &Turn{Plan: plan, events: events, c: c}, nil
}

// Stream drains the turn into sink and records node updates in the
// tracker. It returns when the turn is over.
func (t *Turn) Stream(sink stream.Sink) stream.Result {
	opts := []stream.Option[conversation.State]{
		stream.WithLogger[conversation.State](t.c.logger),
	}
	if t.c.tracker != nil {
		opts = append(opts, stream.WithRecorder(stream.Recorder(t.c.tracker), conversation.TrackedFields))
	}
	res := stream.Multiplex(t.events, sink, opts...)
	if res.ThreadID == "" {
		res.ThreadID = t.ThreadID
	}
	return res
}

// Execute runs req to completion against sink.
func (c *Coordinator) Execute(ctx context.Context, req Request, sink stream.Sink) (stream.Result, error) {
	turn, err := c.Start(ctx, req)
	if err != nil {
		return stream.Result{}, err
	}
	return turn.Stream(sink), nil
}

// Forget deletes the thread from every workflow and from the tracker.
// It reports whether anything was known about the thread.
func (c *Coordinator) Forget(ctx context.Context, threadID string) (bool, error) {
	var (
		known bool
		errs  []error
	)
	c.workflows.Range(func(name string, m *Manager) bool {
		_, found, err := m.Get(ctx, threadID)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return true
		}
		if !found {
			return true
		}
		known = true
		if err := m.Delete(ctx, threadID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		return true
	})
	if c.tracker != nil && c.tracker.Delete(threadID) {
		known = true
	}
	return known, errors.Join(errs...)
}

// Workflows returns the registry.
func (c *Coordinator) Workflows() *Workflows { return c.workflows }

// Tracker returns the tracker, possibly nil.
func (c *Coordinator) Tracker() *tracker.Tracker { return c.tracker }
