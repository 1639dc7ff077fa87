package convoflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/randalmurphal/convoflow/pkg/convoflow/checkpoint"
	"github.com/randalmurphal/convoflow/pkg/convoflow/observability"
)

// Mode selects how RunOrResume treats a thread's persisted state.
type Mode string

const (
	// ModeStart runs a new thread from the entry point with Input.State.
	ModeStart Mode = "start"

	// ModeResume continues the thread from its latest checkpoint.
	ModeResume Mode = "resume"

	// ModeRestart discards the thread's position and history and runs
	// from the entry point with Input.State.
	ModeRestart Mode = "restart"
)

// Input describes one turn.
type Input[S any] struct {
	Mode Mode

	// State is the initial state for ModeStart and ModeRestart.
	State S

	// Patch is applied to the persisted state before a resumed turn runs.
	Patch func(S) S

	// ResumeValue is delivered to a suspended node on ModeResume.
	// Nil re-enters the node without a value.
	ResumeValue any
}

// Snapshot is the persisted view of a thread.
type Snapshot[S any] struct {
	ThreadID  string
	State     S
	Execution Execution
	Sequence  int
	UpdatedAt time.Time
}

// Manager owns the persisted state of conversation threads: it loads the
// latest checkpoint, runs a turn of the graph, and saves a checkpoint
// after every node. At most one turn runs per thread at a time.
type Manager[S any] struct {
	graph   *CompiledGraph[S]
	store   checkpoint.Store
	codec   checkpoint.Codec
	policy  LockPolicy
	retain  int
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	runOpts []RunOption[S]
	locks   *threadLocks
}

// ManagerOption configures a Manager.
type ManagerOption[S any] func(*Manager[S])

// WithCodec sets the checkpoint encoding. Default JSON.
func WithCodec[S any](c checkpoint.Codec) ManagerOption[S] {
	return func(m *Manager[S]) {
		if c != nil {
			m.codec = c
		}
	}
}

// WithLockPolicy sets the busy-thread policy. Default LockWait.
func WithLockPolicy[S any](p LockPolicy) ManagerOption[S] {
	return func(m *Manager[S]) {
		m.policy = p
	}
}

// WithRetain keeps only the newest n checkpoints per thread after each
// turn. Zero keeps everything.
func WithRetain[S any](n int) ManagerOption[S] {
	return func(m *Manager[S]) {
		m.retain = max(n, 0)
	}
}

// WithManagerLogger sets the logger for turns and checkpoint saves.
func WithManagerLogger[S any](l *slog.Logger) ManagerOption[S] {
	return func(m *Manager[S]) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithManagerMetrics records checkpoint sizes.
func WithManagerMetrics[S any](r observability.MetricsRecorder) ManagerOption[S] {
	return func(m *Manager[S]) {
		if r != nil {
			m.metrics = r
		}
	}
}

// WithRunOptions adds options to every turn the manager runs.
func WithRunOptions[S any](opts ...RunOption[S]) ManagerOption[S] {
	return func(m *Manager[S]) {
		m.runOpts = append(m.runOpts, opts...)
	}
}

// NewManager creates a manager running graph over store.
func NewManager[S any](graph *CompiledGraph[S], store checkpoint.Store, opts ...ManagerOption[S]) *Manager[S] {
	m := &Manager[S]{
		graph:   graph,
		store:   store,
		codec:   checkpoint.JSONCodec{},
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
		locks:   newThreadLocks(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Graph returns the compiled graph the manager runs.
func (m *Manager[S]) Graph() *CompiledGraph[S] {
	return m.graph
}

// Busy reports whether a turn is currently running on threadID.
func (m *Manager[S]) Busy(threadID string) bool {
	return m.locks.busy(threadID)
}

// Get returns the latest persisted snapshot of a thread. The bool is false
// when the thread has no state. Get does not wait for a running turn.
func (m *Manager[S]) Get(ctx context.Context, threadID string) (Snapshot[S], bool, error) {
	cp, state, found, err := m.load(ctx, threadID)
	if err != nil || !found {
		return Snapshot[S]{}, false, err
	}
	return Snapshot[S]{
		ThreadID:  threadID,
		State:     state,
		Execution: executionOf(cp),
		Sequence:  cp.Sequence,
		UpdatedAt: cp.Timestamp,
	}, true, nil
}

// Update applies fn to the persisted state and saves the result as a new
// checkpoint at the same position. It takes the thread lock.
func (m *Manager[S]) Update(ctx context.Context, threadID string, fn func(S) S) error {
	release, err := m.locks.acquire(ctx, threadID, m.policy)
	if err != nil {
		return err
	}
	defer release()

	cp, state, found, err := m.load(ctx, threadID)
	if err != nil {
		return err
	}
	if !found {
		return ErrNoPriorState
	}

	state = fn(state)
	exec := executionOf(cp)
	return m.save(ctx, threadID, cp.Sequence+1, cp.NodeID, state, exec)
}

// Planner picks a turn's input from the thread's latest snapshot. found is
// false when the thread has no state. It runs with the thread lock held,
// so it always sees the state the previous turn left behind.
type Planner[S any] func(snap Snapshot[S], found bool) Input[S]

// RunOrResume starts a turn on threadID and returns its events. The
// channel is closed after the terminal event, and the thread lock is held
// until then.
//
// An error is returned without starting the turn when the mode is
// invalid, the thread is busy under LockReject, ctx is done while
// waiting, ModeResume finds no state, or storage fails.
//
// Resuming a suspended thread re-enters the suspended node with
// Input.ResumeValue. The interrupt stays on record until that node
// completes, so a resume that fails can be retried with the same answer.
// Resuming a finished thread runs again from the entry point with the
// persisted state. Resuming after a failure continues at the node the last
// checkpoint points to.
func (m *Manager[S]) RunOrResume(ctx context.Context, threadID string, in Input[S]) (<-chan Event[S], error) {
	_, ch, err := m.run(ctx, threadID, func(Snapshot[S], bool) Input[S] { return in }, false)
	return ch, err
}

// RunPlanned is RunOrResume with the input chosen by plan once the thread
// lock is held. State that exists but cannot be decoded is handed to plan
// as absent. It returns the input the turn runs with.
func (m *Manager[S]) RunPlanned(ctx context.Context, threadID string, plan Planner[S]) (Input[S], <-chan Event[S], error) {
	return m.run(ctx, threadID, plan, true)
}

func (m *Manager[S]) run(ctx context.Context, threadID string, plan Planner[S], tolerateUnreadable bool) (Input[S], <-chan Event[S], error) {
	release, err := m.locks.acquire(ctx, threadID, m.policy)
	if err != nil {
		return Input[S]{}, nil, err
	}

	seq := 0
	cp, state, found, err := m.load(ctx, threadID)
	switch {
	case err != nil && tolerateUnreadable && IsUnreadable(err):
		m.logger.Warn("thread state unreadable, planning without it", "thread_id", threadID, "error", err)
		seq, err = m.lastSequence(ctx, threadID)
		if err != nil {
			release()
			return Input[S]{}, nil, err
		}
		cp, found = nil, false
		var zero S
		state = zero
	case err != nil:
		release()
		return Input[S]{}, nil, err
	case found:
		seq = cp.Sequence
	}

	var snap Snapshot[S]
	if found {
		snap = Snapshot[S]{
			ThreadID:  threadID,
			State:     state,
			Execution: executionOf(cp),
			Sequence:  cp.Sequence,
			UpdatedAt: cp.Timestamp,
		}
	}
	in := plan(snap, found)

	switch in.Mode {
	case ModeStart, ModeResume, ModeRestart:
	default:
		release()
		return in, nil, fmt.Errorf("%w: %q", ErrInvalidMode, in.Mode)
	}

	start := m.graph.entryPoint
	var history []string
	var pending *Interrupt
	opts := slices.Clone(m.runOpts)

	switch in.Mode {
	case ModeStart, ModeRestart:
		state = in.State
	case ModeResume:
		if !found {
			release()
			return in, nil, ErrNoPriorState
		}
		if in.Patch != nil {
			state = in.Patch(state)
		}
		history = cp.History
		switch cp.Status {
		case checkpoint.StatusSuspended:
			start = cp.NextNode
			pending = snap.Execution.Interrupt
			if in.ResumeValue != nil {
				opts = append(opts, WithResumeValue[S](in.ResumeValue))
			}
		case checkpoint.StatusRunning:
			if m.graph.HasNode(cp.NextNode) {
				start = cp.NextNode
			}
		}
	}

	// A suspended thread stays suspended until the resumed node completes.
	seq++
	exec := Execution{Current: start, History: history, Status: StatusRunning, Interrupt: pending}
	if pending != nil {
		exec.Status = StatusSuspended
	}
	if err := m.save(ctx, threadID, seq, "", state, exec); err != nil {
		release()
		return in, nil, err
	}

	ch := make(chan Event[S], 64)
	runCtx := NewContext(ctx, WithLogger(m.logger), WithThreadID(threadID))

	opts = append(opts,
		withMode[S](string(in.Mode)),
		WithStartNode[S](start),
		WithHistory[S](history),
		WithStepHandler(func(c Context, step Step[S]) error {
			seq++
			return m.save(c, threadID, seq, step.NodeID, step.State, step.Execution)
		}),
		WithEventHandler(func(e Event[S]) {
			deliver(ctx, ch, e)
		}),
	)

	go func() {
		defer close(ch)
		defer release()

		_, _ = m.graph.Run(runCtx, state, opts...)
		m.prune(ctx, threadID)
	}()

	return in, ch, nil
}

// History returns metadata for every stored checkpoint of a thread,
// oldest first.
func (m *Manager[S]) History(ctx context.Context, threadID string) ([]checkpoint.Info, error) {
	infos, err := m.store.List(ctx, threadID)
	if err != nil {
		return nil, &CheckpointError{Op: "list", Err: err}
	}
	return infos, nil
}

// Threads lists every thread with persisted state.
func (m *Manager[S]) Threads(ctx context.Context) ([]string, error) {
	return m.store.Threads(ctx)
}

// Delete removes all checkpoints of a thread. It takes the thread lock.
func (m *Manager[S]) Delete(ctx context.Context, threadID string) error {
	release, err := m.locks.acquire(ctx, threadID, m.policy)
	if err != nil {
		return err
	}
	defer release()

	if err := m.store.DeleteThread(ctx, threadID); err != nil {
		return &CheckpointError{Op: "delete", Err: err}
	}
	return nil
}

// load reads and decodes the latest checkpoint of a thread.
func (m *Manager[S]) load(ctx context.Context, threadID string) (*checkpoint.Checkpoint, S, bool, error) {
	var state S

	data, err := m.store.Latest(ctx, threadID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, state, false, nil
	}
	if err != nil {
		return nil, state, false, &CheckpointError{Op: "load", Err: err}
	}

	cp, err := m.codec.Decode(data)
	if err != nil {
		return nil, state, false, &CheckpointError{Op: "decode", Err: err}
	}
	if cp.Version != checkpoint.Version {
		return nil, state, false, &CheckpointError{
			NodeID: cp.NodeID,
			Op:     "load",
			Err:    fmt.Errorf("%w: got %d, want %d", ErrCheckpointVersionMismatch, cp.Version, checkpoint.Version),
		}
	}
	if err := json.Unmarshal(cp.State, &state); err != nil {
		return nil, state, false, &CheckpointError{NodeID: cp.NodeID, Op: "decode", Err: err}
	}
	return cp, state, true, nil
}

// save writes one checkpoint. It ignores ctx cancellation so that the
// position of a cancelled turn is still recorded.
func (m *Manager[S]) save(ctx context.Context, threadID string, seq int, nodeID string, state S, exec Execution) error {
	ctx = context.WithoutCancel(ctx)

	stateData, err := json.Marshal(state)
	if err != nil {
		observability.LogCheckpointError(m.logger, nodeID, "encode", err)
		return &CheckpointError{NodeID: nodeID, Op: "encode", Err: err}
	}

	cp := checkpoint.New(threadID, nodeID, seq, stateData, exec.Current).
		WithHistory(exec.History)
	switch {
	case exec.Interrupt != nil:
		payload, err := payloadJSON(exec.Interrupt.Payload)
		if err != nil {
			observability.LogCheckpointError(m.logger, nodeID, "encode", err)
			return &CheckpointError{NodeID: nodeID, Op: "encode", Err: err}
		}
		cp.WithInterrupt(exec.Interrupt.NodeID, payload)
	case exec.Status == StatusDone:
		cp.WithStatus(checkpoint.StatusDone)
	}

	data, err := m.codec.Encode(cp)
	if err != nil {
		observability.LogCheckpointError(m.logger, nodeID, "encode", err)
		return &CheckpointError{NodeID: nodeID, Op: "encode", Err: err}
	}
	if err := m.store.Save(ctx, threadID, seq, nodeID, data); err != nil {
		observability.LogCheckpointError(m.logger, nodeID, "save", err)
		return &CheckpointError{NodeID: nodeID, Op: "save", Err: err}
	}

	observability.LogCheckpoint(m.logger, nodeID, seq, len(data))
	m.metrics.RecordCheckpoint(ctx, nodeID, int64(len(data)))
	return nil
}

// lastSequence returns the highest stored sequence of a thread, or 0.
func (m *Manager[S]) lastSequence(ctx context.Context, threadID string) (int, error) {
	infos, err := m.store.List(ctx, threadID)
	if err != nil {
		return 0, &CheckpointError{Op: "list", Err: err}
	}
	seq := 0
	for _, info := range infos {
		seq = max(seq, info.Sequence)
	}
	return seq, nil
}

func (m *Manager[S]) prune(ctx context.Context, threadID string) {
	if m.retain <= 0 {
		return
	}
	if err := m.store.Prune(context.WithoutCancel(ctx), threadID, m.retain); err != nil {
		m.logger.Warn("checkpoint prune failed", "thread_id", threadID, "error", err)
	}
}

// executionOf converts a checkpoint position to an Execution.
func executionOf(cp *checkpoint.Checkpoint) Execution {
	exec := Execution{
		Current: cp.NextNode,
		History: slices.Clone(cp.History),
		Status:  ExecutionStatus(cp.Status),
	}
	if cp.Interrupt != nil {
		exec.Interrupt = &Interrupt{NodeID: cp.Interrupt.NodeID, Payload: cp.Interrupt.Payload}
	}
	return exec
}
