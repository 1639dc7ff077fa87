package convoflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/randalmurphal/convoflow/pkg/convoflow/checkpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// askGraph is greet -> ask (suspends) -> finish.
func askGraph(t *testing.T) *CompiledGraph[State] {
	t.Helper()
	greet := func(_ Context, s State) (Result[State], error) {
		s.Progress = append(s.Progress, "greet")
		return Continue(s), nil
	}
	finish := func(_ Context, s State) (Result[State], error) {
		s.Progress = append(s.Progress, "finish")
		s.Output = "answer was " + s.Answer
		return Continue(s), nil
	}
	compiled, err := NewGraph[State]().
		AddNode("greet", greet).
		AddNode("ask", askNode).
		AddNode("finish", finish).
		AddEdge("greet", "ask").
		AddEdge("ask", "finish").
		SetEntry("greet").
		Compile()
	require.NoError(t, err)
	return compiled
}

func runTurn(t *testing.T, m *Manager[State], threadID string, in Input[State]) []Event[State] {
	t.Helper()
	ch, err := m.RunOrResume(context.Background(), threadID, in)
	require.NoError(t, err)
	events := collect(t, ch)
	require.NotEmpty(t, events)
	return events
}

func TestManager_StartSuspendResume(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	m := NewManager(askGraph(t), store)

	events := runTurn(t, m, "t1", Input[State]{Mode: ModeStart, State: State{Initial: "hi"}})
	last := events[len(events)-1]
	assert.Equal(t, EventInterrupt, last.Kind)
	assert.Equal(t, "ask", last.NodeID)

	snap, ok, err := m.Get(context.Background(), "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusSuspended, snap.Execution.Status)
	assert.Equal(t, "ask", snap.Execution.Current)
	assert.Equal(t, []string{"greet"}, snap.Execution.History)
	require.NotNil(t, snap.Execution.Interrupt)
	assert.JSONEq(t, `{"question":"answer"}`, string(snap.Execution.Interrupt.Payload.(json.RawMessage)))
	assert.Equal(t, "hi", snap.State.Initial)

	events = runTurn(t, m, "t1", Input[State]{Mode: ModeResume, ResumeValue: "blue"})
	assert.Equal(t, EventDone, events[len(events)-1].Kind)

	snap, ok, err = m.Get(context.Background(), "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusDone, snap.Execution.Status)
	assert.Equal(t, END, snap.Execution.Current)
	assert.Equal(t, []string{"greet", "ask", "finish"}, snap.Execution.History)
	assert.Equal(t, "answer was blue", snap.State.Output)
	assert.Nil(t, snap.Execution.Interrupt)
}

// TestManager_CheckpointLineage checks one input checkpoint per turn plus
// one per completed or suspended node.
func TestManager_CheckpointLineage(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	m := NewManager(askGraph(t), store)

	runTurn(t, m, "t1", Input[State]{Mode: ModeStart})
	infos, err := m.History(context.Background(), "t1")
	require.NoError(t, err)

	require.Len(t, infos, 3)
	assert.Equal(t, []string{"", "greet", "ask"}, []string{infos[0].NodeID, infos[1].NodeID, infos[2].NodeID})
	for i, info := range infos {
		assert.Equal(t, i+1, info.Sequence)
	}

	runTurn(t, m, "t1", Input[State]{Mode: ModeResume, ResumeValue: "x"})
	infos, err = m.History(context.Background(), "t1")
	require.NoError(t, err)
	assert.Len(t, infos, 6)
}

func TestManager_ResumeWithoutState(t *testing.T) {
	m := NewManager(askGraph(t), checkpoint.NewMemoryStore())

	_, err := m.RunOrResume(context.Background(), "ghost", Input[State]{Mode: ModeResume})
	require.ErrorIs(t, err, ErrNoPriorState)

	_, ok, err := m.Get(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManager_InvalidMode(t *testing.T) {
	m := NewManager(askGraph(t), checkpoint.NewMemoryStore())

	_, err := m.RunOrResume(context.Background(), "t1", Input[State]{Mode: "sideways"})
	require.ErrorIs(t, err, ErrInvalidMode)
}

// TestManager_ResumePatch applies the patch before the node re-enters.
func TestManager_ResumePatch(t *testing.T) {
	m := NewManager(askGraph(t), checkpoint.NewMemoryStore())
	runTurn(t, m, "t1", Input[State]{Mode: ModeStart})

	runTurn(t, m, "t1", Input[State]{
		Mode:        ModeResume,
		Patch:       func(s State) State { s.Initial = "patched"; return s },
		ResumeValue: "ok",
	})

	snap, _, err := m.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "patched", snap.State.Initial)
	assert.Equal(t, "ok", snap.State.Answer)
}

// TestManager_ResumeAfterDone reruns from the entry with the persisted state.
func TestManager_ResumeAfterDone(t *testing.T) {
	m := NewManager(askGraph(t), checkpoint.NewMemoryStore())
	runTurn(t, m, "t1", Input[State]{Mode: ModeStart})
	runTurn(t, m, "t1", Input[State]{Mode: ModeResume, ResumeValue: "a"})

	events := runTurn(t, m, "t1", Input[State]{Mode: ModeResume})
	assert.Equal(t, EventInterrupt, events[len(events)-1].Kind)

	snap, _, err := m.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"greet", "finish", "greet"}, snap.State.Progress)
	assert.Equal(t, []string{"greet", "ask", "finish", "greet"}, snap.Execution.History)
}

// TestManager_Restart discards position and history.
func TestManager_Restart(t *testing.T) {
	m := NewManager(askGraph(t), checkpoint.NewMemoryStore())
	runTurn(t, m, "t1", Input[State]{Mode: ModeStart, State: State{Initial: "old"}})

	runTurn(t, m, "t1", Input[State]{Mode: ModeRestart, State: State{Initial: "new"}})

	snap, _, err := m.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "new", snap.State.Initial)
	assert.Equal(t, []string{"greet"}, snap.Execution.History)
	assert.Equal(t, []string{"greet"}, snap.State.Progress)
}

// TestManager_ResumeAfterFailure continues at the node that failed.
func TestManager_ResumeAfterFailure(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	var firstRuns atomic.Int32

	first := func(_ Context, s State) (Result[State], error) {
		firstRuns.Add(1)
		s.Progress = append(s.Progress, "first")
		return Continue(s), nil
	}
	flaky := func(_ Context, s State) (Result[State], error) {
		if fail.Load() {
			return Continue(s), errBoom
		}
		s.Progress = append(s.Progress, "flaky")
		return Continue(s), nil
	}
	compiled, err := NewGraph[State]().
		AddNode("first", first).
		AddNode("flaky", flaky).
		AddEdge("first", "flaky").
		SetEntry("first").
		Compile()
	require.NoError(t, err)

	m := NewManager(compiled, checkpoint.NewMemoryStore())

	events := runTurn(t, m, "t1", Input[State]{Mode: ModeStart})
	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Kind)
	assert.Equal(t, "flaky", last.NodeID)

	snap, _, err := m.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, snap.Execution.Status)
	assert.Equal(t, "flaky", snap.Execution.Current)

	fail.Store(false)
	events = runTurn(t, m, "t1", Input[State]{Mode: ModeResume})
	assert.Equal(t, EventDone, events[len(events)-1].Kind)
	assert.Equal(t, int32(1), firstRuns.Load(), "completed nodes are not rerun")

	snap, _, err = m.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "flaky"}, snap.State.Progress)
}

// TestManager_FailedResumeKeepsInterrupt retries a resume whose node
// failed: the retry still delivers the answer to the suspended node.
func TestManager_FailedResumeKeepsInterrupt(t *testing.T) {
	var failOnce atomic.Bool
	failOnce.Store(true)
	var mu sync.Mutex
	var seen []string

	ask := func(ctx Context, s State) (Result[State], error) {
		v, ok := ctx.ResumeValue()
		mu.Lock()
		if ok {
			seen = append(seen, v.(string))
		} else {
			seen = append(seen, "<none>")
		}
		mu.Unlock()
		if !ok {
			return Suspend(s, map[string]string{"question": "name"}), nil
		}
		if failOnce.CompareAndSwap(true, false) {
			return Continue(s), errBoom
		}
		s.Answer = v.(string)
		return Continue(s), nil
	}
	compiled, err := NewGraph[State]().AddNode("ask", ask).SetEntry("ask").Compile()
	require.NoError(t, err)
	m := NewManager(compiled, checkpoint.NewMemoryStore())

	events := runTurn(t, m, "t1", Input[State]{Mode: ModeStart})
	assert.Equal(t, EventInterrupt, events[len(events)-1].Kind)

	events = runTurn(t, m, "t1", Input[State]{Mode: ModeResume, ResumeValue: "alice"})
	assert.Equal(t, EventError, events[len(events)-1].Kind)

	snap, _, err := m.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, snap.Execution.Status, "interrupt survives a failed resume")
	require.NotNil(t, snap.Execution.Interrupt)
	assert.Equal(t, "ask", snap.Execution.Interrupt.NodeID)

	events = runTurn(t, m, "t1", Input[State]{Mode: ModeResume, ResumeValue: "alice (retry)"})
	assert.Equal(t, EventDone, events[len(events)-1].Kind)
	assert.Equal(t, []string{"<none>", "alice", "alice (retry)"}, seen)

	snap, _, err = m.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "alice (retry)", snap.State.Answer)
	assert.Nil(t, snap.Execution.Interrupt)
	assert.Equal(t, []string{"ask"}, snap.Execution.History)
}

// TestManager_RunPlanned plans each turn against the state the previous
// turn left, even when turns queue on the lock.
func TestManager_RunPlanned(t *testing.T) {
	started := make(chan struct{}, 4)
	release := make(chan struct{})
	m := NewManager(blockingGraph(t, started, release), checkpoint.NewMemoryStore())

	plan := func(snap Snapshot[Counter], found bool) Input[Counter] {
		if !found {
			return Input[Counter]{Mode: ModeStart}
		}
		return Input[Counter]{Mode: ModeResume}
	}

	var wg sync.WaitGroup
	modes := make(chan Mode, 3)
	finals := make(chan int, 3)
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			in, ch, err := m.RunPlanned(context.Background(), "t1", plan)
			if !assert.NoError(t, err) {
				return
			}
			modes <- in.Mode
			events := collect(t, ch)
			finals <- events[len(events)-1].State.Value
		}()
	}
	close(release)
	wg.Wait()
	close(modes)
	close(finals)

	counts := map[Mode]int{}
	for mode := range modes {
		counts[mode]++
	}
	assert.Equal(t, map[Mode]int{ModeStart: 1, ModeResume: 2}, counts)

	var values []int
	for v := range finals {
		values = append(values, v)
	}
	assert.ElementsMatch(t, []int{1, 2, 3}, values)

	snap, _, err := m.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 3, snap.State.Value)
}

func TestManager_RunPlannedUnreadableState(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), "t1", 4, "greet", []byte("not a checkpoint")))
	m := NewManager(askGraph(t), store)

	_, err := m.RunOrResume(context.Background(), "t1", Input[State]{Mode: ModeStart})
	require.Error(t, err)
	assert.True(t, IsUnreadable(err))

	var sawFound bool
	in, ch, err := m.RunPlanned(context.Background(), "t1", func(_ Snapshot[State], found bool) Input[State] {
		sawFound = found
		return Input[State]{Mode: ModeStart, State: State{Initial: "fresh"}}
	})
	require.NoError(t, err)
	collect(t, ch)
	assert.False(t, sawFound)
	assert.Equal(t, ModeStart, in.Mode)

	snap, ok, err := m.Get(context.Background(), "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "fresh", snap.State.Initial)
	assert.Greater(t, snap.Sequence, 4)
}

func TestManager_Update(t *testing.T) {
	m := NewManager(askGraph(t), checkpoint.NewMemoryStore())

	err := m.Update(context.Background(), "ghost", func(s State) State { return s })
	require.ErrorIs(t, err, ErrNoPriorState)

	runTurn(t, m, "t1", Input[State]{Mode: ModeStart})
	before, _, err := m.Get(context.Background(), "t1")
	require.NoError(t, err)

	require.NoError(t, m.Update(context.Background(), "t1", func(s State) State {
		s.Output = "edited"
		return s
	}))

	after, _, err := m.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "edited", after.State.Output)
	assert.Equal(t, before.Sequence+1, after.Sequence)
	assert.Equal(t, before.Execution.Status, after.Execution.Status)
	assert.Equal(t, before.Execution.Current, after.Execution.Current)
	require.NotNil(t, after.Execution.Interrupt)
}

func TestManager_Delete(t *testing.T) {
	m := NewManager(askGraph(t), checkpoint.NewMemoryStore())
	runTurn(t, m, "t1", Input[State]{Mode: ModeStart})

	threads, err := m.Threads(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, threads)

	require.NoError(t, m.Delete(context.Background(), "t1"))

	_, ok, err := m.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManager_Retain(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	m := NewManager(askGraph(t), store, WithRetain[State](2))

	runTurn(t, m, "t1", Input[State]{Mode: ModeStart})
	runTurn(t, m, "t1", Input[State]{Mode: ModeResume, ResumeValue: "x"})

	infos, err := m.History(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, 6, infos[1].Sequence)
}

func TestManager_Codecs(t *testing.T) {
	for _, name := range []string{"json", "msgpack"} {
		for _, compress := range []bool{false, true} {
			codec, err := checkpoint.CodecByName(name, compress)
			require.NoError(t, err)

			t.Run(codec.Name(), func(t *testing.T) {
				m := NewManager(askGraph(t), checkpoint.NewMemoryStore(), WithCodec[State](codec))
				runTurn(t, m, "t1", Input[State]{Mode: ModeStart, State: State{Initial: "x"}})
				runTurn(t, m, "t1", Input[State]{Mode: ModeResume, ResumeValue: "y"})

				snap, ok, err := m.Get(context.Background(), "t1")
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, "answer was y", snap.State.Output)
			})
		}
	}
}

// failingStore fails every Save.
type failingStore struct {
	*checkpoint.MemoryStore
	failAfter int
	saves     int
}

func (s *failingStore) Save(ctx context.Context, threadID string, seq int, nodeID string, data []byte) error {
	s.saves++
	if s.saves > s.failAfter {
		return errors.New("disk full")
	}
	return s.MemoryStore.Save(ctx, threadID, seq, nodeID, data)
}

func TestManager_SaveFailure(t *testing.T) {
	t.Run("input checkpoint", func(t *testing.T) {
		m := NewManager(askGraph(t), &failingStore{MemoryStore: checkpoint.NewMemoryStore()})
		_, err := m.RunOrResume(context.Background(), "t1", Input[State]{Mode: ModeStart})

		var cpErr *CheckpointError
		require.ErrorAs(t, err, &cpErr)
		assert.Equal(t, "save", cpErr.Op)
		assert.False(t, m.Busy("t1"), "lock released")
	})

	t.Run("step checkpoint", func(t *testing.T) {
		m := NewManager(askGraph(t), &failingStore{MemoryStore: checkpoint.NewMemoryStore(), failAfter: 1})
		events := runTurn(t, m, "t1", Input[State]{Mode: ModeStart})

		last := events[len(events)-1]
		require.Equal(t, EventError, last.Kind)
		var cpErr *CheckpointError
		require.ErrorAs(t, last.Err, &cpErr)
		assert.Equal(t, "greet", cpErr.NodeID)
		for _, e := range events {
			assert.NotEqual(t, EventNodeUpdate, e.Kind, "no update for an unsaved node")
		}
	})
}

// blockingGraph parks its only node until release is closed.
func blockingGraph(t *testing.T, started chan<- struct{}, release <-chan struct{}) *CompiledGraph[Counter] {
	t.Helper()
	block := func(_ Context, s Counter) (Result[Counter], error) {
		started <- struct{}{}
		<-release
		s.Value++
		return Continue(s), nil
	}
	compiled, err := NewGraph[Counter]().AddNode("block", block).SetEntry("block").Compile()
	require.NoError(t, err)
	return compiled
}

func TestManager_LockReject(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	m := NewManager(blockingGraph(t, started, release), checkpoint.NewMemoryStore(), WithLockPolicy[Counter](LockReject))

	ch, err := m.RunOrResume(context.Background(), "t1", Input[Counter]{Mode: ModeStart})
	require.NoError(t, err)
	<-started
	assert.True(t, m.Busy("t1"))

	_, err = m.RunOrResume(context.Background(), "t1", Input[Counter]{Mode: ModeResume})
	require.ErrorIs(t, err, ErrThreadBusy)

	_, ok, err := m.Get(context.Background(), "t1")
	require.NoError(t, err, "reads do not wait for the turn")
	assert.True(t, ok)

	ch2, err := m.RunOrResume(context.Background(), "other", Input[Counter]{Mode: ModeStart})
	require.NoError(t, err, "other threads are independent")
	<-started

	close(release)
	collect(t, ch)
	collect(t, ch2)
	assert.False(t, m.Busy("t1"))
}

// TestManager_LockWait serializes turns on one thread: the second turn
// starts from the first turn's result.
func TestManager_LockWait(t *testing.T) {
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	m := NewManager(blockingGraph(t, started, release), checkpoint.NewMemoryStore())

	ch, err := m.RunOrResume(context.Background(), "t1", Input[Counter]{Mode: ModeStart})
	require.NoError(t, err)
	<-started

	var wg sync.WaitGroup
	var second []Event[Counter]
	wg.Add(1)
	go func() {
		defer wg.Done()
		ch2, err := m.RunOrResume(context.Background(), "t1", Input[Counter]{Mode: ModeResume})
		if !assert.NoError(t, err) {
			return
		}
		second = collect(t, ch2)
	}()

	close(release)
	first := collect(t, ch)
	wg.Wait()

	assert.Equal(t, 1, first[len(first)-1].State.Value)
	assert.Equal(t, 2, second[len(second)-1].State.Value)
}

func TestManager_LockWaitRespectsContext(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)
	m := NewManager(blockingGraph(t, started, release), checkpoint.NewMemoryStore())

	_, err := m.RunOrResume(context.Background(), "t1", Input[Counter]{Mode: ModeStart})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.RunOrResume(ctx, "t1", Input[Counter]{Mode: ModeResume})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestManager_VersionMismatch(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	cp := checkpoint.New("t1", "greet", 1, []byte(`{}`), "ask")
	cp.Version = checkpoint.Version + 1
	data, err := cp.Marshal()
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), "t1", 1, "greet", data))

	m := NewManager(askGraph(t), store)
	_, _, err = m.Get(context.Background(), "t1")
	require.ErrorIs(t, err, ErrCheckpointVersionMismatch)
}
