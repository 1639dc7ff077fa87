package fsagent_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/convoflow/internal/llm"
	"github.com/randalmurphal/convoflow/internal/workflows/fsagent"
	"github.com/randalmurphal/convoflow/pkg/convoflow"
	"github.com/randalmurphal/convoflow/pkg/convoflow/checkpoint"
	"github.com/randalmurphal/convoflow/pkg/convoflow/conversation"
)

type event = convoflow.Event[conversation.State]

func setup(t *testing.T, client llm.Client) (*convoflow.Manager[conversation.State], string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "tmp.log"), []byte("old"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "main.go"), []byte("package main"), 0o644))

	g, err := fsagent.New(fsagent.Deps{LLM: client, Root: root})
	require.NoError(t, err)
	return convoflow.NewManager(g, checkpoint.NewMemoryStore()), root
}

func drain(t *testing.T, ch <-chan event) []event {
	t.Helper()
	var events []event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				require.NotEmpty(t, events)
				return events
			}
			events = append(events, e)
		case <-timeout:
			require.FailNow(t, "timed out waiting for events")
		}
	}
}

func start(t *testing.T, m *convoflow.Manager[conversation.State], text string) []event {
	t.Helper()
	ch, err := m.RunOrResume(context.Background(), "t1", convoflow.Input[conversation.State]{
		Mode: convoflow.ModeStart,
		State: conversation.New(fsagent.Name, "t1", []conversation.Message{
			{Role: conversation.RoleUser, Content: text},
		}),
	})
	require.NoError(t, err)
	return drain(t, ch)
}

func answer(t *testing.T, m *convoflow.Manager[conversation.State], text string) []event {
	t.Helper()
	ch, err := m.RunOrResume(context.Background(), "t1", convoflow.Input[conversation.State]{
		Mode: convoflow.ModeResume,
		Patch: func(s conversation.State) conversation.State {
			s = s.Clone()
			s.Session.Messages = append(s.Session.Messages, conversation.Message{Role: conversation.RoleUser, Content: text})
			return s
		},
		ResumeValue: text,
	})
	require.NoError(t, err)
	return drain(t, ch)
}

func chunks(events []event) string {
	var b strings.Builder
	for _, e := range events {
		if e.Kind == convoflow.EventChunk {
			b.WriteString(e.Text)
		}
	}
	return b.String()
}

func agentState(t *testing.T, m *convoflow.Manager[conversation.State]) *conversation.Agent {
	t.Helper()
	snap, ok, err := m.Get(context.Background(), "t1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, snap.State.Agent)
	return snap.State.Agent
}

func TestAgent_WriteOnApproval(t *testing.T) {
	m, root := setup(t, llm.NewScripted(fsagent.ScriptedReplies()...))

	events := start(t, m, "take a note for me")
	last := events[len(events)-1]
	require.Equal(t, convoflow.EventInterrupt, last.Kind)
	assert.Equal(t, fsagent.NodeApprove, last.NodeID)
	assert.Contains(t, chunks(events), "Shall I write notes.txt?")

	a := agentState(t, m)
	assert.ElementsMatch(t, []string{"src/", "src/main.go", "tmp.log"}, a.Observation)
	require.NotNil(t, a.Proposed)
	assert.Equal(t, fsagent.ActionWrite, a.Proposed.Kind)
	assert.NoFileExists(t, filepath.Join(root, "notes.txt"))

	events = answer(t, m, "yes")
	require.Equal(t, convoflow.EventDone, events[len(events)-1].Kind)

	data, err := os.ReadFile(filepath.Join(root, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "remember to water the plants\n", string(data))
	assert.Equal(t, fsagent.DecisionApproved, agentState(t, m).Decision)
	assert.Equal(t, "applied", agentState(t, m).Result)
}

func TestAgent_RejectLeavesWorkspace(t *testing.T) {
	m, root := setup(t, llm.NewScripted(fsagent.ScriptedReplies()...))

	start(t, m, "clean up please")
	events := answer(t, m, "no thanks")
	require.Equal(t, convoflow.EventDone, events[len(events)-1].Kind)

	assert.FileExists(t, filepath.Join(root, "tmp.log"))
	assert.Equal(t, fsagent.DecisionRejected, agentState(t, m).Decision)
}

func TestAgent_DeleteAndMkdir(t *testing.T) {
	m, root := setup(t, llm.NewScripted(fsagent.ScriptedReplies()...))

	start(t, m, "clean up please")
	answer(t, m, "Yes.")
	assert.NoFileExists(t, filepath.Join(root, "tmp.log"))

	m2, root2 := setup(t, llm.NewScripted(fsagent.ScriptedReplies()...))
	start(t, m2, "make a folder")
	answer(t, m2, "ok")
	assert.DirExists(t, filepath.Join(root2, "archive"))
}

func TestAgent_PlainReplyEndsTurn(t *testing.T) {
	m, _ := setup(t, llm.NewScripted(fsagent.ScriptedReplies()...))

	events := start(t, m, "what can you do?")
	require.Equal(t, convoflow.EventDone, events[len(events)-1].Kind)
	assert.Contains(t, chunks(events), "What would you like?")

	snap, _, err := m.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{fsagent.NodeObserve, fsagent.NodeAct}, snap.Execution.History)
	assert.Nil(t, snap.State.Agent.Proposed)
}

func TestAgent_RefusesEscapingPaths(t *testing.T) {
	for _, p := range []string{"../outside.txt", "/etc/passwd", "."} {
		t.Run(p, func(t *testing.T) {
			client := llm.NewScripted().WithResponses(`{"kind": "write", "path": "` + p + `", "content": "x"}`)
			m, _ := setup(t, client)

			events := start(t, m, "write it")
			require.Equal(t, convoflow.EventDone, events[len(events)-1].Kind)
			assert.Contains(t, chunks(events), "I won't do that")
			assert.Nil(t, agentState(t, m).Proposed)
		})
	}
}

func TestAgent_UnknownActionRefused(t *testing.T) {
	m, _ := setup(t, llm.NewScripted().WithResponses(`{"kind": "chmod", "path": "a"}`))

	events := start(t, m, "make it executable")
	assert.Contains(t, chunks(events), `unknown action "chmod"`)
}

func TestAgent_UnreadableProposal(t *testing.T) {
	m, _ := setup(t, llm.NewScripted().WithResponses("sure thing!"))

	events := start(t, m, "do something")
	require.Equal(t, convoflow.EventDone, events[len(events)-1].Kind)
	assert.Contains(t, chunks(events), "rephrase")
}

func TestAgent_ListingIsCapped(t *testing.T) {
	root := t.TempDir()
	for i := range 10 {
		require.NoError(t, os.WriteFile(filepath.Join(root, string(rune('a'+i))+".txt"), nil, 0o644))
	}
	g, err := fsagent.New(fsagent.Deps{LLM: llm.NewScripted(fsagent.ScriptedReplies()...), Root: root, MaxEntries: 3})
	require.NoError(t, err)
	m := convoflow.NewManager(g, checkpoint.NewMemoryStore())

	start(t, m, "hello")
	assert.Len(t, agentState(t, m).Observation, 3)
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := fsagent.New(fsagent.Deps{Root: t.TempDir()})
	assert.Error(t, err)
	_, err = fsagent.New(fsagent.Deps{LLM: llm.NewScripted()})
	assert.Error(t, err)
}
