package checkpoint_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/randalmurphal/convoflow/pkg/convoflow/checkpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpoint_New(t *testing.T) {
	state := []byte(`{"value": 42}`)
	cp := checkpoint.New("thread-123", "node-a", 1, state, "node-b")

	assert.Equal(t, checkpoint.Version, cp.Version)
	assert.Equal(t, "thread-123", cp.ThreadID)
	assert.Equal(t, "node-a", cp.NodeID)
	assert.Equal(t, 1, cp.Sequence)
	assert.Equal(t, "node-b", cp.NextNode)
	assert.Equal(t, checkpoint.StatusRunning, cp.Status)
	assert.Equal(t, json.RawMessage(state), cp.State)
	assert.Nil(t, cp.Interrupt)
	assert.False(t, cp.Timestamp.IsZero())
}

func TestCheckpoint_WithInterrupt(t *testing.T) {
	cp := checkpoint.New("thread-1", "triage", 3, []byte("{}"), "gather").
		WithInterrupt("gather", []byte(`"which model?"`))

	assert.Equal(t, checkpoint.StatusSuspended, cp.Status)
	assert.Equal(t, "gather", cp.NextNode)
	require.NotNil(t, cp.Interrupt)
	assert.Equal(t, "gather", cp.Interrupt.NodeID)
	assert.JSONEq(t, `"which model?"`, string(cp.Interrupt.Payload))
}

func TestCheckpoint_WithHistoryCopies(t *testing.T) {
	history := []string{"a", "b"}
	cp := checkpoint.New("thread-1", "b", 2, []byte("{}"), "c").WithHistory(history)

	history[0] = "mutated"
	assert.Equal(t, []string{"a", "b"}, cp.History)
}

func TestCheckpoint_MarshalUnmarshal(t *testing.T) {
	original := checkpoint.New("thread-123", "process", 5, []byte(`{"counter":10}`), "validate").
		WithHistory([]string{"start", "process"}).
		WithStatus(checkpoint.StatusDone)

	data, err := original.Marshal()
	require.NoError(t, err)

	loaded, err := checkpoint.Unmarshal(data)
	require.NoError(t, err)

	assert.Equal(t, original.Version, loaded.Version)
	assert.Equal(t, original.ThreadID, loaded.ThreadID)
	assert.Equal(t, original.NodeID, loaded.NodeID)
	assert.Equal(t, original.Sequence, loaded.Sequence)
	assert.Equal(t, original.NextNode, loaded.NextNode)
	assert.Equal(t, original.Status, loaded.Status)
	assert.Equal(t, original.History, loaded.History)
	assert.JSONEq(t, string(original.State), string(loaded.State))
	assert.WithinDuration(t, original.Timestamp, loaded.Timestamp, time.Second)
}

func TestCheckpoint_UnmarshalInvalidJSON(t *testing.T) {
	_, err := checkpoint.Unmarshal([]byte("not json"))
	assert.Error(t, err)
}

func TestCheckpoint_JSONFormat(t *testing.T) {
	cp := checkpoint.New("thread-1", "node-a", 1, []byte(`{"value":42}`), "node-b")

	data, err := cp.Marshal()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))

	assert.Equal(t, float64(checkpoint.Version), raw["version"])
	assert.Equal(t, "thread-1", raw["thread_id"])
	assert.Equal(t, "node-a", raw["node_id"])
	assert.Equal(t, float64(1), raw["sequence"])
	assert.Equal(t, "node-b", raw["next_node"])
	assert.Equal(t, "running", raw["status"])
	assert.NotContains(t, raw, "interrupt")

	// State should be nested JSON
	stateMap, ok := raw["state"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(42), stateMap["value"])
}

func TestCodecs_RoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		codec    string
		compress bool
		wantName string
	}{
		{"json", "json", false, "json"},
		{"default", "", false, "json"},
		{"msgpack", "msgpack", false, "msgpack"},
		{"json zstd", "json", true, "json+zstd"},
		{"msgpack zstd", "msgpack", true, "msgpack+zstd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codec, err := checkpoint.CodecByName(tt.codec, tt.compress)
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, codec.Name())

			original := checkpoint.New("thread-1", "classify", 2, []byte(`{"category":"hardware"}`), "triage").
				WithHistory([]string{"classify"}).
				WithInterrupt("triage", []byte(`{"question":"model?"}`))

			data, err := codec.Encode(original)
			require.NoError(t, err)

			loaded, err := codec.Decode(data)
			require.NoError(t, err)

			assert.Equal(t, original.ThreadID, loaded.ThreadID)
			assert.Equal(t, original.Sequence, loaded.Sequence)
			assert.Equal(t, original.NextNode, loaded.NextNode)
			assert.Equal(t, original.Status, loaded.Status)
			assert.Equal(t, original.History, loaded.History)
			assert.JSONEq(t, string(original.State), string(loaded.State))
			require.NotNil(t, loaded.Interrupt)
			assert.JSONEq(t, string(original.Interrupt.Payload), string(loaded.Interrupt.Payload))
			assert.True(t, original.Timestamp.Equal(loaded.Timestamp))
		})
	}
}

func TestCodecs_CompressionShrinksRepetitiveState(t *testing.T) {
	state := []byte(`{"notes":"` + strings.Repeat("the laptop will not power on. ", 200) + `"}`)
	cp := checkpoint.New("thread-1", "gather", 1, state, "create")

	plain, err := checkpoint.CodecByName("json", false)
	require.NoError(t, err)
	zipped, err := checkpoint.CodecByName("json", true)
	require.NoError(t, err)

	plainBytes, err := plain.Encode(cp)
	require.NoError(t, err)
	zippedBytes, err := zipped.Encode(cp)
	require.NoError(t, err)

	assert.Less(t, len(zippedBytes), len(plainBytes)/4)
}

func TestCodecByName_Unknown(t *testing.T) {
	_, err := checkpoint.CodecByName("xml", false)
	assert.ErrorContains(t, err, "unknown checkpoint codec")
}

func TestCompressed_RejectsGarbage(t *testing.T) {
	codec, err := checkpoint.CodecByName("json", true)
	require.NoError(t, err)

	_, err = codec.Decode([]byte("definitely not zstd"))
	assert.Error(t, err)
}
