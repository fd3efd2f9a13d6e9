package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezplayer/statesync/internal/state"
)

func TestNewSnapshot_Shape(t *testing.T) {
	msg := NewSnapshot([]state.VersionedValue{
		{Key: state.KeyPlaybackStatus, Version: 1, Value: json.RawMessage(`"Playing"`)},
		{Key: state.KeySchedule, Version: 0, Value: json.RawMessage(`[]`)},
	})

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "snapshot",
		"v":    {"pStatus": 1, "schedule": 0},
		"data": {"pStatus": "Playing", "schedule": []}
	}`, string(data))
}

func TestParseClientMessage_Pong(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"pong","now":1712345678901}`))
	require.NoError(t, err)
	assert.Equal(t, TypePong, msg.Type)
	assert.Equal(t, int64(1712345678901), msg.Now)
}

func TestParseClientMessage_Subscribe(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"subscribe","keys":["pStatus","schedule"]}`))
	require.NoError(t, err)
	assert.Equal(t, []state.Key{state.KeyPlaybackStatus, state.KeySchedule}, msg.Keys)

	// Empty key list is a valid "subscribe to nothing".
	msg, err = ParseClientMessage([]byte(`{"type":"subscribe","keys":[]}`))
	require.NoError(t, err)
	assert.Empty(t, msg.Keys)
}

func TestParseClientMessage_Rejects(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"subscribe","keys":["nope"]}`))
	assert.ErrorContains(t, err, `unknown key "nope"`)

	_, err = ParseClientMessage([]byte(`{"type":"shout"}`))
	assert.ErrorContains(t, err, "unknown client message type")

	_, err = ParseClientMessage([]byte(`not json`))
	assert.Error(t, err)
}

func TestParseServerMessage(t *testing.T) {
	msg, err := ParseServerMessage([]byte(`{"type":"snapshot","v":{"pStatus":4},"data":{"pStatus":"Paused"}}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), msg.Versions[state.KeyPlaybackStatus])
	assert.JSONEq(t, `"Paused"`, string(msg.Data[state.KeyPlaybackStatus]))

	msg, err = ParseServerMessage([]byte(`{"type":"kick","reason":"heartbeat timeout"}`))
	require.NoError(t, err)
	assert.Equal(t, "heartbeat timeout", msg.Reason)

	_, err = ParseServerMessage([]byte(`{"type":"mystery"}`))
	assert.Error(t, err)
}
