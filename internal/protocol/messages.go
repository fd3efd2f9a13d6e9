// Package protocol defines the JSON messages exchanged on the /ws state
// sync socket. The RPC envelope lives in internal/rpc; the worker control
// envelope in internal/worker.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/ezplayer/statesync/internal/state"
)

// Message type tags.
const (
	TypeSnapshot  = "snapshot"
	TypePing      = "ping"
	TypePong      = "pong"
	TypeKick      = "kick"
	TypeSubscribe = "subscribe"
)

// Snapshot carries the current version and value of one or more keys.
// A full snapshot is sent on attach; incremental flushes reuse the same
// shape restricted to the keys that changed.
type Snapshot struct {
	Type     string                        `json:"type"`
	Versions map[state.Key]uint64          `json:"v"`
	Data     map[state.Key]json.RawMessage `json:"data"`
}

// NewSnapshot builds a snapshot message from versioned values.
func NewSnapshot(values []state.VersionedValue) Snapshot {
	msg := Snapshot{
		Type:     TypeSnapshot,
		Versions: make(map[state.Key]uint64, len(values)),
		Data:     make(map[state.Key]json.RawMessage, len(values)),
	}
	for _, v := range values {
		msg.Versions[v.Key] = v.Version
		msg.Data[v.Key] = v.Value
	}
	return msg
}

// Ping is the server's heartbeat probe. Now is a unix-millisecond
// timestamp the client echoes back unchanged.
type Ping struct {
	Type string `json:"type"`
	Now  int64  `json:"now"`
}

func NewPing(nowMillis int64) Ping {
	return Ping{Type: TypePing, Now: nowMillis}
}

// Pong is the client's heartbeat reply, echoing the ping's timestamp.
type Pong struct {
	Type string `json:"type"`
	Now  int64  `json:"now"`
}

func NewPong(nowMillis int64) Pong {
	return Pong{Type: TypePong, Now: nowMillis}
}

// Kick tells the client it is about to be disconnected and why.
type Kick struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func NewKick(reason string) Kick {
	return Kick{Type: TypeKick, Reason: reason}
}

// Subscribe replaces the connection's key filter. An empty key list is
// valid and means "nothing"; the default filter (all keys) only exists
// until the first subscribe.
type Subscribe struct {
	Type string      `json:"type"`
	Keys []state.Key `json:"keys"`
}

func NewSubscribe(keys []state.Key) Subscribe {
	return Subscribe{Type: TypeSubscribe, Keys: keys}
}

// ClientMessage is the decoded union of everything a client may send.
type ClientMessage struct {
	Type string      `json:"type"`
	Now  int64       `json:"now"`
	Keys []state.Key `json:"keys"`
}

// ParseClientMessage decodes and validates one inbound client message.
// Unknown types and unknown subscription keys are errors; the caller logs
// and ignores the message, leaving the connection open.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("decode client message: %w", err)
	}

	switch msg.Type {
	case TypePong:
		return msg, nil
	case TypeSubscribe:
		for _, k := range msg.Keys {
			if !k.Valid() {
				return ClientMessage{}, fmt.Errorf("subscribe to unknown key %q", k)
			}
		}
		return msg, nil
	default:
		return ClientMessage{}, fmt.Errorf("unknown client message type %q", msg.Type)
	}
}

// ServerMessage is the decoded union of everything the server may send,
// used by the client session's dispatch loop.
type ServerMessage struct {
	Type     string                        `json:"type"`
	Now      int64                         `json:"now"`
	Reason   string                        `json:"reason"`
	Versions map[state.Key]uint64          `json:"v"`
	Data     map[state.Key]json.RawMessage `json:"data"`
}

// ParseServerMessage decodes one inbound server message.
func ParseServerMessage(data []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ServerMessage{}, fmt.Errorf("decode server message: %w", err)
	}
	switch msg.Type {
	case TypeSnapshot, TypePing, TypeKick:
		return msg, nil
	default:
		return ServerMessage{}, fmt.Errorf("unknown server message type %q", msg.Type)
	}
}
