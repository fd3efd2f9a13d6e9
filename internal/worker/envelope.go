// Package worker hosts the render worker: an in-process peer that receives
// compressed preview frames, decompresses them into the shared frame slot,
// and pushes state updates back to the broadcaster. Host and worker talk
// over a message port carrying one envelope union: RPC traffic multiplexed
// with control messages the RPC layer does not own.
package worker

import (
	"encoding/json"

	"github.com/ezplayer/statesync/internal/bufpool"
	"github.com/ezplayer/statesync/internal/rpc"
	"github.com/ezplayer/statesync/internal/state"
)

// Envelope type tags.
const (
	TypeInit              = "init"
	TypeReady             = "ready"
	TypeShutdown          = "shutdown"
	TypeRequest           = "request"
	TypeResponse          = "response"
	TypeUpdateFrameBuffer = "updateFrameBuffer"
	TypeBroadcast         = "broadcast"
)

// Envelope is the one message shape on the host↔worker port. Only the
// fields for the given Type are set.
type Envelope struct {
	Type string

	// RPC carries the request/response payload for TypeRequest and
	// TypeResponse.
	RPC rpc.Message

	// Config carries the worker's startup configuration for TypeInit.
	Config json.RawMessage

	// Frame is an ownership-transferred pool buffer of zstd-compressed
	// frame bytes for TypeUpdateFrameBuffer. The receiver releases it.
	Frame *bufpool.Buffer

	// Key and Value carry a state publish for TypeBroadcast.
	Key   state.Key
	Value json.RawMessage
}

// rpcEnvelope wraps an outbound RPC message in the right envelope type, so
// one rpc.Channel can ride the multiplexed port.
func rpcEnvelope(msg rpc.Message) Envelope {
	t := TypeResponse
	if msg.IsRequest() {
		t = TypeRequest
	}
	return Envelope{Type: t, RPC: msg}
}
