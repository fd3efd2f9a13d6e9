package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ezplayer/statesync/internal/broadcast"
	"github.com/ezplayer/statesync/internal/bufpool"
	"github.com/ezplayer/statesync/internal/rpc"
)

// Host is the server-side peer of the worker port. It forwards broadcast
// envelopes into the state broadcaster and exposes the worker's RPC
// surface to the rest of the process.
type Host struct {
	port        *rpc.Port
	broadcaster *broadcast.Broadcaster
	channel     *rpc.Channel

	ready     chan struct{}
	readyOnce sync.Once
}

// NewHost wires a host to its end of the port pair. Run must be called to
// start serving.
func NewHost(port *rpc.Port, broadcaster *broadcast.Broadcaster, clock clockwork.Clock) *Host {
	h := &Host{
		port:        port,
		broadcaster: broadcaster,
		ready:       make(chan struct{}),
	}
	h.channel = rpc.New(func(msg rpc.Message) error {
		return port.Send(rpcEnvelope(msg))
	}, clock)
	return h
}

// RegisterHandlers binds the host's RPC method table, for calls the worker
// makes in the other direction.
func (h *Host) RegisterHandlers(table map[string]rpc.Handler) {
	h.channel.RegisterHandlers(table)
}

// Run sends init and serves the port until the worker goes away or
// Shutdown is called.
func (h *Host) Run(ctx context.Context, config json.RawMessage) error {
	defer h.channel.Close()

	if err := h.port.Send(Envelope{Type: TypeInit, Config: config}); err != nil {
		return fmt.Errorf("send init: %w", err)
	}

	for {
		v, ok := h.port.Receive()
		if !ok {
			return nil
		}
		env, isEnv := v.(Envelope)
		if !isEnv {
			slog.Warn("Host received non-envelope message", "message_type", fmt.Sprintf("%T", v))
			continue
		}

		switch env.Type {
		case TypeReady:
			h.readyOnce.Do(func() { close(h.ready) })
			slog.Info("Worker reported ready")
		case TypeRequest, TypeResponse:
			h.channel.HandleMessage(ctx, env.RPC)
		case TypeBroadcast:
			h.broadcaster.Publish(env.Key, env.Value)
		default:
			slog.Warn("Host received unknown envelope type", "type", env.Type)
		}
	}
}

// WaitReady blocks until the worker has answered init, or ctx ends.
func (h *Host) WaitReady(ctx context.Context) error {
	select {
	case <-h.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendFrame transfers a compressed frame buffer to the worker. Ownership
// moves with the envelope: the caller must not touch buf again, the worker
// releases it.
func (h *Host) SendFrame(buf *bufpool.Buffer) error {
	return h.port.Send(Envelope{Type: TypeUpdateFrameBuffer, Frame: buf})
}

// Call invokes a method on the worker.
func (h *Host) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return h.channel.Call(ctx, method, params, timeout)
}

// Shutdown asks the worker to exit and closes the port.
func (h *Host) Shutdown() {
	if err := h.port.Send(Envelope{Type: TypeShutdown}); err != nil {
		slog.Debug("Failed to send shutdown, port already closed", "error", err)
	}
	h.port.Close()
}
