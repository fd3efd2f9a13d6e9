package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/zstd"

	"github.com/ezplayer/statesync/internal/bufpool"
	"github.com/ezplayer/statesync/internal/frames"
	"github.com/ezplayer/statesync/internal/rpc"
	"github.com/ezplayer/statesync/internal/state"
)

// Worker is the render-side peer. It owns the decompressor and the frame
// slot; everything it learns flows back to the host as broadcast envelopes
// or RPC responses.
type Worker struct {
	port    *rpc.Port
	pool    *bufpool.Pool
	slot    *frames.Slot
	channel *rpc.Channel
	decoder *zstd.Decoder

	config json.RawMessage
}

// NewWorker wires a worker to its end of the port pair. Run must be called
// to start serving.
func NewWorker(port *rpc.Port, pool *bufpool.Pool, slot *frames.Slot, clock clockwork.Clock) (*Worker, error) {
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	w := &Worker{
		port:    port,
		pool:    pool,
		slot:    slot,
		decoder: decoder,
	}
	w.channel = rpc.New(func(msg rpc.Message) error {
		return port.Send(rpcEnvelope(msg))
	}, clock)
	return w, nil
}

// RegisterHandlers binds the worker's RPC method table.
func (w *Worker) RegisterHandlers(table map[string]rpc.Handler) {
	w.channel.RegisterHandlers(table)
}

// Call invokes a method on the host.
func (w *Worker) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return w.channel.Call(ctx, method, params, timeout)
}

// Broadcast pushes a key/value publish to the host's broadcaster.
func (w *Worker) Broadcast(key state.Key, value json.RawMessage) error {
	return w.port.Send(Envelope{Type: TypeBroadcast, Key: key, Value: value})
}

// Config returns the configuration received with init, nil before then.
func (w *Worker) Config() json.RawMessage {
	return w.config
}

// Run serves the port until shutdown or port closure. It answers init with
// ready, feeds RPC traffic into the channel, and turns updateFrameBuffer
// envelopes into published frames.
func (w *Worker) Run(ctx context.Context) error {
	defer w.channel.Close()
	defer w.decoder.Close()

	for {
		v, ok := w.port.Receive()
		if !ok {
			return nil
		}
		env, isEnv := v.(Envelope)
		if !isEnv {
			slog.Warn("Worker received non-envelope message", "message_type", fmt.Sprintf("%T", v))
			continue
		}

		switch env.Type {
		case TypeInit:
			w.config = env.Config
			if err := w.port.Send(Envelope{Type: TypeReady}); err != nil {
				return fmt.Errorf("send ready: %w", err)
			}
		case TypeShutdown:
			slog.Info("Worker shutting down")
			return nil
		case TypeRequest, TypeResponse:
			w.channel.HandleMessage(ctx, env.RPC)
		case TypeUpdateFrameBuffer:
			w.handleFrame(env.Frame)
		default:
			slog.Warn("Worker received unknown envelope type", "type", env.Type)
		}
	}
}

// handleFrame decompresses one transferred buffer into the frame slot.
// Both the inbound buffer and the scratch output go back to the pool
// before returning; the slot keeps its own copy.
func (w *Worker) handleFrame(in *bufpool.Buffer) {
	if in == nil {
		slog.Warn("updateFrameBuffer envelope without a buffer")
		return
	}
	defer in.Release()

	out := w.pool.Get(decodedSizeHint(in.Bytes()))
	defer out.Release()

	decoded, err := w.decoder.DecodeAll(in.Bytes(), out.Bytes()[:0])
	if err != nil {
		slog.Error("Failed to decompress frame", "error", err, "compressed_bytes", len(in.Bytes()))
		return
	}
	w.slot.Publish(decoded)
}

// decodedSizeHint sizes the decompression target from the zstd frame
// header when it carries a content size, else guesses.
func decodedSizeHint(compressed []byte) int {
	var hdr zstd.Header
	if err := hdr.Decode(compressed); err == nil && hdr.HasFCS {
		return int(hdr.FrameContentSize)
	}
	return 4 * len(compressed)
}
