// Package broadcast fans the versioned key store out to every attached
// WebSocket connection. One goroutine owns all connection and store state;
// everything else talks to it through commands.
package broadcast

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/ezplayer/statesync/internal/metrics"
	"github.com/ezplayer/statesync/internal/protocol"
	"github.com/ezplayer/statesync/internal/state"
)

// Defaults for the heartbeat and backpressure policy. The spec constants;
// overridable through Options for tests and config.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultPongDeadline      = 15 * time.Second
	DefaultBackpressureLimit = 8 << 20 // 8 MiB buffered per connection

	commandQueueLength = 256
	commandTimeout     = 5 * time.Second
)

// connection is the broadcaster's view of one attached client.
type connection struct {
	id     uuid.UUID
	writer *connWriter

	// subscription is nil until the first subscribe message, meaning
	// "all keys". A subscribe replaces it outright.
	subscription map[state.Key]struct{}

	// pending marks keys whose latest value this connection has not been
	// sent yet. Rapid publishes to one key collapse into a single entry.
	pending map[state.Key]struct{}

	lastPong time.Time
}

func (c *connection) subscribed(key state.Key) bool {
	if c.subscription == nil {
		return true
	}
	_, ok := c.subscription[key]
	return ok
}

// --- Commands ---

type broadcasterCmd interface{ isBroadcasterCmd() }

type baseBroadcasterCmd struct{}

func (baseBroadcasterCmd) isBroadcasterCmd() {}

type attachCmd struct {
	baseBroadcasterCmd
	conn    *websocket.Conn
	replyCh chan uuid.UUID
}

type detachCmd struct {
	baseBroadcasterCmd
	id uuid.UUID
}

type publishCmd struct {
	baseBroadcasterCmd
	key   state.Key
	value json.RawMessage
}

type subscribeCmd struct {
	baseBroadcasterCmd
	id   uuid.UUID
	keys []state.Key
}

type pongCmd struct {
	baseBroadcasterCmd
	id  uuid.UUID
	now int64
}

type getCmd struct {
	baseBroadcasterCmd
	key     state.Key
	replyCh chan getReply
}

type getReply struct {
	value state.VersionedValue
	ok    bool
}

type connCountCmd struct {
	baseBroadcasterCmd
	replyCh chan int
}

type stopCmd struct {
	baseBroadcasterCmd
}

// Options tune the broadcaster's liveness and backpressure policy.
type Options struct {
	HeartbeatInterval time.Duration
	PongDeadline      time.Duration
	BackpressureLimit int64
}

func (o *Options) fillDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.PongDeadline <= 0 {
		o.PongDeadline = DefaultPongDeadline
	}
	if o.BackpressureLimit <= 0 {
		o.BackpressureLimit = DefaultBackpressureLimit
	}
}

// Broadcaster delivers every subscribed key's current value to every
// connection, exactly once per version change, while evicting consumers
// that cannot keep up.
//
// Flushing is event-driven: after each command the loop drains whatever
// else has queued up, then flushes all pending keys in one message per
// connection. Publishes arriving between flush opportunities coalesce,
// which bounds outbound traffic to one message per key per flush no matter
// how fast producers run.
type Broadcaster struct {
	cmdCh chan broadcasterCmd
	clock clockwork.Clock
	store *state.Store
	opts  Options

	conns map[uuid.UUID]*connection
	done  chan struct{}
}

// New creates a broadcaster owning store and starts its goroutine. The
// store must not be touched by anyone else from this point on.
func New(store *state.Store, clock clockwork.Clock, opts Options) *Broadcaster {
	opts.fillDefaults()
	b := &Broadcaster{
		cmdCh: make(chan broadcasterCmd, commandQueueLength),
		clock: clock,
		store: store,
		opts:  opts,
		conns: make(map[uuid.UUID]*connection),
		done:  make(chan struct{}),
	}
	go b.run()
	return b
}

// --- Public API (any goroutine) ---

// Attach hands a freshly upgraded connection to the broadcaster. The
// connection immediately receives a full snapshot and is owned by the
// broadcaster until Detach or kick. The returned id identifies the
// connection in later calls.
func (b *Broadcaster) Attach(conn *websocket.Conn) (uuid.UUID, error) {
	replyCh := make(chan uuid.UUID, 1)
	b.cmdCh <- attachCmd{conn: conn, replyCh: replyCh}

	timer := b.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case id := <-replyCh:
		return id, nil
	case <-timer.Chan():
		return uuid.Nil, fmt.Errorf("attach timed out after %v", commandTimeout)
	}
}

// Detach removes a connection. Safe to call for already-removed ids; the
// read pump calls it on every exit path.
func (b *Broadcaster) Detach(id uuid.UUID) {
	b.cmdCh <- detachCmd{id: id}
}

// Publish writes value through to the store and schedules delivery to
// every subscribed connection.
func (b *Broadcaster) Publish(key state.Key, value json.RawMessage) {
	b.cmdCh <- publishCmd{key: key, value: value}
}

// Subscribe replaces the connection's key filter. No snapshot is resent.
func (b *Broadcaster) Subscribe(id uuid.UUID, keys []state.Key) {
	b.cmdCh <- subscribeCmd{id: id, keys: keys}
}

// Pong records a heartbeat reply from a connection.
func (b *Broadcaster) Pong(id uuid.UUID, now int64) {
	b.cmdCh <- pongCmd{id: id, now: now}
}

// Get reads a key's current value through the owning goroutine.
func (b *Broadcaster) Get(key state.Key) (state.VersionedValue, bool) {
	replyCh := make(chan getReply, 1)
	b.cmdCh <- getCmd{key: key, replyCh: replyCh}

	timer := b.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		return reply.value, reply.ok
	case <-timer.Chan():
		slog.Warn("Get timed out", "key", key, "timeout", commandTimeout)
		return state.VersionedValue{}, false
	}
}

// ConnCount returns the number of attached connections, or -1 on timeout.
func (b *Broadcaster) ConnCount() int {
	replyCh := make(chan int, 1)
	b.cmdCh <- connCountCmd{replyCh: replyCh}

	timer := b.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case count := <-replyCh:
		return count
	case <-timer.Chan():
		slog.Warn("ConnCount timed out", "timeout", commandTimeout)
		return -1
	}
}

// Stop disconnects every client with a close frame and shuts the
// broadcaster down. Blocks until the goroutine has exited.
func (b *Broadcaster) Stop() {
	b.cmdCh <- stopCmd{}
	<-b.done
}

// --- Actor loop ---

func (b *Broadcaster) run() {
	defer close(b.done)

	ticker := b.clock.NewTicker(b.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-b.cmdCh:
			if b.handleAndDrain(cmd) {
				b.handleStop()
				return
			}
		case <-ticker.Chan():
			b.heartbeat()
			b.flush()
		}
	}
}

// handleAndDrain handles cmd plus everything already queued behind it,
// then flushes once. Draining before flushing is where rapid same-key
// publishes coalesce into a single delivery.
func (b *Broadcaster) handleAndDrain(cmd broadcasterCmd) (stop bool) {
	if b.handle(cmd) {
		return true
	}
	for {
		select {
		case cmd := <-b.cmdCh:
			if b.handle(cmd) {
				return true
			}
		default:
			b.flush()
			return false
		}
	}
}

func (b *Broadcaster) handle(cmd broadcasterCmd) (stop bool) {
	switch c := cmd.(type) {
	case attachCmd:
		b.handleAttach(c)
	case detachCmd:
		b.removeConn(c.id, "")
	case publishCmd:
		b.handlePublish(c)
	case subscribeCmd:
		b.handleSubscribe(c)
	case pongCmd:
		b.handlePong(c)
	case getCmd:
		value, ok := b.store.Get(c.key)
		c.replyCh <- getReply{value: value, ok: ok}
	case connCountCmd:
		c.replyCh <- len(b.conns)
	case stopCmd:
		return true
	default:
		slog.Warn("Broadcaster received unknown command", "command_type", fmt.Sprintf("%T", cmd))
	}
	return false
}

func (b *Broadcaster) handleAttach(c attachCmd) {
	conn := &connection{
		id:       uuid.New(),
		writer:   newConnWriter(c.conn, b.clock),
		pending:  make(map[state.Key]struct{}),
		lastPong: b.clock.Now(),
	}
	b.conns[conn.id] = conn
	metrics.BroadcasterConnections.Set(float64(len(b.conns)))

	// Immediate full snapshot restricted to the subscription, which at
	// attach time is the default: everything.
	b.sendSnapshot(conn, b.store.Snapshot(conn.subscription))

	slog.Debug("Connection attached", "conn_id", conn.id.String(), "total", len(b.conns))
	c.replyCh <- conn.id
}

func (b *Broadcaster) handlePublish(c publishCmd) {
	version := b.store.Set(c.key, c.value)

	for _, conn := range b.conns {
		if !conn.subscribed(c.key) {
			continue
		}
		if _, already := conn.pending[c.key]; already {
			metrics.BroadcasterCoalescedPublishesTotal.Inc()
		}
		conn.pending[c.key] = struct{}{}
	}

	slog.Debug("Published", "key", c.key, "version", version)
}

func (b *Broadcaster) handleSubscribe(c subscribeCmd) {
	conn, ok := b.conns[c.id]
	if !ok {
		return
	}

	// Replace, never merge. Pending keys outside the new filter are
	// dropped so the next flush cannot leak unsubscribed state.
	filter := make(map[state.Key]struct{}, len(c.keys))
	for _, k := range c.keys {
		filter[k] = struct{}{}
	}
	conn.subscription = filter
	for k := range conn.pending {
		if _, ok := filter[k]; !ok {
			delete(conn.pending, k)
		}
	}

	slog.Debug("Subscription replaced", "conn_id", c.id.String(), "keys", len(c.keys))
}

func (b *Broadcaster) handlePong(c pongCmd) {
	conn, ok := b.conns[c.id]
	if !ok {
		return
	}
	conn.lastPong = b.clock.Now()
}

// flush sends, per connection, at most one snapshot message covering all
// of its pending keys, then checks the backpressure ceiling.
func (b *Broadcaster) flush() {
	start := b.clock.Now()

	for _, conn := range b.conns {
		if len(conn.pending) == 0 {
			continue
		}

		values := b.store.Snapshot(conn.pending)
		conn.pending = make(map[state.Key]struct{})
		if len(values) == 0 {
			continue
		}
		b.sendSnapshot(conn, values)
	}

	metrics.BroadcasterFlushDuration.Observe(b.clock.Since(start).Seconds())
}

func (b *Broadcaster) sendSnapshot(conn *connection, values []state.VersionedValue) {
	data, err := json.Marshal(protocol.NewSnapshot(values))
	if err != nil {
		slog.Error("Failed to marshal snapshot", "error", err)
		return
	}

	buffered, ok := conn.writer.enqueue(data)
	if !ok {
		b.kick(conn, fmt.Sprintf("backpressure: buffered=%d", buffered))
		return
	}
	metrics.BroadcasterMessagesSentTotal.WithLabelValues(protocol.TypeSnapshot).Inc()

	if buffered > b.opts.BackpressureLimit {
		b.kick(conn, fmt.Sprintf("backpressure: buffered=%d", buffered))
	}
}

// heartbeat pings every connection and kicks those whose last valid pong
// is older than the deadline.
func (b *Broadcaster) heartbeat() {
	now := b.clock.Now()

	for _, conn := range b.conns {
		if now.Sub(conn.lastPong) > b.opts.PongDeadline {
			b.kick(conn, "heartbeat timeout")
			continue
		}

		data, err := json.Marshal(protocol.NewPing(now.UnixMilli()))
		if err != nil {
			slog.Error("Failed to marshal ping", "error", err)
			continue
		}
		if buffered, ok := conn.writer.enqueue(data); !ok {
			b.kick(conn, fmt.Sprintf("backpressure: buffered=%d", buffered))
			continue
		}
		metrics.BroadcasterMessagesSentTotal.WithLabelValues(protocol.TypePing).Inc()
	}
}

// kick tells the client why it is going away, then closes. A best-effort
// courtesy: the kick message rides the normal send queue and is skipped if
// that queue is already the problem.
func (b *Broadcaster) kick(conn *connection, reason string) {
	if data, err := json.Marshal(protocol.NewKick(reason)); err == nil {
		if _, ok := conn.writer.enqueue(data); ok {
			metrics.BroadcasterMessagesSentTotal.WithLabelValues(protocol.TypeKick).Inc()
		}
	}

	slog.Warn("Kicking connection", "conn_id", conn.id.String(), "reason", reason)
	metrics.BroadcasterKicksTotal.WithLabelValues(kickReasonLabel(reason)).Inc()
	b.removeConn(conn.id, reason)
}

// removeConn drops a connection from the live set. reason empty means a
// plain detach (client went away on its own).
func (b *Broadcaster) removeConn(id uuid.UUID, reason string) {
	conn, ok := b.conns[id]
	if !ok {
		return
	}
	delete(b.conns, id)
	metrics.BroadcasterConnections.Set(float64(len(b.conns)))

	conn.writer.shutdown(reason)

	if reason == "" {
		slog.Debug("Connection detached", "conn_id", id.String(), "remaining", len(b.conns))
	}
}

func (b *Broadcaster) handleStop() {
	slog.Info("Broadcaster shutting down", "connections", len(b.conns))
	for id, conn := range b.conns {
		conn.writer.shutdown("server shutting down")
		conn.writer.stop()
		delete(b.conns, id)
	}
	metrics.BroadcasterConnections.Set(0)
}

func kickReasonLabel(reason string) string {
	if len(reason) >= len("backpressure") && reason[:len("backpressure")] == "backpressure" {
		return "backpressure"
	}
	return reason
}
