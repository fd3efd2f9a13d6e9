package broadcast

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezplayer/statesync/internal/protocol"
	"github.com/ezplayer/statesync/internal/state"
)

func newTestConnPair(t *testing.T) (server *ws.Conn, client *ws.Conn) {
	t.Helper()
	upgrader := ws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	ready := make(chan *ws.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		ready <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	serverConn := <-ready
	t.Cleanup(func() { serverConn.Close() })

	return serverConn, clientConn
}

// newBareBroadcaster builds a broadcaster whose actor loop is NOT running,
// so tests can drive handlers directly and control flush timing exactly.
func newBareBroadcaster(clock clockwork.Clock, opts Options) *Broadcaster {
	opts.fillDefaults()
	return &Broadcaster{
		cmdCh: make(chan broadcasterCmd, commandQueueLength),
		clock: clock,
		store: state.NewStore(),
		opts:  opts,
		conns: make(map[uuid.UUID]*connection),
		done:  make(chan struct{}),
	}
}

func attachDirect(t *testing.T, b *Broadcaster, conn *ws.Conn) uuid.UUID {
	t.Helper()
	replyCh := make(chan uuid.UUID, 1)
	b.handleAttach(attachCmd{conn: conn, replyCh: replyCh})
	return <-replyCh
}

func readServerMessage(t *testing.T, conn *ws.Conn) protocol.ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.ParseServerMessage(data)
	require.NoError(t, err)
	return msg
}

func assertNoMessage(t *testing.T, conn *ws.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no message, got %s", data)
	}
	assert.True(t, strings.Contains(err.Error(), "timeout") || ws.IsUnexpectedCloseError(err),
		"unexpected read error: %v", err)
}

func TestBroadcaster_AttachSendsFullSnapshot(t *testing.T) {
	b := newBareBroadcaster(clockwork.NewFakeClockAt(time.Now()), Options{})
	b.handle(publishCmd{key: state.KeyPlaybackStatus, value: json.RawMessage(`"Playing"`)})
	b.handle(publishCmd{key: state.KeySchedule, value: json.RawMessage(`[]`)})

	server, client := newTestConnPair(t)
	attachDirect(t, b, server)

	msg := readServerMessage(t, client)
	assert.Equal(t, protocol.TypeSnapshot, msg.Type)
	assert.Equal(t, uint64(0), msg.Versions[state.KeyPlaybackStatus])
	assert.Equal(t, uint64(0), msg.Versions[state.KeySchedule])
	assert.JSONEq(t, `"Playing"`, string(msg.Data[state.KeyPlaybackStatus]))
}

func TestBroadcaster_CoalescesRapidPublishes(t *testing.T) {
	b := newBareBroadcaster(clockwork.NewFakeClockAt(time.Now()), Options{})

	// Server state pStatus at version 1 before the client connects.
	b.handle(publishCmd{key: state.KeyPlaybackStatus, value: json.RawMessage(`"Idle"`)})
	b.handle(publishCmd{key: state.KeyPlaybackStatus, value: json.RawMessage(`"Playing"`)})

	server, client := newTestConnPair(t)
	attachDirect(t, b, server)

	initial := readServerMessage(t, client)
	assert.Equal(t, uint64(1), initial.Versions[state.KeyPlaybackStatus])
	assert.JSONEq(t, `"Playing"`, string(initial.Data[state.KeyPlaybackStatus]))

	// Three rapid publishes before the next flush opportunity.
	for range 3 {
		b.handle(publishCmd{key: state.KeyPlaybackStatus, value: json.RawMessage(`"Paused"`)})
	}
	b.flush()

	// Exactly one delivery, carrying the final value and version 1+3.
	msg := readServerMessage(t, client)
	assert.Equal(t, uint64(4), msg.Versions[state.KeyPlaybackStatus])
	assert.JSONEq(t, `"Paused"`, string(msg.Data[state.KeyPlaybackStatus]))
	assertNoMessage(t, client)
}

func TestBroadcaster_FlushWithoutPendingSendsNothing(t *testing.T) {
	b := newBareBroadcaster(clockwork.NewFakeClockAt(time.Now()), Options{})
	server, client := newTestConnPair(t)
	attachDirect(t, b, server)
	readServerMessage(t, client) // initial snapshot

	b.flush()
	b.flush()
	assertNoMessage(t, client)
}

func TestBroadcaster_SubscribeReplacesFilter(t *testing.T) {
	b := newBareBroadcaster(clockwork.NewFakeClockAt(time.Now()), Options{})
	server, client := newTestConnPair(t)
	id := attachDirect(t, b, server)
	readServerMessage(t, client) // initial snapshot

	b.handle(subscribeCmd{id: id, keys: []state.Key{state.KeyPlaybackStatus}})

	// A publish outside the filter produces no message.
	b.handle(publishCmd{key: state.KeyControllerStatus, value: json.RawMessage(`"up"`)})
	b.flush()
	assertNoMessage(t, client)

	// Inside the filter it flows.
	b.handle(publishCmd{key: state.KeyPlaybackStatus, value: json.RawMessage(`"Playing"`)})
	b.flush()
	msg := readServerMessage(t, client)
	assert.JSONEq(t, `"Playing"`, string(msg.Data[state.KeyPlaybackStatus]))

	// Resubscribing to something else replaces, not merges, and does not
	// resend a snapshot.
	b.handle(subscribeCmd{id: id, keys: []state.Key{state.KeySchedule}})
	b.handle(publishCmd{key: state.KeyPlaybackStatus, value: json.RawMessage(`"Paused"`)})
	b.flush()
	assertNoMessage(t, client)
}

func TestBroadcaster_SubscribeDropsPendingOutsideFilter(t *testing.T) {
	b := newBareBroadcaster(clockwork.NewFakeClockAt(time.Now()), Options{})
	server, client := newTestConnPair(t)
	id := attachDirect(t, b, server)
	readServerMessage(t, client)

	// Pending key scheduled, then filtered out before the flush.
	b.handle(publishCmd{key: state.KeyControllerStatus, value: json.RawMessage(`"up"`)})
	b.handle(subscribeCmd{id: id, keys: []state.Key{state.KeyPlaybackStatus}})
	b.flush()
	assertNoMessage(t, client)
}

func TestBroadcaster_VersionsStrictlyIncreasePerKey(t *testing.T) {
	b := newBareBroadcaster(clockwork.NewFakeClockAt(time.Now()), Options{})
	server, client := newTestConnPair(t)
	attachDirect(t, b, server)
	readServerMessage(t, client)

	var last uint64
	first := true
	for i := range 5 {
		b.handle(publishCmd{key: state.KeyPlaybackStatus, value: json.RawMessage(`"v"`)})
		if i%2 == 1 {
			// Extra publish folded into the same flush.
			b.handle(publishCmd{key: state.KeyPlaybackStatus, value: json.RawMessage(`"w"`)})
		}
		b.flush()

		msg := readServerMessage(t, client)
		v := msg.Versions[state.KeyPlaybackStatus]
		if !first {
			assert.Greater(t, v, last, "versions must be strictly increasing")
		}
		last = v
		first = false
	}
}

func TestBroadcaster_HeartbeatPingAndPong(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Now())
	b := newBareBroadcaster(clock, Options{})
	server, client := newTestConnPair(t)
	id := attachDirect(t, b, server)
	readServerMessage(t, client)

	clock.Advance(6 * time.Second)
	b.heartbeat()

	ping := readServerMessage(t, client)
	require.Equal(t, protocol.TypePing, ping.Type)
	assert.Equal(t, clock.Now().UnixMilli(), ping.Now)

	// A timely pong keeps the connection alive indefinitely.
	b.handlePong(pongCmd{id: id, now: ping.Now})
	for range 5 {
		clock.Advance(10 * time.Second)
		b.heartbeat()
		msg := readServerMessage(t, client)
		require.Equal(t, protocol.TypePing, msg.Type)
		b.handlePong(pongCmd{id: id, now: msg.Now})
	}
	assert.Equal(t, 1, len(b.conns))
}

func TestBroadcaster_HeartbeatTimeoutKicks(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Now())
	b := newBareBroadcaster(clock, Options{})
	server, client := newTestConnPair(t)
	attachDirect(t, b, server)
	readServerMessage(t, client)

	// Never pong. The deadline is 15s from the last valid pong (attach).
	clock.Advance(6 * time.Second)
	b.heartbeat()
	require.Equal(t, protocol.TypePing, readServerMessage(t, client).Type)

	clock.Advance(10 * time.Second) // 16s since attach, no pong
	b.heartbeat()

	kick := readServerMessage(t, client)
	assert.Equal(t, protocol.TypeKick, kick.Type)
	assert.Equal(t, "heartbeat timeout", kick.Reason)
	assert.Empty(t, b.conns, "kicked connection must leave the live set immediately")
}

func TestBroadcaster_BackpressureKick(t *testing.T) {
	b := newBareBroadcaster(clockwork.NewFakeClockAt(time.Now()), Options{
		BackpressureLimit: 64,
	})
	server, client := newTestConnPair(t)
	attachDirect(t, b, server)
	readServerMessage(t, client)

	// One message bigger than the ceiling trips the post-send check.
	big := `"` + strings.Repeat("x", 512) + `"`
	b.handle(publishCmd{key: state.KeyPlaybackStatus, value: json.RawMessage(big)})
	b.flush()

	assert.Empty(t, b.conns, "backpressured connection must be removed")

	// The client sees the oversized snapshot (it was queued first), then
	// the kick with a backpressure reason.
	var sawKick bool
	for range 3 {
		require.NoError(t, client.SetReadDeadline(time.Now().Add(time.Second)))
		_, data, err := client.ReadMessage()
		if err != nil {
			break
		}
		msg, perr := protocol.ParseServerMessage(data)
		require.NoError(t, perr)
		if msg.Type == protocol.TypeKick {
			assert.True(t, strings.HasPrefix(msg.Reason, "backpressure:"), "reason %q", msg.Reason)
			sawKick = true
			break
		}
	}
	assert.True(t, sawKick, "expected a backpressure kick message")
}

func TestBroadcaster_DetachUnknownIDIsNoop(t *testing.T) {
	b := newBareBroadcaster(clockwork.NewFakeClockAt(time.Now()), Options{})
	b.removeConn(uuid.New(), "")
	assert.Empty(t, b.conns)
}

// --- Loop-level tests against the real actor goroutine ---

func TestBroadcaster_PublishReachesClientThroughLoop(t *testing.T) {
	b := New(state.NewStore(), clockwork.NewRealClock(), Options{})
	t.Cleanup(b.Stop)

	server, client := newTestConnPair(t)
	_, err := b.Attach(server)
	require.NoError(t, err)
	readServerMessage(t, client) // initial snapshot

	b.Publish(state.KeyPlaybackStatus, json.RawMessage(`"Playing"`))

	msg := readServerMessage(t, client)
	assert.Equal(t, protocol.TypeSnapshot, msg.Type)
	assert.JSONEq(t, `"Playing"`, string(msg.Data[state.KeyPlaybackStatus]))
	assert.Equal(t, uint64(0), msg.Versions[state.KeyPlaybackStatus])
}

func TestBroadcaster_GetThroughLoop(t *testing.T) {
	b := New(state.NewStore(), clockwork.NewRealClock(), Options{})
	t.Cleanup(b.Stop)

	_, ok := b.Get(state.KeySchedule)
	assert.False(t, ok)

	b.Publish(state.KeySchedule, json.RawMessage(`["show"]`))
	require.Eventually(t, func() bool {
		v, ok := b.Get(state.KeySchedule)
		return ok && v.Version == 0
	}, time.Second, 5*time.Millisecond)
}

func TestBroadcaster_StopClosesClientsWithReason(t *testing.T) {
	b := New(state.NewStore(), clockwork.NewRealClock(), Options{})

	server, client := newTestConnPair(t)
	_, err := b.Attach(server)
	require.NoError(t, err)
	readServerMessage(t, client)

	b.Stop()
	assert.Empty(t, b.conns)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, rerr := client.ReadMessage()
	require.Error(t, rerr)
	var closeErr *ws.CloseError
	if assert.ErrorAs(t, rerr, &closeErr) {
		assert.Equal(t, "server shutting down", closeErr.Text)
	}
}

func TestBroadcaster_ConnCount(t *testing.T) {
	b := New(state.NewStore(), clockwork.NewRealClock(), Options{})
	t.Cleanup(b.Stop)

	assert.Equal(t, 0, b.ConnCount())

	server1, _ := newTestConnPair(t)
	id1, err := b.Attach(server1)
	require.NoError(t, err)

	server2, _ := newTestConnPair(t)
	_, err = b.Attach(server2)
	require.NoError(t, err)
	assert.Equal(t, 2, b.ConnCount())

	b.Detach(id1)
	require.Eventually(t, func() bool { return b.ConnCount() == 1 },
		time.Second, 5*time.Millisecond)
}
