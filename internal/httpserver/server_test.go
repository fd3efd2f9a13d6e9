package httpserver

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezplayer/statesync/internal/broadcast"
	"github.com/ezplayer/statesync/internal/bufpool"
	"github.com/ezplayer/statesync/internal/frames"
	"github.com/ezplayer/statesync/internal/platform/config"
	"github.com/ezplayer/statesync/internal/protocol"
	"github.com/ezplayer/statesync/internal/state"
)

type fixture struct {
	srv   *httptest.Server
	bcast *broadcast.Broadcaster
	slot  *frames.Slot
	pool  *bufpool.Pool
}

func newFixture(t *testing.T, mutate func(cfg *config.Config)) *fixture {
	t.Helper()

	cfg := &config.Config{
		AppEnv:                 "test",
		Port:                   "0",
		HeartbeatInterval:      broadcast.DefaultHeartbeatInterval,
		PongDeadline:           broadcast.DefaultPongDeadline,
		BackpressureLimitBytes: broadcast.DefaultBackpressureLimit,
		MaxConnections:         100,
		WSConnectionsPerSecond: 1000,
		WSConnectionBurst:      1000,
	}
	if mutate != nil {
		mutate(cfg)
	}

	bcast := broadcast.New(state.NewStore(), clockwork.NewRealClock(), broadcast.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		PongDeadline:      cfg.PongDeadline,
		BackpressureLimit: cfg.BackpressureLimitBytes,
	})
	t.Cleanup(bcast.Stop)

	slot := frames.NewSlot()
	pool := bufpool.New()
	server := NewServer(cfg, bcast, slot, pool, []HealthCheck{
		{Name: "broadcaster", Check: func(ctx context.Context) error {
			if bcast.ConnCount() < 0 {
				return errors.New("broadcaster unresponsive")
			}
			return nil
		}},
	})

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, bcast: bcast, slot: slot, pool: pool}
}

func (f *fixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
}

func (f *fixture) dial(t *testing.T) *ws.Conn {
	t.Helper()
	conn, resp, err := ws.DefaultDialer.Dial(f.wsURL(), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
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

func TestServer_HealthAndVersion(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.srv.URL + "/health/live")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(f.srv.URL + "/health/ready")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	resp3, err := http.Get(f.srv.URL + "/version")
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusOK, resp3.StatusCode)

	var info map[string]any
	require.NoError(t, json.NewDecoder(resp3.Body).Decode(&info))
	assert.Contains(t, info, "version")
	assert.Contains(t, info, "go_version")
}

func TestServer_MetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "broadcaster_connections")
}

func TestServer_WebSocketSyncRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	f.bcast.Publish(state.KeyPlaybackStatus, json.RawMessage(`"Playing"`))

	conn := f.dial(t)

	initial := readServerMessage(t, conn)
	assert.Equal(t, protocol.TypeSnapshot, initial.Type)
	assert.JSONEq(t, `"Playing"`, string(initial.Data[state.KeyPlaybackStatus]))

	// Narrow the subscription through the read pump, then verify a
	// publish outside it never arrives while one inside does.
	require.NoError(t, conn.WriteJSON(protocol.NewSubscribe([]state.Key{state.KeySchedule})))
	time.Sleep(50 * time.Millisecond) // let the subscribe reach the actor

	f.bcast.Publish(state.KeyControllerStatus, json.RawMessage(`"up"`))
	f.bcast.Publish(state.KeySchedule, json.RawMessage(`["show"]`))

	msg := readServerMessage(t, conn)
	assert.Equal(t, protocol.TypeSnapshot, msg.Type)
	assert.NotContains(t, msg.Data, state.KeyControllerStatus)
	assert.JSONEq(t, `["show"]`, string(msg.Data[state.KeySchedule]))
}

func TestServer_WebSocketMalformedMessageKeepsConnection(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t)
	readServerMessage(t, conn) // initial snapshot

	require.NoError(t, conn.WriteMessage(ws.TextMessage, []byte(`{"type":"launch-missiles"}`)))

	// Still attached and receiving.
	f.bcast.Publish(state.KeyPlaybackStatus, json.RawMessage(`"Paused"`))
	msg := readServerMessage(t, conn)
	assert.JSONEq(t, `"Paused"`, string(msg.Data[state.KeyPlaybackStatus]))
}

func TestServer_ConnectionLimit(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.MaxConnections = 1 })

	f.dial(t)
	require.Eventually(t, func() bool { return f.bcast.ConnCount() == 1 },
		time.Second, 5*time.Millisecond)

	_, resp, err := ws.DefaultDialer.Dial(f.wsURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_WebSocketRateLimit(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.WSConnectionsPerSecond = 0.001
		cfg.WSConnectionBurst = 1
	})

	f.dial(t)

	_, resp, err := ws.DefaultDialer.Dial(f.wsURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestServer_FramesEmpty(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.srv.URL + "/api/frames")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestServer_FramesServesLatestWithHeader(t *testing.T) {
	f := newFixture(t, nil)

	f.slot.Publish([]byte("frame-one"))
	f.slot.Publish([]byte("frame-two"))

	resp, err := http.Get(f.srv.URL + "/api/frames")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(body), frameHeaderSize)

	length := binary.LittleEndian.Uint32(body[0:4])
	seq := binary.LittleEndian.Uint32(body[4:8])
	assert.Equal(t, uint32(len("frame-two")), length)
	assert.Equal(t, uint32(2), seq)
	assert.Equal(t, "frame-two", string(body[frameHeaderSize:]))
}

func TestServer_FramePayloadReturnsBufferToPool(t *testing.T) {
	f := newFixture(t, nil)
	f.slot.Publish([]byte("steady"))

	for range 3 {
		resp, err := http.Get(f.srv.URL + "/api/frames")
		require.NoError(t, err)
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	// Every poll released its buffer; the pool holds at most one spare.
	assert.LessOrEqual(t, f.pool.FreeBuffers(), 1)
}
