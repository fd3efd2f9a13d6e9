// Package client implements the consumer side of the state sync socket: a
// reconnecting session that mirrors the server's versioned keys locally.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/ezplayer/statesync/internal/metrics"
	"github.com/ezplayer/statesync/internal/protocol"
	"github.com/ezplayer/statesync/internal/state"
)

const (
	DefaultInitialBackoff = 1 * time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultMaxFailures    = 10

	dialTimeout  = 5 * time.Second
	writeTimeout = 5 * time.Second
)

var errNotConnected = errors.New("session not connected")

// State is the session's connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Options configure where the session connects and how hard it retries.
type Options struct {
	// URL, when set, is the only endpoint ever tried (e.g.
	// "ws://127.0.0.1:8080/ws"). It disables port fallback.
	URL string

	// Host and Ports are the fallback candidates, tried in order on each
	// attempt until one connection ever succeeds.
	Host  string
	Ports []int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxFailures is the number of consecutive failed attempts after which
	// the session goes dormant until Reconnect is called.
	MaxFailures int
}

func (o *Options) fillDefaults() {
	if o.Host == "" {
		o.Host = "127.0.0.1"
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = DefaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.MaxFailures <= 0 {
		o.MaxFailures = DefaultMaxFailures
	}
}

// Session keeps one WebSocket to the state server alive, caching the last
// received value per key. On every connect it receives a full snapshot, so
// the cache self-heals after any outage; local versions are never compared
// against incoming ones, the server alone decides recency.
type Session struct {
	opts  Options
	clock clockwork.Clock

	mu           sync.Mutex
	state        State
	dormant      bool
	conn         *websocket.Conn
	cache        map[state.Key]state.VersionedValue
	subscription []state.Key
	lastGoodURL  string

	// writeMu serializes socket writes: pong replies from the read loop
	// and subscribe messages from API callers share one connection.
	writeMu sync.Mutex

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// New starts a session that immediately begins connecting.
func New(opts Options, clock clockwork.Clock) *Session {
	opts.fillDefaults()
	s := &Session{
		opts:    opts,
		clock:   clock,
		cache:   make(map[state.Key]state.VersionedValue),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.run()
	return s
}

// Get returns the cached value for key, if any snapshot has carried it.
func (s *Session) Get(key state.Key) (state.VersionedValue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cache[key]
	return v, ok
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dormant reports whether the session has given up retrying and is waiting
// for Reconnect.
func (s *Session) Dormant() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dormant
}

// Subscribe replaces the session's key filter. The filter is pushed to the
// server now if connected, and again on every future connect, because the
// server forgets subscriptions on disconnect.
func (s *Session) Subscribe(keys []state.Key) {
	s.mu.Lock()
	s.subscription = slices.Clone(keys)
	connected := s.conn != nil
	s.mu.Unlock()

	if connected {
		if err := s.send(protocol.NewSubscribe(keys)); err != nil {
			slog.Warn("Failed to send subscription, will resend on reconnect", "error", err)
		}
	}
}

// Reconnect forces an immediate connection attempt: it wakes a dormant
// session, short-circuits a backoff wait, and drops a live connection so
// the dial starts over.
func (s *Session) Reconnect() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close shuts the session down and waits for its goroutine to exit.
func (s *Session) Close() {
	s.once.Do(func() { close(s.done) })
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	<-s.stopped
}

func (s *Session) run() {
	defer close(s.stopped)

	backoff := s.opts.InitialBackoff
	failures := 0

	for {
		select {
		case <-s.done:
			return
		default:
		}

		s.setState(StateConnecting)
		conn, err := s.dial()
		if err != nil {
			s.setState(StateDisconnected)
			metrics.ClientReconnectsTotal.WithLabelValues("failure").Inc()

			failures++
			if failures >= s.opts.MaxFailures {
				slog.Warn("Connection attempts exhausted, going dormant", "failures", failures)
				if !s.waitForWake() {
					return
				}
				failures = 0
				backoff = s.opts.InitialBackoff
				continue
			}

			if !s.sleep(backoff) {
				return
			}
			backoff = min(2*backoff, s.opts.MaxBackoff)
			continue
		}

		metrics.ClientReconnectsTotal.WithLabelValues("success").Inc()
		failures = 0
		backoff = s.opts.InitialBackoff

		s.serve(conn)
		s.setState(StateDisconnected)
	}
}

// dial tries each candidate endpoint in order. The first success pins the
// session to that endpoint for good: later attempts skip the fallback list
// entirely.
func (s *Session) dial() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: dialTimeout}

	for _, url := range s.candidates() {
		conn, resp, err := dialer.Dial(url, nil)
		if err != nil {
			slog.Debug("Dial failed", "url", url, "error", err)
			continue
		}
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}

		s.mu.Lock()
		s.lastGoodURL = url
		s.mu.Unlock()
		return conn, nil
	}
	return nil, errors.New("no candidate endpoint reachable")
}

func (s *Session) candidates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastGoodURL != "" {
		return []string{s.lastGoodURL}
	}
	if s.opts.URL != "" {
		return []string{s.opts.URL}
	}
	urls := make([]string, 0, len(s.opts.Ports))
	for _, port := range s.opts.Ports {
		urls = append(urls, fmt.Sprintf("ws://%s:%d/ws", s.opts.Host, port))
	}
	return urls
}

// serve owns one live connection: it pushes the subscription, then reads
// until the socket dies or the server kicks us.
func (s *Session) serve(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	sub := slices.Clone(s.subscription)
	s.mu.Unlock()
	s.setState(StateConnected)
	slog.Info("Connected", "url", conn.RemoteAddr().String())

	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()
	}()

	if sub != nil {
		if err := s.send(protocol.NewSubscribe(sub)); err != nil {
			slog.Warn("Failed to resend subscription", "error", err)
			return
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			slog.Debug("Connection lost", "error", err)
			return
		}
		if kicked := s.dispatch(data); kicked {
			return
		}
	}
}

func (s *Session) dispatch(data []byte) (kicked bool) {
	msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		slog.Warn("Dropping unreadable server message", "error", err)
		return false
	}

	switch msg.Type {
	case protocol.TypeSnapshot:
		s.applySnapshot(msg)
	case protocol.TypePing:
		if err := s.send(protocol.NewPong(msg.Now)); err != nil {
			slog.Debug("Failed to send pong", "error", err)
		}
	case protocol.TypeKick:
		slog.Warn("Kicked by server", "reason", msg.Reason)
		return true
	}
	return false
}

// applySnapshot overwrites every key the snapshot carries. No version
// comparison: whatever the server sends is the truth.
func (s *Session) applySnapshot(msg protocol.ServerMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, value := range msg.Data {
		s.cache[key] = state.VersionedValue{
			Key:     key,
			Version: msg.Versions[key],
			Value:   value,
		}
	}
}

func (s *Session) send(v any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	changed := s.state != st
	s.state = st
	s.mu.Unlock()
	if changed {
		slog.Debug("Session state changed", "state", st.String())
	}
}

// sleep waits out one backoff period. Reconnect cuts it short; Close ends
// the session (returns false).
func (s *Session) sleep(d time.Duration) bool {
	timer := s.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.Chan():
		return true
	case <-s.wake:
		return true
	case <-s.done:
		return false
	}
}

// waitForWake parks the session until Reconnect or Close.
func (s *Session) waitForWake() bool {
	s.mu.Lock()
	s.dormant = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.dormant = false
		s.mu.Unlock()
	}()

	select {
	case <-s.wake:
		return true
	case <-s.done:
		return false
	}
}
