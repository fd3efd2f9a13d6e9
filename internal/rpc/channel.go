// Package rpc provides request/response correlation over any asynchronous
// duplex message channel. The same Channel serves the worker-to-host port
// and the control socket: it is parameterized over a send function and fed
// inbound messages by whoever owns the transport's receive loop.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ezplayer/statesync/internal/metrics"
)

// ErrTimeout matches any *TimeoutError via errors.Is, so callers can
// distinguish "remote never answered" from a remote-reported failure.
var ErrTimeout = errors.New("rpc: call timed out")

// ErrClosed is returned for calls on a closed channel, and rejects any
// calls still pending when the channel closes.
var ErrClosed = errors.New("rpc: channel closed")

// TimeoutError reports that a call received no response within its window.
type TimeoutError struct {
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rpc: call %q timed out after %v", e.Method, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// HandlerError carries the remote handler's failure message verbatim.
type HandlerError struct {
	Method  string
	Message string
}

func (e *HandlerError) Error() string { return e.Message }

// Message is the wire envelope, either direction. A message with a Method
// is a request; anything else is a response.
type Message struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// IsRequest reports whether the message is a request envelope.
func (m Message) IsRequest() bool { return m.Method != "" }

// Handler serves one method. The returned value is JSON-marshaled into the
// response's result; a returned error becomes the response's error string.
// Handlers run on their own goroutine and may issue nested calls on other
// channels.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Channel correlates outbound calls with inbound responses and dispatches
// inbound requests to registered handlers. Every request yields exactly one
// response; every pending call resolves exactly once (response, timeout, or
// channel close, whichever comes first).
type Channel struct {
	send  func(Message) error
	clock clockwork.Clock

	mu       sync.Mutex
	nextID   uint64
	pending  map[uint64]chan callResult
	handlers map[string]Handler
	closed   bool
}

// New creates a channel that transmits envelopes through send. The caller
// owns the transport's receive loop and must feed inbound envelopes to
// HandleMessage.
func New(send func(Message) error, clock clockwork.Clock) *Channel {
	return &Channel{
		send:    send,
		clock:   clock,
		pending: make(map[uint64]chan callResult),
	}
}

// RegisterHandlers binds method names to handlers, replacing any previous
// table. Requests for methods not in the table are answered with an
// "Unknown method" error.
func (c *Channel) RegisterHandlers(table map[string]Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = table
}

// Call sends a request and waits for the matching response. It returns the
// remote's result, a *HandlerError if the remote reported one, or a
// *TimeoutError if nothing came back within timeout. The pending entry is
// removed on every path.
func (c *Channel) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params for %q: %w", method, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextID++
	id := c.nextID
	reply := make(chan callResult, 1)
	c.pending[id] = reply
	c.mu.Unlock()
	metrics.RPCPendingRequests.Inc()

	if err := c.send(Message{ID: id, Method: method, Params: encoded}); err != nil {
		c.resolve(id)
		metrics.RPCCallsTotal.WithLabelValues(method, "error").Inc()
		return nil, fmt.Errorf("send request %q: %w", method, err)
	}

	timer := c.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-reply:
		return c.finish(method, res)
	case <-timer.Chan():
		if c.resolve(id) {
			metrics.RPCCallsTotal.WithLabelValues(method, "timeout").Inc()
			return nil, &TimeoutError{Method: method, Timeout: timeout}
		}
		// The response won the race and is already buffered.
		return c.finish(method, <-reply)
	case <-ctx.Done():
		if c.resolve(id) {
			metrics.RPCCallsTotal.WithLabelValues(method, "error").Inc()
			return nil, fmt.Errorf("call %q: %w", method, ctx.Err())
		}
		return c.finish(method, <-reply)
	}
}

// callResult is what a pending call resolves with: a response envelope, or
// a local error such as channel close.
type callResult struct {
	msg Message
	err error
}

func (c *Channel) finish(method string, res callResult) (json.RawMessage, error) {
	if res.err != nil {
		metrics.RPCCallsTotal.WithLabelValues(method, "error").Inc()
		return nil, res.err
	}
	if res.msg.Error != "" {
		metrics.RPCCallsTotal.WithLabelValues(method, "error").Inc()
		return nil, &HandlerError{Method: method, Message: res.msg.Error}
	}
	metrics.RPCCallsTotal.WithLabelValues(method, "ok").Inc()
	return res.msg.Result, nil
}

// resolve removes a pending entry, reporting whether it was still present.
func (c *Channel) resolve(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	metrics.RPCPendingRequests.Dec()
	return true
}

// HandleMessage processes one inbound envelope: responses complete their
// pending call, requests are dispatched to a handler on a new goroutine.
// Late responses (already timed out) are dropped.
func (c *Channel) HandleMessage(ctx context.Context, msg Message) {
	if msg.IsRequest() {
		go c.serveRequest(ctx, msg)
		return
	}

	c.mu.Lock()
	reply, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.mu.Unlock()

	if !ok {
		slog.Debug("Dropping response with no pending call", "id", msg.ID)
		return
	}
	metrics.RPCPendingRequests.Dec()
	reply <- callResult{msg: msg}
}

func (c *Channel) serveRequest(ctx context.Context, req Message) {
	c.mu.Lock()
	handler, ok := c.handlers[req.Method]
	c.mu.Unlock()

	if !ok {
		c.respondError(req, fmt.Sprintf("Unknown method: %s", req.Method))
		return
	}

	result, err := func() (result any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return handler(ctx, req.Params)
	}()
	if err != nil {
		metrics.RPCHandlerErrorsTotal.WithLabelValues(req.Method).Inc()
		c.respondError(req, err.Error())
		return
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		c.respondError(req, fmt.Sprintf("marshal result: %v", err))
		return
	}
	if err := c.send(Message{ID: req.ID, Result: encoded}); err != nil {
		slog.Warn("Failed to send RPC response", "method", req.Method, "id", req.ID, "error", err)
	}
}

func (c *Channel) respondError(req Message, message string) {
	if err := c.send(Message{ID: req.ID, Error: message}); err != nil {
		slog.Warn("Failed to send RPC error response", "method", req.Method, "id", req.ID, "error", err)
	}
}

// Close rejects every pending call with ErrClosed and refuses new calls.
// Safe to call more than once.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, reply := range c.pending {
		delete(c.pending, id)
		metrics.RPCPendingRequests.Dec()
		reply <- callResult{err: ErrClosed}
	}
}

// PendingCalls returns the number of outstanding calls. Used by tests to
// assert the pending table does not leak entries.
func (c *Channel) PendingCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
