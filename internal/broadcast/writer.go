package broadcast

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline   = 5 * time.Second
	sendQueueLength = 256
)

// connWriter owns all writes to one WebSocket connection. Messages are
// enqueued by the broadcaster goroutine and written by the writer's own
// goroutine, so the broadcaster never blocks on a slow socket.
//
// All control methods (enqueue, shutdown, stop) are called only from the
// broadcaster goroutine.
type connWriter struct {
	conn  *websocket.Conn
	clock clockwork.Clock

	sendCh chan []byte
	done   chan struct{}
	wg     sync.WaitGroup

	// stopped and closeReason are only touched by the broadcaster
	// goroutine; the run goroutine reads closeReason after observing the
	// sendCh close, which orders the write before the read.
	stopped     bool
	closeReason string

	// queued counts bytes accepted into sendCh but not yet written to the
	// socket: the connection's buffered-byte count for backpressure checks.
	queued atomic.Int64
}

func newConnWriter(conn *websocket.Conn, clock clockwork.Clock) *connWriter {
	w := &connWriter{
		conn:   conn,
		clock:  clock,
		sendCh: make(chan []byte, sendQueueLength),
		done:   make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *connWriter) run() {
	defer w.wg.Done()

	for {
		select {
		case msg, ok := <-w.sendCh:
			if !ok {
				// Graceful shutdown: queue drained, say goodbye.
				w.writeCloseFrame()
				_ = w.conn.Close()
				return
			}
			w.updateWriteDeadline()
			err := w.conn.WriteMessage(websocket.TextMessage, msg)
			w.queued.Add(-int64(len(msg)))
			if err != nil {
				// Transport failure: close and let the read pump notice.
				_ = w.conn.Close()
				w.drainUntilDone()
				return
			}
		case <-w.done:
			_ = w.conn.Close()
			return
		}
	}
}

// drainUntilDone keeps the writer responsive to enqueue/shutdown after a
// write failure so the broadcaster never blocks on a dead connection.
func (w *connWriter) drainUntilDone() {
	for {
		select {
		case msg, ok := <-w.sendCh:
			if !ok {
				return
			}
			w.queued.Add(-int64(len(msg)))
		case <-w.done:
			return
		}
	}
}

// enqueue hands a message to the writer goroutine. It reports the buffered
// byte count after the enqueue; ok is false if the send queue is full,
// which the broadcaster treats as an implicit kick.
func (w *connWriter) enqueue(msg []byte) (buffered int64, ok bool) {
	if w.stopped {
		return w.queued.Load(), false
	}
	select {
	case w.sendCh <- msg:
		return w.queued.Add(int64(len(msg))), true
	default:
		return w.queued.Load(), false
	}
}

// buffered returns the current buffered byte count.
func (w *connWriter) buffered() int64 { return w.queued.Load() }

// shutdown closes the writer gracefully: queued messages (including a
// trailing kick, if any) are flushed, then a close frame with reason is
// written and the socket closed.
func (w *connWriter) shutdown(reason string) {
	if w.stopped {
		return
	}
	w.stopped = true
	w.closeReason = reason
	close(w.sendCh)
}

// stop tears the connection down immediately, without draining.
func (w *connWriter) stop() {
	if !w.stopped {
		w.stopped = true
		close(w.done)
	}
	w.wg.Wait()
}

func (w *connWriter) writeCloseFrame() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, w.closeReason)
	w.updateWriteDeadline()
	if err := w.conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
		slog.Debug("Failed to write close frame", "error", err)
	}
}

func (w *connWriter) updateWriteDeadline() {
	_ = w.conn.SetWriteDeadline(w.clock.Now().Add(writeDeadline))
}
