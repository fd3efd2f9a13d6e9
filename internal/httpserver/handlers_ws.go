package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/ezplayer/statesync/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // local control surface, any origin may connect
	},
}

// handleWebSocket upgrades the connection, hands it to the broadcaster and
// runs the read pump until the client goes away. Everything the client
// sends is a pong or a subscribe; malformed messages are dropped without
// closing the connection.
func (s *Server) handleWebSocket(c echo.Context) error {
	if !s.limiter.acquire() {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "connection limit reached",
		})
	}
	defer s.limiter.release()

	ctx := c.Request().Context()

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.WarnContext(ctx, "Failed to upgrade WebSocket", "error", err)
		return nil
	}

	id, err := s.broadcaster.Attach(conn)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to attach connection", "error", err)
		_ = conn.Close()
		return nil
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}

		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			slog.DebugContext(ctx, "Ignoring malformed client message", "conn_id", id.String(), "error", err)
			continue
		}

		switch msg.Type {
		case protocol.TypePong:
			s.broadcaster.Pong(id, msg.Now)
		case protocol.TypeSubscribe:
			s.broadcaster.Subscribe(id, msg.Keys)
		}
	}

	s.broadcaster.Detach(id)
	return nil
}
