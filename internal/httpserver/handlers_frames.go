package httpserver

import (
	"encoding/binary"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ezplayer/statesync/internal/metrics"
)

// frameHeaderSize is the fixed binary prefix: uint32 LE length, uint32 LE
// sequence number.
const frameHeaderSize = 8

// handleFrames serves the newest preview frame, or 204 if none has been
// published yet. The sequence number in the header lets pollers skip
// frames they have already rendered.
func (s *Server) handleFrames(c echo.Context) error {
	frame, ok := s.slot.TryReadLatest(s.pool)
	if !ok {
		metrics.FramesServedTotal.WithLabelValues("empty").Inc()
		return c.NoContent(http.StatusNoContent)
	}
	defer frame.Buf.Release()

	data := frame.Buf.Bytes()
	payload := make([]byte, frameHeaderSize+len(data))
	binary.LittleEndian.PutUint32(payload[0:4], uint32(len(data)))
	binary.LittleEndian.PutUint32(payload[4:8], uint32(frame.Seq))
	copy(payload[frameHeaderSize:], data)

	c.Response().Header().Set("Cache-Control", "no-store")
	metrics.FramesServedTotal.WithLabelValues("frame").Inc()
	return c.Blob(http.StatusOK, "application/octet-stream", payload)
}
