package apiserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/codec"
	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/logger"
	metrics "github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/metrics/prometheus"
)

const (
	// streamWriteWait bounds each frame write so a stalled viewer cannot
	// pin the stream goroutine.
	streamWriteWait = 10 * time.Second

	// streamCloseWait is the deadline for delivering the close frame.
	streamCloseWait = 5 * time.Second
)

// frameHeader announces the binary message that follows it.
type frameHeader struct {
	FrameIndex int            `json:"frameIndex"`
	ByteLength int            `json:"byteLength"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// frameSkip reports a frame that could not be extracted; the stream
// continues with the next index.
type frameSkip struct {
	FrameIndex int    `json:"frameIndex"`
	Error      string `json:"error"`
}

// streamComplete closes out the stream after the last frame.
type streamComplete struct {
	Complete   bool `json:"complete"`
	FrameCount int  `json:"frameCount"`
}

// handleFrameStream pushes an image module's frames over a websocket in
// storage order: a JSON header per frame, then the packed pixel rows as
// one binary message. A final JSON message reports completion.
func (s *Server) handleFrameStream(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.coordinator.ModuleData(id, r.URL.Query().Get("password"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	// Probe before upgrading so non-image modules and data faults are
	// refused with an envelope instead of a dead socket.
	if _, err := codec.ExtractFrame(result, 0); err != nil && !errors.Is(err, codec.ErrFrameOutOfRange) {
		s.writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		logger.Warn("websocket upgrade failed", "moduleId", id, "error", err)
		return
	}
	defer conn.Close()

	sent := 0
	for index := 0; ; index++ {
		frame, err := codec.ExtractFrame(result, index)
		if errors.Is(err, codec.ErrFrameOutOfRange) {
			break
		}
		if err != nil {
			if werr := writeStreamJSON(conn, frameSkip{FrameIndex: index, Error: err.Error()}); werr != nil {
				return
			}
			continue
		}

		header := frameHeader{FrameIndex: index, ByteLength: len(frame.Pixels), Metadata: frame.Metadata}
		if err := writeStreamJSON(conn, header); err != nil {
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := conn.WriteMessage(websocket.BinaryMessage, frame.Pixels); err != nil {
			return
		}
		metrics.RecordStreamFrame()
		sent++
	}

	if err := writeStreamJSON(conn, streamComplete{Complete: true, FrameCount: sent}); err != nil {
		return
	}
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(streamCloseWait))
}

func writeStreamJSON(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteJSON(v)
}
