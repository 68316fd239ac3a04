package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamPongWait   = 60 * time.Second
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
)

type streamFrame struct {
	ImageBase64 string `json:"image_base64"`
}

type streamError struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

// handleAnalyzeStream analyzes frames pushed over a WebSocket. Each text
// message is one frame; each reply is the analyze response or an error
// object. A bad frame does not close the connection.
func (s *Server) handleAnalyzeStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "session_id query parameter is required."})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(s.opts.MaxBodyBytes)
	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(streamPongWait))
		return nil
	})

	// WriteControl is safe alongside WriteJSON; every other write stays on this goroutine.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(streamPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
					return
				}
			}
		}
	}()

	s.logger.Info("frame stream opened", "session", sessionID, "ip", clientIP(r))
	frames := 0
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("frame stream closed unexpectedly", "session", sessionID, "err", err)
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(streamPongWait))

		var reply interface{}
		var frame streamFrame
		if err := json.Unmarshal(msg, &frame); err != nil || frame.ImageBase64 == "" {
			reply = streamError{Error: msgBadRequest, Status: http.StatusBadRequest}
		} else if resp, herr := s.analyze(r.Context(), sessionID, frame.ImageBase64); herr != nil {
			reply = streamError{Error: herr.Message, Status: herr.Status}
		} else {
			frames++
			reply = resp
		}

		conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := conn.WriteJSON(reply); err != nil {
			s.logger.Warn("frame stream write failed", "session", sessionID, "err", err)
			break
		}
	}
	s.logger.Info("frame stream closed", "session", sessionID, "frames", frames)
}
