package httpapi

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// handleTasksWS streams task lifecycle events to a websocket client. The
// subscription is per-connection; a slow client only drops its own events.
func (s *Server) handleTasksWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, unsubscribe := s.tracker.Subscribe()
	defer unsubscribe()

	// Drain inbound frames so close/ping control messages keep working;
	// clients are not expected to send anything meaningful.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		conn.SetReadLimit(4 << 10)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-readerDone:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(evt); err != nil {
				s.logger.Debug("task event write failed", zap.Error(err))
				return
			}
		}
	}
}
