package httpapi

import (
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const eventsInterval = time.Second

// handleEvents streams sync status snapshots over a WebSocket until the client
// disconnects. Snapshots are pushed once per second, starting immediately.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logf("websocket accept failed: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "event stream closed")

	ctx := r.Context()
	if err := wsjson.Write(ctx, conn, s.syncer.Status()); err != nil {
		return
	}
	ticker := time.NewTicker(eventsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
			if err := wsjson.Write(ctx, conn, s.syncer.Status()); err != nil {
				return
			}
		}
	}
}
