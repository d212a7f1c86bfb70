package gateway

import (
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wsEvent is one bus event forwarded to a WebSocket client.
type wsEvent struct {
	Topic   string    `json:"topic"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

// handleWS streams bus events to the client as JSON frames. The optional
// `topics` query parameter narrows the feed to a topic prefix, e.g.
// topics=session. streams only session lifecycle events. Delivery is
// best-effort: a slow client misses events rather than stalling the bus.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	sub := s.cfg.Bus.Subscribe(r.URL.Query().Get("topics"))
	defer s.cfg.Bus.Unsubscribe(sub)

	s.logger.Info("ws: client connected")

	// Reads are drained only to detect disconnect; the feed is one-way.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ws: client disconnected")
			return
		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			frame := wsEvent{Topic: event.Topic, Time: time.Now().UTC(), Payload: event.Payload}
			if err := wsjson.Write(ctx, conn, frame); err != nil {
				s.logger.Debug("ws: write failed", "error", err)
				return
			}
		}
	}
}
