package gateway

import (
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/go-warden/internal/bus"
)

// streamEvent is the envelope pushed to /v1/events subscribers.
type streamEvent struct {
	Topic   string    `json:"topic"`
	Payload any       `json:"payload"`
	Time    time.Time `json:"time"`
}

// handleEvents implements GET /v1/events: a WebSocket that forwards every
// bus event (suspensions, resumes, completions, expiries, history write
// failures) to the client until it disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "event stream not available: bus not configured", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()
	s.logger.Info("ws: event stream client connected")

	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("ws: event stream client disconnected")
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			out := streamEvent{Topic: ev.Topic, Payload: ev.Payload, Time: time.Now().UTC()}
			if err := wsjson.Write(ctx, conn, out); err != nil {
				s.logger.Debug("ws: event stream write failed", "error", err)
				return
			}
		}
	}
}

// busTopics lists the topics the stream carries, for documentation and the
// stream test.
var busTopics = []string{
	bus.TopicQuerySuspended,
	bus.TopicQueryResumed,
	bus.TopicQueryCompleted,
	bus.TopicQueryFailed,
	bus.TopicQueryRejected,
	bus.TopicHistoryWriteFailed,
	bus.TopicConfirmationExpired,
	bus.TopicConfigReloaded,
}
