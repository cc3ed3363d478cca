package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/candorlabs/foreman/internal/events"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsReadTimeout  = 120 * time.Second
)

// handleEventsWS streams orchestrator events over a websocket. A task_id
// query parameter scopes the stream to one task; without it the client gets
// the global feed.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	topic := strings.TrimSpace(r.URL.Query().Get("task_id"))
	if topic == "" {
		topic = events.GlobalTopic
	} else {
		if _, err := s.engine.Get(r.Context(), topic); err != nil {
			respondFault(w, err)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	stream, cancel := s.engine.Subscribe(topic)
	defer cancel()

	done := make(chan struct{})

	// Reader only watches for the client going away.
	go func() {
		defer close(done)
		conn.SetReadLimit(1 << 16)
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case evt, ok := <-stream:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug().Err(err).Str("topic", topic).Msg("ws write failed")
				return
			}
			if s.metrics != nil {
				s.metrics.ObserveTaskEvent("ws_delivered")
			}
		}
	}
}
