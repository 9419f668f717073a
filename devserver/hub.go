package devserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/guestlist-app/guestsync"
)

const writeTimeout = 5 * time.Second

// hub fans change events out to every connected websocket.
type hub struct {
	log *slog.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func newHub(log *slog.Logger) *hub {
	return &hub{log: log, conns: make(map[*websocket.Conn]struct{})}
}

func (h *hub) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("websocket accept", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
	err = writeEnvelope(ctx, conn, guestsync.PushHello, nil)
	cancel()
	if err != nil {
		conn.Close(websocket.StatusInternalError, "hello failed")
		return
	}

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()

	// Clients never send data frames; CloseRead answers pings and reports
	// when the peer goes away.
	done := conn.CloseRead(context.Background())
	<-done.Done()

	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
}

func (h *hub) publish(eventType string, payload any) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := writeEnvelope(ctx, c, eventType, payload); err != nil {
			h.log.Debug("websocket publish", "type", eventType, "error", err)
		}
		cancel()
	}
}

// Clients returns the number of connected websockets.
func (s *Server) Clients() int {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return len(s.hub.conns)
}

// CloseClients drops every websocket, as a network partition would.
func (s *Server) CloseClients() {
	s.hub.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.hub.conns))
	for c := range s.hub.conns {
		conns = append(conns, c)
	}
	s.hub.mu.Unlock()
	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "server closing")
	}
}

func writeEnvelope(ctx context.Context, c *websocket.Conn, eventType string, payload any) error {
	env := guestsync.RealtimeEnvelope{Type: eventType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		env.Payload = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.Write(ctx, websocket.MessageText, data)
}
