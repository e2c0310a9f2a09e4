package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hashmesh/meshcore/infrastructure/logging"
	"github.com/hashmesh/meshcore/internal/mesh/types"
)

// eventHub fans registry events out to every connected websocket/SSE
// client. Each client owns a bounded queue so one slow reader can never
// block the registry mutation that produced the event (§5, mirroring the
// registry's own per-subscriber worker design).
type eventHub struct {
	logger *logging.Logger

	mu      sync.Mutex
	clients map[string]chan types.Event

	upgrader websocket.Upgrader
}

const hubClientBuffer = 256

func newEventHub(logger *logging.Logger) *eventHub {
	return &eventHub{
		logger:  logger,
		clients: make(map[string]chan types.Event),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// broadcast is the registry's DeliverFunc: it never blocks registry
// mutations, matching the bounded-channel drop policy used for regular
// registry subscribers.
func (h *eventHub) broadcast(e types.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.clients {
		select {
		case ch <- e:
		default:
			_ = id // overflow is dropped silently; clients resync via GET /registry/services
		}
	}
}

func (h *eventHub) addClient(id string) chan types.Event {
	ch := make(chan types.Event, hubClientBuffer)
	h.mu.Lock()
	h.clients[id] = ch
	h.mu.Unlock()
	return ch
}

func (h *eventHub) removeClient(id string) {
	h.mu.Lock()
	ch, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
		close(ch)
	}
	h.mu.Unlock()
}

// handleEventsWS implements the websocket event subscription stream
// named in §6 ("Event subscription: websocket or server-sent stream").
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn(r.Context(), "events_ws_upgrade_failed", map[string]interface{}{"error": err.Error()})
		}
		return
	}
	defer conn.Close()

	clientID := fmt.Sprintf("ws-%d", time.Now().UnixNano())
	ch := s.hub.addClient(clientID)
	defer s.hub.removeClient(clientID)

	// Drain client reads so ping/pong and close frames are processed;
	// the control plane is push-only, so inbound payloads are discarded.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for e := range ch {
		if err := conn.WriteJSON(e); err != nil {
			return
		}
	}
}

// handleEventsSSE implements the server-sent-event fallback from
// SPEC_FULL §6 for clients that cannot use websockets.
func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	clientID := fmt.Sprintf("sse-%d", time.Now().UnixNano())
	ch := s.hub.addClient(clientID)
	defer s.hub.removeClient(clientID)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, payload)
			flusher.Flush()
		}
	}
}
