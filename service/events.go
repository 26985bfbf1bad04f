package service

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cam-gateway/common/log"
	"cam-gateway/registry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API surface already allows any origin via CORS
	CheckOrigin: func(r *http.Request) bool { return true },
}

const eventWriteTimeout = 5 * time.Second

// EventHub relays camera state changes to websocket clients. One registry
// subscription feeds all clients; a slow client is dropped, not waited on.
type EventHub struct {
	registry *registry.Registry

	mu      sync.Mutex
	clients map[*websocket.Conn]chan registry.StateChange

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewEventHub(reg *registry.Registry) *EventHub {
	return &EventHub{
		registry: reg,
		clients:  make(map[*websocket.Conn]chan registry.StateChange),
		stop:     make(chan struct{}),
	}
}

// Start begins pumping registry state changes to connected clients.
func (h *EventHub) Start() {
	events := h.registry.Subscribe()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer h.registry.Unsubscribe(events)

		for {
			select {
			case <-h.stop:
				return
			case change, ok := <-events:
				if !ok {
					return
				}
				h.fanOut(change)
			}
		}
	}()
}

// Stop disconnects all clients and halts the pump.
func (h *EventHub) Stop() {
	close(h.stop)
	h.wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		close(ch)
		conn.Close()
		delete(h.clients, conn)
	}
}

func (h *EventHub) fanOut(change registry.StateChange) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		select {
		case ch <- change:
		default:
			// Stuck client: cut it loose rather than buffer forever
			log.Warn(fmt.Sprintf("dropping slow event client %s", conn.RemoteAddr()))
			close(ch)
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

// Handle upgrades the request and streams state change events as JSON until
// the client goes away.
func (h *EventHub) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn(fmt.Sprintf("websocket upgrade failed: %v", err))
		return
	}

	ch := make(chan registry.StateChange, 16)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()

	log.Info(fmt.Sprintf("event client connected from %s", conn.RemoteAddr()))

	// Reader goroutine notices the client hanging up
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		h.mu.Lock()
		if _, ok := h.clients[conn]; ok {
			close(ch)
			delete(h.clients, conn)
		}
		h.mu.Unlock()
		conn.Close()
	}()

	for {
		select {
		case <-gone:
			return
		case change, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(change); err != nil {
				return
			}
		}
	}
}
