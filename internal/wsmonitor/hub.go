// Package wsmonitor is a supplementary live job-activity feed: a
// WebSocket hub broadcasting job-lifecycle transitions and approval
// decisions to connected dashboards.
package wsmonitor

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Event is one job-activity notification pushed to every connected client.
type Event struct {
	Type      string    `json:"type"` // a queue status (executing, completed, execution_failed, ...) or a bridge event type (jobBridged, approvalProcessed, requestCreated)
	Timestamp time.Time `json:"timestamp"`
	JobID     string    `json:"job_id,omitempty"`
	Data      any       `json:"data,omitempty"`
	Level     string    `json:"level"` // info, warning, critical
}

// Hub manages WebSocket connections for the live activity feed.
type Hub struct {
	log *logrus.Logger

	clients    map[*websocket.Conn]bool
	broadcast  chan Event
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mutex      sync.RWMutex
}

// NewHub constructs a Hub. Call Run in its own goroutine to start it.
func NewHub(log *logrus.Logger) *Hub {
	return &Hub{
		log:        log,
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run drives the hub's event loop until stop is closed.
func (h *Hub) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			h.mutex.Lock()
			for client := range h.clients {
				client.Close()
			}
			h.clients = make(map[*websocket.Conn]bool)
			h.mutex.Unlock()
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mutex.Unlock()
			h.logf("monitor client connected, total: %d", n)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			n := len(h.clients)
			h.mutex.Unlock()
			h.logf("monitor client disconnected, total: %d", n)

		case event := <-h.broadcast:
			h.mutex.Lock()
			for client := range h.clients {
				if err := client.WriteJSON(event); err != nil {
					client.Close()
					delete(h.clients, client)
				}
			}
			h.mutex.Unlock()
		}
	}
}

func (h *Hub) logf(format string, args ...any) {
	if h.log != nil {
		h.log.Debugf(format, args...)
	}
}

// Register adds a new client connection.
func (h *Hub) Register(conn *websocket.Conn) { h.register <- conn }

// Unregister removes a client connection.
func (h *Hub) Unregister(conn *websocket.Conn) { h.unregister <- conn }

// Broadcast pushes a job-activity event to every connected client,
// dropping it rather than blocking if the channel is saturated.
func (h *Hub) Broadcast(eventType, jobID string, data any, level string) {
	event := Event{Type: eventType, Timestamp: time.Now(), JobID: jobID, Data: data, Level: level}
	select {
	case h.broadcast <- event:
	default:
		h.logf("monitor broadcast channel full, dropping %s event for job %s", eventType, jobID)
	}
}
