package feed

import (
	"encoding/json"
	"log/slog"
	"sync"

	"barlink/internal/domain"
)

// Message is one event pushed to feed clients.
type Message struct {
	Type       string                 `json:"type"`
	Scan       *domain.ScanEvent      `json:"scan,omitempty"`
	Field      string                 `json:"field,omitempty"`
	Text       string                 `json:"text,omitempty"`
	Permission domain.PermissionState `json:"permission,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Status     *domain.CameraStatus   `json:"status,omitempty"`
	Code       domain.ErrorCode       `json:"code,omitempty"`
	Detail     string                 `json:"detail,omitempty"`
}

const (
	MessageScan       = "scan"
	MessageChange     = "change"
	MessageAck        = "ack"
	MessagePermission = "permission"
	MessageSession    = "session"
	MessageError      = "error"
	MessageStatus     = "status"
)

// Hub fans dispatcher events out to connected clients. It implements
// ports.EventSink and never blocks the caller: a client whose queue is full
// is disconnected.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

func (h *Hub) Scan(event domain.ScanEvent) {
	h.broadcast(Message{Type: MessageScan, Scan: &event})
}

func (h *Hub) Change(field string, text string) {
	h.broadcast(Message{Type: MessageChange, Field: field, Text: text})
}

func (h *Hub) Ack(field string) {
	h.broadcast(Message{Type: MessageAck, Field: field})
}

func (h *Hub) PermissionChanged(state domain.PermissionState, message string) {
	h.broadcast(Message{Type: MessagePermission, Permission: state, Message: message})
}

func (h *Hub) SessionStateChanged(status domain.CameraStatus) {
	h.broadcast(Message{Type: MessageSession, Status: &status})
}

func (h *Hub) SessionError(code domain.ErrorCode, detail string) {
	h.broadcast(Message{Type: MessageError, Code: code, Detail: detail})
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	slog.Info("feed: client connected", "client", c.id, "clients", n)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.closeSend()
		slog.Info("feed: client disconnected", "client", c.id)
	}
}

func (h *Hub) broadcast(msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("feed: failed to encode message", "type", msg.Type, "error", err)
		return
	}

	h.mu.Lock()
	var slow []*client
	for c := range h.clients {
		if !c.enqueue(payload) {
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		slog.Warn("feed: dropping slow client", "client", c.id)
		h.remove(c)
		c.close()
	}
}

// closeAll disconnects every client.
func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.remove(c)
		c.close()
	}
}
