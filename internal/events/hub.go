package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

type Subscription struct {
	DepartmentIDs []string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

// Hub fans events out to realtime sessions. A slow client loses messages
// instead of blocking the publisher.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  zerolog.Logger
}

type SubscribeMessage struct {
	Action        string   `json:"action"`
	DepartmentID  string   `json:"department_id"`
	DepartmentIDs []string `json:"department_ids"`
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{clients: make(map[string]*Client), logger: logger}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Publish(_ context.Context, event Event) error {
	payload, err := event.Marshal()
	if err != nil {
		return err
	}
	h.Broadcast(payload, event.Departments())
	return nil
}

func (h *Hub) Broadcast(payload []byte, departments []string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client.Subscription, departments) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			h.logger.Warn().Str("client_id", client.ID).Msg("drop message for slow client")
		}
	}
}

// match reports whether sub covers any of departments. An empty
// subscription receives nothing.
func match(sub Subscription, departments []string) bool {
	for _, want := range sub.DepartmentIDs {
		for _, dept := range departments {
			if want == dept {
				return true
			}
		}
	}
	return false
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	if msg.DepartmentID != "" {
		msg.DepartmentIDs = append(msg.DepartmentIDs, msg.DepartmentID)
	}
	return msg, true
}
