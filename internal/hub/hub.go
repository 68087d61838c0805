// Package hub fans display boards out to connected screens.
package hub

import (
	"encoding/json"
	"log"
	"sync"
)

// Subscription narrows what a screen receives. Zero values match all.
type Subscription struct {
	DepartmentID int64
	DivisionID   int64
}

func (s Subscription) Matches(departmentID, divisionID int64) bool {
	if s.DepartmentID != 0 && s.DepartmentID != departmentID {
		return false
	}
	if s.DivisionID != 0 && s.DivisionID != divisionID {
		return false
	}
	return true
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

type SubscribeMessage struct {
	Action       string `json:"action"`
	DepartmentID int64  `json:"department_id"`
	DivisionID   int64  `json:"division_id"`
}

func New() *Hub {
	return &Hub{clients: make(map[string]*Client)}
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

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast renders one payload per distinct subscription and hands it to
// every matching client without blocking; a full client buffer drops.
func (h *Hub) Broadcast(render func(Subscription) ([]byte, error)) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	payloads := make(map[Subscription][]byte)
	for _, client := range h.clients {
		payload, ok := payloads[client.Subscription]
		if !ok {
			var err error
			payload, err = render(client.Subscription)
			if err != nil {
				log.Printf("hub render error department_id=%d division_id=%d: %v", client.Subscription.DepartmentID, client.Subscription.DivisionID, err)
				continue
			}
			payloads[client.Subscription] = payload
		}
		select {
		case client.Send <- payload:
		default:
			log.Printf("drop message for client %s", client.ID)
		}
	}
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	if msg.DepartmentID < 0 || msg.DivisionID < 0 {
		return SubscribeMessage{}, false
	}
	return msg, true
}
