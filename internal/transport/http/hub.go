package http

import (
	"log"
	"sort"
	"sync"

	"github.com/google/uuid"
)

const clientBuffer = 64

// client is one websocket connection registered on the hub.
type client struct {
	id     string
	send   chan outboundMessage[any]
	closed bool
}

// Hub fans server events out to sockets and rooms. It implements
// app.Broadcaster for the engines.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	rooms   map[string]map[string]struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*client),
		rooms:   make(map[string]map[string]struct{}),
	}
}

// Register allocates a socket id and its outbound queue.
func (h *Hub) Register() *client {
	c := &client{id: uuid.NewString(), send: make(chan outboundMessage[any], clientBuffer)}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	return c
}

// Unregister removes the socket from every room and closes its queue.
func (h *Hub) Unregister(socketID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[socketID]
	if !ok {
		return
	}
	delete(h.clients, socketID)
	for name, members := range h.rooms {
		delete(members, socketID)
		if len(members) == 0 {
			delete(h.rooms, name)
		}
	}
	c.closed = true
	close(c.send)
}

func (h *Hub) Join(socketID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[socketID]; !ok {
		return
	}
	members := h.rooms[room]
	if members == nil {
		members = make(map[string]struct{})
		h.rooms[room] = members
	}
	members[socketID] = struct{}{}
}

func (h *Hub) Leave(socketID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.rooms[room]
	delete(members, socketID)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// RoomMembers lists the sockets of room in a stable order.
func (h *Hub) RoomMembers(room string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.rooms[room]))
	for id := range h.rooms[room] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) ToSocket(socketID, event string, payload any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.clients[socketID]; ok {
		h.deliver(c, outboundMessage[any]{Type: event, Payload: payload})
	}
}

func (h *Hub) ToRoom(room, event string, payload any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	msg := outboundMessage[any]{Type: event, Payload: payload}
	for id := range h.rooms[room] {
		if c, ok := h.clients[id]; ok {
			h.deliver(c, msg)
		}
	}
}

// deliver never blocks an engine: a socket that cannot keep up loses the event.
func (h *Hub) deliver(c *client, msg outboundMessage[any]) {
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		log.Printf("[ws:send] socket %s queue full, dropping %s", c.id, msg.Type)
	}
}
