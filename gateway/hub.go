package gateway

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"arcflow.dev/common"
)

// Session is the identity attached to one accepted connection.
type Session struct {
	ConnectionID string
	UserID       string
	Tier         string
	WorkspaceID  string
	ConnectedAt  time.Time
}

// Member identifies one room participant.
type Member struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
}

// room is the set of connections joined to one flow, under its own
// lock so busy flows do not contend with each other.
type room struct {
	mu      sync.Mutex
	members map[string]bool
}

// Hub tracks connected clients and their room memberships. A
// connection is owned by the gateway instance that accepted it; other
// instances reach its client only through the bus bridge.
type Hub struct {
	log *logrus.Entry

	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]*room
	// joined indexes flow ids per connection for disconnect cleanup.
	joined map[string]map[string]bool
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		log:     common.Component("hub"),
		clients: make(map[string]*Client),
		rooms:   make(map[string]*room),
		joined:  make(map[string]map[string]bool),
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c.session.ConnectionID] = c
	h.joined[c.session.ConnectionID] = make(map[string]bool)
	h.mu.Unlock()
}

func (h *Hub) remove(connectionID string) {
	h.mu.Lock()
	delete(h.clients, connectionID)
	delete(h.joined, connectionID)
	h.mu.Unlock()
}

// Session returns the session behind a connection id.
func (h *Hub) Session(connectionID string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[connectionID]
	if !ok {
		return nil, false
	}
	return c.session, true
}

// ConnectionCount returns the number of locally connected clients.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) roomFor(flowID string, create bool) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm, ok := h.rooms[flowID]
	if !ok && create {
		rm = &room{members: make(map[string]bool)}
		h.rooms[flowID] = rm
	}
	return rm
}

// Join adds a connection to a flow room.
func (h *Hub) Join(flowID, connectionID string) {
	rm := h.roomFor(flowID, true)
	rm.mu.Lock()
	rm.members[connectionID] = true
	rm.mu.Unlock()

	h.mu.Lock()
	if set, ok := h.joined[connectionID]; ok {
		set[flowID] = true
	}
	h.mu.Unlock()
}

// Leave removes a connection from a flow room, disposing the room when
// it empties.
func (h *Hub) Leave(flowID, connectionID string) {
	rm := h.roomFor(flowID, false)
	if rm == nil {
		return
	}
	rm.mu.Lock()
	delete(rm.members, connectionID)
	empty := len(rm.members) == 0
	rm.mu.Unlock()

	h.mu.Lock()
	if set, ok := h.joined[connectionID]; ok {
		delete(set, flowID)
	}
	if empty {
		delete(h.rooms, flowID)
	}
	h.mu.Unlock()
}

// IsMember reports whether the connection has joined the flow's room.
func (h *Hub) IsMember(flowID, connectionID string) bool {
	rm := h.roomFor(flowID, false)
	if rm == nil {
		return false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.members[connectionID]
}

// Members returns the roster of a flow room.
func (h *Hub) Members(flowID string) []Member {
	rm := h.roomFor(flowID, false)
	if rm == nil {
		return nil
	}
	rm.mu.Lock()
	ids := make([]string, 0, len(rm.members))
	for id := range rm.members {
		ids = append(ids, id)
	}
	rm.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	members := make([]Member, 0, len(ids))
	for _, id := range ids {
		if c, ok := h.clients[id]; ok {
			members = append(members, Member{UserID: c.session.UserID, ConnectionID: id})
		}
	}
	return members
}

// JoinedFlows returns every flow the connection is a member of.
func (h *Hub) JoinedFlows(connectionID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set, ok := h.joined[connectionID]
	if !ok {
		return nil
	}
	flows := make([]string, 0, len(set))
	for id := range set {
		flows = append(flows, id)
	}
	return flows
}

// Broadcast delivers an event to every room member except the optional
// originator. Delivery is through each client's buffered send channel;
// a slow client drops the frame instead of stalling the room.
func (h *Hub) Broadcast(flowID, event string, payload any, exceptConnectionID string) {
	frame := NewFrame(event, payload)
	for _, m := range h.Members(flowID) {
		if m.ConnectionID == exceptConnectionID {
			continue
		}
		h.SendTo(m.ConnectionID, frame)
	}
}

// SendTo queues a frame for one connection. Unknown connections and
// full buffers drop the frame; presence traffic tolerates loss.
func (h *Hub) SendTo(connectionID string, frame *Frame) bool {
	h.mu.RLock()
	c, ok := h.clients[connectionID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return c.send(frame)
}

// SendEvent builds and queues a frame for one connection.
func (h *Hub) SendEvent(connectionID, event string, payload any) bool {
	return h.SendTo(connectionID, NewFrame(event, payload))
}
