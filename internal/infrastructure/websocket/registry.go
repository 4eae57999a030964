package websocket

import (
	"sort"
	"sync"

	"marketchat/pkg/errors"
)

// Registry is the only source of truth for who is reachable. It indexes live
// connections by id, by user and by joined conversation room.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Client
	byUser map[string]map[string]*Client
	rooms  map[string]map[string]*Client
	joined map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]*Client),
		byUser: make(map[string]map[string]*Client),
		rooms:  make(map[string]map[string]*Client),
		joined: make(map[string]map[string]struct{}),
	}
}

// Register adds a connection and reports whether it is the user's first.
func (r *Registry) Register(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[c.ID] = c
	r.joined[c.ID] = make(map[string]struct{})

	userConns, ok := r.byUser[c.UserID]
	if !ok {
		userConns = make(map[string]*Client)
		r.byUser[c.UserID] = userConns
	}
	userConns[c.ID] = c
	return len(userConns) == 1
}

// Unregister removes a connection from every index. It returns the client, the
// rooms it had joined and whether the user has no connection left.
func (r *Registry) Unregister(connectionID string) (*Client, []string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connectionID]
	if !ok {
		return nil, nil, false
	}

	rooms := make([]string, 0, len(r.joined[connectionID]))
	for conversationID := range r.joined[connectionID] {
		rooms = append(rooms, conversationID)
		r.removeFromRoom(conversationID, connectionID)
	}
	sort.Strings(rooms)

	delete(r.joined, connectionID)
	delete(r.conns, connectionID)

	last := false
	if userConns, ok := r.byUser[c.UserID]; ok {
		delete(userConns, connectionID)
		if len(userConns) == 0 {
			delete(r.byUser, c.UserID)
			last = true
		}
	}
	return c, rooms, last
}

func (r *Registry) JoinRoom(connectionID, conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connectionID]
	if !ok {
		return errors.NotFound("Connection", nil)
	}

	room, ok := r.rooms[conversationID]
	if !ok {
		room = make(map[string]*Client)
		r.rooms[conversationID] = room
	}
	room[connectionID] = c
	r.joined[connectionID][conversationID] = struct{}{}
	return nil
}

// LeaveRoom reports whether the connection had joined the room.
func (r *Registry) LeaveRoom(connectionID, conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined, ok := r.joined[connectionID]
	if !ok {
		return false
	}
	if _, in := joined[conversationID]; !in {
		return false
	}
	delete(joined, conversationID)
	r.removeFromRoom(conversationID, connectionID)
	return true
}

func (r *Registry) removeFromRoom(conversationID, connectionID string) {
	room, ok := r.rooms[conversationID]
	if !ok {
		return
	}
	delete(room, connectionID)
	if len(room) == 0 {
		delete(r.rooms, conversationID)
	}
}

// OnlineParticipants returns the users with at least one connection in the room.
func (r *Registry) OnlineParticipants(conversationID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	users := []string{}
	for _, c := range r.rooms[conversationID] {
		if _, ok := seen[c.UserID]; ok {
			continue
		}
		seen[c.UserID] = struct{}{}
		users = append(users, c.UserID)
	}
	sort.Strings(users)
	return users
}

// IsUserInConversation reports whether any of userID's connections joined the room.
func (r *Registry) IsUserInConversation(userID, conversationID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for connectionID := range r.byUser[userID] {
		if _, ok := r.joined[connectionID][conversationID]; ok {
			return true
		}
	}
	return false
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

func (r *Registry) Get(connectionID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connectionID]
	return c, ok
}

func (r *Registry) ConnectionsForUser(userID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.byUser[userID])
}

func (r *Registry) RoomConnections(conversationID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.rooms[conversationID])
}

func (r *Registry) All() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.conns)
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// collect snapshots a connection set so callers can fan out without the lock.
func collect(set map[string]*Client) []*Client {
	out := make([]*Client, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
