package collab

import (
	"encoding/json"
	"sort"
	"sync"
)

// Room groups the sockets editing one template. Membership is implicit: a
// socket belongs to the room it registered with and to no other. The room
// also holds the latest template snapshot so late joiners can catch up.
type Room struct {
	ID string

	mu       sync.RWMutex
	clients  map[*Client]struct{}
	users    map[string]*User // userID -> presence entry
	conns    map[string]int   // userID -> open sockets for that user
	cursors  map[string]*CursorState
	colors   map[string]string
	assigned int

	version int64
	data    json.RawMessage

	// set by the hub when a relay subscription exists for this room
	cancelRelay func()
}

func newRoom(id string) *Room {
	return &Room{
		ID:      id,
		clients: make(map[*Client]struct{}),
		users:   make(map[string]*User),
		conns:   make(map[string]int),
		cursors: make(map[string]*CursorState),
		colors:  make(map[string]string),
	}
}

// join adds a socket for the given user. The returned user carries the
// session color; joined is true only for the user's first socket, which is
// when the rest of the room should see a user_joined notification.
func (r *Room) join(c *Client, u User) (*User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients[c] = struct{}{}
	r.conns[u.ID]++

	if existing, ok := r.users[u.ID]; ok {
		// Re-registration keeps the session color.
		return existing, false
	}
	color, ok := r.colors[u.ID]
	if !ok {
		color = colorAt(r.assigned)
		r.assigned++
		r.colors[u.ID] = color
	}
	u.Color = color
	r.users[u.ID] = &u
	return &u, true
}

// leave removes a socket. left is true when that was the user's last socket;
// the presence entry, color, and cursor go with it.
func (r *Room) leave(c *Client, userID string) (*User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c]; !ok {
		return nil, false
	}
	delete(r.clients, c)

	r.conns[userID]--
	if r.conns[userID] > 0 {
		return nil, false
	}
	delete(r.conns, userID)

	u := r.users[userID]
	delete(r.users, userID)
	delete(r.colors, userID)
	delete(r.cursors, userID)
	return u, u != nil
}

func (r *Room) empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients) == 0
}

// presence returns the current members, ordered by user ID for stable output.
func (r *Room) presence() []*User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]*User, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}

func (r *Room) member(userID string) (*User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[userID]
	return u, ok
}

// setCursor overwrites the user's cursor state. Updates are lossy; only the
// latest one is kept.
func (r *Room) setCursor(cs *CursorState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursors[cs.UserID] = cs
}

func (r *Room) cursor(userID string) (*CursorState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cs, ok := r.cursors[userID]
	return cs, ok
}

// broadcast queues a frame to every member except origin. Pass a nil origin
// to reach the whole room. Clients whose send buffer is full are closed; the
// read pump notices and unregisters them.
func (r *Room) broadcast(origin *Client, frame []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.clients {
		if c == origin {
			continue
		}
		c.enqueue(frame)
	}
}

func (r *Room) snapshot() (json.RawMessage, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.data, r.version
}

// seed installs a snapshot loaded from the store when the room is created.
func (r *Room) seed(data json.RawMessage, version int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = data
	r.version = version
}

// applyChange is the in-memory version check used when no store is
// configured. A change made against anything but the current version is
// rejected with ErrStaleVersion.
func (r *Room) applyChange(ch TemplateChange) (TemplateChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch.BaseVersion != r.version {
		return TemplateChange{}, ErrStaleVersion
	}
	r.version++
	r.data = ch.Data
	ch.Version = r.version
	return ch, nil
}

// record mirrors a store-accepted change into the room's catch-up snapshot.
func (r *Room) record(data json.RawMessage, version int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if version > r.version {
		r.data = data
		r.version = version
	}
}
