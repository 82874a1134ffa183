package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"
)

const storeTimeout = 5 * time.Second

// SnapshotStore persists the latest template snapshot together with a
// monotonic version. Save must be atomic: it succeeds only when baseVersion
// matches the stored version, otherwise it returns ErrStaleVersion.
type SnapshotStore interface {
	Load(ctx context.Context, templateID string) (json.RawMessage, int64, error)
	Save(ctx context.Context, templateID string, data json.RawMessage, baseVersion int64) (int64, error)
}

// Relay fans frames out to rooms hosted on other server instances. The
// subscription callback fires only for frames published elsewhere; a relay
// implementation filters out its own publishes.
type Relay interface {
	Publish(ctx context.Context, roomID string, frame []byte) error
	Subscribe(roomID string, fn func(frame []byte)) (cancel func(), err error)
}

// Hub owns every active room. Registration, fan-out, and change sequencing
// all go through it. Store and relay are optional; without them the hub runs
// single-instance with in-memory versioning.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]*Room

	store  SnapshotStore
	relay  Relay
	logger *log.Logger
}

// NewHub builds a hub. store, relay, and logger may each be nil.
func NewHub(store SnapshotStore, relay Relay, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		rooms:  make(map[string]*Room),
		store:  store,
		relay:  relay,
		logger: logger,
	}
}

// room returns the room for templateID, creating and seeding it on first
// use. The caller must hold h.mu and must join a client before releasing it,
// otherwise a concurrent Unregister can collect the room out from under the
// lookup.
func (h *Hub) room(templateID string) *Room {
	if r, ok := h.rooms[templateID]; ok {
		return r
	}
	r := newRoom(templateID)
	if h.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		data, version, err := h.store.Load(ctx, templateID)
		cancel()
		switch {
		case err == nil:
			r.seed(data, version)
		case errors.Is(err, ErrNotFound):
			// fresh template, version 0
		default:
			h.logger.Printf("collab: load snapshot for %s: %v", templateID, err)
		}
	}
	if h.relay != nil {
		cancel, err := h.relay.Subscribe(templateID, func(frame []byte) {
			env, err := DecodeEnvelope(frame)
			if err != nil {
				h.logger.Printf("collab: dropping relayed frame in %s: %v", templateID, err)
				return
			}
			// Changes accepted on other instances must update this room's
			// snapshot too, or late joiners and stale-change resyncs here
			// would be served outdated state.
			if IsChangeType(env.Type) && env.Data != nil {
				r.record(env.Data, env.Version)
			}
			r.broadcast(nil, frame)
		})
		if err != nil {
			h.logger.Printf("collab: relay subscribe %s: %v", templateID, err)
		} else {
			r.cancelRelay = cancel
		}
	}
	h.rooms[templateID] = r
	return r
}

// Register puts a client into its room, replies with the initialState
// snapshot (current members, template data, version), and announces the
// newcomer to everyone else.
func (h *Hub) Register(c *Client, templateID string) {
	// Lookup and join are one critical section: once h.mu is released the
	// room is non-empty, so garbage collection cannot take it away between
	// the two steps.
	h.mu.Lock()
	r := h.room(templateID)
	u, joined := r.join(c, c.user)
	h.mu.Unlock()
	c.room = r
	c.user.Color = u.Color

	data, version := r.snapshot()
	c.enqueue(encode(&Envelope{
		Type:      TypeInitialState,
		Users:     r.presence(),
		Data:      data,
		Version:   version,
		Timestamp: time.Now().UnixMilli(),
	}))

	if joined {
		h.fanout(r, c, notification(TypeUserJoined, u.Name+" joined", u))
		h.logger.Printf("collab: %s joined room %s", u.ID, templateID)
	}
}

// Unregister removes a client on socket close, announces the departure if it
// was the user's last socket, and garbage-collects the room once empty.
func (h *Hub) Unregister(c *Client) {
	r := c.room
	if r == nil {
		return
	}
	u, left := r.leave(c, c.user.ID)
	if left {
		h.fanout(r, c, notification(TypeUserLeft, u.Name+" left", u))
		h.logger.Printf("collab: %s left room %s", u.ID, r.ID)
	}
	if r.empty() {
		h.mu.Lock()
		if r.empty() {
			delete(h.rooms, r.ID)
			if r.cancelRelay != nil {
				r.cancelRelay()
			}
		}
		h.mu.Unlock()
	}
}

// HandleFrame processes one inbound text frame from a registered client.
// Malformed frames are logged and dropped; unknown notification types are
// relayed as-is, never rejected.
func (h *Hub) HandleFrame(c *Client, raw []byte) {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		h.logger.Printf("collab: dropping frame from %s: %v", c.user.ID, err)
		return
	}
	r := c.room
	if r == nil {
		h.logger.Printf("collab: frame %q before register from %s", env.Type, c.user.ID)
		return
	}

	switch {
	case env.Type == TypeCursor:
		h.handleCursor(r, c, env)
	case IsChangeType(env.Type):
		h.handleChange(r, c, env)
	default:
		// Presence notifications: edit markers, comments, mentions, and
		// anything newer clients may send. All advisory, all relayed.
		env.User = h.identity(r, c)
		if env.Timestamp == 0 {
			env.Timestamp = time.Now().UnixMilli()
		}
		h.fanout(r, c, env)
	}
}

func (h *Hub) handleCursor(r *Room, c *Client, env *Envelope) {
	if env.Cursor == nil {
		return
	}
	// Identity comes from the session, not the payload.
	env.Cursor.UserID = c.user.ID
	r.setCursor(env.Cursor)
	h.fanout(r, c, env)
}

func (h *Hub) handleChange(r *Room, c *Client, env *Envelope) {
	ch := env.Change()
	applied, err := h.applyChange(r, ch)
	if errors.Is(err, ErrStaleVersion) {
		data, version := h.refreshSnapshot(r)
		c.enqueue(encode(&Envelope{
			Type:      TypeStaleChange,
			Message:   "change rejected: template has moved on",
			Data:      data,
			Version:   version,
			Timestamp: time.Now().UnixMilli(),
		}))
		return
	}
	if err != nil {
		h.logger.Printf("collab: persist change in %s: %v", r.ID, err)
		return
	}
	out := &Envelope{
		Type:       applied.Type,
		TargetType: applied.TargetType,
		TargetID:   applied.TargetID,
		ParentID:   applied.ParentID,
		Data:       applied.Data,
		Version:    applied.Version,
		User:       h.identity(r, c),
		Timestamp:  time.Now().UnixMilli(),
	}
	h.fanout(r, c, out)
	c.enqueue(encode(&Envelope{
		Type:      TypeChangeAccepted,
		Version:   applied.Version,
		Timestamp: time.Now().UnixMilli(),
	}))
}

// applyChange sequences a change: compare-and-swap against the store when one
// is configured, in-memory otherwise. The room snapshot mirrors whatever the
// store accepted.
func (h *Hub) applyChange(r *Room, ch TemplateChange) (TemplateChange, error) {
	if h.store == nil {
		return r.applyChange(ch)
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	version, err := h.store.Save(ctx, r.ID, ch.Data, ch.BaseVersion)
	if err != nil {
		return TemplateChange{}, err
	}
	r.record(ch.Data, version)
	ch.Version = version
	return ch, nil
}

// refreshSnapshot returns the current template state, consulting the store
// first: another instance may have accepted changes this room has not
// mirrored yet, and a resync built on a stale version would leave the client
// unable to ever get a change accepted.
func (h *Hub) refreshSnapshot(r *Room) (json.RawMessage, int64) {
	if h.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		data, version, err := h.store.Load(ctx, r.ID)
		if err == nil {
			r.record(data, version)
			return data, version
		}
		if !errors.Is(err, ErrNotFound) {
			h.logger.Printf("collab: refresh snapshot for %s: %v", r.ID, err)
		}
	}
	return r.snapshot()
}

// identity resolves the sender's presence entry so broadcasts carry the
// session color.
func (h *Hub) identity(r *Room, c *Client) *User {
	if u, ok := r.member(c.user.ID); ok {
		return u
	}
	u := c.user
	return &u
}

// fanout delivers env to every other member locally and hands it to the
// relay for members connected to other instances. Fire-and-forget on both
// paths.
func (h *Hub) fanout(r *Room, origin *Client, env *Envelope) {
	frame := encode(env)
	r.broadcast(origin, frame)
	if h.relay != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := h.relay.Publish(ctx, r.ID, frame); err != nil {
			h.logger.Printf("collab: relay publish %s: %v", r.ID, err)
		}
	}
}

// RoomCount reports how many rooms are live, for the health endpoint.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}
