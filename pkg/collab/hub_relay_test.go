package collab

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory SnapshotStore with the same compare-and-swap
// contract as the Postgres one, shared between hubs to simulate multiple
// server instances behind one database.
type memStore struct {
	mu       sync.Mutex
	data     map[string]json.RawMessage
	versions map[string]int64
}

func newMemStore() *memStore {
	return &memStore{
		data:     make(map[string]json.RawMessage),
		versions: make(map[string]int64),
	}
}

func (s *memStore) Load(_ context.Context, templateID string) (json.RawMessage, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[templateID]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return s.data[templateID], v, nil
}

func (s *memStore) Save(_ context.Context, templateID string, data json.RawMessage, baseVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.versions[templateID] != baseVersion {
		return 0, ErrStaleVersion
	}
	s.versions[templateID] = baseVersion + 1
	s.data[templateID] = data
	return baseVersion + 1, nil
}

// relayBus is an in-process Relay. Each instance sees frames published by the
// others and never its own, mirroring the Redis origin filter, with delivery
// synchronous so tests stay deterministic.
type relayBus struct {
	mu   sync.Mutex
	subs map[string][]*busSub
}

type busSub struct {
	owner *busInstance
	fn    func([]byte)
}

type busInstance struct{ bus *relayBus }

func newRelayBus() *relayBus {
	return &relayBus{subs: make(map[string][]*busSub)}
}

func (b *relayBus) instance() *busInstance { return &busInstance{bus: b} }

func (i *busInstance) Publish(_ context.Context, roomID string, frame []byte) error {
	i.bus.mu.Lock()
	subs := append([]*busSub(nil), i.bus.subs[roomID]...)
	i.bus.mu.Unlock()
	for _, s := range subs {
		if s.owner != i {
			s.fn(frame)
		}
	}
	return nil
}

func (i *busInstance) Subscribe(roomID string, fn func([]byte)) (func(), error) {
	sub := &busSub{owner: i, fn: fn}
	i.bus.mu.Lock()
	i.bus.subs[roomID] = append(i.bus.subs[roomID], sub)
	i.bus.mu.Unlock()
	cancel := func() {
		i.bus.mu.Lock()
		defer i.bus.mu.Unlock()
		subs := i.bus.subs[roomID]
		for n, s := range subs {
			if s == sub {
				i.bus.subs[roomID] = append(subs[:n], subs[n+1:]...)
				return
			}
		}
	}
	return cancel, nil
}

// A change accepted on one instance must update the room snapshot on every
// instance hosting members of that room: late joiners elsewhere catch up to
// the accepted version, and a stale edit elsewhere is resynced against the
// winning snapshot instead of the version the room was seeded with.
func TestRelayKeepsInstancesInSync(t *testing.T) {
	store := newMemStore()
	bus := newRelayBus()
	logger := log.New(io.Discard, "", 0)
	hubA := NewHub(store, bus.instance(), logger)
	hubB := NewHub(store, bus.instance(), logger)

	u1 := joined(t, hubA, "u1", "Ada", "T1")
	recv(t, u1) // initialState
	u2 := joined(t, hubB, "u2", "Grace", "T1")
	recv(t, u2) // initialState
	note := recv(t, u1)
	assert.Equal(t, TypeUserJoined, note.Type, "arrival crosses instances")

	hubA.HandleFrame(u1, changeFrame(t, ChangeUpdate, "template", "", 0, `{"rev":"a"}`))
	ack := recv(t, u1)
	assert.Equal(t, TypeChangeAccepted, ack.Type)
	got := recv(t, u2)
	assert.Equal(t, ChangeUpdate, got.Type)
	assert.Equal(t, int64(1), got.Version)
	assert.JSONEq(t, `{"rev":"a"}`, string(got.Data))

	u3 := joined(t, hubB, "u3", "Lin", "T1")
	init := recv(t, u3)
	require.Equal(t, TypeInitialState, init.Type)
	assert.Equal(t, int64(1), init.Version, "late joiner catches up to the accepted version")
	assert.JSONEq(t, `{"rev":"a"}`, string(init.Data))
	recv(t, u2) // u3's arrival

	hubB.HandleFrame(u2, changeFrame(t, ChangeUpdate, "template", "", 0, `{"rev":"b"}`))
	reply := recv(t, u2)
	assert.Equal(t, TypeStaleChange, reply.Type)
	assert.Equal(t, int64(1), reply.Version)
	assert.JSONEq(t, `{"rev":"a"}`, string(reply.Data), "resync carries the winning snapshot")
}

// Even without a relay subscription, the stale-change reply must consult the
// store: another instance can have moved the template forward.
func TestStaleReplyRefreshesFromStore(t *testing.T) {
	store := newMemStore()
	logger := log.New(io.Discard, "", 0)
	hubA := NewHub(store, nil, logger)
	hubB := NewHub(store, nil, logger)

	u1 := joined(t, hubA, "u1", "Ada", "T1")
	recv(t, u1)
	u2 := joined(t, hubB, "u2", "Grace", "T1")
	recv(t, u2)

	hubA.HandleFrame(u1, changeFrame(t, ChangeUpdate, "template", "", 0, `{"rev":"a"}`))
	recv(t, u1) // ack

	hubB.HandleFrame(u2, changeFrame(t, ChangeUpdate, "template", "", 0, `{"rev":"b"}`))
	reply := recv(t, u2)
	assert.Equal(t, TypeStaleChange, reply.Type)
	assert.Equal(t, int64(1), reply.Version)
	assert.JSONEq(t, `{"rev":"a"}`, string(reply.Data))

	// The resynced client can now get a change accepted.
	hubB.HandleFrame(u2, changeFrame(t, ChangeUpdate, "template", "", 1, `{"rev":"c"}`))
	ack := recv(t, u2)
	assert.Equal(t, TypeChangeAccepted, ack.Type)
	assert.Equal(t, int64(2), ack.Version)
}
