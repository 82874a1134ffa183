// Package collabclient is the client side of the collaboration channel: a
// connection manager that owns the socket lifecycle (connect, register,
// reconnect with backoff), a reconciler that applies remote template changes,
// and a throttled cursor broadcaster.
package collabclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/shaneah/infyemailer-sub009/pkg/collab"
)

// State is the connection lifecycle phase. Transitions:
// disconnected -> connecting -> connected -> registered, and back to
// disconnected on close, with at most one reconnect timer pending.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateRegistered   State = "registered"
)

const (
	dialTimeout  = 10 * time.Second
	sendTimeout  = 10 * time.Second
	cursorWindow = 100 * time.Millisecond
)

// ErrNotConnected is returned by sends attempted while the socket is down.
var ErrNotConnected = errors.New("collabclient: not connected")

// Options configures a Client. ServerURL is the ws(s) base, e.g.
// "ws://localhost:8081". Handlers are optional and are invoked from the
// client's read goroutine, so they must not block for long.
type Options struct {
	ServerURL  string
	TemplateID string
	Token      string

	// ReconnectMinDelay is the floor for every reconnect attempt; jittered
	// exponential backoff grows from here up to ReconnectMaxDelay.
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
	// MaxReconnects caps consecutive failed attempts; 0 means retry forever.
	MaxReconnects int

	// CachePath enables the local snapshot cache when non-empty.
	CachePath string

	Logger *log.Logger

	OnStateChange    func(State)
	OnPresence       func([]collab.User)
	OnCursor         func(collab.CursorState)
	OnTemplateChange func(collab.User, collab.TemplateChange)
	OnNotification   func(collab.Envelope)
	OnStaleChange    func(version int64)
}

// Client is a single collaboration session. Create with New, start with
// Connect, stop with Close. Safe for concurrent use.
type Client struct {
	opts   Options
	logger *log.Logger
	rec    *Reconciler
	cache  *Cache

	mu       sync.Mutex
	conn     *websocket.Conn
	state    State
	presence map[string]collab.User
	cancel   context.CancelFunc
	started  bool

	throttle *cursorThrottle
	done     chan struct{}

	pendingMu   sync.Mutex
	pendingData json.RawMessage // last change sent, confirmed by change_accepted
}

// New validates opts, opens the snapshot cache when configured, and primes
// the reconciler from it so a reconnecting editor has something to show
// while offline.
func New(opts Options) (*Client, error) {
	if opts.ServerURL == "" || opts.TemplateID == "" || opts.Token == "" {
		return nil, fmt.Errorf("collabclient: ServerURL, TemplateID, and Token are required")
	}
	if opts.ReconnectMinDelay <= 0 {
		opts.ReconnectMinDelay = 5 * time.Second
	}
	if opts.ReconnectMaxDelay < opts.ReconnectMinDelay {
		opts.ReconnectMaxDelay = 60 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	c := &Client{
		opts:     opts,
		logger:   logger,
		rec:      NewReconciler(logger),
		state:    StateDisconnected,
		presence: make(map[string]collab.User),
		done:     make(chan struct{}),
	}
	c.throttle = newCursorThrottle(cursorWindow, c.flushCursor)

	if opts.CachePath != "" {
		cache, err := OpenCache(opts.CachePath)
		if err != nil {
			return nil, err
		}
		c.cache = cache
		if data, version, err := cache.Get(opts.TemplateID); err == nil {
			c.rec.Resync(data, version)
		}
	}
	return c, nil
}

// Connect starts the session loop. It returns immediately; observe progress
// through OnStateChange. Cancelling ctx or calling Close ends the session.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("collabclient: already connected")
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.started = true
	c.mu.Unlock()

	go c.run(ctx)
	return nil
}

// Close ends the session and releases the cache.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	started := c.started
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if started {
		<-c.done
	}
	c.throttle.stop()
	if c.cache != nil {
		return c.cache.Close()
	}
	return nil
}

// State returns the current lifecycle phase.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns the reconciler's current template data and version.
func (c *Client) Snapshot() (json.RawMessage, int64) {
	return c.rec.Snapshot()
}

// Presence returns the members currently visible in the room.
func (c *Client) Presence() []collab.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	users := make([]collab.User, 0, len(c.presence))
	for _, u := range c.presence {
		users = append(users, u)
	}
	return users
}

// run is the session loop: dial, register, read until the socket drops, wait
// out the backoff, repeat. Being a single goroutine is what guarantees at
// most one pending reconnect timer.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	defer c.setState(StateDisconnected)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.ReconnectMinDelay
	bo.MaxInterval = c.opts.ReconnectMaxDelay
	bo.MaxElapsedTime = 0
	bo.Reset()
	failures := 0

	for {
		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			c.logger.Printf("collabclient: connect: %v", err)
		} else {
			c.setState(StateConnected)
			if err := c.register(conn); err != nil {
				c.logger.Printf("collabclient: register: %v", err)
				conn.Close()
			} else {
				bo.Reset()
				failures = 0
				c.readLoop(conn)
			}
			c.clearConn(conn)
			c.setState(StateDisconnected)
		}

		if ctx.Err() != nil {
			return
		}
		failures++
		if c.opts.MaxReconnects > 0 && failures > c.opts.MaxReconnects {
			c.logger.Printf("collabclient: giving up after %d reconnect attempts", failures-1)
			return
		}
		delay := bo.NextBackOff()
		if delay < c.opts.ReconnectMinDelay {
			// Jitter never undercuts the configured floor.
			delay = c.opts.ReconnectMinDelay
		}
		c.logger.Printf("collabclient: reconnecting in %s", delay.Round(time.Millisecond))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.opts.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("collabclient: parse server url: %w", err)
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("type", "collaboration")
	q.Set("templateId", c.opts.TemplateID)
	q.Set("token", c.opts.Token)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return conn, nil
}

func (c *Client) clearConn(conn *websocket.Conn) {
	conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	hadPresence := len(c.presence) > 0
	c.presence = make(map[string]collab.User)
	c.mu.Unlock()
	// The room is unreachable, so nobody is visible anymore. Consumers
	// rendering avatars need to hear that, same as any other roster change.
	if hadPresence {
		c.notifyPresence()
	}
}

func (c *Client) register(conn *websocket.Conn) error {
	return c.writeTo(conn, &collab.Envelope{Type: collab.TypeRegister})
}

// readLoop dispatches inbound frames until the socket errors. Malformed
// frames are logged and skipped; the session keeps going.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Printf("collabclient: read: %v", err)
			}
			return
		}
		env, err := collab.DecodeEnvelope(raw)
		if err != nil {
			c.logger.Printf("collabclient: dropping frame: %v", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env *collab.Envelope) {
	switch {
	case env.Type == collab.TypeInitialState:
		c.rec.Resync(env.Data, env.Version)
		c.cacheSnapshot()
		c.mu.Lock()
		c.presence = make(map[string]collab.User)
		for _, u := range env.Users {
			if u != nil {
				c.presence[u.ID] = *u
			}
		}
		c.state = StateRegistered
		c.mu.Unlock()
		c.notifyState(StateRegistered)
		c.notifyPresence()

	case env.Type == collab.TypeCursor:
		if env.Cursor == nil {
			return
		}
		if c.opts.OnCursor != nil {
			c.opts.OnCursor(*env.Cursor)
		}

	case collab.IsChangeType(env.Type):
		ch := env.Change()
		if c.rec.Apply(ch) {
			c.cacheSnapshot()
		}
		if c.opts.OnTemplateChange != nil {
			var from collab.User
			if env.User != nil {
				from = *env.User
			}
			c.opts.OnTemplateChange(from, ch)
		}

	case env.Type == collab.TypeChangeAccepted:
		// Our own change won; adopt the stamped version for the snapshot we
		// sent so the next change is based on it.
		c.pendingMu.Lock()
		data := c.pendingData
		c.pendingMu.Unlock()
		if data != nil {
			c.rec.Confirm(data, env.Version)
			c.cacheSnapshot()
		}

	case env.Type == collab.TypeStaleChange:
		c.rec.Resync(env.Data, env.Version)
		c.cacheSnapshot()
		if c.opts.OnStaleChange != nil {
			c.opts.OnStaleChange(env.Version)
		}

	case env.Type == collab.TypeUserJoined:
		if env.User != nil {
			c.mu.Lock()
			c.presence[env.User.ID] = *env.User
			c.mu.Unlock()
			c.notifyPresence()
		}
		c.notify(env)

	case env.Type == collab.TypeUserLeft:
		if env.User != nil {
			c.mu.Lock()
			delete(c.presence, env.User.ID)
			c.mu.Unlock()
			c.notifyPresence()
		}
		c.notify(env)

	default:
		// Edit markers, comments, mentions, and any type this build does not
		// know yet: surface them all, reject none.
		c.notify(env)
	}
}

func (c *Client) notify(env *collab.Envelope) {
	if c.opts.OnNotification != nil {
		c.opts.OnNotification(*env)
	}
}

func (c *Client) notifyPresence() {
	if c.opts.OnPresence != nil {
		c.opts.OnPresence(c.Presence())
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.notifyState(s)
	}
}

func (c *Client) notifyState(s State) {
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}

func (c *Client) cacheSnapshot() {
	if c.cache == nil {
		return
	}
	data, version := c.rec.Snapshot()
	if err := c.cache.Put(c.opts.TemplateID, data, version); err != nil {
		c.logger.Printf("collabclient: cache snapshot: %v", err)
	}
}

// SendCursor broadcasts pointer/selection state. Updates are throttled and
// lossy: within a window only the latest one is sent, and updates while
// disconnected are simply dropped.
func (c *Client) SendCursor(cs collab.CursorState) {
	c.throttle.update(cs)
}

func (c *Client) flushCursor(cs collab.CursorState) {
	err := c.write(&collab.Envelope{Type: collab.TypeCursor, Cursor: &cs})
	if err != nil && !errors.Is(err, ErrNotConnected) {
		c.logger.Printf("collabclient: send cursor: %v", err)
	}
}

// SendChange publishes a template mutation with the full resulting snapshot.
// The change is stamped with the version the local reconciler last saw; a
// stale_change reply means another edit won and the reconciler was resynced.
func (c *Client) SendChange(changeType, targetType, targetID, parentID string, data json.RawMessage) error {
	if !collab.IsChangeType(changeType) {
		return fmt.Errorf("collabclient: unknown change type %q", changeType)
	}
	_, base := c.rec.Snapshot()
	c.pendingMu.Lock()
	c.pendingData = data
	c.pendingMu.Unlock()
	return c.write(&collab.Envelope{
		Type:        changeType,
		TargetType:  targetType,
		TargetID:    targetID,
		ParentID:    parentID,
		Data:        data,
		BaseVersion: base,
	})
}

// StartEditing and StopEditing broadcast advisory edit markers. Nothing
// enforces exclusion; they exist so other editors see who is where.
func (c *Client) StartEditing(resourceType, resourceID string) error {
	return c.write(&collab.Envelope{
		Type:         collab.TypeEditStarted,
		ResourceType: resourceType,
		ResourceID:   resourceID,
	})
}

func (c *Client) StopEditing(resourceType, resourceID string) error {
	return c.write(&collab.Envelope{
		Type:         collab.TypeEditEnded,
		ResourceType: resourceType,
		ResourceID:   resourceID,
	})
}

// Notify sends a free-form room notification such as comment_added or
// mention.
func (c *Client) Notify(typ, message string) error {
	return c.write(&collab.Envelope{Type: typ, Message: message})
}

func (c *Client) write(env *collab.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.writeTo(conn, env)
}

func (c *Client) writeTo(conn *websocket.Conn, env *collab.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("collabclient: marshal frame: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("collabclient: write: %w", err)
	}
	return nil
}
