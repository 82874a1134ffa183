package collab

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024 // template snapshots ride in every change
	sendBuffer     = 256
)

// Client is one socket connection. It belongs to at most one room, joined
// when the peer sends its register frame. All writes go through the buffered
// send channel so the read and write pumps never share the connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	user User
	room *Room

	sendMu sync.Mutex
	send   chan []byte
	closed bool
	logger *log.Logger
}

// NewClient wraps an upgraded connection. The user identity comes from the
// verified session token, never from the socket payloads.
func NewClient(hub *Hub, conn *websocket.Conn, user User, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		hub:    hub,
		conn:   conn,
		user:   user,
		send:   make(chan []byte, sendBuffer),
		logger: logger,
	}
}

// User returns the session identity bound to this socket.
func (c *Client) User() User { return c.user }

// enqueue queues a frame for delivery. A client that cannot keep up has its
// send channel closed, which ends the write pump and, through the closed
// connection, the read pump.
func (c *Client) enqueue(frame []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
		c.logger.Printf("collab: closing slow client %s", c.user.ID)
		c.closed = true
		close(c.send)
	}
}

func (c *Client) close() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Run services the connection until it drops, then unregisters the client.
// templateID scopes the room; the peer still has to send a register frame
// before any of its traffic is relayed.
func (c *Client) Run(templateID string) {
	go c.writePump()
	c.readPump(templateID)
}

func (c *Client) readPump(templateID string) {
	defer func() {
		c.hub.Unregister(c)
		c.close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Printf("collab: read from %s: %v", c.user.ID, err)
			}
			return
		}
		env, err := DecodeEnvelope(raw)
		if err == nil && env.Type == TypeRegister {
			if c.room == nil {
				c.hub.Register(c, templateID)
			}
			continue
		}
		c.hub.HandleFrame(c, raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
