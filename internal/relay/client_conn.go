package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/parley-chat/parley/internal/protocol"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // 90% of pongWait
	maxMessageSize = 1 << 20          // inline image attachments make frames big

	sendBuffer    = 256
	requestBuffer = 16
)

// ClientConn is one browser connection: a read pump feeding a single worker
// that handles requests FIFO (a user's own messages never interleave), and a
// write pump owning all socket writes. Once the connection is closed,
// TrySend becomes a silent no-op so in-flight streams drain harmlessly.
type ClientConn struct {
	hub    *Hub
	conn   *websocket.Conn
	user   UserIdentity
	router *Router

	send     chan []byte
	requests chan *protocol.ClientMessage
	done     chan struct{}
	closing  sync.Once
}

func newClientConn(hub *Hub, conn *websocket.Conn, user UserIdentity) *ClientConn {
	return &ClientConn{
		hub:      hub,
		conn:     conn,
		user:     user,
		router:   NewRouter(user, hub.deps),
		send:     make(chan []byte, sendBuffer),
		requests: make(chan *protocol.ClientMessage, requestBuffer),
		done:     make(chan struct{}),
	}
}

// TrySend queues one frame for delivery. Drops silently when the connection
// is closed or the client cannot keep up; it never blocks and never panics.
func (c *ClientConn) TrySend(frame interface{}) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.hub.logger.Error("failed to marshal outbound frame", zap.Error(err))
		return
	}

	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.hub.logger.Warn("dropping frame for slow client",
			zap.String("user_id", c.user.ID))
	}
}

func (c *ClientConn) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		c.shutdown()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close",
					zap.String("user_id", c.user.ID),
					zap.Error(err),
				)
			}
			return
		}

		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			c.TrySend(protocol.NewErrorFrame("Invalid message"))
			continue
		}

		select {
		case c.requests <- msg:
		case <-c.done:
			return
		}
	}
}

// workLoop serializes this connection's requests. Uses the hub context, not
// a per-connection one: an upstream call in flight when the browser drops is
// left to finish so its audit and session side effects still land.
func (c *ClientConn) workLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.requests:
			c.router.HandleMessage(c.hub.ctx, c, msg)
		}
	}
}

func (c *ClientConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// shutdown marks the connection closed exactly once. The send channel is
// never closed; the write pump exits via done, so concurrent TrySend calls
// cannot panic.
func (c *ClientConn) shutdown() {
	c.closing.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
