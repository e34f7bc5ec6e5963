package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	readBufferSize  = 1024
	writeBufferSize = 1024
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxMessageSize  = 1024
	sendBufferSize  = 256
)

type client struct {
	conn   *websocket.Conn
	id     string
	screen string
	server *Server

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// enqueue hands msg to the write pump. It reports false when the client is
// gone or its buffer is full.
func (c *client) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// push sends a frame and drops the connection of a client that cannot keep up.
func (c *client) push(frame any) {
	msg, err := encodeFrame(frame)
	if err != nil {
		c.server.logger.Error("encode frame", zap.Error(err))
		return
	}
	if !c.enqueue(msg) && !c.isClosed() {
		c.server.logger.Warn("view client too slow, dropping", zap.String("client", c.id))
		c.conn.Close()
	}
}

func (c *client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *client) readPump(cleanup func()) {
	defer func() {
		cleanup()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Warn("websocket read failed", zap.String("client", c.id), zap.Error(err))
			}
			return
		}

		if !c.server.limiter.Allow(c.id) {
			c.server.reject(c, reasonRateLimited, errRateLimited)
			continue
		}
		if err := c.server.handleIntent(c, message); err != nil {
			c.server.reject(c, rejectReason(err), err)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
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
