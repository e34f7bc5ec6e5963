package gateway

import (
	"context"

	"github.com/vmorsell/portaria/internal/metrics"
	"go.uber.org/zap"
)

// Hub tracks the connected view clients per screen and fans out frames that
// concern all of them, such as broker connection changes.
type Hub struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	clients    map[*client]struct{}
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	done       chan struct{}
}

func NewHub(logger *zap.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		logger:     logger,
		metrics:    m,
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, sendBufferSize),
		done:       make(chan struct{}),
	}
}

// Run serves the hub until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				delete(h.clients, c)
				c.close()
			}
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.logger.Info("view client connected",
				zap.String("client", c.id),
				zap.String("screen", c.screen),
				zap.Int("clients", len(h.clients)))
			h.recordCount(c.screen)

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.close()
				h.logger.Info("view client disconnected",
					zap.String("client", c.id),
					zap.String("screen", c.screen),
					zap.Int("clients", len(h.clients)))
				h.recordCount(c.screen)
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				if !c.enqueue(msg) {
					delete(h.clients, c)
					c.close()
					h.recordCount(c.screen)
				}
			}
		}
	}
}

// Broadcast queues msg for every client. It never blocks.
func (h *Hub) Broadcast(msg []byte) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	default:
		h.logger.Warn("broadcast dropped, hub busy")
	}
}

func (h *Hub) add(c *client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) remove(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) recordCount(screen string) {
	n := 0
	for c := range h.clients {
		if c.screen == screen {
			n++
		}
	}
	h.metrics.RecordViewClients(screen, n)
}
