package router

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vmorsell/portaria/internal/metrics"
	"github.com/vmorsell/portaria/pkg/model"
	"go.uber.org/zap"
)

var ErrUnknownTopic = errors.New("unknown topic")

// HandlerFunc consumes decoded events of one topic.
type HandlerFunc func(model.Event)

type entry struct {
	id int
	fn HandlerFunc
}

// Router decodes raw broker messages by topic and hands the events to the
// handlers registered for that topic, in registration order.
type Router struct {
	logger   *zap.Logger
	metrics  *metrics.Metrics
	decoders map[string]model.Decoder

	mu       sync.RWMutex
	nextID   int
	handlers map[string][]entry
}

func New(logger *zap.Logger, topics model.Topics, m *metrics.Metrics) *Router {
	return &Router{
		logger:  logger.With(zap.String("component", "router")),
		metrics: m,
		decoders: map[string]model.Decoder{
			topics.Status:    model.DecodeStatus,
			topics.Movements: model.DecodeMovement,
			topics.Inside:    model.DecodeInside,
		},
		handlers: make(map[string][]entry),
	}
}

// Register adds fn for topic and returns the function that removes it.
func (r *Router) Register(topic string, fn HandlerFunc) (func(), error) {
	if _, ok := r.decoders[topic]; !ok {
		return nil, fmt.Errorf("register %q: %w", topic, ErrUnknownTopic)
	}

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.handlers[topic] = append(r.handlers[topic], entry{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.unregister(topic, id) })
	}, nil
}

func (r *Router) unregister(topic string, id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.handlers[topic]
	kept := make([]entry, 0, len(entries))
	for _, e := range entries {
		if e.id != id {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(r.handlers, topic)
		return
	}
	r.handlers[topic] = kept
}

// Route decodes raw and dispatches it. Malformed payloads, unknown topics and
// unknown contexts are logged and dropped.
func (r *Router) Route(topic string, raw []byte) {
	decode, ok := r.decoders[topic]
	if !ok {
		r.logger.Debug("message on unknown topic ignored", zap.String("topic", topic))
		r.metrics.RecordIgnored(topic, "unknown topic")
		return
	}

	ev, err := decode(raw)
	if err != nil {
		r.logger.Warn("MalformedMessage",
			zap.String("topic", topic),
			zap.ByteString("payload", raw),
			zap.Error(err))
		r.metrics.RecordMalformed(topic)
		return
	}

	if u, ok := ev.(model.Unknown); ok {
		r.logger.Debug("message without handler ignored",
			zap.String("topic", topic),
			zap.String("context", u.Context),
			zap.String("reason", u.Reason))
		r.metrics.RecordIgnored(topic, u.Reason)
		return
	}

	r.mu.RLock()
	entries := append([]entry(nil), r.handlers[topic]...)
	r.mu.RUnlock()

	if len(entries) == 0 {
		r.metrics.RecordIgnored(topic, "no handler")
		return
	}
	for _, e := range entries {
		r.dispatch(topic, e.fn, ev)
	}
}

func (r *Router) dispatch(topic string, fn HandlerFunc, ev model.Event) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("event handler panicked",
				zap.String("topic", topic),
				zap.Any("panic", p))
		}
	}()
	fn(ev)
}
