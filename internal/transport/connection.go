// Package transport owns the publish/subscribe session with the broker the
// access-control device talks to.
//
// A Connection subscribes each topic once no matter how many screens need it,
// re-issues every subscription after each (re)connect and buffers payloads
// published while the session is down, flushing them in order on the next
// connect.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/vmorsell/portaria/internal/metrics"
	"go.uber.org/zap"
)

const (
	keepAlive            = 30 * time.Second
	maxReconnectInterval = 30 * time.Second
	operationTimeout     = 5 * time.Second
	disconnectQuiesce    = 250 // ms
)

var (
	ErrClosed       = errors.New("connection closed")
	ErrNotConnected = errors.New("broker not connected")
	ErrQueueFull    = errors.New("publish queue full, oldest payload dropped")
)

// Handler receives every message of every subscribed topic.
type Handler func(topic string, payload []byte)

// brokerClient is the part of mqtt.Client a Connection uses.
type brokerClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

type Options struct {
	BrokerURL      string
	ClientIDPrefix string
	QoS            byte
	QueueSize      int
	RetryInterval  time.Duration
}

type Option func(*Connection)

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Connection) {
		c.metrics = m
	}
}

func withClientFactory(f func(*mqtt.ClientOptions) brokerClient) Option {
	return func(c *Connection) {
		c.newClient = f
	}
}

type pendingPublish struct {
	topic string
	body  []byte
}

type Connection struct {
	logger    *zap.Logger
	metrics   *metrics.Metrics
	opts      Options
	clientID  string
	sink      Handler
	newClient func(*mqtt.ClientOptions) brokerClient
	client    brokerClient

	mu        sync.Mutex
	state     State
	closed    bool
	connects  int
	refs      map[string]int
	queue     []pendingPublish
	flushed   map[string]int
	nextID    int
	hooks     map[int]func()
	listeners map[int]func(Status)
}

// Dial starts a session with the broker and returns without waiting for it
// to come up. Every message received on a subscribed topic goes to sink.
func Dial(logger *zap.Logger, opts Options, sink Handler, options ...Option) (*Connection, error) {
	if opts.BrokerURL == "" {
		return nil, fmt.Errorf("dial broker: empty url")
	}
	if sink == nil {
		return nil, fmt.Errorf("dial broker: nil handler")
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 5 * time.Second
	}

	c := &Connection{
		opts:      opts,
		clientID:  opts.ClientIDPrefix + uuid.NewString(),
		sink:      sink,
		newClient: func(o *mqtt.ClientOptions) brokerClient { return mqtt.NewClient(o) },
		state:     StateConnecting,
		refs:      make(map[string]int),
		hooks:     make(map[int]func()),
		listeners: make(map[int]func(Status)),
	}
	for _, o := range options {
		o(c)
	}
	c.logger = logger.With(zap.String("component", "transport"), zap.String("clientID", c.clientID))

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(c.clientID).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetKeepAlive(keepAlive).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(opts.RetryInterval).
		SetMaxReconnectInterval(maxReconnectInterval).
		SetOnConnectHandler(func(mqtt.Client) { c.handleConnect() }).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) { c.handleConnectionLost(err) }).
		SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) { c.handleReconnecting() })

	c.client = c.newClient(clientOpts)
	c.metrics.RecordConnectionState(StateConnecting.String(), allStates)
	c.logger.Info("connecting to broker", zap.String("broker", opts.BrokerURL))

	token := c.client.Connect()
	go c.watchConnect(token)

	return c, nil
}

func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Connection) statusLocked() Status {
	return Status{State: c.state, Pending: len(c.queue), ClientID: c.clientID}
}

// Subscribe adds a reference to topic. The broker subscription is issued on
// the first reference and dropped when the returned release runs for the
// last one. Release is safe to call more than once.
func (c *Connection) Subscribe(topic string) (func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.refs[topic]++
	first := c.refs[topic] == 1
	connected := c.state == StateConnected
	c.mu.Unlock()

	if first && connected {
		c.subscribe(topic)
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.release(topic) })
	}, nil
}

func (c *Connection) release(topic string) {
	c.mu.Lock()
	if c.closed || c.refs[topic] == 0 {
		c.mu.Unlock()
		return
	}
	c.refs[topic]--
	last := c.refs[topic] == 0
	if last {
		delete(c.refs, topic)
	}
	connected := c.state == StateConnected
	c.mu.Unlock()

	if last && connected {
		c.await(c.client.Unsubscribe(topic), "unsubscribe", topic)
	}
}

// Publish JSON-encodes payload and sends it to topic. While the session is
// down the payload is queued and flushed on the next connect.
func (c *Connection) Publish(topic string, payload any) (Delivery, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Dropped, fmt.Errorf("encode payload: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Dropped, ErrClosed
	}
	if c.state != StateConnected {
		if c.opts.QueueSize == 0 {
			c.mu.Unlock()
			c.logger.Warn("broker not connected, payload dropped", zap.String("topic", topic))
			return Dropped, ErrNotConnected
		}
		full := len(c.queue) >= c.opts.QueueSize
		if full {
			c.queue = c.queue[1:]
		}
		c.queue = append(c.queue, pendingPublish{topic: topic, body: body})
		status := c.statusLocked()
		listeners := c.listenersLocked()
		c.mu.Unlock()

		c.logger.Warn("broker not connected, payload queued",
			zap.String("topic", topic),
			zap.Int("pending", status.Pending))
		notify(listeners, status)
		if full {
			return Queued, ErrQueueFull
		}
		return Queued, nil
	}
	// a hook re-sending what the connect just flushed is answered by the flush
	if key := flushKey(topic, body); c.flushed[key] > 0 {
		c.flushed[key]--
		c.mu.Unlock()
		c.logger.Debug("payload already flushed on connect", zap.String("topic", topic))
		return Published, nil
	}
	c.mu.Unlock()

	token := c.client.Publish(topic, c.opts.QoS, false, body)
	go c.await(token, "publish", topic)
	return Published, nil
}

// OnConnect registers fn to run after every (re)connect, once subscriptions
// are restored. If the session is already up fn also runs right away.
func (c *Connection) OnConnect(fn func()) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.hooks[id] = fn
	connected := c.state == StateConnected && !c.closed
	c.mu.Unlock()

	if connected {
		fn()
	}
	return func() {
		c.mu.Lock()
		delete(c.hooks, id)
		c.mu.Unlock()
	}
}

// OnStateChange registers fn to receive every status change.
func (c *Connection) OnStateChange(fn func(Status)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Close drops every subscription and ends the session. Later calls are no-ops.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	topics := c.topicsLocked()
	connected := c.state == StateConnected
	c.refs = make(map[string]int)
	c.queue = nil
	c.state = StateDisconnected
	status := c.statusLocked()
	listeners := c.listenersLocked()
	c.mu.Unlock()

	if connected && len(topics) > 0 {
		c.await(c.client.Unsubscribe(topics...), "unsubscribe", topics...)
	}
	c.client.Disconnect(disconnectQuiesce)

	c.metrics.RecordConnectionState(StateDisconnected.String(), allStates)
	c.logger.Info("broker connection closed")
	notify(listeners, status)
	return nil
}

func (c *Connection) handleConnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.state = StateConnected
	c.connects++
	reconnect := c.connects > 1
	topics := c.topicsLocked()
	queued := c.queue
	c.queue = nil
	c.flushed = make(map[string]int, len(queued))
	for _, p := range queued {
		c.flushed[flushKey(p.topic, p.body)]++
	}
	hooks := c.hooksLocked()
	status := c.statusLocked()
	listeners := c.listenersLocked()
	c.mu.Unlock()

	if reconnect {
		c.metrics.RecordReconnect()
	}
	c.metrics.RecordConnectionState(StateConnected.String(), allStates)
	c.logger.Info("broker connected",
		zap.Bool("reconnect", reconnect),
		zap.Int("topics", len(topics)),
		zap.Int("flushing", len(queued)))

	for _, topic := range topics {
		c.subscribe(topic)
	}
	for _, p := range queued {
		c.await(c.client.Publish(p.topic, c.opts.QoS, false, p.body), "publish", p.topic)
	}
	for _, hook := range hooks {
		hook()
	}
	c.mu.Lock()
	c.flushed = nil
	c.mu.Unlock()
	notify(listeners, status)
}

func (c *Connection) handleConnectionLost(err error) {
	c.setState(StateDisconnected)
	c.logger.Warn("broker connection lost", zap.Error(err))
}

func (c *Connection) handleReconnecting() {
	c.setState(StateConnecting)
	c.logger.Info("reconnecting to broker")
}

func (c *Connection) watchConnect(token mqtt.Token) {
	<-token.Done()
	if err := token.Error(); err != nil {
		c.setState(StateErrored)
		c.logger.Error("broker connect failed", zap.Error(err))
	}
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	if c.closed || c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	status := c.statusLocked()
	listeners := c.listenersLocked()
	c.mu.Unlock()

	c.metrics.RecordConnectionState(s.String(), allStates)
	notify(listeners, status)
}

func (c *Connection) subscribe(topic string) {
	c.await(c.client.Subscribe(topic, c.opts.QoS, c.onMessage), "subscribe", topic)
}

func (c *Connection) onMessage(_ mqtt.Client, msg mqtt.Message) {
	c.deliver(msg.Topic(), msg.Payload())
}

// deliver hands a message to the sink unless the connection is closed or
// nobody holds the topic anymore.
func (c *Connection) deliver(topic string, payload []byte) {
	c.mu.Lock()
	live := !c.closed && c.refs[topic] > 0
	c.mu.Unlock()

	if !live {
		c.logger.Debug("message after release dropped", zap.String("topic", topic))
		return
	}
	c.metrics.RecordReceived(topic)
	c.sink(topic, payload)
}

func (c *Connection) await(token mqtt.Token, op string, topics ...string) {
	if !token.WaitTimeout(operationTimeout) {
		c.logger.Warn("broker operation timed out", zap.String("op", op), zap.Strings("topics", topics))
		return
	}
	if err := token.Error(); err != nil {
		c.logger.Warn("broker operation failed", zap.String("op", op), zap.Strings("topics", topics), zap.Error(err))
	}
}

func (c *Connection) topicsLocked() []string {
	topics := make([]string, 0, len(c.refs))
	for t := range c.refs {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

func (c *Connection) hooksLocked() []func() {
	ids := make([]int, 0, len(c.hooks))
	for id := range c.hooks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	hooks := make([]func(), len(ids))
	for i, id := range ids {
		hooks[i] = c.hooks[id]
	}
	return hooks
}

func (c *Connection) listenersLocked() []func(Status) {
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Status), len(ids))
	for i, id := range ids {
		fns[i] = c.listeners[id]
	}
	return fns
}

func flushKey(topic string, body []byte) string {
	return topic + "\x00" + string(body)
}

func notify(listeners []func(Status), s Status) {
	for _, fn := range listeners {
		fn(s)
	}
}
