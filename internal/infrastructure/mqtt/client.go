package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/nerrad567/gray-logic-stepscan/internal/infrastructure/config"
)

// Client is the broker connection of one scan station. It is safe for
// concurrent use; subscriptions survive reconnects.
type Client struct {
	client    pahomqtt.Client
	cfg       config.MQTTConfig
	topics    Topics
	stationID string

	subs      *xsync.MapOf[string, subscription]
	connected atomic.Bool

	received      atomic.Int64
	handlerErrors atomic.Int64

	mu           sync.RWMutex
	logger       Logger
	onConnect    func()
	onDisconnect func(err error)
}

// Logger receives handler failures. *logging.Logger satisfies it.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

type subscription struct {
	qos     byte
	handler MessageHandler
}

// MessageHandler handles one received message. It runs on a paho goroutine
// and must not block; a returned error is logged and counted.
type MessageHandler func(topic string, payload []byte) error

// Stats counts inbound traffic since Connect.
type Stats struct {
	Received      int64 `json:"received"`
	HandlerErrors int64 `json:"handler_errors"`
	Subscriptions int   `json:"subscriptions"`
}

func newClient(cfg config.MQTTConfig, stationID string) *Client {
	return &Client{
		cfg:       cfg,
		topics:    Topics{Prefix: cfg.TopicPrefix},
		stationID: stationID,
		subs:      xsync.NewMapOf[string, subscription](),
	}
}

// Connect connects to the broker for stationID.
//
// The broker holds a retained "offline" will on the station's presence
// topic; "online" is published there on every (re)connect and "offline"
// again on Close.
func Connect(cfg config.MQTTConfig, stationID string) (*Client, error) {
	c := newClient(cfg, stationID)

	opts := buildClientOptions(cfg)
	opts.SetWill(c.topics.Presence(stationID), presencePayload(stationID, "offline", "connection_lost"), 1, true)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleDisconnect(err) })

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		c.client.Disconnect(0) // stop connect retries
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// OnConnect runs asynchronously; be connected as soon as Connect returns.
	c.connected.Store(true)
	return c, nil
}

// Topics returns the topic builder for the configured prefix.
func (c *Client) Topics() Topics {
	return c.topics
}

func (c *Client) handleConnect() {
	c.connected.Store(true)

	c.subs.Range(func(topic string, s subscription) bool {
		c.client.Subscribe(topic, s.qos, c.wrap(s.handler))
		return true
	})
	c.client.Publish(c.topics.Presence(c.stationID), byte(c.cfg.QoS), true, //nolint:gosec // QoS validated to 0..2
		presencePayload(c.stationID, "online", ""))

	c.mu.RLock()
	fn := c.onConnect
	c.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.connected.Store(false)

	c.mu.RLock()
	logger, fn := c.logger, c.onDisconnect
	c.mu.RUnlock()
	if logger != nil {
		logger.Warn("MQTT connection lost", "error", err)
	}
	if fn != nil {
		fn(err)
	}
}

// Close publishes "offline" and disconnects.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if c.IsConnected() {
		token := c.client.Publish(c.topics.Presence(c.stationID), byte(c.cfg.QoS), true, //nolint:gosec // QoS validated to 0..2
			presencePayload(c.stationID, "offline", "shutdown"))
		token.WaitTimeout(publishTimeout)
	}
	c.client.Disconnect(disconnectQuiesceMs)
	c.connected.Store(false)
	return nil
}

// HealthCheck reports whether the client is connected.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected returns the last known connection state.
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.client != nil && c.client.IsConnected()
}

// Stats returns inbound traffic counters.
func (c *Client) Stats() Stats {
	s := Stats{
		Received:      c.received.Load(),
		HandlerErrors: c.handlerErrors.Load(),
	}
	if c.subs != nil {
		s.Subscriptions = c.subs.Size()
	}
	return s
}

// SetOnConnect sets a callback run on every connect and reconnect.
func (c *Client) SetOnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = fn
	c.mu.Unlock()
}

// SetOnDisconnect sets a callback run when the connection is lost.
func (c *Client) SetOnDisconnect(fn func(err error)) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

// SetLogger sets the logger for handler errors and panics.
func (c *Client) SetLogger(logger Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

func (c *Client) wrap(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.dispatch(handler, msg.Topic(), msg.Payload())
	}
}

// dispatch runs handler, recovering panics. Both panics and returned errors
// count as handler errors.
func (c *Client) dispatch(handler MessageHandler, topic string, payload []byte) {
	c.received.Add(1)

	c.mu.RLock()
	logger := c.logger
	c.mu.RUnlock()

	defer func() {
		if r := recover(); r != nil {
			c.handlerErrors.Add(1)
			if logger != nil {
				logger.Error("MQTT handler panic", "topic", topic, "panic", r)
			}
		}
	}()

	if err := handler(topic, payload); err != nil {
		c.handlerErrors.Add(1)
		if logger != nil {
			logger.Warn("MQTT message rejected", "topic", topic, "error", err)
		}
	}
}
