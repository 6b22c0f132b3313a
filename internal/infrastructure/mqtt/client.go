package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/agrivision-core/internal/infrastructure/config"
)

// Logger is the subset of logging.Logger the client needs.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// MessageHandler is called for each received message on a paho goroutine.
// A returned error is logged; the message is acknowledged either way.
type MessageHandler func(topic string, payload []byte) error

// Stats counts broker traffic since Connect.
type Stats struct {
	Connected     bool   `json:"connected"`
	Published     uint64 `json:"published"`
	Received      uint64 `json:"received"`
	HandlerErrors uint64 `json:"handler_errors"`
	Reconnects    uint64 `json:"reconnects"`
}

// Client is the rig's broker connection. It keeps a retained
// online/offline status on {prefix}/status and re-subscribes after every
// reconnect. Safe for concurrent use.
type Client struct {
	paho   pahomqtt.Client
	cfg    config.MQTTConfig
	topics Topics

	mu   sync.Mutex
	subs map[string]subscription

	up            atomic.Bool
	published     atomic.Uint64
	received      atomic.Uint64
	handlerErrors atomic.Uint64
	connects      atomic.Uint64

	log atomic.Pointer[logBox]
}

type subscription struct {
	qos     byte
	handler MessageHandler
}

type logBox struct{ Logger }

// Connect dials the broker named in cfg and waits up to connectTimeout for
// the first connection. Later drops are retried by paho in the background.
//
// Parameters:
//   - cfg: mqtt section of config.yaml
//
// Returns:
//   - *Client: connected
//   - error: wraps ErrConnectionFailed
func Connect(cfg config.MQTTConfig) (*Client, error) {
	c := &Client{
		cfg:    cfg,
		topics: NewTopics(cfg.TopicPrefix),
		subs:   make(map[string]subscription),
	}

	opts := buildClientOptions(cfg)
	configureLWT(opts, c.topics, cfg.Broker.ClientID)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.onConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.up.Store(false)
		c.logWarn("mqtt connection lost", "error", err)
	})
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		c.logInfo("mqtt reconnecting", "broker", brokerURL(cfg))
	})

	c.paho = pahomqtt.NewClient(opts)
	if err := await(c.paho.Connect(), connectTimeout, ErrConnectionFailed); err != nil {
		return nil, err
	}

	// onConnect runs asynchronously; callers may subscribe straight away.
	c.up.Store(true)
	return c, nil
}

// onConnect restores subscriptions and announces the rig as online. It
// runs on the first connect and after every reconnect.
func (c *Client) onConnect() {
	if c.connects.Add(1) > 1 {
		c.logInfo("mqtt reconnected", "subscriptions", c.SubscriptionCount())
	}
	c.up.Store(true)

	c.mu.Lock()
	for topic, s := range c.subs {
		c.paho.Subscribe(topic, s.qos, c.wrapHandler(s.handler))
	}
	c.mu.Unlock()

	c.paho.Publish(c.topics.Status(), byte(c.cfg.QoS), true,
		statusMessage(c.cfg.Broker.ClientID, statusOnline, ""))
}

// Topics returns the topic builders for the configured prefix.
func (c *Client) Topics() Topics {
	return c.topics
}

// Close publishes a retained offline status and disconnects.
func (c *Client) Close() error {
	if c.paho == nil {
		return nil
	}
	if c.IsConnected() {
		c.paho.Publish(c.topics.Status(), byte(c.cfg.QoS), true,
			statusMessage(c.cfg.Broker.ClientID, statusOffline, "graceful_shutdown")).
			WaitTimeout(operationTimeout)
	}
	c.paho.Disconnect(uint(disconnectQuiesce.Milliseconds()))
	c.up.Store(false)
	return nil
}

// HealthCheck reports ErrNotConnected while the broker is unreachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports whether the broker connection is currently up.
func (c *Client) IsConnected() bool {
	return c.paho != nil && c.up.Load() && c.paho.IsConnected()
}

// Stats returns traffic counters for the metrics endpoint.
func (c *Client) Stats() Stats {
	reconnects := c.connects.Load()
	if reconnects > 0 {
		reconnects--
	}
	return Stats{
		Connected:     c.IsConnected(),
		Published:     c.published.Load(),
		Received:      c.received.Load(),
		HandlerErrors: c.handlerErrors.Load(),
		Reconnects:    reconnects,
	}
}

// SetLogger sets the logger for connection events and handler failures.
func (c *Client) SetLogger(logger Logger) {
	c.log.Store(&logBox{logger})
}

// Publish sends payload to topic and waits for the broker to accept it at
// the requested QoS.
//
// Parameters:
//   - topic: e.g. Topics.Event("report_check_done")
//   - payload: at most maxPayloadSize bytes
//   - qos: 0, 1 or 2
//   - retained: keep for late subscribers
//
// Returns:
//   - error: ErrInvalidTopic, ErrInvalidQoS, ErrNotConnected or a wrapped
//     ErrPublishFailed
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := checkTopic(topic, qos); err != nil {
		return err
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: %d byte payload exceeds %d", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := await(c.paho.Publish(topic, qos, retained, payload), operationTimeout, ErrPublishFailed); err != nil {
		return err
	}
	c.published.Add(1)
	return nil
}

// Subscribe registers handler for topic (wildcards allowed). The
// subscription is remembered and restored after every reconnect.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if err := checkTopic(topic, qos); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler", ErrSubscribeFailed)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.mu.Lock()
	c.subs[topic] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()

	err := await(c.paho.Subscribe(topic, qos, c.wrapHandler(handler)), operationTimeout, ErrSubscribeFailed)
	if err != nil {
		c.mu.Lock()
		delete(c.subs, topic)
		c.mu.Unlock()
	}
	return err
}

// Unsubscribe forgets topic. The local registration is dropped even when
// the broker cannot be told.
func (c *Client) Unsubscribe(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}

	c.mu.Lock()
	delete(c.subs, topic)
	c.mu.Unlock()

	if !c.IsConnected() {
		return ErrNotConnected
	}
	return await(c.paho.Unsubscribe(topic), operationTimeout, ErrUnsubscribeFailed)
}

// SubscriptionCount returns the number of remembered subscriptions.
func (c *Client) SubscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// wrapHandler counts deliveries and keeps a failing or panicking handler
// from taking down paho's delivery goroutine.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.received.Add(1)
		defer func() {
			if r := recover(); r != nil {
				c.handlerErrors.Add(1)
				c.logError("mqtt handler panic recovered", "topic", msg.Topic(), "panic", r)
			}
		}()
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.handlerErrors.Add(1)
			c.logWarn("mqtt handler returned error", "topic", msg.Topic(), "error", err)
		}
	}
}

// await waits for a paho token and wraps a timeout or failure in kind.
func await(tok pahomqtt.Token, timeout time.Duration, kind error) error {
	if !tok.WaitTimeout(timeout) {
		return fmt.Errorf("%w: no response after %v", kind, timeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("%w: %w", kind, err)
	}
	return nil
}

func checkTopic(topic string, qos byte) error {
	switch {
	case topic == "":
		return ErrInvalidTopic
	case qos > maxQoS:
		return ErrInvalidQoS
	}
	return nil
}

func (c *Client) logInfo(msg string, args ...any) {
	if b := c.log.Load(); b != nil {
		b.Info(msg, args...)
	}
}

func (c *Client) logWarn(msg string, args ...any) {
	if b := c.log.Load(); b != nil {
		b.Warn(msg, args...)
	}
}

func (c *Client) logError(msg string, args ...any) {
	if b := c.log.Load(); b != nil {
		b.Error(msg, args...)
	}
}
