// Package messaging provides a NATS client wrapper for pub/sub between server
// nodes and the alert notifier. It handles connection lifecycle, keyed
// subscriptions and the subject naming shared by all processes.
package messaging

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATS subject patterns.
const (
	SubjectAdminAlert = "alert.admin"
	SubjectPush       = "push"     // + .<node> for targeted session pushes
	SubjectPushAll    = "push.all" // broadcasts to every session on every node
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn   *nats.Conn
	logger *zap.Logger
	mu     sync.Mutex
	subs   map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "dm-chat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, logger *zap.Logger) (*NATSClient, error) {
	logger = logger.Named("nats")
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	logger.Info("connected", zap.String("url", nc.ConnectedUrl()))

	return &NATSClient{
		conn:   nc,
		logger: logger,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// QueueSubscribe registers a queue-group handler so that each message is
// processed by exactly one member of the group.
func (c *NATSClient) QueueSubscribe(subject, queue string, handler func(data []byte)) error {
	sub, err := c.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats queue subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject+"#"+queue] = sub
	c.mu.Unlock()
	return nil
}

// PublishAdminAlert publishes an encoded alert to the alert.admin subject.
func (c *NATSClient) PublishAdminAlert(data []byte) error {
	return c.Publish(SubjectAdminAlert, data)
}

// SubscribeAdminAlerts subscribes the notifier to alert.admin. Notifier
// replicas share the "notifier" queue so every alert is forwarded once.
func (c *NATSClient) SubscribeAdminAlerts(handler func(data []byte)) error {
	return c.QueueSubscribe(SubjectAdminAlert, "notifier", handler)
}

// PublishToNode publishes a push frame to the push.<node> subject.
func (c *NATSClient) PublishToNode(node string, data []byte) error {
	return c.Publish(SubjectPush+"."+node, data)
}

// SubscribeNode subscribes to push.<node>.
func (c *NATSClient) SubscribeNode(node string, handler func(data []byte)) error {
	return c.Subscribe(SubjectPush+"."+node, handler)
}

// PublishBroadcast publishes a frame meant for every session on every node.
func (c *NATSClient) PublishBroadcast(data []byte) error {
	return c.Publish(SubjectPushAll, data)
}

// SubscribeBroadcast subscribes to push.all.
func (c *NATSClient) SubscribeBroadcast(handler func(data []byte)) error {
	return c.Subscribe(SubjectPushAll, handler)
}

// Flush round-trips to the server so that every publish issued so far has
// been processed.
func (c *NATSClient) Flush() error {
	return c.conn.Flush()
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.logger.Warn("drain subscription", zap.String("subject", subject), zap.Error(err))
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("connection drain", zap.Error(err))
	}

	c.logger.Info("client closed")
}

// Unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) Unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}
