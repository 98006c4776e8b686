// Package fanout lets several server nodes share one logical set of sessions.
// Frames for sessions held by this node are written directly; frames for
// sessions on other nodes travel over NATS to push.<node>, and broadcasts are
// mirrored to push.all.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Local is the node's own transport.
type Local interface {
	Broadcast(data []byte)
	SendTo(sessionIDs []string, data []byte) int
	Has(sessionID string) bool
}

// Locator finds the node holding a session; "" means unknown.
type Locator interface {
	NodeOf(ctx context.Context, sessionID string) (string, error)
}

// Transport carries envelopes between nodes; messaging.NATSClient
// satisfies it.
type Transport interface {
	PublishToNode(node string, data []byte) error
	PublishBroadcast(data []byte) error
	SubscribeNode(node string, handler func(data []byte)) error
	SubscribeBroadcast(handler func(data []byte)) error
}

type envelope struct {
	Origin   string          `json:"origin"`
	Sessions []string        `json:"sessions,omitempty"`
	Frame    json.RawMessage `json:"frame"`
}

// Bus implements the pusher contract across nodes.
type Bus struct {
	node      string
	local     Local
	locator   Locator
	transport Transport
	logger    *zap.Logger
	timeout   time.Duration
}

// NewBus creates a bus for node.
func NewBus(node string, local Local, locator Locator, transport Transport, logger *zap.Logger) *Bus {
	return &Bus{
		node:      node,
		local:     local,
		locator:   locator,
		transport: transport,
		logger:    logger.Named("fanout"),
		timeout:   2 * time.Second,
	}
}

// Start subscribes to this node's subjects.
func (b *Bus) Start() error {
	if err := b.transport.SubscribeNode(b.node, b.handleNode); err != nil {
		return fmt.Errorf("fanout: subscribe node: %w", err)
	}
	if err := b.transport.SubscribeBroadcast(b.handleBroadcast); err != nil {
		return fmt.Errorf("fanout: subscribe broadcast: %w", err)
	}
	b.logger.Info("fanout started", zap.String("node", b.node))
	return nil
}

// Broadcast writes data to local sessions and to every other node.
func (b *Bus) Broadcast(data []byte) {
	b.local.Broadcast(data)

	env, err := json.Marshal(envelope{Origin: b.node, Frame: data})
	if err != nil {
		b.logger.Error("encode broadcast", zap.Error(err))
		return
	}
	if err := b.transport.PublishBroadcast(env); err != nil {
		b.logger.Warn("publish broadcast failed", zap.Error(err))
	}
}

// SendTo writes data to the given sessions wherever they live. The count
// includes remote sessions whose node accepted the publish.
func (b *Bus) SendTo(sessionIDs []string, data []byte) int {
	var local []string
	remote := make(map[string][]string)

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	for _, id := range sessionIDs {
		if b.local.Has(id) {
			local = append(local, id)
			continue
		}
		node, err := b.locator.NodeOf(ctx, id)
		if err != nil {
			b.logger.Warn("locate session failed", zap.String("session_id", id), zap.Error(err))
			continue
		}
		if node == "" || node == b.node {
			// Gone, or registered here but already closed.
			continue
		}
		remote[node] = append(remote[node], id)
	}

	n := 0
	if len(local) > 0 {
		n += b.local.SendTo(local, data)
	}
	for node, ids := range remote {
		env, err := json.Marshal(envelope{Origin: b.node, Sessions: ids, Frame: data})
		if err != nil {
			b.logger.Error("encode push", zap.Error(err))
			continue
		}
		if err := b.transport.PublishToNode(node, env); err != nil {
			b.logger.Warn("publish push failed", zap.String("node", node), zap.Error(err))
			continue
		}
		n += len(ids)
	}
	return n
}

func (b *Bus) handleNode(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.logger.Warn("malformed push envelope", zap.Error(err))
		return
	}
	b.local.SendTo(env.Sessions, env.Frame)
}

func (b *Bus) handleBroadcast(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.logger.Warn("malformed broadcast envelope", zap.Error(err))
		return
	}
	if env.Origin == b.node {
		return
	}
	b.local.Broadcast(env.Frame)
}
