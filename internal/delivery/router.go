// Package delivery pushes freshly persisted messages to the recipient's live
// sessions. Delivery is best effort: an offline recipient gets nothing pushed
// and finds the message in history later.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/dm-chat/internal/chat"
	"github.com/whisper/dm-chat/internal/metrics"
	"github.com/whisper/dm-chat/internal/protocol"
	"github.com/whisper/dm-chat/internal/session"
)

// Pusher writes encoded frames to the named sessions and returns how many
// were reached.
type Pusher interface {
	SendTo(sessionIDs []string, data []byte) int
}

// AdminObserver is told about every message addressed to the administrative
// user. It must not block.
type AdminObserver func(msg *chat.Message)

const pairStripes = 256

// ErrPersist wraps the persist failure returned by Submit. Nothing is pushed
// for a message that was not saved.
var ErrPersist = errors.New("delivery: persist message")

// PersistFunc saves msg, filling in its id and timestamp.
type PersistFunc func(ctx context.Context, msg *chat.Message) error

// Router delivers newMessage events. Pushes for the same sender/receiver pair
// are serialized so they leave in submission order; Submit extends that to
// the store write, so push order matches persisted order.
type Router struct {
	registry session.Registry
	pusher   Pusher
	logger   *zap.Logger

	adminID  string
	observer AdminObserver

	pairMu [pairStripes]sync.Mutex
}

// NewRouter creates a Router.
func NewRouter(registry session.Registry, pusher Pusher, logger *zap.Logger) *Router {
	return &Router{
		registry: registry,
		pusher:   pusher,
		logger:   logger.Named("delivery"),
	}
}

// ObserveAdmin registers fn for messages sent to adminID. An empty adminID
// disables the side channel.
func (r *Router) ObserveAdmin(adminID string, fn AdminObserver) {
	r.adminID = adminID
	r.observer = fn
}

// Route pushes msg to every live session of its receiver and returns the
// number of sessions reached. A lookup miss is not an error.
func (r *Router) Route(ctx context.Context, msg *chat.Message) (int, error) {
	unlock := r.lockPair(msg)
	n, err := r.push(ctx, msg)
	unlock()
	return r.finish(msg, n, err)
}

// Submit persists msg and routes it while holding the pair lock, so two
// concurrent sends between the same users are pushed in the order they were
// saved. A persist failure is returned wrapped in ErrPersist and nothing is
// pushed.
func (r *Router) Submit(ctx context.Context, msg *chat.Message, persist PersistFunc) (int, error) {
	unlock := r.lockPair(msg)
	if err := persist(ctx, msg); err != nil {
		unlock()
		return 0, fmt.Errorf("%w: %w", ErrPersist, err)
	}
	n, err := r.push(ctx, msg)
	unlock()
	return r.finish(msg, n, err)
}

func (r *Router) lockPair(msg *chat.Message) func() {
	mu := &r.pairMu[pairStripe(msg.SenderID, msg.ReceiverID)]
	mu.Lock()
	return mu.Unlock
}

func (r *Router) push(ctx context.Context, msg *chat.Message) (int, error) {
	data, err := protocol.NewServerMessage(protocol.TypeNewMessage, msg)
	if err != nil {
		return 0, err
	}
	return r.PushToUser(ctx, msg.ReceiverID, data)
}

// finish records the outcome and tells the admin observer. It runs outside
// the pair lock.
func (r *Router) finish(msg *chat.Message, n int, err error) (int, error) {
	if err != nil {
		r.logger.Warn("route failed",
			zap.String("message_id", msg.ID),
			zap.String("receiver_id", msg.ReceiverID),
			zap.Error(err))
	} else if n > 0 {
		metrics.MessagesRouted.WithLabelValues("pushed").Inc()
	} else {
		metrics.MessagesRouted.WithLabelValues("offline").Inc()
	}

	if r.observer != nil && r.adminID != "" && msg.ReceiverID == r.adminID {
		r.observer(msg)
	}

	if err != nil {
		return 0, fmt.Errorf("delivery: route %s: %w", msg.ID, err)
	}
	r.logger.Debug("message routed",
		zap.String("message_id", msg.ID),
		zap.String("receiver_id", msg.ReceiverID),
		zap.Int("sessions", n))
	return n, nil
}

// PushToUser writes data to every live session of userID.
func (r *Router) PushToUser(ctx context.Context, userID string, data []byte) (int, error) {
	start := time.Now()
	sessions, err := r.registry.SessionsFor(ctx, userID)
	if err != nil {
		return 0, err
	}
	if len(sessions) == 0 {
		return 0, nil
	}
	n := r.pusher.SendTo(sessions, data)
	metrics.PushLatency.Observe(time.Since(start).Seconds())
	return n, nil
}

func pairStripe(senderID, receiverID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(senderID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(receiverID))
	return h.Sum32() % pairStripes
}
