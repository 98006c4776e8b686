package alert

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/dm-chat/internal/chat"
	"github.com/whisper/dm-chat/internal/metrics"
)

// DefaultQueueSize is the relay's buffer when none is given.
const DefaultQueueSize = 64

// UserLookup resolves the sender's display name.
type UserLookup interface {
	GetUser(ctx context.Context, userID string) (*chat.User, error)
}

// Relay decouples alerting from message delivery. Notify never blocks; Run
// drains the queue into the sink.
type Relay struct {
	queue   chan *chat.Message
	sink    Sink
	users   UserLookup
	logger  *zap.Logger
	timeout time.Duration
}

// NewRelay creates a relay with the given queue size. users may be nil, in
// which case alerts carry the sender id only.
func NewRelay(sink Sink, users UserLookup, queueSize int, logger *zap.Logger) *Relay {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Relay{
		queue:   make(chan *chat.Message, queueSize),
		sink:    sink,
		users:   users,
		logger:  logger.Named("alert"),
		timeout: 10 * time.Second,
	}
}

// Notify enqueues msg. It reports false when the queue is full and the alert
// was dropped.
func (r *Relay) Notify(msg *chat.Message) bool {
	select {
	case r.queue <- msg:
		return true
	default:
		metrics.AlertsTotal.WithLabelValues("dropped").Inc()
		r.logger.Warn("alert queue full, dropping", zap.String("message_id", msg.ID))
		return false
	}
}

// Run delivers queued alerts until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-r.queue:
			r.deliver(ctx, msg)
		}
	}
}

func (r *Relay) deliver(ctx context.Context, msg *chat.Message) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	a := Alert{
		MessageID: msg.ID,
		FromID:    msg.SenderID,
		Text:      msg.Text,
		HasImage:  msg.Image != "",
		At:        msg.CreatedAt,
	}
	if r.users != nil {
		if u, err := r.users.GetUser(ctx, msg.SenderID); err == nil && u != nil {
			a.From = u.FullName
		} else if err != nil {
			r.logger.Debug("sender lookup failed", zap.String("sender_id", msg.SenderID), zap.Error(err))
		}
	}

	if err := r.sink.Send(ctx, a); err != nil {
		metrics.AlertsTotal.WithLabelValues("failed").Inc()
		r.logger.Error("alert delivery failed", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	metrics.AlertsTotal.WithLabelValues("sent").Inc()
}
