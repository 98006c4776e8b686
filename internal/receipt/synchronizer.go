// Package receipt implements read receipts: marking a peer's messages as
// seen and telling the peer's live sessions about it.
package receipt

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/dm-chat/internal/metrics"
	"github.com/whisper/dm-chat/internal/protocol"
)

// SeenStore sets seenAt on every unseen message from senderID to receiverID
// and returns how many messages changed.
type SeenStore interface {
	MarkSeen(ctx context.Context, senderID, receiverID string, at time.Time) (int64, error)
}

// UserPusher writes a frame to all live sessions of a user.
type UserPusher interface {
	PushToUser(ctx context.Context, userID string, data []byte) (int, error)
}

// Synchronizer drives the unseen -> seen transition.
type Synchronizer struct {
	store  SeenStore
	pusher UserPusher
	logger *zap.Logger
	now    func() time.Time
}

// NewSynchronizer creates a Synchronizer.
func NewSynchronizer(store SeenStore, pusher UserPusher, logger *zap.Logger) *Synchronizer {
	return &Synchronizer{
		store:  store,
		pusher: pusher,
		logger: logger.Named("receipt"),
		now:    time.Now,
	}
}

// MarkSeen marks everything peerID sent to viewerID as seen. The write
// completes before messagesSeen{by: viewerID} is pushed to the peer; a failed
// write pushes nothing and returns the error. When nothing was unseen the
// call is a silent no-op.
func (s *Synchronizer) MarkSeen(ctx context.Context, viewerID, peerID string) (int64, error) {
	n, err := s.store.MarkSeen(ctx, peerID, viewerID, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("receipt: mark seen: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	data, err := protocol.NewServerMessage(protocol.TypeMessagesSeen, protocol.MessagesSeenMsg{By: viewerID})
	if err != nil {
		return n, fmt.Errorf("receipt: mark seen: %w", err)
	}
	reached, err := s.pusher.PushToUser(ctx, peerID, data)
	if err != nil {
		// The write is committed; the sender catches up from history.
		s.logger.Warn("push messagesSeen failed", zap.String("peer_id", peerID), zap.Error(err))
		return n, nil
	}
	if reached > 0 {
		metrics.ReceiptsTotal.Inc()
	}

	s.logger.Debug("messages seen",
		zap.String("viewer_id", viewerID),
		zap.String("peer_id", peerID),
		zap.Int64("updated", n),
		zap.Int("sessions", reached))
	return n, nil
}
