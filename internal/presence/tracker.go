// Package presence derives online/offline state and last-seen timestamps from
// connection registry transitions, broadcasts the resulting presence events
// and relays the ephemeral typing signal.
package presence

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/dm-chat/internal/chat"
	"github.com/whisper/dm-chat/internal/metrics"
	"github.com/whisper/dm-chat/internal/protocol"
	"github.com/whisper/dm-chat/internal/session"
)

// Pusher writes encoded frames to live sessions.
type Pusher interface {
	// Broadcast writes data to every live session.
	Broadcast(data []byte)
	// SendTo writes data to the given sessions and returns how many were
	// reached.
	SendTo(sessionIDs []string, data []byte) int
}

// UserStore is the slice of the user store the tracker needs. A nil at
// clears the stored lastSeen.
type UserStore interface {
	UpdateLastSeen(ctx context.Context, userID string, at *time.Time) error
	GetUser(ctx context.Context, userID string) (*chat.User, error)
}

// Status is the presence of one user as reported to HTTP clients.
type Status struct {
	UserID   string     `json:"userId"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen"`
}

const persistStripes = 64

// Tracker owns the online set broadcasts and the lastSeen map.
//
// mu is held across a registry mutation and the broadcasts derived from it,
// so clients never observe getOnlineUsers out of order with the delta that
// caused it. It is never held across a store call.
type Tracker struct {
	registry session.Registry
	pusher   Pusher
	users    UserStore
	logger   *zap.Logger

	now            func() time.Time
	persistTimeout time.Duration

	mu sync.Mutex

	// lastSeen holds values not yet written to the user store; once a write
	// lands the store is authoritative and the entry is dropped. gen records
	// the transition that owns each pending write, numbered from seq so a
	// value is never reused.
	lsMu     sync.RWMutex
	lastSeen map[string]time.Time
	gen      map[string]uint64
	seq      uint64

	persistMu [persistStripes]sync.Mutex
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithPersistTimeout bounds each lastSeen write.
func WithPersistTimeout(d time.Duration) Option {
	return func(t *Tracker) { t.persistTimeout = d }
}

// NewTracker creates a Tracker. users may be nil, in which case lastSeen is
// kept in memory only.
func NewTracker(registry session.Registry, pusher Pusher, users UserStore, logger *zap.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		registry:       registry,
		pusher:         pusher,
		users:          users,
		logger:         logger.Named("presence"),
		now:            time.Now,
		persistTimeout: 5 * time.Second,
		lastSeen:       make(map[string]time.Time),
		gen:            make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect admits an authenticated session. On the user's first session it
// clears lastSeen and broadcasts user:online; every applied admit is followed
// by a getOnlineUsers refresh.
func (t *Tracker) Connect(ctx context.Context, s session.Session) (session.Transition, error) {
	t.mu.Lock()
	tr, err := t.registry.Admit(ctx, s)
	if err != nil {
		t.mu.Unlock()
		return tr, err
	}
	if !tr.Applied {
		t.mu.Unlock()
		t.logger.Debug("duplicate admit ignored", zap.String("session_id", s.ID))
		return tr, nil
	}

	var gen uint64
	if tr.WentOnline() {
		gen = t.clearLastSeen(tr.UserID)
		t.broadcast(protocol.TypeUserOnline, func() ([]byte, error) {
			return protocol.UserOnline(tr.UserID)
		})
	}
	t.broadcastOnlineUsers(ctx)
	t.mu.Unlock()

	t.logger.Info("session admitted",
		zap.String("user_id", tr.UserID),
		zap.String("session_id", s.ID),
		zap.Int("sessions", tr.Sessions))

	if tr.WentOnline() {
		t.persist(ctx, tr.UserID, nil, gen)
	}
	return tr, nil
}

// Disconnect removes a session. On the user's last session it records
// lastSeen, broadcasts user:offline with that exact value and then persists
// it. Unknown session ids are a no-op.
func (t *Tracker) Disconnect(ctx context.Context, sessionID string) (session.Transition, error) {
	t.mu.Lock()
	tr, err := t.registry.Remove(ctx, sessionID)
	if err != nil {
		t.mu.Unlock()
		return tr, err
	}
	if !tr.Applied {
		t.mu.Unlock()
		return tr, nil
	}

	var (
		at  time.Time
		gen uint64
	)
	if tr.WentOffline() {
		at = t.now().UTC()
		gen = t.setLastSeen(tr.UserID, at)
		t.broadcast(protocol.TypeUserOffline, func() ([]byte, error) {
			return protocol.UserOffline(tr.UserID, at)
		})
	}
	t.broadcastOnlineUsers(ctx)
	t.mu.Unlock()

	t.logger.Info("session removed",
		zap.String("user_id", tr.UserID),
		zap.String("session_id", sessionID),
		zap.Int("sessions", tr.Sessions))

	if tr.WentOffline() {
		t.persist(ctx, tr.UserID, &at, gen)
	}
	return tr, nil
}

// Typing relays a typing indicator to the recipient's sessions. Empty or
// self-addressed recipients and offline recipients drop the signal.
func (t *Tracker) Typing(ctx context.Context, fromUserID, toUserID string, isTyping bool) {
	if toUserID == "" || toUserID == fromUserID {
		return
	}
	sessions, err := t.registry.SessionsFor(ctx, toUserID)
	if err != nil {
		t.logger.Warn("typing lookup failed", zap.String("to_user_id", toUserID), zap.Error(err))
		return
	}
	if len(sessions) == 0 {
		return
	}

	data, err := protocol.NewServerMessage(protocol.TypeTyping, protocol.ServerTypingMsg{
		FromUserID: fromUserID,
		IsTyping:   isTyping,
	})
	if err != nil {
		t.logger.Error("build typing frame", zap.Error(err))
		return
	}
	t.pusher.SendTo(sessions, data)
	metrics.PresenceEvents.WithLabelValues(protocol.TypeTyping).Inc()
}

// OnlineUsers returns the sorted online set.
func (t *Tracker) OnlineUsers(ctx context.Context) ([]string, error) {
	return t.registry.OnlineUsers(ctx)
}

// LastSeen returns the user's lastSeen. It is nil while the user is online.
func (t *Tracker) LastSeen(ctx context.Context, userID string) (*time.Time, error) {
	st, err := t.Status(ctx, userID)
	if err != nil {
		return nil, err
	}
	return st.LastSeen, nil
}

// Status reports whether the user is online and, if not, when they were
// last seen.
func (t *Tracker) Status(ctx context.Context, userID string) (Status, error) {
	online, err := t.registry.IsOnline(ctx, userID)
	if err != nil {
		return Status{}, err
	}
	st := Status{UserID: userID, Online: online}
	if online {
		return st, nil
	}

	t.lsMu.RLock()
	pending, ok := t.lastSeen[userID]
	t.lsMu.RUnlock()
	if ok {
		st.LastSeen = &pending
	}
	if t.users == nil {
		return st, nil
	}

	// Another node may have recorded a later offline transition, so the
	// stored value is always consulted and the later of the two wins.
	u, err := t.users.GetUser(ctx, userID)
	if err != nil {
		if ok {
			return st, nil
		}
		return Status{}, err
	}
	if u != nil && u.LastSeen != nil && (st.LastSeen == nil || u.LastSeen.After(*st.LastSeen)) {
		st.LastSeen = u.LastSeen
	}
	return st, nil
}

func (t *Tracker) broadcastOnlineUsers(ctx context.Context) {
	online, err := t.registry.OnlineUsers(ctx)
	if err != nil {
		t.logger.Error("online set lookup failed", zap.Error(err))
		return
	}
	metrics.OnlineUsers.Set(float64(len(online)))
	t.broadcast(protocol.TypeOnlineUsers, func() ([]byte, error) {
		return protocol.OnlineUsers(online)
	})
}

func (t *Tracker) broadcast(event string, build func() ([]byte, error)) {
	data, err := build()
	if err != nil {
		t.logger.Error("build presence frame", zap.String("event", event), zap.Error(err))
		return
	}
	t.pusher.Broadcast(data)
	metrics.PresenceEvents.WithLabelValues(event).Inc()
}

func (t *Tracker) clearLastSeen(userID string) uint64 {
	t.lsMu.Lock()
	defer t.lsMu.Unlock()
	delete(t.lastSeen, userID)
	t.seq++
	t.gen[userID] = t.seq
	return t.seq
}

func (t *Tracker) setLastSeen(userID string, at time.Time) uint64 {
	t.lsMu.Lock()
	defer t.lsMu.Unlock()
	t.lastSeen[userID] = at
	t.seq++
	t.gen[userID] = t.seq
	return t.seq
}

// settle forgets the pending write of transition gen. Without a store the
// lastSeen value is the only record and stays.
func (t *Tracker) settle(userID string, gen uint64) {
	t.lsMu.Lock()
	defer t.lsMu.Unlock()
	if t.gen[userID] != gen {
		return
	}
	delete(t.gen, userID)
	if t.users != nil {
		delete(t.lastSeen, userID)
	}
}

// persist writes lastSeen unless a newer transition for the same user has
// already happened; that transition writes its own value.
func (t *Tracker) persist(ctx context.Context, userID string, at *time.Time, gen uint64) {
	if t.users == nil {
		t.settle(userID, gen)
		return
	}

	mu := &t.persistMu[stripe(userID)]
	mu.Lock()
	defer mu.Unlock()

	t.lsMu.RLock()
	current := t.gen[userID]
	t.lsMu.RUnlock()
	if current != gen {
		return
	}

	// Disconnects triggered by shutdown still persist.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.persistTimeout)
	defer cancel()

	if err := t.users.UpdateLastSeen(pctx, userID, at); err != nil {
		if at != nil {
			metrics.LastSeenPersistFailures.Inc()
		}
		t.logger.Error("persist lastSeen failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	t.settle(userID, gen)
}

func stripe(userID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return h.Sum32() % persistStripes
}
