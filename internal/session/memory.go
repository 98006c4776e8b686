package session

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry is the process-local Registry. State is lost on restart.
type MemoryRegistry struct {
	mu       sync.RWMutex
	sessions map[string]Session             // session_id -> Session
	byUser   map[string]map[string]struct{} // user_id -> set of session_id
}

// NewMemoryRegistry creates an empty MemoryRegistry ready for use.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		sessions: make(map[string]Session),
		byUser:   make(map[string]map[string]struct{}),
	}
}

// Admit registers s. A session id that is already registered is left
// untouched.
func (r *MemoryRegistry) Admit(_ context.Context, s Session) (Transition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[s.ID]; ok {
		return Transition{
			UserID:    existing.UserID,
			SessionID: s.ID,
			Sessions:  len(r.byUser[existing.UserID]),
		}, nil
	}

	r.sessions[s.ID] = s
	set, ok := r.byUser[s.UserID]
	if !ok {
		set = make(map[string]struct{})
		r.byUser[s.UserID] = set
	}
	set[s.ID] = struct{}{}

	return Transition{
		UserID:    s.UserID,
		SessionID: s.ID,
		Sessions:  len(set),
		Applied:   true,
		Changed:   len(set) == 1,
	}, nil
}

// Remove deregisters a session. Unknown ids are a no-op.
func (r *MemoryRegistry) Remove(_ context.Context, sessionID string) (Transition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return Transition{SessionID: sessionID}, nil
	}
	delete(r.sessions, sessionID)

	set := r.byUser[s.UserID]
	delete(set, sessionID)
	remaining := len(set)
	if remaining == 0 {
		delete(r.byUser, s.UserID)
	}

	return Transition{
		UserID:    s.UserID,
		SessionID: sessionID,
		Sessions:  remaining,
		Applied:   true,
		Changed:   remaining == 0,
	}, nil
}

// SessionsFor returns the user's session ids in sorted order, or an empty
// slice.
func (r *MemoryRegistry) SessionsFor(_ context.Context, userID string) ([]string, error) {
	r.mu.RLock()
	set := r.byUser[userID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids, nil
}

// IsOnline reports whether the user has at least one session.
func (r *MemoryRegistry) IsOnline(_ context.Context, userID string) (bool, error) {
	r.mu.RLock()
	n := len(r.byUser[userID])
	r.mu.RUnlock()
	return n > 0, nil
}

// OnlineUsers returns the ids of all users with a session, sorted.
func (r *MemoryRegistry) OnlineUsers(_ context.Context) ([]string, error) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byUser))
	for id := range r.byUser {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids, nil
}

// Count returns the total number of live sessions.
func (r *MemoryRegistry) Count(_ context.Context) (int, error) {
	r.mu.RLock()
	n := len(r.sessions)
	r.mu.RUnlock()
	return n, nil
}

// Get returns the session with the given id.
func (r *MemoryRegistry) Get(sessionID string) (Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	return s, ok
}
