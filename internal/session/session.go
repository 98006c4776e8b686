// Package session is the connection registry: it maps authenticated users to
// their live transport sessions. A user is online exactly while the registry
// holds at least one session for them. Two backends exist: an in-process map
// for single-node deployments and a Redis-backed registry that lets several
// server nodes share membership.
package session

import (
	"context"
	"time"
)

// Session binds one live transport connection to one user.
type Session struct {
	ID          string    // transport-assigned session id
	UserID      string    // authenticated user
	Node        string    // server instance holding the connection
	ConnectedAt time.Time // when the handshake completed
}

// Transition describes the effect of an Admit or Remove on a user's
// session count.
type Transition struct {
	UserID    string
	SessionID string
	Sessions  int  // user's live sessions after the operation
	Applied   bool // false for duplicate admits and unknown removals
	Changed   bool // the user crossed the online/offline boundary (0->1 or 1->0)
}

// WentOnline reports a 0->1 transition.
func (t Transition) WentOnline() bool {
	return t.Applied && t.Changed && t.Sessions > 0
}

// WentOffline reports a 1->0 transition.
func (t Transition) WentOffline() bool {
	return t.Applied && t.Changed && t.Sessions == 0
}

// Registry tracks live-connection membership. Presence, delivery and receipt
// logic depend only on this contract, never on the storage behind it.
//
// Admit is idempotent per session id. Remove of an unknown session id is a
// no-op that returns a Transition with Applied == false and no error.
type Registry interface {
	Admit(ctx context.Context, s Session) (Transition, error)
	Remove(ctx context.Context, sessionID string) (Transition, error)
	SessionsFor(ctx context.Context, userID string) ([]string, error)
	IsOnline(ctx context.Context, userID string) (bool, error)
	OnlineUsers(ctx context.Context) ([]string, error)
	Count(ctx context.Context) (int, error)
}
