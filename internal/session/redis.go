package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for per-session hashes.
	SessionPrefix = "presence:session:"

	// UserPrefix is the Redis key prefix for the set of a user's session ids.
	UserPrefix = "presence:user:"

	// NodePrefix is the Redis key prefix for the set of session ids held by a
	// server node.
	NodePrefix = "presence:node:"

	// OnlineKey is the set of user ids with at least one session.
	OnlineKey = "presence:online"
)

// RedisRegistry is a Registry shared by all server nodes. Admit and Remove
// run as Lua scripts so that the 0->1 and 1->0 transitions are decided
// atomically even when two nodes mutate the same user concurrently.
type RedisRegistry struct {
	client       *redis.Client
	node         string
	admitScript  *redis.Script
	removeScript *redis.Script
}

// NewRedisRegistry creates a registry for the given server node.
func NewRedisRegistry(client *redis.Client, node string) *RedisRegistry {
	return &RedisRegistry{
		client:       client,
		node:         node,
		admitScript:  redis.NewScript(admitLua),
		removeScript: redis.NewScript(removeLua),
	}
}

// Dial connects to Redis and verifies the connection.
func Dial(addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}
	return client, nil
}

// Node returns the node name this registry admits sessions under.
func (r *RedisRegistry) Node() string {
	return r.node
}

// Admit registers s. Node defaults to the registry's own node.
func (r *RedisRegistry) Admit(ctx context.Context, s Session) (Transition, error) {
	node := s.Node
	if node == "" {
		node = r.node
	}
	connectedAt := s.ConnectedAt
	if connectedAt.IsZero() {
		connectedAt = time.Now()
	}

	keys := []string{SessionPrefix + s.ID, UserPrefix + s.UserID, OnlineKey, NodePrefix + node}
	res, err := r.admitScript.Run(ctx, r.client, keys,
		s.ID, s.UserID, node, connectedAt.UnixMilli()).Slice()
	if err != nil {
		return Transition{}, fmt.Errorf("session: admit %s: %w", s.ID, err)
	}
	applied, count, userID, err := parseScriptResult(res)
	if err != nil {
		return Transition{}, fmt.Errorf("session: admit %s: %w", s.ID, err)
	}

	return Transition{
		UserID:    userID,
		SessionID: s.ID,
		Sessions:  count,
		Applied:   applied,
		Changed:   applied && count == 1,
	}, nil
}

// Remove deregisters a session. Unknown ids are a no-op.
func (r *RedisRegistry) Remove(ctx context.Context, sessionID string) (Transition, error) {
	keys := []string{SessionPrefix + sessionID, OnlineKey}
	res, err := r.removeScript.Run(ctx, r.client, keys, sessionID, UserPrefix, NodePrefix).Slice()
	if err != nil {
		return Transition{}, fmt.Errorf("session: remove %s: %w", sessionID, err)
	}
	applied, count, userID, err := parseScriptResult(res)
	if err != nil {
		return Transition{}, fmt.Errorf("session: remove %s: %w", sessionID, err)
	}
	if !applied {
		return Transition{SessionID: sessionID}, nil
	}

	return Transition{
		UserID:    userID,
		SessionID: sessionID,
		Sessions:  count,
		Applied:   true,
		Changed:   count == 0,
	}, nil
}

// SessionsFor returns the user's session ids in sorted order.
func (r *RedisRegistry) SessionsFor(ctx context.Context, userID string) ([]string, error) {
	ids, err := r.client.SMembers(ctx, UserPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("session: sessions for %s: %w", userID, err)
	}
	sort.Strings(ids)
	return ids, nil
}

// IsOnline reports whether the user has at least one session on any node.
func (r *RedisRegistry) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := r.client.SCard(ctx, UserPrefix+userID).Result()
	if err != nil {
		return false, fmt.Errorf("session: is online %s: %w", userID, err)
	}
	return n > 0, nil
}

// OnlineUsers returns all online user ids, sorted.
func (r *RedisRegistry) OnlineUsers(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, OnlineKey).Result()
	if err != nil {
		return nil, fmt.Errorf("session: online users: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Count returns the number of sessions across all online users.
func (r *RedisRegistry) Count(ctx context.Context) (int, error) {
	users, err := r.client.SMembers(ctx, OnlineKey).Result()
	if err != nil {
		return 0, fmt.Errorf("session: count: %w", err)
	}
	if len(users) == 0 {
		return 0, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(users))
	for i, uid := range users {
		cmds[i] = pipe.SCard(ctx, UserPrefix+uid)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("session: count: %w", err)
	}

	total := 0
	for _, cmd := range cmds {
		total += int(cmd.Val())
	}
	return total, nil
}

// Get retrieves a session hash. Returns nil if not found.
func (r *RedisRegistry) Get(ctx context.Context, sessionID string) (*Session, error) {
	vals, err := r.client.HGetAll(ctx, SessionPrefix+sessionID).Result()
	if err != nil {
		return nil, fmt.Errorf("session: get %s: %w", sessionID, err)
	}
	if len(vals) == 0 {
		return nil, nil
	}

	ms, _ := strconv.ParseInt(vals["connected_at"], 10, 64)
	return &Session{
		ID:          vals["id"],
		UserID:      vals["user_id"],
		Node:        vals["node"],
		ConnectedAt: time.UnixMilli(ms),
	}, nil
}

// NodeOf returns the node holding the session, or "" if the session is
// unknown.
func (r *RedisRegistry) NodeOf(ctx context.Context, sessionID string) (string, error) {
	node, err := r.client.HGet(ctx, SessionPrefix+sessionID, "node").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session: node of %s: %w", sessionID, err)
	}
	return node, nil
}

// SessionsOnNode lists the session ids registered under a node. It is used
// at startup to find sessions orphaned by a crash of that node.
func (r *RedisRegistry) SessionsOnNode(ctx context.Context, node string) ([]string, error) {
	ids, err := r.client.SMembers(ctx, NodePrefix+node).Result()
	if err != nil {
		return nil, fmt.Errorf("session: sessions on %s: %w", node, err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Client returns the underlying Redis client for use by other packages.
func (r *RedisRegistry) Client() *redis.Client {
	return r.client
}

// parseScriptResult decodes the {applied, count, user_id} reply shared by
// both scripts.
func parseScriptResult(res []interface{}) (bool, int, string, error) {
	if len(res) != 3 {
		return false, 0, "", fmt.Errorf("unexpected script reply %v", res)
	}
	applied, ok := res[0].(int64)
	if !ok {
		return false, 0, "", fmt.Errorf("unexpected applied flag %T", res[0])
	}
	count, ok := res[1].(int64)
	if !ok {
		return false, 0, "", fmt.Errorf("unexpected count %T", res[1])
	}
	userID, _ := res[2].(string)
	return applied == 1, int(count), userID, nil
}

// admitLua registers a session unless it already exists and returns
// {applied, user_session_count, user_id}.
const admitLua = `
local skey = KEYS[1]
local ukey = KEYS[2]
local online = KEYS[3]
local nkey = KEYS[4]

local existing = redis.call('HGET', skey, 'user_id')
if existing then
    return {0, 0, existing}
end

redis.call('HSET', skey, 'id', ARGV[1], 'user_id', ARGV[2], 'node', ARGV[3], 'connected_at', ARGV[4])
redis.call('SADD', ukey, ARGV[1])
redis.call('SADD', nkey, ARGV[1])

local n = redis.call('SCARD', ukey)
if n == 1 then
    redis.call('SADD', online, ARGV[2])
end
return {1, n, ARGV[2]}
`

// removeLua deregisters a session and returns
// {applied, remaining_user_sessions, user_id}.
const removeLua = `
local skey = KEYS[1]
local online = KEYS[2]
local sid = ARGV[1]

local uid = redis.call('HGET', skey, 'user_id')
if not uid then
    return {0, 0, ''}
end
local node = redis.call('HGET', skey, 'node')

redis.call('DEL', skey)
local ukey = ARGV[2] .. uid
redis.call('SREM', ukey, sid)
if node then
    redis.call('SREM', ARGV[3] .. node, sid)
end

local n = redis.call('SCARD', ukey)
if n == 0 then
    redis.call('SREM', online, uid)
end
return {1, n, uid}
`
