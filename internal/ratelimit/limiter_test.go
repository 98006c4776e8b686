package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		iter := client.Scan(ctx, 0, "rl:test:*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewLimiter(client, zap.NewNop())
}

func TestNilLimiterAllows(t *testing.T) {
	var l *Limiter
	ok, err := l.Allow(context.Background(), "1.2.3.4", RuleConnect)
	if !ok || err != nil {
		t.Fatalf("nil limiter should allow, got ok=%v err=%v", ok, err)
	}
	n, _ := l.Remaining(context.Background(), "1.2.3.4", RuleConnect)
	if n != RuleConnect.Limit {
		t.Errorf("expected full limit, got %d", n)
	}
}

func TestAllow_BlocksAfterLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: 5 * time.Second}

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "ip", rule)
		if err != nil || !ok {
			t.Fatalf("request %d should pass: ok=%v err=%v", i+1, ok, err)
		}
	}
	ok, _ := l.Allow(ctx, "ip", rule)
	if ok {
		t.Fatal("4th request should be limited")
	}
	if n, _ := l.Remaining(ctx, "ip", rule); n != 0 {
		t.Errorf("expected 0 remaining, got %d", n)
	}
	if n, _ := l.Remaining(ctx, "other", rule); n != 3 {
		t.Errorf("expected full limit for fresh identifier, got %d", n)
	}
}
