package session

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
)

func TestMemoryRegistry_AdmitRemove(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()

	tr, _ := r.Admit(ctx, Session{ID: "s1", UserID: "alice"})
	if !tr.WentOnline() || tr.Sessions != 1 {
		t.Fatalf("first admit should go online, got %+v", tr)
	}

	tr, _ = r.Admit(ctx, Session{ID: "s2", UserID: "alice"})
	if tr.WentOnline() || !tr.Applied || tr.Sessions != 2 {
		t.Fatalf("second admit should not cross the boundary, got %+v", tr)
	}

	ids, _ := r.SessionsFor(ctx, "alice")
	if len(ids) != 2 || ids[0] != "s1" || ids[1] != "s2" {
		t.Fatalf("expected [s1 s2], got %v", ids)
	}

	tr, _ = r.Remove(ctx, "s1")
	if tr.WentOffline() || tr.Sessions != 1 || tr.UserID != "alice" {
		t.Fatalf("removing one of two sessions should stay online, got %+v", tr)
	}
	if online, _ := r.IsOnline(ctx, "alice"); !online {
		t.Fatal("alice should still be online")
	}

	tr, _ = r.Remove(ctx, "s2")
	if !tr.WentOffline() {
		t.Fatalf("removing last session should go offline, got %+v", tr)
	}
	if online, _ := r.IsOnline(ctx, "alice"); online {
		t.Fatal("alice should be offline")
	}
	if ids, _ := r.SessionsFor(ctx, "alice"); len(ids) != 0 {
		t.Fatalf("expected no sessions, got %v", ids)
	}
}

func TestMemoryRegistry_AdmitIdempotent(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()

	r.Admit(ctx, Session{ID: "s1", UserID: "alice"})
	tr, _ := r.Admit(ctx, Session{ID: "s1", UserID: "alice"})
	if tr.Applied || tr.Changed {
		t.Fatalf("duplicate admit must be a no-op, got %+v", tr)
	}
	if n, _ := r.Count(ctx); n != 1 {
		t.Fatalf("expected 1 session, got %d", n)
	}

	// A reused id cannot move to another user.
	tr, _ = r.Admit(ctx, Session{ID: "s1", UserID: "bob"})
	if tr.Applied || tr.UserID != "alice" {
		t.Fatalf("expected no-op reporting the owner, got %+v", tr)
	}
	if online, _ := r.IsOnline(ctx, "bob"); online {
		t.Fatal("bob must not become online through a reused id")
	}
}

func TestMemoryRegistry_RemoveUnknownIsNoop(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()

	tr, err := r.Remove(ctx, "ghost")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Applied || tr.Changed {
		t.Fatalf("expected no-op, got %+v", tr)
	}

	r.Admit(ctx, Session{ID: "s1", UserID: "alice"})
	r.Remove(ctx, "s1")
	tr, _ = r.Remove(ctx, "s1")
	if tr.Applied {
		t.Fatalf("double remove must be a no-op, got %+v", tr)
	}
}

func TestMemoryRegistry_OnlineUsersSorted(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()
	for i, uid := range []string{"carol", "alice", "bob"} {
		r.Admit(ctx, Session{ID: fmt.Sprintf("s%d", i), UserID: uid})
	}

	users, _ := r.OnlineUsers(ctx)
	want := []string{"alice", "bob", "carol"}
	if len(users) != len(want) {
		t.Fatalf("expected %v, got %v", want, users)
	}
	for i := range want {
		if users[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, users)
		}
	}
}

// For any sequence of admits and removes, a user is online iff admits minus
// removes applied so far is positive.
func TestMemoryRegistry_OnlineMatchesCount(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()
	rng := rand.New(rand.NewSource(42))

	users := []string{"u1", "u2", "u3"}
	live := map[string]string{} // session -> user
	counts := map[string]int{}
	next := 0

	for step := 0; step < 2000; step++ {
		if rng.Intn(2) == 0 || len(live) == 0 {
			uid := users[rng.Intn(len(users))]
			sid := fmt.Sprintf("s%d", next)
			next++
			tr, _ := r.Admit(ctx, Session{ID: sid, UserID: uid})
			if tr.WentOnline() != (counts[uid] == 0) {
				t.Fatalf("step %d: wrong online transition for %s: %+v", step, uid, tr)
			}
			live[sid] = uid
			counts[uid]++
		} else {
			var sid string
			for s := range live {
				sid = s
				break
			}
			uid := live[sid]
			tr, _ := r.Remove(ctx, sid)
			delete(live, sid)
			counts[uid]--
			if tr.WentOffline() != (counts[uid] == 0) {
				t.Fatalf("step %d: wrong offline transition for %s: %+v", step, uid, tr)
			}
		}

		for _, uid := range users {
			online, _ := r.IsOnline(ctx, uid)
			if online != (counts[uid] > 0) {
				t.Fatalf("step %d: IsOnline(%s)=%v but count=%d", step, uid, online, counts[uid])
			}
		}
	}
}

func TestMemoryRegistry_Concurrent(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wentOnline := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr, _ := r.Admit(ctx, Session{ID: fmt.Sprintf("s%d", i), UserID: "shared"})
			if tr.WentOnline() {
				mu.Lock()
				wentOnline++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wentOnline != 1 {
		t.Fatalf("exactly one admit should report going online, got %d", wentOnline)
	}
	if ids, _ := r.SessionsFor(ctx, "shared"); len(ids) != 50 {
		t.Fatalf("expected 50 sessions, got %d", len(ids))
	}
}
