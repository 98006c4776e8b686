package fanout

import (
	"context"
	"sort"
	"sync"
	"testing"

	"go.uber.org/zap"
)

// memTransport is an in-process stand-in for NATS shared by several buses.
type memTransport struct {
	mu        sync.Mutex
	nodeSubs  map[string][]func([]byte)
	broadSubs []func([]byte)
}

func newMemTransport() *memTransport {
	return &memTransport{nodeSubs: make(map[string][]func([]byte))}
}

func (m *memTransport) PublishToNode(node string, data []byte) error {
	m.mu.Lock()
	subs := append([]func([]byte){}, m.nodeSubs[node]...)
	m.mu.Unlock()
	for _, h := range subs {
		h(data)
	}
	return nil
}

func (m *memTransport) PublishBroadcast(data []byte) error {
	m.mu.Lock()
	subs := append([]func([]byte){}, m.broadSubs...)
	m.mu.Unlock()
	for _, h := range subs {
		h(data)
	}
	return nil
}

func (m *memTransport) SubscribeNode(node string, h func([]byte)) error {
	m.mu.Lock()
	m.nodeSubs[node] = append(m.nodeSubs[node], h)
	m.mu.Unlock()
	return nil
}

func (m *memTransport) SubscribeBroadcast(h func([]byte)) error {
	m.mu.Lock()
	m.broadSubs = append(m.broadSubs, h)
	m.mu.Unlock()
	return nil
}

type fakeLocal struct {
	mu        sync.Mutex
	sessions  map[string]bool
	received  map[string][]string
	broadcast []string
}

func newFakeLocal(ids ...string) *fakeLocal {
	l := &fakeLocal{sessions: make(map[string]bool), received: make(map[string][]string)}
	for _, id := range ids {
		l.sessions[id] = true
	}
	return l
}

func (l *fakeLocal) Broadcast(data []byte) {
	l.mu.Lock()
	l.broadcast = append(l.broadcast, string(data))
	l.mu.Unlock()
}

func (l *fakeLocal) SendTo(ids []string, data []byte) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, id := range ids {
		if l.sessions[id] {
			l.received[id] = append(l.received[id], string(data))
			n++
		}
	}
	return n
}

func (l *fakeLocal) Has(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessions[id]
}

type mapLocator map[string]string

func (m mapLocator) NodeOf(_ context.Context, sid string) (string, error) {
	return m[sid], nil
}

func newCluster(t *testing.T) (*Bus, *Bus, *fakeLocal, *fakeLocal) {
	t.Helper()
	tr := newMemTransport()
	loc := mapLocator{"a1": "node-a", "b1": "node-b", "b2": "node-b"}
	localA := newFakeLocal("a1")
	localB := newFakeLocal("b1", "b2")
	busA := NewBus("node-a", localA, loc, tr, zap.NewNop())
	busB := NewBus("node-b", localB, loc, tr, zap.NewNop())
	if err := busA.Start(); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := busB.Start(); err != nil {
		t.Fatalf("start b: %v", err)
	}
	return busA, busB, localA, localB
}

func TestBus_SendToRemoteSessions(t *testing.T) {
	busA, _, localA, localB := newCluster(t)

	n := busA.SendTo([]string{"a1", "b1", "b2", "gone"}, []byte(`{"type":"newMessage"}`))
	if n != 3 {
		t.Fatalf("expected 3 sessions reached, got %d", n)
	}
	if len(localA.received["a1"]) != 1 {
		t.Error("expected local delivery to a1")
	}

	var got []string
	for id := range localB.received {
		got = append(got, id)
	}
	sort.Strings(got)
	if len(got) != 2 || got[0] != "b1" || got[1] != "b2" {
		t.Errorf("expected remote delivery to b1 and b2, got %v", got)
	}
	if localB.received["b1"][0] != `{"type":"newMessage"}` {
		t.Errorf("frame altered in transit: %s", localB.received["b1"][0])
	}
}

func TestBus_BroadcastReachesOtherNodesOnce(t *testing.T) {
	busA, _, localA, localB := newCluster(t)

	busA.Broadcast([]byte(`{"type":"getOnlineUsers","data":[]}`))

	if len(localA.broadcast) != 1 {
		t.Errorf("origin node should broadcast locally exactly once, got %d", len(localA.broadcast))
	}
	if len(localB.broadcast) != 1 {
		t.Errorf("remote node should broadcast exactly once, got %d", len(localB.broadcast))
	}
}
