package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/whisper/dm-chat/internal/auth"
	"github.com/whisper/dm-chat/internal/chat"
	"github.com/whisper/dm-chat/internal/delivery"
	"github.com/whisper/dm-chat/internal/presence"
	"github.com/whisper/dm-chat/internal/ratelimit"
	"github.com/whisper/dm-chat/internal/store"
)

type headerGate struct{}

func (headerGate) Authenticate(r *http.Request) (*chat.User, error) {
	id := r.Header.Get("X-Test-User")
	if id == "" {
		return nil, auth.ErrNoToken
	}
	return &chat.User{ID: id, FullName: strings.ToUpper(id)}, nil
}

type fakeStore struct {
	mu        sync.Mutex
	users     map[string]chat.User
	messages  []chat.Message
	createErr error
}

func newFakeStore(ids ...string) *fakeStore {
	s := &fakeStore{users: make(map[string]chat.User)}
	for _, id := range ids {
		s.users[id] = chat.User{ID: id}
	}
	return s
}

func (s *fakeStore) GetUser(_ context.Context, id string) (*chat.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

func (s *fakeStore) ListContacts(_ context.Context, exclude string) ([]chat.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chat.User
	for id, u := range s.users {
		if id != exclude {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *fakeStore) CreateMessage(_ context.Context, msg *chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	msg.ID = "m" + string(rune('0'+len(s.messages)))
	msg.CreatedAt = time.Now().UTC()
	s.messages = append(s.messages, *msg)
	return nil
}

func (s *fakeStore) Conversation(_ context.Context, a, b string) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chat.Message
	for _, m := range s.messages {
		if m.Involves(a) && m.Involves(b) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) ChatPartners(context.Context, string) ([]chat.ChatPartner, error) {
	return nil, nil
}

type recordingRouter struct {
	mu     sync.Mutex
	routed []*chat.Message
	err    error
}

func (r *recordingRouter) Submit(ctx context.Context, msg *chat.Message, persist delivery.PersistFunc) (int, error) {
	if err := persist(ctx, msg); err != nil {
		return 0, fmt.Errorf("%w: %w", delivery.ErrPersist, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routed = append(r.routed, msg)
	return 1, r.err
}

type fakeReceipts struct {
	n   int64
	err error
}

func (f fakeReceipts) MarkSeen(context.Context, string, string) (int64, error) {
	return f.n, f.err
}

type fakePresence map[string]presence.Status

func (f fakePresence) Status(_ context.Context, id string) (presence.Status, error) {
	st, ok := f[id]
	if !ok {
		return presence.Status{}, store.ErrNotFound
	}
	return st, nil
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string, ratelimit.Rule) (bool, error) { return false, nil }

type stubUploader string

func (u stubUploader) Upload(context.Context, string) (string, error) { return string(u), nil }

func newTestEngine(deps Deps) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	if deps.Gate == nil {
		deps.Gate = headerGate{}
	}
	Routes(r, deps)
	return r
}

func do(t *testing.T, r http.Handler, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]json.RawMessage {
	t.Helper()
	var out map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestRoutes_RequireAuth(t *testing.T) {
	r := newTestEngine(Deps{Store: newFakeStore("alice")})

	rec := do(t, r, http.MethodGet, "/api/messages/contacts", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if got := string(decode(t, rec)["message"]); !strings.Contains(got, "No Token Provided") {
		t.Errorf("unexpected message: %s", got)
	}
}

func TestCheckAuth(t *testing.T) {
	r := newTestEngine(Deps{})
	rec := do(t, r, http.MethodGet, "/api/auth/check", "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var u chat.User
	if err := json.Unmarshal(rec.Body.Bytes(), &u); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if u.ID != "alice" {
		t.Errorf("expected alice, got %q", u.ID)
	}
}

func TestGetContacts_ExcludesCaller(t *testing.T) {
	r := newTestEngine(Deps{Store: newFakeStore("alice", "bob")})

	rec := do(t, r, http.MethodGet, "/api/messages/contacts", "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var contacts []chat.User
	if err := json.Unmarshal(decode(t, rec)["contacts"], &contacts); err != nil {
		t.Fatalf("decode contacts: %v", err)
	}
	if len(contacts) != 1 || contacts[0].ID != "bob" {
		t.Errorf("expected only bob, got %+v", contacts)
	}
}

func TestGetChatPartners_EmptyIsArray(t *testing.T) {
	r := newTestEngine(Deps{Store: newFakeStore("alice")})
	rec := do(t, r, http.MethodGet, "/api/messages/chats", "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := string(decode(t, rec)["chats"]); got != "[]" {
		t.Errorf("expected empty array, got %s", got)
	}
}

func TestSendMessage(t *testing.T) {
	tests := []struct {
		name    string
		to      string
		body    interface{}
		deps    func(*Deps)
		status  int
		message string
		routed  int
	}{
		{name: "text", to: "bob", body: sendRequest{Text: "  hi  "}, status: http.StatusCreated, message: "Message sent successfully", routed: 1},
		{name: "image url", to: "bob", body: sendRequest{Image: "https://cdn.example/a.png"}, status: http.StatusCreated, routed: 1},
		{name: "image data without uploader", to: "bob", body: sendRequest{Image: "data:image/png;base64,AAAA"}, status: http.StatusBadRequest},
		{name: "image data with uploader", to: "bob", body: sendRequest{Image: "data:image/png;base64,AAAA"},
			deps: func(d *Deps) { d.Uploader = stubUploader("https://cdn.example/up.png") }, status: http.StatusCreated, routed: 1},
		{name: "empty", to: "bob", body: sendRequest{Text: "   "}, status: http.StatusBadRequest, message: "Message text or image is required"},
		{name: "self", to: "alice", body: sendRequest{Text: "hi"}, status: http.StatusBadRequest, message: "Cannot send message to yourself"},
		{name: "too long", to: "bob", body: sendRequest{Text: strings.Repeat("x", chat.MaxTextChars+1)}, status: http.StatusBadRequest},
		{name: "unknown receiver", to: "carol", body: sendRequest{Text: "hi"}, status: http.StatusNotFound, message: "Receiver not found"},
		{name: "reply without id", to: "bob", body: sendRequest{Text: "hi", ReplyTo: &chat.ReplyTo{Text: "x"}}, status: http.StatusBadRequest},
		{name: "rate limited", to: "bob", body: sendRequest{Text: "hi"}, deps: func(d *Deps) { d.Limiter = denyAll{} }, status: http.StatusTooManyRequests},
		{name: "persistence failure", to: "bob", body: sendRequest{Text: "hi"},
			deps: func(d *Deps) { d.Store.(*fakeStore).createErr = errors.New("db down") }, status: http.StatusInternalServerError},
		{name: "unrepresentable reply id", to: "bob", body: sendRequest{Text: "hi", ReplyTo: &chat.ReplyTo{MessageID: "not-hex"}},
			deps: func(d *Deps) {
				d.Store.(*fakeStore).createErr = fmt.Errorf("store: insert message: reply id: %w", store.ErrInvalidReference)
			}, status: http.StatusBadRequest, message: "Invalid reply message id"},
		{name: "routing failure still created", to: "bob", body: sendRequest{Text: "hi"},
			deps: func(d *Deps) { d.Router.(*recordingRouter).err = errors.New("registry down") }, status: http.StatusCreated, routed: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := &recordingRouter{}
			deps := Deps{Store: newFakeStore("alice", "bob"), Router: router}
			if tt.deps != nil {
				tt.deps(&deps)
			}
			r := newTestEngine(deps)

			rec := do(t, r, http.MethodPost, "/api/messages/send/"+tt.to, "alice", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if tt.message != "" {
				var msg string
				_ = json.Unmarshal(decode(t, rec)["message"], &msg)
				if msg != tt.message {
					t.Errorf("expected message %q, got %q", tt.message, msg)
				}
			}
			if len(router.routed) != tt.routed {
				t.Errorf("expected %d routed messages, got %d", tt.routed, len(router.routed))
			}
		})
	}
}

func TestSendMessage_ResponseCarriesPersistedMessage(t *testing.T) {
	router := &recordingRouter{}
	r := newTestEngine(Deps{Store: newFakeStore("alice", "bob"), Router: router})

	rec := do(t, r, http.MethodPost, "/api/messages/send/bob", "alice", sendRequest{
		Text:    " hello ",
		ReplyTo: &chat.ReplyTo{MessageID: "m9", Text: "earlier", SenderID: "bob"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	var msg chat.Message
	if err := json.Unmarshal(decode(t, rec)["newMessage"], &msg); err != nil {
		t.Fatalf("decode newMessage: %v", err)
	}
	if msg.ID == "" || msg.SenderID != "alice" || msg.ReceiverID != "bob" || msg.Text != "hello" {
		t.Errorf("unexpected message: %+v", msg)
	}
	if msg.ReplyTo == nil || msg.ReplyTo.MessageID != "m9" {
		t.Errorf("reply snippet lost: %+v", msg.ReplyTo)
	}
	if msg.SeenAt != nil {
		t.Error("a new message must not be seen")
	}
	if router.routed[0].ID != msg.ID {
		t.Error("routed message differs from the persisted one")
	}
}

func TestGetMessages(t *testing.T) {
	s := newFakeStore("alice", "bob", "carol")
	_ = s.CreateMessage(context.Background(), &chat.Message{SenderID: "alice", ReceiverID: "bob", Text: "1"})
	_ = s.CreateMessage(context.Background(), &chat.Message{SenderID: "bob", ReceiverID: "alice", Text: "2"})
	_ = s.CreateMessage(context.Background(), &chat.Message{SenderID: "carol", ReceiverID: "alice", Text: "3"})
	r := newTestEngine(Deps{Store: s})

	rec := do(t, r, http.MethodGet, "/api/messages/bob", "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var msgs []chat.Message
	if err := json.Unmarshal(decode(t, rec)["messages"], &msgs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Text != "1" || msgs[1].Text != "2" {
		t.Errorf("unexpected conversation: %+v", msgs)
	}
}

func TestMarkSeen(t *testing.T) {
	tests := []struct {
		name     string
		peer     string
		receipts fakeReceipts
		status   int
		updated  string
	}{
		{name: "updated", peer: "bob", receipts: fakeReceipts{n: 3}, status: http.StatusOK, updated: "3"},
		{name: "nothing unseen", peer: "bob", status: http.StatusOK, updated: "0"},
		{name: "store failure", peer: "bob", receipts: fakeReceipts{err: errors.New("db down")}, status: http.StatusInternalServerError},
		{name: "self", peer: "alice", status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestEngine(Deps{Receipts: tt.receipts})
			rec := do(t, r, http.MethodPut, "/api/messages/seen/"+tt.peer, "alice", nil)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
			if tt.updated != "" {
				if got := string(decode(t, rec)["updated"]); got != tt.updated {
					t.Errorf("expected updated=%s, got %s", tt.updated, got)
				}
			}
		})
	}
}

func TestGetPresence(t *testing.T) {
	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := newTestEngine(Deps{Presence: fakePresence{
		"bob":   {UserID: "bob", Online: false, LastSeen: &seen},
		"carol": {UserID: "carol", Online: true},
	}})

	rec := do(t, r, http.MethodGet, "/api/presence/bob", "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var st presence.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Online || st.LastSeen == nil || !st.LastSeen.Equal(seen) {
		t.Errorf("unexpected status for bob: %+v", st)
	}

	rec = do(t, r, http.MethodGet, "/api/presence/carol", "alice", nil)
	if got := string(decode(t, rec)["lastSeen"]); got != "null" {
		t.Errorf("online user must have null lastSeen, got %s", got)
	}

	rec = do(t, r, http.MethodGet, "/api/presence/dave", "alice", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown user, got %d", rec.Code)
	}
}

func TestNewEngine_CORSPreflight(t *testing.T) {
	r := NewEngine("http://localhost:5173", Deps{Gate: headerGate{}}, nil, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/messages/contacts", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("expected allowed origin header, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("expected credentials allowed, got %q", got)
	}
}
