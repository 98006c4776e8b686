package ws

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/whisper/dm-chat/internal/protocol"
)

// pipeConn returns a Connection backed by one end of an in-memory pipe and
// the client end to read server frames from.
func pipeConn(t *testing.T) (*Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return &Connection{ID: "s-1", UserID: "alice", Conn: server, Fd: -1, CreatedAt: time.Now()}, client
}

// dispatchAndRead runs Dispatch in the background and returns the first
// frame written back, or "" when nothing arrives within the timeout.
func dispatchAndRead(t *testing.T, d *MessageDispatcher, conn *Connection, client net.Conn, frame string) string {
	t.Helper()
	go d.Dispatch(conn, []byte(frame))

	client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	data, err := wsutil.ReadServerText(client)
	if err != nil {
		return ""
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode frame %s: %v", data, err)
	}
	return env.Type
}

func TestDispatch_PingAnsweredWithPong(t *testing.T) {
	d := NewMessageDispatcher(zap.NewNop())
	conn, client := pipeConn(t)
	before := time.Now()

	if got := dispatchAndRead(t, d, conn, client, `{"type":"ping"}`); got != protocol.TypePong {
		t.Fatalf("reply type = %q, want %q", got, protocol.TypePong)
	}
	if conn.LastActive().Before(before) {
		t.Error("ping did not touch the connection")
	}
}

func TestDispatch_UnknownTypeGetsError(t *testing.T) {
	d := NewMessageDispatcher(zap.NewNop())
	conn, client := pipeConn(t)

	if got := dispatchAndRead(t, d, conn, client, `{"type":"newMessage","data":{}}`); got != protocol.TypeError {
		t.Fatalf("reply type = %q, want %q", got, protocol.TypeError)
	}
}

func TestDispatch_MalformedDropped(t *testing.T) {
	d := NewMessageDispatcher(zap.NewNop())
	conn, client := pipeConn(t)

	for _, frame := range []string{
		`not json`,
		`{"type":"typing","data":{"isTyping":true}}`,
		`{"data":{}}`,
	} {
		if got := dispatchAndRead(t, d, conn, client, frame); got != "" {
			t.Errorf("frame %s: got reply %q, want none", frame, got)
		}
	}
}

func TestDispatch_TypingReachesHandler(t *testing.T) {
	d := NewMessageDispatcher(zap.NewNop())
	conn, _ := pipeConn(t)

	got := make(chan protocol.TypingMsg, 1)
	d.Register(protocol.TypeTyping, func(c *Connection, msg interface{}) {
		if c != conn {
			t.Errorf("handler got connection %s", c.ID)
		}
		got <- msg.(protocol.TypingMsg)
	})

	d.Dispatch(conn, []byte(`{"type":"typing","data":{"toUserId":"bob","isTyping":true}}`))

	select {
	case msg := <-got:
		if msg.ToUserID != "bob" || !msg.IsTyping {
			t.Errorf("handler got %+v", msg)
		}
	default:
		t.Fatal("typing handler was not called")
	}
}
