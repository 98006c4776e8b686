package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/whisper/dm-chat/internal/chat"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *Postgres) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock, NewPostgres(db)
}

var userColumns = []string{"id", "full_name", "email", "profile_pic", "last_seen", "created_at"}

func TestPostgres_GetUser(t *testing.T) {
	created := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	seen := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		setupMock func(sqlmock.Sqlmock)
		wantErr   error
		wantSeen  bool
	}{
		{
			name: "found with lastSeen",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT id, full_name, email, profile_pic, last_seen, created_at FROM users").
					WithArgs("u-1").
					WillReturnRows(sqlmock.NewRows(userColumns).
						AddRow("u-1", "Alice", "alice@example.com", "", seen, created))
			},
			wantSeen: true,
		},
		{
			name: "found online",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT id, full_name").
					WithArgs("u-1").
					WillReturnRows(sqlmock.NewRows(userColumns).
						AddRow("u-1", "Alice", "alice@example.com", "", nil, created))
			},
		},
		{
			name: "not found",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT id, full_name").
					WithArgs("u-1").
					WillReturnRows(sqlmock.NewRows(userColumns))
			},
			wantErr: ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, mock, s := setupMockDB(t)
			tt.setupMock(mock)

			u, err := s.GetUser(context.Background(), "u-1")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetUser: %v", err)
			}
			if u.FullName != "Alice" {
				t.Errorf("unexpected user %+v", u)
			}
			if (u.LastSeen != nil) != tt.wantSeen {
				t.Errorf("lastSeen presence = %v, want %v", u.LastSeen != nil, tt.wantSeen)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}

func TestPostgres_UpdateLastSeen(t *testing.T) {
	at := time.Date(2026, 2, 2, 2, 2, 2, 0, time.UTC)

	t.Run("set", func(t *testing.T) {
		_, mock, s := setupMockDB(t)
		mock.ExpectExec("UPDATE users SET last_seen").
			WithArgs("u-1", at).
			WillReturnResult(sqlmock.NewResult(0, 1))
		if err := s.UpdateLastSeen(context.Background(), "u-1", &at); err != nil {
			t.Fatalf("UpdateLastSeen: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})

	t.Run("clear", func(t *testing.T) {
		_, mock, s := setupMockDB(t)
		mock.ExpectExec("UPDATE users SET last_seen").
			WithArgs("u-1", nil).
			WillReturnResult(sqlmock.NewResult(0, 1))
		if err := s.UpdateLastSeen(context.Background(), "u-1", nil); err != nil {
			t.Fatalf("UpdateLastSeen: %v", err)
		}
	})

	t.Run("unknown user", func(t *testing.T) {
		_, mock, s := setupMockDB(t)
		mock.ExpectExec("UPDATE users SET last_seen").
			WillReturnResult(sqlmock.NewResult(0, 0))
		if err := s.UpdateLastSeen(context.Background(), "ghost", &at); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestPostgres_CreateMessage(t *testing.T) {
	_, mock, s := setupMockDB(t)

	msg := &chat.Message{
		SenderID:   "u-1",
		ReceiverID: "u-2",
		Text:       "hi",
		ReplyTo:    &chat.ReplyTo{MessageID: "m-0", Text: "earlier", SenderID: "u-2"},
	}
	mock.ExpectExec("INSERT INTO messages").
		WithArgs(
			sqlmock.AnyArg(), // id
			"u-1",
			"u-2",
			"hi",
			"",
			sql.NullString{String: "m-0", Valid: true},
			sql.NullString{String: "earlier", Valid: true},
			sql.NullString{String: "u-2", Valid: true},
			sqlmock.AnyArg(), // created_at
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := s.CreateMessage(context.Background(), msg); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if msg.ID == "" || msg.CreatedAt.IsZero() {
		t.Errorf("expected id and createdAt to be assigned, got %+v", msg)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgres_CreateMessage_Error(t *testing.T) {
	_, mock, s := setupMockDB(t)
	mock.ExpectExec("INSERT INTO messages").WillReturnError(errors.New("connection reset"))

	err := s.CreateMessage(context.Background(), &chat.Message{SenderID: "a", ReceiverID: "b", Text: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestPostgres_Conversation(t *testing.T) {
	_, mock, s := setupMockDB(t)
	t1 := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)

	cols := []string{"id", "sender_id", "receiver_id", "text", "image",
		"reply_message_id", "reply_text", "reply_sender_id", "created_at", "seen_at"}
	mock.ExpectQuery("SELECT (.+) FROM messages WHERE").
		WithArgs("u-1", "u-2").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("m-1", "u-1", "u-2", "hello", "", nil, nil, nil, t1, t2).
			AddRow("m-2", "u-2", "u-1", "hey", "", "m-1", "hello", "u-1", t2, nil))

	msgs, err := s.Conversation(context.Background(), "u-1", "u-2")
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].SeenAt == nil || msgs[0].ReplyTo != nil {
		t.Errorf("unexpected first message %+v", msgs[0])
	}
	if msgs[1].SeenAt != nil || msgs[1].ReplyTo == nil || msgs[1].ReplyTo.MessageID != "m-1" {
		t.Errorf("unexpected second message %+v", msgs[1])
	}
}

func TestPostgres_ChatPartners(t *testing.T) {
	_, mock, s := setupMockDB(t)
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	last := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	cols := append(append([]string{}, userColumns...), "text", "image", "created_at")
	mock.ExpectQuery("SELECT (.+) FROM \\(").
		WithArgs("u-1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("u-3", "Carol", "carol@example.com", "", nil, created, "", "https://img/x.png", last).
			AddRow("u-2", "Bob", "bob@example.com", "", nil, created, "yo", "", last.Add(-time.Hour)))

	partners, err := s.ChatPartners(context.Background(), "u-1")
	if err != nil {
		t.Fatalf("ChatPartners: %v", err)
	}
	if len(partners) != 2 || partners[0].ID != "u-3" {
		t.Fatalf("unexpected partners %+v", partners)
	}
	if lm := partners[0].LastMessage; lm == nil || lm.Image == nil || *lm.Image != "https://img/x.png" {
		t.Errorf("expected image last message, got %+v", lm)
	}
	if lm := partners[1].LastMessage; lm == nil || lm.Image != nil || lm.Text != "yo" {
		t.Errorf("expected text last message, got %+v", lm)
	}
}

func TestPostgres_MarkSeen(t *testing.T) {
	at := time.Date(2026, 3, 3, 3, 3, 3, 0, time.UTC)

	tests := []struct {
		name    string
		result  driverResult
		wantN   int64
		wantErr bool
	}{
		{name: "updates unseen", result: driverResult{rows: 4}, wantN: 4},
		{name: "nothing unseen", result: driverResult{rows: 0}, wantN: 0},
		{name: "write fails", result: driverResult{err: errors.New("deadlock")}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, mock, s := setupMockDB(t)
			exp := mock.ExpectExec("UPDATE messages SET seen_at").WithArgs("peer", "viewer", at)
			if tt.result.err != nil {
				exp.WillReturnError(tt.result.err)
			} else {
				exp.WillReturnResult(sqlmock.NewResult(0, tt.result.rows))
			}

			n, err := s.MarkSeen(context.Background(), "peer", "viewer", at)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if n != tt.wantN {
				t.Errorf("expected %d updated, got %d", tt.wantN, n)
			}
		})
	}
}

type driverResult struct {
	rows int64
	err  error
}
