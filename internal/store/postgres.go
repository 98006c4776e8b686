package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/whisper/dm-chat/internal/chat"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Postgres implements Store on PostgreSQL.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a store backed by the given database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// OpenPostgres opens and pings a PostgreSQL connection pool.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return db, nil
}

// Migrate applies the embedded schema migrations. An up-to-date schema is
// not an error.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migrations source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("store: migrations driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// GetUser returns the public view of a user.
func (p *Postgres) GetUser(ctx context.Context, userID string) (*chat.User, error) {
	const query = `
		SELECT id, full_name, email, profile_pic, last_seen, created_at
		FROM users
		WHERE id = $1`

	u, err := scanUser(p.db.QueryRowContext(ctx, query, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user %s: %w", userID, err)
	}
	return u, nil
}

// ListContacts returns every user except excludeUserID, by name.
func (p *Postgres) ListContacts(ctx context.Context, excludeUserID string) ([]chat.User, error) {
	const query = `
		SELECT id, full_name, email, profile_pic, last_seen, created_at
		FROM users
		WHERE id <> $1
		ORDER BY full_name`

	rows, err := p.db.QueryContext(ctx, query, excludeUserID)
	if err != nil {
		return nil, fmt.Errorf("store: list contacts: %w", err)
	}
	defer rows.Close()

	users := []chat.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list contacts: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list contacts: %w", err)
	}
	return users, nil
}

// UpdateLastSeen sets or clears last_seen.
func (p *Postgres) UpdateLastSeen(ctx context.Context, userID string, at *time.Time) error {
	const query = `UPDATE users SET last_seen = $2, updated_at = NOW() WHERE id = $1`

	var v interface{}
	if at != nil {
		v = at.UTC()
	}
	res, err := p.db.ExecContext(ctx, query, userID, v)
	if err != nil {
		return fmt.Errorf("store: update last seen %s: %w", userID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateMessage inserts msg.
func (p *Postgres) CreateMessage(ctx context.Context, msg *chat.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	var replyID, replyText, replySender sql.NullString
	if msg.ReplyTo != nil {
		replyID = sql.NullString{String: msg.ReplyTo.MessageID, Valid: true}
		replyText = sql.NullString{String: msg.ReplyTo.Text, Valid: msg.ReplyTo.Text != ""}
		replySender = sql.NullString{String: msg.ReplyTo.SenderID, Valid: msg.ReplyTo.SenderID != ""}
	}

	const query = `
		INSERT INTO messages (id, sender_id, receiver_id, text, image,
		                      reply_message_id, reply_text, reply_sender_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := p.db.ExecContext(ctx, query,
		msg.ID,
		msg.SenderID,
		msg.ReceiverID,
		msg.Text,
		msg.Image,
		replyID,
		replyText,
		replySender,
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	return nil
}

// Conversation returns the messages between a and b, oldest first.
func (p *Postgres) Conversation(ctx context.Context, a, b string) ([]chat.Message, error) {
	const query = `
		SELECT id, sender_id, receiver_id, text, image,
		       reply_message_id, reply_text, reply_sender_id, created_at, seen_at
		FROM messages
		WHERE (sender_id = $1 AND receiver_id = $2)
		   OR (sender_id = $2 AND receiver_id = $1)
		ORDER BY created_at, id`

	rows, err := p.db.QueryContext(ctx, query, a, b)
	if err != nil {
		return nil, fmt.Errorf("store: conversation: %w", err)
	}
	defer rows.Close()

	msgs := []chat.Message{}
	for rows.Next() {
		var (
			m                               chat.Message
			replyID, replyText, replySender sql.NullString
			seenAt                          sql.NullTime
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Text, &m.Image,
			&replyID, &replyText, &replySender, &m.CreatedAt, &seenAt); err != nil {
			return nil, fmt.Errorf("store: conversation: %w", err)
		}
		if replyID.Valid {
			m.ReplyTo = &chat.ReplyTo{MessageID: replyID.String, Text: replyText.String, SenderID: replySender.String}
		}
		if seenAt.Valid {
			t := seenAt.Time
			m.SeenAt = &t
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: conversation: %w", err)
	}
	return msgs, nil
}

// ChatPartners returns everyone userID has exchanged messages with, each
// with the latest message between them.
func (p *Postgres) ChatPartners(ctx context.Context, userID string) ([]chat.ChatPartner, error) {
	const query = `
		SELECT u.id, u.full_name, u.email, u.profile_pic, u.last_seen, u.created_at,
		       last.text, last.image, last.created_at
		FROM (
			SELECT DISTINCT ON (partner_id) partner_id, text, image, created_at
			FROM (
				SELECT CASE WHEN sender_id = $1 THEN receiver_id ELSE sender_id END AS partner_id,
				       text, image, created_at
				FROM messages
				WHERE sender_id = $1 OR receiver_id = $1
			) pairs
			ORDER BY partner_id, created_at DESC
		) last
		JOIN users u ON u.id = last.partner_id
		ORDER BY last.created_at DESC`

	rows, err := p.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: chat partners: %w", err)
	}
	defer rows.Close()

	partners := []chat.ChatPartner{}
	for rows.Next() {
		var (
			cp       chat.ChatPartner
			lastSeen sql.NullTime
			last     chat.Message
		)
		if err := rows.Scan(&cp.ID, &cp.FullName, &cp.Email, &cp.ProfilePic, &lastSeen, &cp.CreatedAt,
			&last.Text, &last.Image, &last.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: chat partners: %w", err)
		}
		if lastSeen.Valid {
			t := lastSeen.Time
			cp.LastSeen = &t
		}
		cp.LastMessage = chat.Summarize(&last)
		partners = append(partners, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: chat partners: %w", err)
	}
	return partners, nil
}

// MarkSeen sets seen_at on the unseen messages from senderID to receiverID
// in one statement.
func (p *Postgres) MarkSeen(ctx context.Context, senderID, receiverID string, at time.Time) (int64, error) {
	const query = `
		UPDATE messages
		SET seen_at = $3
		WHERE sender_id = $1 AND receiver_id = $2 AND seen_at IS NULL`

	res, err := p.db.ExecContext(ctx, query, senderID, receiverID, at.UTC())
	if err != nil {
		return 0, fmt.Errorf("store: mark seen: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: mark seen: %w", err)
	}
	return n, nil
}

// Close closes the connection pool.
func (p *Postgres) Close(context.Context) error {
	return p.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*chat.User, error) {
	var (
		u        chat.User
		lastSeen sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.FullName, &u.Email, &u.ProfilePic, &lastSeen, &u.CreatedAt); err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		u.LastSeen = &t
	}
	return &u, nil
}
