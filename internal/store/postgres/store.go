// Package postgres is the Postgres implementation of store.Store, built on
// database/sql with the lib/pq driver. The schema is managed by embedded
// golang-migrate migrations.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // migrate driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/parley/chat-app/internal/store"
	"github.com/parley/chat-app/internal/store/postgres/migrations"
)

// Postgres error codes mapped to store errors.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// Store persists users and messages in Postgres.
type Store struct {
	db *sql.DB
}

// Open connects to databaseURL, applies pending migrations and returns a
// ready Store.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("postgres: database url is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	if err := Migrate(databaseURL); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Migrate applies every pending up migration. It uses its own connection,
// which is closed before returning.
func Migrate(databaseURL string) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("postgres: load migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return fmt.Errorf("postgres: init migrate: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("postgres: migrate up: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateUser implements store.Store.
func (s *Store) CreateUser(ctx context.Context, u store.User) (store.User, error) {
	u.ID = uuid.New().String()
	u.CreatedAt = store.NormalizeTimestamp(time.Time{})

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, email, password_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Username, u.Email, u.PasswordHash, u.CreatedAt,
	)
	if err != nil {
		return store.User{}, mapError(err, "create user")
	}
	return u, nil
}

// UserByID implements store.Store.
func (s *Store) UserByID(ctx context.Context, id string) (store.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, email, password_hash, created_at FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// UserByUsername implements store.Store.
func (s *Store) UserByUsername(ctx context.Context, username string) (store.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, email, password_hash, created_at FROM users WHERE lower(username) = lower($1)`,
		username)
	return scanUser(row)
}

// ListUsers implements store.Store.
func (s *Store) ListUsers(ctx context.Context) ([]store.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, email, password_hash, created_at FROM users ORDER BY lower(username), id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list users: %w", err)
	}
	defer rows.Close()

	users := []store.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list users: %w", err)
	}
	return users, nil
}

// SaveMessage implements store.Store. An unknown sender or receiver yields
// store.ErrNotFound.
func (s *Store) SaveMessage(ctx context.Context, m store.Message) (store.Message, error) {
	m.ID = uuid.New().String()
	m.Timestamp = store.NormalizeTimestamp(m.Timestamp)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, sender_id, receiver_id, content, sent_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.Sender, m.Receiver, m.Content, m.Timestamp,
	)
	if err != nil {
		return store.Message{}, mapError(err, "save message")
	}
	return m, nil
}

// Conversation implements store.Store.
func (s *Store) Conversation(ctx context.Context, a, b string, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = store.DefaultConversationLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sender_id, receiver_id, content, sent_at FROM (
		   SELECT id, sender_id, receiver_id, content, sent_at
		     FROM messages
		    WHERE (sender_id = $1 AND receiver_id = $2)
		       OR (sender_id = $2 AND receiver_id = $1)
		    ORDER BY sent_at DESC, id DESC
		    LIMIT $3
		 ) recent
		 ORDER BY sent_at ASC, id ASC`,
		a, b, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: conversation: %w", err)
	}
	defer rows.Close()

	msgs := []store.Message{}
	for rows.Next() {
		var m store.Message
		if err := rows.Scan(&m.ID, &m.Sender, &m.Receiver, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		m.Timestamp = m.Timestamp.UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: conversation: %w", err)
	}
	return msgs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (store.User, error) {
	var u store.User
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.User{}, store.ErrNotFound
		}
		return store.User{}, fmt.Errorf("postgres: scan user: %w", err)
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

// mapError translates constraint violations into store errors.
func mapError(err error, op string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case codeUniqueViolation:
			if strings.Contains(pqErr.Constraint, "email") {
				return store.ErrEmailTaken
			}
			return store.ErrUsernameTaken
		case codeForeignKeyViolation:
			return store.ErrNotFound
		}
	}
	return fmt.Errorf("postgres: %s: %w", op, err)
}

var _ store.Store = (*Store)(nil)
