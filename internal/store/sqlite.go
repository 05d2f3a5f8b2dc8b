// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/user/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			transport_key TEXT NOT NULL,
			provider_conversation_id TEXT NOT NULL DEFAULT '',
			assigned_at TIMESTAMP,
			closed_at TIMESTAMP,
			state TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE(transport_key)
		);

		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			subject TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			provider_conversation_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_users_subject
			ON users(subject) WHERE subject != '';
		CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email
			ON users(email) WHERE email != '';

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			user_id TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'text',
			text TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS domain_events (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			type TEXT NOT NULL,
			payload BLOB,
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_domain_events_conversation
			ON domain_events(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS conversation_state (
			conversation_id TEXT NOT NULL,
			name TEXT NOT NULL,
			payload BLOB NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (conversation_id, name)
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// CreateConversation inserts a new conversation record.
// Returns ErrDuplicateConversation if the transport key is already in use.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if conv.State == "" {
		conv.State = "pending"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, transport_key, provider_conversation_id, assigned_at, closed_at, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.TransportKey, conv.ProviderConversationID,
		nullableTime(conv.AssignedAt), nullableTime(conv.ClosedAt),
		conv.State, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, transport_key, provider_conversation_id, assigned_at, closed_at, state, created_at, updated_at
		FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// GetConversationByTransportKey retrieves a conversation by its transport key.
func (s *SQLiteStore) GetConversationByTransportKey(ctx context.Context, key string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, transport_key, provider_conversation_id, assigned_at, closed_at, state, created_at, updated_at
		FROM conversations WHERE transport_key = ?`, key)
	return scanConversation(row)
}

// UpdateConversation persists the mutable fields of a conversation.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, conv *Conversation) error {
	conv.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET provider_conversation_id = ?, assigned_at = ?, closed_at = ?, state = ?, updated_at = ?
		WHERE id = ?`,
		conv.ProviderConversationID, nullableTime(conv.AssignedAt), nullableTime(conv.ClosedAt),
		conv.State, conv.UpdatedAt, conv.ID)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetUser retrieves a user by ID.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, subject, name, email, provider_conversation_id, created_at
		FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetOrCreateUserBySubject resolves a user by provider subject, creating the
// record on first sight. Creation races resolve to the existing row.
func (s *SQLiteStore) GetOrCreateUserBySubject(ctx context.Context, subject, name string) (*User, error) {
	return s.getOrCreateUser(ctx, "subject", subject, name)
}

// GetOrCreateUserByEmail resolves a user by email, creating the record on
// first sight.
func (s *SQLiteStore) GetOrCreateUserByEmail(ctx context.Context, email, name string) (*User, error) {
	return s.getOrCreateUser(ctx, "email", email, name)
}

func (s *SQLiteStore) getOrCreateUser(ctx context.Context, column, value, name string) (*User, error) {
	lookup := func() (*User, error) {
		row := s.db.QueryRowContext(ctx, `
			SELECT id, subject, name, email, provider_conversation_id, created_at
			FROM users WHERE `+column+` = ?`, value)
		return scanUser(row)
	}

	user, err := lookup()
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	user = &User{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: time.Now(),
	}
	if column == "subject" {
		user.Subject = value
	} else {
		user.Email = value
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, subject, name, email, provider_conversation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID, user.Subject, user.Name, user.Email, user.ProviderConversationID, user.CreatedAt)
	if err != nil {
		// Another request may have created the user between lookup and insert
		if isUniqueViolation(err) {
			existing, lookupErr := lookup()
			if lookupErr == nil {
				s.logger.Debug("found existing user after race", "user_id", existing.ID)
				return existing, nil
			}
			s.logger.Error("retry lookup failed after duplicate error", "lookup_error", lookupErr)
		}
		return nil, fmt.Errorf("inserting user: %w", err)
	}
	return user, nil
}

// UpdateUser persists the mutable fields of a user.
func (s *SQLiteStore) UpdateUser(ctx context.Context, user *User) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET name = ?, email = ?, provider_conversation_id = ? WHERE id = ?`,
		user.Name, user.Email, user.ProviderConversationID, user.ID)
	if err != nil {
		return fmt.Errorf("updating user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateMessage inserts a message record.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *Message) error {
	if msg.Type == "" {
		msg.Type = MessageTypeText
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, user_id, type, text, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.UserID, msg.Type, msg.Text, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// ListMessages returns messages for a conversation in chronological order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, user_id, type, text, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at ASC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Type, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// SaveDomainEvent persists an emitted integration event.
func (s *SQLiteStore) SaveDomainEvent(ctx context.Context, event *DomainEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO domain_events (id, conversation_id, type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		event.ID, event.ConversationID, event.Type, event.Payload, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting domain event: %w", err)
	}
	return nil
}

// ListDomainEvents returns domain events for a conversation in chronological order.
func (s *SQLiteStore) ListDomainEvents(ctx context.Context, conversationID string, limit int) ([]*DomainEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, type, payload, created_at
		FROM domain_events WHERE conversation_id = ?
		ORDER BY created_at ASC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying domain events: %w", err)
	}
	defer rows.Close()

	var events []*DomainEvent
	for rows.Next() {
		var e DomainEvent
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.Type, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning domain event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// GetConversationState reads a named state slot.
// Returns ErrNotFound when the slot has never been written.
func (s *SQLiteStore) GetConversationState(ctx context.Context, conversationID, name string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM conversation_state WHERE conversation_id = ? AND name = ?`,
		conversationID, name).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying state %q: %w", name, err)
	}
	return payload, nil
}

// SetConversationState writes a named state slot, replacing any prior value.
func (s *SQLiteStore) SetConversationState(ctx context.Context, conversationID, name string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_state (conversation_id, name, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (conversation_id, name) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		conversationID, name, payload, time.Now())
	if err != nil {
		return fmt.Errorf("writing state %q: %w", name, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanConversation reads one conversation row.
func scanConversation(row *sql.Row) (*Conversation, error) {
	var c Conversation
	var assignedAt, closedAt sql.NullTime
	err := row.Scan(&c.ID, &c.TransportKey, &c.ProviderConversationID,
		&assignedAt, &closedAt, &c.State, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}
	if assignedAt.Valid {
		c.AssignedAt = &assignedAt.Time
	}
	if closedAt.Valid {
		c.ClosedAt = &closedAt.Time
	}
	return &c, nil
}

// scanUser reads one user row.
func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Subject, &u.Name, &u.Email, &u.ProviderConversationID, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	return &u, nil
}

// nullableTime converts an optional time into its SQL representation.
func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// isUniqueViolation reports whether err is a SQLite unique constraint error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
