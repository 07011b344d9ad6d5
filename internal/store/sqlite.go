// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation rows and the message log with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/2389/coven-sessions/internal/content"
)

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const defaultListLimit = 100

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db      *sql.DB
	logger  *slog.Logger
	appends *keyedMutex
	now     func() time.Time
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// Pragmas in the DSN apply to every pooled connection, not just the first.
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:      db,
		logger:  logger,
		appends: newKeyedMutex(),
		now:     func() time.Time { return time.Now().UTC() },
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			slug TEXT NOT NULL UNIQUE,
			cwd TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			agent_working INTEGER NOT NULL DEFAULT 0,
			context_window INTEGER NOT NULL DEFAULT 0,
			archived INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_archived_updated
			ON conversations(archived, updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sequence_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE (conversation_id, sequence_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "messages",
			column: "usage",
			apply:  `ALTER TABLE messages ADD COLUMN usage TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		check := fmt.Sprintf(`SELECT 1 FROM pragma_table_info('%s') WHERE name = ?`, m.table)
		err := s.db.QueryRow(check, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// isSlugConflict distinguishes a slug collision from a primary key collision.
func isSlugConflict(err error) bool {
	return isConstraintViolation(err) && strings.Contains(err.Error(), "conversations.slug")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CreateConversation inserts conv, choosing the first free slug among
// slugBase, slugBase-2, slugBase-3... conv.Slug is set to the chosen slug.
// Returns ErrConversationExists if the id is already taken.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation, slugBase string) error {
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	now := s.now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = conv.CreatedAt
	base := Slugify(slugBase)

	query := `
		INSERT INTO conversations (id, slug, cwd, model, agent_working, context_window, archived, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	for n := 1; n <= slugMaxAttempts; n++ {
		slug := slugCandidate(base, n)
		_, err := s.db.ExecContext(ctx, query,
			conv.ID,
			slug,
			conv.Cwd,
			conv.Model,
			boolInt(conv.AgentWorking),
			conv.ContextWindow,
			boolInt(conv.Archived),
			formatTime(conv.CreatedAt),
			formatTime(conv.UpdatedAt),
		)
		if err == nil {
			conv.Slug = slug
			s.logger.Debug("created conversation", "id", conv.ID, "slug", slug)
			return nil
		}
		if isSlugConflict(err) {
			continue
		}
		if isConstraintViolation(err) {
			return ErrConversationExists
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return fmt.Errorf("no free slug for %q", base)
}

const conversationColumns = `id, slug, cwd, model, agent_working, context_window, archived, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var working, archived int
	var createdAtStr, updatedAtStr string
	if err := row.Scan(
		&c.ID,
		&c.Slug,
		&c.Cwd,
		&c.Model,
		&working,
		&c.ContextWindow,
		&archived,
		&createdAtStr,
		&updatedAtStr,
	); err != nil {
		return nil, err
	}
	c.AgentWorking = working != 0
	c.Archived = archived != 0

	var err error
	if c.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return c, nil
}

// GetConversationBySlug retrieves a conversation by its slug.
// Returns ErrNotFound if no conversation has that slug.
func (s *SQLiteStore) GetConversationBySlug(ctx context.Context, slug string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE slug = ?`, slug)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation by slug: %w", err)
	}
	return c, nil
}

// ListConversations returns conversations with the given archived state,
// most recently updated first.
func (s *SQLiteStore) ListConversations(ctx context.Context, p ListParams) ([]*Conversation, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE archived = ?
		ORDER BY updated_at DESC, id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, boolInt(p.Archived), limit, p.Offset)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return convs, nil
}

// RenameConversation moves a conversation to the first free slug derived from
// slugBase and returns it. Renaming to the current slug is a no-op.
func (s *SQLiteStore) RenameConversation(ctx context.Context, id, slugBase string) (string, error) {
	current, err := s.GetConversation(ctx, id)
	if err != nil {
		return "", err
	}
	base := Slugify(slugBase)

	for n := 1; n <= slugMaxAttempts; n++ {
		slug := slugCandidate(base, n)
		if slug == current.Slug {
			return slug, nil
		}
		_, err := s.db.ExecContext(ctx,
			`UPDATE conversations SET slug = ?, updated_at = ? WHERE id = ?`,
			slug, formatTime(s.now()), id,
		)
		if err == nil {
			s.logger.Debug("renamed conversation", "id", id, "slug", slug)
			return slug, nil
		}
		if isSlugConflict(err) {
			continue
		}
		return "", fmt.Errorf("renaming conversation: %w", err)
	}
	return "", fmt.Errorf("no free slug for %q", base)
}

func (s *SQLiteStore) updateFlag(ctx context.Context, id, column string, value bool) error {
	// column is always a compile-time constant from this file
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET `+column+` = ? WHERE id = ?`,
		boolInt(value), id,
	)
	if err != nil {
		return fmt.Errorf("updating %s: %w", column, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetArchived archives or unarchives a conversation.
func (s *SQLiteStore) SetArchived(ctx context.Context, id string, archived bool) error {
	return s.updateFlag(ctx, id, "archived", archived)
}

// SetAgentWorking updates the cached working hint.
func (s *SQLiteStore) SetAgentWorking(ctx context.Context, id string, working bool) error {
	return s.updateFlag(ctx, id, "agent_working", working)
}

// DeleteConversation removes a conversation and, by cascade, its messages.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	s.logger.Debug("deleted conversation", "id", id)
	return nil
}

// Append durably adds msg to the end of a conversation's log and returns the
// stored message with its assigned sequence id. The sequence is max+1 inside
// one transaction that also bumps the conversation row.
func (s *SQLiteStore) Append(ctx context.Context, conversationID string, msg *NewMessage) (*Message, error) {
	if err := msg.validate(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(msg.Content)
	if err != nil {
		return nil, fmt.Errorf("encoding content: %w", err)
	}
	var usage any
	if msg.Usage != nil {
		u, err := json.Marshal(msg.Usage)
		if err != nil {
			return nil, fmt.Errorf("encoding usage: %w", err)
		}
		usage = string(u)
	}

	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	unlock := s.appends.Lock(conversationID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, conversationID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checking conversation: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_id), 0) + 1 FROM messages WHERE conversation_id = ?`,
		conversationID,
	).Scan(&seq)
	if err != nil {
		return nil, fmt.Errorf("reading last sequence: %w", err)
	}

	stored := &Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SequenceID:     seq,
		Kind:           msg.Kind,
		Content:        msg.Content,
		Usage:          msg.Usage,
		CreatedAt:      createdAt.UTC(),
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sequence_id, kind, content, usage, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		stored.ID,
		conversationID,
		seq,
		string(stored.Kind),
		string(body),
		usage,
		formatTime(stored.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	if window := msg.Usage.ContextWindowUsed(); window > 0 {
		_, err = tx.ExecContext(ctx,
			`UPDATE conversations SET updated_at = ?, context_window = ? WHERE id = ?`,
			formatTime(stored.CreatedAt), window, conversationID,
		)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE conversations SET updated_at = ? WHERE id = ?`,
			formatTime(stored.CreatedAt), conversationID,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("updating conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing append: %w", err)
	}

	s.logger.Debug("appended message",
		"conversation_id", conversationID,
		"sequence_id", seq,
		"kind", stored.Kind,
	)
	return stored, nil
}

// Read returns every message with a sequence id greater than afterSequence,
// in ascending order. An unknown conversation yields an empty slice.
func (s *SQLiteStore) Read(ctx context.Context, conversationID string, afterSequence int64) ([]*Message, error) {
	query := `
		SELECT id, conversation_id, sequence_id, kind, content, usage, created_at
		FROM messages
		WHERE conversation_id = ? AND sequence_id > ?
		ORDER BY sequence_id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID, afterSequence)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var m Message
		var kind, body, createdAtStr string
		var usage sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SequenceID, &kind, &body, &usage, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		if m.Kind, err = content.ParseKind(kind); err != nil {
			return nil, fmt.Errorf("message %s: %w", m.ID, err)
		}
		if err := json.Unmarshal([]byte(body), &m.Content); err != nil {
			return nil, fmt.Errorf("decoding message %s content: %w", m.ID, err)
		}
		if usage.Valid && usage.String != "" {
			m.Usage = &content.Usage{}
			if err := json.Unmarshal([]byte(usage.String), m.Usage); err != nil {
				return nil, fmt.Errorf("decoding message %s usage: %w", m.ID, err)
			}
		}
		if m.CreatedAt, err = parseTime(createdAtStr); err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

// LastSequence returns the highest sequence id in a conversation, or 0.
func (s *SQLiteStore) LastSequence(ctx context.Context, conversationID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_id), 0) FROM messages WHERE conversation_id = ?`,
		conversationID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("reading last sequence: %w", err)
	}
	return seq, nil
}
