// ABOUTME: Durable Backend implementation on sqlx over SQLite (modernc) or PostgreSQL (lib/pq)
// ABOUTME: Keeps the full message history with automatic schema creation and additive migrations

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
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const conversationColumns = `phone_key, contact_name, mode, assigned_operator,
	manual_mode_started_at, manual_mode_ended_at, message_count, last_activity_at, created_at`

const messageColumns = `message_id, phone_key, text, sender, external_id, timestamp`

// SQLStore implements Backend on a relational database.
type SQLStore struct {
	db      *sqlx.DB
	dialect Dialect
	logger  *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at path.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s, err := newSQLStore(db, DialectSQLite)
	if err != nil {
		return nil, err
	}
	s.logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// NewPostgresStore connects to PostgreSQL using dsn.
func NewPostgresStore(dsn string, maxOpenConns int) (*SQLStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}

	s, err := newSQLStore(db, DialectPostgres)
	if err != nil {
		return nil, err
	}
	s.logger.Info("PostgreSQL store initialized")
	return s, nil
}

func newSQLStore(db *sqlx.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{
		db:      db,
		dialect: dialect,
		logger:  slog.Default().With("component", "store", "dialect", string(dialect)),
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if _, err := db.Exec(schemaFor(dialect)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	if err := s.backfillSearchNames(); err != nil {
		db.Close()
		return nil, fmt.Errorf("backfilling search names: %w", err)
	}

	return s, nil
}

// runMigrations adds columns missing from databases created by older builds.
func (s *SQLStore) runMigrations() error {
	for _, m := range migrations {
		if s.dialect == DialectPostgres {
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", m.table, m.column, m.ddl)
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
			}
			continue
		}

		// SQLite has no ADD COLUMN IF NOT EXISTS
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.table, m.column, m.ddl)); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// backfillSearchNames fills contact_name_lower for rows written before the
// column existed. The engines' LOWER() does not fold non-ASCII letters, so
// the folding happens here.
func (s *SQLStore) backfillSearchNames() error {
	var rows []struct {
		PhoneKey    string `db:"phone_key"`
		ContactName string `db:"contact_name"`
	}
	err := s.db.Select(&rows, `SELECT phone_key, contact_name FROM conversations
		WHERE contact_name_lower = '' AND contact_name <> ''`)
	if err != nil {
		return fmt.Errorf("selecting names: %w", err)
	}
	for _, r := range rows {
		_, err := s.db.Exec(s.db.Rebind(`UPDATE conversations SET contact_name_lower = ? WHERE phone_key = ?`),
			searchName(r.ContactName), r.PhoneKey)
		if err != nil {
			return fmt.Errorf("updating %s: %w", r.PhoneKey, err)
		}
	}
	if len(rows) > 0 {
		s.logger.Info("backfilled search names", "rows", len(rows))
	}
	return nil
}

// Dialect reports the engine behind the store.
func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	s.logger.Info("closing SQL store")
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetConversation retrieves a conversation by phone key.
func (s *SQLStore) GetConversation(ctx context.Context, phoneKey string) (*Conversation, error) {
	return s.getConversation(ctx, s.db, phoneKey)
}

// UpsertConversation creates or merges the record for phoneKey in one transaction.
func (s *SQLStore) UpsertConversation(ctx context.Context, phoneKey string, upd ConversationUpdate, at time.Time) (*Conversation, error) {
	var result *Conversation
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		c, err := s.loadOrDefault(ctx, tx, phoneKey, at)
		if err != nil {
			return err
		}
		mergeUpdate(c, upd)
		c.LastActivityAt = at
		if err := s.writeConversation(ctx, tx, c); err != nil {
			return err
		}
		result = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AppendMessage inserts msg, then recounts the log and refreshes the conversation.
func (s *SQLStore) AppendMessage(ctx context.Context, msg *Message, contactName string) (*Message, *Conversation, error) {
	stored := *msg
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now().UTC()
	}

	var conv *Conversation
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		c, err := s.loadOrDefault(ctx, tx, stored.PhoneKey, stored.Timestamp)
		if err != nil {
			return err
		}
		if KnownName(contactName) {
			c.ContactName = contactName
		} else if c.ContactName == "" {
			c.ContactName = UnknownContact
		}
		c.LastActivityAt = stored.Timestamp
		if err := s.writeConversation(ctx, tx, c); err != nil {
			return err
		}

		insert := tx.Rebind(`INSERT INTO messages (` + messageColumns + `) VALUES (?, ?, ?, ?, ?, ?)`)
		if _, err := tx.ExecContext(ctx, insert,
			stored.ID,
			stored.PhoneKey,
			stored.Text,
			string(stored.Sender),
			nullString(stored.ExternalID),
			formatTime(stored.Timestamp),
		); err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}

		recount := tx.Rebind(`
			UPDATE conversations
			SET message_count = (SELECT COUNT(*) FROM messages WHERE phone_key = ?)
			WHERE phone_key = ?`)
		if _, err := tx.ExecContext(ctx, recount, stored.PhoneKey, stored.PhoneKey); err != nil {
			return fmt.Errorf("updating message count: %w", err)
		}

		conv, err = s.getConversation(ctx, tx, stored.PhoneKey)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.Debug("appended message", "phone_key", stored.PhoneKey, "sender", stored.Sender, "id", stored.ID)
	return &stored, conv, nil
}

// ListMessages returns up to limit of the newest messages, oldest first.
func (s *SQLStore) ListMessages(ctx context.Context, phoneKey string, limit int) ([]*Message, error) {
	return s.listMessages(ctx, s.db, phoneKey, limit)
}

// ListConversations returns filtered conversations, most recently active first.
func (s *SQLStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error) {
	var (
		where []string
		args  []any
	)
	if !filter.ActiveSince.IsZero() {
		where = append(where, "last_activity_at > ?")
		args = append(args, formatTime(filter.ActiveSince))
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		pattern := "%" + escapeLike(searchName(q)) + "%"
		where = append(where, `(LOWER(phone_key) LIKE ? ESCAPE '\' OR contact_name_lower LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY last_activity_at DESC, phone_key ASC"

	var rows []conversationRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}

	result := make([]*Conversation, 0, len(rows))
	for _, row := range rows {
		c, err := row.toConversation()
		if err != nil {
			return nil, err
		}
		if filter.RecentMessages > 0 {
			c.RecentMessages, err = s.listMessages(ctx, s.db, c.PhoneKey, filter.RecentMessages)
			if err != nil {
				return nil, err
			}
		}
		result = append(result, c)
	}
	return result, nil
}

// DeleteConversation removes the conversation and its messages.
func (s *SQLStore) DeleteConversation(ctx context.Context, phoneKey string) (bool, error) {
	var existed bool
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		msgs, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM messages WHERE phone_key = ?`), phoneKey)
		if err != nil {
			return fmt.Errorf("deleting messages: %w", err)
		}
		convs, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM conversations WHERE phone_key = ?`), phoneKey)
		if err != nil {
			return fmt.Errorf("deleting conversation: %w", err)
		}
		nm, _ := msgs.RowsAffected()
		nc, _ := convs.RowsAffected()
		existed = nm > 0 || nc > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return existed, nil
}

// Stats aggregates counts across all conversations.
func (s *SQLStore) Stats(ctx context.Context, activeSince time.Time) (*Stats, error) {
	query := s.db.Rebind(`
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN mode = 'manual' THEN 1 ELSE 0 END), 0) AS manual,
			COALESCE(SUM(CASE WHEN last_activity_at > ? THEN 1 ELSE 0 END), 0) AS active
		FROM conversations`)

	var agg struct {
		Total  int `db:"total"`
		Manual int `db:"manual"`
		Active int `db:"active"`
	}
	if err := s.db.GetContext(ctx, &agg, query, formatTime(activeSince)); err != nil {
		return nil, fmt.Errorf("querying conversation stats: %w", err)
	}

	var totalMessages int
	if err := s.db.GetContext(ctx, &totalMessages, `SELECT COUNT(*) FROM messages`); err != nil {
		return nil, fmt.Errorf("counting messages: %w", err)
	}

	return &Stats{
		TotalConversations: agg.Total,
		ManualMode:         agg.Manual,
		AutoMode:           agg.Total - agg.Manual,
		ActiveToday:        agg.Active,
		TotalMessages:      totalMessages,
		Timestamp:          time.Now().UTC(),
	}, nil
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) getConversation(ctx context.Context, q sqlx.QueryerContext, phoneKey string) (*Conversation, error) {
	query := s.db.Rebind(`SELECT ` + conversationColumns + ` FROM conversations WHERE phone_key = ?`)

	var row conversationRow
	err := sqlx.GetContext(ctx, q, &row, query, phoneKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return row.toConversation()
}

func (s *SQLStore) loadOrDefault(ctx context.Context, tx *sqlx.Tx, phoneKey string, at time.Time) (*Conversation, error) {
	c, err := s.getConversation(ctx, tx, phoneKey)
	if errors.Is(err, ErrNotFound) {
		return &Conversation{
			PhoneKey:  phoneKey,
			Mode:      ModeAuto,
			CreatedAt: at,
		}, nil
	}
	return c, err
}

// writeConversation upserts every column of c. Both engines support ON CONFLICT.
func (s *SQLStore) writeConversation(ctx context.Context, tx *sqlx.Tx, c *Conversation) error {
	query := tx.Rebind(`
		INSERT INTO conversations (` + conversationColumns + `, contact_name_lower, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (phone_key) DO UPDATE SET
			contact_name = excluded.contact_name,
			contact_name_lower = excluded.contact_name_lower,
			mode = excluded.mode,
			assigned_operator = excluded.assigned_operator,
			manual_mode_started_at = excluded.manual_mode_started_at,
			manual_mode_ended_at = excluded.manual_mode_ended_at,
			message_count = excluded.message_count,
			last_activity_at = excluded.last_activity_at,
			updated_at = excluded.updated_at`)

	var operator any
	if c.AssignedOperator != nil {
		operator = *c.AssignedOperator
	}

	_, err := tx.ExecContext(ctx, query,
		c.PhoneKey,
		c.ContactName,
		string(c.Mode),
		operator,
		formatNullTime(c.ManualModeStartedAt),
		formatNullTime(c.ManualModeEndedAt),
		c.MessageCount,
		formatTime(c.LastActivityAt),
		formatTime(c.CreatedAt),
		searchName(c.ContactName),
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("writing conversation: %w", err)
	}
	return nil
}

func (s *SQLStore) listMessages(ctx context.Context, q sqlx.QueryerContext, phoneKey string, limit int) ([]*Message, error) {
	var (
		query string
		args  = []any{phoneKey}
	)
	if limit > 0 {
		query = `
			SELECT ` + messageColumns + ` FROM (
				SELECT seq, ` + messageColumns + ` FROM messages
				WHERE phone_key = ?
				ORDER BY seq DESC
				LIMIT ?
			) recent
			ORDER BY seq ASC`
		args = append(args, limit)
	} else {
		query = `SELECT ` + messageColumns + ` FROM messages WHERE phone_key = ? ORDER BY seq ASC`
	}

	var rows []messageRow
	if err := sqlx.SelectContext(ctx, q, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}

	messages := make([]*Message, 0, len(rows))
	for _, row := range rows {
		m, err := row.toMessage()
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, nil
}

type conversationRow struct {
	PhoneKey            string         `db:"phone_key"`
	ContactName         string         `db:"contact_name"`
	Mode                string         `db:"mode"`
	AssignedOperator    sql.NullString `db:"assigned_operator"`
	ManualModeStartedAt sql.NullString `db:"manual_mode_started_at"`
	ManualModeEndedAt   sql.NullString `db:"manual_mode_ended_at"`
	MessageCount        int            `db:"message_count"`
	LastActivityAt      string         `db:"last_activity_at"`
	CreatedAt           string         `db:"created_at"`
}

func (r conversationRow) toConversation() (*Conversation, error) {
	c := &Conversation{
		PhoneKey:     r.PhoneKey,
		ContactName:  r.ContactName,
		Mode:         Mode(r.Mode),
		MessageCount: r.MessageCount,
	}

	var err error
	if c.LastActivityAt, err = parseTime(r.LastActivityAt); err != nil {
		return nil, fmt.Errorf("parsing last_activity_at: %w", err)
	}
	if c.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if r.AssignedOperator.Valid {
		op := r.AssignedOperator.String
		c.AssignedOperator = &op
	}
	if c.ManualModeStartedAt, err = parseNullTime(r.ManualModeStartedAt); err != nil {
		return nil, fmt.Errorf("parsing manual_mode_started_at: %w", err)
	}
	if c.ManualModeEndedAt, err = parseNullTime(r.ManualModeEndedAt); err != nil {
		return nil, fmt.Errorf("parsing manual_mode_ended_at: %w", err)
	}
	return c, nil
}

type messageRow struct {
	ID         string         `db:"message_id"`
	PhoneKey   string         `db:"phone_key"`
	Text       string         `db:"text"`
	Sender     string         `db:"sender"`
	ExternalID sql.NullString `db:"external_id"`
	Timestamp  string         `db:"timestamp"`
}

func (r messageRow) toMessage() (*Message, error) {
	ts, err := parseTime(r.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("parsing message timestamp: %w", err)
	}
	return &Message{
		ID:         r.ID,
		PhoneKey:   r.PhoneKey,
		Text:       r.Text,
		Sender:     Sender(r.Sender),
		ExternalID: r.ExternalID.String,
		Timestamp:  ts,
	}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// escapeLike escapes LIKE wildcards so user queries match literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
