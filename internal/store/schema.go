// ABOUTME: Per-dialect DDL and additive migrations for the durable SQL backend
// ABOUTME: Two tables: conversations keyed by phone key, messages ordered by insertion sequence

package store

// Dialect names the SQL engine behind a SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// conversationsDDL is shared; both engines accept it verbatim.
const conversationsDDL = `
	CREATE TABLE IF NOT EXISTS conversations (
		phone_key              TEXT PRIMARY KEY,
		contact_name           TEXT NOT NULL DEFAULT 'unknown',
		contact_name_lower     TEXT NOT NULL DEFAULT '',
		mode                   TEXT NOT NULL DEFAULT 'auto',
		assigned_operator      TEXT,
		manual_mode_started_at TEXT,
		manual_mode_ended_at   TEXT,
		message_count          INTEGER NOT NULL DEFAULT 0,
		last_activity_at       TEXT NOT NULL,
		created_at             TEXT NOT NULL,
		updated_at             TEXT NOT NULL,

		CHECK (mode IN ('auto', 'manual'))
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_last_activity
		ON conversations(last_activity_at);
`

const sqliteMessagesDDL = `
	CREATE TABLE IF NOT EXISTS messages (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id  TEXT NOT NULL UNIQUE,
		phone_key   TEXT NOT NULL REFERENCES conversations(phone_key) ON DELETE CASCADE,
		text        TEXT NOT NULL,
		sender      TEXT NOT NULL,
		external_id TEXT,
		timestamp   TEXT NOT NULL,

		CHECK (sender IN ('user', 'ai', 'operator'))
	);

	CREATE INDEX IF NOT EXISTS idx_messages_phone_seq ON messages(phone_key, seq);
	CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);
`

const postgresMessagesDDL = `
	CREATE TABLE IF NOT EXISTS messages (
		seq         BIGSERIAL PRIMARY KEY,
		message_id  TEXT NOT NULL UNIQUE,
		phone_key   TEXT NOT NULL REFERENCES conversations(phone_key) ON DELETE CASCADE,
		text        TEXT NOT NULL,
		sender      TEXT NOT NULL,
		external_id TEXT,
		timestamp   TEXT NOT NULL,

		CHECK (sender IN ('user', 'ai', 'operator'))
	);

	CREATE INDEX IF NOT EXISTS idx_messages_phone_seq ON messages(phone_key, seq);
	CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);
`

// migration adds a column that older databases may lack.
type migration struct {
	table  string
	column string
	ddl    string // column definition after the name
}

var migrations = []migration{
	{table: "messages", column: "external_id", ddl: "TEXT"},
	{table: "conversations", column: "manual_mode_ended_at", ddl: "TEXT"},
	{table: "conversations", column: "contact_name_lower", ddl: "TEXT NOT NULL DEFAULT ''"},
}

func schemaFor(d Dialect) string {
	if d == DialectPostgres {
		return conversationsDDL + postgresMessagesDDL
	}
	return conversationsDDL + sqliteMessagesDDL
}
