// Package store persists conversations and their message logs.
//
// # Architecture
//
// Everything above this package talks to the Backend interface. Three
// implementations exist:
//
//   - SQLStore: durable backend on sqlx, with SQLite (modernc.org/sqlite) or
//     PostgreSQL (lib/pq) underneath. Keeps the full message history.
//   - MemoryStore: process-local maps, used when no database is configured
//     and as the fallback shadow. Keeps the last MessageRetention messages
//     per contact.
//   - FallbackStore: decorator that serves an operation from the secondary
//     backend whenever the primary returns an error other than ErrNotFound.
//
// # Data Models
//
//   - Conversation: one per canonical phone key, carries Mode (auto/manual),
//     the assigned operator and activity timestamps.
//   - Message: append-only log entry with sender user, ai or operator.
//
// Phone keys reaching a Backend are already canonical; see CanonicalPhone.
//
// # Ordering
//
// Messages are ordered by insertion sequence (the seq column, or slice
// order in memory), never by their timestamps. Timestamps are stored as
// fixed-width RFC3339 UTC text so lexical order matches time order.
//
// # Error Handling
//
//   - ErrNotFound: GetConversation on an unknown key
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMemoryStore() for unit tests. Use NewSQLiteStore with a path under
// t.TempDir() for integration tests against real SQL.
package store
