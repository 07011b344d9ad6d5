// Package store provides durable storage for conversations and their message
// logs.
//
// # Message Log
//
// Each conversation owns an append-only, totally ordered log. Append assigns
// the next sequence id (starting at 1, dense) inside one transaction that also
// refreshes the conversation's updated_at and context window. Appends to the
// same conversation are serialized by an in-process keyed lock, and the
// UNIQUE(conversation_id, sequence_id) constraint backs it up. Read returns a
// snapshot after a given sequence id in ascending order.
//
// # Working state
//
// UnresolvedInvocations is the authoritative working predicate: it looks at
// the most recent agent message carrying tool invocations and reports those
// with no tool_result in any later message. The agent_working column is only a
// cached hint for listings.
//
// # SQLite Configuration
//
// The store uses modernc.org/sqlite in WAL mode. Foreign keys, a busy timeout
// and immediate transactions are set per connection through the DSN:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Deleting a conversation cascades to its messages.
//
// # Errors
//
//   - ErrNotFound: requested conversation does not exist
//   - ErrConversationExists: id already taken
//   - ErrInvalidMessage: unknown kind or malformed block
//
// # Testing
//
// NewMemoryStore returns an in-memory Store with fault injection
// (FailAppends, FailReads). Integration tests use NewSQLiteStore on a file
// under t.TempDir().
package store
