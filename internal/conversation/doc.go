// Package conversation runs live conversations on top of the message log.
//
// # Overview
//
// The package sits between the HTTP handlers and the store. It owns the
// in-memory side of a conversation: who is working on it, who is watching it,
// and how new messages reach viewers.
//
// # Manager
//
// A Manager is the single owner of one conversation's mutations:
//
//   - Send(ctx, req): record the user message, then start the agent
//   - Cancel(ctx): stop the agent and close any invocation it left open
//   - Resume(ctx, model): start the agent on the existing transcript
//
// Operations are serialized by an op mutex, so at most one unit of agent work
// is ever in flight per conversation. A Send during work fails with
// ErrAgentWorking unless it asks to cancel first.
//
// Each agent message is appended as soon as the runner emits it and only
// published once durable. Transient append failures are retried with backoff
// and then surface as an error-kind message.
//
// # Registry
//
// Registry guarantees one live Manager per conversation id. GetOrCreate
// deduplicates concurrent creation per key, and a janitor evicts managers
// that are idle, unwatched and not working.
//
// # Broadcaster
//
// Broadcaster fans appended messages out to viewers:
//
//	ch, subID := b.Subscribe(ctx, conversationID, lastSeen)
//
// The first batch replays everything after lastSeen; later batches carry live
// messages. Publish never blocks. A subscriber whose buffer overflows, or who
// sees a sequence gap, is resynced from the log, so every viewer sees each
// message exactly once and in order.
//
// # Service
//
// Service is the facade used by the gateway: create, send, cancel, rename,
// archive, delete, read and subscribe, plus Snapshot for the working flag and
// context window.
package conversation
