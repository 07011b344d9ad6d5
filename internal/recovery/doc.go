// Package recovery repairs conversations left mid-turn by a crash or restart.
//
// A conversation is interrupted when its most recent agent message that
// invokes tools still has invocations with no result anywhere after it. The
// log is authoritative; the cached working flag on the conversation row is
// only a hint, and a set flag on an otherwise complete log is simply cleared.
//
// Run executes once at startup, before any listener opens:
//
//	rec := recovery.New(store, service, recovery.Config{}, logger)
//	report, err := rec.Run(ctx)
//
// For each interrupted conversation it appends a single tool message holding
// an error result per open invocation, then resumes the agent in the
// background so it can react to the interruption. Conversations are repaired
// in parallel with a bounded errgroup; one failing conversation is logged and
// counted without affecting the others.
package recovery
