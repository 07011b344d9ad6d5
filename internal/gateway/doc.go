// Package gateway orchestrates the coven-sessions server components.
//
// # Overview
//
// The gateway owns the session engine (store, runner registry, broadcaster,
// manager registry, conversation service, recovery manager) and serves it
// over HTTP, optionally on a tailnet via tsnet.
//
// # Lifecycle
//
// Run repairs interrupted conversations first, then starts the idle-manager
// and rate-limiter janitors and opens the listener. /ready answers 503 until
// recovery has finished. Shutdown closes live streams before draining the
// HTTP server, then stops every manager and closes the store.
//
// # HTTP API
//
//   - GET /api/conversations - List conversations (?archived=, ?limit=, ?offset=)
//   - POST /api/conversations/new - Create a conversation from a first message
//   - GET /api/conversation/{id} - Conversation with its full log
//   - GET /api/conversation/{id}/stream - SSE log stream (?after=N)
//   - POST /api/conversation/{id}/chat - Submit a user message
//   - POST /api/conversation/{id}/cancel - Stop in-flight work
//   - POST /api/conversation/{id}/archive, /unarchive
//   - POST /api/conversation/{id}/rename - Change the slug
//   - DELETE /api/conversation/{id} - Delete the conversation and its log
//   - GET /health, /ready, /version - Unauthenticated probes
//
// With auth.jwt_secret set every /api/ route needs a bearer token. Stream
// routes also accept ?token= since EventSource cannot set headers.
//
// # Streaming
//
// Each stream event is one batch:
//
//	event: batch
//	data: {"messages":[...],"conversation":{...},"agent_working":true,...}
//
// The first batch carries everything after the client's cursor, possibly
// nothing. An idle stream gets a ": ping" comment every 25 seconds.
//
// # Chat submissions
//
// Chat requests are rate limited per conversation. A request carrying a
// request_id is answered once; retries with the same id get the first
// response back without appending a second user message.
package gateway
