// Package runner defines the Agent Runner boundary.
//
// The session engine treats the agent as opaque: it hands a Runner the full
// transcript and consumes a stream of Events. Each EventMessage is a complete
// message (agent text, tool invocations, tool results) that the conversation
// manager appends to the log. The stream ends with EventDone or EventError.
//
// # Implementations
//
//   - Scripted: replays canned steps, used in tests and by cmd/fake-runner.
//     Echo is the "predictable" script.
//   - GRPCClient: a Runner backed by a remote AgentRunner service.
//   - GRPCServer: exposes any Runner as that service.
//
// # Wire format
//
// The gRPC service is declared by hand (no generated stubs):
//
//	service coven.sessions.v1.AgentRunner {
//	  rpc Run(google.protobuf.Struct) returns (stream google.protobuf.Struct);
//	}
//
// The request struct mirrors Request's JSON form. Each event struct has a
// "type" of message, done or error.
//
// # Models
//
// Registry maps model ids to runners and resolves the empty model to a
// configured default.
package runner
