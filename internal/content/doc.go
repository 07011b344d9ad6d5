// Package content defines the payload vocabulary of a conversation.
//
// A message is an ordered list of Blocks. A Block is a closed variant:
//
//   - text: prose from the user or the agent
//   - tool_invocation: the agent asks for a tool to run (id, name, input)
//   - tool_result: the outcome of an invocation, linked by invocation id
//
// Blocks serialize as flat JSON objects tagged by "type":
//
//	{"type":"tool_invocation","id":"t1","name":"bash","input":{"command":"ls"}}
//	{"type":"tool_result","invocation_id":"t1","is_error":false,"output":"ok",...}
//
// Decoding fails on unknown tags and unknown message kinds instead of dropping
// them.
package content
