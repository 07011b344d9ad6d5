// Package api holds the JSON bodies of the coven-sessions HTTP API.
//
// The gateway encodes them and the reconciler and coven-watch decode them,
// so both sides agree on field names without importing the server.
package api
