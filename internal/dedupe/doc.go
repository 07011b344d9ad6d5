// Package dedupe makes client requests idempotent by caching the result of
// each request_id for a configurable window.
package dedupe
