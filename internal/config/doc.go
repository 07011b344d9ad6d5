// Package config handles configuration loading for coven-sessions.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_SESSIONS_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/sessions.yaml
//  3. ~/.config/coven/sessions.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  idle_timeout: "30m"
//	  cleanup_interval: "1m"
//	  cancel_timeout: "10s"
//
// # Example
//
//	server:
//	  http_addr: "localhost:8080"
//
//	database:
//	  path: "~/.local/share/coven/sessions.db"
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//
//	runner:
//	  default_model: "predictable"
//	  grpc_addr: ""          # empty runs the built-in echo runner
//	  models: ["predictable"]
//
//	sessions:
//	  idle_timeout: "30m"
//	  append_retries: 3
//	  subscriber_buffer: 64
//	  recovery_page_size: 100
//	  recovery_concurrency: 4
//
//	ratelimit:
//	  rps: 2
//	  burst: 5
//
//	logging:
//	  level: "info"         # debug, info, warn, error
//	  format: "text"        # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// Unset fields take the Default* constants.
package config
