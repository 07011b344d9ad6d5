// Package metrics holds the Prometheus collectors shared by the session
// engine. Collectors are package-level and registered on the default registry
// at init; the gateway mounts Handler at the configured metrics path.
package metrics
