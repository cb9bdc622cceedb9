// Package server provides the two listeners of the bridge: the client-facing
// WebSocket endpoint that feeds sessions, and the monitoring HTTP API with
// health, session introspection, and Prometheus metrics.
package server
