// Package metrics defines the Prometheus instrumentation for the bridge:
// connection and session lifecycle, audio frame and segment flow, backend
// stream health, and the monitoring HTTP API.
package metrics
