// Package session implements the per-client recording session: the state
// machine from connect through streaming and finalization to close, the
// plumbing between the client WebSocket, the segment accumulator, and the
// backend adapter, and the manager that tracks and reaps sessions.
package session
