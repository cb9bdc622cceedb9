// Package asr maintains the per-session stream to the external speech
// recognition engine. Each adapter forwards sealed audio segments over a
// WebSocket, relays partial and final transcription events back, and keeps
// the session alive through backend outages by degrading to synthetic empty
// finals instead of failing the client connection.
package asr
