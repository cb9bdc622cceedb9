// Package protocol defines the JSON message schema exchanged with browser
// clients over the WebSocket connection: control messages in, transcription
// and diagnostic events out. It also provides the PCM16 frame size math used
// by frame validation.
package protocol
