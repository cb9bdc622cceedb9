// Package relay orders and deduplicates transcription results on their way
// from the recognition engine to the client, and builds the final session
// transcript from the per-segment final texts.
package relay
