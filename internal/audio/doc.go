// Package audio implements per-frame validation with signal metrics, the
// segment accumulator with its bounded drop-oldest hand-off queue, and WAV
// encoding for segment dumps.
package audio
