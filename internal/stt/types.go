package stt

import (
	"context"
	"errors"
)

var (
	// ErrSendFailed is returned when audio could not be delivered upstream
	ErrSendFailed = errors.New("upstream send failed")

	// ErrCloseFailed is returned when the upstream stream did not close cleanly
	ErrCloseFailed = errors.New("upstream close failed")
)

// Result is a single recognition result from the upstream service
type Result struct {
	// Text is the transcript of the best alternative. It may be empty.
	Text string

	// IsFinal marks the result as the settled text for its span
	IsFinal bool

	// SpeechFinal marks the end of an utterance
	SpeechFinal bool

	// Start is the offset of the span from stream start, in seconds
	Start float64

	// Duration is the length of the span in seconds
	Duration float64
}

// StreamOptions configures one live recognition stream
type StreamOptions struct {
	Model          string
	Language       string
	SampleRate     int
	UtteranceEndMs int
}

// ResultHandler receives results in the order the upstream delivers them.
// It is called from the provider's receive goroutine.
type ResultHandler func(Result)

// Provider opens live recognition streams
type Provider interface {
	// Open starts a stream. onResult is called for every result until the
	// stream is closed.
	Open(ctx context.Context, opts StreamOptions, onResult ResultHandler) (Stream, error)
}

// Stream is an open live recognition stream
type Stream interface {
	// Send delivers signed 16-bit little-endian mono PCM
	Send(pcm []byte) error

	// Close finishes the stream. No results are delivered after it returns.
	Close() error
}
