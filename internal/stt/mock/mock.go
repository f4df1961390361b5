// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to check the options a session opens its stream with and to
// make opens fail. Use Stream to inspect the audio a session delivered and to
// emit recognition results into the session.
//
// Example:
//
//	p := &mock.Provider{}
//	s := session.New(info, session.Deps{Provider: p})
//	_ = s.Start(ctx)
//	p.LastStream().Emit(stt.Result{Text: "hello", IsFinal: true})
package mock

import (
	"context"
	"sync"

	"github.com/lexiqai/deepgram-transcriber/internal/stt"
)

// OpenCall records a single invocation of Provider.Open.
type OpenCall struct {
	// Opts is the StreamOptions passed to Open.
	Opts stt.StreamOptions
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned as the error from Open.
	OpenErr error

	// SendErr and CloseErr are copied into every Stream the provider opens.
	SendErr  error
	CloseErr error

	// OpenCalls records every call to Open.
	OpenCalls []OpenCall

	streams []*Stream
}

// Open records the call and returns a new Stream wired to onResult.
func (p *Provider) Open(_ context.Context, opts stt.StreamOptions, onResult stt.ResultHandler) (stt.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenCalls = append(p.OpenCalls, OpenCall{Opts: opts})
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	s := &Stream{
		onResult: onResult,
		SendErr:  p.SendErr,
		CloseErr: p.CloseErr,
	}
	p.streams = append(p.streams, s)
	return s, nil
}

// LastStream returns the most recently opened stream, or nil.
func (p *Provider) LastStream() *Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.streams) == 0 {
		return nil
	}
	return p.streams[len(p.streams)-1]
}

// OpenCallCount returns the number of Open calls. Thread-safe.
func (p *Provider) OpenCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.OpenCalls)
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// Stream is a mock implementation of stt.Stream.
type Stream struct {
	mu sync.Mutex

	onResult stt.ResultHandler

	// SendErr, if non-nil, is returned by every Send call.
	SendErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// Sent holds a copy of every chunk passed to Send, in order.
	Sent [][]byte

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	closed bool
}

// Send records a copy of pcm and returns SendErr.
func (s *Stream) Send(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return s.SendErr
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.Sent = append(s.Sent, cp)
	return nil
}

// Close records the call and returns CloseErr. Results emitted after Close
// are dropped.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	s.closed = true
	return s.CloseErr
}

// Emit delivers r to the handler passed to Open, synchronously on the
// calling goroutine. It reports whether the result was delivered.
func (s *Stream) Emit(r stt.Result) bool {
	s.mu.Lock()
	closed := s.closed
	handler := s.onResult
	s.mu.Unlock()
	if closed || handler == nil {
		return false
	}
	handler(r)
	return true
}

// SentChunks returns a copy of the recorded chunks. Thread-safe.
func (s *Stream) SentChunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.Sent))
	copy(out, s.Sent)
	return out
}

// CloseCount returns CloseCallCount. Thread-safe.
func (s *Stream) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// Ensure Stream implements stt.Stream at compile time.
var _ stt.Stream = (*Stream)(nil)
