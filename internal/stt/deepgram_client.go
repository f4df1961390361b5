package stt

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/deepgram-transcriber/internal/observability"
	"github.com/lexiqai/deepgram-transcriber/internal/resilience"
)

const breakerName = "deepgram"

var errConnect = errors.New("deepgram connect failed")

// messageCallbackHandler implements the LiveMessageCallback interface.
// It embeds the default handler and overrides only the methods we need.
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	stream *deepgramStream
}

// Message forwards transcription results to the stream's handler
func (m *messageCallbackHandler) Message(msg *msginterfaces.MessageResponse) error {
	m.stream.handleMessage(msg)
	return nil
}

// Error logs upstream error events. They do not end the session.
func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	m.stream.logger.Error().Interface("deepgram_error", errorResponse).Msg("Deepgram reported an error")
	observability.RecordError("upstream_event", "stt")
	return nil
}

// DeepgramProvider opens live streams against Deepgram. Opens are guarded by
// a circuit breaker shared by every session in the process.
type DeepgramProvider struct {
	apiKey  string
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger
}

// NewDeepgramProvider creates a provider. maxFailures consecutive failed
// opens make further opens fail fast for resetTimeout.
func NewDeepgramProvider(apiKey string, maxFailures int, resetTimeout time.Duration, logger zerolog.Logger) (*DeepgramProvider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: api key must not be empty")
	}

	breaker := resilience.NewCircuitBreaker(breakerName, maxFailures, resetTimeout)
	breaker.OnStateChange(func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
		logger.Warn().Str("service", name).Str("state", state.String()).Msg("Circuit breaker state changed")
	})
	observability.UpdateCircuitBreakerState(breakerName, int(resilience.StateClosed))

	return &DeepgramProvider{
		apiKey:  apiKey,
		breaker: breaker,
		logger:  logger,
	}, nil
}

// Open starts a Deepgram live stream with interim results enabled
func (p *DeepgramProvider) Open(ctx context.Context, opts StreamOptions, onResult ResultHandler) (Stream, error) {
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          opts.Model,
		Language:       opts.Language,
		Encoding:       "linear16",
		SampleRate:     opts.SampleRate,
		Channels:       1,
		InterimResults: true,
		UtteranceEndMs: strconv.Itoa(opts.UtteranceEndMs),
		SmartFormat:    true,
		Punctuate:      true,
	}

	// The stream outlives the caller's request context; Close cancels it.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream := &deepgramStream{
		onResult: onResult,
		cancel:   cancel,
		logger:   p.logger,
	}
	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		stream:                 stream,
	}

	start := time.Now()
	err := p.breaker.Call(func() error {
		client, err := listenClient.NewWSUsingCallback(streamCtx, p.apiKey, nil, tOptions, callback)
		if err != nil {
			return fmt.Errorf("create client: %w", err)
		}
		if !client.Connect() {
			return errConnect
		}
		stream.client = client
		return nil
	})
	observability.RecordUpstreamOpen(time.Since(start))
	if err != nil {
		cancel()
		observability.RecordError("upstream_open", "stt")
		return nil, fmt.Errorf("open deepgram stream: %w", err)
	}

	p.logger.Info().
		Str("model", opts.Model).
		Str("language", opts.Language).
		Int("sample_rate", opts.SampleRate).
		Msg("Deepgram stream opened")
	return stream, nil
}

// deepgramStream adapts the SDK callback client to Stream
type deepgramStream struct {
	client   *listenClient.WSCallback
	onResult ResultHandler
	cancel   context.CancelFunc
	logger   zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

func (s *deepgramStream) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}

	result := Result{
		Text:        msg.Channel.Alternatives[0].Transcript,
		IsFinal:     msg.IsFinal,
		SpeechFinal: msg.SpeechFinal,
		Start:       msg.Start,
		Duration:    msg.Duration,
	}
	observability.RecordUpstreamResult(resultKind(result))
	s.onResult(result)
}

// Send writes PCM to the live stream
func (s *deepgramStream) Send(pcm []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("%w: stream closed", ErrSendFailed)
	}

	if _, err := s.client.Write(pcm); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	observability.RecordAudioBytes("out", len(pcm))
	return nil
}

// Close finishes the stream. Calling it more than once is a no-op.
func (s *deepgramStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.client.Finish()
	s.cancel()
	s.logger.Debug().Msg("Deepgram stream closed")
	return nil
}

func resultKind(r Result) string {
	switch {
	case r.Text == "":
		return "empty"
	case r.IsFinal:
		return "final"
	case r.SpeechFinal:
		return "speech_final"
	default:
		return "interim"
	}
}
