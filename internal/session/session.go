// Package session pairs one bot connection with one upstream recognition
// stream and owns the segment window between them.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/deepgram-transcriber/internal/events"
	"github.com/lexiqai/deepgram-transcriber/internal/observability"
	"github.com/lexiqai/deepgram-transcriber/internal/stt"
	"github.com/lexiqai/deepgram-transcriber/internal/transcript"
)

// ErrUpstreamOpenFailed is returned by Start when the recognition stream
// could not be opened
var ErrUpstreamOpenFailed = errors.New("upstream open failed")

const (
	// StatusReady is the handshake reply status once a session is active
	StatusReady = "SERVER_READY"
	// StatusError is the handshake reply status for a rejected connection
	StatusError = "ERROR"

	defaultLanguage       = "en"
	defaultPublishTimeout = 2 * time.Second
)

// State is the lifecycle state of a session
type State int

const (
	StateInitializing State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Info is the validated handshake configuration of a session
type Info struct {
	UID        string
	Platform   string
	MeetingURL string
	MeetingID  string
	Token      string
	Language   string
}

// Reply is a handshake reply sent to the bot
type Reply struct {
	UID     string `json:"uid"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Push is the segment window sent to the bot after every processed result
type Push struct {
	UID      string               `json:"uid"`
	Segments []transcript.Segment `json:"segments"`
}

// Publisher is the part of events.Publisher a session uses
type Publisher interface {
	PublishSessionStart(ctx context.Context, id events.Identity)
	PublishSessionEnd(ctx context.Context, id events.Identity)
	PublishTranscription(ctx context.Context, id events.Identity, segments []transcript.Segment)
	PublishSpeakerEvent(ctx context.Context, payload map[string]any)
}

// ClientWriter sends JSON messages to the bot
type ClientWriter interface {
	WriteJSON(v any) error
}

// Deps are the collaborators and settings of a session
type Deps struct {
	Provider  stt.Provider
	Publisher Publisher
	Client    ClientWriter

	// Stream carries the fixed upstream options. Language is taken from Info.
	Stream stt.StreamOptions

	// WindowSize is the segment window capacity. Zero selects the default.
	WindowSize int

	// PublishTimeout bounds each event log append. Zero selects 2s.
	PublishTimeout time.Duration

	Logger zerolog.Logger
}

// Session is one bot connection's transcription pipeline.
//
// Audio is forwarded on the caller's goroutine. Upstream results arrive on
// the provider's goroutine and are applied to the window under mu. Client
// pushes and log publishes are queued on two ordered outboxes so neither
// path waits on network I/O to the bot or the event log.
type Session struct {
	info   Info
	id     events.Identity
	deps   Deps
	logger zerolog.Logger

	mu      sync.Mutex
	state   State
	buffer  *transcript.Buffer
	stream  stt.Stream
	baseCtx context.Context
	metrics *observability.SessionMetrics

	pushes     *outbox
	publishes  *outbox
	pushFailed bool // only touched by the push outbox goroutine

	closeOnce sync.Once
}

// New creates a session in the Initializing state. The caller must
// eventually call Close, whether or not Start succeeded.
func New(info Info, deps Deps) *Session {
	if strings.TrimSpace(info.UID) == "" {
		info.UID = uuid.New().String()
	}
	if info.Language == "" {
		info.Language = defaultLanguage
	}
	if deps.PublishTimeout <= 0 {
		deps.PublishTimeout = defaultPublishTimeout
	}

	return &Session{
		info: info,
		id: events.Identity{
			UID:       info.UID,
			Token:     info.Token,
			Platform:  info.Platform,
			MeetingID: info.MeetingID,
		},
		deps:      deps,
		logger:    deps.Logger,
		state:     StateInitializing,
		buffer:    transcript.NewBuffer(deps.WindowSize, info.Language),
		baseCtx:   context.Background(),
		pushes:    newOutbox(),
		publishes: newOutbox(),
	}
}

// UID returns the session id
func (s *Session) UID() string {
	return s.info.UID
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start opens the upstream stream. On success session_start and the ready
// reply are queued and the session becomes Active. On failure the session
// moves to Closed and the error wraps ErrUpstreamOpenFailed.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateInitializing {
		return fmt.Errorf("session %s already started (state %s)", s.info.UID, s.state)
	}
	// Publishes must outlive the connection that triggered them.
	s.baseCtx = context.WithoutCancel(ctx)

	opts := s.deps.Stream
	opts.Language = s.info.Language
	stream, err := s.deps.Provider.Open(ctx, opts, s.handleResult)
	if err != nil {
		s.state = StateClosed
		return fmt.Errorf("%w: %w", ErrUpstreamOpenFailed, err)
	}

	s.stream = stream
	s.metrics = observability.NewSessionMetrics()
	s.publishes.enqueue(func() {
		ctx, cancel := s.publishContext()
		defer cancel()
		s.deps.Publisher.PublishSessionStart(ctx, s.id)
	})
	s.enqueuePush(Reply{UID: s.info.UID, Status: StatusReady})
	s.state = StateActive

	s.logger.Info().
		Str("platform", s.info.Platform).
		Str("meeting_id", s.info.MeetingID).
		Str("language", s.info.Language).
		Msg("Session active")
	return nil
}

// SendAudio forwards converted PCM upstream. Send failures are logged and
// the session continues. Audio outside the Active state is dropped.
func (s *Session) SendAudio(pcm []byte) {
	s.mu.Lock()
	state, stream := s.state, s.stream
	s.mu.Unlock()

	if state != StateActive {
		s.logger.Debug().Str("state", state.String()).Msg("Dropping audio for inactive session")
		return
	}
	if err := stream.Send(pcm); err != nil {
		s.logger.Warn().Err(err).Int("bytes", len(pcm)).Msg("Failed to send audio upstream")
		observability.RecordError("upstream_send", "session")
	}
}

// PublishSpeakerEvent queues a speaker activity event for the event log
func (s *Session) PublishSpeakerEvent(payload map[string]any) {
	if len(payload) == 0 {
		return
	}
	if s.State() != StateActive {
		return
	}
	s.publishes.enqueue(func() {
		ctx, cancel := s.publishContext()
		defer cancel()
		s.deps.Publisher.PublishSpeakerEvent(ctx, payload)
	})
}

// Close tears the session down exactly once: it closes the upstream stream,
// queues session_end, then waits for both outboxes to drain. Close is safe
// to call from any state and any number of times.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.state != StateClosed {
			s.state = StateClosing
		}
		stream := s.stream
		s.mu.Unlock()

		if stream != nil {
			if err := stream.Close(); err != nil {
				if !errors.Is(err, stt.ErrCloseFailed) {
					err = fmt.Errorf("%w: %w", stt.ErrCloseFailed, err)
				}
				s.logger.Warn().Err(err).Msg("Failed to close upstream stream")
				observability.RecordError("upstream_close", "session")
			}
		}

		s.publishes.enqueue(func() {
			ctx, cancel := s.publishContext()
			defer cancel()
			s.deps.Publisher.PublishSessionEnd(ctx, s.id)
		})
		s.publishes.closeAndWait()
		s.pushes.closeAndWait()

		s.mu.Lock()
		s.state = StateClosed
		metrics := s.metrics
		s.mu.Unlock()
		if metrics != nil {
			metrics.RecordSessionEnd()
		}
		s.logger.Info().Msg("Session closed")
	})
}

// handleResult is the upstream result callback
func (s *Session) handleResult(r stt.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return
	}

	window, finalized := s.buffer.Apply(transcript.Result{
		Text:        r.Text,
		Start:       r.Start,
		End:         r.Start + r.Duration,
		IsFinal:     r.IsFinal,
		SpeechFinal: r.SpeechFinal,
	})
	if window == nil {
		return
	}

	s.enqueuePush(Push{UID: s.info.UID, Segments: window})
	if finalized {
		s.publishes.enqueue(func() {
			ctx, cancel := s.publishContext()
			defer cancel()
			s.deps.Publisher.PublishTranscription(ctx, s.id, window)
		})
	}
}

func (s *Session) enqueuePush(msg any) {
	s.pushes.enqueue(func() {
		if s.pushFailed {
			return
		}
		if err := s.deps.Client.WriteJSON(msg); err != nil {
			// Stop pushing once the bot is unreachable.
			s.pushFailed = true
			s.logger.Warn().Err(err).Msg("Failed to push to client")
			observability.RecordError("client_push", "session")
		}
	})
}

func (s *Session) publishContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.baseCtx, s.deps.PublishTimeout)
}
