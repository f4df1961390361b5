// Package server accepts bot WebSocket connections, validates the handshake
// and dispatches audio and control frames to a transcription session.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/deepgram-transcriber/internal/audio"
	"github.com/lexiqai/deepgram-transcriber/internal/observability"
	"github.com/lexiqai/deepgram-transcriber/internal/session"
	"github.com/lexiqai/deepgram-transcriber/internal/stt"
)

// EndOfAudio is the binary frame a bot sends when it has no more audio
var EndOfAudio = []byte("END_OF_AUDIO")

// Control message types
const (
	typeSpeakerActivity       = "speaker_activity"
	typeSpeakerActivityUpdate = "speaker_activity_update"
	typeSessionControl        = "session_control"
	typeAudioChunkMetadata    = "audio_chunk_metadata"

	eventLeavingMeeting = "LEAVING_MEETING"
)

const (
	defaultMaxMessageSize = 10 << 20
	writeTimeout          = 10 * time.Second
)

// Config holds per-connection settings
type Config struct {
	// MaxMessageSize caps inbound frames. Zero selects 10 MiB.
	MaxMessageSize int64

	// WindowSize is the segment window capacity per session
	WindowSize int

	// DefaultLanguage applies when the handshake carries none
	DefaultLanguage string

	// Stream carries the fixed upstream options
	Stream stt.StreamOptions

	// PublishTimeout bounds each event log append
	PublishTimeout time.Duration
}

// Server is an http.Handler serving the bot protocol on every request path
// it is mounted on.
type Server struct {
	cfg       Config
	provider  stt.Provider
	publisher session.Publisher
	upgrader  websocket.Upgrader
	logger    zerolog.Logger

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// New creates a server opening upstream streams through provider and
// publishing session events through publisher
func New(cfg Config, provider stt.Provider, publisher session.Publisher, logger zerolog.Logger) *Server {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	return &Server{
		cfg:       cfg,
		provider:  provider,
		publisher: publisher,
		upgrader: websocket.Upgrader{
			// Bots connect from inside the cluster without an Origin header
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logger,
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the request and runs one bot session to completion
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error
		s.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Failed to upgrade connection to WebSocket")
		return
	}
	if !s.track(conn) {
		conn.Close()
		return
	}
	defer s.untrack(conn)
	defer conn.Close()

	s.logger.Info().Str("remote_addr", r.RemoteAddr).Msg("New connection")
	conn.SetReadLimit(s.cfg.MaxMessageSize)
	writer := &connWriter{conn: conn}

	_, data, err := conn.ReadMessage()
	if err != nil {
		s.logger.Info().Err(err).Msg("Connection closed before handshake")
		observability.RecordRejectedSession("closed_before_handshake")
		return
	}

	hs, err := ParseHandshake(data)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_uid", hs.UID).Msg("Rejecting handshake")
		observability.RecordRejectedSession("handshake_invalid")
		if werr := writer.WriteJSON(rejectReply(hs, err)); werr != nil {
			s.logger.Debug().Err(werr).Msg("Failed to send handshake error")
		}
		return
	}

	logger := observability.WithSession(hs.UID)
	logger.Info().
		Str("platform", hs.Platform).
		Str("meeting_id", hs.MeetingID).
		Msg("Config received")

	sess := session.New(hs.Info(s.cfg.DefaultLanguage), session.Deps{
		Provider:       s.provider,
		Publisher:      s.publisher,
		Client:         writer,
		Stream:         s.cfg.Stream,
		WindowSize:     s.cfg.WindowSize,
		PublishTimeout: s.cfg.PublishTimeout,
		Logger:         logger,
	})
	defer sess.Close()

	if err := sess.Start(r.Context()); err != nil {
		logger.Error().Err(err).Msg("Failed to start session")
		observability.RecordRejectedSession("upstream_open_failed")
		reply := session.Reply{UID: hs.UID, Status: session.StatusError, Message: upstreamFailedMessage}
		if werr := writer.WriteJSON(reply); werr != nil {
			logger.Debug().Err(werr).Msg("Failed to send upstream error")
		}
		return
	}

	s.dispatch(conn, sess, logger)
}

// dispatch reads frames until end of audio, disconnect or a read error
func (s *Server) dispatch(conn *websocket.Conn, sess *session.Session, logger zerolog.Logger) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn().Err(err).Msg("WebSocket read error")
			} else {
				logger.Info().Msg("Connection closed by client")
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if bytes.Equal(data, EndOfAudio) {
				logger.Info().Msg("Received END_OF_AUDIO")
				return
			}
			s.handleAudio(sess, data, logger)

		case websocket.TextMessage:
			s.handleControl(sess, data, logger)
		}
	}
}

func (s *Server) handleAudio(sess *session.Session, frame []byte, logger zerolog.Logger) {
	observability.RecordAudioBytes("in", len(frame))

	pcm, err := audio.ConvertFloat32ToPCM16(frame)
	if err != nil {
		logger.Warn().Err(err).Msg("Dropping audio frame")
		observability.RecordError("malformed_frame", "server")
		return
	}
	if len(pcm) == 0 {
		return
	}

	observability.RecordInputLevel(audio.CalculateRMS(audio.BytesToSamples(pcm)))
	sess.SendAudio(pcm)
}

func (s *Server) handleControl(sess *session.Session, data []byte, logger zerolog.Logger) {
	msg, err := parseControl(data)
	if err != nil {
		logger.Debug().Err(err).Msg("Ignoring non-JSON text message")
		return
	}

	switch msg.Type {
	case typeSpeakerActivity, typeSpeakerActivityUpdate:
		payload, err := decodePayload(msg.Payload)
		if err != nil {
			logger.Debug().Err(err).Str("type", msg.Type).Msg("Ignoring speaker event with unusable payload")
			return
		}
		sess.PublishSpeakerEvent(payload)

	case typeSessionControl:
		payload, _ := decodePayload(msg.Payload)
		if event, _ := payload["event"].(string); event == eventLeavingMeeting {
			logger.Info().Msg("Bot signalled LEAVING_MEETING")
		}

	case typeAudioChunkMetadata:
		logger.Debug().RawJSON("payload", nonEmptyJSON(msg.Payload)).Msg("Audio chunk metadata")

	default:
		logger.Debug().Str("type", msg.Type).Msg("Unknown control message")
	}
}

// decodePayload decodes a control payload object. An absent payload yields
// a nil map.
func decodePayload(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: payload: %w", ErrProtocolDecode, err)
	}
	return payload, nil
}

func nonEmptyJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}

// Shutdown closes every open bot connection, which tears their sessions down,
// and waits for the handlers to return or ctx to expire. New connections are
// refused afterwards.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for conn := range s.conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

// connWriter serializes writes; gorilla connections allow one writer at a time
type connWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *connWriter) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return w.conn.WriteJSON(v)
}
