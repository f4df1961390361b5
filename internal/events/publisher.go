// Package events builds session lifecycle, transcription and speaker event
// records and appends them to the event log.
package events

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/lexiqai/deepgram-transcriber/internal/eventlog"
	"github.com/lexiqai/deepgram-transcriber/internal/observability"
	"github.com/lexiqai/deepgram-transcriber/internal/transcript"
)

// Record types
const (
	TypeSessionStart  = "session_start"
	TypeSessionEnd    = "session_end"
	TypeTranscription = "transcription"
	TypeSpeakerEvent  = "speaker_event"
)

// Appender is the part of the event log the publisher writes to.
type Appender interface {
	Append(ctx context.Context, rec eventlog.Record) error
}

// Identity carries the session fields every lifecycle record repeats.
type Identity struct {
	UID       string
	Token     string
	Platform  string
	MeetingID string
}

// Config holds the stream names records are appended to.
type Config struct {
	TranscriptionStream string
	SpeakerEventsStream string
}

// Publisher appends records with at-least-once semantics: a failed append is
// logged and dropped, never returned. It is shared by all sessions and is safe
// for concurrent use.
type Publisher struct {
	log    Appender
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu         sync.Mutex
	started    map[string]struct{}
	lastDigest map[string]string
}

// NewPublisher creates a publisher writing to log.
func NewPublisher(log Appender, cfg Config, logger zerolog.Logger) *Publisher {
	return &Publisher{
		log:        log,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		started:    make(map[string]struct{}),
		lastDigest: make(map[string]string),
	}
}

// PublishSessionStart appends a session_start record unless one was already
// appended for id.UID.
func (p *Publisher) PublishSessionStart(ctx context.Context, id Identity) {
	// Claim the marker before appending so concurrent callers for the same
	// uid cannot both append.
	p.mu.Lock()
	if _, ok := p.started[id.UID]; ok {
		p.mu.Unlock()
		observability.RecordSuppressed(TypeSessionStart)
		return
	}
	p.started[id.UID] = struct{}{}
	p.mu.Unlock()

	payload := map[string]any{
		"type":            TypeSessionStart,
		"token":           id.Token,
		"platform":        id.Platform,
		"meeting_id":      id.MeetingID,
		"uid":             id.UID,
		"start_timestamp": p.timestamp(),
	}
	if err := p.appendPayload(ctx, TypeSessionStart, id.UID, payload); err != nil {
		p.mu.Lock()
		delete(p.started, id.UID)
		p.mu.Unlock()
		p.logger.Error().Err(err).Str("session_uid", id.UID).Msg("Failed to publish session_start")
		return
	}
	p.logger.Info().Str("session_uid", id.UID).Msg("Published session_start")
}

// PublishSessionEnd appends a session_end record and forgets the started
// marker and digest for id.UID so the uid can start cleanly again.
func (p *Publisher) PublishSessionEnd(ctx context.Context, id Identity) {
	payload := map[string]any{
		"type":          TypeSessionEnd,
		"token":         id.Token,
		"platform":      id.Platform,
		"meeting_id":    id.MeetingID,
		"uid":           id.UID,
		"end_timestamp": p.timestamp(),
	}
	if err := p.appendPayload(ctx, TypeSessionEnd, id.UID, payload); err != nil {
		p.logger.Error().Err(err).Str("session_uid", id.UID).Msg("Failed to publish session_end")
		return
	}

	p.mu.Lock()
	delete(p.started, id.UID)
	delete(p.lastDigest, id.UID)
	p.mu.Unlock()
	p.logger.Info().Str("session_uid", id.UID).Msg("Published session_end")
}

// PublishTranscription appends the current segment window. A session_start
// is published first if none was recorded. The record is skipped when its
// canonical form matches the previous transcription record for the uid.
func (p *Publisher) PublishTranscription(ctx context.Context, id Identity, segments []transcript.Segment) {
	if !p.isStarted(id.UID) {
		p.PublishSessionStart(ctx, id)
	}

	if segments == nil {
		segments = []transcript.Segment{}
	}
	payload := map[string]any{
		"type":       TypeTranscription,
		"token":      id.Token,
		"platform":   id.Platform,
		"meeting_id": id.MeetingID,
		"segments":   segments,
		"uid":        id.UID,
	}
	body, err := Canonicalize(payload)
	if err != nil {
		p.logger.Error().Err(err).Str("session_uid", id.UID).Msg("Failed to encode transcription")
		return
	}

	// Claim the digest before appending so identical concurrent publishes
	// for one uid append once. A failed append restores the previous digest.
	digest := Digest(body)
	p.mu.Lock()
	prev, hadPrev := p.lastDigest[id.UID]
	if hadPrev && prev == digest {
		p.mu.Unlock()
		observability.RecordSuppressed(TypeTranscription)
		return
	}
	p.lastDigest[id.UID] = digest
	p.mu.Unlock()

	err = p.append(ctx, TypeTranscription, eventlog.Record{
		Stream: p.cfg.TranscriptionStream,
		Key:    id.UID,
		Fields: map[string]string{"payload": string(body)},
	})
	if err != nil {
		p.mu.Lock()
		if p.lastDigest[id.UID] == digest {
			if hadPrev {
				p.lastDigest[id.UID] = prev
			} else {
				delete(p.lastDigest, id.UID)
			}
		}
		p.mu.Unlock()
		p.logger.Error().Err(err).Str("session_uid", id.UID).Msg("Failed to publish transcription")
		return
	}

	p.logger.Debug().
		Str("session_uid", id.UID).
		Int("segments", len(segments)).
		Msg("Published transcription")
}

// PublishSpeakerEvent appends a speaker activity event to the speaker stream.
// The payload fields become record fields, with a server receive timestamp added.
func (p *Publisher) PublishSpeakerEvent(ctx context.Context, payload map[string]any) {
	fields, err := flatten(payload)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to encode speaker event")
		return
	}
	fields["server_received_timestamp_iso"] = p.timestamp()

	key := ""
	if uid, ok := payload["uid"].(string); ok {
		key = uid
	}
	err = p.append(ctx, TypeSpeakerEvent, eventlog.Record{
		Stream: p.cfg.SpeakerEventsStream,
		Key:    key,
		Fields: fields,
	})
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to publish speaker event")
	}
}

func (p *Publisher) isStarted(uid string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.started[uid]
	return ok
}

func (p *Publisher) appendPayload(ctx context.Context, recordType, uid string, payload map[string]any) error {
	body, err := Canonicalize(payload)
	if err != nil {
		return err
	}
	return p.append(ctx, recordType, eventlog.Record{
		Stream: p.cfg.TranscriptionStream,
		Key:    uid,
		Fields: map[string]string{"payload": string(body)},
	})
}

func (p *Publisher) append(ctx context.Context, recordType string, rec eventlog.Record) error {
	err := p.log.Append(ctx, rec)
	observability.RecordPublish(recordType, err)
	if err != nil {
		observability.RecordError("log_unavailable", "events")
	}
	return err
}

// timestamp formats the current time as UTC ISO-8601 with a Z suffix.
func (p *Publisher) timestamp() string {
	return p.now().UTC().Format("2006-01-02T15:04:05.000000Z")
}

// Canonicalize encodes v as compact JSON with object keys sorted at every
// level, so equal content always yields equal bytes.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	// Round-trip through generic values: encoding/json sorts map keys.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("re-encode: %w", err)
	}
	return escapeNonASCII(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// escapeNonASCII rewrites every non-ASCII rune as a lowercase \uXXXX escape,
// using surrogate pairs above the BMP. Non-ASCII only occurs inside JSON
// strings, so the document stays valid.
func escapeNonASCII(b []byte) []byte {
	n := 0
	for _, c := range b {
		if c >= utf8.RuneSelf {
			n++
		}
	}
	if n == 0 {
		return b
	}

	out := make([]byte, 0, len(b)+5*n)
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		b = b[size:]
		if r < utf8.RuneSelf {
			out = append(out, byte(r))
			continue
		}
		if r1, r2 := utf16.EncodeRune(r); r1 != utf8.RuneError {
			out = fmt.Appendf(out, "\\u%04x\\u%04x", r1, r2)
			continue
		}
		out = fmt.Appendf(out, "\\u%04x", r)
	}
	return out
}

// Digest returns the hex SHA-1 of a canonical payload.
func Digest(canonical []byte) string {
	sum := sha1.Sum(canonical)
	return hex.EncodeToString(sum[:])
}

// flatten converts an event payload into flat string fields. Strings are
// kept as-is and every other value is JSON encoded.
func flatten(payload map[string]any) (map[string]string, error) {
	fields := make(map[string]string, len(payload)+1)
	for k, v := range payload {
		if s, ok := v.(string); ok {
			fields[k] = s
			continue
		}
		b, err := Canonicalize(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		fields[k] = string(b)
	}
	return fields, nil
}
