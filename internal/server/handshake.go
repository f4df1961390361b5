package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lexiqai/deepgram-transcriber/internal/session"
)

var (
	// ErrHandshakeInvalid is returned for a first message that is not a
	// usable session configuration
	ErrHandshakeInvalid = errors.New("invalid handshake")

	// ErrProtocolDecode is returned for control text that is not JSON
	ErrProtocolDecode = errors.New("protocol decode error")
)

const (
	unknownUID              = "unknown"
	invalidHandshakeMessage = "Invalid configuration message"
	upstreamFailedMessage   = "Failed to connect to Deepgram"
)

// Handshake is the configuration object a bot sends as its first message.
// Fields hold the wire values as text; numbers keep their JSON spelling.
type Handshake struct {
	UID        string
	Platform   string
	MeetingURL string
	Token      string
	MeetingID  string
	Language   string
}

// MissingFieldsError lists required handshake fields that were absent or empty
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return "Missing required fields: " + strings.Join(e.Fields, ", ")
}

func (e *MissingFieldsError) Unwrap() error {
	return ErrHandshakeInvalid
}

// missingFields returns the empty required fields in wire order
func (h Handshake) missingFields() []string {
	required := []struct {
		name  string
		value string
	}{
		{"uid", h.UID},
		{"platform", h.Platform},
		{"meeting_url", h.MeetingURL},
		{"token", h.Token},
		{"meeting_id", h.MeetingID},
	}

	var missing []string
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	return missing
}

// Info converts a validated handshake into session configuration.
// defaultLanguage is used when the bot sent none.
func (h Handshake) Info(defaultLanguage string) session.Info {
	lang := h.Language
	if lang == "" {
		lang = defaultLanguage
	}
	return session.Info{
		UID:        h.UID,
		Platform:   h.Platform,
		MeetingURL: h.MeetingURL,
		MeetingID:  h.MeetingID,
		Token:      h.Token,
		Language:   lang,
	}
}

// ParseHandshake decodes and validates a handshake. Errors wrap
// ErrHandshakeInvalid; missing fields are reported as *MissingFieldsError.
// Any non-empty scalar is accepted for a field, so numeric ids pass. The
// returned Handshake holds whatever could be decoded.
func ParseHandshake(data []byte) (Handshake, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Handshake{}, fmt.Errorf("%w: %w", ErrHandshakeInvalid, err)
	}
	if fields == nil {
		return Handshake{}, fmt.Errorf("%w: not an object", ErrHandshakeInvalid)
	}

	hs := Handshake{
		UID:        fieldText(fields["uid"]),
		Platform:   fieldText(fields["platform"]),
		MeetingURL: fieldText(fields["meeting_url"]),
		Token:      fieldText(fields["token"]),
		MeetingID:  fieldText(fields["meeting_id"]),
		Language:   fieldText(fields["language"]),
	}
	if missing := hs.missingFields(); len(missing) > 0 {
		return hs, &MissingFieldsError{Fields: missing}
	}
	return hs, nil
}

// fieldText renders a handshake value as text. Absent, null, false, zero and
// empty values yield "" and count as missing.
func fieldText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return ""
	}

	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		if f, err := val.Float64(); err == nil && f == 0 {
			return ""
		}
		return val.String()
	case bool:
		if val {
			return "true"
		}
		return ""
	case map[string]any:
		if len(val) == 0 {
			return ""
		}
		return string(raw)
	case []any:
		if len(val) == 0 {
			return ""
		}
		return string(raw)
	default:
		return ""
	}
}

// rejectReply builds the error reply for a failed handshake
func rejectReply(hs Handshake, err error) session.Reply {
	uid := hs.UID
	if uid == "" {
		uid = unknownUID
	}

	message := invalidHandshakeMessage
	var missing *MissingFieldsError
	if errors.As(err, &missing) {
		message = missing.Error()
	}
	return session.Reply{UID: uid, Status: session.StatusError, Message: message}
}

// controlMessage is a structured text frame sent after the handshake
type controlMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func parseControl(data []byte) (controlMessage, error) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return controlMessage{}, fmt.Errorf("%w: %w", ErrProtocolDecode, err)
	}
	return msg, nil
}
