// Package transcript maintains the rolling window of transcript segments
// that is pushed to the bot and published to the event log.
package transcript

import (
	"math"
	"strings"
)

// DefaultCapacity is the number of segments kept in the window
const DefaultCapacity = 10

// Segment is one span of recognized speech as seen on the wire.
type Segment struct {
	ID        int     `json:"id"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	Text      string  `json:"text"`
	Completed bool    `json:"completed"`
	Language  string  `json:"language"`
}

// Result is a single recognition result applied to the buffer.
type Result struct {
	Text        string
	Start       float64
	End         float64
	IsFinal     bool
	SpeechFinal bool
}

// Buffer is a capacity-bounded window of segments. Only the last segment may
// be incomplete. Finalized segments get strictly increasing ids.
//
// Buffer is not safe for concurrent use; the owning session serializes calls.
type Buffer struct {
	segments []Segment
	nextID   int
	capacity int
	language string

	// trailing segment marks an utterance boundary but is not final
	pendingBoundary bool
}

// NewBuffer creates a buffer. A non-positive capacity selects DefaultCapacity.
func NewBuffer(capacity int, language string) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		segments: make([]Segment, 0, capacity+1),
		capacity: capacity,
		language: language,
	}
}

// Apply merges a result into the window and returns a snapshot of it.
// finalized reports whether r completed a segment.
//
// Interim results replace a trailing incomplete segment in place. Final and
// speech-final results are appended, evicting the oldest entries once the
// window exceeds its capacity. A speech-final segment that is not final stays
// incomplete until the next result arrives, which completes it. Whitespace-only text leaves the window
// untouched and returns a nil window.
func (b *Buffer) Apply(r Result) (window []Segment, finalized bool) {
	if strings.TrimSpace(r.Text) == "" {
		return nil, false
	}
	b.sealBoundary()

	seg := Segment{
		ID:        b.nextID,
		Start:     roundOffset(r.Start),
		End:       roundOffset(r.End),
		Text:      r.Text,
		Completed: r.IsFinal,
		Language:  b.language,
	}
	if r.IsFinal {
		b.nextID++
	}

	switch {
	case r.IsFinal || r.SpeechFinal:
		b.dropTrailingInterim()
		b.segments = append(b.segments, seg)
		b.evict()
		b.pendingBoundary = !r.IsFinal
	case len(b.segments) > 0 && !b.segments[len(b.segments)-1].Completed:
		b.segments[len(b.segments)-1] = seg
	default:
		b.segments = append(b.segments, seg)
		b.evict()
	}

	return b.Snapshot(), r.IsFinal
}

// sealBoundary completes a trailing speech-final segment before the next
// result lands, so its text survives and it takes the pending id.
func (b *Buffer) sealBoundary() {
	if !b.pendingBoundary {
		return
	}
	b.pendingBoundary = false
	if n := len(b.segments); n > 0 && !b.segments[n-1].Completed {
		b.segments[n-1].Completed = true
		b.nextID++
	}
}

// dropTrailingInterim removes a trailing incomplete segment so the window never
// holds two incomplete entries or an incomplete entry before a completed one.
func (b *Buffer) dropTrailingInterim() {
	if n := len(b.segments); n > 0 && !b.segments[n-1].Completed {
		b.segments = b.segments[:n-1]
	}
}

func (b *Buffer) evict() {
	if over := len(b.segments) - b.capacity; over > 0 {
		b.segments = append(b.segments[:0], b.segments[over:]...)
	}
}

// Snapshot returns a copy of the current window.
func (b *Buffer) Snapshot() []Segment {
	out := make([]Segment, len(b.segments))
	copy(out, b.segments)
	return out
}

// Len returns the number of segments in the window.
func (b *Buffer) Len() int { return len(b.segments) }

// NextID returns the id the next finalized segment will receive.
func (b *Buffer) NextID() int { return b.nextID }

// Capacity returns the maximum number of retained segments.
func (b *Buffer) Capacity() int { return b.capacity }

// roundOffset rounds a time offset to millisecond precision.
func roundOffset(seconds float64) float64 {
	return math.Round(seconds*1000) / 1000
}
