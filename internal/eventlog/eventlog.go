// Package eventlog provides the append-only event log the transcriber
// publishes session and transcript records to.
//
// A [Conn] is the single process-wide handle. It wraps a backend [Appender]
// (Redis Streams or Kafka), probes it before every append and reconnects at
// most once per call when the probe fails. Failed appends are not queued.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ErrLogUnavailable is returned when the backend cannot be reached even after
// a reconnect attempt.
var ErrLogUnavailable = errors.New("event log unavailable")

// Record is one entry appended to a stream.
type Record struct {
	// Stream is the Redis stream key or Kafka topic.
	Stream string
	// Key partitions the record. Backends without partitioning ignore it.
	Key string
	// Fields is the flat field-value body of the record.
	Fields map[string]string
}

// Appender is a connected event log backend.
type Appender interface {
	Append(ctx context.Context, rec Record) error
	Ping(ctx context.Context) error
	Close() error
}

// DialFunc opens a new backend connection.
type DialFunc func(ctx context.Context) (Appender, error)

// Conn is a lazily reconnecting event log connection. It is safe for
// concurrent use.
type Conn struct {
	dial   DialFunc
	logger zerolog.Logger

	mu     sync.Mutex
	client Appender
}

// NewConn creates a connection and attempts an initial dial. A failed initial
// dial is logged; the next append will try again.
func NewConn(ctx context.Context, dial DialFunc, logger zerolog.Logger) *Conn {
	c := &Conn{dial: dial, logger: logger}
	c.mu.Lock()
	c.connectLocked(ctx)
	c.mu.Unlock()
	return c
}

// Append writes rec to the log. On a dead connection it reconnects once; if
// that fails the record is dropped and ErrLogUnavailable is returned.
func (c *Conn) Append(ctx context.Context, rec Record) error {
	client, err := c.ensureConnected(ctx)
	if err != nil {
		return err
	}
	if err := client.Append(ctx, rec); err != nil {
		return fmt.Errorf("%w: append to %s: %w", ErrLogUnavailable, rec.Stream, err)
	}
	return nil
}

// Ping reports whether the backend is reachable, reconnecting once if needed.
func (c *Conn) Ping(ctx context.Context) error {
	_, err := c.ensureConnected(ctx)
	return err
}

// Close releases the backend connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// ensureConnected returns a live client, dialing at most once.
func (c *Conn) ensureConnected(ctx context.Context) (Appender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		err := c.client.Ping(ctx)
		if err == nil {
			return c.client, nil
		}
		c.logger.Warn().Err(err).Msg("Event log liveness probe failed, reconnecting")
		_ = c.client.Close()
		c.client = nil
	}

	if !c.connectLocked(ctx) {
		return nil, ErrLogUnavailable
	}
	return c.client, nil
}

func (c *Conn) connectLocked(ctx context.Context) bool {
	client, err := c.dial(ctx)
	if err == nil {
		err = client.Ping(ctx)
		if err != nil {
			_ = client.Close()
		}
	}
	if err != nil {
		c.logger.Error().Err(err).Msg("Event log connection failed")
		return false
	}
	c.client = client
	c.logger.Info().Msg("Connected to event log")
	return true
}
