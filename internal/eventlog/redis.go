package eventlog

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisAppender appends records to Redis Streams with XADD.
type RedisAppender struct {
	client *redis.Client
}

// NewRedisDialer returns a DialFunc connecting to the Redis URL
// (redis://[user:pass@]host:port/db).
func NewRedisDialer(url string) (DialFunc, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return func(ctx context.Context) (Appender, error) {
		return &RedisAppender{client: redis.NewClient(opts)}, nil
	}, nil
}

// Append adds rec to its stream with an auto-generated entry id.
func (r *RedisAppender) Append(ctx context.Context, rec Record) error {
	values := make(map[string]interface{}, len(rec.Fields))
	for k, v := range rec.Fields {
		values[k] = v
	}
	return r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: rec.Stream,
		Values: values,
	}).Err()
}

// Ping checks the connection.
func (r *RedisAppender) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client and its pool.
func (r *RedisAppender) Close() error {
	return r.client.Close()
}
