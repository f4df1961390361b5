package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaAppender writes records to Kafka, one topic per stream name. The
// record fields become the JSON message value.
type KafkaAppender struct {
	writer  *kafka.Writer
	dialer  *kafka.Dialer
	brokers []string
}

// NewKafkaDialer returns a DialFunc producing writers for the given brokers.
func NewKafkaDialer(brokers []string) (DialFunc, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	return func(ctx context.Context) (Appender, error) {
		dialer := &kafka.Dialer{
			Timeout:   10 * time.Second,
			DualStack: true,
		}
		writer := &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			BatchTimeout:           10 * time.Millisecond,
			WriteTimeout:           10 * time.Second,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
			Transport: &kafka.Transport{
				Dial: dialer.DialFunc,
			},
		}
		return &KafkaAppender{writer: writer, dialer: dialer, brokers: brokers}, nil
	}, nil
}

// Append writes rec to the topic named by rec.Stream.
func (k *KafkaAppender) Append(ctx context.Context, rec Record) error {
	value, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("kafka: marshal record: %w", err)
	}

	msg := kafka.Message{
		Topic: rec.Stream,
		Value: value,
	}
	if rec.Key != "" {
		msg.Key = []byte(rec.Key)
	}
	return k.writer.WriteMessages(ctx, msg)
}

// Ping dials the first reachable broker.
func (k *KafkaAppender) Ping(ctx context.Context) error {
	var errs []error
	for _, broker := range k.brokers {
		conn, err := k.dialer.DialContext(ctx, "tcp", broker)
		if err == nil {
			return conn.Close()
		}
		errs = append(errs, err)
	}
	return fmt.Errorf("kafka: no broker reachable: %w", errors.Join(errs...))
}

// Close flushes pending writes and closes the writer.
func (k *KafkaAppender) Close() error {
	return k.writer.Close()
}
