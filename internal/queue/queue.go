// Package queue moves action batches, claim triggers and rescan requests between workers.
//
// Three drivers share one interface: kafka for deployments, stdio for piping records
// through a shell, and an in-process memory broker for tests and single-binary runs.
package queue

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	DriverKafka  = "kafka"
	DriverStdio  = "stdio"
	DriverMemory = "memory"
)

const (
	StartFirst = "first"
	StartLast  = "last"
)

// Message is a record delivered to a consumer.
type Message struct {
	Topic string
	Key   []byte
	Value []byte
	// Timestamp is the producer time for kafka and the local receive time otherwise.
	Timestamp time.Time

	ackFn func(context.Context) error
}

// Ack marks the message handled. Kafka offsets are committed once every earlier message
// of the same partition was acked too; anything unacked is redelivered after a restart.
func (m Message) Ack(ctx context.Context) error {
	if m.ackFn == nil {
		return nil
	}
	return m.ackFn(ctx)
}

type Consumer interface {
	Messages() <-chan Message
	Errors() <-chan error
	Close() error
}

type Producer interface {
	// Publish writes payload to topic. Messages sharing a key keep their relative order.
	Publish(ctx context.Context, topic string, key, payload []byte) error
	Close() error
}

// KafkaOptions tunes the kafka driver. Zero values pick the defaults.
type KafkaOptions struct {
	TLS bool

	// MinBytes and MaxBytes bound a fetch. MaxBytes must fit the largest action batch.
	MinBytes int
	MaxBytes int
	// StartOffset applies to groups without a committed offset: first or last.
	StartOffset string

	// Linger is how long the producer waits to fill a batch.
	Linger time.Duration
}

type ConsumerConfig struct {
	Driver string

	Brokers []string
	Group   string
	Topics  []string
	Kafka   KafkaOptions

	// Reader feeds the stdio driver, one record per line. The first topic is stamped on
	// every message.
	Reader       io.Reader
	MaxLineBytes int

	// Memory is required by the memory driver.
	Memory *MemoryBroker
}

type ProducerConfig struct {
	Driver string

	Brokers []string
	Kafka   KafkaOptions

	Writer io.Writer

	Memory *MemoryBroker
}

func NewConsumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error) {
	cfg.Topics = normalizeList(cfg.Topics)
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaConsumer(ctx, cfg)
	case DriverStdio:
		return newStdioConsumer(ctx, cfg), nil
	case DriverMemory:
		if cfg.Memory == nil {
			return nil, fmt.Errorf("memory consumer requires a broker")
		}
		return cfg.Memory.Consumer(cfg.Topics...), nil
	}
	return nil, fmt.Errorf("unsupported queue driver %q", cfg.Driver)
}

func NewProducer(cfg ProducerConfig) (Producer, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaProducer(cfg)
	case DriverStdio:
		return newStdioProducer(cfg.Writer), nil
	case DriverMemory:
		if cfg.Memory == nil {
			return nil, fmt.Errorf("memory producer requires a broker")
		}
		return cfg.Memory.Producer(), nil
	}
	return nil, fmt.Errorf("unsupported queue driver %q", cfg.Driver)
}

func normalizeDriver(v string) string {
	if v = strings.ToLower(strings.TrimSpace(v)); v == "" {
		return DriverKafka
	}
	return v
}

func normalizeList(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// SplitCommaList parses a comma-separated flag value, dropping blanks.
func SplitCommaList(s string) []string {
	return normalizeList(strings.Split(s, ","))
}
