package queue

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	defaultFetchMinBytes = 1
	defaultFetchMaxBytes = 10 << 20
	defaultLinger        = 10 * time.Millisecond
	dialTimeout          = 10 * time.Second
)

func tlsConfig(enabled bool) *tls.Config {
	if !enabled {
		return nil
	}
	return &tls.Config{MinVersion: tls.VersionTLS12}
}

func startOffset(v string) (int64, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", StartFirst:
		return kafka.FirstOffset, nil
	case StartLast:
		return kafka.LastOffset, nil
	}
	return 0, fmt.Errorf("kafka start offset must be %s or %s, got %q", StartFirst, StartLast, v)
}

type kafkaConsumer struct {
	reader  *kafka.Reader
	offsets *offsetTracker

	msgCh chan Message
	errCh chan error

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newKafkaConsumer(parent context.Context, cfg ConsumerConfig) (Consumer, error) {
	brokers := normalizeList(cfg.Brokers)
	group := strings.TrimSpace(cfg.Group)
	if len(brokers) == 0 || group == "" || len(cfg.Topics) == 0 {
		return nil, errors.New("kafka consumer requires brokers, group and topics")
	}

	opts := cfg.Kafka
	if opts.MinBytes <= 0 {
		opts.MinBytes = defaultFetchMinBytes
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultFetchMaxBytes
	}
	if opts.MaxBytes < opts.MinBytes {
		return nil, errors.New("kafka consumer max bytes must be >= min bytes")
	}
	start, err := startOffset(opts.StartOffset)
	if err != nil {
		return nil, err
	}

	readerCfg := kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     group,
		GroupTopics: cfg.Topics,
		MinBytes:    opts.MinBytes,
		MaxBytes:    opts.MaxBytes,
		StartOffset: start,
	}
	if opts.TLS {
		readerCfg.Dialer = &kafka.Dialer{Timeout: dialTimeout, TLS: tlsConfig(true)}
	}

	ctx, cancel := context.WithCancel(parent)
	c := &kafkaConsumer{
		reader:  kafka.NewReader(readerCfg),
		offsets: newOffsetTracker(),
		msgCh:   make(chan Message, 64),
		errCh:   make(chan error, 8),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.run(ctx)
	return c, nil
}

func (c *kafkaConsumer) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.msgCh)
	defer close(c.errCh)

	for {
		km, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			select {
			case c.errCh <- err:
			case <-ctx.Done():
				return
			}
			continue
		}

		c.offsets.fetched(km.Topic, km.Partition, km.Offset)
		select {
		case c.msgCh <- c.wrap(km):
		case <-ctx.Done():
			return
		}
	}
}

func (c *kafkaConsumer) wrap(km kafka.Message) Message {
	return Message{
		Topic:     km.Topic,
		Key:       append([]byte(nil), km.Key...),
		Value:     append([]byte(nil), km.Value...),
		Timestamp: km.Time,
		ackFn: func(ctx context.Context) error {
			upTo, ok := c.offsets.ack(km.Topic, km.Partition, km.Offset)
			if !ok {
				return nil
			}
			return c.reader.CommitMessages(ctx, kafka.Message{Topic: km.Topic, Partition: km.Partition, Offset: upTo})
		},
	}
}

func (c *kafkaConsumer) Messages() <-chan Message { return c.msgCh }

func (c *kafkaConsumer) Errors() <-chan error { return c.errCh }

func (c *kafkaConsumer) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		err = c.reader.Close()
		<-c.done
	})
	return err
}

type kafkaProducer struct {
	writer *kafka.Writer
}

func newKafkaProducer(cfg ProducerConfig) (Producer, error) {
	brokers := normalizeList(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("kafka producer requires at least one broker")
	}
	linger := cfg.Kafka.Linger
	if linger <= 0 {
		linger = defaultLinger
	}

	// Hash keeps every batch of one planet, and every claim of one uuid, on one partition.
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: linger,
		RequiredAcks: kafka.RequireAll,
	}
	if cfg.Kafka.TLS {
		w.Transport = &kafka.Transport{TLS: tlsConfig(true)}
	}
	return &kafkaProducer{writer: w}, nil
}

func (p *kafkaProducer) Publish(ctx context.Context, topic string, key, payload []byte) error {
	if topic = strings.TrimSpace(topic); topic == "" {
		return errors.New("topic is required")
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: key, Value: payload})
}

func (p *kafkaProducer) Close() error { return p.writer.Close() }
