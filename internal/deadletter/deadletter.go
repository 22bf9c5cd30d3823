// Package deadletter keeps messages that exhausted their retries so they can be inspected
// and replayed.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/crypto/sha3"

	"github.com/seasonpass/tracker/internal/queue"
)

var ErrInvalidConfig = errors.New("deadletter: invalid config")

type Record struct {
	Topic    string    `json:"topic"`
	Key      []byte    `json:"key,omitempty"`
	Value    []byte    `json:"value"`
	Error    string    `json:"error"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}

// ID identifies the failed payload. The same message failing twice maps to the same id.
func (r Record) ID() string {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(r.Topic))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(r.Key)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(r.Value)
	return hexutil.Encode(h.Sum(nil))[2:]
}

type Sink interface {
	Put(ctx context.Context, r Record) error
}

// QueueSink publishes records as JSON to a dead-letter topic.
type QueueSink struct {
	topic string
	pub   queue.Producer
}

func NewQueueSink(topic string, pub queue.Producer) (*QueueSink, error) {
	if strings.TrimSpace(topic) == "" || pub == nil {
		return nil, fmt.Errorf("%w: topic and producer are required", ErrInvalidConfig)
	}
	return &QueueSink{topic: strings.TrimSpace(topic), pub: pub}, nil
}

func (s *QueueSink) Put(ctx context.Context, r Record) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("deadletter: marshal record: %w", err)
	}
	if err := s.pub.Publish(ctx, s.topic, r.Key, payload); err != nil {
		return fmt.Errorf("deadletter: publish: %w", err)
	}
	return nil
}

// ArchiveSink writes each record once under <topic>/<date>/<id>.json.
type ArchiveSink struct {
	archive Archive
}

func NewArchiveSink(archive Archive) (*ArchiveSink, error) {
	if archive == nil {
		return nil, fmt.Errorf("%w: nil archive", ErrInvalidConfig)
	}
	return &ArchiveSink{archive: archive}, nil
}

func ArchiveKey(r Record) string {
	topic := strings.ReplaceAll(strings.TrimSpace(r.Topic), "/", "_")
	if topic == "" {
		topic = "unknown"
	}
	return fmt.Sprintf("%s/%s/%s.json", topic, r.FailedAt.UTC().Format("2006/01/02"), r.ID())
}

func (s *ArchiveSink) Put(ctx context.Context, r Record) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("deadletter: marshal record: %w", err)
	}
	// A payload that failed before keeps its first record.
	_, err = s.archive.Create(ctx, ArchiveKey(r), payload, map[string]string{
		"topic":    r.Topic,
		"attempts": strconv.Itoa(r.Attempts),
	})
	return err
}

// Load reads an archived record back.
func (s *ArchiveSink) Load(ctx context.Context, key string) (Record, error) {
	b, err := s.archive.Read(ctx, key)
	if err != nil {
		return Record{}, err
	}
	return DecodeRecord(b)
}

func DecodeRecord(b []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return Record{}, fmt.Errorf("deadletter: decode record: %w", err)
	}
	if strings.TrimSpace(r.Topic) == "" || len(r.Value) == 0 {
		return Record{}, fmt.Errorf("deadletter: record without topic or value")
	}
	return r, nil
}

// Replay publishes the failed message back to its original topic with its original key.
func Replay(ctx context.Context, pub queue.Producer, r Record) error {
	if err := pub.Publish(ctx, r.Topic, r.Key, r.Value); err != nil {
		return fmt.Errorf("deadletter: replay %s: %w", r.ID(), err)
	}
	return nil
}
