package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/seasonpass/tracker/internal/actions"
	"github.com/seasonpass/tracker/internal/claim"
	"github.com/seasonpass/tracker/internal/deadletter"
	"github.com/seasonpass/tracker/internal/queue"
)

const (
	kindBatch      = "batch"
	kindClaim      = "claim"
	kindDeadLetter = "deadletter"
)

func main() {
	if err := runMain(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runMain publishes newline-delimited action batches or claim messages, or replays
// dead-letter records to the topic they failed on. Every record is validated before
// anything is sent.
func runMain(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("batch-publish", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	queueDriver := fs.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
	queueBrokers := fs.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
	topic := fs.String("topic", "", "queue topic (required unless --kind deadletter)")
	kind := fs.String("kind", kindBatch, "record kind: batch|claim|deadletter")
	file := fs.String("file", "", "newline-delimited records; stdin when empty")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*topic) == "" && *kind != kindDeadLetter {
		return errors.New("--topic is required")
	}

	in := stdin
	if *file != "" {
		f, err := os.Open(*file)
		if err != nil {
			return fmt.Errorf("open %q: %w", *file, err)
		}
		defer f.Close()
		in = f
	}
	records, err := loadRecords(in, *kind)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return errors.New("no records to publish")
	}

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
		Writer:  stdout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = producer.Close() }()

	ctx := context.Background()
	for i, r := range records {
		t := *topic
		if r.topic != "" {
			t = r.topic
		}
		if err := producer.Publish(ctx, t, r.key, r.value); err != nil {
			return fmt.Errorf("publish record %d: %w", i+1, err)
		}
	}
	return nil
}

type record struct {
	topic string
	key   []byte
	value []byte
}

// loadRecords keys batches by planet so one planet's blocks stay ordered. Claim
// messages are keyed by uuid. Dead-letter records keep their original topic and key.
func loadRecords(r io.Reader, kind string) ([]record, error) {
	if r == nil {
		return nil, errors.New("no input")
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 1<<20)

	var out []record
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		value := append([]byte(nil), raw...)

		switch kind {
		case kindBatch:
			b, err := actions.DecodeBatch(value)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			out = append(out, record{key: []byte(b.PlanetID), value: value})
		case kindClaim:
			m, err := claim.DecodeMessage(value)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			out = append(out, record{key: []byte(m.UUID), value: value})
		case kindDeadLetter:
			d, err := deadletter.DecodeRecord(value)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			out = append(out, record{topic: d.Topic, key: d.Key, value: d.Value})
		default:
			return nil, fmt.Errorf("unsupported --kind %q", kind)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}
	return out, nil
}
