package queue

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"sync"
	"time"
)

const defaultMaxLineBytes = 1 << 20

// stdioConsumer turns each non-blank input line into one message.
type stdioConsumer struct {
	msgCh chan Message
	errCh chan error

	stop context.CancelFunc
}

func newStdioConsumer(parent context.Context, cfg ConsumerConfig) Consumer {
	r := cfg.Reader
	if r == nil {
		r = os.Stdin
	}
	limit := cfg.MaxLineBytes
	if limit <= 0 {
		limit = defaultMaxLineBytes
	}
	var topic string
	if len(cfg.Topics) > 0 {
		topic = cfg.Topics[0]
	}

	ctx, stop := context.WithCancel(parent)
	c := &stdioConsumer{
		msgCh: make(chan Message, 64),
		errCh: make(chan error, 1),
		stop:  stop,
	}
	go c.scan(ctx, r, limit, topic)
	return c
}

func (c *stdioConsumer) scan(ctx context.Context, r io.Reader, limit int, topic string) {
	defer close(c.msgCh)
	defer close(c.errCh)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), limit)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		msg := Message{Topic: topic, Value: bytes.Clone(line), Timestamp: time.Now().UTC()}
		select {
		case c.msgCh <- msg:
		case <-ctx.Done():
			return
		}
	}
	if err := sc.Err(); err != nil {
		c.errCh <- err
	}
}

func (c *stdioConsumer) Messages() <-chan Message { return c.msgCh }

func (c *stdioConsumer) Errors() <-chan error { return c.errCh }

func (c *stdioConsumer) Close() error {
	c.stop()
	return nil
}

// stdioProducer writes payloads one per line. Topic and key are dropped.
type stdioProducer struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func newStdioProducer(w io.Writer) Producer {
	if w == nil {
		w = os.Stdout
	}
	return &stdioProducer{w: bufio.NewWriter(w)}
}

func (p *stdioProducer) Publish(_ context.Context, _ string, _, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.w.Write(payload); err != nil {
		return err
	}
	if err := p.w.WriteByte('\n'); err != nil {
		return err
	}
	return p.w.Flush()
}

func (p *stdioProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.w.Flush()
}
