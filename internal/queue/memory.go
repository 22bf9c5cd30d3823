package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryBroker is an in-process queue used by tests and single-binary local runs.
// Every consumer receives every message published to its topics after it subscribed.
type MemoryBroker struct {
	mu    sync.Mutex
	subs  map[string][]*memoryConsumer
	acked int
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string][]*memoryConsumer)}
}

// Acked returns how many messages have been acknowledged.
func (b *MemoryBroker) Acked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked
}

func (b *MemoryBroker) Producer() Producer { return &memoryProducer{b: b} }

func (b *MemoryBroker) Consumer(topics ...string) Consumer {
	c := &memoryConsumer{
		b:     b,
		msgCh: make(chan Message, 1024),
		errCh: make(chan error),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range topics {
		b.subs[t] = append(b.subs[t], c)
	}
	return c
}

func (b *MemoryBroker) publish(ctx context.Context, topic string, key, payload []byte) error {
	b.mu.Lock()
	subs := append([]*memoryConsumer(nil), b.subs[topic]...)
	b.mu.Unlock()

	for _, c := range subs {
		msg := Message{
			Topic:     topic,
			Key:       append([]byte(nil), key...),
			Value:     append([]byte(nil), payload...),
			Timestamp: time.Now().UTC(),
			ackFn: func(context.Context) error {
				b.mu.Lock()
				b.acked++
				b.mu.Unlock()
				return nil
			},
		}
		if err := c.deliver(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

type memoryProducer struct {
	b *MemoryBroker
}

func (p *memoryProducer) Publish(ctx context.Context, topic string, key, payload []byte) error {
	if topic == "" {
		return errors.New("topic is required")
	}
	return p.b.publish(ctx, topic, key, payload)
}

func (p *memoryProducer) Close() error { return nil }

type memoryConsumer struct {
	b     *MemoryBroker
	mu    sync.Mutex
	done  bool
	msgCh chan Message
	errCh chan error
}

func (c *memoryConsumer) deliver(ctx context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return nil
	}
	select {
	case c.msgCh <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *memoryConsumer) Messages() <-chan Message { return c.msgCh }

func (c *memoryConsumer) Errors() <-chan error { return c.errCh }

func (c *memoryConsumer) Close() error {
	c.b.mu.Lock()
	for topic, subs := range c.b.subs {
		kept := subs[:0]
		for _, s := range subs {
			if s != c {
				kept = append(kept, s)
			}
		}
		c.b.subs[topic] = kept
	}
	c.b.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.done {
		c.done = true
		close(c.msgCh)
		close(c.errCh)
	}
	return nil
}
