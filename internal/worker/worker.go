// Package worker drains a queue consumer through a handler with bounded retries.
//
// A message is acknowledged only after its handler succeeded or it was written to the
// dead-letter sink. Messages interrupted by shutdown stay unacknowledged and are
// redelivered.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/seasonpass/tracker/internal/deadletter"
	"github.com/seasonpass/tracker/internal/pass"
	"github.com/seasonpass/tracker/internal/queue"
)

var ErrInvalidConfig = errors.New("worker: invalid config")

type Handler func(ctx context.Context, msg queue.Message) error

type Config struct {
	Name string

	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration

	HandleTimeout time.Duration
	AckTimeout    time.Duration

	// MaxInflight bounds concurrent handlers. 1 keeps delivery order.
	MaxInflight int

	// Permanent reports errors that must not be retried. Defaults to invalid input and
	// missing records.
	Permanent func(error) bool

	Now func() time.Time
}

type Worker struct {
	cfg      Config
	consumer queue.Consumer
	handle   Handler
	dead     deadletter.Sink
	log      *slog.Logger
}

func New(cfg Config, consumer queue.Consumer, handle Handler, dead deadletter.Sink, log *slog.Logger) (*Worker, error) {
	if consumer == nil || handle == nil || dead == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.Name == "" {
		cfg.Name = "worker"
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 200 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		return nil, fmt.Errorf("%w: MaxInterval must be >= InitialInterval", ErrInvalidConfig)
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = 30 * time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 1
	}
	if cfg.Permanent == nil {
		cfg.Permanent = DefaultPermanent
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Worker{cfg: cfg, consumer: consumer, handle: handle, dead: dead, log: log}, nil
}

func DefaultPermanent(err error) bool {
	return errors.Is(err, pass.ErrInvalidState) || errors.Is(err, pass.ErrNotFound)
}

// Run consumes until ctx is done or the consumer closes, then waits for in-flight handlers.
func (w *Worker) Run(ctx context.Context) error {
	sem := make(chan struct{}, w.cfg.MaxInflight)
	var wg sync.WaitGroup

	msgCh := w.consumer.Messages()
	errCh := w.consumer.Errors()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				w.log.Error("queue consume error", "worker", w.cfg.Name, "err", err)
			}
		case msg, ok := <-msgCh:
			if !ok {
				wg.Wait()
				return nil
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				wg.Wait()
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				w.Handle(ctx, msg)
			}()
		}
	}
}

// Handle runs one message through the retry policy and acknowledges it when done.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) {
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		hctx, cancel := context.WithTimeout(ctx, w.cfg.HandleTimeout)
		defer cancel()
		err := w.handle(hctx, msg)
		if err != nil && w.cfg.Permanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(w.backOff()),
		backoff.WithMaxTries(w.cfg.MaxAttempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			w.log.Warn("handler failed, retrying", "worker", w.cfg.Name, "topic", msg.Topic, "next", next, "err", err)
		}),
	)
	if err == nil {
		w.ack(msg)
		return
	}
	if ctx.Err() != nil {
		w.log.Info("handler interrupted, leaving message for redelivery", "worker", w.cfg.Name, "topic", msg.Topic)
		return
	}

	rec := deadletter.Record{
		Topic:    msg.Topic,
		Key:      msg.Key,
		Value:    msg.Value,
		Error:    err.Error(),
		Attempts: attempts,
		FailedAt: w.cfg.Now().UTC(),
	}
	if derr := w.dead.Put(ctx, rec); derr != nil {
		w.log.Error("dead-letter write failed, message left unacknowledged", "worker", w.cfg.Name, "topic", msg.Topic, "err", derr)
		return
	}
	w.log.Error("message dead-lettered", "worker", w.cfg.Name, "topic", msg.Topic, "id", rec.ID(), "attempts", attempts, "err", err)
	w.ack(msg)
}

func (w *Worker) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.InitialInterval
	b.MaxInterval = w.cfg.MaxInterval
	return b
}

func (w *Worker) ack(msg queue.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.AckTimeout)
	defer cancel()
	if err := msg.Ack(ctx); err != nil && !errors.Is(err, context.Canceled) {
		w.log.Error("ack message", "worker", w.cfg.Name, "topic", msg.Topic, "err", err)
	}
}
