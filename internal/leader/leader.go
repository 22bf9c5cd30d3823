// Package leader elects a single instance to run periodic claim sweeps.
package leader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidConfig = errors.New("leader: invalid config")
	ErrInvalidInput  = errors.New("leader: invalid input")
)

// Lease is a named, expiring ownership record. Term grows by one each time the lease
// changes hands, so log lines and sweep results can be attributed to one leadership.
type Lease struct {
	Name      string
	Owner     string
	Term      uint64
	ExpiresAt time.Time
}

// Store grants leases with compare-and-swap semantics.
//
// Acquire succeeds when the lease is absent, expired or already held by owner, and
// extends it by ttl. Otherwise it returns the current holder with ok false.
// Release expires the lease now when owner holds it and keeps its term.
type Store interface {
	Acquire(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, name, owner string) error
}

func ValidateInput(name, owner string, ttl time.Duration) error {
	if name == "" || owner == "" || ttl <= 0 {
		return fmt.Errorf("%w: name and owner must be non-empty and ttl must be > 0", ErrInvalidInput)
	}
	return nil
}

// DefaultOwner identifies this process as hostname-pid.
func DefaultOwner() string {
	host, _ := os.Hostname()
	host = strings.TrimSpace(host)
	if host == "" {
		host = "local"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Elector tracks whether this instance holds a lease. Call Tick more often than the ttl.
type Elector struct {
	store Store
	name  string
	owner string
	ttl   time.Duration
	log   *slog.Logger

	mu     sync.Mutex
	leader bool
	term   uint64
}

func NewElector(store Store, name, owner string, ttl time.Duration, log *slog.Logger) (*Elector, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := ValidateInput(name, owner, ttl); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Elector{store: store, name: name, owner: owner, ttl: ttl, log: log}, nil
}

// Tick acquires or renews the lease and reports whether this instance leads.
// A store error drops leadership.
func (e *Elector) Tick(ctx context.Context) (bool, error) {
	l, ok, err := e.store.Acquire(ctx, e.name, e.owner, e.ttl)

	e.mu.Lock()
	defer e.mu.Unlock()
	was := e.leader
	e.leader = err == nil && ok
	if e.leader {
		e.term = l.Term
	}

	switch {
	case err != nil:
		if was {
			e.log.Warn("leadership lost", "lease", e.name, "owner", e.owner, "err", err)
		}
		return false, err
	case e.leader && !was:
		e.log.Info("leadership acquired", "lease", e.name, "owner", e.owner, "term", l.Term, "expiresAt", l.ExpiresAt)
	case !e.leader && was:
		e.log.Warn("leadership lost", "lease", e.name, "owner", e.owner, "holder", l.Owner, "term", l.Term)
	}
	return e.leader, nil
}

func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader
}

// Term is the term of the last lease this instance held.
func (e *Elector) Term() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.term
}

// Release gives up the lease so another instance can take over without waiting for expiry.
func (e *Elector) Release(ctx context.Context) error {
	e.mu.Lock()
	e.leader = false
	e.mu.Unlock()
	return e.store.Release(ctx, e.name, e.owner)
}

// Guard returns fn wrapped to run only while this instance leads.
func (e *Elector) Guard(fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		ok, err := e.Tick(ctx)
		if err != nil || !ok {
			return err
		}
		return fn(ctx)
	}
}
