package leader

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps leases in process, for tests and single-instance runs.
type MemoryStore struct {
	now func() time.Time

	mu     sync.Mutex
	leases map[string]Lease
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, leases: make(map[string]Lease)}
}

func (s *MemoryStore) Acquire(_ context.Context, name, owner string, ttl time.Duration) (Lease, bool, error) {
	if err := ValidateInput(name, owner, ttl); err != nil {
		return Lease{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	held := s.leases[name]
	live := held.ExpiresAt.After(now)
	if live && held.Owner != owner {
		return held, false, nil
	}

	next := Lease{Name: name, Owner: owner, Term: held.Term, ExpiresAt: now.Add(ttl)}
	if held.Owner != owner {
		next.Term++
	}
	s.leases[name] = next
	return next, true, nil
}

func (s *MemoryStore) Release(_ context.Context, name, owner string) error {
	if name == "" || owner == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.leases[name]; ok && l.Owner == owner {
		l.ExpiresAt = s.now()
		s.leases[name] = l
	}
	return nil
}
