package nonce

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/seasonpass/tracker/internal/ledger"
	"github.com/seasonpass/tracker/internal/pass"
)

func u64(v uint64) *uint64 { return &v }

func TestNext(t *testing.T) {
	t.Parallel()

	cases := []struct {
		chain    uint64
		localMax *uint64
		want     uint64
	}{
		{5, u64(7), 8},
		{9, u64(7), 9},
		{3, nil, 3},
		{0, u64(0), 1},
		{8, u64(7), 8},
	}
	for _, tc := range cases {
		if got := Next(tc.chain, tc.localMax); got != tc.want {
			t.Fatalf("Next(%d, %v): got %d want %d", tc.chain, tc.localMax, got, tc.want)
		}
	}
}

type stubNoncer struct {
	mu    sync.Mutex
	next  uint64
	err   error
	calls int
}

func (s *stubNoncer) NextNonce(context.Context, string, string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.next, s.err
}

func newClaims(t *testing.T, planet string, ids ...string) *ledger.MemoryStore {
	t.Helper()
	s := ledger.NewMemoryStore()
	for _, id := range ids {
		if err := s.InTx(context.Background(), func(tx ledger.Tx) error {
			return tx.InsertClaim(context.Background(), pass.Claim{UUID: id, PlanetID: planet})
		}); err != nil {
			t.Fatalf("InsertClaim: %v", err)
		}
	}
	return s
}

func TestAllocator_AssignsGaplessSequence(t *testing.T) {
	t.Parallel()

	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	store := newClaims(t, "odin", ids...)
	chain := &stubNoncer{next: 5}
	a, err := NewAllocator(chain, store, "0xsigner", 0)
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}

	var wg sync.WaitGroup
	got := make([]uint64, len(ids))
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i], errs[i] = a.Assign(context.Background(), "odin", id)
		}()
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for i, n := range got {
		if errs[i] != nil {
			t.Fatalf("Assign %s: %v", ids[i], errs[i])
		}
		if n < 5 || n >= 5+uint64(len(ids)) || seen[n] {
			t.Fatalf("nonce %d out of sequence: %v", n, got)
		}
		seen[n] = true
	}

	again, err := a.Assign(context.Background(), "odin", "a")
	if err != nil || again != got[0] {
		t.Fatalf("reassign: got %d want %d err=%v", again, got[0], err)
	}
	if chain.calls != len(ids) {
		t.Fatalf("chain calls: got %d want %d", chain.calls, len(ids))
	}
}

func TestAllocator_ChainAheadWins(t *testing.T) {
	t.Parallel()

	store := newClaims(t, "odin", "a", "b")
	chain := &stubNoncer{next: 2}
	a, _ := NewAllocator(chain, store, "0xsigner", 0)

	if n, _ := a.Assign(context.Background(), "odin", "a"); n != 2 {
		t.Fatalf("first: %d", n)
	}
	chain.next = 40
	if n, _ := a.Assign(context.Background(), "odin", "b"); n != 40 {
		t.Fatalf("second: %d", n)
	}
}

func TestAllocator_UpstreamError(t *testing.T) {
	t.Parallel()

	store := newClaims(t, "odin", "a")
	a, _ := NewAllocator(&stubNoncer{err: errors.New("timeout")}, store, "0xsigner", 0)
	if _, err := a.Assign(context.Background(), "odin", "a"); !errors.Is(err, pass.ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	c, _ := store.GetClaim(context.Background(), "a")
	if c.Nonce != nil {
		t.Fatalf("nonce assigned despite error")
	}
}

func TestNewAllocator_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewAllocator(nil, ledger.NewMemoryStore(), "0x1", 0); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil chain: %v", err)
	}
	if _, err := NewAllocator(&stubNoncer{}, ledger.NewMemoryStore(), "", 0); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("missing signer: %v", err)
	}
}
