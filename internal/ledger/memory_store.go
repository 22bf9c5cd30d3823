package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/seasonpass/tracker/internal/pass"
)

type progressKey struct {
	planet string
	season int64
	avatar string
}

type blockKey struct {
	planet string
	pt     pass.PassType
	block  int64
}

type floorKey struct {
	planet string
	season int
	avatar string
}

type memState struct {
	progress map[progressKey]pass.Progress
	history  []pass.ActionHistory
	blocks   map[blockKey]struct{}
	floors   map[floorKey]int64
	claims   map[string]pass.Claim
}

func newMemState() memState {
	return memState{
		progress: make(map[progressKey]pass.Progress),
		blocks:   make(map[blockKey]struct{}),
		floors:   make(map[floorKey]int64),
		claims:   make(map[string]pass.Claim),
	}
}

func (s memState) clone() memState {
	out := newMemState()
	for k, v := range s.progress {
		out.progress[k] = v
	}
	out.history = append([]pass.ActionHistory(nil), s.history...)
	for k := range s.blocks {
		out.blocks[k] = struct{}{}
	}
	for k, v := range s.floors {
		out.floors[k] = v
	}
	for k, v := range s.claims {
		out.claims[k] = v.Clone()
	}
	return out
}

// MemoryStore keeps ledger, claim and nonce state in process. Transactions are serialized
// and roll back by restoring a snapshot. Store methods must not be called from inside InTx.
type MemoryStore struct {
	mu  sync.Mutex
	st  memState
	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: newMemState(), now: time.Now}
}

// SetNow overrides the clock used for claim timestamps.
func (s *MemoryStore) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.st.clone()
	if err := fn(&memTx{st: &s.st, now: s.now}); err != nil {
		s.st = snap
		return err
	}
	if err := ctx.Err(); err != nil {
		s.st = snap
		return err
	}
	return nil
}

func (s *MemoryStore) GetProgress(_ context.Context, planetID string, seasonID int64, avatarAddr string) (pass.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.st.progress[progressKey{planetID, seasonID, avatarAddr}]
	if !ok {
		return pass.Progress{}, fmt.Errorf("%w: progress %s/%d/%s", pass.ErrNotFound, planetID, seasonID, avatarAddr)
	}
	return p, nil
}

func (s *MemoryStore) ListHistory(_ context.Context, planetID string, seasonID int64, avatarAddr string) ([]pass.ActionHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []pass.ActionHistory
	for _, h := range s.st.history {
		if h.PlanetID == planetID && h.SeasonID == seasonID && h.AvatarAddr == avatarAddr {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *MemoryStore) MissingBlocks(_ context.Context, planetID string, pt pass.PassType, from, to int64, limit int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []int64
	for b := from; b <= to && (limit <= 0 || len(out) < limit); b++ {
		if _, ok := s.st.blocks[blockKey{planetID, pt, b}]; !ok {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *MemoryStore) LatestBlock(_ context.Context, planetID string, pt pass.PassType) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		latest int64
		found  bool
	)
	for k := range s.st.blocks {
		if k.planet == planetID && k.pt == pt && (!found || k.block > latest) {
			latest, found = k.block, true
		}
	}
	return latest, found, nil
}

func (s *MemoryStore) BlockApplied(_ context.Context, planetID string, pt pass.PassType, block int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.st.blocks[blockKey{planetID, pt, block}]
	return ok, nil
}

func (s *MemoryStore) ExploreFloor(_ context.Context, planetID string, seasonIndex int, avatarAddr string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.st.floors[floorKey{planetID, seasonIndex, avatarAddr}]
	return v, ok, nil
}

type memTx struct {
	st  *memState
	now func() time.Time
}

func (t *memTx) ReserveBlock(_ context.Context, planetID string, pt pass.PassType, block int64) (bool, error) {
	k := blockKey{planetID, pt, block}
	if _, ok := t.st.blocks[k]; ok {
		return false, nil
	}
	t.st.blocks[k] = struct{}{}
	return true, nil
}

func (t *memTx) LockProgress(_ context.Context, planetID string, seasonID int64, avatarAddr, agentAddr string) (pass.Progress, error) {
	k := progressKey{planetID, seasonID, avatarAddr}
	p, ok := t.st.progress[k]
	if !ok {
		p = pass.Progress{PlanetID: planetID, SeasonID: seasonID, AvatarAddr: avatarAddr, AgentAddr: agentAddr}
		t.st.progress[k] = p
	}
	if p.AgentAddr == "" && agentAddr != "" {
		p.AgentAddr = agentAddr
		t.st.progress[k] = p
	}
	return p, nil
}

func (t *memTx) SaveProgress(_ context.Context, p pass.Progress) error {
	k := progressKey{p.PlanetID, p.SeasonID, p.AvatarAddr}
	if _, ok := t.st.progress[k]; !ok {
		return fmt.Errorf("%w: progress %s/%d/%s not locked", pass.ErrNotFound, p.PlanetID, p.SeasonID, p.AvatarAddr)
	}
	t.st.progress[k] = p
	return nil
}

func (t *memTx) AppendHistory(_ context.Context, h pass.ActionHistory) error {
	t.st.history = append(t.st.history, h)
	return nil
}

func (t *memTx) ExploreFloor(_ context.Context, planetID string, seasonIndex int, avatarAddr string) (int64, bool, error) {
	v, ok := t.st.floors[floorKey{planetID, seasonIndex, avatarAddr}]
	return v, ok, nil
}

func (t *memTx) SetExploreFloor(_ context.Context, st pass.ExploreState) error {
	t.st.floors[floorKey{st.PlanetID, st.SeasonIndex, st.AvatarAddr}] = st.Floor
	return nil
}

func (t *memTx) InsertClaim(_ context.Context, c pass.Claim) error {
	if _, ok := t.st.claims[c.UUID]; ok {
		return fmt.Errorf("%w: claim %s", pass.ErrConflict, c.UUID)
	}
	c = c.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = t.now().UTC()
	}
	c.UpdatedAt = c.CreatedAt
	if c.Status == pass.TxNone {
		c.Status = pass.TxCreated
	}
	t.st.claims[c.UUID] = c
	return nil
}

func (s *MemoryStore) GetClaim(_ context.Context, uuid string) (pass.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.st.claims[uuid]
	if !ok {
		return pass.Claim{}, fmt.Errorf("%w: claim %s", pass.ErrNotFound, uuid)
	}
	return c.Clone(), nil
}

func (s *MemoryStore) SetSignedTx(_ context.Context, uuid string, tx []byte, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.st.claims[uuid]
	if !ok {
		return fmt.Errorf("%w: claim %s", pass.ErrNotFound, uuid)
	}
	if c.Tx != nil {
		return fmt.Errorf("%w: claim %s already signed", pass.ErrConflict, uuid)
	}
	c.Tx = append([]byte(nil), tx...)
	c.TxID = txID
	c.Status = pass.TxCreated
	c.UpdatedAt = s.now().UTC()
	s.st.claims[uuid] = c
	return nil
}

func (s *MemoryStore) RecordStage(_ context.Context, uuid string, status pass.TxStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.st.claims[uuid]
	if !ok {
		return fmt.Errorf("%w: claim %s", pass.ErrNotFound, uuid)
	}
	c.Status = status
	c.StageAttempts++
	c.UpdatedAt = s.now().UTC()
	s.st.claims[uuid] = c
	return nil
}

func (s *MemoryStore) SetStatus(_ context.Context, uuid string, status pass.TxStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.st.claims[uuid]
	if !ok {
		return fmt.Errorf("%w: claim %s", pass.ErrNotFound, uuid)
	}
	c.Status = status
	c.UpdatedAt = s.now().UTC()
	s.st.claims[uuid] = c
	return nil
}

func (s *MemoryStore) ListStuck(_ context.Context, before time.Time, limit int) ([]pass.Claim, error) {
	return s.listClaims(limit, func(c pass.Claim) bool {
		return (c.Status == pass.TxCreated || c.Status == pass.TxInvalid) && c.CreatedAt.Before(before)
	}), nil
}

func (s *MemoryStore) ListTracking(_ context.Context, limit int) ([]pass.Claim, error) {
	return s.listClaims(limit, func(c pass.Claim) bool {
		return (c.Status == pass.TxStaged || c.Status == pass.TxInvalid) && c.TxID != ""
	}), nil
}

func (s *MemoryStore) CountInFlight(_ context.Context, planetID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, c := range s.st.claims {
		if c.PlanetID == planetID && (c.Status == pass.TxStaged || c.Status == pass.TxInvalid) {
			n++
		}
	}
	return n, nil
}

// listClaims returns matching claims ordered by planet, then nonce with unassigned last,
// then creation time.
func (s *MemoryStore) listClaims(limit int, match func(pass.Claim) bool) []pass.Claim {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []pass.Claim
	for _, c := range s.st.claims {
		if match(c) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.PlanetID != b.PlanetID {
			return a.PlanetID < b.PlanetID
		}
		switch {
		case a.Nonce != nil && b.Nonce != nil && *a.Nonce != *b.Nonce:
			return *a.Nonce < *b.Nonce
		case a.Nonce != nil && b.Nonce == nil:
			return true
		case a.Nonce == nil && b.Nonce != nil:
			return false
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.UUID < b.UUID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// AssignNonce gives the claim a nonce unless it already has one. next receives the highest
// nonce assigned on the planet so far. Calls are serialized across the store.
func (s *MemoryStore) AssignNonce(ctx context.Context, planetID, uuid string, next func(ctx context.Context, localMax *uint64) (uint64, error)) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.st.claims[uuid]
	if !ok {
		return 0, fmt.Errorf("%w: claim %s", pass.ErrNotFound, uuid)
	}
	if c.Nonce != nil {
		return *c.Nonce, nil
	}

	var localMax *uint64
	for _, other := range s.st.claims {
		if other.PlanetID != planetID || other.Nonce == nil {
			continue
		}
		if localMax == nil || *other.Nonce > *localMax {
			v := *other.Nonce
			localMax = &v
		}
	}

	n, err := next(ctx, localMax)
	if err != nil {
		return 0, err
	}
	if localMax != nil && n <= *localMax {
		return 0, fmt.Errorf("%w: nonce %d not above %d", pass.ErrConflict, n, *localMax)
	}
	c.Nonce = &n
	c.UpdatedAt = s.now().UTC()
	s.st.claims[uuid] = c
	return n, nil
}

var _ Store = (*MemoryStore)(nil)
