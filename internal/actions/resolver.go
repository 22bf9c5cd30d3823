package actions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/seasonpass/tracker/internal/pass"
	"golang.org/x/sync/errgroup"
)

var ErrInvalidConfig = errors.New("actions: invalid config")

// ChainReader is the game-state query collaborator used for cost resolution.
type ChainReader interface {
	// StakeDeposit returns the staked balance of agentAddr as a decimal string.
	StakeDeposit(ctx context.Context, planetID, agentAddr string) (string, error)
	AdventureBossFloor(ctx context.Context, planetID string, seasonIndex int, avatarAddr string) (int64, error)
}

// FloorReader returns the last recorded adventure boss floor of an avatar.
type FloorReader interface {
	ExploreFloor(ctx context.Context, planetID string, seasonIndex int, avatarAddr string) (int64, bool, error)
}

// CoefTier applies Coef (percent) to stakes of at least MinStake.
type CoefTier struct {
	MinStake string
	Coef     int64
}

type ResolverConfig struct {
	APPerAdventure  int64
	APStoneValue    int64
	APPerFloor      int64
	SweepAPPerFloor int64
	MaxFloorSpan    int64

	CoefTiers []CoefTier

	LookupTimeout time.Duration
	MaxLookups    int
}

func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		APPerAdventure:  5,
		APStoneValue:    120,
		APPerFloor:      2,
		SweepAPPerFloor: 2,
		MaxFloorSpan:    5,
		CoefTiers: []CoefTier{
			{MinStake: "0", Coef: 100},
			{MinStake: "5000", Coef: 80},
			{MinStake: "500000", Coef: 60},
		},
		LookupTimeout: 2 * time.Second,
		MaxLookups:    10,
	}
}

type tier struct {
	min  *big.Rat
	coef int64
}

type Resolver struct {
	cfg   ResolverConfig
	chain ChainReader
	tiers []tier
	log   *slog.Logger
}

func NewResolver(cfg ResolverConfig, chain ChainReader, log *slog.Logger) (*Resolver, error) {
	if chain == nil {
		return nil, fmt.Errorf("%w: nil chain reader", ErrInvalidConfig)
	}
	if cfg.APPerAdventure <= 0 || cfg.APStoneValue < 0 || cfg.APPerFloor <= 0 || cfg.SweepAPPerFloor <= 0 || cfg.MaxFloorSpan <= 0 {
		return nil, fmt.Errorf("%w: ap costs must be > 0", ErrInvalidConfig)
	}
	if cfg.LookupTimeout <= 0 {
		return nil, fmt.Errorf("%w: lookup timeout must be > 0", ErrInvalidConfig)
	}
	if cfg.MaxLookups <= 0 {
		return nil, fmt.Errorf("%w: max lookups must be > 0", ErrInvalidConfig)
	}
	if len(cfg.CoefTiers) == 0 {
		return nil, fmt.Errorf("%w: no coefficient tiers", ErrInvalidConfig)
	}
	tiers := make([]tier, 0, len(cfg.CoefTiers))
	for _, t := range cfg.CoefTiers {
		r, ok := new(big.Rat).SetString(t.MinStake)
		if !ok {
			return nil, fmt.Errorf("%w: tier stake %q", ErrInvalidConfig, t.MinStake)
		}
		if t.Coef <= 0 || t.Coef > 100 {
			return nil, fmt.Errorf("%w: tier coef %d", ErrInvalidConfig, t.Coef)
		}
		tiers = append(tiers, tier{min: r, coef: t.Coef})
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].min.Cmp(tiers[j].min) > 0 })

	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Resolver{cfg: cfg, chain: chain, tiers: tiers, log: log}, nil
}

type floorKey struct {
	season int
	avatar string
}

// BatchCache holds stake coefficients and chain floors for the lifetime of one block batch.
type BatchCache struct {
	planetID string

	mu     sync.Mutex
	coefs  map[string]int64
	floors map[floorKey]int64
}

func (r *Resolver) NewBatch(planetID string) *BatchCache {
	return &BatchCache{planetID: planetID, coefs: make(map[string]int64), floors: make(map[floorKey]int64)}
}

func (c *BatchCache) get(agent string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.coefs[agent]
	return v, ok
}

func (c *BatchCache) put(agent string, coef int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.coefs[agent] = coef
}

func (c *BatchCache) getFloor(k floorKey) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.floors[k]
	return v, ok
}

func (c *BatchCache) putFloor(k floorKey, floor int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.floors[k] = floor
}

// Prefetch resolves every chain lookup events will need: the stake coefficient of each
// sweeping agent and the chain floor of each explore without a reported floor or rush
// without a recorded one. Lookups run concurrently, at most MaxLookups at a time, so that
// Count can run inside a store transaction without touching the chain.
func (r *Resolver) Prefetch(ctx context.Context, cache *BatchCache, floors FloorReader, events []Event) error {
	seenAgent := make(map[string]bool)
	seenFloor := make(map[floorKey]bool)
	var (
		agents []string
		keys   []floorKey
	)
	for _, ev := range events {
		p := ev.Payload
		switch ev.Type {
		case pass.ActionSweep:
			if seenAgent[p.AgentAddr] {
				continue
			}
			seenAgent[p.AgentAddr] = true
			if _, ok := cache.get(p.AgentAddr); !ok {
				agents = append(agents, p.AgentAddr)
			}
		case pass.ActionChallenge, pass.ActionRush:
			k := floorKey{p.SeasonIndex, p.AvatarAddr}
			if seenFloor[k] || (ev.Type == pass.ActionChallenge && p.Floor != nil) {
				continue
			}
			seenFloor[k] = true
			if _, ok := cache.getFloor(k); ok {
				continue
			}
			if ev.Type == pass.ActionRush {
				_, recorded, err := floors.ExploreFloor(ctx, cache.planetID, p.SeasonIndex, p.AvatarAddr)
				if err != nil {
					return err
				}
				if recorded {
					continue
				}
			}
			keys = append(keys, k)
		}
	}
	if len(agents) == 0 && len(keys) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxLookups)
	for _, agent := range agents {
		g.Go(func() error {
			coef, err := r.lookupCoef(gctx, cache.planetID, agent)
			if err != nil {
				return err
			}
			cache.put(agent, coef)
			return nil
		})
	}
	for _, k := range keys {
		g.Go(func() error {
			floor, err := r.chainFloor(gctx, cache.planetID, k.season, k.avatar)
			if err != nil {
				return err
			}
			cache.putFloor(k, floor)
			return nil
		})
	}
	return g.Wait()
}

func (r *Resolver) coef(ctx context.Context, cache *BatchCache, agent string) (int64, error) {
	if v, ok := cache.get(agent); ok {
		return v, nil
	}
	v, err := r.lookupCoef(ctx, cache.planetID, agent)
	if err != nil {
		return 0, err
	}
	cache.put(agent, v)
	return v, nil
}

func (r *Resolver) lookupCoef(ctx context.Context, planetID, agent string) (int64, error) {
	cctx, cancel := context.WithTimeout(ctx, r.cfg.LookupTimeout)
	defer cancel()

	raw, err := r.chain.StakeDeposit(cctx, planetID, agent)
	if err != nil {
		return 0, fmt.Errorf("%w: stake deposit %s: %v", pass.ErrUpstream, agent, err)
	}
	return r.CoefForStake(raw)
}

// CoefForStake returns the AP coefficient (percent) for a staked balance.
func (r *Resolver) CoefForStake(raw string) (int64, error) {
	if raw == "" {
		raw = "0"
	}
	stake, ok := new(big.Rat).SetString(raw)
	if !ok {
		return 0, fmt.Errorf("%w: stake deposit %q", pass.ErrUpstream, raw)
	}
	for _, t := range r.tiers {
		if stake.Cmp(t.min) >= 0 {
			return t.coef, nil
		}
	}
	return 100, nil
}

// Tally is the outcome of counting one event.
type Tally struct {
	Count int64
	// Floor is the adventure boss floor the event moves the avatar to. The caller records
	// it only when the event is applied.
	Floor *pass.ExploreState
}

// Count returns the exp-bearing count of one event. Lookups missing from cache fall back to
// the chain.
func (r *Resolver) Count(ctx context.Context, cache *BatchCache, floors FloorReader, ev Event) (Tally, error) {
	p := ev.Payload
	switch ev.Type {
	case pass.ActionSweep:
		coef, err := r.coef(ctx, cache, p.AgentAddr)
		if err != nil {
			return Tally{}, err
		}
		apCost := p.APCost
		if apCost <= 0 {
			apCost = r.cfg.APPerAdventure
		}
		usedAP := p.UsedAP + p.APStoneCount*r.cfg.APStoneValue
		return Tally{Count: floorDiv(usedAP*100, apCost*coef)}, nil

	case pass.ActionChallenge:
		prev, _, err := floors.ExploreFloor(ctx, cache.planetID, p.SeasonIndex, p.AvatarAddr)
		if err != nil {
			return Tally{}, err
		}
		var cur int64
		if p.Floor != nil {
			cur = *p.Floor
		} else {
			cur, err = r.floor(ctx, cache, p.SeasonIndex, p.AvatarAddr)
			if err != nil {
				return Tally{}, err
			}
		}
		span := cur - prev
		if span < 0 {
			span = -span
		}
		span++
		if span > r.cfg.MaxFloorSpan {
			span = r.cfg.MaxFloorSpan
		}
		return Tally{
			Count: r.cfg.APPerFloor * span,
			Floor: &pass.ExploreState{PlanetID: cache.planetID, SeasonIndex: p.SeasonIndex, AvatarAddr: p.AvatarAddr, Floor: cur},
		}, nil

	case pass.ActionRush:
		floor, ok, err := floors.ExploreFloor(ctx, cache.planetID, p.SeasonIndex, p.AvatarAddr)
		if err != nil {
			return Tally{}, err
		}
		if ok {
			return Tally{Count: r.cfg.SweepAPPerFloor * floor}, nil
		}
		floor, err = r.floor(ctx, cache, p.SeasonIndex, p.AvatarAddr)
		if err != nil {
			return Tally{}, err
		}
		r.log.Info("adventure boss floor reconciled from chain", "planetID", cache.planetID, "avatar", p.AvatarAddr, "floor", floor)
		return Tally{
			Count: r.cfg.SweepAPPerFloor * floor,
			Floor: &pass.ExploreState{PlanetID: cache.planetID, SeasonIndex: p.SeasonIndex, AvatarAddr: p.AvatarAddr, Floor: floor},
		}, nil

	default:
		return Tally{Count: p.CountBase}, nil
	}
}

func (r *Resolver) floor(ctx context.Context, cache *BatchCache, seasonIndex int, avatar string) (int64, error) {
	k := floorKey{seasonIndex, avatar}
	if v, ok := cache.getFloor(k); ok {
		return v, nil
	}
	v, err := r.chainFloor(ctx, cache.planetID, seasonIndex, avatar)
	if err != nil {
		return 0, err
	}
	cache.putFloor(k, v)
	return v, nil
}

func (r *Resolver) chainFloor(ctx context.Context, planetID string, seasonIndex int, avatar string) (int64, error) {
	cctx, cancel := context.WithTimeout(ctx, r.cfg.LookupTimeout)
	defer cancel()

	floor, err := r.chain.AdventureBossFloor(cctx, planetID, seasonIndex, avatar)
	if err != nil {
		return 0, fmt.Errorf("%w: adventure boss floor %s: %v", pass.ErrUpstream, avatar, err)
	}
	return floor, nil
}

func floorDiv(a, b int64) int64 {
	if b == 0 {
		return 0
	}
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
