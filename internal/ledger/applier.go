package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seasonpass/tracker/internal/actions"
	"github.com/seasonpass/tracker/internal/catalog"
	"github.com/seasonpass/tracker/internal/pass"
)

const stageLookups = 8

// StageReader returns the authoritative last cleared stage of an avatar.
type StageReader interface {
	LastClearedStage(ctx context.Context, planetID, avatarAddr string) (world int, stage int64, err error)
}

type ApplierConfig struct {
	PassType pass.PassType
	Now      func() time.Time
}

// Applier turns action batches into progress for one pass type.
type Applier struct {
	cfg      ApplierConfig
	store    Store
	catalog  *catalog.Catalog
	resolver *actions.Resolver
	stages   StageReader
	log      *slog.Logger
}

func NewApplier(cfg ApplierConfig, store Store, cat *catalog.Catalog, resolver *actions.Resolver, stages StageReader, log *slog.Logger) (*Applier, error) {
	if _, err := pass.ParsePassType(string(cfg.PassType)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if store == nil || cat == nil || resolver == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.PassType == pass.PassWorldClear && stages == nil {
		return nil, fmt.Errorf("%w: world clear requires a stage reader", ErrInvalidConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Applier{cfg: cfg, store: store, catalog: cat, resolver: resolver, stages: stages, log: log}, nil
}

// Result summarizes one ApplyBlock call.
type Result struct {
	Duplicate bool
	NoSeason  bool
	SeasonID  int64
	Applied   int
	Dropped   int
}

// ApplyBlock applies every action of b that feeds the applier's pass type. A block that was
// already applied is skipped without error. Without an active season only the block
// reservation is written. Chain lookups all happen before the store transaction opens.
func (a *Applier) ApplyBlock(ctx context.Context, b actions.Batch) (Result, error) {
	pt := a.cfg.PassType
	applied, err := a.store.BlockApplied(ctx, b.PlanetID, pt, b.Block)
	if err != nil {
		return Result{}, err
	}
	if applied {
		a.log.Debug("block already applied", "planetID", b.PlanetID, "passType", pt, "block", b.Block)
		return Result{Duplicate: true}, nil
	}

	season, ok, err := a.catalog.CurrentSeason(ctx, pt, a.cfg.Now())
	if err != nil {
		return Result{}, fmt.Errorf("ledger: current season: %w", err)
	}

	var (
		events     []actions.Event
		thresholds []pass.LevelThreshold
		stages     map[string]int64
		cache      = a.resolver.NewBatch(b.PlanetID)
	)
	if ok {
		events = actions.Events(b, pt)
		if pt == pass.PassWorldClear {
			stages, err = a.prefetchStages(ctx, b.PlanetID, season.ID, events)
			if err != nil {
				return Result{}, err
			}
		} else {
			if err := a.resolver.Prefetch(ctx, cache, a.store, events); err != nil {
				return Result{}, err
			}
			thresholds, err = a.catalog.LevelThresholds(ctx, pt)
			if err != nil {
				return Result{}, fmt.Errorf("ledger: level thresholds: %w", err)
			}
		}
	}

	var res Result
	err = a.store.InTx(ctx, func(tx Tx) error {
		res = Result{}
		reserved, err := tx.ReserveBlock(ctx, b.PlanetID, pt, b.Block)
		if err != nil {
			return err
		}
		if !reserved {
			res.Duplicate = true
			return nil
		}
		if !ok {
			res.NoSeason = true
			return nil
		}
		res.SeasonID = season.ID

		for _, ev := range events {
			applied, err := a.applyEvent(ctx, tx, cache, stages, season, thresholds, b, ev)
			if err != nil {
				return err
			}
			if applied {
				res.Applied++
			} else {
				res.Dropped++
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	switch {
	case res.Duplicate:
		a.log.Debug("block already applied", "planetID", b.PlanetID, "passType", pt, "block", b.Block)
	case res.NoSeason:
		a.log.Info("no active season, block watermarked", "planetID", b.PlanetID, "passType", pt, "block", b.Block)
	default:
		a.log.Info("block applied", "planetID", b.PlanetID, "passType", pt, "block", b.Block, "seasonID", res.SeasonID, "applied", res.Applied, "dropped", res.Dropped)
	}
	return res, nil
}

// prefetchStages reads the last cleared stage of every avatar whose world clear progress is
// still empty.
func (a *Applier) prefetchStages(ctx context.Context, planetID string, seasonID int64, events []actions.Event) (map[string]int64, error) {
	var avatars []string
	seen := make(map[string]bool)
	for _, ev := range events {
		avatar := ev.Payload.AvatarAddr
		if seen[avatar] {
			continue
		}
		seen[avatar] = true
		prog, err := a.store.GetProgress(ctx, planetID, seasonID, avatar)
		switch {
		case errors.Is(err, pass.ErrNotFound):
		case err != nil:
			return nil, err
		case prog.Exp > 0:
			continue
		}
		avatars = append(avatars, avatar)
	}

	var mu sync.Mutex
	stages := make(map[string]int64, len(avatars))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(stageLookups)
	for _, avatar := range avatars {
		g.Go(func() error {
			_, stage, err := a.stages.LastClearedStage(gctx, planetID, avatar)
			if err != nil {
				return fmt.Errorf("%w: last cleared stage %s: %v", pass.ErrUpstream, avatar, err)
			}
			mu.Lock()
			stages[avatar] = stage
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return stages, nil
}

func (a *Applier) applyEvent(ctx context.Context, tx Tx, cache *actions.BatchCache, stages map[string]int64, season pass.Season, thresholds []pass.LevelThreshold, b actions.Batch, ev actions.Event) (bool, error) {
	p := ev.Payload
	prog, err := tx.LockProgress(ctx, b.PlanetID, season.ID, p.AvatarAddr, p.AgentAddr)
	if err != nil {
		return false, err
	}

	var (
		count, delta int64
		floor        *pass.ExploreState
	)
	if a.cfg.PassType == pass.PassWorldClear {
		before := prog.Exp
		if prog.Exp == 0 {
			// Exp never decreases, so an avatar seen with exp before the transaction has it here.
			stage, ok := stages[p.AvatarAddr]
			if !ok {
				return false, fmt.Errorf("%w: last cleared stage %s not resolved", pass.ErrUpstream, p.AvatarAddr)
			}
			pass.ApplyStageClear(&prog, stage)
		}
		pass.ApplyStageClear(&prog, p.StageID)
		count, delta = p.StageID, prog.Exp-before
	} else {
		tally, err := a.resolver.Count(ctx, cache, tx, ev)
		if err != nil {
			return false, err
		}
		count, floor = tally.Count, tally.Floor
		rate := season.ExpTable[ev.Type]
		delta = rate * count
		if delta < 0 {
			a.log.Warn("negative exp dropped",
				"planetID", b.PlanetID,
				"block", b.Block,
				"avatar", p.AvatarAddr,
				"action", ev.Raw,
				"rate", rate,
				"count", count,
			)
			return false, nil
		}
		pass.ApplyExp(&prog, delta, thresholds)
	}

	if floor != nil {
		if err := tx.SetExploreFloor(ctx, *floor); err != nil {
			return false, err
		}
	}
	if err := tx.SaveProgress(ctx, prog); err != nil {
		return false, err
	}
	if err := tx.AppendHistory(ctx, pass.ActionHistory{
		PlanetID:   b.PlanetID,
		SeasonID:   season.ID,
		BlockIndex: b.Block,
		TxID:       p.TxID,
		AgentAddr:  p.AgentAddr,
		AvatarAddr: p.AvatarAddr,
		ActionType: ev.Type,
		Count:      count,
		Exp:        delta,
	}); err != nil {
		return false, err
	}
	return true, nil
}
