package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seasonpass/tracker/internal/pass"
)

var ErrInvalidConfig = errors.New("catalog: invalid config")

// Store is the read side of season and level reference data.
type Store interface {
	ListSeasons(ctx context.Context, pt pass.PassType) ([]pass.Season, error)
	ListLevels(ctx context.Context, pt pass.PassType) ([]pass.LevelThreshold, error)
}

type Catalog struct {
	store Store
}

func New(store Store) (*Catalog, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return &Catalog{store: store}, nil
}

// CurrentSeason returns the season of pt whose interval contains at.
//
// When several match, the one with more open bounds wins, then the highest id.
// ok is false when no season is active.
func (c *Catalog) CurrentSeason(ctx context.Context, pt pass.PassType, at time.Time) (pass.Season, bool, error) {
	seasons, err := c.store.ListSeasons(ctx, pt)
	if err != nil {
		return pass.Season{}, false, err
	}

	var (
		best     pass.Season
		bestOpen = -1
		found    bool
	)
	for _, s := range seasons {
		if !s.Contains(at) {
			continue
		}
		open := openBounds(s)
		if !found || open > bestOpen || (open == bestOpen && s.ID > best.ID) {
			best, bestOpen, found = s, open, true
		}
	}
	return best, found, nil
}

// PreviousSeason returns the most recently ended season of pt as of at.
func (c *Catalog) PreviousSeason(ctx context.Context, pt pass.PassType, at time.Time) (pass.Season, bool, error) {
	seasons, err := c.store.ListSeasons(ctx, pt)
	if err != nil {
		return pass.Season{}, false, err
	}

	var (
		best  pass.Season
		found bool
	)
	for _, s := range seasons {
		if s.End == nil || !s.End.Before(at) {
			continue
		}
		if !found || s.End.After(*best.End) || (s.End.Equal(*best.End) && s.ID > best.ID) {
			best, found = s, true
		}
	}
	return best, found, nil
}

func (c *Catalog) SeasonByIndex(ctx context.Context, pt pass.PassType, index int) (pass.Season, error) {
	seasons, err := c.store.ListSeasons(ctx, pt)
	if err != nil {
		return pass.Season{}, err
	}
	for _, s := range seasons {
		if s.Index == index {
			return s, nil
		}
	}
	return pass.Season{}, fmt.Errorf("%w: season %s #%d", pass.ErrNotFound, pt, index)
}

// LevelThresholds returns the level table of pt sorted descending by level.
func (c *Catalog) LevelThresholds(ctx context.Context, pt pass.PassType) ([]pass.LevelThreshold, error) {
	levels, err := c.store.ListLevels(ctx, pt)
	if err != nil {
		return nil, err
	}
	out := append([]pass.LevelThreshold(nil), levels...)
	pass.SortThresholdsDesc(out)
	return out, nil
}

// MaxLevel returns the highest claimable level of pt and the exp cost of one repeat.
//
// Repeating pass types store a synthetic level above the real max; its exp distance
// from the real max is the repeat cost.
func (c *Catalog) MaxLevel(ctx context.Context, pt pass.PassType) (pass.MaxLevel, int64, error) {
	levels, err := c.LevelThresholds(ctx, pt)
	if err != nil {
		return pass.MaxLevel{}, 0, err
	}
	return maxLevelOf(pt, levels)
}

func maxLevelOf(pt pass.PassType, desc []pass.LevelThreshold) (pass.MaxLevel, int64, error) {
	if len(desc) == 0 {
		return pass.MaxLevel{}, 0, fmt.Errorf("%w: no levels for %s", pass.ErrNotFound, pt)
	}
	if !pt.Repeating() || len(desc) < 2 {
		return pass.MaxLevel{Level: desc[0].Level, Exp: desc[0].Exp}, 0, nil
	}
	top, last := desc[0], desc[1]
	diff := top.Exp - last.Exp
	if diff < 0 {
		diff = -diff
	}
	return pass.MaxLevel{Level: last.Level, Exp: last.Exp}, diff, nil
}

func openBounds(s pass.Season) int {
	n := 0
	if s.Start == nil {
		n++
	}
	if s.End == nil {
		n++
	}
	return n
}
