//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/seasonpass/tracker/internal/catalog"
	"github.com/seasonpass/tracker/internal/pass"
	"github.com/seasonpass/tracker/internal/pgtest"
)

func TestStore_SeasonsAndLevels(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	t.Cleanup(cancel)

	pool := pgtest.Start(t, ctx)

	s, err := New(pool)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	id, err := s.UpsertSeason(ctx, pass.Season{
		PassType: pass.PassCourage,
		Index:    1,
		Start:    &start,
		ExpTable: map[pass.ActionType]int64{pass.ActionHAS: 5},
		Rewards: []pass.LevelReward{{
			Level:  1,
			Normal: []pass.RewardItem{{Ticker: "CRYSTAL", Amount: "100", Decimals: 0}},
		}},
		InstantExp: 300,
	})
	if err != nil {
		t.Fatalf("UpsertSeason: %v", err)
	}
	if err := s.ReplaceLevels(ctx, pass.PassCourage, []pass.LevelThreshold{{Level: 1, Exp: 50}, {Level: 2, Exp: 100}, {Level: 3, Exp: 150}}); err != nil {
		t.Fatalf("ReplaceLevels: %v", err)
	}

	c, err := catalog.New(s)
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}

	season, ok, err := c.CurrentSeason(ctx, pass.PassCourage, start.Add(time.Hour))
	if err != nil || !ok {
		t.Fatalf("CurrentSeason: ok=%v err=%v", ok, err)
	}
	if season.ID != id || season.End != nil || season.InstantExp != 300 {
		t.Fatalf("season: %+v", season)
	}
	if season.ExpTable[pass.ActionHAS] != 5 {
		t.Fatalf("exp table: %+v", season.ExpTable)
	}
	if len(season.Rewards) != 1 || season.Rewards[0].Normal[0].Ticker != "CRYSTAL" {
		t.Fatalf("rewards: %+v", season.Rewards)
	}

	ml, repeat, err := c.MaxLevel(ctx, pass.PassCourage)
	if err != nil {
		t.Fatalf("MaxLevel: %v", err)
	}
	if ml.Level != 2 || repeat != 50 {
		t.Fatalf("max level: %+v repeat=%d", ml, repeat)
	}
}
