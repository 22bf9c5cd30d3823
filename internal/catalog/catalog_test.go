package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/seasonpass/tracker/internal/pass"
)

func ts(day int) *time.Time {
	t := time.Date(2026, 3, day, 0, 0, 0, 0, time.UTC)
	return &t
}

func newTestCatalog(t *testing.T) (*Catalog, *MemoryStore) {
	t.Helper()

	ms := NewMemoryStore()
	c, err := New(ms)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, ms
}

func TestNew_RejectsNilStore(t *testing.T) {
	t.Parallel()

	if _, err := New(nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestCurrentSeason_PrefersOpenBoundsThenHighestID(t *testing.T) {
	t.Parallel()

	c, ms := newTestCatalog(t)
	ms.PutSeason(pass.Season{ID: 1, PassType: pass.PassCourage, Index: 1, Start: ts(1), End: ts(20)})
	ms.PutSeason(pass.Season{ID: 2, PassType: pass.PassCourage, Index: 2, Start: ts(1)})
	ms.PutSeason(pass.Season{ID: 3, PassType: pass.PassCourage, Index: 3, Start: ts(5), End: ts(20)})

	got, ok, err := c.CurrentSeason(context.Background(), pass.PassCourage, *ts(10))
	if err != nil || !ok {
		t.Fatalf("CurrentSeason: ok=%v err=%v", ok, err)
	}
	if got.ID != 2 {
		t.Fatalf("season: got %d want 2", got.ID)
	}

	ms.PutSeason(pass.Season{ID: 4, PassType: pass.PassCourage, Index: 4, Start: ts(2)})
	got, _, _ = c.CurrentSeason(context.Background(), pass.PassCourage, *ts(10))
	if got.ID != 4 {
		t.Fatalf("season tie-break: got %d want 4", got.ID)
	}
}

func TestCurrentSeason_NoneActiveIsNotAnError(t *testing.T) {
	t.Parallel()

	c, ms := newTestCatalog(t)
	ms.PutSeason(pass.Season{ID: 1, PassType: pass.PassCourage, Start: ts(1), End: ts(2)})

	_, ok, err := c.CurrentSeason(context.Background(), pass.PassCourage, *ts(10))
	if err != nil {
		t.Fatalf("CurrentSeason: %v", err)
	}
	if ok {
		t.Fatalf("expected no active season")
	}
	_, ok, _ = c.CurrentSeason(context.Background(), pass.PassWorldClear, *ts(1))
	if ok {
		t.Fatalf("expected no season for other pass type")
	}
}

func TestPreviousSeason(t *testing.T) {
	t.Parallel()

	c, ms := newTestCatalog(t)
	ms.PutSeason(pass.Season{ID: 1, PassType: pass.PassCourage, Index: 1, Start: ts(1), End: ts(5)})
	ms.PutSeason(pass.Season{ID: 2, PassType: pass.PassCourage, Index: 2, Start: ts(6), End: ts(10)})
	ms.PutSeason(pass.Season{ID: 3, PassType: pass.PassCourage, Index: 3, Start: ts(11)})

	got, ok, err := c.PreviousSeason(context.Background(), pass.PassCourage, *ts(12))
	if err != nil || !ok {
		t.Fatalf("PreviousSeason: ok=%v err=%v", ok, err)
	}
	if got.ID != 2 {
		t.Fatalf("season: got %d want 2", got.ID)
	}
}

func TestSeasonByIndex(t *testing.T) {
	t.Parallel()

	c, ms := newTestCatalog(t)
	ms.PutSeason(pass.Season{ID: 7, PassType: pass.PassAdventureBoss, Index: 3})

	got, err := c.SeasonByIndex(context.Background(), pass.PassAdventureBoss, 3)
	if err != nil {
		t.Fatalf("SeasonByIndex: %v", err)
	}
	if got.ID != 7 {
		t.Fatalf("season: got %d", got.ID)
	}
	if _, err := c.SeasonByIndex(context.Background(), pass.PassAdventureBoss, 4); !errors.Is(err, pass.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLevelThresholds_SortedDescending(t *testing.T) {
	t.Parallel()

	c, ms := newTestCatalog(t)
	ms.PutLevels(pass.PassCourage, []pass.LevelThreshold{{Level: 1, Exp: 10}, {Level: 3, Exp: 30}, {Level: 2, Exp: 20}})

	got, err := c.LevelThresholds(context.Background(), pass.PassCourage)
	if err != nil {
		t.Fatalf("LevelThresholds: %v", err)
	}
	for i, want := range []int{3, 2, 1} {
		if got[i].Level != want {
			t.Fatalf("levels[%d]: got %d want %d", i, got[i].Level, want)
		}
		if got[i].PassType != pass.PassCourage {
			t.Fatalf("levels[%d]: pass type %q", i, got[i].PassType)
		}
	}
}

func TestMaxLevel(t *testing.T) {
	t.Parallel()

	c, ms := newTestCatalog(t)
	ms.PutLevels(pass.PassCourage, []pass.LevelThreshold{{Level: 9, Exp: 900}, {Level: 10, Exp: 1000}, {Level: 11, Exp: 1050}})
	ms.PutLevels(pass.PassWorldClear, []pass.LevelThreshold{{Level: 1, Exp: 50}, {Level: 2, Exp: 100}})

	ml, repeat, err := c.MaxLevel(context.Background(), pass.PassCourage)
	if err != nil {
		t.Fatalf("MaxLevel courage: %v", err)
	}
	if ml.Level != 10 || ml.Exp != 1000 || repeat != 50 {
		t.Fatalf("courage: got %+v repeat=%d", ml, repeat)
	}

	ml, repeat, err = c.MaxLevel(context.Background(), pass.PassWorldClear)
	if err != nil {
		t.Fatalf("MaxLevel world clear: %v", err)
	}
	if ml.Level != 2 || ml.Exp != 100 || repeat != 0 {
		t.Fatalf("world clear: got %+v repeat=%d", ml, repeat)
	}

	if _, _, err := c.MaxLevel(context.Background(), pass.PassAdventureBoss); !errors.Is(err, pass.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
