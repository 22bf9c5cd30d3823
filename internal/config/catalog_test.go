package config

import (
	"errors"
	"testing"

	"github.com/seasonpass/tracker/internal/pass"
)

const catalogYAML = `
levels:
  CouragePass:
    - {level: 2, exp: 200}
    - {level: 1, exp: 100}
seasons:
  - pass_type: CouragePass
    index: 1
    start: "2026-01-01T00:00:00Z"
    end: "2026-02-01T00:00:00Z"
    instant_exp: 50
    exp_table: {has: 10, SWEEP: 10}
    rewards:
      - level: 1
        normal: [{ticker: CRYSTAL, amount: "10", decimal_places: 18}]
        premium: [{ticker: Item_NT_500000, amount: "1"}]
  - id: 9
    pass_type: WorldClearPass
    index: 1
`

func TestParseCatalog(t *testing.T) {
	t.Parallel()

	seed, err := ParseCatalog([]byte(catalogYAML))
	if err != nil {
		t.Fatalf("ParseCatalog: %v", err)
	}
	levels := seed.Levels[pass.PassCourage]
	if len(levels) != 2 || levels[0].Level != 1 || levels[1].Exp != 200 || levels[0].PassType != pass.PassCourage {
		t.Fatalf("levels: %+v", levels)
	}
	if len(seed.Seasons) != 2 {
		t.Fatalf("seasons: %+v", seed.Seasons)
	}
	s := seed.Seasons[0]
	if s.ID != 1 || s.Start == nil || s.End == nil || s.InstantExp != 50 {
		t.Fatalf("season: %+v", s)
	}
	if s.ExpTable[pass.ActionHAS] != 10 || s.ExpTable[pass.ActionSweep] != 10 {
		t.Fatalf("exp table: %v", s.ExpTable)
	}
	if r := s.Rewards[0]; r.Normal[0].Decimals != 18 || r.Premium[0].Ticker != "Item_NT_500000" {
		t.Fatalf("rewards: %+v", r)
	}
	if w := seed.Seasons[1]; w.ID != 9 || w.Start != nil || w.End != nil {
		t.Fatalf("open season: %+v", w)
	}
}

func TestParseCatalog_Rejects(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"unknown pass":  "seasons:\n  - pass_type: Nope\n    index: 1\n",
		"zero index":    "seasons:\n  - pass_type: CouragePass\n",
		"bad time":      "seasons:\n  - pass_type: CouragePass\n    index: 1\n    start: yesterday\n",
		"inverted":      "seasons:\n  - pass_type: CouragePass\n    index: 1\n    start: \"2026-02-01T00:00:00Z\"\n    end: \"2026-01-01T00:00:00Z\"\n",
		"bad level":     "levels:\n  CouragePass:\n    - {level: 0, exp: 1}\n",
		"unknown level": "levels:\n  Nope:\n    - {level: 1, exp: 1}\n",
	}
	for name, doc := range cases {
		if _, err := ParseCatalog([]byte(doc)); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: expected ErrInvalidConfig, got %v", name, err)
		}
	}
}
