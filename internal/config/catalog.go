package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seasonpass/tracker/internal/pass"
)

// CatalogSeed is the season and level content loaded from a catalog file.
type CatalogSeed struct {
	Seasons []pass.Season
	Levels  map[pass.PassType][]pass.LevelThreshold
}

type catalogFile struct {
	Levels  map[string][]levelDoc `yaml:"levels"`
	Seasons []seasonDoc           `yaml:"seasons"`
}

type levelDoc struct {
	Level int   `yaml:"level"`
	Exp   int64 `yaml:"exp"`
}

type seasonDoc struct {
	ID         int64            `yaml:"id"`
	PassType   string           `yaml:"pass_type"`
	Index      int              `yaml:"index"`
	Start      string           `yaml:"start"`
	End        string           `yaml:"end"`
	InstantExp int64            `yaml:"instant_exp"`
	ExpTable   map[string]int64 `yaml:"exp_table"`
	Rewards    []rewardDoc      `yaml:"rewards"`
}

type rewardDoc struct {
	Level   int       `yaml:"level"`
	Normal  []itemDoc `yaml:"normal"`
	Premium []itemDoc `yaml:"premium"`
}

type itemDoc struct {
	Ticker        string `yaml:"ticker"`
	Amount        string `yaml:"amount"`
	DecimalPlaces uint8  `yaml:"decimal_places"`
}

func LoadCatalog(path string) (CatalogSeed, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return CatalogSeed{}, fmt.Errorf("config: read catalog: %w", err)
	}
	return ParseCatalog(b)
}

// ParseCatalog decodes a catalog document. Seasons without an id are numbered in file
// order starting at 1.
func ParseCatalog(b []byte) (CatalogSeed, error) {
	var f catalogFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return CatalogSeed{}, fmt.Errorf("%w: catalog yaml: %v", ErrInvalidConfig, err)
	}

	out := CatalogSeed{Levels: make(map[pass.PassType][]pass.LevelThreshold, len(f.Levels))}
	for rawPT, docs := range f.Levels {
		pt, err := pass.ParsePassType(rawPT)
		if err != nil {
			return CatalogSeed{}, fmt.Errorf("%w: levels: %v", ErrInvalidConfig, err)
		}
		levels := make([]pass.LevelThreshold, 0, len(docs))
		for _, d := range docs {
			if d.Level <= 0 || d.Exp < 0 {
				return CatalogSeed{}, fmt.Errorf("%w: %s level %d exp %d", ErrInvalidConfig, pt, d.Level, d.Exp)
			}
			levels = append(levels, pass.LevelThreshold{PassType: pt, Level: d.Level, Exp: d.Exp})
		}
		sort.Slice(levels, func(i, j int) bool { return levels[i].Level < levels[j].Level })
		out.Levels[pt] = levels
	}

	for i, d := range f.Seasons {
		s, err := d.season()
		if err != nil {
			return CatalogSeed{}, fmt.Errorf("%w: season %d: %v", ErrInvalidConfig, i, err)
		}
		if s.ID == 0 {
			s.ID = int64(i + 1)
		}
		out.Seasons = append(out.Seasons, s)
	}
	return out, nil
}

func (d seasonDoc) season() (pass.Season, error) {
	pt, err := pass.ParsePassType(d.PassType)
	if err != nil {
		return pass.Season{}, err
	}
	if d.Index <= 0 {
		return pass.Season{}, fmt.Errorf("index must be > 0")
	}
	start, err := parseBound(d.Start)
	if err != nil {
		return pass.Season{}, fmt.Errorf("start: %w", err)
	}
	end, err := parseBound(d.End)
	if err != nil {
		return pass.Season{}, fmt.Errorf("end: %w", err)
	}
	if start != nil && end != nil && end.Before(*start) {
		return pass.Season{}, fmt.Errorf("end before start")
	}

	expTable := make(map[pass.ActionType]int64, len(d.ExpTable))
	for at, v := range d.ExpTable {
		expTable[pass.ActionType(strings.ToUpper(strings.TrimSpace(at)))] = v
	}
	rewards := make([]pass.LevelReward, 0, len(d.Rewards))
	for _, r := range d.Rewards {
		rewards = append(rewards, pass.LevelReward{Level: r.Level, Normal: items(r.Normal), Premium: items(r.Premium)})
	}
	return pass.Season{
		ID:         d.ID,
		PassType:   pt,
		Index:      d.Index,
		Start:      start,
		End:        end,
		ExpTable:   expTable,
		Rewards:    rewards,
		InstantExp: d.InstantExp,
	}, nil
}

func items(docs []itemDoc) []pass.RewardItem {
	out := make([]pass.RewardItem, 0, len(docs))
	for _, d := range docs {
		out = append(out, pass.RewardItem{Ticker: d.Ticker, Amount: d.Amount, Decimals: d.DecimalPlaces})
	}
	return out
}

func parseBound(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}
