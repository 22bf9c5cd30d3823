package config

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/seasonpass/tracker/internal/txbuild"
)

// Planet is one chain the tracker observes and pays claims on.
type Planet struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	GraphQLURL  string `yaml:"graphql_url"`
	GenesisHash string `yaml:"genesis_hash"`

	// RewardMultiplier scales claim amounts. Zero means the planet default.
	RewardMultiplier int64 `yaml:"reward_multiplier"`
	// GasLimit overrides the default transaction gas limit when > 0.
	GasLimit int64 `yaml:"gas_limit"`
}

type Planets []Planet

type planetsFile struct {
	Planets Planets `yaml:"planets"`
}

// DefaultMultiplier is 5 on thor and 1 elsewhere.
func DefaultMultiplier(planetID string) int64 {
	if strings.EqualFold(planetID, "thor") {
		return 5
	}
	return 1
}

func LoadPlanets(path string) (Planets, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read planets: %w", err)
	}
	return ParsePlanets(b)
}

// ParsePlanets decodes a planets document, lowercases ids and fills defaults.
func ParsePlanets(b []byte) (Planets, error) {
	var f planetsFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%w: planets yaml: %v", ErrInvalidConfig, err)
	}
	if len(f.Planets) == 0 {
		return nil, fmt.Errorf("%w: no planets", ErrInvalidConfig)
	}

	seen := make(map[string]bool, len(f.Planets))
	out := make(Planets, 0, len(f.Planets))
	for _, p := range f.Planets {
		p.ID = strings.ToLower(strings.TrimSpace(p.ID))
		if p.ID == "" {
			return nil, fmt.Errorf("%w: planet without id", ErrInvalidConfig)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("%w: duplicate planet %s", ErrInvalidConfig, p.ID)
		}
		seen[p.ID] = true
		if u, err := url.Parse(p.GraphQLURL); err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("%w: planet %s: invalid graphql_url", ErrInvalidConfig, p.ID)
		}
		if strings.TrimSpace(p.GenesisHash) == "" {
			return nil, fmt.Errorf("%w: planet %s: missing genesis_hash", ErrInvalidConfig, p.ID)
		}
		if p.RewardMultiplier < 0 || p.GasLimit < 0 {
			return nil, fmt.Errorf("%w: planet %s: negative multiplier or gas limit", ErrInvalidConfig, p.ID)
		}
		if p.RewardMultiplier == 0 {
			p.RewardMultiplier = DefaultMultiplier(p.ID)
		}
		if p.Name == "" {
			p.Name = p.ID
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (ps Planets) IDs() []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}

func (ps Planets) Endpoints() map[string]string {
	out := make(map[string]string, len(ps))
	for _, p := range ps {
		out[p.ID] = p.GraphQLURL
	}
	return out
}

func (ps Planets) Multipliers() map[string]int64 {
	out := make(map[string]int64, len(ps))
	for _, p := range ps {
		out[p.ID] = p.RewardMultiplier
	}
	return out
}

func (ps Planets) TxConfigs() map[string]txbuild.Config {
	out := make(map[string]txbuild.Config, len(ps))
	for _, p := range ps {
		c := txbuild.DefaultConfig(p.GenesisHash)
		if p.GasLimit > 0 {
			c.GasLimit = p.GasLimit
		}
		out[p.ID] = c
	}
	return out
}
