package rewards

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/seasonpass/tracker/internal/pass"
)

var (
	ErrInvalidAmount     = errors.New("rewards: invalid amount")
	ErrDecimalsMismatch  = errors.New("rewards: decimal places mismatch")
	ErrInvalidMultiplier = errors.New("rewards: invalid multiplier")
)

// Available is the set of unclaimed levels of one progress record.
type Available struct {
	Normal  []int
	Premium []int

	// Overflow counts the repeat completions appended to Normal as MaxLevel+1.
	Overflow int
}

func (a Available) Empty() bool {
	return len(a.Normal) == 0 && len(a.Premium) == 0
}

// AvailableLevels computes the levels p may claim.
//
// Normal covers (LastNormalClaim, min(Level, max)]; Premium covers the same range from
// LastPremiumClaim and only for premium holders. Exp past the max level adds one copy of
// max+1 to Normal per repeatExp earned.
func AvailableLevels(p pass.Progress, ml pass.MaxLevel, repeatExp int64) Available {
	top := p.Level
	if top > ml.Level {
		top = ml.Level
	}

	var out Available
	out.Normal = levelRange(p.LastNormalClaim, top)
	if p.IsPremium {
		out.Premium = levelRange(p.LastPremiumClaim, top)
	}

	if p.Level > ml.Level && repeatExp > 0 && p.Exp > ml.Exp {
		out.Overflow = int((p.Exp - ml.Exp) / repeatExp)
		for i := 0; i < out.Overflow; i++ {
			out.Normal = append(out.Normal, ml.Level+1)
		}
	}
	return out
}

func levelRange(last, top int) []int {
	if top <= last {
		return nil
	}
	out := make([]int, 0, top-last)
	for l := last + 1; l <= top; l++ {
		out = append(out, l)
	}
	return out
}

// Aggregate sums the season's reward entries for every available level by ticker and
// scales each total by multiplier. Amounts are in minor units of each ticker.
func Aggregate(season pass.Season, av Available, multiplier int64) ([]pass.ClaimedReward, error) {
	if multiplier <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMultiplier, multiplier)
	}

	byLevel := make(map[int]pass.LevelReward, len(season.Rewards))
	for _, r := range season.Rewards {
		byLevel[r.Level] = r
	}

	type total struct {
		amount   *big.Int
		decimals uint8
	}
	totals := make(map[string]*total)
	add := func(items []pass.RewardItem) error {
		for _, it := range items {
			v, err := ParseAmount(it.Amount, it.Decimals)
			if err != nil {
				return fmt.Errorf("%s: %w", it.Ticker, err)
			}
			t, ok := totals[it.Ticker]
			if !ok {
				totals[it.Ticker] = &total{amount: v, decimals: it.Decimals}
				continue
			}
			if t.decimals != it.Decimals {
				return fmt.Errorf("%w: %s has %d and %d", ErrDecimalsMismatch, it.Ticker, t.decimals, it.Decimals)
			}
			t.amount.Add(t.amount, v)
		}
		return nil
	}

	for _, lvl := range av.Normal {
		if err := add(byLevel[lvl].Normal); err != nil {
			return nil, err
		}
	}
	for _, lvl := range av.Premium {
		if err := add(byLevel[lvl].Premium); err != nil {
			return nil, err
		}
	}

	m := big.NewInt(multiplier)
	out := make([]pass.ClaimedReward, 0, len(totals))
	for ticker, t := range totals {
		if t.amount.Sign() == 0 {
			continue
		}
		t.amount.Mul(t.amount, m)
		out = append(out, pass.ClaimedReward{Ticker: ticker, Amount: t.amount.String(), Decimals: t.decimals})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out, nil
}

// Settle marks av as claimed on p. Claim levels advance to min(Level, max), premium only
// for premium holders. Paid overflow is removed from Exp and Level is clamped to max.
func Settle(p *pass.Progress, ml pass.MaxLevel, repeatExp int64, av Available) {
	top := p.Level
	if top > ml.Level {
		top = ml.Level
	}
	if top > p.LastNormalClaim {
		p.LastNormalClaim = top
	}
	if p.IsPremium && top > p.LastPremiumClaim {
		p.LastPremiumClaim = top
	}
	if av.Overflow > 0 {
		p.Exp -= repeatExp * int64(av.Overflow)
		if p.Level > ml.Level {
			p.Level = ml.Level
		}
	}
}
