package pass

import (
	"fmt"
	"strings"
	"time"
)

type PassType string

const (
	PassCourage       PassType = "CouragePass"
	PassAdventureBoss PassType = "AdventureBossPass"
	PassWorldClear    PassType = "WorldClearPass"
)

func ParsePassType(s string) (PassType, error) {
	switch PassType(strings.TrimSpace(s)) {
	case PassCourage:
		return PassCourage, nil
	case PassAdventureBoss:
		return PassAdventureBoss, nil
	case PassWorldClear:
		return PassWorldClear, nil
	default:
		return "", fmt.Errorf("%w: unknown pass type %q", ErrInvalidState, s)
	}
}

// Repeating reports whether the pass type has a synthetic repeat level above its real max level.
func (p PassType) Repeating() bool {
	return p == PassCourage || p == PassAdventureBoss
}

// ActionType is the semantic kind of an exp-granting action.
type ActionType string

const (
	ActionHAS           ActionType = "HAS"
	ActionSweep         ActionType = "SWEEP"
	ActionArena         ActionType = "ARENA"
	ActionRaid          ActionType = "RAID"
	ActionEvent         ActionType = "EVENT"
	ActionWanted        ActionType = "WANTED"
	ActionChallenge     ActionType = "CHALLENGE"
	ActionRush          ActionType = "RUSH"
	ActionInfiniteTower ActionType = "INFINITE_TOWER"

	// ActionPremiumPlus records the instant exp granted by a premium-plus upgrade.
	ActionPremiumPlus ActionType = "PREMIUM_PLUS"
)

// RewardItem is one entry of a level's reward list. Amount is a decimal string.
type RewardItem struct {
	Ticker   string `json:"ticker"`
	Amount   string `json:"amount"`
	Decimals uint8  `json:"decimal_places"`
}

type LevelReward struct {
	Level   int          `json:"level"`
	Normal  []RewardItem `json:"normal"`
	Premium []RewardItem `json:"premium"`
}

// Season is one instance of a reward track for a pass type.
type Season struct {
	ID       int64
	PassType PassType
	Index    int

	// Nil bounds are open.
	Start *time.Time
	End   *time.Time

	ExpTable   map[ActionType]int64
	Rewards    []LevelReward
	InstantExp int64
}

// Contains reports whether at falls within the season interval.
func (s Season) Contains(at time.Time) bool {
	if s.Start != nil && at.Before(*s.Start) {
		return false
	}
	if s.End != nil && at.After(*s.End) {
		return false
	}
	return true
}

type LevelThreshold struct {
	PassType PassType
	Level    int
	Exp      int64
}

// MaxLevel is the highest claimable level of a pass type and the exp needed to reach it.
type MaxLevel struct {
	Level int
	Exp   int64
}

// Progress is the per-avatar, per-season pass state.
//
// For the world-clear pass, Exp holds the highest cleared stage and Level the highest
// cleared world.
type Progress struct {
	PlanetID   string
	SeasonID   int64
	AvatarAddr string
	AgentAddr  string

	Exp   int64
	Level int

	IsPremium     bool
	IsPremiumPlus bool

	LastNormalClaim  int
	LastPremiumClaim int
}

type ActionHistory struct {
	PlanetID   string
	SeasonID   int64
	BlockIndex int64
	TxID       string
	AgentAddr  string
	AvatarAddr string
	ActionType ActionType
	Count      int64
	Exp        int64
}

// ExploreState caches the last adventure boss floor observed for an avatar.
type ExploreState struct {
	PlanetID    string
	SeasonIndex int
	AvatarAddr  string
	Floor       int64
}
