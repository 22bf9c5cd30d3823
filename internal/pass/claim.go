package pass

import (
	"fmt"
	"strings"
	"time"
)

type TxStatus uint8

const (
	TxNone TxStatus = iota
	TxCreated
	TxStaged
	TxSuccess
	TxFailure
	TxInvalid
	TxNotFound
	TxFailToCreate
	TxUnknown
)

func (s TxStatus) String() string {
	switch s {
	case TxCreated:
		return "CREATED"
	case TxStaged:
		return "STAGED"
	case TxSuccess:
		return "SUCCESS"
	case TxFailure:
		return "FAILURE"
	case TxInvalid:
		return "INVALID"
	case TxNotFound:
		return "NOT_FOUND"
	case TxFailToCreate:
		return "FAIL_TO_CREATE"
	case TxUnknown:
		return "UNKNOWN"
	default:
		return fmt.Sprintf("NONE(%d)", uint8(s))
	}
}

func ParseTxStatus(s string) (TxStatus, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CREATED":
		return TxCreated, true
	case "STAGED":
		return TxStaged, true
	case "SUCCESS":
		return TxSuccess, true
	case "FAILURE":
		return TxFailure, true
	case "INVALID":
		return TxInvalid, true
	case "NOT_FOUND":
		return TxNotFound, true
	case "FAIL_TO_CREATE":
		return TxFailToCreate, true
	case "UNKNOWN":
		return TxUnknown, true
	default:
		return TxNone, false
	}
}

// Terminal reports whether no further transition is expected.
func (s TxStatus) Terminal() bool {
	switch s {
	case TxSuccess, TxFailure, TxNotFound, TxFailToCreate, TxUnknown:
		return true
	default:
		return false
	}
}

// ClaimedReward is one aggregated ticker amount of a claim. Amount is in minor units.
type ClaimedReward struct {
	Ticker   string `json:"ticker"`
	Amount   string `json:"amount"`
	Decimals uint8  `json:"decimal_places"`
}

type Claim struct {
	UUID       string
	SeasonID   int64
	PassType   PassType
	PlanetID   string
	AgentAddr  string
	AvatarAddr string

	Rewards       []ClaimedReward
	NormalLevels  []int
	PremiumLevels []int

	Nonce *uint64
	Tx    []byte
	TxID  string

	Status        TxStatus
	StageAttempts int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy so stores never share slices with callers.
func (c Claim) Clone() Claim {
	out := c
	out.Rewards = append([]ClaimedReward(nil), c.Rewards...)
	out.NormalLevels = append([]int(nil), c.NormalLevels...)
	out.PremiumLevels = append([]int(nil), c.PremiumLevels...)
	if c.Nonce != nil {
		n := *c.Nonce
		out.Nonce = &n
	}
	if c.Tx != nil {
		out.Tx = append([]byte(nil), c.Tx...)
	}
	return out
}
