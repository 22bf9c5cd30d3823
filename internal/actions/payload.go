package actions

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidBatch = errors.New("actions: invalid batch")

// Payload is one decoded action. Fields beyond the addresses and CountBase are only set
// for the action types that use them.
type Payload struct {
	AgentAddr  string `json:"agent_addr"`
	AvatarAddr string `json:"avatar_addr"`
	TxID       string `json:"tx_id"`
	CountBase  int64  `json:"count_base"`

	UsedAP       int64 `json:"used_ap,omitempty"`
	APStoneCount int64 `json:"ap_stone_count,omitempty"`
	APCost       int64 `json:"ap_cost,omitempty"`

	StageID     int64  `json:"stage_id,omitempty"`
	Floor       *int64 `json:"floor,omitempty"`
	SeasonIndex int    `json:"season_index,omitempty"`
}

// Batch is the action data observed in one block of one planet.
type Batch struct {
	PlanetID   string               `json:"planet_id"`
	Block      int64                `json:"block"`
	ActionData map[string][]Payload `json:"action_data"`
}

func DecodeBatch(b []byte) (Batch, error) {
	var batch Batch
	if err := json.Unmarshal(b, &batch); err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}
	batch.PlanetID = strings.ToLower(strings.TrimSpace(batch.PlanetID))
	if batch.PlanetID == "" {
		return Batch{}, fmt.Errorf("%w: missing planet_id", ErrInvalidBatch)
	}
	if batch.Block < 0 {
		return Batch{}, fmt.Errorf("%w: negative block", ErrInvalidBatch)
	}
	for raw, list := range batch.ActionData {
		for i := range list {
			list[i].AgentAddr = strings.ToLower(strings.TrimSpace(list[i].AgentAddr))
			list[i].AvatarAddr = strings.ToLower(strings.TrimSpace(list[i].AvatarAddr))
			if list[i].AvatarAddr == "" {
				return Batch{}, fmt.Errorf("%w: %s[%d] missing avatar_addr", ErrInvalidBatch, raw, i)
			}
		}
	}
	return batch, nil
}
