// Package claim creates reward claims and drives them through signing, staging and
// confirmation on chain.
package claim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seasonpass/tracker/internal/ledger"
	"github.com/seasonpass/tracker/internal/pass"
)

var ErrInvalidConfig = errors.New("claim: invalid config")

// Store is the ledger store plus claim persistence.
type Store interface {
	ledger.Store

	GetClaim(ctx context.Context, uuid string) (pass.Claim, error)
	// SetSignedTx stores the signed tx once; a second call returns pass.ErrConflict.
	SetSignedTx(ctx context.Context, uuid string, tx []byte, txID string) error
	// RecordStage sets the status and counts one staging attempt.
	RecordStage(ctx context.Context, uuid string, status pass.TxStatus) error
	SetStatus(ctx context.Context, uuid string, status pass.TxStatus) error

	// ListStuck returns CREATED and INVALID claims created before the cutoff.
	ListStuck(ctx context.Context, before time.Time, limit int) ([]pass.Claim, error)
	// ListTracking returns STAGED and INVALID claims that have a tx id.
	ListTracking(ctx context.Context, limit int) ([]pass.Claim, error)
	CountInFlight(ctx context.Context, planetID string) (int, error)
}

// Catalog resolves seasons and level tables.
type Catalog interface {
	CurrentSeason(ctx context.Context, pt pass.PassType, at time.Time) (pass.Season, bool, error)
	PreviousSeason(ctx context.Context, pt pass.PassType, at time.Time) (pass.Season, bool, error)
	SeasonByIndex(ctx context.Context, pt pass.PassType, index int) (pass.Season, error)
	LevelThresholds(ctx context.Context, pt pass.PassType) ([]pass.LevelThreshold, error)
	MaxLevel(ctx context.Context, pt pass.PassType) (pass.MaxLevel, int64, error)
}

// Message is published to the claims topic once a claim is committed.
type Message struct {
	UUID string `json:"uuid"`
}

func DecodeMessage(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("%w: claim message: %v", pass.ErrInvalidState, err)
	}
	m.UUID = strings.TrimSpace(m.UUID)
	if m.UUID == "" {
		return Message{}, fmt.Errorf("%w: claim message without uuid", pass.ErrInvalidState)
	}
	return m, nil
}
