package ledger

import (
	"context"
	"errors"

	"github.com/seasonpass/tracker/internal/pass"
)

var ErrInvalidConfig = errors.New("ledger: invalid config")

// Tx is the unit of work in which block reservations and every mutation derived from that
// block commit together.
type Tx interface {
	// ReserveBlock records the block as applied. reserved is false when it already was.
	ReserveBlock(ctx context.Context, planetID string, pt pass.PassType, block int64) (bool, error)

	// LockProgress returns the progress row, creating it when absent, and holds it locked
	// until the transaction ends.
	LockProgress(ctx context.Context, planetID string, seasonID int64, avatarAddr, agentAddr string) (pass.Progress, error)
	SaveProgress(ctx context.Context, p pass.Progress) error
	AppendHistory(ctx context.Context, h pass.ActionHistory) error

	ExploreFloor(ctx context.Context, planetID string, seasonIndex int, avatarAddr string) (int64, bool, error)
	SetExploreFloor(ctx context.Context, st pass.ExploreState) error

	// InsertClaim returns an error wrapping pass.ErrConflict when the uuid exists.
	InsertClaim(ctx context.Context, c pass.Claim) error
}

type Store interface {
	// InTx runs fn in a transaction. fn returning an error rolls everything back.
	InTx(ctx context.Context, fn func(Tx) error) error

	GetProgress(ctx context.Context, planetID string, seasonID int64, avatarAddr string) (pass.Progress, error)
	ListHistory(ctx context.Context, planetID string, seasonID int64, avatarAddr string) ([]pass.ActionHistory, error)

	// MissingBlocks lists unreserved blocks in [from, to], ascending, at most limit.
	MissingBlocks(ctx context.Context, planetID string, pt pass.PassType, from, to int64, limit int) ([]int64, error)
	// LatestBlock returns the highest reserved block. ok is false when none is.
	LatestBlock(ctx context.Context, planetID string, pt pass.PassType) (block int64, ok bool, err error)
	// BlockApplied reports whether the block is already reserved. ReserveBlock stays the
	// authority; this is a read ahead of chain lookups.
	BlockApplied(ctx context.Context, planetID string, pt pass.PassType, block int64) (bool, error)

	ExploreFloor(ctx context.Context, planetID string, seasonIndex int, avatarAddr string) (int64, bool, error)
}
