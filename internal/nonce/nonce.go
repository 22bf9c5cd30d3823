// Package nonce assigns transaction nonces to claims.
//
// The next nonce for a planet is the larger of the chain's next nonce and one past the
// highest nonce already assigned locally, so a nonce reserved but not yet visible on chain
// is never reused. It is recomputed for every claim and never cached.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seasonpass/tracker/internal/pass"
)

var ErrInvalidConfig = errors.New("nonce: invalid config")

// ChainNoncer reports the next nonce the chain expects from an address.
type ChainNoncer interface {
	NextNonce(ctx context.Context, planetID, addr string) (uint64, error)
}

// Store serializes assignment per planet and keeps a claim's nonce once set.
type Store interface {
	AssignNonce(ctx context.Context, planetID, uuid string, next func(ctx context.Context, localMax *uint64) (uint64, error)) (uint64, error)
}

// Next combines the chain's next nonce with the highest locally assigned nonce.
func Next(chainNext uint64, localMax *uint64) uint64 {
	if localMax != nil && *localMax+1 > chainNext {
		return *localMax + 1
	}
	return chainNext
}

type Allocator struct {
	chain   ChainNoncer
	store   Store
	signer  string
	timeout time.Duration
}

func NewAllocator(chain ChainNoncer, store Store, signerAddr string, timeout time.Duration) (*Allocator, error) {
	if chain == nil || store == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if signerAddr == "" {
		return nil, fmt.Errorf("%w: missing signer address", ErrInvalidConfig)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Allocator{chain: chain, store: store, signer: signerAddr, timeout: timeout}, nil
}

// Assign returns the claim's nonce, allocating one if it has none.
func (a *Allocator) Assign(ctx context.Context, planetID, claimUUID string) (uint64, error) {
	return a.store.AssignNonce(ctx, planetID, claimUUID, func(ctx context.Context, localMax *uint64) (uint64, error) {
		cctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()

		chainNext, err := a.chain.NextNonce(cctx, planetID, a.signer)
		if err != nil {
			return 0, fmt.Errorf("%w: next nonce: %v", pass.ErrUpstream, err)
		}
		return Next(chainNext, localMax), nil
	})
}
