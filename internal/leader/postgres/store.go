// Package postgres stores sweeper leases in a single table, using the database clock.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seasonpass/tracker/internal/leader"
)

var ErrInvalidConfig = errors.New("leader/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

var _ leader.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("leader/postgres: ensure schema: %w", err)
	}
	return nil
}

// acquireSQL takes the lease when it is missing, expired or already ours. A row is
// returned only on success.
const acquireSQL = `
INSERT INTO leader_leases AS l (name, owner, expires_at)
VALUES ($1, $2, now() + make_interval(secs => $3::double precision))
ON CONFLICT (name) DO UPDATE
SET owner      = EXCLUDED.owner,
    term       = CASE WHEN l.owner = EXCLUDED.owner THEN l.term ELSE l.term + 1 END,
    expires_at = EXCLUDED.expires_at,
    updated_at = now()
WHERE l.owner = EXCLUDED.owner OR l.expires_at <= now()
RETURNING name, owner, term, expires_at
`

func (s *Store) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (leader.Lease, bool, error) {
	if err := leader.ValidateInput(name, owner, ttl); err != nil {
		return leader.Lease{}, false, err
	}

	l, err := scanLease(s.pool.QueryRow(ctx, acquireSQL, name, owner, ttl.Seconds()))
	switch {
	case err == nil:
		return l, true, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return leader.Lease{}, false, fmt.Errorf("leader/postgres: acquire %s: %w", name, err)
	}

	l, err = scanLease(s.pool.QueryRow(ctx, `SELECT name, owner, term, expires_at FROM leader_leases WHERE name = $1`, name))
	if err != nil {
		return leader.Lease{}, false, fmt.Errorf("leader/postgres: read holder %s: %w", name, err)
	}
	return l, false, nil
}

func (s *Store) Release(ctx context.Context, name, owner string) error {
	if name == "" || owner == "" {
		return leader.ErrInvalidInput
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE leader_leases SET expires_at = now(), updated_at = now()
		WHERE name = $1 AND owner = $2 AND expires_at > now()`, name, owner)
	if err != nil {
		return fmt.Errorf("leader/postgres: release %s: %w", name, err)
	}
	return nil
}

func scanLease(row pgx.Row) (leader.Lease, error) {
	var (
		l    leader.Lease
		term int64
	)
	if err := row.Scan(&l.Name, &l.Owner, &term, &l.ExpiresAt); err != nil {
		return leader.Lease{}, err
	}
	l.Term = uint64(term)
	return l, nil
}
