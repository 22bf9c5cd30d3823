// Package pgtest hands integration tests an isolated postgres database.
//
// With SEASONPASS_TEST_POSTGRES_DSN set, every test gets a fresh schema on that server.
// Otherwise a throwaway container is started through docker, and the test is skipped
// when docker is missing.
package pgtest

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const EnvDSN = "SEASONPASS_TEST_POSTGRES_DSN"

// Image is pinned so schema tests see the same server version everywhere.
const Image = "postgres@sha256:4327b9fd295502f326f44153a1045a7170ddbfffed1c3829798328556cfd09e2"

const readyTimeout = 20 * time.Second

func Start(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	if dsn := strings.TrimSpace(os.Getenv(EnvDSN)); dsn != "" {
		return isolatedSchema(t, ctx, dsn)
	}
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skipf("docker not available and %s unset", EnvDSN)
	}

	addr := reserveAddr(t)
	id := runContainer(t, ctx, addr)
	t.Cleanup(func() { _ = exec.Command("docker", "rm", "-f", id).Run() })

	pool := waitReady(t, ctx, "postgres://seasonpass:seasonpass@"+addr+"/seasonpass?sslmode=disable", nil)
	t.Cleanup(pool.Close)
	return pool
}

// isolatedSchema creates a uniquely named schema and points the pool's search_path at it.
func isolatedSchema(t *testing.T, ctx context.Context, dsn string) *pgxpool.Pool {
	t.Helper()

	schema := "t_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	admin := waitReady(t, ctx, dsn, nil)
	if _, err := admin.Exec(ctx, "CREATE SCHEMA "+pgx.Identifier{schema}.Sanitize()); err != nil {
		admin.Close()
		t.Fatalf("create schema: %v", err)
	}

	pool := waitReady(t, ctx, dsn, func(cfg *pgxpool.Config) {
		cfg.ConnConfig.RuntimeParams["search_path"] = schema
	})
	t.Cleanup(func() {
		pool.Close()
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = admin.Exec(dctx, "DROP SCHEMA "+pgx.Identifier{schema}.Sanitize()+" CASCADE")
		admin.Close()
	})
	return pool
}

func reserveAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().String()
}

func runContainer(t *testing.T, ctx context.Context, addr string) string {
	t.Helper()
	out, err := exec.CommandContext(ctx, "docker", "run", "--rm", "-d",
		"-e", "POSTGRES_USER=seasonpass",
		"-e", "POSTGRES_PASSWORD=seasonpass",
		"-e", "POSTGRES_DB=seasonpass",
		"-p", addr+":5432",
		Image,
	).CombinedOutput()
	if err != nil {
		t.Fatalf("docker run: %v: %s", err, out)
	}
	return strings.TrimSpace(string(out))
}

func waitReady(t *testing.T, ctx context.Context, dsn string, tune func(*pgxpool.Config)) *pgxpool.Pool {
	t.Helper()

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	if tune != nil {
		tune(cfg)
	}

	var lastErr error
	for deadline := time.Now().Add(readyTimeout); time.Now().Before(deadline); time.Sleep(250 * time.Millisecond) {
		pool, err := tryConnect(ctx, cfg)
		if err == nil {
			return pool
		}
		lastErr = err
	}
	t.Fatalf("postgres not ready: %v", lastErr)
	return nil
}

func tryConnect(ctx context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error) {
	cctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(cctx, cfg.Copy())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(cctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}
