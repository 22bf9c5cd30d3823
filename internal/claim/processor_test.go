package claim

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/seasonpass/tracker/internal/chainrpc"
	"github.com/seasonpass/tracker/internal/ledger"
	pgledger "github.com/seasonpass/tracker/internal/ledger/postgres"
	"github.com/seasonpass/tracker/internal/nonce"
	"github.com/seasonpass/tracker/internal/pass"
	"github.com/seasonpass/tracker/internal/signer"
	"github.com/seasonpass/tracker/internal/txbuild"
)

var _ Store = (*pgledger.Store)(nil)

type stubNoncer struct{ next uint64 }

func (s *stubNoncer) NextNonce(context.Context, string, string) (uint64, error) { return s.next, nil }

type stubChain struct {
	mu       sync.Mutex
	stageErr error
	staged   [][]byte
	statuses map[string]pass.TxStatus
	// statusVia, when set, answers TxStatus instead of statuses.
	statusVia func(ctx context.Context, planet, txID string) (pass.TxStatus, error)
}

func (c *stubChain) Stage(_ context.Context, _ string, signed []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stageErr != nil {
		return "", c.stageErr
	}
	c.staged = append(c.staged, signed)
	return txbuild.ID(signed), nil
}

func (c *stubChain) TxStatus(ctx context.Context, planet string, txID string) (pass.TxStatus, error) {
	c.mu.Lock()
	via := c.statusVia
	c.mu.Unlock()
	if via != nil {
		return via(ctx, planet, txID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.statuses[txID]
	if !ok {
		return pass.TxNone, errors.New("node unavailable")
	}
	return s, nil
}

func (c *stubChain) setStageErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stageErr = err
}

func (c *stubChain) stagedNonces(t *testing.T) []uint64 {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint64, 0, len(c.staged))
	for _, raw := range c.staged {
		tx, err := txbuild.Decode(raw)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		out = append(out, tx.Nonce)
	}
	return out
}

type processorFixture struct {
	store *ledger.MemoryStore
	chain *stubChain
	proc  *Processor
	now   time.Time
}

func newProcessorFixture(t *testing.T, mutate func(*ProcessorConfig)) *processorFixture {
	t.Helper()

	store := ledger.NewMemoryStore()
	store.SetNow(func() time.Time { return testNow })

	key, err := signer.ParsePrivateKeyHex("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	if err != nil {
		t.Fatalf("ParsePrivateKeyHex: %v", err)
	}
	s, err := signer.NewLocalSigner(key)
	if err != nil {
		t.Fatalf("NewLocalSigner: %v", err)
	}
	alloc, err := nonce.NewAllocator(&stubNoncer{next: 5}, store, s.Address(), time.Second)
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}

	f := &processorFixture{store: store, chain: &stubChain{statuses: map[string]pass.TxStatus{}}, now: testNow.Add(10 * time.Minute)}
	cfg := ProcessorConfig{
		Tx:  map[string]txbuild.Config{"odin": txbuild.DefaultConfig("0xgenesis")},
		Now: func() time.Time { return f.now },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.proc, err = NewProcessor(cfg, store, alloc, s, f.chain, nil)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	return f
}

func (f *processorFixture) insert(t *testing.T, id, planet string) {
	t.Helper()
	err := f.store.InTx(context.Background(), func(tx ledger.Tx) error {
		return tx.InsertClaim(context.Background(), pass.Claim{
			UUID: id, PassType: pass.PassCourage, PlanetID: planet, AgentAddr: "0xag", AvatarAddr: "0xav",
			Rewards:      []pass.ClaimedReward{{Ticker: "CRYSTAL", Amount: "1000", Decimals: 18}},
			NormalLevels: []int{1},
		})
	})
	if err != nil {
		t.Fatalf("InsertClaim: %v", err)
	}
}

func (f *processorFixture) claim(t *testing.T, id string) pass.Claim {
	t.Helper()
	c, err := f.store.GetClaim(context.Background(), id)
	if err != nil {
		t.Fatalf("GetClaim: %v", err)
	}
	return c
}

func TestProcess_SignsAndStages(t *testing.T) {
	t.Parallel()

	f := newProcessorFixture(t, nil)
	f.insert(t, "c1", "odin")

	if err := f.proc.Process(context.Background(), "c1"); err != nil {
		t.Fatalf("Process: %v", err)
	}
	c := f.claim(t, "c1")
	if c.Status != pass.TxStaged || c.StageAttempts != 1 {
		t.Fatalf("claim: status=%s attempts=%d", c.Status, c.StageAttempts)
	}
	if c.Nonce == nil || *c.Nonce != 5 {
		t.Fatalf("nonce: %v", c.Nonce)
	}
	if c.TxID != txbuild.ID(c.Tx) {
		t.Fatalf("tx id mismatch")
	}
	tx, err := txbuild.Decode(c.Tx)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if tx.Signature == "" || tx.Actions[0].Values.ID != "c1" {
		t.Fatalf("tx: %+v", tx)
	}

	if err := f.proc.Process(context.Background(), "c1"); err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if got := f.chain.stagedNonces(t); len(got) != 1 {
		t.Fatalf("staged %d times", len(got))
	}
}

func TestProcess_StageFailureRecordsAttempt(t *testing.T) {
	t.Parallel()

	f := newProcessorFixture(t, nil)
	f.insert(t, "c1", "odin")
	f.chain.setStageErr(errors.New("mempool full"))

	err := f.proc.Process(context.Background(), "c1")
	if !errors.Is(err, pass.ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	c := f.claim(t, "c1")
	if c.Status != pass.TxInvalid || c.StageAttempts != 1 || c.Tx == nil {
		t.Fatalf("claim: status=%s attempts=%d tx=%v", c.Status, c.StageAttempts, c.Tx != nil)
	}
}

func TestProcess_UnknownPlanetFailsToCreate(t *testing.T) {
	t.Parallel()

	f := newProcessorFixture(t, nil)
	f.insert(t, "c1", "heimdall")

	if err := f.proc.Process(context.Background(), "c1"); !errors.Is(err, pass.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if c := f.claim(t, "c1"); c.Status != pass.TxFailToCreate || c.Nonce != nil {
		t.Fatalf("claim: status=%s nonce=%v", c.Status, c.Nonce)
	}
	if err := f.proc.Process(context.Background(), "c1"); err != nil {
		t.Fatalf("terminal claim should be skipped: %v", err)
	}
}

func TestProcess_MissingClaim(t *testing.T) {
	t.Parallel()

	f := newProcessorFixture(t, nil)
	if err := f.proc.Process(context.Background(), "nope"); !errors.Is(err, pass.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRetryStuck_StopsAtFirstFailureThenStagesInNonceOrder(t *testing.T) {
	t.Parallel()

	f := newProcessorFixture(t, nil)
	ctx := context.Background()
	f.chain.setStageErr(errors.New("node down"))
	for _, id := range []string{"c1", "c2", "c3"} {
		f.insert(t, id, "odin")
		_ = f.proc.Process(ctx, id)
	}

	n, err := f.proc.RetryStuck(ctx)
	if err == nil || n != 0 {
		t.Fatalf("RetryStuck: n=%d err=%v", n, err)
	}
	if c := f.claim(t, "c2"); c.StageAttempts != 1 {
		t.Fatalf("c2 retried after c1 failed: attempts=%d", c.StageAttempts)
	}
	if c := f.claim(t, "c1"); c.StageAttempts != 2 {
		t.Fatalf("c1 attempts=%d", c.StageAttempts)
	}

	f.chain.setStageErr(nil)
	n, err = f.proc.RetryStuck(ctx)
	if err != nil || n != 3 {
		t.Fatalf("RetryStuck: n=%d err=%v", n, err)
	}
	got := f.chain.stagedNonces(t)
	want := []uint64{5, 6, 7}
	if len(got) != len(want) {
		t.Fatalf("staged nonces: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("staged nonces: got %v want %v", got, want)
		}
	}
	for _, id := range []string{"c1", "c2", "c3"} {
		if c := f.claim(t, id); c.Status != pass.TxStaged {
			t.Fatalf("%s status=%s", id, c.Status)
		}
	}
}

func TestRetryStuck_SignsUnsignedClaims(t *testing.T) {
	t.Parallel()

	f := newProcessorFixture(t, nil)
	f.insert(t, "c1", "odin")

	n, err := f.proc.RetryStuck(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("RetryStuck: n=%d err=%v", n, err)
	}
	if c := f.claim(t, "c1"); c.Status != pass.TxStaged || c.Tx == nil {
		t.Fatalf("claim: status=%s", c.Status)
	}
}

func TestRetryStuck_IgnoresFreshClaims(t *testing.T) {
	t.Parallel()

	f := newProcessorFixture(t, nil)
	f.now = testNow.Add(time.Minute)
	f.insert(t, "c1", "odin")

	n, err := f.proc.RetryStuck(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("RetryStuck: n=%d err=%v", n, err)
	}
	if c := f.claim(t, "c1"); c.Status != pass.TxCreated {
		t.Fatalf("claim: status=%s", c.Status)
	}
}

func TestRetryStuck_AbandonsAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	f := newProcessorFixture(t, func(cfg *ProcessorConfig) { cfg.MaxStageAttempts = 2 })
	ctx := context.Background()
	f.chain.setStageErr(errors.New("rejected"))
	f.insert(t, "c1", "odin")
	_ = f.proc.Process(ctx, "c1")
	_, _ = f.proc.RetryStuck(ctx)

	if c := f.claim(t, "c1"); c.StageAttempts != 2 {
		t.Fatalf("attempts=%d", c.StageAttempts)
	}
	if _, err := f.proc.RetryStuck(ctx); err != nil {
		t.Fatalf("RetryStuck: %v", err)
	}
	if c := f.claim(t, "c1"); c.Status != pass.TxUnknown {
		t.Fatalf("status=%s", c.Status)
	}
}

func TestTrackStatus(t *testing.T) {
	t.Parallel()

	f := newProcessorFixture(t, nil)
	ctx := context.Background()
	for _, id := range []string{"ok", "pending", "lost"} {
		f.insert(t, id, "odin")
		if err := f.proc.Process(ctx, id); err != nil {
			t.Fatalf("Process(%s): %v", id, err)
		}
	}
	f.chain.setStageErr(errors.New("rejected"))
	f.insert(t, "rejected", "odin")
	_ = f.proc.Process(ctx, "rejected")

	f.chain.mu.Lock()
	f.chain.statuses[f.claim(t, "ok").TxID] = pass.TxSuccess
	f.chain.statuses[f.claim(t, "pending").TxID] = pass.TxStaged
	f.chain.statuses[f.claim(t, "rejected").TxID] = pass.TxNotFound
	f.chain.mu.Unlock()

	n, err := f.proc.TrackStatus(ctx)
	if err != nil {
		t.Fatalf("TrackStatus: %v", err)
	}
	if n != 1 {
		t.Fatalf("updated=%d", n)
	}
	want := map[string]pass.TxStatus{
		"ok":       pass.TxSuccess,
		"pending":  pass.TxStaged,
		"lost":     pass.TxStaged,
		"rejected": pass.TxInvalid,
	}
	for id, st := range want {
		if got := f.claim(t, id).Status; got != st {
			t.Fatalf("%s: status=%s want %s", id, got, st)
		}
	}
}

func TestTrackStatus_UnparseableNodeAnswerMarksInvalid(t *testing.T) {
	t.Parallel()

	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>garbage</html>"))
	}))
	t.Cleanup(garbage.Close)
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	t.Cleanup(down.Close)

	rpc, err := chainrpc.New(map[string]string{"odin": garbage.URL, "heimdall": down.URL})
	if err != nil {
		t.Fatalf("chainrpc.New: %v", err)
	}

	f := newProcessorFixture(t, func(cfg *ProcessorConfig) {
		cfg.Tx["heimdall"] = txbuild.DefaultConfig("0xgenesis")
	})
	ctx := context.Background()
	f.insert(t, "garbled", "odin")
	f.insert(t, "unreachable", "heimdall")
	for _, id := range []string{"garbled", "unreachable"} {
		if err := f.proc.Process(ctx, id); err != nil {
			t.Fatalf("Process(%s): %v", id, err)
		}
	}

	f.chain.mu.Lock()
	f.chain.statusVia = rpc.TxStatus
	f.chain.mu.Unlock()

	n, err := f.proc.TrackStatus(ctx)
	if err != nil {
		t.Fatalf("TrackStatus: %v", err)
	}
	if n != 1 {
		t.Fatalf("updated=%d", n)
	}
	if got := f.claim(t, "garbled").Status; got != pass.TxInvalid {
		t.Fatalf("garbled: status=%s want INVALID", got)
	}
	if got := f.claim(t, "unreachable").Status; got != pass.TxStaged {
		t.Fatalf("unreachable: status=%s want STAGED", got)
	}
}

func TestNewProcessor_Validates(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	if _, err := NewProcessor(ProcessorConfig{}, store, nil, nil, nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
