package main

import (
	"context"
	"errors"
	"testing"

	"github.com/seasonpass/tracker/internal/claim"
	"github.com/seasonpass/tracker/internal/ledger"
	"github.com/seasonpass/tracker/internal/pass"
	"github.com/seasonpass/tracker/internal/queue"
	"github.com/seasonpass/tracker/internal/signer"
	"github.com/seasonpass/tracker/internal/txbuild"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type stubNonces struct{}

func (stubNonces) Assign(context.Context, string, string) (uint64, error) { return 1, nil }

type stubChain struct{}

func (stubChain) Stage(context.Context, string, []byte) (string, error) { return "", nil }

func (stubChain) TxStatus(context.Context, string, string) (pass.TxStatus, error) {
	return pass.TxStaged, nil
}

func TestProcessHandler(t *testing.T) {
	t.Parallel()

	key, err := signer.ParsePrivateKeyHex(testKeyHex)
	if err != nil {
		t.Fatalf("ParsePrivateKeyHex: %v", err)
	}
	s, _ := signer.NewLocalSigner(key)
	proc, err := claim.NewProcessor(claim.ProcessorConfig{
		Tx: map[string]txbuild.Config{"odin": txbuild.DefaultConfig("genesis")},
	}, ledger.NewMemoryStore(), stubNonces{}, s, stubChain{}, nil)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	handle := processHandler(proc)

	if err := handle(context.Background(), queue.Message{Value: []byte(`{}`)}); !errors.Is(err, pass.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if err := handle(context.Background(), queue.Message{Value: []byte(`{"uuid":"missing"}`)}); !errors.Is(err, pass.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
