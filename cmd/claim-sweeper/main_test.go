package main

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/seasonpass/tracker/internal/ledger"
	"github.com/seasonpass/tracker/internal/pass"
	"github.com/seasonpass/tracker/internal/queue"
)

func TestScanGaps(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := ledger.NewMemoryStore()
	_ = store.InTx(ctx, func(tx ledger.Tx) error {
		for _, b := range []int64{10, 12} {
			if _, err := tx.ReserveBlock(ctx, "odin", pass.PassCourage, b); err != nil {
				return err
			}
		}
		_, err := tx.ReserveBlock(ctx, "heimdall", pass.PassWorldClear, 5)
		return err
	})

	broker := queue.NewMemoryBroker()
	sub := broker.Consumer("rescans")
	g, err := ledger.NewGapScanner(ledger.GapScannerConfig{Topic: "rescans"}, store, broker.Producer(), nil)
	if err != nil {
		t.Fatalf("NewGapScanner: %v", err)
	}

	if err := scanGaps(ctx, g, []string{"heimdall", "odin"}, 3); err != nil {
		t.Fatalf("scanGaps: %v", err)
	}

	// heimdall: blocks 3 and 4 below 5; odin: block 11 between 10 and 12.
	var got []ledger.RescanRequest
	for i := 0; i < 3; i++ {
		var req ledger.RescanRequest
		if err := json.Unmarshal((<-sub.Messages()).Value, &req); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		got = append(got, req)
	}
	if got[0].PlanetID != "heimdall" || got[0].Block != 3 || got[1].Block != 4 || got[1].PassType != pass.PassWorldClear {
		t.Fatalf("heimdall rescans: %+v", got)
	}
	if got[2].PlanetID != "odin" || got[2].Block != 11 || got[2].PassType != pass.PassCourage {
		t.Fatalf("odin rescan: %+v", got[2])
	}
}
