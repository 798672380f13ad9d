package risk

import (
	"testing"

	"github.com/uhyunpark/hyperlicked/pkg/engine/params"
)

func keeperTestEngine(t *testing.T, capacity, accountsPerCrank int) *Engine {
	t.Helper()
	p := params.Default()
	p.AccountsPerCrank = accountsPerCrank
	e, err := Init(p, capacity)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	return e
}

func TestCrankTouchesBudgetedWindowAndAdvancesCursor(t *testing.T) {
	e := keeperTestEngine(t, 20, 8)
	for i := 0; i < 5; i++ {
		e.AddUser(hashOf(byte(i)), 1_000, 1)
	}
	res, err := e.Crank(50_000_000_000, 1)
	if err != nil {
		t.Fatalf("crank: %v", err)
	}
	if res.AccountsTouched != 5 {
		t.Fatalf("expected 5 accounts touched (fewer than budget), got %d", res.AccountsTouched)
	}
	if e.CrankCursor != 8 {
		t.Fatalf("expected cursor to advance by the full budget (8), got %d", e.CrankCursor)
	}
}

func TestCrankDetectsSweepCompletionAfterFullRevolution(t *testing.T) {
	e := keeperTestEngine(t, 20, 8)
	for i := 0; i < 5; i++ {
		e.AddUser(hashOf(byte(i)), 1_000, 1)
	}
	var sweepCompletedAt int
	for slot := uint64(1); slot <= 4; slot++ {
		res, err := e.Crank(50_000_000_000, slot)
		if err != nil {
			t.Fatalf("crank at slot %d: %v", slot, err)
		}
		if res.SweepCompleted {
			sweepCompletedAt = int(slot)
			break
		}
	}
	if sweepCompletedAt == 0 {
		t.Fatal("expected a sweep completion within a few crank calls covering the whole table")
	}
}

func TestCrankLiquidatesEligibleAccountWithinBudget(t *testing.T) {
	e := keeperTestEngine(t, 8, 8)
	idx := makeUnderwaterAccount(t, e)
	res, err := e.Crank(50_000_000_000, 1)
	if err != nil {
		t.Fatalf("crank: %v", err)
	}
	if res.Liquidations == 0 {
		t.Fatal("expected the underwater account to be liquidated during crank")
	}
	// A full close that leaves zero capital makes the account dust, and the
	// same crank's GC pass may already have freed the slot.
	if acc, err := e.Table.Get(idx); err == nil && acc.PositionSize.Abs().GreaterThan(intPos(100).Abs()) {
		t.Fatalf("expected position reduced, got %v", acc.PositionSize)
	}
}

func TestCrankForceClosesPositionsOnceResolved(t *testing.T) {
	e := keeperTestEngine(t, 8, 8)
	idx, _ := e.AddUser(hashOf(1), 1_000_000, 1)
	acc, _ := e.Table.Get(idx)
	acc.PositionSize = intPos(5)
	acc.EntryPrice = 50_000_000_000

	if err := e.ResolveMarket(50_000_000_000); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := e.Crank(50_000_000_000, 2); err != nil {
		t.Fatalf("crank: %v", err)
	}
	if !acc.PositionSize.IsZero() {
		t.Fatalf("expected position force-closed after resolution, got %v", acc.PositionSize)
	}
}
