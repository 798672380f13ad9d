package risk

import "testing"

func TestResolveMarketBlocksDoubleResolution(t *testing.T) {
	e := testEngine(t)
	if err := e.ResolveMarket(50_000_000_000); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := e.ResolveMarket(60_000_000_000); err != ErrAlreadyResolved {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestResolveMarketRejectsZeroPrice(t *testing.T) {
	e := testEngine(t)
	if err := e.ResolveMarket(0); err == nil {
		t.Fatal("expected rejection of zero resolution price")
	}
}

func TestWithdrawInsuranceRequiresResolution(t *testing.T) {
	e := testEngine(t)
	if err := e.WithdrawInsurance(1); err != ErrNotResolved {
		t.Fatalf("expected ErrNotResolved, got %v", err)
	}
}

func TestWithdrawInsuranceRequiresFlatPositions(t *testing.T) {
	e := testEngine(t)
	idx, _ := e.AddUser(hashOf(1), 0, 1)
	acc, _ := e.Table.Get(idx)
	acc.PositionSize = intPos(1)
	e.ResolveMarket(50_000_000_000)
	if err := e.WithdrawInsurance(1); err != ErrPositionsRemain {
		t.Fatalf("expected ErrPositionsRemain, got %v", err)
	}
}

func TestWithdrawInsuranceSucceedsAfterWindDown(t *testing.T) {
	e := testEngine(t)
	e.TopUpInsurance(1_000)
	e.ResolveMarket(50_000_000_000)
	if err := e.WithdrawInsurance(500); err != nil {
		t.Fatalf("withdraw insurance: %v", err)
	}
	if e.Insurance.Uint64() != 500 {
		t.Fatalf("expected remaining insurance 500, got %v", e.Insurance)
	}
}

func TestReleasableRequiresFullWindDown(t *testing.T) {
	e := testEngine(t)
	e.AddUser(hashOf(1), 100, 1)
	if e.Releasable() {
		t.Fatal("unresolved engine must never be releasable")
	}
	e.ResolveMarket(50_000_000_000)
	if e.Releasable() {
		t.Fatal("engine with a live account must not be releasable")
	}
}

func TestReleasableOnceEmptyAndResolved(t *testing.T) {
	e := testEngine(t)
	e.ResolveMarket(50_000_000_000)
	if !e.Releasable() {
		t.Fatal("expected empty resolved engine to be releasable")
	}
}
