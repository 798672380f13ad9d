package risk

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperlicked/pkg/engine/num"
	"github.com/uhyunpark/hyperlicked/pkg/engine/params"
)

func intPos(v int64) num.I128 { return num.NewI128(v) }

func testEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Init(params.Default(), 16)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	return e
}

func hashOf(b byte) common.Hash {
	var h common.Hash
	h[31] = b
	return h
}

func TestDepositCreditsCapitalAndVaultInLockstep(t *testing.T) {
	e := testEngine(t)
	idx, err := e.AddUser(hashOf(1), 0, 1)
	if err != nil {
		t.Fatalf("add user: %v", err)
	}
	if err := e.Deposit(idx, 1_000_000, 1); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	acc, _ := e.Table.Get(idx)
	if acc.Capital.Uint64() != 1_000_000 {
		t.Fatalf("expected capital 1_000_000, got %v", acc.Capital)
	}
	if e.Vault.Uint64() != 1_000_000 {
		t.Fatalf("expected vault 1_000_000, got %v", e.Vault)
	}
}

func TestWithdrawRejectsBelowInitialMarginWhilePositioned(t *testing.T) {
	e := testEngine(t)
	idx, _ := e.AddUser(hashOf(1), 0, 1)
	e.Deposit(idx, 1_000_000, 1)
	acc, _ := e.Table.Get(idx)
	acc.PositionSize = intPos(100)
	acc.EntryPrice = 50_000_000_000

	// Initial margin at 10x (1000 bps) on a 100-unit position at this
	// price requires far more than the residual capital after a large
	// withdrawal.
	if err := e.Withdraw(idx, 999_000, 50_000_000_000, 2); err == nil {
		t.Fatal("expected withdrawal to be rejected by initial margin check")
	}
}

func TestWithdrawRejectsInsufficientCapital(t *testing.T) {
	e := testEngine(t)
	idx, _ := e.AddUser(hashOf(1), 0, 1)
	e.Deposit(idx, 100, 1)
	if err := e.Withdraw(idx, 200, 1, 2); err != ErrInsufficientCapital {
		t.Fatalf("expected ErrInsufficientCapital, got %v", err)
	}
}

func TestWithdrawSucceedsWithinInitialMargin(t *testing.T) {
	e := testEngine(t)
	idx, _ := e.AddUser(hashOf(1), 0, 1)
	e.Deposit(idx, 1_000_000, 1)
	if err := e.Withdraw(idx, 500_000, 50_000_000_000, 2); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	acc, _ := e.Table.Get(idx)
	if acc.Capital.Uint64() != 500_000 {
		t.Fatalf("expected remaining capital 500_000, got %v", acc.Capital)
	}
	if e.Vault.Uint64() != 500_000 {
		t.Fatalf("expected vault 500_000, got %v", e.Vault)
	}
}

func TestCloseAccountRequiresFlatPosition(t *testing.T) {
	e := testEngine(t)
	idx, _ := e.AddUser(hashOf(1), 0, 1)
	e.Deposit(idx, 1_000, 1)
	acc, _ := e.Table.Get(idx)
	acc.PositionSize = intPos(1)
	if err := e.CloseAccount(idx, 50_000_000_000, 2); err != ErrPositionsRemain {
		t.Fatalf("expected ErrPositionsRemain, got %v", err)
	}
}

func TestCloseAccountReturnsSlotToFreeList(t *testing.T) {
	e := testEngine(t)
	idx, _ := e.AddUser(hashOf(1), 0, 1)
	e.Deposit(idx, 1_000, 1)
	if err := e.CloseAccount(idx, 50_000_000_000, 2); err != nil {
		t.Fatalf("close: %v", err)
	}
	if e.Table.IsUsed(idx) {
		t.Fatal("expected slot to be freed")
	}
	if !e.Table.FreelistSound() {
		t.Fatal("freelist unsound after close")
	}
}

func TestAddAccountRejectedAfterResolution(t *testing.T) {
	e := testEngine(t)
	if err := e.ResolveMarket(50_000_000_000); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := e.AddUser(hashOf(1), 0, 1); err != ErrAlreadyResolved {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
}
