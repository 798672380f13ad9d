package risk

import (
	"testing"

	"github.com/uhyunpark/hyperlicked/pkg/engine/num"
)

func TestAuditPassesOnFreshEngine(t *testing.T) {
	e := testEngine(t)
	if err := e.Audit(50_000_000_000, 1); err != nil {
		t.Fatalf("expected fresh engine to audit clean, got %v", err)
	}
}

func TestAuditPassesAfterDepositsAndTrade(t *testing.T) {
	e, userIdx, lpIdx := tradeTestEngine(t)
	req := TradeRequest{
		UserIdx:       userIdx,
		LPIdx:         lpIdx,
		OraclePrice:   50_000_000_000,
		ExecPrice:     50_000_000_000,
		ExecSize:      intPos(5),
		RequestedSize: intPos(5),
	}
	if err := e.ExecuteTrade(req, 2); err != nil {
		t.Fatalf("execute trade: %v", err)
	}
	if err := e.Audit(50_000_000_000, 2); err != nil {
		t.Fatalf("expected audit to pass after trade, got %v", err)
	}
}

func TestCheckConservationDetectsVaultShortfall(t *testing.T) {
	e := testEngine(t)
	e.AddUser(hashOf(1), 0, 1)
	e.CTot = num.NewU128(1000)
	// Vault was never credited to match: the primary invariant must fail.
	rep := e.CheckConservation(50_000_000_000, 1)
	if rep.PrimaryOK {
		t.Fatal("expected primary conservation check to fail when vault is short")
	}
}
