package risk

import (
	"errors"
	"testing"

	"github.com/uhyunpark/hyperlicked/pkg/engine/num"
)

func tradeTestEngine(t *testing.T) (*Engine, uint16, uint16) {
	t.Helper()
	e := testEngine(t)
	userIdx, err := e.AddUser(hashOf(1), 0, 1)
	if err != nil {
		t.Fatalf("add user: %v", err)
	}
	lpIdx, err := e.AddLP(hashOf(2), hashOf(3), hashOf(4), 0, 1)
	if err != nil {
		t.Fatalf("add lp: %v", err)
	}
	if err := e.Deposit(userIdx, 1_000_000_000, 1); err != nil {
		t.Fatalf("deposit user: %v", err)
	}
	if err := e.Deposit(lpIdx, 1_000_000_000_000, 1); err != nil {
		t.Fatalf("deposit lp: %v", err)
	}
	return e, userIdx, lpIdx
}

func TestExecuteTradeOpensOffsettingPositions(t *testing.T) {
	e, userIdx, lpIdx := tradeTestEngine(t)
	req := TradeRequest{
		UserIdx:       userIdx,
		LPIdx:         lpIdx,
		OraclePrice:   50_000_000_000,
		ExecPrice:     50_000_000_000,
		ExecSize:      intPos(10),
		RequestedSize: intPos(10),
	}
	if err := e.ExecuteTrade(req, 2); err != nil {
		t.Fatalf("execute trade: %v", err)
	}
	user, _ := e.Table.Get(userIdx)
	lp, _ := e.Table.Get(lpIdx)
	if !user.PositionSize.Equal(intPos(10)) {
		t.Fatalf("expected user position 10, got %v", user.PositionSize)
	}
	if !lp.PositionSize.Equal(intPos(-10)) {
		t.Fatalf("expected lp position -10, got %v", lp.PositionSize)
	}
}

func TestExecuteTradeChargesCeilingRoundedFee(t *testing.T) {
	e, userIdx, lpIdx := tradeTestEngine(t)
	userBefore, _ := e.Table.Get(userIdx)
	capitalBefore := userBefore.Capital

	req := TradeRequest{
		UserIdx:       userIdx,
		LPIdx:         lpIdx,
		OraclePrice:   50_000_000_000,
		ExecPrice:     50_000_000_000,
		ExecSize:      intPos(1),
		RequestedSize: intPos(1),
	}
	if err := e.ExecuteTrade(req, 2); err != nil {
		t.Fatalf("execute trade: %v", err)
	}
	user, _ := e.Table.Get(userIdx)
	// notional = 1 * 50_000_000_000 / 1e6 = 50_000; fee = ceil(50_000 *
	// 10bps / 10_000) = ceil(50) = 50, an exact division here, so this
	// mainly pins the fee's magnitude rather than the rounding itself.
	spent := capitalBefore.Sub(user.Capital)
	if spent.Uint64() != 50 {
		t.Fatalf("expected fee of 50, got %v", spent)
	}
}

func TestExecuteTradeRejectsSignMismatch(t *testing.T) {
	e, userIdx, lpIdx := tradeTestEngine(t)
	req := TradeRequest{
		UserIdx:       userIdx,
		LPIdx:         lpIdx,
		OraclePrice:   50_000_000_000,
		ExecPrice:     50_000_000_000,
		ExecSize:      intPos(10),
		RequestedSize: intPos(-10),
	}
	if err := e.ExecuteTrade(req, 2); err == nil {
		t.Fatal("expected sign-mismatch error")
	}
}

func TestExecuteTradeRejectsExecSizeExceedingRequested(t *testing.T) {
	e, userIdx, lpIdx := tradeTestEngine(t)
	req := TradeRequest{
		UserIdx:       userIdx,
		LPIdx:         lpIdx,
		OraclePrice:   50_000_000_000,
		ExecPrice:     50_000_000_000,
		ExecSize:      intPos(20),
		RequestedSize: intPos(10),
	}
	if err := e.ExecuteTrade(req, 2); err == nil {
		t.Fatal("expected exec-exceeds-requested error")
	}
}

func TestExecuteTradeRejectsZeroExecSize(t *testing.T) {
	e, userIdx, lpIdx := tradeTestEngine(t)
	req := TradeRequest{
		UserIdx:       userIdx,
		LPIdx:         lpIdx,
		OraclePrice:   50_000_000_000,
		ExecPrice:     50_000_000_000,
		ExecSize:      num.ZeroI128,
		RequestedSize: num.ZeroI128,
	}
	if err := e.ExecuteTrade(req, 2); err == nil {
		t.Fatal("expected zero-exec-size error")
	}
}

func TestExecuteTradeRejectsI128MinExecSize(t *testing.T) {
	e, userIdx, lpIdx := tradeTestEngine(t)
	req := TradeRequest{
		UserIdx:       userIdx,
		LPIdx:         lpIdx,
		OraclePrice:   50_000_000_000,
		ExecPrice:     50_000_000_000,
		ExecSize:      num.MinI128,
		RequestedSize: num.MinI128,
	}
	if err := e.ExecuteTrade(req, 2); err == nil {
		t.Fatal("expected i128-min rejection")
	}
}

func TestExecuteTradeRejectsAgainstNonLPCounterparty(t *testing.T) {
	e := testEngine(t)
	userIdx, _ := e.AddUser(hashOf(1), 0, 1)
	otherIdx, _ := e.AddUser(hashOf(2), 0, 1)
	e.Deposit(userIdx, 1_000_000_000, 1)
	e.Deposit(otherIdx, 1_000_000_000, 1)

	req := TradeRequest{
		UserIdx:       userIdx,
		LPIdx:         otherIdx,
		OraclePrice:   50_000_000_000,
		ExecPrice:     50_000_000_000,
		ExecSize:      intPos(1),
		RequestedSize: intPos(1),
	}
	if err := e.ExecuteTrade(req, 2); err == nil {
		t.Fatal("expected rejection for non-LP counterparty")
	}
}

func TestExecuteTradeFlipPositionRequiresInitialMargin(t *testing.T) {
	e, userIdx, lpIdx := tradeTestEngine(t)
	// Open a one-unit long, then attempt to flip to short in one fill: the
	// flip is risk-increasing on the new side and must clear initial
	// margin at the new, larger size. At 300_000 short (per-unit notional
	// 50_000) equity of about 985e6 clears MM_req 7.5e8 but not IM_req
	// 1.5e9, so only the initial-margin check can reject it.
	open := TradeRequest{
		UserIdx: userIdx, LPIdx: lpIdx,
		OraclePrice: 50_000_000_000, ExecPrice: 50_000_000_000,
		ExecSize: intPos(1), RequestedSize: intPos(1),
	}
	if err := e.ExecuteTrade(open, 2); err != nil {
		t.Fatalf("open: %v", err)
	}

	flip := TradeRequest{
		UserIdx: userIdx, LPIdx: lpIdx,
		OraclePrice: 50_000_000_000, ExecPrice: 50_000_000_000,
		ExecSize: intPos(-300_001), RequestedSize: intPos(-300_001),
	}
	if err := e.ExecuteTrade(flip, 3); !errors.Is(err, ErrBelowInitialMargin) {
		t.Fatalf("expected flip to this size to fail initial margin, got %v", err)
	}
}
