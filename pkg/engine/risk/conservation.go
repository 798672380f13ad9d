package risk

import (
	"fmt"

	"github.com/uhyunpark/hyperlicked/pkg/engine/account"
	"github.com/uhyunpark/hyperlicked/pkg/engine/num"
)

// ConservationReport is the result of a full-scan audit: the recomputed
// aggregates alongside the engine's own running totals, whether the
// incrementally maintained aggregates still match a fresh recomputation
// (AggregatesOK), and whether the haircut-scaled claim on residual
// backing is itself consistent once pending funding and mark PnL are
// projected forward (ExtendedOK).
type ConservationReport struct {
	SumCapital    num.U128
	SumPnLPos     num.U128
	SumPosAbs     num.U128
	EngineCTot    num.U128
	EnginePnLPos  num.U128
	EngineOI      num.U128
	Slack         uint64
	PrimaryOK     bool
	AggregatesOK  bool

	ProjectedResidual  num.U128
	ProjectedEffPnLSum num.U128
	ExtendedOK         bool
}

// CheckConservation performs a full O(N) scan recomputing Sigma capital,
// Sigma max(pnl,0), and Sigma |position| from the account table, and
// compares them against the engine's incrementally maintained
// aggregates (CTot, PnLPosTot, TotalOpenInterest). It checks three
// things: the primary invariant (vault >= c_tot + insurance, i.e. the
// engine never promises more than it holds), that the maintained
// aggregates still agree with a fresh recomputation (AggregatesOK), and
// the extended invariant relating residual backing to the haircut-scaled
// sum of positive PnL claims across every account (ExtendedOK) — the
// latter computed against funding and mark-to-oracle projected forward
// to (nowSlot, oraclePrice) on a read-only basis, without mutating any
// account, since CTot/PnLPosTot only reflect each account as of its own
// last touch and accounts go stale between cranks.
func (e *Engine) CheckConservation(oraclePrice uint64, nowSlot uint64) ConservationReport {
	var sumCapital, sumPnLPos, sumPosAbs num.U128
	e.Table.Each(func(_ uint16, acc *account.Account) {
		sumCapital = sumCapital.Add(acc.Capital)
		sumPnLPos = sumPnLPos.Add(acc.PnL.MaxZero().Abs())
		sumPosAbs = sumPosAbs.Add(acc.PositionSize.Abs())
	})

	rep := ConservationReport{
		SumCapital:   sumCapital,
		SumPnLPos:    sumPnLPos,
		SumPosAbs:    sumPosAbs,
		EngineCTot:   e.CTot,
		EnginePnLPos: e.PnLPosTot,
		EngineOI:     e.TotalOpenInterest,
		Slack:        e.Params.MaxRoundingSlack,
	}

	backing, ok := e.CTot.CheckedAdd(e.Insurance)
	rep.PrimaryOK = ok && !e.Vault.LessThan(backing)

	rep.AggregatesOK = withinSlack(sumCapital, e.CTot, e.Params.MaxRoundingSlack) &&
		withinSlack(sumPnLPos, e.PnLPosTot, e.Params.MaxRoundingSlack) &&
		withinSlack(sumPosAbs, e.TotalOpenInterest, e.Params.MaxRoundingSlack)

	rep.ExtendedOK, rep.ProjectedResidual, rep.ProjectedEffPnLSum = e.checkExtendedConservation(oraclePrice, nowSlot)

	return rep
}

// checkExtendedConservation projects funding and mark-to-oracle forward
// to (nowSlot, oraclePrice) for every account — purely as a read, no
// account or aggregate is mutated — then re-derives the haircut ratio
// from the projected PnLPosTot and checks that the resulting sum of
// per-account effective (haircut-scaled) positive PnL both (a) never
// exceeds the residual actually backing it and (b) is not suspiciously
// far under what the haircut ratio itself claims to allow, which would
// indicate the ratio and the per-account floors have drifted apart.
func (e *Engine) checkExtendedConservation(oraclePrice uint64, nowSlot uint64) (ok bool, residual num.U128, effSum num.U128) {
	projIndex := e.projectedFundingIndex(nowSlot, oraclePrice)

	var projPnLPosTot num.U128
	type projected struct {
		pnl num.I128
	}
	var rows []projected
	e.Table.Each(func(_ uint16, acc *account.Account) {
		funding := num.ZeroI128
		if fDelta, ok := projIndex.CheckedSub(acc.FundingIndexSnap); ok && !acc.PositionSize.IsZero() {
			funding = fundingPayment(acc.PositionSize, fDelta)
		}
		mark := num.ZeroI128
		if !acc.PositionSize.IsZero() {
			mark = markPnL(acc.PositionSize, acc.EntryPrice, oraclePrice)
		}
		projPnL := acc.PnL.Add(funding).Add(mark)
		rows = append(rows, projected{pnl: projPnL})
		projPnLPosTot = projPnLPosTot.Add(projPnL.MaxZero().Abs())
	})

	backing, addOK := e.CTot.CheckedAdd(e.Insurance)
	if !addOK {
		return false, num.ZeroU128, num.ZeroU128
	}
	residual = num.ZeroU128
	if e.Vault.GreaterThan(backing) {
		residual = e.Vault.Sub(backing)
	}

	h := Haircut{HNum: num.NewU128(1), HDen: num.NewU128(1)}
	if !projPnLPosTot.IsZero() {
		hNum := residual
		if hNum.GreaterThan(projPnLPosTot) {
			hNum = projPnLPosTot
		}
		h = Haircut{HNum: hNum, HDen: projPnLPosTot}
	}

	for _, row := range rows {
		effSum = effSum.Add(effectivePositivePnL(row.pnl, h))
	}

	slack := num.NewU128(e.Params.MaxRoundingSlack)
	if effSum.GreaterThan(residual.Add(slack)) {
		return false, residual, effSum
	}
	claimed := h.HNum
	if claimed.GreaterThan(effSum.Add(slack)) {
		return false, residual, effSum
	}
	return true, residual, effSum
}

// withinSlack reports whether |a-b| <= slack.
func withinSlack(a, b num.U128, slack uint64) bool {
	var diff num.U128
	if a.GreaterThan(b) {
		diff = a.Sub(b)
	} else {
		diff = b.Sub(a)
	}
	return !diff.GreaterThan(num.NewU128(slack))
}

// Audit returns an error describing the first invariant violation found,
// or nil if the slab is internally consistent within slack, projecting
// pending funding and mark PnL forward to (oraclePrice, nowSlot) for the
// extended check. It is the entry point test harnesses and governance
// triggers call.
func (e *Engine) Audit(oraclePrice uint64, nowSlot uint64) error {
	rep := e.CheckConservation(oraclePrice, nowSlot)
	if !rep.PrimaryOK {
		return fmt.Errorf("risk: conservation violated: vault %v+%v < c_tot+insurance", e.Vault, e.Insurance)
	}
	if !rep.AggregatesOK {
		return fmt.Errorf("risk: aggregates diverged: recomputed sums diverge from maintained aggregates beyond slack %d", e.Params.MaxRoundingSlack)
	}
	if !rep.ExtendedOK {
		return fmt.Errorf("risk: extended conservation violated: haircut-scaled positive PnL claims diverge from residual backing beyond slack %d", e.Params.MaxRoundingSlack)
	}
	if !e.Table.FreelistSound() {
		return fmt.Errorf("risk: account table free-list inconsistent with used bitmap")
	}
	return nil
}
