// Package storage persists one engine slab — its header fields and the
// full account table — to a Pebble key-value store, in the same
// prefix-keyed-schema idiom as the node's block and account stores.
package storage

import (
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/hyperlicked/pkg/engine/account"
	"github.com/uhyunpark/hyperlicked/pkg/engine/num"
	"github.com/uhyunpark/hyperlicked/pkg/engine/params"
	"github.com/uhyunpark/hyperlicked/pkg/engine/risk"
)

// Key schema, mirroring the node's "b:"/"acc:"/"pos:" convention:
//
//	hdr          -> gob-encoded Header
//	slot:<u16 BE> -> gob-encoded account.Account
const (
	keyHeader  = "hdr"
	prefixSlot = "slot:"
)

// SlabStore wraps a Pebble database holding exactly one engine slab.
type SlabStore struct {
	db *pebble.DB
}

// Open opens (creating if absent) the Pebble database at path.
func Open(path string) (*SlabStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	return &SlabStore{db: db}, nil
}

func (s *SlabStore) Close() error { return s.db.Close() }

// Header is the gob-serializable projection of every risk.Engine field
// that is not the account table itself.
type Header struct {
	Vault     [2]uint64
	Insurance [2]uint64

	CTot      [2]uint64
	PnLPosTot [2]uint64

	TotalOpenInterest [2]uint64

	NetLPPosMag [2]uint64
	NetLPPosNeg bool
	LPSumAbs    [2]uint64
	LPMaxAbs    [2]uint64

	FundingIndexMag [2]uint64
	FundingIndexNeg bool
	LastFundingSlot uint64
	FundingRateLast int64

	CurrentSlot            uint64
	LastCrankSlot          uint64
	SweepStartCursor       uint16
	SweepLastCompletedSlot uint64
	CrankCursor            uint16

	RiskReductionThreshold [2]uint64
	RiskReductionOnly      bool

	Resolved        bool
	ResolutionPrice uint64
	AuthorityPrice  uint64

	Params params.RiskParams

	Capacity      int
	NextAccountID uint64

	Stats risk.KeeperStats
}

// SaveSlab writes the engine header and every used account slot in a
// single batch, so a crash mid-write never leaves a half-written slab.
func (s *SlabStore) SaveSlab(e *risk.Engine) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	hdr := headerFromEngine(e)
	hdrBytes, err := encodeGob(hdr)
	if err != nil {
		return fmt.Errorf("storage: encode header: %w", err)
	}
	if err := batch.Set([]byte(keyHeader), hdrBytes, nil); err != nil {
		return fmt.Errorf("storage: stage header: %w", err)
	}

	// Clear any previously-written slots outside the current used set so
	// a slab that shrinks (accounts closed) doesn't leave stale entries
	// a future load would resurrect.
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixSlot),
		UpperBound: keyUpperBound([]byte(prefixSlot)),
	})
	if err != nil {
		return fmt.Errorf("storage: scan existing slots: %w", err)
	}
	for iter.First(); iter.Valid(); iter.Next() {
		if err := batch.Delete(iter.Key(), nil); err != nil {
			iter.Close()
			return fmt.Errorf("storage: stage slot delete: %w", err)
		}
	}
	if err := iter.Close(); err != nil {
		return fmt.Errorf("storage: close scan: %w", err)
	}

	var encErr error
	e.Table.Each(func(idx uint16, acc *account.Account) {
		if encErr != nil {
			return
		}
		accBytes, err := encodeGob(*acc)
		if err != nil {
			encErr = fmt.Errorf("storage: encode slot %d: %w", idx, err)
			return
		}
		if err := batch.Set(slotKey(idx), accBytes, nil); err != nil {
			encErr = fmt.Errorf("storage: stage slot %d: %w", idx, err)
		}
	})
	if encErr != nil {
		return encErr
	}

	return batch.Commit(pebble.Sync)
}

// LoadSlab reconstructs a risk.Engine from a previously saved slab.
func LoadSlab(s *SlabStore) (*risk.Engine, error) {
	hdrBytes, closer, err := s.db.Get([]byte(keyHeader))
	if err != nil {
		return nil, fmt.Errorf("storage: load header: %w", err)
	}
	var hdr Header
	decErr := decodeGob(hdrBytes, &hdr)
	closer.Close()
	if decErr != nil {
		return nil, fmt.Errorf("storage: decode header: %w", decErr)
	}

	e, err := risk.Init(hdr.Params, hdr.Capacity)
	if err != nil {
		return nil, fmt.Errorf("storage: reinit engine: %w", err)
	}
	applyHeader(e, hdr)

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixSlot),
		UpperBound: keyUpperBound([]byte(prefixSlot)),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan slots: %w", err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		idx := slotIndexFromKey(iter.Key())
		var acc account.Account
		if err := decodeGob(iter.Value(), &acc); err != nil {
			return nil, fmt.Errorf("storage: decode slot %d: %w", idx, err)
		}
		e.Table.RestoreSlot(idx, acc)
	}
	e.Table.RebuildFreeList()
	e.Table.SetNextAccountID(hdr.NextAccountID)

	return e, nil
}

func slotIndexFromKey(key []byte) uint16 {
	off := len(prefixSlot)
	return uint16(key[off])<<8 | uint16(key[off+1])
}

func u128Parts(v num.U128) [2]uint64 { return [2]uint64{v.Hi, v.Lo} }
func u128FromParts(p [2]uint64) num.U128 { return num.U128{Hi: p[0], Lo: p[1]} }

func headerFromEngine(e *risk.Engine) Header {
	netLPMag, netLPNeg := e.NetLPPos.Parts()
	fundingMag, fundingNeg := e.FundingIndex.Parts()
	return Header{
		Vault:     u128Parts(e.Vault),
		Insurance: u128Parts(e.Insurance),

		CTot:      u128Parts(e.CTot),
		PnLPosTot: u128Parts(e.PnLPosTot),

		TotalOpenInterest: u128Parts(e.TotalOpenInterest),

		NetLPPosMag: u128Parts(netLPMag),
		NetLPPosNeg: netLPNeg,
		LPSumAbs:    u128Parts(e.LPSumAbs),
		LPMaxAbs:    u128Parts(e.LPMaxAbs),

		FundingIndexMag: u128Parts(fundingMag),
		FundingIndexNeg: fundingNeg,
		LastFundingSlot: e.LastFundingSlot,
		FundingRateLast: e.FundingRateLast,

		CurrentSlot:            e.CurrentSlot,
		LastCrankSlot:          e.LastCrankSlot,
		SweepStartCursor:       e.SweepStartCursor,
		SweepLastCompletedSlot: e.SweepLastCompletedSlot,
		CrankCursor:            e.CrankCursor,

		RiskReductionThreshold: u128Parts(e.RiskReductionThreshold),
		RiskReductionOnly:      e.RiskReductionOnly,

		Resolved:        e.Resolved,
		ResolutionPrice: e.ResolutionPrice,
		AuthorityPrice:  e.AuthorityPrice,

		Params: e.Params,

		Capacity:      e.Table.Capacity(),
		NextAccountID: e.Table.NextAccountID(),

		Stats: e.Stats(),
	}
}

func applyHeader(e *risk.Engine, hdr Header) {
	e.Vault = u128FromParts(hdr.Vault)
	e.Insurance = u128FromParts(hdr.Insurance)

	e.CTot = u128FromParts(hdr.CTot)
	e.PnLPosTot = u128FromParts(hdr.PnLPosTot)

	e.TotalOpenInterest = u128FromParts(hdr.TotalOpenInterest)

	e.NetLPPos = num.FromParts(u128FromParts(hdr.NetLPPosMag), hdr.NetLPPosNeg)
	e.LPSumAbs = u128FromParts(hdr.LPSumAbs)
	e.LPMaxAbs = u128FromParts(hdr.LPMaxAbs)

	e.FundingIndex = num.FromParts(u128FromParts(hdr.FundingIndexMag), hdr.FundingIndexNeg)
	e.LastFundingSlot = hdr.LastFundingSlot
	e.FundingRateLast = hdr.FundingRateLast

	e.CurrentSlot = hdr.CurrentSlot
	e.LastCrankSlot = hdr.LastCrankSlot
	e.SweepStartCursor = hdr.SweepStartCursor
	e.SweepLastCompletedSlot = hdr.SweepLastCompletedSlot
	e.CrankCursor = hdr.CrankCursor

	e.RiskReductionThreshold = u128FromParts(hdr.RiskReductionThreshold)
	e.RiskReductionOnly = hdr.RiskReductionOnly

	e.Resolved = hdr.Resolved
	e.ResolutionPrice = hdr.ResolutionPrice
	e.AuthorityPrice = hdr.AuthorityPrice

	e.RestoreStats(hdr.Stats)
}
