// Package hostshim is a thin authorization layer in front of the risk
// engine: it recovers a signer address from an EIP-712 request envelope,
// maps that address to an account index, enforces strictly monotonic
// per-owner nonces, and only then calls into pkg/engine/risk. The engine
// itself never imports this package and has no notion of signatures,
// owners-as-addresses, or nonces — those are concerns of whatever sits
// at the system boundary, which this package is one concrete instance of.
package hostshim

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperlicked/pkg/crypto"
	"github.com/uhyunpark/hyperlicked/pkg/engine/num"
	"github.com/uhyunpark/hyperlicked/pkg/engine/risk"
)

// Shim wraps a risk.Engine with signature verification and replay
// protection. It holds no lock beyond what the engine itself already
// serializes through — every exported method here runs to completion
// synchronously, same as the engine's own call convention.
type Shim struct {
	engine   *risk.Engine
	eip712   *crypto.EIP712Signer
	owners   map[uint16]common.Address // account idx -> bound owner address
	nonces   map[common.Address]uint64 // last-accepted nonce per owner
	idxByOwn map[common.Address]uint16

	// crankOperators, if non-empty, gates KeeperCrank behind an
	// aggregated BLS co-signature from this permissioned operator set.
	// The engine's own crank is permissionless; this is an example of an
	// authorization policy a host MAY layer on top, not something the
	// engine itself requires.
	crankOperators []*crypto.BLSPubKey
}

// New wraps engine with a Shim using domain for EIP-712 verification.
func New(engine *risk.Engine, domain crypto.EIP712Domain) *Shim {
	return &Shim{
		engine:   engine,
		eip712:   crypto.NewEIP712Signer(domain),
		owners:   make(map[uint16]common.Address),
		nonces:   make(map[common.Address]uint64),
		idxByOwn: make(map[common.Address]uint16),
	}
}

// ErrReplayedNonce is returned when a request's nonce does not strictly
// exceed the owner's last accepted nonce.
var ErrReplayedNonce = fmt.Errorf("hostshim: nonce is not strictly increasing")

// ErrUnknownOwner is returned when a request's recovered signer has no
// bound account.
var ErrUnknownOwner = fmt.Errorf("hostshim: no account bound to recovered signer")

// ErrSignatureInvalid wraps a failed or mismatched signature recovery.
var ErrSignatureInvalid = fmt.Errorf("hostshim: signature verification failed")

// BindAccount records that idx belongs to owner, after the host has
// created the account via whatever onboarding flow it uses (the engine's
// AddUser/AddLP only take an opaque owner hash — this is the piece that
// remembers which Ethereum address that hash corresponds to).
func (s *Shim) BindAccount(idx uint16, owner common.Address) {
	s.owners[idx] = owner
	s.idxByOwn[owner] = idx
}

// SetCrankOperators configures the permissioned crank-operator set. Once
// set, KeeperCrank requires an aggregated BLS signature covering every
// operator in pks; passing an empty slice disables the check again.
func (s *Shim) SetCrankOperators(pks []*crypto.BLSPubKey) {
	s.crankOperators = pks
}

// ErrCrankUnauthorized is returned when KeeperCrank is gated by a
// configured operator set and the supplied aggregate co-signature does
// not verify against it.
var ErrCrankUnauthorized = fmt.Errorf("hostshim: crank co-signature did not verify against the operator set")

// KeeperCrank calls Engine.Crank, optionally requiring an aggregated BLS
// co-signature over crankMsg (the host's canonical encoding of
// oraclePrice and nowSlot) from every configured crank operator.
// aggSig/crankMsg are ignored when no operator set has been configured.
func (s *Shim) KeeperCrank(oraclePrice, nowSlot uint64, crankMsg, aggSig []byte) (risk.CrankResult, error) {
	if len(s.crankOperators) > 0 {
		if !crypto.VerifyAggregateSameMsg(s.crankOperators, crankMsg, aggSig) {
			return risk.CrankResult{}, ErrCrankUnauthorized
		}
	}
	res, err := s.engine.Crank(oraclePrice, nowSlot)
	if err != nil {
		return res, fmt.Errorf("hostshim: engine crank: %w", err)
	}
	return res, nil
}

// recoverAndAuthorize runs steps 2-4 of the request pipeline: recover the
// signer, map to an account index, and check+bump the nonce. It returns
// the authorized account index.
func (s *Shim) recoverAndAuthorize(req *crypto.RiskRequestEIP712, signature []byte) (uint16, error) {
	recovered, err := s.eip712.RecoverRequestSigner(req, signature)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if recovered != req.Owner {
		return 0, ErrSignatureInvalid
	}

	idx, ok := s.idxByOwn[recovered]
	if !ok {
		return 0, ErrUnknownOwner
	}

	nonce := bigToUint64(req.Nonce)
	last, seen := s.nonces[recovered]
	if seen && nonce <= last {
		return 0, ErrReplayedNonce
	}
	s.nonces[recovered] = nonce

	return idx, nil
}

// Deposit verifies req/signature, then calls Engine.Deposit for the
// bound account.
func (s *Shim) Deposit(req *crypto.RiskRequestEIP712, signature []byte, nowSlot uint64) error {
	if req.Action != crypto.ActionDeposit {
		return fmt.Errorf("hostshim: wrong action for Deposit: %d", req.Action)
	}
	idx, err := s.recoverAndAuthorize(req, signature)
	if err != nil {
		return err
	}
	amount := bigToUint64(req.Amount)
	if err := s.engine.Deposit(idx, amount, nowSlot); err != nil {
		return fmt.Errorf("hostshim: engine deposit: %w", err)
	}
	return nil
}

// Withdraw verifies req/signature, then calls Engine.Withdraw.
func (s *Shim) Withdraw(req *crypto.RiskRequestEIP712, signature []byte, oraclePrice uint64, nowSlot uint64) error {
	if req.Action != crypto.ActionWithdraw {
		return fmt.Errorf("hostshim: wrong action for Withdraw: %d", req.Action)
	}
	idx, err := s.recoverAndAuthorize(req, signature)
	if err != nil {
		return err
	}
	amount := bigToUint64(req.Amount)
	if err := s.engine.Withdraw(idx, amount, oraclePrice, nowSlot); err != nil {
		return fmt.Errorf("hostshim: engine withdraw: %w", err)
	}
	return nil
}

// Trade verifies req/signature and calls Engine.ExecuteTrade against the
// caller-supplied lpIdx, with the signed request's oracle price and its
// exec size as the requested size. The matcher's actual fill (price and
// size) is supplied separately since it is determined at match time,
// after the user's signed intent is submitted; the signed ExecPrice is
// not passed to the engine.
func (s *Shim) Trade(req *crypto.RiskRequestEIP712, signature []byte, lpIdx uint16, fillExecPrice uint64, fillExecSize num.I128, nowSlot uint64) error {
	if req.Action != crypto.ActionTrade {
		return fmt.Errorf("hostshim: wrong action for Trade: %d", req.Action)
	}
	idx, err := s.recoverAndAuthorize(req, signature)
	if err != nil {
		return err
	}
	tradeReq := risk.TradeRequest{
		UserIdx:       idx,
		LPIdx:         lpIdx,
		OraclePrice:   bigToUint64(req.OraclePrice),
		ExecPrice:     fillExecPrice,
		ExecSize:      fillExecSize,
		RequestedSize: bigToI128(req.ExecSize),
	}
	if err := s.engine.ExecuteTrade(tradeReq, nowSlot); err != nil {
		return fmt.Errorf("hostshim: engine trade: %w", err)
	}
	return nil
}

// CloseAccount verifies req/signature, then calls Engine.CloseAccount.
func (s *Shim) CloseAccount(req *crypto.RiskRequestEIP712, signature []byte, oraclePrice uint64, nowSlot uint64) error {
	if req.Action != crypto.ActionCloseAccount {
		return fmt.Errorf("hostshim: wrong action for CloseAccount: %d", req.Action)
	}
	idx, err := s.recoverAndAuthorize(req, signature)
	if err != nil {
		return err
	}
	if err := s.engine.CloseAccount(idx, oraclePrice, nowSlot); err != nil {
		return fmt.Errorf("hostshim: engine close account: %w", err)
	}
	return nil
}

func bigToUint64(v *big.Int) uint64 {
	if v == nil {
		return 0
	}
	return v.Uint64()
}

func bigToI128(v *big.Int) num.I128 {
	if v == nil {
		return num.ZeroI128
	}
	return num.NewI128(v.Int64())
}
