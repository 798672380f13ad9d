// Command sign-order is a small client-side utility demonstrating how a
// risk-engine request is signed: generate a keypair, build a
// RiskRequestEIP712, sign it, and verify the recovered address matches
// before printing the signed payload a host can submit through
// pkg/hostshim.
package main

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/uhyunpark/hyperlicked/pkg/crypto"
)

type signedRequest struct {
	Action      crypto.RequestAction `json:"action"`
	AccountIdx  uint32               `json:"accountIdx"`
	Amount      string               `json:"amount"`
	OraclePrice string               `json:"oraclePrice"`
	ExecPrice   string               `json:"execPrice"`
	ExecSize    string               `json:"execSize"`
	Nonce       string               `json:"nonce"`
	Deadline    string               `json:"deadline"`
	Owner       string               `json:"owner"`
	Signature   string               `json:"signature"`
}

func main() {
	fmt.Println("Generating new keypair...")
	signer, err := crypto.GenerateKey()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Address: %s\n", signer.Address().Hex())
	fmt.Printf("Private Key: %s (KEEP SECRET!)\n\n", signer.PrivateKeyHex())

	req := &crypto.RiskRequestEIP712{
		Action:      crypto.ActionTrade,
		AccountIdx:  7,
		OraclePrice: big.NewInt(50_000_000_000), // 1e6-scaled
		ExecPrice:   big.NewInt(50_010_000_000),
		ExecSize:    big.NewInt(100),
		Amount:      big.NewInt(0),
		Nonce:       big.NewInt(1),
		Deadline:    big.NewInt(0), // no expiry
		Owner:       signer.Address(),
	}

	fmt.Println("Request Details:")
	fmt.Printf("  Action: %d\n", req.Action)
	fmt.Printf("  AccountIdx: %d\n", req.AccountIdx)
	fmt.Printf("  OraclePrice: %s\n", req.OraclePrice.String())
	fmt.Printf("  ExecPrice: %s\n", req.ExecPrice.String())
	fmt.Printf("  ExecSize: %s\n", req.ExecSize.String())
	fmt.Printf("  Owner: %s\n\n", req.Owner.Hex())

	eip712Signer := crypto.NewEIP712Signer(crypto.DefaultDomain())
	signature, err := eip712Signer.SignRequest(signer, req)
	if err != nil {
		fmt.Printf("Error signing: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Signature: 0x%x\n\n", signature)

	fmt.Println("Verifying signature...")
	recovered, err := eip712Signer.RecoverRequestSigner(req, signature)
	if err != nil {
		fmt.Printf("Error verifying: %v\n", err)
		os.Exit(1)
	}
	if recovered != req.Owner {
		fmt.Println("signature INVALID: recovered address does not match owner")
		os.Exit(1)
	}
	fmt.Println("signature valid")
	fmt.Printf("  Signer: %s\n\n", recovered.Hex())

	payload := signedRequest{
		Action:      req.Action,
		AccountIdx:  req.AccountIdx,
		Amount:      req.Amount.String(),
		OraclePrice: req.OraclePrice.String(),
		ExecPrice:   req.ExecPrice.String(),
		ExecSize:    req.ExecSize.String(),
		Nonce:       req.Nonce.String(),
		Deadline:    req.Deadline.String(),
		Owner:       req.Owner.Hex(),
		Signature:   fmt.Sprintf("0x%x", signature),
	}
	out, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		fmt.Printf("Error marshaling JSON: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Signed request (submit via pkg/hostshim):")
	fmt.Println(string(out))
}
