package domain

import (
	"encoding/hex"
	"strings"

	"github.com/shopspring/decimal"
)

// TradeHash is the 32-byte key under which an escrow deposit is recorded.
type TradeHash [32]byte

// Hex returns the 0x-prefixed lowercase hex form.
func (h TradeHash) Hex() string {
	return "0x" + hex.EncodeToString(h[:])
}

func (h TradeHash) String() string { return h.Hex() }

// IsZero reports whether h is the all-zero hash.
func (h TradeHash) IsZero() bool {
	return h == TradeHash{}
}

// PaymentRequirement is the x402 challenge returned with HTTP 402.
type PaymentRequirement struct {
	Amount           decimal.Decimal
	Currency         string
	RecipientAddress string
	Chain            string
	Memo             string
	EscrowAddress    string     // empty when escrow is disabled
	TradeHash        *TradeHash // nil when escrow is disabled
}

// ProofKind discriminates PaymentProof.
type ProofKind int

const (
	ProofTxRef ProofKind = iota + 1
	ProofEscrow
)

func (k ProofKind) String() string {
	switch k {
	case ProofTxRef:
		return "tx_ref"
	case ProofEscrow:
		return "escrow"
	default:
		return "unknown"
	}
}

// PaymentProof is the parsed PAYMENT-SIGNATURE header. Exactly one of TxRef
// or TradeHash is meaningful, selected by Kind.
type PaymentProof struct {
	Kind      ProofKind
	Raw       string
	TxRef     string
	TradeHash TradeHash
}

// ClaimKey identifies the proof for single-use claiming.
func (p PaymentProof) ClaimKey() string {
	if p.Kind == ProofEscrow {
		return "escrow:" + p.TradeHash.Hex()
	}
	return "tx:" + canonicalTxRef(p.TxRef)
}

// canonicalTxRef lowercases ref and, for 32-byte hex hashes, adds the 0x
// prefix the verifiers assume.
func canonicalTxRef(ref string) string {
	ref = strings.ToLower(strings.TrimSpace(ref))
	bare := strings.TrimPrefix(ref, "0x")
	if len(bare) != 64 {
		return ref
	}
	if _, err := hex.DecodeString(bare); err != nil {
		return ref
	}
	return "0x" + bare
}
