package payment

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

const maxProofLen = 4096

// ParseProof classifies a PAYMENT-SIGNATURE value once, at ingress. Exactly
// 64 hex characters, with or without a 0x prefix, is an escrow trade hash
// when escrow is enabled; anything else is a transaction reference handed to
// the facilitator and on-chain verifiers. A tx-ref that is a 32-byte hash is
// canonicalised to lowercase 0x form so every spelling claims the same key.
func ParseProof(raw string, escrowEnabled bool) (domain.PaymentProof, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.PaymentProof{}, fmt.Errorf("%w: empty payment proof", domain.ErrVerificationFailed)
	}
	if len(raw) > maxProofLen {
		return domain.PaymentProof{}, fmt.Errorf("%w: payment proof too long", domain.ErrVerificationFailed)
	}

	if escrowEnabled {
		if h, ok := parseTradeHash(raw); ok {
			return domain.PaymentProof{Kind: domain.ProofEscrow, Raw: raw, TradeHash: h}, nil
		}
	}
	ref := raw
	if h, ok := parseTradeHash(raw); ok {
		ref = h.Hex()
	}
	return domain.PaymentProof{Kind: domain.ProofTxRef, Raw: raw, TxRef: ref}, nil
}

func parseTradeHash(s string) (domain.TradeHash, bool) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != 64 {
		return domain.TradeHash{}, false
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return domain.TradeHash{}, false
	}
	var h domain.TradeHash
	copy(h[:], b)
	return h, true
}
