// Package verify checks transaction-reference payment proofs, first through
// a remote facilitator and then directly against the chain.
package verify

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

// tolerance absorbs 6-decimal fixed-point rounding.
var tolerance = decimal.New(1, -2)

// Request describes the payment a proof must demonstrate.
type Request struct {
	Proof     string
	Amount    decimal.Decimal
	Currency  string
	Recipient string
	Chain     string // empty asks the on-chain verifier to auto-detect
}

// Verifier checks one proof.
type Verifier interface {
	Verify(ctx context.Context, req Request) domain.VerifyResult
}

// TxRefVerifier prefers the facilitator's attested answer and falls back to
// on-chain inspection when the facilitator is unreachable or inconclusive.
type TxRefVerifier struct {
	facilitator Verifier
	onchain     Verifier
	logger      *slog.Logger
}

// NewTxRefVerifier composes the two tiers. facilitator may be nil.
func NewTxRefVerifier(facilitator, onchain Verifier, logger *slog.Logger) *TxRefVerifier {
	return &TxRefVerifier{
		facilitator: facilitator,
		onchain:     onchain,
		logger:      logger.With(slog.String("component", "txref_verifier")),
	}
}

// Verify implements Verifier.
func (v *TxRefVerifier) Verify(ctx context.Context, req Request) domain.VerifyResult {
	if v.facilitator != nil {
		res := v.facilitator.Verify(ctx, req)
		if res.Status != domain.VerifyTransportError {
			return res
		}
		v.logger.WarnContext(ctx, "facilitator inconclusive, verifying on-chain",
			slog.String("reason", res.Reason),
		)
	}
	return v.onchain.Verify(ctx, req)
}
