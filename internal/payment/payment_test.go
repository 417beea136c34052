package payment

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

const recipient = "0x00000000000000000000000000000000000000B0"

func intent() domain.TradeIntent {
	return domain.TradeIntent{ContractTicker: "ABC-1", Side: domain.SideYes, Quantity: 10, AgentID: "agent-7"}
}

func TestRequirementHeader(t *testing.T) {
	iss := NewIssuer(IssuerConfig{RecipientAddress: recipient, Chain: "base"})
	req := iss.Requirement(intent(), decimal.RequireFromString("0.55"))

	assert.True(t, req.Amount.Equal(decimal.RequireFromString("5.50")))
	assert.Nil(t, req.TradeHash)
	assert.Equal(t,
		"amount=5.50;currency=USDC;address="+recipient+";chain=base;memo=Kalshi trade: ABC-1 yes x10",
		FormatHeader(req))
}

func TestRequirementAmountIsExactProduct(t *testing.T) {
	iss := NewIssuer(IssuerConfig{RecipientAddress: recipient, Chain: "ethereum"})
	for _, tc := range []struct {
		price string
		qty   int64
		want  string
	}{
		{"0.55", 10, "5.50"},
		{"0.01", 1, "0.01"},
		{"0.333", 3, "0.999"},
		{"0.07", 100000, "7000.00"},
	} {
		in := intent()
		in.Quantity = tc.qty
		req := iss.Requirement(in, decimal.RequireFromString(tc.price))
		assert.Equal(t, tc.want, FormatAmount(req.Amount), "price %s qty %d", tc.price, tc.qty)
	}
}

func TestRequirementWithEscrowCarriesTradeHash(t *testing.T) {
	iss := NewIssuer(IssuerConfig{RecipientAddress: recipient, Chain: "base", EscrowAddress: "0x00000000000000000000000000000000000000E5"})
	fixed := time.Unix(1700000000, 250_000_000)
	iss.now = func() time.Time { return fixed }

	req := iss.Requirement(intent(), decimal.RequireFromString("0.55"))
	require.NotNil(t, req.TradeHash)
	assert.Equal(t, TradeHash(intent(), fixed), *req.TradeHash)
	assert.Equal(t, "0x00000000000000000000000000000000000000E5", req.EscrowAddress)
}

func TestTradeHashSalting(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	a := TradeHash(intent(), ts)
	assert.Equal(t, a, TradeHash(intent(), ts), "deterministic for the same tuple and time")
	assert.NotEqual(t, a, TradeHash(intent(), ts.Add(time.Millisecond)))

	keyed := intent()
	keyed.IdempotencyKey = "req-1"
	assert.NotEqual(t, a, TradeHash(keyed, ts))
	assert.Len(t, strings.TrimPrefix(a.Hex(), "0x"), 64)
}

func TestParseHeaderRoundTrip(t *testing.T) {
	iss := NewIssuer(IssuerConfig{RecipientAddress: recipient, Chain: "polygon"})
	want := iss.Requirement(intent(), decimal.RequireFromString("0.42"))

	got, err := ParseHeader(FormatHeader(want))
	require.NoError(t, err)
	assert.True(t, want.Amount.Equal(got.Amount))
	assert.Equal(t, want.Memo, got.Memo)
	assert.Equal(t, "polygon", got.Chain)

	_, err = ParseHeader("amount=abc;currency=USDC;address=0x1")
	assert.Error(t, err)
}

func TestParseProofRouting(t *testing.T) {
	hash64 := strings.Repeat("ab", 32)

	tests := []struct {
		name   string
		raw    string
		escrow bool
		want   domain.ProofKind
	}{
		{"bare hash with escrow", hash64, true, domain.ProofEscrow},
		{"prefixed hash with escrow", "0x" + hash64, true, domain.ProofEscrow},
		{"hash without escrow", hash64, false, domain.ProofTxRef},
		{"63 chars", hash64[:63], true, domain.ProofTxRef},
		{"65 chars", hash64 + "a", true, domain.ProofTxRef},
		{"non hex", strings.Repeat("zz", 32), true, domain.ProofTxRef},
		{"facilitator token", "fac_tok_123", true, domain.ProofTxRef},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParseProof(tt.raw, tt.escrow)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Kind)
			assert.Equal(t, tt.raw, p.Raw)
		})
	}

	p, err := ParseProof("0x"+hash64, true)
	require.NoError(t, err)
	assert.Equal(t, "0x"+hash64, p.TradeHash.Hex())

	_, err = ParseProof("   ", true)
	assert.ErrorIs(t, err, domain.ErrVerificationFailed)
}

func TestParseProofCanonicalisesTxHash(t *testing.T) {
	hash64 := strings.Repeat("Ab", 32)
	want := "0x" + strings.ToLower(hash64)

	for _, raw := range []string{hash64, "0x" + hash64, "0X" + hash64, "  " + hash64 + " "} {
		p, err := ParseProof(raw, false)
		require.NoError(t, err)
		assert.Equal(t, domain.ProofTxRef, p.Kind)
		assert.Equal(t, want, p.TxRef, raw)
		assert.Equal(t, "tx:"+want, p.ClaimKey(), raw)
	}

	p, err := ParseProof("fac_tok_123", false)
	require.NoError(t, err)
	assert.Equal(t, "fac_tok_123", p.TxRef)
	assert.Equal(t, "fac_tok_123", p.Raw)
}
