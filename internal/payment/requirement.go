// Package payment builds x402 payment challenges and parses the proofs agents
// send back.
package payment

import (
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

// HeaderRequired carries the challenge on a 402 response.
const HeaderRequired = "PAYMENT-REQUIRED"

// HeaderSignature carries the proof on the retried request.
const HeaderSignature = "PAYMENT-SIGNATURE"

// IssuerConfig is the static part of every challenge.
type IssuerConfig struct {
	RecipientAddress string
	Chain            string
	Currency         string
	EscrowAddress    string // empty disables trade-hash issuance
}

// Issuer builds PaymentRequirements. It performs no I/O.
type Issuer struct {
	cfg IssuerConfig
	now func() time.Time
}

// NewIssuer creates an Issuer.
func NewIssuer(cfg IssuerConfig) *Issuer {
	if cfg.Currency == "" {
		cfg.Currency = "USDC"
	}
	return &Issuer{cfg: cfg, now: time.Now}
}

// EscrowEnabled reports whether challenges carry a trade hash.
func (i *Issuer) EscrowEnabled() bool { return i.cfg.EscrowAddress != "" }

// Requirement prices intent at unitPrice per contract.
func (i *Issuer) Requirement(intent domain.TradeIntent, unitPrice decimal.Decimal) domain.PaymentRequirement {
	req := domain.PaymentRequirement{
		Amount:           unitPrice.Mul(decimal.NewFromInt(intent.Quantity)),
		Currency:         i.cfg.Currency,
		RecipientAddress: i.cfg.RecipientAddress,
		Chain:            i.cfg.Chain,
		Memo:             intent.Memo(),
	}
	if i.EscrowEnabled() {
		h := TradeHash(intent, i.now())
		req.EscrowAddress = i.cfg.EscrowAddress
		req.TradeHash = &h
	}
	return req
}

// TradeHash derives the escrow key for intent at time ts. The idempotency key,
// when present, widens the salt so rapid duplicates stay distinct.
func TradeHash(intent domain.TradeIntent, ts time.Time) domain.TradeHash {
	secs := strconv.FormatFloat(float64(ts.UnixNano())/1e9, 'f', -1, 64)
	data := fmt.Sprintf("%s:%s:%d:%s:%s", intent.AgentID, intent.ContractTicker, intent.Quantity, intent.Side, secs)
	if intent.IdempotencyKey != "" {
		data += ":" + intent.IdempotencyKey
	}
	return domain.TradeHash(sha256.Sum256([]byte(data)))
}

// FormatAmount renders a USD amount with at least two decimals, e.g. "5.50".
func FormatAmount(d decimal.Decimal) string {
	places := int32(2)
	if exp := -d.Exponent(); exp > places {
		places = exp
	}
	return d.StringFixed(places)
}

// FormatHeader encodes req as the PAYMENT-REQUIRED header value.
func FormatHeader(req domain.PaymentRequirement) string {
	return fmt.Sprintf("amount=%s;currency=%s;address=%s;chain=%s;memo=%s",
		FormatAmount(req.Amount), req.Currency, req.RecipientAddress, req.Chain, req.Memo)
}

// ParseHeader decodes a PAYMENT-REQUIRED header value. The memo is the last
// field and may itself contain separators.
func ParseHeader(v string) (domain.PaymentRequirement, error) {
	var req domain.PaymentRequirement
	rest := v
	for rest != "" {
		var part string
		if strings.HasPrefix(rest, "memo=") {
			part, rest = rest, ""
		} else if i := strings.IndexByte(rest, ';'); i >= 0 {
			part, rest = rest[:i], rest[i+1:]
		} else {
			part, rest = rest, ""
		}
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			return domain.PaymentRequirement{}, fmt.Errorf("payment: malformed header field %q", part)
		}
		switch key {
		case "amount":
			amt, err := decimal.NewFromString(val)
			if err != nil {
				return domain.PaymentRequirement{}, fmt.Errorf("payment: amount %q: %w", val, err)
			}
			req.Amount = amt
		case "currency":
			req.Currency = val
		case "address":
			req.RecipientAddress = val
		case "chain":
			req.Chain = val
		case "memo":
			req.Memo = val
		}
	}
	if req.RecipientAddress == "" || req.Currency == "" {
		return domain.PaymentRequirement{}, fmt.Errorf("payment: header missing address or currency")
	}
	return req, nil
}
