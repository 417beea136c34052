package domain

import (
	"fmt"
	"strings"
)

// Side is the contract outcome being bought.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// ParseSide accepts "yes" or "no" in any case.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case SideYes:
		return SideYes, nil
	case SideNo:
		return SideNo, nil
	}
	return "", fmt.Errorf("%w: side must be 'yes' or 'no'", ErrInvalidInput)
}

// TradeIntent is one inbound request to buy contracts. It is never persisted
// directly; a LedgerEntry is written once the trade executes.
type TradeIntent struct {
	ContractTicker string
	Side           Side
	Quantity       int64
	AgentID        string
	IdempotencyKey string // optional, folded into the trade hash
}

// Validate reports the first malformed field.
func (t TradeIntent) Validate() error {
	if strings.TrimSpace(t.ContractTicker) == "" {
		return fmt.Errorf("%w: missing contract", ErrInvalidInput)
	}
	if t.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be a positive integer", ErrInvalidInput)
	}
	if t.Side != SideYes && t.Side != SideNo {
		return fmt.Errorf("%w: side must be 'yes' or 'no'", ErrInvalidInput)
	}
	return nil
}

// Memo is the human-readable description carried in the payment challenge.
func (t TradeIntent) Memo() string {
	return fmt.Sprintf("Kalshi trade: %s %s x%d", t.ContractTicker, t.Side, t.Quantity)
}
