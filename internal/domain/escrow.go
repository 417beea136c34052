package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// EscrowRecord mirrors the escrow contract's deposit entry for a trade hash.
// Amount is already converted from 6-decimal fixed point to USD.
type EscrowRecord struct {
	Agent           common.Address
	Recipient       common.Address
	Amount          decimal.Decimal
	ExternalTradeID string
	Deadline        time.Time
	Released        bool
	Refunded        bool
}

// Exists reports whether the contract holds a deposit at all.
func (r EscrowRecord) Exists() bool {
	return r.Agent != (common.Address{})
}

// Active reports whether the deposit exists and is not yet terminal.
func (r EscrowRecord) Active() bool {
	return r.Exists() && !r.Released && !r.Refunded
}
