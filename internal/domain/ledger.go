package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerEntry is one append-only trade record.
type LedgerEntry struct {
	ID             int64
	AgentID        string
	ContractTicker string
	Quantity       int64
	Side           Side
	TradeID        string
	Price          decimal.Decimal
	TotalCost      decimal.Decimal
	PaymentProof   string // raw PAYMENT-SIGNATURE value
	EscrowReleased bool
	Refunded       bool
	CreatedAt      time.Time
}

// SettlementOutcome summarises a successfully executed trade.
type SettlementOutcome struct {
	TradeID        string
	Price          decimal.Decimal
	EscrowReleased bool
	Refunded       bool
}

// SettlementEvent is published on the signal bus when a request reaches a
// terminal state.
type SettlementEvent struct {
	State     string          `json:"state"`
	AgentID   string          `json:"agent_id"`
	Contract  string          `json:"contract"`
	Side      Side            `json:"side"`
	Quantity  int64           `json:"quantity"`
	Amount    decimal.Decimal `json:"amount"`
	ProofKind string          `json:"proof_kind,omitempty"`
	TradeID   string          `json:"trade_id,omitempty"`
	Released  bool            `json:"escrow_released"`
	Refunded  bool            `json:"refunded"`
	Reason    string          `json:"reason,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
