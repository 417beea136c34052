// Package settlement sequences one paid trade request: quote, payment gate,
// verification, execution, escrow settlement and ledger recording.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradegate/internal/domain"
	"github.com/alanyoungcy/tradegate/internal/payment"
	"github.com/alanyoungcy/tradegate/internal/verify"
)

// EventChannel is the signal bus channel settlement events are published on.
const EventChannel = "settlement"

// State is a step of the settlement pipeline.
type State string

const (
	StateQuoting         State = "quoting"
	StateAwaitingPayment State = "awaiting_payment"
	StateVerifying       State = "verifying"
	StateExecuting       State = "executing"
	StateSettling        State = "settling"
	StateRecorded        State = "recorded"
)

// QuoteProvider prices one contract.
type QuoteProvider interface {
	GetQuotedPrice(ctx context.Context, ticker string, side domain.Side) (decimal.Decimal, error)
}

// TradeSubmitter places the trade on the exchange and returns its id.
type TradeSubmitter interface {
	SubmitTrade(ctx context.Context, ticker string, side domain.Side, quantity int64, price decimal.Decimal) (string, error)
}

// EscrowSettler reads and settles escrow deposits.
type EscrowSettler interface {
	CheckDeposit(ctx context.Context, hash domain.TradeHash, expected decimal.Decimal, recipient string) domain.VerifyResult
	ReleaseFunds(ctx context.Context, hash domain.TradeHash, externalTradeID string) (string, error)
	RefundFunds(ctx context.Context, hash domain.TradeHash) (string, error)
}

// Alerter forwards reconciliation events to operators.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Deps are the collaborators of an Orchestrator. Escrow, Claims, Bus, Audit
// and Alerts may be nil.
type Deps struct {
	Quotes   QuoteProvider
	Issuer   *payment.Issuer
	TxRef    verify.Verifier
	Escrow   EscrowSettler
	Exchange TradeSubmitter
	Ledger   domain.LedgerStore
	Claims   domain.LockManager
	Bus      domain.SignalBus
	Audit    domain.AuditStore
	Alerts   Alerter
}

// Config tunes an Orchestrator.
type Config struct {
	ClaimTTL time.Duration
}

// Request is one inbound trade. Proof is nil on the first, unpaid call.
type Request struct {
	Intent domain.TradeIntent
	Proof  *domain.PaymentProof
}

// Outcome is what the pipeline reached. It is populated as far as the
// pipeline got, including when an error is returned.
type Outcome struct {
	State        State
	Price        decimal.Decimal
	TotalCost    decimal.Decimal
	Requirement  *domain.PaymentRequirement // set in StateAwaitingPayment
	Verification domain.VerifyResult
	Settlement   domain.SettlementOutcome
	Entry        domain.LedgerEntry
}

// Orchestrator runs the settlement state machine. It is safe for concurrent
// use; concurrent requests presenting the same proof are serialised by the
// claim lock.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 30 * 24 * time.Hour
	}
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "settlement")),
	}
}

// EscrowEnabled reports whether escrow proofs are accepted.
func (o *Orchestrator) EscrowEnabled() bool {
	return o.deps.Escrow != nil && o.deps.Issuer.EscrowEnabled()
}

// Process runs req through the pipeline. A nil error with State
// StateAwaitingPayment means the caller must pay Outcome.Requirement.
func (o *Orchestrator) Process(ctx context.Context, req Request) (Outcome, error) {
	intent := req.Intent
	out := Outcome{State: StateQuoting}

	if err := intent.Validate(); err != nil {
		return out, err
	}

	price, err := o.deps.Quotes.GetQuotedPrice(ctx, intent.ContractTicker, intent.Side)
	if err != nil {
		if !errors.Is(err, domain.ErrQuoteUnavailable) {
			err = fmt.Errorf("%w: %w", domain.ErrQuoteUnavailable, err)
		}
		return out, err
	}
	out.Price = price

	requirement := o.deps.Issuer.Requirement(intent, price)
	out.TotalCost = requirement.Amount

	if req.Proof == nil {
		out.State = StateAwaitingPayment
		out.Requirement = &requirement
		o.logger.InfoContext(ctx, "payment required",
			slog.String("agent_id", intent.AgentID),
			slog.String("contract", intent.ContractTicker),
			slog.String("amount", payment.FormatAmount(requirement.Amount)),
		)
		return out, nil
	}
	proof := *req.Proof
	if proof.Kind == domain.ProofEscrow && !o.EscrowEnabled() {
		// Escrow is off, so a hash-shaped proof is a plain tx reference.
		proof = domain.PaymentProof{Kind: domain.ProofTxRef, Raw: proof.Raw, TxRef: proof.TradeHash.Hex()}
	}

	out.State = StateVerifying
	unlock, err := o.claim(ctx, proof)
	if err != nil {
		return out, err
	}

	out.Verification = o.verify(ctx, proof, requirement)
	if !out.Verification.OK() {
		unlock()
		o.logger.WarnContext(ctx, "payment verification failed",
			slog.String("agent_id", intent.AgentID),
			slog.String("proof_kind", proof.Kind.String()),
			slog.String("status", out.Verification.Status.String()),
			slog.String("reason", out.Verification.Reason),
		)
		o.publish(ctx, intent, out, proof, "verification_failed", out.Verification.Reason)
		return out, fmt.Errorf("%w: %s", domain.ErrVerificationFailed, describe(out.Verification))
	}

	// Past this point the trade is economically real; finish regardless of
	// the caller going away.
	ctx = context.WithoutCancel(ctx)

	out.State = StateExecuting
	tradeID, err := o.deps.Exchange.SubmitTrade(ctx, intent.ContractTicker, intent.Side, intent.Quantity, price)
	if err != nil {
		if proof.Kind == domain.ProofEscrow {
			out.Settlement.Refunded = true
			o.refund(ctx, intent, proof)
		} else {
			unlock()
		}
		o.logger.ErrorContext(ctx, "trade execution failed",
			slog.String("agent_id", intent.AgentID),
			slog.String("contract", intent.ContractTicker),
			slog.Bool("refunded", out.Settlement.Refunded),
			slog.String("error", err.Error()),
		)
		o.publish(ctx, intent, out, proof, "execution_failed", err.Error())
		return out, fmt.Errorf("%w: %w", domain.ErrExecutionFailed, err)
	}
	out.Settlement.TradeID = tradeID
	out.Settlement.Price = price

	out.State = StateSettling
	if proof.Kind == domain.ProofEscrow {
		out.Settlement.EscrowReleased = o.release(ctx, intent, proof, tradeID)
	}

	out.State = StateRecorded
	entry, err := o.deps.Ledger.Append(ctx, domain.LedgerEntry{
		AgentID:        intent.AgentID,
		ContractTicker: intent.ContractTicker,
		Quantity:       intent.Quantity,
		Side:           intent.Side,
		TradeID:        tradeID,
		Price:          price,
		TotalCost:      requirement.Amount,
		PaymentProof:   proof.Raw,
		EscrowReleased: out.Settlement.EscrowReleased,
		Refunded:       false,
	})
	if err != nil {
		o.logger.ErrorContext(ctx, "ledger append failed after executed trade",
			slog.String("agent_id", intent.AgentID),
			slog.String("trade_id", tradeID),
			slog.String("proof", proof.Raw),
			slog.Bool("reconcile", true),
			slog.String("error", err.Error()),
		)
		o.reconcile(ctx, "ledger_failed", "Ledger write failed",
			fmt.Sprintf("trade %s for agent %s (%s %s x%d) executed but was not recorded: %v",
				tradeID, intent.AgentID, intent.ContractTicker, intent.Side, intent.Quantity, err),
			map[string]any{
				"agent_id":   intent.AgentID,
				"trade_id":   tradeID,
				"contract":   intent.ContractTicker,
				"side":       string(intent.Side),
				"quantity":   intent.Quantity,
				"total_cost": requirement.Amount.String(),
				"proof":      proof.Raw,
				"error":      err.Error(),
			})
		o.publish(ctx, intent, out, proof, "ledger_failed", err.Error())
		return out, fmt.Errorf("%w: %w", domain.ErrLedgerFailure, err)
	}
	out.Entry = entry

	o.logger.InfoContext(ctx, "trade recorded",
		slog.String("agent_id", intent.AgentID),
		slog.String("trade_id", tradeID),
		slog.String("contract", intent.ContractTicker),
		slog.String("side", string(intent.Side)),
		slog.Int64("quantity", intent.Quantity),
		slog.String("total_cost", payment.FormatAmount(requirement.Amount)),
		slog.Bool("escrow_released", out.Settlement.EscrowReleased),
	)
	o.publish(ctx, intent, out, proof, string(StateRecorded), "")
	return out, nil
}

// claim takes the single-use claim on proof. The returned unlock gives the
// claim back; not calling it keeps the proof spent until the claim expires.
func (o *Orchestrator) claim(ctx context.Context, proof domain.PaymentProof) (func(), error) {
	if o.deps.Claims == nil {
		return func() {}, nil
	}
	unlock, err := o.deps.Claims.Acquire(ctx, "claim:proof:"+proof.ClaimKey(), o.cfg.ClaimTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("%w: %s", domain.ErrProofClaimed, proof.ClaimKey())
		}
		return nil, fmt.Errorf("settlement: claim proof: %w", err)
	}
	return unlock, nil
}

func (o *Orchestrator) verify(ctx context.Context, proof domain.PaymentProof, req domain.PaymentRequirement) domain.VerifyResult {
	switch proof.Kind {
	case domain.ProofEscrow:
		return o.deps.Escrow.CheckDeposit(ctx, proof.TradeHash, req.Amount, req.RecipientAddress)
	case domain.ProofTxRef:
		return o.deps.TxRef.Verify(ctx, verify.Request{
			Proof:     proof.TxRef,
			Amount:    req.Amount,
			Currency:  req.Currency,
			Recipient: req.RecipientAddress,
			Chain:     req.Chain,
		})
	default:
		return domain.Rejected(domain.VerifyFailed, "unrecognised proof")
	}
}

func (o *Orchestrator) refund(ctx context.Context, intent domain.TradeIntent, proof domain.PaymentProof) {
	txHash, err := o.deps.Escrow.RefundFunds(ctx, proof.TradeHash)
	if err != nil {
		o.logger.ErrorContext(ctx, "escrow refund failed, manual reconciliation required",
			slog.String("trade_hash", proof.TradeHash.Hex()),
			slog.String("agent_id", intent.AgentID),
			slog.Bool("reconcile", true),
			slog.String("error", err.Error()),
		)
		o.reconcile(ctx, "refund_failed", "Escrow refund failed",
			fmt.Sprintf("refund of %s for agent %s failed: %v", proof.TradeHash.Hex(), intent.AgentID, err),
			map[string]any{
				"agent_id":   intent.AgentID,
				"trade_hash": proof.TradeHash.Hex(),
				"error":      err.Error(),
			})
		return
	}
	o.logger.InfoContext(ctx, "escrow refunded",
		slog.String("trade_hash", proof.TradeHash.Hex()),
		slog.String("tx_hash", txHash),
	)
}

func (o *Orchestrator) release(ctx context.Context, intent domain.TradeIntent, proof domain.PaymentProof, tradeID string) bool {
	txHash, err := o.deps.Escrow.ReleaseFunds(ctx, proof.TradeHash, tradeID)
	if err != nil {
		o.logger.ErrorContext(ctx, "escrow release failed, manual reconciliation required",
			slog.String("trade_hash", proof.TradeHash.Hex()),
			slog.String("trade_id", tradeID),
			slog.Bool("reconcile", true),
			slog.String("error", err.Error()),
		)
		o.reconcile(ctx, "release_failed", "Escrow release failed",
			fmt.Sprintf("release of %s (trade %s, agent %s) failed: %v", proof.TradeHash.Hex(), tradeID, intent.AgentID, err),
			map[string]any{
				"agent_id":   intent.AgentID,
				"trade_hash": proof.TradeHash.Hex(),
				"trade_id":   tradeID,
				"error":      err.Error(),
			})
		return false
	}
	o.logger.InfoContext(ctx, "escrow released",
		slog.String("trade_hash", proof.TradeHash.Hex()),
		slog.String("trade_id", tradeID),
		slog.String("tx_hash", txHash),
	)
	return true
}

// reconcile records an event needing manual follow-up in the audit log and
// alerts operators. Neither failure changes the request outcome.
func (o *Orchestrator) reconcile(ctx context.Context, event, title, message string, detail map[string]any) {
	if o.deps.Audit != nil {
		if err := o.deps.Audit.Log(ctx, "reconcile."+event, detail); err != nil {
			o.logger.ErrorContext(ctx, "audit log write failed",
				slog.String("event", event),
				slog.Bool("reconcile", true),
				slog.String("error", err.Error()),
			)
		}
	}
	if o.deps.Alerts == nil {
		return
	}
	if err := o.deps.Alerts.Notify(ctx, event, title, message); err != nil {
		o.logger.WarnContext(ctx, "alert delivery failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) publish(ctx context.Context, intent domain.TradeIntent, out Outcome, proof domain.PaymentProof, state, reason string) {
	if o.deps.Bus == nil {
		return
	}
	evt, err := json.Marshal(domain.SettlementEvent{
		State:     state,
		AgentID:   intent.AgentID,
		Contract:  intent.ContractTicker,
		Side:      intent.Side,
		Quantity:  intent.Quantity,
		Amount:    out.TotalCost,
		ProofKind: proof.Kind.String(),
		TradeID:   out.Settlement.TradeID,
		Released:  out.Settlement.EscrowReleased,
		Refunded:  out.Settlement.Refunded,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := o.deps.Bus.Publish(ctx, EventChannel, evt); err != nil {
		o.logger.WarnContext(ctx, "publish settlement event failed",
			slog.String("state", state),
			slog.String("error", err.Error()),
		)
	}
}

func describe(r domain.VerifyResult) string {
	if r.Reason != "" {
		return r.Status.String() + ": " + r.Reason
	}
	return r.Status.String()
}
