package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/alanyoungcy/tradegate/internal/domain"
	"github.com/alanyoungcy/tradegate/internal/payment"
	"github.com/alanyoungcy/tradegate/internal/settlement"
)

const (
	// HeaderAgentID identifies the calling agent.
	HeaderAgentID = "X-Agent-ID"
	// HeaderIdempotencyKey optionally salts the escrow trade hash.
	HeaderIdempotencyKey = "X-Idempotency-Key"

	defaultAgentID  = "unknown"
	maxTradeBodyLen = 64 << 10
)

// TradeProcessor runs a trade request through the settlement pipeline.
type TradeProcessor interface {
	Process(ctx context.Context, req settlement.Request) (settlement.Outcome, error)
	EscrowEnabled() bool
}

// TradeHandler serves the payment-gated trade endpoint.
type TradeHandler struct {
	trades TradeProcessor
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(trades TradeProcessor, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{trades: trades, logger: logHandler(logger, "trade")}
}

// tradeRequest is the POST /trade body. Quantity is kept raw so that
// fractional or quoted values are rejected with a clear message.
type tradeRequest struct {
	Contract string          `json:"contract"`
	Quantity json.RawMessage `json:"quantity"`
	Side     string          `json:"side"`
}

type challengeResponse struct {
	Error         string      `json:"error"`
	Amount        json.Number `json:"amount"`
	Currency      string      `json:"currency"`
	Recipient     string      `json:"recipient"`
	Chain         string      `json:"chain"`
	Memo          string      `json:"memo"`
	EscrowAddress string      `json:"escrow_address,omitempty"`
	TradeHash     string      `json:"trade_hash,omitempty"`
}

type verificationFailedResponse struct {
	Error          string      `json:"error"`
	RequiredAmount json.Number `json:"required_amount"`
}

type executionFailedResponse struct {
	Error    string `json:"error"`
	Refunded bool   `json:"refunded"`
}

type ledgerFailedResponse struct {
	Error   string `json:"error"`
	TradeID string `json:"trade_id"`
}

type tradeResponse struct {
	Status         string      `json:"status"`
	TradeID        string      `json:"trade_id"`
	Price          json.Number `json:"price"`
	Quantity       int64       `json:"quantity"`
	Contract       string      `json:"contract"`
	Side           domain.Side `json:"side"`
	TotalCost      json.Number `json:"total_cost"`
	AgentID        string      `json:"agent_id"`
	EscrowReleased bool        `json:"escrow_released"`
}

// PlaceTrade quotes the trade and answers 402 until a valid payment proof is
// presented in PAYMENT-SIGNATURE, then executes and records it.
// POST /trade
func (h *TradeHandler) PlaceTrade(w http.ResponseWriter, r *http.Request) {
	intent, err := parseIntent(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req := settlement.Request{Intent: intent}
	if raw := r.Header.Get(payment.HeaderSignature); strings.TrimSpace(raw) != "" {
		proof, err := payment.ParseProof(raw, h.trades.EscrowEnabled())
		if err != nil {
			h.rejectProof(w, r, intent, err)
			return
		}
		req.Proof = &proof
	}

	out, err := h.trades.Process(r.Context(), req)
	if err != nil {
		h.writeFailure(w, r, intent, out, err)
		return
	}

	if out.State == settlement.StateAwaitingPayment && out.Requirement != nil {
		writeChallenge(w, *out.Requirement)
		return
	}

	writeJSON(w, http.StatusOK, tradeResponse{
		Status:         "success",
		TradeID:        out.Settlement.TradeID,
		Price:          json.Number(out.Price.String()),
		Quantity:       intent.Quantity,
		Contract:       intent.ContractTicker,
		Side:           intent.Side,
		TotalCost:      json.Number(payment.FormatAmount(out.TotalCost)),
		AgentID:        intent.AgentID,
		EscrowReleased: out.Settlement.EscrowReleased,
	})
}

// rejectProof answers a proof that could not even be parsed. The trade is
// still quoted so the caller learns what it owes.
func (h *TradeHandler) rejectProof(w http.ResponseWriter, r *http.Request, intent domain.TradeIntent, proofErr error) {
	out, err := h.trades.Process(r.Context(), settlement.Request{Intent: intent})
	if err != nil {
		h.writeFailure(w, r, intent, out, err)
		return
	}
	h.logger.WarnContext(r.Context(), "handler: malformed payment proof",
		slog.String("agent_id", intent.AgentID),
		slog.String("error", proofErr.Error()),
	)
	writeJSON(w, http.StatusPaymentRequired, verificationFailedResponse{
		Error:          proofErr.Error(),
		RequiredAmount: json.Number(payment.FormatAmount(out.TotalCost)),
	})
}

func (h *TradeHandler) writeFailure(w http.ResponseWriter, r *http.Request, intent domain.TradeIntent, out settlement.Outcome, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrQuoteUnavailable):
		h.logger.ErrorContext(r.Context(), "handler: quote unavailable",
			slog.String("contract", intent.ContractTicker),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "could not fetch price for "+intent.ContractTicker)
	case errors.Is(err, domain.ErrProofClaimed):
		writeError(w, http.StatusConflict, "payment proof already used")
	case errors.Is(err, domain.ErrVerificationFailed):
		writeJSON(w, http.StatusPaymentRequired, verificationFailedResponse{
			Error:          err.Error(),
			RequiredAmount: json.Number(payment.FormatAmount(out.TotalCost)),
		})
	case errors.Is(err, domain.ErrExecutionFailed):
		writeJSON(w, http.StatusInternalServerError, executionFailedResponse{
			Error:    err.Error(),
			Refunded: out.Settlement.Refunded,
		})
	case errors.Is(err, domain.ErrLedgerFailure):
		writeJSON(w, http.StatusInternalServerError, ledgerFailedResponse{
			Error:   "trade executed but could not be recorded",
			TradeID: out.Settlement.TradeID,
		})
	default:
		h.logger.ErrorContext(r.Context(), "handler: trade failed",
			slog.String("agent_id", intent.AgentID),
			slog.String("state", string(out.State)),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeChallenge(w http.ResponseWriter, req domain.PaymentRequirement) {
	w.Header().Set(payment.HeaderRequired, payment.FormatHeader(req))
	body := challengeResponse{
		Error:     "payment required",
		Amount:    json.Number(payment.FormatAmount(req.Amount)),
		Currency:  req.Currency,
		Recipient: req.RecipientAddress,
		Chain:     req.Chain,
		Memo:      req.Memo,
	}
	if req.TradeHash != nil {
		body.EscrowAddress = req.EscrowAddress
		body.TradeHash = req.TradeHash.Hex()
	}
	writeJSON(w, http.StatusPaymentRequired, body)
}

func parseIntent(w http.ResponseWriter, r *http.Request) (domain.TradeIntent, error) {
	var body tradeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTradeBodyLen))
	if err := dec.Decode(&body); err != nil {
		return domain.TradeIntent{}, fmt.Errorf("%w: invalid request body", domain.ErrInvalidInput)
	}

	intent := domain.TradeIntent{
		ContractTicker: strings.TrimSpace(body.Contract),
		AgentID:        strings.TrimSpace(r.Header.Get(HeaderAgentID)),
		IdempotencyKey: strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey)),
	}
	if intent.AgentID == "" {
		intent.AgentID = defaultAgentID
	}
	if intent.ContractTicker == "" {
		return domain.TradeIntent{}, fmt.Errorf("%w: missing contract", domain.ErrInvalidInput)
	}

	qty, err := parseQuantity(body.Quantity)
	if err != nil {
		return domain.TradeIntent{}, err
	}
	intent.Quantity = qty

	if body.Side == "" {
		return domain.TradeIntent{}, fmt.Errorf("%w: missing side", domain.ErrInvalidInput)
	}
	if intent.Side, err = domain.ParseSide(body.Side); err != nil {
		return domain.TradeIntent{}, err
	}
	return intent, intent.Validate()
}

func parseQuantity(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, fmt.Errorf("%w: missing quantity", domain.ErrInvalidInput)
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: quantity must be a positive integer", domain.ErrInvalidInput)
	}
	return n, nil
}
