package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/tradegate/internal/domain"
	"github.com/alanyoungcy/tradegate/internal/payment"
)

// LedgerService defines the ledger reads the handler requires.
type LedgerService interface {
	Positions(ctx context.Context, agentID string, opts domain.ListOpts) ([]domain.LedgerEntry, error)
	Trades(ctx context.Context, agentID string, opts domain.ListOpts) ([]domain.LedgerEntry, error)
	Trade(ctx context.Context, tradeID string) (domain.LedgerEntry, error)
}

// LedgerHandler serves position and trade history endpoints.
type LedgerHandler struct {
	ledger LedgerService
	logger *slog.Logger
}

// NewLedgerHandler creates a LedgerHandler.
func NewLedgerHandler(ledger LedgerService, logger *slog.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: ledger, logger: logHandler(logger, "ledger")}
}

// ledgerEntryView is the wire form of a ledger row.
type ledgerEntryView struct {
	ID             int64       `json:"id"`
	AgentID        string      `json:"agent_id"`
	ContractTicker string      `json:"contract_ticker"`
	Quantity       int64       `json:"quantity"`
	Side           domain.Side `json:"side"`
	TradeID        string      `json:"trade_id"`
	Price          json.Number `json:"price"`
	TotalCost      json.Number `json:"total_cost"`
	PaymentTxHash  string      `json:"payment_tx_hash"`
	EscrowReleased bool        `json:"escrow_released"`
	Refunded       bool        `json:"refunded"`
	CreatedAt      time.Time   `json:"created_at"`
}

func toView(e domain.LedgerEntry) ledgerEntryView {
	return ledgerEntryView{
		ID:             e.ID,
		AgentID:        e.AgentID,
		ContractTicker: e.ContractTicker,
		Quantity:       e.Quantity,
		Side:           e.Side,
		TradeID:        e.TradeID,
		Price:          json.Number(e.Price.String()),
		TotalCost:      json.Number(payment.FormatAmount(e.TotalCost)),
		PaymentTxHash:  e.PaymentProof,
		EscrowReleased: e.EscrowReleased,
		Refunded:       e.Refunded,
		CreatedAt:      e.CreatedAt.UTC(),
	}
}

func toViews(entries []domain.LedgerEntry) []ledgerEntryView {
	views := make([]ledgerEntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, toView(e))
	}
	return views
}

type positionsResponse struct {
	AgentID   string            `json:"agent_id"`
	Positions []ledgerEntryView `json:"positions"`
}

// ListPositions returns every recorded trade of one agent.
// GET /positions/{agent_id}
func (h *LedgerHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "missing agent id")
		return
	}

	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.ledger.Positions(r.Context(), agentID, opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed",
			slog.String("agent_id", agentID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	writeJSON(w, http.StatusOK, positionsResponse{AgentID: agentID, Positions: toViews(entries)})
}

type tradesResponse struct {
	Trades []ledgerEntryView `json:"trades"`
}

// ListTrades returns ledger entries, optionally for a single agent.
// GET /trades?agent_id=...&limit=50&offset=0&since=...&until=...
func (h *LedgerHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.ledger.Trades(r.Context(), agentID, opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list trades failed",
			slog.String("agent_id", agentID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}

	writeJSON(w, http.StatusOK, tradesResponse{Trades: toViews(entries)})
}

// GetTrade returns one ledger entry by exchange trade id.
// GET /trades/{trade_id}
func (h *LedgerHandler) GetTrade(w http.ResponseWriter, r *http.Request) {
	tradeID := r.PathValue("trade_id")

	entry, err := h.ledger.Trade(r.Context(), tradeID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "trade not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get trade failed",
			slog.String("trade_id", tradeID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get trade")
		return
	}

	writeJSON(w, http.StatusOK, toView(entry))
}
