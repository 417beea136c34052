package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

// FacilitatorRequest is the body of POST {url}/verify.
type FacilitatorRequest struct {
	TxHash         string      `json:"tx_hash"`
	ExpectedAmount json.Number `json:"expected_amount"`
	Currency       string      `json:"currency"`
	Recipient      string      `json:"recipient"`
	Chain          string      `json:"chain,omitempty"`
}

// FacilitatorResponse is the facilitator's verdict.
type FacilitatorResponse struct {
	Verified bool `json:"verified"`
}

// Facilitator delegates verification to a remote attestation service. Only an
// HTTP 200 carries a verdict; anything else is reported as a transport error
// so the caller can fall back.
type Facilitator struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewFacilitator creates a Facilitator with the given per-call timeout.
func NewFacilitator(baseURL string, timeout time.Duration, logger *slog.Logger) *Facilitator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Facilitator{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With(slog.String("component", "facilitator")),
	}
}

// Verify implements Verifier.
func (f *Facilitator) Verify(ctx context.Context, req Request) domain.VerifyResult {
	resp, err := f.call(ctx, FacilitatorRequest{
		TxHash:         req.Proof,
		ExpectedAmount: json.Number(req.Amount.String()),
		Currency:       req.Currency,
		Recipient:      req.Recipient,
		Chain:          req.Chain,
	})
	if err != nil {
		return domain.Rejected(domain.VerifyTransportError, err.Error())
	}
	if !resp.Verified {
		f.logger.InfoContext(ctx, "facilitator rejected payment", slog.String("proof", req.Proof))
		return domain.Rejected(domain.VerifyFailed, "facilitator did not verify payment")
	}
	return domain.Verified(req.Chain, req.Amount)
}

func (f *Facilitator) call(ctx context.Context, body FacilitatorRequest) (*FacilitatorResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal verify request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/verify", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create verify request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call facilitator verify endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("facilitator verify returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var out FacilitatorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode verify response: %w", err)
	}
	return &out, nil
}
