package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradegate/internal/domain"
	"github.com/alanyoungcy/tradegate/internal/payment"
	"github.com/alanyoungcy/tradegate/internal/verify"
)

const (
	recipient  = "0x00000000000000000000000000000000000000bb"
	escrowAddr = "0x00000000000000000000000000000000000000ee"
)

type fakeQuotes struct {
	price decimal.Decimal
	err   error
}

func (f *fakeQuotes) GetQuotedPrice(context.Context, string, domain.Side) (decimal.Decimal, error) {
	return f.price, f.err
}

type fakeExchange struct {
	calls atomic.Int32
	err   error
	delay time.Duration
}

func (f *fakeExchange) SubmitTrade(context.Context, string, domain.Side, int64, decimal.Decimal) (string, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return "", f.err
	}
	return "ord-1", nil
}

type fakeTxRef struct {
	result domain.VerifyResult
	calls  int
	last   verify.Request
}

func (f *fakeTxRef) Verify(_ context.Context, req verify.Request) domain.VerifyResult {
	f.calls++
	f.last = req
	return f.result
}

type fakeEscrow struct {
	mu         sync.Mutex
	result     domain.VerifyResult
	releaseErr error
	refundErr  error
	released   []string
	refunded   int
}

func (f *fakeEscrow) CheckDeposit(context.Context, domain.TradeHash, decimal.Decimal, string) domain.VerifyResult {
	return f.result
}

func (f *fakeEscrow) ReleaseFunds(_ context.Context, _ domain.TradeHash, tradeID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, tradeID)
	return "0xrelease", f.releaseErr
}

func (f *fakeEscrow) RefundFunds(context.Context, domain.TradeHash) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunded++
	return "0xrefund", f.refundErr
}

type fakeLedger struct {
	mu      sync.Mutex
	entries []domain.LedgerEntry
	err     error
}

func (f *fakeLedger) Append(_ context.Context, e domain.LedgerEntry) (domain.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.LedgerEntry{}, f.err
	}
	e.ID = int64(len(f.entries) + 1)
	e.CreatedAt = time.Now()
	f.entries = append(f.entries, e)
	return e, nil
}

func (f *fakeLedger) GetByTradeID(context.Context, string) (domain.LedgerEntry, error) {
	return domain.LedgerEntry{}, domain.ErrNotFound
}

func (f *fakeLedger) ListByAgent(context.Context, string, domain.ListOpts) ([]domain.LedgerEntry, error) {
	return nil, nil
}

func (f *fakeLedger) List(context.Context, domain.ListOpts) ([]domain.LedgerEntry, error) {
	return nil, nil
}

func (f *fakeLedger) ListBefore(context.Context, time.Time) ([]domain.LedgerEntry, error) {
	return nil, nil
}

type fakeBus struct {
	mu     sync.Mutex
	events []domain.SettlementEvent
}

func (f *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	if channel != EventChannel {
		return errors.New("unexpected channel")
	}
	var evt domain.SettlementEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return err
	}
	f.mu.Lock()
	f.events = append(f.events, evt)
	f.mu.Unlock()
	return nil
}

func (f *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

func (f *fakeBus) states() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.State)
	}
	return out
}

type fakeAlerts struct {
	events []string
}

func (f *fakeAlerts) Notify(_ context.Context, event, _, _ string) error {
	f.events = append(f.events, event)
	return nil
}

type fakeAudit struct {
	events  []string
	details []map[string]any
}

func (f *fakeAudit) Log(_ context.Context, event string, detail map[string]any) error {
	f.events = append(f.events, event)
	f.details = append(f.details, detail)
	return nil
}

func (f *fakeAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type harness struct {
	quotes   *fakeQuotes
	exchange *fakeExchange
	txref    *fakeTxRef
	escrow   *fakeEscrow
	ledger   *fakeLedger
	bus      *fakeBus
	alerts   *fakeAlerts
	audit    *fakeAudit
	orch     *Orchestrator
}

func newHarness(t *testing.T, escrowOn bool) *harness {
	t.Helper()
	h := &harness{
		quotes:   &fakeQuotes{price: decimal.RequireFromString("0.55")},
		exchange: &fakeExchange{},
		txref:    &fakeTxRef{result: domain.Verified("base", decimal.RequireFromString("5.50"))},
		escrow:   &fakeEscrow{result: domain.Verified("base", decimal.RequireFromString("5.50"))},
		ledger:   &fakeLedger{},
		bus:      &fakeBus{},
		alerts:   &fakeAlerts{},
		audit:    &fakeAudit{},
	}
	issuerCfg := payment.IssuerConfig{RecipientAddress: recipient, Chain: "base", Currency: "USDC"}
	deps := Deps{
		Quotes:   h.quotes,
		TxRef:    h.txref,
		Exchange: h.exchange,
		Ledger:   h.ledger,
		Claims:   NewMemoryClaims(),
		Bus:      h.bus,
		Alerts:   h.alerts,
		Audit:    h.audit,
	}
	if escrowOn {
		issuerCfg.EscrowAddress = escrowAddr
		deps.Escrow = h.escrow
	}
	deps.Issuer = payment.NewIssuer(issuerCfg)
	h.orch = New(deps, Config{ClaimTTL: time.Hour}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return h
}

func intent() domain.TradeIntent {
	return domain.TradeIntent{ContractTicker: "ABC-1", Side: domain.SideYes, Quantity: 10, AgentID: "agent-1"}
}

func txProof(ref string) *domain.PaymentProof {
	return &domain.PaymentProof{Kind: domain.ProofTxRef, Raw: ref, TxRef: ref}
}

func escrowProof(b byte) *domain.PaymentProof {
	var h domain.TradeHash
	h[0] = b
	return &domain.PaymentProof{Kind: domain.ProofEscrow, Raw: h.Hex(), TradeHash: h}
}

func TestProcessWithoutProofReturnsRequirement(t *testing.T) {
	h := newHarness(t, false)

	out, err := h.orch.Process(context.Background(), Request{Intent: intent()})
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingPayment, out.State)
	require.NotNil(t, out.Requirement)
	assert.Equal(t, "5.50", payment.FormatAmount(out.Requirement.Amount))
	assert.Equal(t, "amount=5.50;currency=USDC;address="+recipient+";chain=base;memo=Kalshi trade: ABC-1 yes x10",
		payment.FormatHeader(*out.Requirement))
	assert.Nil(t, out.Requirement.TradeHash)
	assert.Zero(t, h.exchange.calls.Load())
}

func TestProcessWithoutProofEscrowIssuesTradeHash(t *testing.T) {
	h := newHarness(t, true)

	out, err := h.orch.Process(context.Background(), Request{Intent: intent()})
	require.NoError(t, err)
	require.NotNil(t, out.Requirement)
	require.NotNil(t, out.Requirement.TradeHash)
	assert.False(t, out.Requirement.TradeHash.IsZero())
	assert.Equal(t, escrowAddr, out.Requirement.EscrowAddress)
}

func TestProcessRejectsBadInputAndMissingQuote(t *testing.T) {
	h := newHarness(t, false)

	bad := intent()
	bad.Quantity = 0
	_, err := h.orch.Process(context.Background(), Request{Intent: bad, Proof: txProof("0xabc")})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	h.quotes.err = errors.New("exchange down")
	_, err = h.orch.Process(context.Background(), Request{Intent: intent(), Proof: txProof("0xabc")})
	assert.ErrorIs(t, err, domain.ErrQuoteUnavailable)
	assert.Zero(t, h.txref.calls)
	assert.Zero(t, h.exchange.calls.Load())
}

func TestProcessTxRefSuccess(t *testing.T) {
	h := newHarness(t, false)

	out, err := h.orch.Process(context.Background(), Request{Intent: intent(), Proof: txProof("0xabc")})
	require.NoError(t, err)
	assert.Equal(t, StateRecorded, out.State)
	assert.Equal(t, "ord-1", out.Settlement.TradeID)
	assert.False(t, out.Settlement.EscrowReleased)

	assert.Equal(t, "0xabc", h.txref.last.Proof)
	assert.Equal(t, recipient, h.txref.last.Recipient)
	assert.True(t, h.txref.last.Amount.Equal(decimal.RequireFromString("5.5")))

	require.Len(t, h.ledger.entries, 1)
	e := h.ledger.entries[0]
	assert.Equal(t, "agent-1", e.AgentID)
	assert.Equal(t, "ord-1", e.TradeID)
	assert.Equal(t, "0xabc", e.PaymentProof)
	assert.Equal(t, "5.50", payment.FormatAmount(e.TotalCost))
	assert.Equal(t, []string{"recorded"}, h.bus.states())
}

func TestProcessVerificationFailureHasNoSideEffects(t *testing.T) {
	h := newHarness(t, false)
	h.txref.result = domain.Rejected(domain.VerifyPending, "receipt not yet available")

	out, err := h.orch.Process(context.Background(), Request{Intent: intent(), Proof: txProof("0xabc")})
	assert.ErrorIs(t, err, domain.ErrVerificationFailed)
	assert.Equal(t, StateVerifying, out.State)
	assert.Equal(t, "5.50", payment.FormatAmount(out.TotalCost))
	assert.Zero(t, h.exchange.calls.Load())
	assert.Empty(t, h.ledger.entries)

	// The claim was given back, so the same proof can be retried.
	h.txref.result = domain.Verified("base", decimal.RequireFromString("5.50"))
	_, err = h.orch.Process(context.Background(), Request{Intent: intent(), Proof: txProof("0xabc")})
	require.NoError(t, err)
}

func TestProcessReplayedProofIsClaimed(t *testing.T) {
	h := newHarness(t, false)

	_, err := h.orch.Process(context.Background(), Request{Intent: intent(), Proof: txProof("0xABC")})
	require.NoError(t, err)

	_, err = h.orch.Process(context.Background(), Request{Intent: intent(), Proof: txProof("0xabc")})
	assert.ErrorIs(t, err, domain.ErrProofClaimed)
	assert.Equal(t, int32(1), h.exchange.calls.Load())
}

func TestProcessTxHashSpellingsShareOneClaim(t *testing.T) {
	h := newHarness(t, false)
	const hash = "5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060"

	first, err := payment.ParseProof("0x"+hash, false)
	require.NoError(t, err)
	_, err = h.orch.Process(context.Background(), Request{Intent: intent(), Proof: &first})
	require.NoError(t, err)

	for _, raw := range []string{hash, "0X" + hash, "0x5C504ED432CB51138BCF09AA5E8A410DD4A1E204EF84BFED1BE16DFBA1B22060"} {
		again, err := payment.ParseProof(raw, false)
		require.NoError(t, err)
		_, err = h.orch.Process(context.Background(), Request{Intent: intent(), Proof: &again})
		assert.ErrorIs(t, err, domain.ErrProofClaimed, raw)
	}
	assert.Equal(t, int32(1), h.exchange.calls.Load())
	require.Len(t, h.ledger.entries, 1)
	assert.Equal(t, "0x"+hash, h.ledger.entries[0].PaymentProof)
}

func TestProcessTxRefExecutionFailureReleasesClaim(t *testing.T) {
	h := newHarness(t, false)
	h.exchange.err = errors.New("insufficient liquidity")

	out, err := h.orch.Process(context.Background(), Request{Intent: intent(), Proof: txProof("0xabc")})
	assert.ErrorIs(t, err, domain.ErrExecutionFailed)
	assert.False(t, out.Settlement.Refunded)

	h.exchange.err = nil
	_, err = h.orch.Process(context.Background(), Request{Intent: intent(), Proof: txProof("0xabc")})
	require.NoError(t, err)
}

func TestProcessEscrowSuccessReleases(t *testing.T) {
	h := newHarness(t, true)

	out, err := h.orch.Process(context.Background(), Request{Intent: intent(), Proof: escrowProof(1)})
	require.NoError(t, err)
	assert.True(t, out.Settlement.EscrowReleased)
	assert.Equal(t, []string{"ord-1"}, h.escrow.released)
	require.Len(t, h.ledger.entries, 1)
	assert.True(t, h.ledger.entries[0].EscrowReleased)
	assert.Zero(t, h.txref.calls)
}

func TestProcessEscrowExecutionFailureRefunds(t *testing.T) {
	h := newHarness(t, true)
	h.exchange.err = errors.New("market closed")
	h.escrow.refundErr = errors.New("nonce too low")

	out, err := h.orch.Process(context.Background(), Request{Intent: intent(), Proof: escrowProof(2)})
	assert.ErrorIs(t, err, domain.ErrExecutionFailed)
	assert.True(t, out.Settlement.Refunded, "refunded reflects the attempt, not its confirmation")
	assert.Equal(t, 1, h.escrow.refunded)
	assert.Empty(t, h.escrow.released)
	assert.Empty(t, h.ledger.entries)
	assert.Equal(t, []string{"refund_failed"}, h.alerts.events)
	assert.Equal(t, []string{"reconcile.refund_failed"}, h.audit.events)
	assert.Equal(t, []string{"execution_failed"}, h.bus.states())

	// The refunded deposit stays claimed.
	h.exchange.err = nil
	_, err = h.orch.Process(context.Background(), Request{Intent: intent(), Proof: escrowProof(2)})
	assert.ErrorIs(t, err, domain.ErrProofClaimed)
}

func TestProcessEscrowReleaseFailureStillSucceeds(t *testing.T) {
	h := newHarness(t, true)
	h.escrow.releaseErr = &domain.SettlementError{Op: "release", Err: errors.New("reverted")}

	out, err := h.orch.Process(context.Background(), Request{Intent: intent(), Proof: escrowProof(3)})
	require.NoError(t, err)
	assert.Equal(t, StateRecorded, out.State)
	assert.False(t, out.Settlement.EscrowReleased)
	require.Len(t, h.ledger.entries, 1)
	assert.False(t, h.ledger.entries[0].EscrowReleased)
	assert.Equal(t, []string{"release_failed"}, h.alerts.events)
	require.Equal(t, []string{"reconcile.release_failed"}, h.audit.events)
	assert.Equal(t, "ord-1", h.audit.details[0]["trade_id"])
}

func TestProcessEscrowInactiveDeposit(t *testing.T) {
	h := newHarness(t, true)
	h.escrow.result = domain.Rejected(domain.VerifyInactive, "deposit already released")

	_, err := h.orch.Process(context.Background(), Request{Intent: intent(), Proof: escrowProof(4)})
	assert.ErrorIs(t, err, domain.ErrVerificationFailed)
	assert.ErrorContains(t, err, "inactive")
	assert.Zero(t, h.exchange.calls.Load())
	assert.Zero(t, h.escrow.refunded)
}

func TestProcessLedgerFailureSurfacesTradeID(t *testing.T) {
	h := newHarness(t, false)
	h.ledger.err = errors.New("connection reset")

	out, err := h.orch.Process(context.Background(), Request{Intent: intent(), Proof: txProof("0xabc")})
	assert.ErrorIs(t, err, domain.ErrLedgerFailure)
	assert.Equal(t, "ord-1", out.Settlement.TradeID)
	assert.Equal(t, []string{"ledger_failed"}, h.alerts.events)
	require.Equal(t, []string{"reconcile.ledger_failed"}, h.audit.events)
	assert.Equal(t, "ord-1", h.audit.details[0]["trade_id"])
	assert.Equal(t, "0xabc", h.audit.details[0]["proof"])
}

func TestProcessEscrowProofWithEscrowDisabledUsesTxRef(t *testing.T) {
	h := newHarness(t, false)

	_, err := h.orch.Process(context.Background(), Request{Intent: intent(), Proof: escrowProof(5)})
	require.NoError(t, err)
	assert.Equal(t, 1, h.txref.calls)
}

func TestProcessConcurrentSameDepositExecutesOnce(t *testing.T) {
	h := newHarness(t, true)
	h.exchange.delay = 20 * time.Millisecond

	const n = 8
	var wg sync.WaitGroup
	var ok, claimed atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.Process(context.Background(), Request{Intent: intent(), Proof: escrowProof(6)})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, domain.ErrProofClaimed):
				claimed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(n-1), claimed.Load())
	assert.Equal(t, int32(1), h.exchange.calls.Load())
}

func TestMemoryClaims(t *testing.T) {
	c := NewMemoryClaims()
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	unlock, err := c.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	_, err = c.Acquire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock2, err := c.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	// A stale unlock must not drop the new owner's claim.
	unlock()
	_, err = c.Acquire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)
	unlock2()

	_, err = c.Acquire(ctx, "x", time.Minute)
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	_, err = c.Acquire(ctx, "x", time.Minute)
	assert.NoError(t, err, "expired claims can be retaken")

	now = now.Add(2 * time.Minute)
	c.Cleanup()
	assert.Empty(t, c.held)
}
