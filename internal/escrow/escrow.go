// Package escrow reads and settles deposits held by the trade escrow
// contract.
package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradegate/internal/chain"
	"github.com/alanyoungcy/tradegate/internal/crypto"
	"github.com/alanyoungcy/tradegate/internal/domain"
)

var tolerance = decimal.New(1, -2)

// Config holds the static escrow parameters.
type Config struct {
	Contract common.Address
	Chain    string
	GasLimit uint64
	Timeout  time.Duration
}

// Verifier reads deposit records and submits release/refund transactions.
// Terminal-state enforcement is left to the contract.
type Verifier struct {
	cfg    Config
	client chain.Client
	signer *crypto.TxSigner
	logger *slog.Logger

	// nonceMu serialises nonce acquisition through broadcast for the one
	// signing key this Verifier owns.
	nonceMu sync.Mutex
}

// New creates a Verifier. signer may be nil for a read-only verifier.
func New(client chain.Client, signer *crypto.TxSigner, cfg Config, logger *slog.Logger) *Verifier {
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 200_000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Verifier{
		cfg:    cfg,
		client: client,
		signer: signer,
		logger: logger.With(slog.String("component", "escrow"), slog.String("contract", cfg.Contract.Hex())),
	}
}

// VerifyDeposit reads the record for hash. Any transport or decoding failure
// is reported as (false, empty record).
func (v *Verifier) VerifyDeposit(ctx context.Context, hash domain.TradeHash) (bool, domain.EscrowRecord) {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	data, err := escrowABI.Pack("getTrade", [32]byte(hash))
	if err != nil {
		v.logger.ErrorContext(ctx, "pack getTrade", slog.String("error", err.Error()))
		return false, domain.EscrowRecord{}
	}
	contract := v.cfg.Contract
	out, err := v.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		v.logger.WarnContext(ctx, "getTrade call failed",
			slog.String("trade_hash", hash.Hex()),
			slog.String("error", err.Error()),
		)
		return false, domain.EscrowRecord{}
	}
	t, err := unpackTrade(out)
	if err != nil {
		v.logger.WarnContext(ctx, "getTrade decode failed",
			slog.String("trade_hash", hash.Hex()),
			slog.String("error", err.Error()),
		)
		return false, domain.EscrowRecord{}
	}

	rec := recordFromTuple(t)
	return rec.Active(), rec
}

// CheckDeposit verifies that hash holds an active deposit of expected USD,
// within one cent, payable to recipient.
func (v *Verifier) CheckDeposit(ctx context.Context, hash domain.TradeHash, expected decimal.Decimal, recipient string) domain.VerifyResult {
	active, rec := v.VerifyDeposit(ctx, hash)
	return matchDeposit(active, rec, expected, recipient, v.cfg.Chain)
}

func matchDeposit(active bool, rec domain.EscrowRecord, expected decimal.Decimal, recipient, chainName string) domain.VerifyResult {
	switch {
	case !rec.Exists():
		return domain.Rejected(domain.VerifyNotFound, "escrow deposit not found")
	case !active:
		return domain.Rejected(domain.VerifyInactive, "escrow deposit already released or refunded")
	case !sameAddress(rec.Recipient, recipient):
		return domain.Rejected(domain.VerifyRecipientMismatch, "escrow recipient does not match")
	case rec.Amount.Sub(expected).Abs().GreaterThan(tolerance):
		r := domain.Rejected(domain.VerifyAmountMismatch,
			fmt.Sprintf("escrow amount %s does not match expected %s", rec.Amount.String(), expected.String()))
		r.Amount = rec.Amount
		return r
	}
	return domain.Verified(chainName, rec.Amount)
}

// sameAddress compares case-insensitively, so checksummed and lowercase
// forms match.
func sameAddress(a common.Address, b string) bool {
	b = strings.TrimSpace(b)
	return common.IsHexAddress(b) && a == common.HexToAddress(b)
}

func recordFromTuple(t tradeTuple) domain.EscrowRecord {
	rec := domain.EscrowRecord{
		Agent:           t.Agent,
		Recipient:       t.Recipient,
		Amount:          decimal.Zero,
		ExternalTradeID: t.ExternalTradeId,
		Released:        t.Released,
		Refunded:        t.Refunded,
	}
	if t.Amount != nil {
		rec.Amount = decimal.NewFromBigInt(t.Amount, -6)
	}
	if t.Deadline != nil && t.Deadline.IsInt64() {
		rec.Deadline = time.Unix(t.Deadline.Int64(), 0).UTC()
	}
	return rec
}

// ReleaseFunds pays the deposit for hash out to the recipient, tagging it with
// the exchange's trade id. It returns the submitted transaction hash.
func (v *Verifier) ReleaseFunds(ctx context.Context, hash domain.TradeHash, externalTradeID string) (string, error) {
	data, err := escrowABI.Pack("release", [32]byte(hash), externalTradeID)
	if err != nil {
		return "", &domain.SettlementError{Op: "release", TradeHash: hash, Err: err}
	}
	return v.submit(ctx, "release", hash, data)
}

// RefundFunds returns the deposit for hash to the agent.
func (v *Verifier) RefundFunds(ctx context.Context, hash domain.TradeHash) (string, error) {
	data, err := escrowABI.Pack("refund", [32]byte(hash))
	if err != nil {
		return "", &domain.SettlementError{Op: "refund", TradeHash: hash, Err: err}
	}
	return v.submit(ctx, "refund", hash, data)
}

func (v *Verifier) submit(ctx context.Context, op string, hash domain.TradeHash, data []byte) (string, error) {
	if v.signer == nil {
		return "", &domain.SettlementError{Op: op, TradeHash: hash, Err: fmt.Errorf("no signing key configured")}
	}
	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	v.nonceMu.Lock()
	defer v.nonceMu.Unlock()

	fail := func(stage string, err error) (string, error) {
		return "", &domain.SettlementError{Op: op, TradeHash: hash, Err: fmt.Errorf("%s: %w", stage, err)}
	}

	nonce, err := v.client.PendingNonceAt(ctx, v.signer.Address())
	if err != nil {
		return fail("nonce", err)
	}
	gasPrice, err := v.client.SuggestGasPrice(ctx)
	if err != nil {
		return fail("gas price", err)
	}

	contract := v.cfg.Contract
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &contract,
		Value:    big.NewInt(0),
		Gas:      v.cfg.GasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := v.signer.SignTx(tx)
	if err != nil {
		return fail("sign", err)
	}
	if err := v.client.SendTransaction(ctx, signed); err != nil {
		return fail("send", err)
	}

	txHash := signed.Hash().Hex()
	v.logger.InfoContext(ctx, "escrow transaction submitted",
		slog.String("op", op),
		slog.String("trade_hash", hash.Hex()),
		slog.String("tx", txHash),
		slog.Uint64("nonce", nonce),
	)
	return txHash, nil
}
