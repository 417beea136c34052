package verify

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradegate/internal/chain"
	"github.com/alanyoungcy/tradegate/internal/domain"
)

// OnChain verifies a stablecoin transfer by reading the transaction and its
// receipt from the chain. Every ambiguous outcome fails closed.
type OnChain struct {
	pool          *chain.Pool
	fallbackChain string
	timeout       time.Duration
	logger        *slog.Logger
}

// NewOnChain creates an OnChain verifier. fallbackChain is used when
// auto-detection finds the transaction nowhere.
func NewOnChain(pool *chain.Pool, fallbackChain string, timeout time.Duration, logger *slog.Logger) *OnChain {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &OnChain{
		pool:          pool,
		fallbackChain: fallbackChain,
		timeout:       timeout,
		logger:        logger.With(slog.String("component", "onchain_verifier")),
	}
}

// Verify implements Verifier.
func (v *OnChain) Verify(ctx context.Context, req Request) domain.VerifyResult {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	hash, ok := normalizeTxHash(req.Proof)
	if !ok {
		return domain.Rejected(domain.VerifyNotFound, "malformed transaction hash")
	}
	if !common.IsHexAddress(req.Recipient) {
		return domain.Rejected(domain.VerifyFailed, "invalid recipient address")
	}
	recipient := common.HexToAddress(req.Recipient)

	chainName := req.Chain
	if chainName == "" {
		chainName = v.detectChain(ctx, hash)
	}

	client, cfg, err := v.pool.Client(ctx, chainName)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownChain) {
			return domain.Rejected(domain.VerifyFailed, err.Error())
		}
		return domain.Rejected(domain.VerifyTransportError, err.Error())
	}

	tx, pending, err := client.TransactionByHash(ctx, hash)
	switch {
	case errors.Is(err, ethereum.NotFound):
		return domain.Rejected(domain.VerifyNotFound, "transaction not found on "+cfg.Name)
	case err != nil:
		return domain.Rejected(domain.VerifyTransportError, fmt.Sprintf("fetch transaction: %v", err))
	case pending:
		return domain.Rejected(domain.VerifyPending, "transaction is pending")
	}

	receipt, err := client.TransactionReceipt(ctx, hash)
	switch {
	case errors.Is(err, ethereum.NotFound) || (err == nil && receipt == nil):
		return domain.Rejected(domain.VerifyPending, "receipt not yet available")
	case err != nil:
		return domain.Rejected(domain.VerifyTransportError, fmt.Sprintf("fetch receipt: %v", err))
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return domain.Rejected(domain.VerifyFailed, "transaction reverted")
	}

	if tx.To() == nil || *tx.To() != cfg.Stablecoin {
		return domain.Rejected(domain.VerifyFailed, "transaction is not a stablecoin transfer")
	}

	res := matchTransfer(receipt.Logs, cfg.Stablecoin, recipient, req.Amount)
	if res.OK() {
		res.Chain = cfg.Name
		v.logger.InfoContext(ctx, "payment verified on-chain",
			slog.String("chain", cfg.Name),
			slog.String("tx", hash.Hex()),
			slog.String("amount", res.Amount.String()),
		)
	}
	return res
}

// detectChain probes each registered chain in order for hash.
func (v *OnChain) detectChain(ctx context.Context, hash common.Hash) string {
	for _, cfg := range v.pool.Registry().Chains() {
		client, _, err := v.pool.Client(ctx, cfg.Name)
		if err != nil {
			continue
		}
		if tx, _, err := client.TransactionByHash(ctx, hash); err == nil && tx != nil {
			v.logger.DebugContext(ctx, "detected chain", slog.String("chain", cfg.Name))
			return cfg.Name
		}
	}
	return v.fallbackChain
}

// matchTransfer scans stablecoin Transfer logs for one paying recipient the
// expected amount. Logs that fail to decode are skipped.
func matchTransfer(logs []*types.Log, token, recipient common.Address, expected decimal.Decimal) domain.VerifyResult {
	var sawRecipient bool
	var last decimal.Decimal

	for _, lg := range logs {
		if lg == nil || lg.Address != token {
			continue
		}
		to, value, err := decodeTransfer(lg)
		if err != nil {
			continue
		}
		if to != recipient {
			continue
		}
		sawRecipient = true
		amount := decimal.NewFromBigInt(value, -6)
		if amount.Sub(expected).Abs().LessThan(tolerance) {
			return domain.Verified("", amount)
		}
		last = amount
	}

	if sawRecipient {
		r := domain.Rejected(domain.VerifyAmountMismatch,
			fmt.Sprintf("transfer amount %s does not match expected %s", last.String(), expected.String()))
		r.Amount = last
		return r
	}
	return domain.Rejected(domain.VerifyRecipientMismatch, "no transfer to recipient found")
}

func decodeTransfer(lg *types.Log) (common.Address, *big.Int, error) {
	if len(lg.Topics) != 3 || lg.Topics[0] != transferEvent.ID {
		return common.Address{}, nil, errors.New("not a transfer event")
	}
	fields := make(map[string]any, 3)
	if err := erc20ABI.UnpackIntoMap(fields, "Transfer", lg.Data); err != nil {
		return common.Address{}, nil, err
	}
	var indexed abi.Arguments
	for _, arg := range transferEvent.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, lg.Topics[1:]); err != nil {
		return common.Address{}, nil, err
	}
	to, ok := fields["to"].(common.Address)
	if !ok {
		return common.Address{}, nil, errors.New("transfer: bad to field")
	}
	value, ok := fields["value"].(*big.Int)
	if !ok {
		return common.Address{}, nil, errors.New("transfer: bad value field")
	}
	return to, value, nil
}

// normalizeTxHash adds the 0x prefix and checks for a 32-byte hex hash.
func normalizeTxHash(s string) (common.Hash, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	raw := s[2:]
	if len(raw) != 64 {
		return common.Hash{}, false
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return common.Hash{}, false
	}
	return common.HexToHash(s), true
}
