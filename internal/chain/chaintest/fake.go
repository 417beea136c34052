// Package chaintest provides an in-memory chain.Client for tests.
package chaintest

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Client is a scriptable chain.Client. Unset hooks fall back to the maps.
type Client struct {
	mu sync.Mutex

	Txs      map[common.Hash]*types.Transaction
	Pending  map[common.Hash]bool
	Receipts map[common.Hash]*types.Receipt

	// CallFn answers eth_call. A nil CallFn returns an error.
	CallFn func(msg ethereum.CallMsg) ([]byte, error)

	Nonce     uint64
	NonceErr  error
	GasPrice  *big.Int
	SendErr   error
	Sent      []*types.Transaction
	TxLookups int
}

// NewClient returns an empty Client.
func NewClient() *Client {
	return &Client{
		Txs:      make(map[common.Hash]*types.Transaction),
		Pending:  make(map[common.Hash]bool),
		Receipts: make(map[common.Hash]*types.Receipt),
		GasPrice: big.NewInt(1_000_000_000),
	}
}

// AddTx registers tx under hash with an optional receipt.
func (c *Client) AddTx(hash common.Hash, tx *types.Transaction, receipt *types.Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Txs[hash] = tx
	if receipt != nil {
		c.Receipts[hash] = receipt
	}
}

func (c *Client) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.TxLookups++
	tx, ok := c.Txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, c.Pending[hash], nil
}

func (c *Client) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.Receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (c *Client) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if c.CallFn == nil {
		return nil, errors.New("chaintest: no CallFn")
	}
	return c.CallFn(msg)
}

func (c *Client) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.GasPrice), nil
}

func (c *Client) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Nonce, c.NonceErr
}

func (c *Client) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}
	c.Sent = append(c.Sent, tx)
	c.Nonce++
	return nil
}
