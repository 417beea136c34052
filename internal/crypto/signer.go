package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

// TxSigner signs transactions for one chain with one key.
type TxSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	signer  types.Signer
	chainID *big.Int
}

// NewTxSigner creates an EIP-155 signer bound to chainID.
func NewTxSigner(key *ecdsa.PrivateKey, chainID *big.Int) *TxSigner {
	return &TxSigner{
		key:     key,
		address: ethcrypto.PubkeyToAddress(key.PublicKey),
		signer:  types.NewEIP155Signer(chainID),
		chainID: new(big.Int).Set(chainID),
	}
}

// Address returns the account the key controls.
func (s *TxSigner) Address() common.Address { return s.address }

// ChainID returns the chain the signer replays on.
func (s *TxSigner) ChainID() *big.Int { return new(big.Int).Set(s.chainID) }

// SignTx returns a signed copy of tx.
func (s *TxSigner) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, s.signer, s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSigningFailed, err)
	}
	return signed, nil
}
