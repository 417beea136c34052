package escrow

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const contractABI = `[
  {"type":"function","name":"getTrade","stateMutability":"view",
   "inputs":[{"name":"tradeHash","type":"bytes32"}],
   "outputs":[{"name":"","type":"tuple","components":[
     {"name":"agent","type":"address"},
     {"name":"recipient","type":"address"},
     {"name":"amount","type":"uint256"},
     {"name":"externalTradeId","type":"string"},
     {"name":"deadline","type":"uint256"},
     {"name":"released","type":"bool"},
     {"name":"refunded","type":"bool"}]}]},
  {"type":"function","name":"release","stateMutability":"nonpayable",
   "inputs":[{"name":"tradeHash","type":"bytes32"},{"name":"externalTradeId","type":"string"}],
   "outputs":[]},
  {"type":"function","name":"refund","stateMutability":"nonpayable",
   "inputs":[{"name":"tradeHash","type":"bytes32"}],
   "outputs":[]}
]`

var escrowABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		panic("escrow: invalid ABI: " + err.Error())
	}
	return parsed
}()

// tradeTuple is the Go shape of getTrade's return value.
type tradeTuple struct {
	Agent           common.Address
	Recipient       common.Address
	Amount          *big.Int
	ExternalTradeId string
	Deadline        *big.Int
	Released        bool
	Refunded        bool
}

func unpackTrade(data []byte) (tradeTuple, error) {
	out, err := escrowABI.Unpack("getTrade", data)
	if err != nil {
		return tradeTuple{}, err
	}
	t := *abi.ConvertType(out[0], new(tradeTuple)).(*tradeTuple)
	return t, nil
}
