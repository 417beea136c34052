package verify

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const erc20TransferABI = `[{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}]`

var (
	erc20ABI      = mustParseABI(erc20TransferABI)
	transferEvent = erc20ABI.Events["Transfer"]
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("verify: invalid ABI: " + err.Error())
	}
	return parsed
}
