package web3

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// NormalizeWallet validates a hex address and returns its EIP-55 checksum form.
func NormalizeWallet(raw string) (string, error) {
	addr := strings.TrimSpace(raw)
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("invalid wallet address %q", raw)
	}
	parsed := common.HexToAddress(addr)
	if parsed == (common.Address{}) {
		return "", fmt.Errorf("wallet address %q is the zero address", raw)
	}
	return parsed.Hex(), nil
}
