package wallet

import (
	"crypto/ed25519"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/ethereum/go-ethereum/common"
	"github.com/layer-3/tollgate/core"
)

// Chain identifies the wallet family an address belongs to
type Chain string

const (
	// ChainSolana covers base58-encoded ed25519 public keys
	ChainSolana Chain = "solana"

	// ChainEVM covers 0x-prefixed 20-byte secp256k1 addresses
	ChainEVM Chain = "evm"
)

// DetectChain classifies an address by its encoding.
func DetectChain(address string) (Chain, error) {
	if strings.HasPrefix(address, "0x") || strings.HasPrefix(address, "0X") {
		if common.IsHexAddress(address) {
			return ChainEVM, nil
		}
		return "", fmt.Errorf("%w: malformed hex address", core.ErrInvalidAddress)
	}

	if len(base58.Decode(address)) == ed25519.PublicKeySize {
		return ChainSolana, nil
	}

	return "", fmt.Errorf("%w: %q is neither base58 nor 0x-hex", core.ErrInvalidAddress, address)
}

// CanonicalAddress returns the form an address is stored and compared in.
// EVM addresses are EIP-55 checksummed; base58 addresses are case-sensitive
// and returned as given.
func CanonicalAddress(address string) (string, error) {
	address = strings.TrimSpace(address)

	chain, err := DetectChain(address)
	if err != nil {
		return "", err
	}

	if chain == ChainEVM {
		return common.HexToAddress(address).Hex(), nil
	}

	return address, nil
}
