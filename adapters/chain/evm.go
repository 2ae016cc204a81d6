package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"

	"github.com/layer-3/tollgate/core"
	"github.com/layer-3/tollgate/ports"
)

var (
	// balanceOfSelector is the first four bytes of keccak256("balanceOf(address)")
	balanceOfSelector = crypto.Keccak256([]byte("balanceOf(address)"))[:4]

	transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

	deadAddress = common.HexToAddress("0x000000000000000000000000000000000000dEaD")
)

// EVM reads ERC-20 balances and burn transfers over Ethereum JSON-RPC
type EVM struct {
	client   *ethclient.Client
	token    common.Address
	decimals int32
}

var (
	_ ports.BalanceOracle = (*EVM)(nil)
	_ ports.BurnVerifier  = (*EVM)(nil)
)

// NewEVM creates an EVM ledger reader for the ERC-20 token contract
func NewEVM(client *rpc.Client, token string, decimals int32) *EVM {
	return &EVM{
		client:   ethclient.NewClient(client),
		token:    common.HexToAddress(token),
		decimals: decimals,
	}
}

// GetBalance calls balanceOf on the token contract at the latest block
func (e *EVM) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	if !common.IsHexAddress(address) {
		return decimal.Zero, core.ErrInvalidAddress
	}

	data := append(append([]byte{}, balanceOfSelector...), common.LeftPadBytes(common.HexToAddress(address).Bytes(), 32)...)

	out, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &e.token, Data: data}, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balanceOf: %w: %v", core.ErrOracleUnavailable, err)
	}

	if len(out) == 0 {
		return decimal.Zero, fmt.Errorf("balanceOf: %w: empty result", core.ErrOracleUnavailable)
	}

	return decimal.NewFromBigInt(new(big.Int).SetBytes(out), -e.decimals), nil
}

// VerifyBurn reports whether the successful transaction txRef transferred at
// least expected tokens from the wallet to the zero or dead address
func (e *EVM) VerifyBurn(ctx context.Context, txRef, address string, expected decimal.Decimal) (bool, error) {
	if !isTxHash(txRef) || !common.IsHexAddress(address) {
		return false, nil
	}

	receipt, err := e.client.TransactionReceipt(ctx, common.HexToHash(txRef))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		return false, fmt.Errorf("transaction receipt: %w: %v", core.ErrOracleUnavailable, err)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return false, nil
	}

	from := common.HexToAddress(address)
	burned := new(big.Int)
	for _, log := range receipt.Logs {
		if log.Address != e.token || len(log.Topics) != 3 || log.Topics[0] != transferTopic {
			continue
		}

		if common.BytesToAddress(log.Topics[1].Bytes()) != from {
			continue
		}

		to := common.BytesToAddress(log.Topics[2].Bytes())
		if to != (common.Address{}) && to != deadAddress {
			continue
		}

		burned.Add(burned, new(big.Int).SetBytes(log.Data))
	}

	return decimal.NewFromBigInt(burned, -e.decimals).GreaterThanOrEqual(expected), nil
}

func isTxHash(s string) bool {
	b, err := hexutil.Decode(s)
	return err == nil && len(b) == common.HashLength
}
