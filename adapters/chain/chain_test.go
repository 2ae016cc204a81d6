package chain_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/tollgate/adapters/chain"
	"github.com/layer-3/tollgate/adapters/wallet"
	"github.com/layer-3/tollgate/core"
)

const testMint = "TokenMint1111111111111111111111111111111111"

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcHandler func(params json.RawMessage) (any, *rpcError)

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// newRPCServer serves JSON-RPC methods from handlers
func newRPCServer(t *testing.T, handlers map[string]rpcHandler) string {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		h, ok := handlers[req.Method]
		if !ok {
			resp["error"] = rpcError{Code: -32601, Message: "method not found"}
		} else if result, rpcErr := h(req.Params); rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	return srv.URL
}

func solanaAddress(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return base58.Encode(pub)
}

func solanaTxRef() string {
	sig := make([]byte, 64)
	_, _ = rand.Read(sig)
	return base58.Encode(sig)
}

func TestSolana_GetBalance(t *testing.T) {
	owner := solanaAddress(t)

	url := newRPCServer(t, map[string]rpcHandler{
		"getTokenAccountsByOwner": func(params json.RawMessage) (any, *rpcError) {
			return map[string]any{
				"context": map[string]any{"slot": 1},
				"value": []any{
					tokenAccount(owner, "1000.5"),
					tokenAccount(owner, "250"),
				},
			}, nil
		},
	})

	client, err := chain.Dial(context.Background(), url)
	require.NoError(t, err)
	defer client.Close()

	balance, err := chain.NewSolana(client, testMint, 6).GetBalance(context.Background(), owner)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("1250.5")), balance.String())
}

func TestSolana_GetBalanceUnavailable(t *testing.T) {
	url := newRPCServer(t, map[string]rpcHandler{
		"getTokenAccountsByOwner": func(json.RawMessage) (any, *rpcError) {
			return nil, &rpcError{Code: -32005, Message: "node is behind"}
		},
	})

	client, err := chain.Dial(context.Background(), url)
	require.NoError(t, err)
	defer client.Close()

	_, err = chain.NewSolana(client, testMint, 6).GetBalance(context.Background(), solanaAddress(t))
	assert.ErrorIs(t, err, core.ErrOracleUnavailable)
}

func TestSolana_VerifyBurn(t *testing.T) {
	owner := solanaAddress(t)
	burnTx := solanaTxRef()
	failedTx := solanaTxRef()

	url := newRPCServer(t, map[string]rpcHandler{
		"getTransaction": func(params json.RawMessage) (any, *rpcError) {
			var args []json.RawMessage
			_ = json.Unmarshal(params, &args)
			var ref string
			_ = json.Unmarshal(args[0], &ref)

			switch ref {
			case burnTx:
				return solanaTx(nil,
					burnIx("burnChecked", owner, testMint, "600"),
					burnIx("burn", owner, testMint, "400000000"),
					burnIx("burnChecked", owner, "OtherMint", "5000"),
				), nil
			case failedTx:
				return solanaTx(map[string]any{"InstructionError": []any{0, "Custom"}},
					burnIx("burnChecked", owner, testMint, "5000"),
				), nil
			}
			return nil, nil
		},
	})

	client, err := chain.Dial(context.Background(), url)
	require.NoError(t, err)
	defer client.Close()

	s := chain.NewSolana(client, testMint, 6)
	ctx := context.Background()

	ok, err := s.VerifyBurn(ctx, burnTx, owner, decimal.NewFromInt(1000))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.VerifyBurn(ctx, burnTx, owner, decimal.NewFromInt(1001))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.VerifyBurn(ctx, burnTx, solanaAddress(t), decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.False(t, ok, "burn by another authority")

	ok, err = s.VerifyBurn(ctx, failedTx, owner, decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.False(t, ok, "failed transaction")

	ok, err = s.VerifyBurn(ctx, solanaTxRef(), owner, decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.False(t, ok, "unknown transaction")

	ok, err = s.VerifyBurn(ctx, "not-a-signature", owner, decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.False(t, ok)
}

func tokenAccount(owner, uiAmount string) map[string]any {
	return map[string]any{
		"pubkey": "acct",
		"account": map[string]any{
			"data": map[string]any{
				"program": "spl-token",
				"parsed": map[string]any{
					"type": "account",
					"info": map[string]any{
						"mint":  testMint,
						"owner": owner,
						"tokenAmount": map[string]any{
							"uiAmountString": uiAmount,
							"decimals":       6,
						},
					},
				},
			},
		},
	}
}

func burnIx(kind, authority, mint, amount string) map[string]any {
	info := map[string]any{"mint": mint, "authority": authority, "account": "acct"}
	if kind == "burnChecked" {
		info["tokenAmount"] = map[string]any{"uiAmountString": amount, "decimals": 6}
	} else {
		info["amount"] = amount
	}
	return map[string]any{
		"program":   "spl-token",
		"programId": "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA",
		"parsed":    map[string]any{"type": kind, "info": info},
	}
}

func solanaTx(txErr any, instructions ...map[string]any) map[string]any {
	return map[string]any{
		"slot": 10,
		"meta": map[string]any{
			"err": txErr,
			"innerInstructions": []any{
				map[string]any{"index": 0, "instructions": []any{
					map[string]any{"program": "system", "parsed": "unparsed-data"},
				}},
			},
		},
		"transaction": map[string]any{
			"message": map[string]any{"instructions": instructions},
		},
	}
}

func TestEVM_GetBalance(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	owner := crypto.PubkeyToAddress(key.PublicKey).Hex()

	raw := new(big.Int).Mul(big.NewInt(1500), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	url := newRPCServer(t, map[string]rpcHandler{
		"eth_call": func(json.RawMessage) (any, *rpcError) {
			return hexutil.Encode(common.LeftPadBytes(raw.Bytes(), 32)), nil
		},
	})

	client, err := chain.Dial(context.Background(), url)
	require.NoError(t, err)
	defer client.Close()

	token := "0x00000000000000000000000000000000000000aa"
	balance, err := chain.NewEVM(client, token, 18).GetBalance(context.Background(), owner)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(1500)), balance.String())
}

func TestEVM_VerifyBurn(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	owner := crypto.PubkeyToAddress(key.PublicKey)
	token := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	transfer := crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	burnHash := common.HexToHash("0x01")
	revertedHash := common.HexToHash("0x02")

	amount := func(n int64) []byte {
		return common.LeftPadBytes(big.NewInt(n).Bytes(), 32)
	}
	transferLog := func(from, to common.Address, n int64) *types.Log {
		return &types.Log{
			Address: token,
			Topics:  []common.Hash{transfer, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
			Data:    amount(n),
			TxHash:  burnHash,
		}
	}

	receipts := map[common.Hash]*types.Receipt{
		burnHash: {
			Status: types.ReceiptStatusSuccessful,
			TxHash: burnHash,
			Logs: []*types.Log{
				transferLog(owner, common.Address{}, 700),
				transferLog(owner, common.HexToAddress("0x000000000000000000000000000000000000dEaD"), 300),
				transferLog(owner, common.HexToAddress("0x1234"), 9000),
			},
		},
		revertedHash: {
			Status: types.ReceiptStatusFailed,
			TxHash: revertedHash,
			Logs:   []*types.Log{},
		},
	}

	url := newRPCServer(t, map[string]rpcHandler{
		"eth_getTransactionReceipt": func(params json.RawMessage) (any, *rpcError) {
			var args []common.Hash
			_ = json.Unmarshal(params, &args)
			if r, ok := receipts[args[0]]; ok {
				return r, nil
			}
			return nil, nil
		},
	})

	client, err := chain.Dial(context.Background(), url)
	require.NoError(t, err)
	defer client.Close()

	e := chain.NewEVM(client, token.Hex(), 0)
	ctx := context.Background()

	ok, err := e.VerifyBurn(ctx, burnHash.Hex(), owner.Hex(), decimal.NewFromInt(1000))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.VerifyBurn(ctx, burnHash.Hex(), owner.Hex(), decimal.NewFromInt(1001))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = e.VerifyBurn(ctx, revertedHash.Hex(), owner.Hex(), decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.False(t, ok, "reverted transaction")

	ok, err = e.VerifyBurn(ctx, common.HexToHash("0x03").Hex(), owner.Hex(), decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.False(t, ok, "unknown transaction")

	ok, err = e.VerifyBurn(ctx, "0xnothex", owner.Hex(), decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.False(t, ok)
}

type staticLedger struct {
	balance decimal.Decimal
}

func (l staticLedger) GetBalance(context.Context, string) (decimal.Decimal, error) {
	return l.balance, nil
}

func (l staticLedger) VerifyBurn(context.Context, string, string, decimal.Decimal) (bool, error) {
	return true, nil
}

func TestDispatcher(t *testing.T) {
	d := chain.NewDispatcher().Register(wallet.ChainSolana, staticLedger{balance: decimal.NewFromInt(42)})
	ctx := context.Background()

	balance, err := d.GetBalance(ctx, solanaAddress(t))
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(42)))

	_, err = d.GetBalance(ctx, "0x00000000000000000000000000000000000000aa")
	assert.ErrorIs(t, err, core.ErrUnsupportedChain)

	_, err = d.VerifyBurn(ctx, "tx", "garbage", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, core.ErrInvalidAddress)

	assert.Equal(t, []wallet.Chain{wallet.ChainSolana}, d.Chains())
}
