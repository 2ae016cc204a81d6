package chain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"

	"github.com/layer-3/tollgate/core"
	"github.com/layer-3/tollgate/ports"
)

const (
	solanaSignatureSize = 64
	splTokenProgram     = "spl-token"
)

// Solana reads SPL token balances and burn instructions over Solana JSON-RPC
type Solana struct {
	client   *rpc.Client
	mint     string
	decimals int32
}

var (
	_ ports.BalanceOracle = (*Solana)(nil)
	_ ports.BurnVerifier  = (*Solana)(nil)
)

// NewSolana creates a Solana ledger reader for the token mint with the given decimals
func NewSolana(client *rpc.Client, mint string, decimals int32) *Solana {
	return &Solana{client: client, mint: mint, decimals: decimals}
}

type tokenAmount struct {
	Amount         string `json:"amount"`
	Decimals       int32  `json:"decimals"`
	UIAmountString string `json:"uiAmountString"`
}

func (a tokenAmount) value(fallbackDecimals int32) (decimal.Decimal, error) {
	if a.UIAmountString != "" {
		return decimal.NewFromString(a.UIAmountString)
	}

	raw, err := decimal.NewFromString(a.Amount)
	if err != nil {
		return decimal.Zero, err
	}

	decimals := a.Decimals
	if decimals == 0 {
		decimals = fallbackDecimals
	}
	return raw.Shift(-decimals), nil
}

type tokenAccountsResult struct {
	Value []struct {
		Account struct {
			Data struct {
				Parsed struct {
					Info struct {
						Mint        string      `json:"mint"`
						Owner       string      `json:"owner"`
						TokenAmount tokenAmount `json:"tokenAmount"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"account"`
	} `json:"value"`
}

// GetBalance sums the wallet's token accounts for the configured mint
func (s *Solana) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	var result tokenAccountsResult
	err := s.client.CallContext(ctx, &result, "getTokenAccountsByOwner",
		address,
		map[string]string{"mint": s.mint},
		map[string]string{"encoding": "jsonParsed", "commitment": "confirmed"},
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("getTokenAccountsByOwner: %w: %v", core.ErrOracleUnavailable, err)
	}

	total := decimal.Zero
	for _, acc := range result.Value {
		amount, err := acc.Account.Data.Parsed.Info.TokenAmount.value(s.decimals)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse token amount: %w: %v", core.ErrOracleUnavailable, err)
		}
		total = total.Add(amount)
	}

	return total, nil
}

type parsedInstruction struct {
	Program string `json:"program"`
	Parsed  struct {
		Type string `json:"type"`
		Info struct {
			Mint              string      `json:"mint"`
			Authority         string      `json:"authority"`
			MultisigAuthority string      `json:"multisigAuthority"`
			Amount            string      `json:"amount"`
			TokenAmount       tokenAmount `json:"tokenAmount"`
		} `json:"info"`
	} `json:"parsed"`
}

// UnmarshalJSON tolerates instructions the node could not parse, whose "parsed" is absent or a string
func (p *parsedInstruction) UnmarshalJSON(data []byte) error {
	var raw struct {
		Program string          `json:"program"`
		Parsed  json.RawMessage `json:"parsed"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	p.Program = raw.Program
	if len(raw.Parsed) == 0 || raw.Parsed[0] != '{' {
		return nil
	}
	return json.Unmarshal(raw.Parsed, &p.Parsed)
}

type transactionResult struct {
	Meta *struct {
		Err               json.RawMessage `json:"err"`
		InnerInstructions []struct {
			Instructions []parsedInstruction `json:"instructions"`
		} `json:"innerInstructions"`
	} `json:"meta"`
	Transaction struct {
		Message struct {
			Instructions []parsedInstruction `json:"instructions"`
		} `json:"message"`
	} `json:"transaction"`
}

// VerifyBurn reports whether the finalized transaction txRef burned at least
// expected tokens of the mint under the wallet's authority
func (s *Solana) VerifyBurn(ctx context.Context, txRef, address string, expected decimal.Decimal) (bool, error) {
	if len(base58.Decode(txRef)) != solanaSignatureSize {
		return false, nil
	}

	var result *transactionResult
	err := s.client.CallContext(ctx, &result, "getTransaction",
		txRef,
		map[string]any{
			"encoding":                       "jsonParsed",
			"commitment":                     "finalized",
			"maxSupportedTransactionVersion": 0,
		},
	)
	if err != nil {
		return false, fmt.Errorf("getTransaction: %w: %v", core.ErrOracleUnavailable, err)
	}

	if result == nil || result.Meta == nil {
		return false, nil
	}

	if len(result.Meta.Err) > 0 && string(result.Meta.Err) != "null" {
		return false, nil
	}

	instructions := append([]parsedInstruction{}, result.Transaction.Message.Instructions...)
	for _, inner := range result.Meta.InnerInstructions {
		instructions = append(instructions, inner.Instructions...)
	}

	burned := decimal.Zero
	for _, ix := range instructions {
		amount, ok := s.burnAmount(ix, address)
		if ok {
			burned = burned.Add(amount)
		}
	}

	return burned.GreaterThanOrEqual(expected), nil
}

func (s *Solana) burnAmount(ix parsedInstruction, address string) (decimal.Decimal, bool) {
	if ix.Program != splTokenProgram {
		return decimal.Zero, false
	}

	info := ix.Parsed.Info
	if info.Mint != s.mint {
		return decimal.Zero, false
	}
	if info.Authority != address && info.MultisigAuthority != address {
		return decimal.Zero, false
	}

	switch ix.Parsed.Type {
	case "burnChecked":
		amount, err := info.TokenAmount.value(s.decimals)
		return amount, err == nil
	case "burn":
		raw, err := decimal.NewFromString(info.Amount)
		if err != nil {
			return decimal.Zero, false
		}
		return raw.Shift(-s.decimals), true
	}

	return decimal.Zero, false
}
