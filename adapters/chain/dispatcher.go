package chain

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"

	"github.com/layer-3/tollgate/adapters/wallet"
	"github.com/layer-3/tollgate/core"
	"github.com/layer-3/tollgate/ports"
)

// Ledger is a balance oracle and burn verifier for one chain
type Ledger interface {
	ports.BalanceOracle
	ports.BurnVerifier
}

// Dispatcher routes oracle and burn queries to the ledger of the wallet's chain
type Dispatcher struct {
	ledgers map[wallet.Chain]Ledger
}

var (
	_ ports.BalanceOracle = (*Dispatcher)(nil)
	_ ports.BurnVerifier  = (*Dispatcher)(nil)
)

// NewDispatcher creates an empty dispatcher; register ledgers with Register
func NewDispatcher() *Dispatcher {
	return &Dispatcher{ledgers: make(map[wallet.Chain]Ledger)}
}

// Register sets the ledger serving chain
func (d *Dispatcher) Register(chain wallet.Chain, ledger Ledger) *Dispatcher {
	d.ledgers[chain] = ledger
	return d
}

// Chains lists the chains with a registered ledger
func (d *Dispatcher) Chains() []wallet.Chain {
	chains := make([]wallet.Chain, 0, len(d.ledgers))
	for c := range d.ledgers {
		chains = append(chains, c)
	}
	return chains
}

func (d *Dispatcher) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	ledger, err := d.ledgerFor(address)
	if err != nil {
		return decimal.Zero, err
	}
	return ledger.GetBalance(ctx, address)
}

func (d *Dispatcher) VerifyBurn(ctx context.Context, txRef, address string, expected decimal.Decimal) (bool, error) {
	ledger, err := d.ledgerFor(address)
	if err != nil {
		return false, err
	}
	return ledger.VerifyBurn(ctx, txRef, address, expected)
}

func (d *Dispatcher) ledgerFor(address string) (Ledger, error) {
	chain, err := wallet.DetectChain(address)
	if err != nil {
		return nil, err
	}

	ledger, ok := d.ledgers[chain]
	if !ok {
		return nil, fmt.Errorf("%w: no ledger configured for %s", core.ErrUnsupportedChain, chain)
	}
	return ledger, nil
}

// Dial connects a JSON-RPC client to url over HTTP(S) or websocket
func Dial(ctx context.Context, url string) (*rpc.Client, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return client, nil
}
