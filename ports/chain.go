package ports

import (
	"context"

	"github.com/shopspring/decimal"
)

// SignatureVerifier checks that a wallet signed a message. It never errors:
// anything malformed verifies to false.
type SignatureVerifier interface {
	Verify(message, signature []byte, address string) bool
}

// BalanceOracle reports the token balance held by a wallet.
type BalanceOracle interface {
	GetBalance(ctx context.Context, address string) (decimal.Decimal, error)
}

// BurnVerifier checks that a transaction irreversibly burned at least expected
// tokens from the wallet. An error means the ledger could not answer, which is
// distinct from a false result.
type BurnVerifier interface {
	VerifyBurn(ctx context.Context, txRef, address string, expected decimal.Decimal) (bool, error)
}
