package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/layer-3/tollgate/core"
	"github.com/layer-3/tollgate/ports"
)

// Standing is a caller's tier as resolved for one request
type Standing struct {
	Tier    core.Tier       `json:"tier"`
	Balance decimal.Decimal `json:"balance"`
	// Fallback is set when the oracle failed and the lowest tier was applied
	Fallback bool `json:"fallback,omitempty"`
}

// TierResolver maps live token balances to access tiers
type TierResolver struct {
	oracle  ports.BalanceOracle
	users   ports.UserStore
	table   core.TierTable
	timeout time.Duration
	logger  *zap.Logger
}

// NewTierResolver creates a resolver. users may be nil, in which case no
// display snapshot is kept.
func NewTierResolver(oracle ports.BalanceOracle, users ports.UserStore, table core.TierTable, timeout time.Duration, logger *zap.Logger) *TierResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	return &TierResolver{
		oracle:  oracle,
		users:   users,
		table:   table,
		timeout: timeout,
		logger:  logger.Named("tiers"),
	}
}

// Table returns the tier table in use
func (r *TierResolver) Table() core.TierTable {
	return r.table
}

// ResolveTier returns the highest tier whose threshold balance meets
func (r *TierResolver) ResolveTier(balance decimal.Decimal) core.Tier {
	return r.table.Resolve(balance)
}

// Resolve queries the oracle for the user's balance and maps it to a tier.
// Anonymous callers and oracle failures resolve to the lowest tier. The stored
// snapshot is updated for display but never read here.
func (r *TierResolver) Resolve(ctx context.Context, user *core.User) Standing {
	if user == nil {
		return Standing{Tier: r.table.Lowest(), Balance: decimal.Zero}
	}

	oracleCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	balance, err := r.oracle.GetBalance(oracleCtx, user.Address)
	if err != nil {
		r.logger.Warn("balance oracle failed, applying lowest tier",
			zap.String("wallet", user.Address),
			zap.String("user_id", user.ID),
			zap.Error(err))
		return Standing{Tier: r.table.Lowest(), Balance: decimal.Zero, Fallback: true}
	}

	tier := r.table.Resolve(balance)

	if r.users != nil && (tier.Name != user.TierSnapshot || !balance.Equal(user.BalanceSnapshot)) {
		if err := r.users.UpdateTierSnapshot(ctx, user.ID, balance, tier.Name); err != nil {
			r.logger.Warn("failed to update tier snapshot", zap.String("user_id", user.ID), zap.Error(err))
		}
	}

	return Standing{Tier: tier, Balance: balance}
}
