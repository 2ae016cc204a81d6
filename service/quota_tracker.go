package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/layer-3/tollgate/core"
	"github.com/layer-3/tollgate/ports"
)

// QuotaTracker meters operations per identity per UTC day
type QuotaTracker struct {
	store  ports.UsageStore
	table  core.TierTable
	logger *zap.Logger
	now    func() time.Time
}

// NewQuotaTracker creates a quota tracker. now defaults to time.Now.
func NewQuotaTracker(store ports.UsageStore, table core.TierTable, logger *zap.Logger, now func() time.Time) *QuotaTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}

	return &QuotaTracker{
		store:  store,
		table:  table,
		logger: logger.Named("quota"),
		now:    now,
	}
}

// GetUsage returns today's counter for identity
func (q *QuotaTracker) GetUsage(ctx context.Context, identity core.Identity) (core.Usage, error) {
	bucket := core.DateBucket(q.now())

	count, err := q.store.GetUsage(ctx, identity, bucket)
	if err != nil {
		return core.Usage{Identity: identity, DateBucket: bucket}, err
	}

	return core.Usage{Identity: identity, DateBucket: bucket, Count: count}, nil
}

// Increment counts one operation for identity today and returns the new count
func (q *QuotaTracker) Increment(ctx context.Context, identity core.Identity) (int64, error) {
	return q.store.IncrementUsage(ctx, identity, core.DateBucket(q.now()))
}

// CanConsume reports whether identity may perform another operation under tier
// without counting one. An unreadable counter is treated as zero usage.
func (q *QuotaTracker) CanConsume(ctx context.Context, identity core.Identity, tier core.Tier, balance decimal.Decimal) core.QuotaDecision {
	now := q.now()

	usage, err := q.GetUsage(ctx, identity)
	degraded := err != nil
	if degraded {
		q.logger.Warn("usage store unreachable, reading as zero usage",
			zap.String("identity", identity.String()), zap.Error(err))
	}

	if tier.IsUnlimited() {
		return core.QuotaDecision{
			Allowed:   true,
			Tier:      tier.Name,
			Count:     usage.Count,
			Remaining: core.Unlimited,
			ResetAt:   core.NextReset(now),
			Degraded:  degraded,
		}
	}

	if usage.Count < tier.DailyCap {
		return core.QuotaDecision{
			Allowed:   true,
			Tier:      tier.Name,
			Count:     usage.Count,
			Remaining: tier.DailyCap - usage.Count,
			ResetAt:   core.NextReset(now),
			Degraded:  degraded,
		}
	}

	decision := q.exhausted(tier, usage.Count, balance, now)
	decision.Degraded = degraded
	return decision
}

// Consume atomically counts one operation if tier's cap allows it. A denial is
// returned as both the decision and a quota_exceeded Denial.
//
// When the counter cannot be written the operation proceeds under tier, which
// is never raised because of the failure, and the decision is marked degraded.
func (q *QuotaTracker) Consume(ctx context.Context, identity core.Identity, tier core.Tier, balance decimal.Decimal) (core.QuotaDecision, error) {
	now := q.now()
	bucket := core.DateBucket(now)

	if tier.IsUnlimited() {
		count, err := q.store.IncrementUsage(ctx, identity, bucket)
		if err != nil {
			q.logDegraded(identity, tier, err)
		}
		return core.QuotaDecision{
			Allowed:   true,
			Tier:      tier.Name,
			Count:     count,
			Remaining: core.Unlimited,
			ResetAt:   core.NextReset(now),
			Degraded:  err != nil,
		}, nil
	}

	count, ok, err := q.store.IncrementUsageBelow(ctx, identity, bucket, tier.DailyCap)
	if err != nil {
		q.logDegraded(identity, tier, err)
		if tier.DailyCap > 0 {
			return core.QuotaDecision{
				Allowed:   true,
				Tier:      tier.Name,
				Remaining: 0,
				ResetAt:   core.NextReset(now),
				Degraded:  true,
			}, nil
		}
		ok, count = false, 0
	}

	if !ok {
		decision := q.exhausted(tier, count, balance, now)
		decision.Degraded = err != nil

		denial := core.Deny(core.ErrQuotaExceeded, decision.Reason, upgradeRemedy(decision.Upgrades, decision.ResetAt)).
			WithRetryAfter(decision.ResetAt.Sub(now)).
			WithDetail("tier", tier.Name).
			WithDetail("daily_cap", tier.DailyCap).
			WithDetail("remaining", 0).
			WithDetail("reset_at", decision.ResetAt).
			WithDetail("upgrades", decision.Upgrades)
		return decision, denial
	}

	return core.QuotaDecision{
		Allowed:   true,
		Tier:      tier.Name,
		Count:     count,
		Remaining: tier.DailyCap - count,
		ResetAt:   core.NextReset(now),
	}, nil
}

func (q *QuotaTracker) exhausted(tier core.Tier, count int64, balance decimal.Decimal, now time.Time) core.QuotaDecision {
	upgrades := q.table.UpgradePath(tier, balance)

	reason := fmt.Sprintf("Daily limit of %d reached for the %s tier.", tier.DailyCap, tier.Name)
	if len(upgrades) > 0 {
		next := upgrades[0]
		reason += fmt.Sprintf(" Hold %s tokens to reach %s (%s).", next.Threshold.String(), next.Tier, describeCap(next.DailyCap))
	}

	return core.QuotaDecision{
		Allowed:   false,
		Tier:      tier.Name,
		Count:     count,
		Remaining: 0,
		ResetAt:   core.NextReset(now),
		Reason:    reason,
		Upgrades:  upgrades,
	}
}

func (q *QuotaTracker) logDegraded(identity core.Identity, tier core.Tier, err error) {
	q.logger.Error("usage store unreachable, proceeding under last known tier",
		zap.String("identity", identity.String()),
		zap.String("tier", tier.Name),
		zap.Error(err))
}

func upgradeRemedy(upgrades []core.Upgrade, resetAt time.Time) string {
	wait := fmt.Sprintf("wait until %s for the daily reset", resetAt.UTC().Format(time.RFC3339))
	if len(upgrades) == 0 {
		return "Wait for the daily reset at " + resetAt.UTC().Format(time.RFC3339) + "."
	}

	steps := make([]string, 0, len(upgrades))
	for _, u := range upgrades {
		steps = append(steps, fmt.Sprintf("%s at %s tokens (%s more)", u.Tier, u.Threshold.String(), u.Shortfall.String()))
	}
	return "Upgrade by holding more tokens: " + strings.Join(steps, ", ") + "; or " + wait + "."
}

func describeCap(dailyCap int64) string {
	if dailyCap == core.Unlimited {
		return "no daily limit"
	}
	return fmt.Sprintf("%d per day", dailyCap)
}
