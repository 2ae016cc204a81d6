package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/layer-3/tollgate/core"
	"github.com/layer-3/tollgate/ports"
)

// RateLimiter screens requests by source IP with fixed windows per action
type RateLimiter struct {
	store    ports.RateLimitStore
	policies map[core.Action]core.RatePolicy
	emit     *emitter
	logger   *zap.Logger
	now      func() time.Time
}

// NewRateLimiter creates a rate limiter with one policy per action
func NewRateLimiter(store ports.RateLimitStore, policies map[core.Action]core.RatePolicy, events ports.EventPublisher, logger *zap.Logger, now func() time.Time) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	logger = logger.Named("ratelimit")

	return &RateLimiter{
		store:    store,
		policies: policies,
		emit:     newEmitter(events, logger, now),
		logger:   logger,
		now:      now,
	}
}

// Check counts one request from ip for action in the current window of
// length window and reports whether it is within maxRequests
func (r *RateLimiter) Check(ctx context.Context, ip string, action core.Action, window time.Duration, maxRequests int64) (core.RateDecision, error) {
	start := core.WindowStart(r.now(), window)
	end := start.Add(window)
	key := fmt.Sprintf("%s:%s:%d", action, ip, start.Unix())

	count, err := r.store.IncrementWindow(ctx, key, end)
	if err != nil {
		return core.RateDecision{Limit: maxRequests, ResetAt: end}, err
	}

	remaining := maxRequests - count
	if remaining < 0 {
		remaining = 0
	}

	return core.RateDecision{
		Allowed:   count <= maxRequests,
		Limit:     maxRequests,
		Remaining: remaining,
		ResetAt:   end,
	}, nil
}

// Allow applies the action's policy. Denials are returned as a Denial error
// alongside the decision. When the counter store fails, fail-closed actions
// are denied and the rest are let through.
func (r *RateLimiter) Allow(ctx context.Context, ip string, action core.Action) (core.RateDecision, error) {
	policy, ok := r.policies[action]
	if !ok {
		return core.RateDecision{}, fmt.Errorf("no rate limit policy for action %q", action)
	}

	now := r.now()
	decision, err := r.Check(ctx, ip, action, policy.Window, policy.MaxRequests)
	if err != nil {
		if !policy.FailClosed {
			r.logger.Warn("rate limit store unavailable, failing open",
				zap.String("action", string(action)), zap.String("ip", ip), zap.Error(err))
			decision.Allowed = true
			decision.Remaining = policy.MaxRequests
			return decision, nil
		}

		r.logger.Error("rate limit store unavailable, failing closed",
			zap.String("action", string(action)), zap.String("ip", ip), zap.Error(err))
		r.emit.audit(ctx, core.AuditEvent{
			Action:    core.AuditRateLimitFailClose,
			Identity:  "ip:" + ip,
			IPAddress: ip,
			Reason:    core.ReasonStorageUnavailable,
			Metadata:  map[string]string{"action": string(action)},
		})

		decision.Allowed = false
		return decision, storageDenial(err)
	}

	if !decision.Allowed {
		retryAfter := decision.RetryAfter(now)
		return decision, core.Deny(core.ErrRateLimited,
			fmt.Sprintf("Too many %s requests from this address.", action),
			fmt.Sprintf("Wait %d seconds before retrying.", int64(retryAfter.Round(time.Second)/time.Second))).
			WithRetryAfter(retryAfter).
			WithDetail("action", string(action)).
			WithDetail("limit", decision.Limit).
			WithDetail("reset_at", decision.ResetAt)
	}

	return decision, nil
}
