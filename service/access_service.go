package service

import (
	"context"

	"github.com/layer-3/tollgate/core"
)

// Caller is the identity a metered request is attributed to. User is nil for
// anonymous callers.
type Caller struct {
	Identity core.Identity
	User     *core.User
}

// AccessStatus is a caller's tier and today's usage
type AccessStatus struct {
	core.QuotaDecision
	Identity core.Identity `json:"identity"`
	Standing Standing      `json:"standing"`
}

// AccessService decides admission for metered operations from live tier and quota
type AccessService struct {
	tiers *TierResolver
	quota *QuotaTracker
}

// NewAccessService creates an access service
func NewAccessService(tiers *TierResolver, quota *QuotaTracker) *AccessService {
	return &AccessService{tiers: tiers, quota: quota}
}

// Status reports the caller's standing without consuming quota
func (s *AccessService) Status(ctx context.Context, caller Caller) AccessStatus {
	standing := s.tiers.Resolve(ctx, caller.User)
	decision := s.quota.CanConsume(ctx, caller.Identity, standing.Tier, standing.Balance)

	return AccessStatus{QuotaDecision: decision, Identity: caller.Identity, Standing: standing}
}

// Consume admits one metered operation or denies it with quota_exceeded
func (s *AccessService) Consume(ctx context.Context, caller Caller) (AccessStatus, error) {
	standing := s.tiers.Resolve(ctx, caller.User)
	decision, err := s.quota.Consume(ctx, caller.Identity, standing.Tier, standing.Balance)

	return AccessStatus{QuotaDecision: decision, Identity: caller.Identity, Standing: standing}, err
}
