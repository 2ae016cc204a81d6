package ports

import (
	"context"
	"time"

	"github.com/layer-3/tollgate/core"
	"github.com/shopspring/decimal"
)

// ChallengeStore keeps at most one challenge per wallet.
type ChallengeStore interface {
	// PutChallenge stores a challenge, replacing any prior one for the wallet.
	PutChallenge(ctx context.Context, challenge core.Challenge) error

	// ConsumeChallenge marks the wallet's challenge consumed if it is live and its
	// text equals message. The check and the mark happen atomically.
	// Returns core.ErrChallengeExpiredOrConsumed or core.ErrChallengeMismatch on failure.
	ConsumeChallenge(ctx context.Context, address, message string) error
}

// SessionStore persists issued sessions
type SessionStore interface {
	PutSession(ctx context.Context, session core.Session) error

	// GetSession returns core.ErrSessionNotFound for unknown or lapsed sessions.
	GetSession(ctx context.Context, id string) (*core.Session, error)

	// DeleteSession is idempotent.
	DeleteSession(ctx context.Context, id string) error
}

// UsageStore keeps per-identity, per-UTC-day counters.
type UsageStore interface {
	GetUsage(ctx context.Context, identity core.Identity, bucket string) (int64, error)

	// IncrementUsage atomically increments (creating at 1) and returns the new count.
	IncrementUsage(ctx context.Context, identity core.Identity, bucket string) (int64, error)

	// IncrementUsageBelow increments only while the count is below limit.
	// It returns the resulting count and whether the increment happened.
	IncrementUsageBelow(ctx context.Context, identity core.Identity, bucket string, limit int64) (int64, bool, error)
}

// RateLimitStore keeps fixed-window request counters.
type RateLimitStore interface {
	// IncrementWindow atomically increments the counter for key, which expires at windowEnd.
	IncrementWindow(ctx context.Context, key string, windowEnd time.Time) (int64, error)
}

// UserStore persists users and enforces username and burn-proof uniqueness.
type UserStore interface {
	// EnsureUser returns the user bound to address, creating it on first use.
	EnsureUser(ctx context.Context, address string) (*core.User, error)

	GetUserByID(ctx context.Context, id string) (*core.User, error)
	GetUserByAddress(ctx context.Context, address string) (*core.User, error)

	// UpdateTierSnapshot records the last resolved balance and tier for display.
	UpdateTierSnapshot(ctx context.Context, userID string, balance decimal.Decimal, tier string) error

	// ClaimUsername binds a username to a user that has none. Uniqueness of the
	// username and of the burn reference is enforced by the store itself.
	// Returns core.ErrUsernameTaken or core.ErrBurnAlreadyUsed on conflict. If the
	// user already holds a username the stored user is returned unchanged.
	ClaimUsername(ctx context.Context, claim core.UsernameClaim) (*core.User, error)

	// RecordBurnAudit appends to the burn audit trail.
	RecordBurnAudit(ctx context.Context, audit core.BurnAudit) error

	// AppendAudit appends to the security audit log.
	AppendAudit(ctx context.Context, event core.AuditEvent) error

	Close() error
}
