package core

import (
	"strings"
	"time"
)

// DateBucketLayout formats the UTC calendar day a usage counter belongs to.
const DateBucketLayout = "2006-01-02"

const (
	identityUserPrefix = "user:"
	identityAnonPrefix = "anon:"
)

// Identity is the subject a usage counter is kept for: a user or an anonymous session.
type Identity string

// UserIdentity returns the identity of an authenticated user.
func UserIdentity(userID string) Identity {
	return Identity(identityUserPrefix + userID)
}

// AnonymousIdentity returns the identity of an unauthenticated session.
func AnonymousIdentity(sessionID string) Identity {
	return Identity(identityAnonPrefix + sessionID)
}

// Anonymous reports whether the identity belongs to an unauthenticated caller.
func (i Identity) Anonymous() bool {
	return strings.HasPrefix(string(i), identityAnonPrefix)
}

func (i Identity) String() string {
	return string(i)
}

// DateBucket returns the UTC day t falls into.
func DateBucket(t time.Time) string {
	return t.UTC().Format(DateBucketLayout)
}

// NextReset returns the UTC midnight following t.
func NextReset(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

// Usage is the metered operation count of an identity for one UTC day.
type Usage struct {
	Identity   Identity `json:"identity"`
	DateBucket string   `json:"date_bucket"`
	Count      int64    `json:"count"`
}

// QuotaDecision is the admission outcome for a metered operation.
type QuotaDecision struct {
	Allowed   bool      `json:"allowed"`
	Tier      string    `json:"tier"`
	Count     int64     `json:"count"`
	Remaining int64     `json:"remaining"` // Unlimited (-1) when the tier has no cap
	ResetAt   time.Time `json:"reset_at"`
	Reason    string    `json:"reason,omitempty"`
	Upgrades  []Upgrade `json:"upgrades,omitempty"`
	Degraded  bool      `json:"degraded,omitempty"` // usage store could not be reached
}
