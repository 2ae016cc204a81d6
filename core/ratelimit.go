package core

import "time"

// Action names a rate-limited request class. Each has its own budget.
type Action string

const (
	ActionLogin        Action = "login"
	ActionRegistration Action = "registration"
	ActionAccess       Action = "access"
	ActionInfo         Action = "info"
	// ActionAnonymous budgets new anonymous identities minted per address
	ActionAnonymous Action = "anonymous"
)

// RatePolicy configures a fixed window for one action.
type RatePolicy struct {
	Window      time.Duration
	MaxRequests int64
	FailClosed  bool // deny when the counter store is unavailable
}

// RateDecision is the outcome of a rate-limit check.
type RateDecision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// RetryAfter returns how long a denied caller should wait.
func (d RateDecision) RetryAfter(now time.Time) time.Duration {
	if d.ResetAt.After(now) {
		return d.ResetAt.Sub(now)
	}
	return 0
}

// WindowStart truncates now to the start of its fixed window.
func WindowStart(now time.Time, window time.Duration) time.Time {
	return now.UTC().Truncate(window)
}
