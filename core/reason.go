package core

import (
	"errors"
	"time"
)

// ReasonCode is the machine-readable cause attached to every denial.
type ReasonCode string

const (
	ReasonInvalidSignature    ReasonCode = "invalid_signature"
	ReasonInvalidAddress      ReasonCode = "invalid_address"
	ReasonChallengeInvalid    ReasonCode = "challenge_expired_or_consumed"
	ReasonChallengeMismatch   ReasonCode = "challenge_mismatch"
	ReasonSessionNotFound     ReasonCode = "session_not_found"
	ReasonSessionExpired      ReasonCode = "session_expired"
	ReasonRateLimited         ReasonCode = "rate_limited"
	ReasonQuotaExceeded       ReasonCode = "quota_exceeded"
	ReasonInsufficientBalance ReasonCode = "insufficient_balance"
	ReasonBurnUnverified      ReasonCode = "burn_unverified"
	ReasonBurnRejected        ReasonCode = "burn_rejected"
	ReasonBurnAlreadyUsed     ReasonCode = "burn_already_used"
	ReasonUsernameTaken       ReasonCode = "username_taken"
	ReasonInvalidUsername     ReasonCode = "invalid_username"
	ReasonInvalidRequest      ReasonCode = "invalid_request"
	ReasonStorageUnavailable  ReasonCode = "storage_unavailable"
	ReasonInternal            ReasonCode = "internal"
)

// Denial is the failure variant returned by engine operations. It unwraps to
// the sentinel error of its class so callers may use errors.Is.
type Denial struct {
	Code       ReasonCode
	Message    string
	Remedy     string
	RetryAfter time.Duration
	Details    map[string]any
	err        error
}

// Deny builds a Denial for the given sentinel error.
func Deny(err error, message, remedy string) *Denial {
	return &Denial{
		Code:    ReasonOf(err),
		Message: message,
		Remedy:  remedy,
		err:     err,
	}
}

// WithRetryAfter sets the delay after which a retry may succeed.
func (d *Denial) WithRetryAfter(after time.Duration) *Denial {
	d.RetryAfter = after
	return d
}

// WithDetail attaches a structured detail.
func (d *Denial) WithDetail(key string, value any) *Denial {
	if d.Details == nil {
		d.Details = make(map[string]any)
	}
	d.Details[key] = value
	return d
}

func (d *Denial) Error() string {
	if d.err == nil {
		return d.Message
	}
	return d.err.Error() + ": " + d.Message
}

func (d *Denial) Unwrap() error {
	return d.err
}

// AsDenial extracts a Denial from an error chain.
func AsDenial(err error) (*Denial, bool) {
	var d *Denial
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}

// ReasonOf maps an error chain to its reason code.
func ReasonOf(err error) ReasonCode {
	if d, ok := AsDenial(err); ok && d.Code != "" {
		return d.Code
	}

	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidSignature):
		return ReasonInvalidSignature
	case errors.Is(err, ErrInvalidAddress), errors.Is(err, ErrUnsupportedChain):
		return ReasonInvalidAddress
	case errors.Is(err, ErrChallengeExpiredOrConsumed):
		return ReasonChallengeInvalid
	case errors.Is(err, ErrChallengeMismatch):
		return ReasonChallengeMismatch
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrInvalidToken):
		return ReasonSessionNotFound
	case errors.Is(err, ErrSessionExpired):
		return ReasonSessionExpired
	case errors.Is(err, ErrRateLimited):
		return ReasonRateLimited
	case errors.Is(err, ErrQuotaExceeded):
		return ReasonQuotaExceeded
	case errors.Is(err, ErrInsufficientBalance):
		return ReasonInsufficientBalance
	case errors.Is(err, ErrBurnUnverified):
		return ReasonBurnUnverified
	case errors.Is(err, ErrBurnRejected):
		return ReasonBurnRejected
	case errors.Is(err, ErrBurnAlreadyUsed):
		return ReasonBurnAlreadyUsed
	case errors.Is(err, ErrUsernameTaken):
		return ReasonUsernameTaken
	case errors.Is(err, ErrInvalidUsername):
		return ReasonInvalidUsername
	case errors.Is(err, ErrInvalidRequest):
		return ReasonInvalidRequest
	case errors.Is(err, ErrStorageUnavailable), errors.Is(err, ErrOracleUnavailable):
		return ReasonStorageUnavailable
	default:
		return ReasonInternal
	}
}
