package core

import "errors"

var (
	ErrInvalidSignature           = errors.New("invalid signature")
	ErrInvalidAddress             = errors.New("invalid wallet address")
	ErrChallengeExpiredOrConsumed = errors.New("challenge expired or already consumed")
	ErrChallengeMismatch          = errors.New("message does not match the active challenge")
	ErrInvalidToken               = errors.New("invalid token")
	ErrSessionNotFound            = errors.New("session not found")
	ErrSessionExpired             = errors.New("session has expired")
	ErrRateLimited                = errors.New("rate limit exceeded")
	ErrQuotaExceeded              = errors.New("daily quota exceeded")
	ErrInsufficientBalance        = errors.New("insufficient token balance")
	ErrBurnUnverified             = errors.New("burn could not be verified")
	ErrBurnRejected               = errors.New("burn proof rejected")
	ErrBurnAlreadyUsed            = errors.New("burn proof already used")
	ErrUsernameTaken              = errors.New("username already taken")
	ErrInvalidUsername            = errors.New("invalid username")
	ErrUserNotFound               = errors.New("user not found")
	ErrStorageUnavailable         = errors.New("storage unavailable")
	ErrOracleUnavailable          = errors.New("balance oracle unavailable")
	ErrUnsupportedChain           = errors.New("unsupported wallet chain")
	ErrInvalidRequest             = errors.New("invalid request")
)
