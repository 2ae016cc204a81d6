package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// ChallengePreamble is the fixed human-readable prefix of every login challenge.
const ChallengePreamble = "Sign this message to authenticate with Tollgate."

// Challenge represents a one-time login challenge bound to a wallet
type Challenge struct {
	Address   string    // Wallet the challenge was issued for
	Text      string    // Exact message the wallet must sign
	IssuedAt  time.Time // When the challenge was created
	ExpiresAt time.Time // When the challenge stops being acceptable
	Consumed  bool      // Set once by a successful login
}

// Live reports whether the challenge can still be consumed at now.
func (c Challenge) Live(now time.Time) bool {
	return !c.Consumed && now.Before(c.ExpiresAt)
}

// Session represents an authenticated bearer session
type Session struct {
	ID        string    `json:"id"`         // Unique session identifier, carried inside the token
	OwnerID   string    `json:"owner_id"`   // User ID owning the session
	Address   string    `json:"address"`    // Wallet that proved control at login
	CreatedAt time.Time `json:"created_at"` // When the session was created
	ExpiresAt time.Time `json:"expires_at"` // When the session lapses
	IPAddress string    `json:"ip_address"` // Source IP at login
	UserAgent string    `json:"user_agent"` // Client user agent at login
}

// Expired reports whether the session has lapsed at now.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// SessionMeta carries the request attributes recorded with a new session.
type SessionMeta struct {
	IPAddress string
	UserAgent string
}

// User is the account bound to a wallet.
type User struct {
	ID              string          `json:"id" db:"id"`
	Address         string          `json:"address" db:"address"`
	Username        string          `json:"username,omitempty" db:"username"`
	BalanceSnapshot decimal.Decimal `json:"balance_snapshot" db:"balance_snapshot"`
	TierSnapshot    string          `json:"tier_snapshot" db:"tier_snapshot"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// HasUsername reports whether the write-once username has been claimed.
func (u User) HasUsername() bool {
	return u.Username != ""
}
