package core

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RegistrationState tracks progress through the username registration.
type RegistrationState string

const (
	StateIdle           RegistrationState = "idle"
	StateBalanceChecked RegistrationState = "balance_checked"
	StateBurnVerified   RegistrationState = "burn_verified"
	StateCommitted      RegistrationState = "committed"
	StateFailed         RegistrationState = "failed"
)

// BurnStatus is the outcome of checking a burn proof against the ledger.
type BurnStatus string

const (
	BurnVerified   BurnStatus = "verified"
	BurnRejected   BurnStatus = "rejected"
	BurnUnverified BurnStatus = "unverified" // ledger unreachable; not a positive result
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9_]{3,20}$`)

// NormalizeUsername returns the canonical, case-folded form of a username.
// Uniqueness is enforced on this form.
func NormalizeUsername(username string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(username))
	if !usernamePattern.MatchString(normalized) {
		return "", fmt.Errorf("%w: %q must be 3-20 characters of a-z, 0-9 or _", ErrInvalidUsername, username)
	}
	return normalized, nil
}

// RegistrationRequest asks to bind a username to a wallet against a burn proof.
type RegistrationRequest struct {
	UserID   string
	Address  string
	Username string
	BurnTx   string
}

// UsernameClaim is the single atomic write committing a registration.
type UsernameClaim struct {
	UserID     string
	Username   string
	BurnTx     string
	BurnStatus BurnStatus
	ClaimedAt  time.Time
}

// BurnAudit is the append-only record of a burn proof check.
type BurnAudit struct {
	ID         string          `db:"id"`
	Address    string          `db:"address"`
	Username   string          `db:"username"`
	BurnTx     string          `db:"burn_tx"`
	Expected   decimal.Decimal `db:"expected_amount"`
	Status     BurnStatus      `db:"status"`
	Detail     string          `db:"detail"`
	RecordedAt time.Time       `db:"recorded_at"`
}

// RegistrationResult is the successful outcome of a registration.
type RegistrationResult struct {
	User              *User             `json:"user"`
	Username          string            `json:"username"`
	State             RegistrationState `json:"state"`
	BurnStatus        BurnStatus        `json:"burn_status,omitempty"`
	AlreadyRegistered bool              `json:"already_registered"`
}
