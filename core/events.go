package core

import "time"

// AuditAction names an entry in the security audit log.
type AuditAction string

const (
	AuditLoginSucceeded     AuditAction = "login.succeeded"
	AuditLoginFailed        AuditAction = "login.failed"
	AuditSessionIssued      AuditAction = "session.issued"
	AuditSessionRevoked     AuditAction = "session.revoked"
	AuditRegistration       AuditAction = "registration.committed"
	AuditRegistrationFailed AuditAction = "registration.failed"
	AuditBurnUnverified     AuditAction = "registration.burn_unverified"
	AuditRateLimitFailClose AuditAction = "ratelimit.fail_closed"
)

// AuditEvent is appended to the security audit log.
type AuditEvent struct {
	ID         string            `json:"id"`
	Action     AuditAction       `json:"action"`
	Identity   string            `json:"identity"`
	Address    string            `json:"address,omitempty"`
	IPAddress  string            `json:"ip_address,omitempty"`
	UserAgent  string            `json:"user_agent,omitempty"`
	Reason     ReasonCode        `json:"reason,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// ReputationEventType names an event the reputation awarder scores.
type ReputationEventType string

const (
	ReputationLogin        ReputationEventType = "login"
	ReputationRegistration ReputationEventType = "registration"
)

// ReputationEvent asks the badge/reputation system to award points.
type ReputationEvent struct {
	Identity   string              `json:"identity"`
	Address    string              `json:"address"`
	Type       ReputationEventType `json:"type"`
	OccurredAt time.Time           `json:"occurred_at"`
}
