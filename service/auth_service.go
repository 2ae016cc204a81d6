package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/layer-3/tollgate/adapters/wallet"
	"github.com/layer-3/tollgate/core"
	"github.com/layer-3/tollgate/ports"
)

// AuthServiceConfig wires the AuthService
type AuthServiceConfig struct {
	Verifier   ports.SignatureVerifier
	Tokenizer  ports.Tokenizer
	Challenges ports.ChallengeStore
	Sessions   ports.SessionStore
	Users      ports.UserStore
	Events     ports.EventPublisher
	Logger     *zap.Logger

	ChallengeTTL time.Duration
	SessionTTL   time.Duration
	Now          func() time.Time
}

// AuthService handles authentication business logic
type AuthService struct {
	verifier   ports.SignatureVerifier
	tokenizer  ports.Tokenizer
	challenges ports.ChallengeStore
	sessions   ports.SessionStore
	users      ports.UserStore
	emit       *emitter
	logger     *zap.Logger

	challengeTTL time.Duration
	sessionTTL   time.Duration
	now          func() time.Time
}

// LoginRequest is a signed challenge presented by a wallet
type LoginRequest struct {
	Address   string
	Message   string
	Signature []byte
}

// LoginResult is a successful login
type LoginResult struct {
	Token   string
	Session *core.Session
	User    *core.User
}

// NewAuthService creates a new authentication service
func NewAuthService(cfg AuthServiceConfig) *AuthService {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("auth")

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	challengeTTL := cfg.ChallengeTTL
	if challengeTTL <= 0 {
		challengeTTL = 5 * time.Minute
	}

	sessionTTL := cfg.SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}

	return &AuthService{
		verifier:     cfg.Verifier,
		tokenizer:    cfg.Tokenizer,
		challenges:   cfg.Challenges,
		sessions:     cfg.Sessions,
		users:        cfg.Users,
		emit:         newEmitter(cfg.Events, logger, now),
		logger:       logger,
		challengeTTL: challengeTTL,
		sessionTTL:   sessionTTL,
		now:          now,
	}
}

// IssueChallenge creates a fresh challenge for the wallet, replacing any prior one
func (s *AuthService) IssueChallenge(ctx context.Context, address string) (*core.Challenge, error) {
	address, err := wallet.CanonicalAddress(address)
	if err != nil {
		return nil, core.Deny(err, "The wallet address is not a valid base58 or 0x-hex address.",
			"Connect a supported wallet and request a new challenge.")
	}

	nonceBytes := make([]byte, 32)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	now := s.now().UTC()
	challenge := core.Challenge{
		Address: address,
		Text: fmt.Sprintf("%s\n\nWallet: %s\nNonce: %s\nIssued At: %s",
			core.ChallengePreamble, address, hex.EncodeToString(nonceBytes), now.Format(time.RFC3339)),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.challengeTTL),
	}

	if err := s.challenges.PutChallenge(ctx, challenge); err != nil {
		return nil, storageDenial(err)
	}

	return &challenge, nil
}

// Login proves wallet control with a signed challenge and opens a session
func (s *AuthService) Login(ctx context.Context, req LoginRequest, meta core.SessionMeta) (*LoginResult, error) {
	address, err := wallet.CanonicalAddress(req.Address)
	if err != nil {
		return nil, s.loginFailed(ctx, req.Address, meta, core.Deny(err,
			"The wallet address is not a valid base58 or 0x-hex address.",
			"Connect a supported wallet and request a new challenge."))
	}

	if !s.verifier.Verify([]byte(req.Message), req.Signature, address) {
		return nil, s.loginFailed(ctx, address, meta, core.Deny(core.ErrInvalidSignature,
			"The signature does not match the wallet and message.",
			"Sign the exact challenge message with the wallet you are logging in with."))
	}

	if err := s.challenges.ConsumeChallenge(ctx, address, req.Message); err != nil {
		switch {
		case errors.Is(err, core.ErrChallengeExpiredOrConsumed):
			err = core.Deny(err, "The challenge has expired or was already used.",
				"Request a new challenge and sign it.")
		case errors.Is(err, core.ErrChallengeMismatch):
			err = core.Deny(err, "The signed message is not the wallet's active challenge.",
				"Sign the most recently issued challenge without modifying it.")
		default:
			err = storageDenial(err)
		}
		return nil, s.loginFailed(ctx, address, meta, err)
	}

	user, err := s.users.EnsureUser(ctx, address)
	if err != nil {
		return nil, s.loginFailed(ctx, address, meta, storageDenial(err))
	}

	token, session, err := s.IssueSession(ctx, user, meta)
	if err != nil {
		return nil, s.loginFailed(ctx, address, meta, err)
	}

	s.logger.Info("login succeeded",
		zap.String("wallet", address),
		zap.String("user_id", user.ID),
		zap.String("session_id", session.ID),
		zap.String("ip", meta.IPAddress))

	s.emit.audit(ctx, core.AuditEvent{
		Action:    core.AuditLoginSucceeded,
		Identity:  core.UserIdentity(user.ID).String(),
		Address:   address,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	})
	s.emit.reputation(ctx, core.ReputationEvent{
		Identity: core.UserIdentity(user.ID).String(),
		Address:  address,
		Type:     core.ReputationLogin,
	})

	return &LoginResult{Token: token, Session: session, User: user}, nil
}

// IssueSession persists a new session for user and returns its bearer token
func (s *AuthService) IssueSession(ctx context.Context, user *core.User, meta core.SessionMeta) (string, *core.Session, error) {
	now := s.now().UTC()
	session := &core.Session{
		ID:        uuid.New().String(),
		OwnerID:   user.ID,
		Address:   user.Address,
		CreatedAt: now,
		ExpiresAt: now.Add(s.sessionTTL),
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	}

	token, err := s.tokenizer.SessionToToken(session)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create session token: %w", err)
	}

	if err := s.sessions.PutSession(ctx, *session); err != nil {
		return "", nil, storageDenial(err)
	}

	s.emit.audit(ctx, core.AuditEvent{
		Action:    core.AuditSessionIssued,
		Identity:  core.UserIdentity(user.ID).String(),
		Address:   user.Address,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Metadata:  map[string]string{"session_id": session.ID, "expires_at": session.ExpiresAt.Format(time.RFC3339)},
	})

	return token, session, nil
}

// Resolve returns the live session named by token. The token's own expiry and
// the stored record must both be valid.
func (s *AuthService) Resolve(ctx context.Context, token string) (*core.Session, error) {
	claimed, err := s.tokenizer.TokenToSession(token)
	if err != nil {
		if errors.Is(err, core.ErrSessionExpired) {
			return nil, core.Deny(err, "The session has expired.", "Log in again with your wallet.")
		}
		return nil, core.Deny(err, "No session matches the presented token.", "Log in again with your wallet.")
	}

	session, err := s.sessions.GetSession(ctx, claimed.ID)
	if err != nil {
		if errors.Is(err, core.ErrSessionNotFound) {
			return nil, core.Deny(err, "The session was revoked or has lapsed.", "Log in again with your wallet.")
		}
		return nil, storageDenial(err)
	}

	if session.OwnerID != claimed.OwnerID {
		return nil, core.Deny(core.ErrSessionNotFound, "No session matches the presented token.", "Log in again with your wallet.")
	}

	if session.Expired(s.now()) {
		return nil, core.Deny(core.ErrSessionExpired, "The session has expired.", "Log in again with your wallet.")
	}

	return session, nil
}

// Revoke invalidates the session named by token. Unknown, malformed or
// already revoked tokens are not an error.
func (s *AuthService) Revoke(ctx context.Context, token string, meta core.SessionMeta) error {
	id, err := s.tokenizer.SessionID(token)
	if err != nil {
		return nil
	}

	session, err := s.sessions.GetSession(ctx, id)
	if err != nil && !errors.Is(err, core.ErrSessionNotFound) {
		return storageDenial(err)
	}

	if err := s.sessions.DeleteSession(ctx, id); err != nil {
		return storageDenial(err)
	}

	if session != nil {
		s.emit.audit(ctx, core.AuditEvent{
			Action:    core.AuditSessionRevoked,
			Identity:  core.UserIdentity(session.OwnerID).String(),
			Address:   session.Address,
			IPAddress: meta.IPAddress,
			UserAgent: meta.UserAgent,
			Metadata:  map[string]string{"session_id": id},
		})
	}

	return nil
}

// Wait blocks until background event publishing has finished
func (s *AuthService) Wait() {
	s.emit.wait()
}

func (s *AuthService) loginFailed(ctx context.Context, address string, meta core.SessionMeta, err error) error {
	reason := core.ReasonOf(err)

	s.logger.Warn("login failed",
		zap.String("wallet", address),
		zap.String("ip", meta.IPAddress),
		zap.String("reason", string(reason)),
		zap.Error(err))

	s.emit.audit(ctx, core.AuditEvent{
		Action:    core.AuditLoginFailed,
		Identity:  "wallet:" + address,
		Address:   address,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Reason:    reason,
	})

	return err
}

// storageDenial wraps a store failure as a retryable denial
func storageDenial(err error) error {
	if _, ok := core.AsDenial(err); ok {
		return err
	}
	if !errors.Is(err, core.ErrStorageUnavailable) {
		err = fmt.Errorf("%w: %v", core.ErrStorageUnavailable, err)
	}
	return core.Deny(err, "The service could not reach its data store.", "Retry the request shortly.").
		WithRetryAfter(5 * time.Second)
}
