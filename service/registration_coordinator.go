package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/layer-3/tollgate/core"
	"github.com/layer-3/tollgate/ports"
)

// RegistrationPolicy sets what a username costs
type RegistrationPolicy struct {
	// RequiredBalance must be held at registration time
	RequiredBalance decimal.Decimal
	// BurnAmount must be burned by the referenced transaction
	BurnAmount decimal.Decimal
	// AllowUnverifiedBurn lets registration proceed when the ledger cannot
	// be reached to check the burn. The outcome is recorded as unverified.
	AllowUnverifiedBurn bool

	OracleTimeout     time.Duration
	BurnVerifyTimeout time.Duration
}

// RegistrationCoordinatorConfig wires the RegistrationCoordinator
type RegistrationCoordinatorConfig struct {
	Users  ports.UserStore
	Oracle ports.BalanceOracle
	Burns  ports.BurnVerifier
	Events ports.EventPublisher
	Logger *zap.Logger
	Policy RegistrationPolicy
	Now    func() time.Time
}

// RegistrationCoordinator binds a unique username to a wallet against a burn proof.
// It moves through idle, balance_checked, burn_verified and committed, or fails.
type RegistrationCoordinator struct {
	users  ports.UserStore
	oracle ports.BalanceOracle
	burns  ports.BurnVerifier
	emit   *emitter
	logger *zap.Logger
	policy RegistrationPolicy
	now    func() time.Time
}

// NewRegistrationCoordinator creates a registration coordinator
func NewRegistrationCoordinator(cfg RegistrationCoordinatorConfig) *RegistrationCoordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("registration")

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	policy := cfg.Policy
	if policy.OracleTimeout <= 0 {
		policy.OracleTimeout = 3 * time.Second
	}
	if policy.BurnVerifyTimeout <= 0 {
		policy.BurnVerifyTimeout = 5 * time.Second
	}

	return &RegistrationCoordinator{
		users:  cfg.Users,
		oracle: cfg.Oracle,
		burns:  cfg.Burns,
		emit:   newEmitter(cfg.Events, logger, now),
		logger: logger,
		policy: policy,
		now:    now,
	}
}

// Register claims req.Username for the user. A user who already holds a
// username gets it back unchanged.
func (c *RegistrationCoordinator) Register(ctx context.Context, req core.RegistrationRequest, meta core.SessionMeta) (*core.RegistrationResult, error) {
	state := core.StateIdle

	user, err := c.users.GetUserByID(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, core.ErrUserNotFound) {
			return nil, c.fail(ctx, req, meta, state, core.Deny(core.ErrSessionNotFound,
				"The session does not belong to a known wallet.", "Log in again with your wallet."))
		}
		return nil, c.fail(ctx, req, meta, state, storageDenial(err))
	}

	if user.HasUsername() {
		return &core.RegistrationResult{
			User:              user,
			Username:          user.Username,
			State:             core.StateCommitted,
			AlreadyRegistered: true,
		}, nil
	}

	username, err := core.NormalizeUsername(req.Username)
	if err != nil {
		return nil, c.fail(ctx, req, meta, state, core.Deny(err,
			"Usernames are 3 to 20 characters of lowercase letters, digits or underscores.",
			"Choose a username matching that pattern."))
	}

	burnTx := strings.TrimSpace(req.BurnTx)
	if burnTx == "" && c.policy.BurnAmount.IsPositive() {
		return nil, c.fail(ctx, req, meta, state, core.Deny(
			fmt.Errorf("%w: burn transaction missing", core.ErrInvalidRequest),
			"A burn transaction reference is required to register a username.",
			fmt.Sprintf("Burn %s tokens from your wallet and submit the transaction signature.", c.policy.BurnAmount.String())))
	}

	if err := c.checkBalance(ctx, user); err != nil {
		return nil, c.fail(ctx, req, meta, state, err)
	}
	state = core.StateBalanceChecked

	var burnStatus core.BurnStatus
	if c.policy.BurnAmount.IsPositive() {
		burnStatus, err = c.verifyBurn(ctx, user, username, burnTx)
		if err != nil {
			return nil, c.fail(ctx, req, meta, state, err)
		}
	} else {
		burnTx = ""
	}
	if burnStatus != core.BurnUnverified {
		state = core.StateBurnVerified
	}

	claimed, err := c.users.ClaimUsername(ctx, core.UsernameClaim{
		UserID:     user.ID,
		Username:   username,
		BurnTx:     burnTx,
		BurnStatus: burnStatus,
		ClaimedAt:  c.now().UTC(),
	})
	if err != nil {
		switch {
		case errors.Is(err, core.ErrUsernameTaken):
			err = core.Deny(err, fmt.Sprintf("The username %q is already taken.", username), "Pick another username.")
		case errors.Is(err, core.ErrBurnAlreadyUsed):
			err = core.Deny(err, "This burn transaction has already been used for a registration.",
				"Submit a new burn transaction.")
		default:
			err = storageDenial(err)
		}
		return nil, c.fail(ctx, req, meta, state, err)
	}

	result := &core.RegistrationResult{
		User:              claimed,
		Username:          claimed.Username,
		State:             core.StateCommitted,
		BurnStatus:        burnStatus,
		AlreadyRegistered: claimed.Username != username,
	}
	if result.AlreadyRegistered {
		result.BurnStatus = ""
		return result, nil
	}

	c.logger.Info("username registered",
		zap.String("user_id", claimed.ID),
		zap.String("wallet", claimed.Address),
		zap.String("username", claimed.Username),
		zap.String("burn_tx", burnTx),
		zap.String("burn_status", string(burnStatus)))

	c.emit.audit(ctx, core.AuditEvent{
		Action:    core.AuditRegistration,
		Identity:  core.UserIdentity(claimed.ID).String(),
		Address:   claimed.Address,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Metadata: map[string]string{
			"username":    claimed.Username,
			"burn_tx":     burnTx,
			"burn_status": string(burnStatus),
		},
	})
	c.emit.reputation(ctx, core.ReputationEvent{
		Identity: core.UserIdentity(claimed.ID).String(),
		Address:  claimed.Address,
		Type:     core.ReputationRegistration,
	})

	return result, nil
}

// Wait blocks until background event publishing has finished
func (c *RegistrationCoordinator) Wait() {
	c.emit.wait()
}

// checkBalance reads the live balance. An oracle failure counts as a zero balance.
func (c *RegistrationCoordinator) checkBalance(ctx context.Context, user *core.User) error {
	if !c.policy.RequiredBalance.IsPositive() {
		return nil
	}

	oracleCtx, cancel := context.WithTimeout(ctx, c.policy.OracleTimeout)
	defer cancel()

	balance, err := c.oracle.GetBalance(oracleCtx, user.Address)
	oracleFailed := err != nil
	if oracleFailed {
		c.logger.Warn("balance oracle failed during registration",
			zap.String("wallet", user.Address), zap.Error(err))
		balance = decimal.Zero
	}

	if balance.GreaterThanOrEqual(c.policy.RequiredBalance) {
		return nil
	}

	shortfall := c.policy.RequiredBalance.Sub(balance)
	denial := core.Deny(core.ErrInsufficientBalance,
		fmt.Sprintf("Registration requires holding %s tokens; the wallet holds %s.", c.policy.RequiredBalance.String(), balance.String()),
		fmt.Sprintf("Acquire %s more tokens and retry.", shortfall.String())).
		WithDetail("required", c.policy.RequiredBalance.String()).
		WithDetail("balance", balance.String()).
		WithDetail("shortfall", shortfall.String())
	if oracleFailed {
		denial.Remedy = "The balance could not be read from the ledger. Retry shortly."
		denial.WithDetail("oracle_unavailable", true).WithRetryAfter(5 * time.Second)
	}
	return denial
}

// verifyBurn checks the burn proof and records the outcome in the burn audit trail.
// An unreachable ledger yields BurnUnverified, which never counts as verified.
func (c *RegistrationCoordinator) verifyBurn(ctx context.Context, user *core.User, username, burnTx string) (core.BurnStatus, error) {
	verifyCtx, cancel := context.WithTimeout(ctx, c.policy.BurnVerifyTimeout)
	defer cancel()

	ok, err := c.burns.VerifyBurn(verifyCtx, burnTx, user.Address, c.policy.BurnAmount)

	audit := core.BurnAudit{
		Address:    user.Address,
		Username:   username,
		BurnTx:     burnTx,
		Expected:   c.policy.BurnAmount,
		RecordedAt: c.now().UTC(),
	}

	switch {
	case err != nil:
		audit.Status = core.BurnUnverified
		audit.Detail = err.Error()
	case ok:
		audit.Status = core.BurnVerified
		audit.Detail = "burn confirmed on ledger"
	default:
		audit.Status = core.BurnRejected
		audit.Detail = "transaction does not burn the required amount from this wallet"
	}

	if recErr := c.users.RecordBurnAudit(ctx, audit); recErr != nil {
		c.logger.Error("failed to record burn audit",
			zap.String("burn_tx", burnTx), zap.String("status", string(audit.Status)), zap.Error(recErr))
		if audit.Status == core.BurnUnverified {
			return audit.Status, storageDenial(recErr)
		}
	}

	switch audit.Status {
	case core.BurnRejected:
		return audit.Status, core.Deny(core.ErrBurnRejected,
			"The transaction does not burn the required amount from this wallet.",
			fmt.Sprintf("Submit a finalized transaction burning at least %s tokens from your wallet.", c.policy.BurnAmount.String())).
			WithDetail("burn_tx", burnTx).
			WithDetail("expected", c.policy.BurnAmount.String())

	case core.BurnUnverified:
		c.logger.Warn("burn could not be verified",
			zap.String("wallet", user.Address),
			zap.String("burn_tx", burnTx),
			zap.Bool("proceeding", c.policy.AllowUnverifiedBurn),
			zap.Error(err))

		c.emit.audit(ctx, core.AuditEvent{
			Action:   core.AuditBurnUnverified,
			Identity: core.UserIdentity(user.ID).String(),
			Address:  user.Address,
			Reason:   core.ReasonBurnUnverified,
			Metadata: map[string]string{
				"username":   username,
				"burn_tx":    burnTx,
				"proceeding": fmt.Sprint(c.policy.AllowUnverifiedBurn),
			},
		})

		if !c.policy.AllowUnverifiedBurn {
			return audit.Status, core.Deny(fmt.Errorf("%w: %v", core.ErrBurnUnverified, err),
				"The burn transaction could not be verified because the ledger is unreachable.",
				"Retry the registration shortly.").
				WithRetryAfter(10 * time.Second).
				WithDetail("burn_tx", burnTx)
		}
	}

	return audit.Status, nil
}

func (c *RegistrationCoordinator) fail(ctx context.Context, req core.RegistrationRequest, meta core.SessionMeta, state core.RegistrationState, err error) error {
	reason := core.ReasonOf(err)

	c.logger.Info("registration failed",
		zap.String("user_id", req.UserID),
		zap.String("username", req.Username),
		zap.String("state", string(state)),
		zap.String("reason", string(reason)),
		zap.Error(err))

	c.emit.audit(ctx, core.AuditEvent{
		Action:    core.AuditRegistrationFailed,
		Identity:  core.UserIdentity(req.UserID).String(),
		Address:   req.Address,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Reason:    reason,
		Metadata: map[string]string{
			"username":     req.Username,
			"burn_tx":      req.BurnTx,
			"failed_after": string(state),
		},
	})

	if d, ok := core.AsDenial(err); ok {
		d.WithDetail("state", string(core.StateFailed)).WithDetail("failed_after", string(state))
	}
	return err
}
