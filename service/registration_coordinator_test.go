package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/layer-3/tollgate/adapters/store"
	"github.com/layer-3/tollgate/core"
	"github.com/layer-3/tollgate/service"
)

func registrationRequest(result *service.LoginResult, username, burnTx string) core.RegistrationRequest {
	return core.RegistrationRequest{
		UserID:   result.User.ID,
		Address:  result.User.Address,
		Username: username,
		BurnTx:   burnTx,
	}
}

func TestRegistration_Success(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := newWallet(t)
	h.oracle.Set(w.Address, 2500)
	login := h.login(t, w)

	result, err := h.register.Register(ctx, registrationRequest(login, "  Satoshi_42 ", "burn-1"), core.SessionMeta{})
	require.NoError(t, err)
	assert.Equal(t, "satoshi_42", result.Username)
	assert.Equal(t, core.StateCommitted, result.State)
	assert.Equal(t, core.BurnVerified, result.BurnStatus)
	assert.False(t, result.AlreadyRegistered)

	user, err := h.users.GetUserByID(ctx, login.User.ID)
	require.NoError(t, err)
	assert.Equal(t, "satoshi_42", user.Username)

	audits, err := h.users.BurnAudits(ctx, "burn-1")
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, core.BurnVerified, audits[0].Status)

	h.register.Wait()
	assert.Contains(t, h.events.Actions(), core.AuditRegistration)
	assert.Contains(t, h.events.Reputations(), core.ReputationEvent{
		Identity:   core.UserIdentity(login.User.ID).String(),
		Address:    w.Address,
		Type:       core.ReputationRegistration,
		OccurredAt: h.clock.Now(),
	})
}

func TestRegistration_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := newWallet(t)
	h.oracle.Set(w.Address, 2500)
	login := h.login(t, w)

	_, err := h.register.Register(ctx, registrationRequest(login, "alice", "burn-1"), core.SessionMeta{})
	require.NoError(t, err)

	h.oracle.Set(w.Address, 0)
	result, err := h.register.Register(ctx, registrationRequest(login, "someone_else", "burn-2"), core.SessionMeta{})
	require.NoError(t, err)
	assert.True(t, result.AlreadyRegistered)
	assert.Equal(t, "alice", result.Username)

	assert.Equal(t, []string{"burn-1"}, h.burns.checks)
}

func TestRegistration_ConcurrentClaimsOneWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const contenders = 8
	logins := make([]*service.LoginResult, contenders)
	for i := range logins {
		w := newWallet(t)
		h.oracle.Set(w.Address, 5000)
		logins[i] = h.login(t, w)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		reasons []core.ReasonCode
	)
	for i, login := range logins {
		wg.Add(1)
		go func(i int, login *service.LoginResult) {
			defer wg.Done()
			_, err := h.register.Register(ctx, registrationRequest(login, "alice", fmt.Sprintf("burn-%d", i)), core.SessionMeta{})

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners++
				return
			}
			reasons = append(reasons, core.ReasonOf(err))
		}(i, login)
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	require.Len(t, reasons, contenders-1)
	for _, reason := range reasons {
		assert.Equal(t, core.ReasonUsernameTaken, reason)
	}
}

func TestRegistration_Denials(t *testing.T) {
	tests := []struct {
		name     string
		balance  int64
		username string
		burnTx   string
		setup    func(h *harness)
		want     core.ReasonCode
		check    func(t *testing.T, d *core.Denial)
	}{
		{
			name:     "invalid username",
			balance:  5000,
			username: "no spaces allowed",
			burnTx:   "burn-1",
			want:     core.ReasonInvalidUsername,
		},
		{
			name:     "missing burn reference",
			balance:  5000,
			username: "alice",
			want:     core.ReasonInvalidRequest,
		},
		{
			name:     "insufficient balance",
			balance:  400,
			username: "alice",
			burnTx:   "burn-1",
			want:     core.ReasonInsufficientBalance,
			check: func(t *testing.T, d *core.Denial) {
				assert.Equal(t, "600", d.Details["shortfall"])
				assert.Equal(t, "1000", d.Details["required"])
			},
		},
		{
			name:     "oracle unavailable counts as zero balance",
			balance:  5000,
			username: "alice",
			burnTx:   "burn-1",
			setup:    func(h *harness) { h.oracle.Fail(errDown) },
			want:     core.ReasonInsufficientBalance,
			check: func(t *testing.T, d *core.Denial) {
				assert.Equal(t, true, d.Details["oracle_unavailable"])
			},
		},
		{
			name:     "burn rejected",
			balance:  5000,
			username: "alice",
			burnTx:   "burn-1",
			setup:    func(h *harness) { h.burns.ok = false },
			want:     core.ReasonBurnRejected,
			check: func(t *testing.T, d *core.Denial) {
				assert.Equal(t, string(core.StateFailed), d.Details["state"])
				assert.Equal(t, string(core.StateBalanceChecked), d.Details["failed_after"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			w := newWallet(t)
			h.oracle.Set(w.Address, tt.balance)
			if tt.setup != nil {
				tt.setup(h)
			}
			login := h.login(t, w)

			_, err := h.register.Register(context.Background(), registrationRequest(login, tt.username, tt.burnTx), core.SessionMeta{})
			denial := requireReason(t, err, tt.want)
			if tt.check != nil {
				tt.check(t, denial)
			}

			user, err := h.users.GetUserByID(context.Background(), login.User.ID)
			require.NoError(t, err)
			assert.False(t, user.HasUsername())
			assert.Contains(t, h.events.Actions(), core.AuditRegistrationFailed)
		})
	}
}

func TestRegistration_BurnAlreadyUsed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, second := newWallet(t), newWallet(t)
	h.oracle.Set(first.Address, 5000)
	h.oracle.Set(second.Address, 5000)

	_, err := h.register.Register(ctx, registrationRequest(h.login(t, first), "alice", "burn-1"), core.SessionMeta{})
	require.NoError(t, err)

	_, err = h.register.Register(ctx, registrationRequest(h.login(t, second), "bob", "burn-1"), core.SessionMeta{})
	requireReason(t, err, core.ReasonBurnAlreadyUsed)
}

func TestRegistration_UnverifiedBurnPolicy(t *testing.T) {
	t.Run("allowed", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		w := newWallet(t)
		h.oracle.Set(w.Address, 5000)
		h.burns.err = errDown
		login := h.login(t, w)

		result, err := h.register.Register(ctx, registrationRequest(login, "alice", "burn-1"), core.SessionMeta{})
		require.NoError(t, err)
		assert.Equal(t, core.BurnUnverified, result.BurnStatus)
		assert.Equal(t, core.StateCommitted, result.State)

		audits, err := h.users.BurnAudits(ctx, "burn-1")
		require.NoError(t, err)
		require.Len(t, audits, 1)
		assert.Equal(t, core.BurnUnverified, audits[0].Status)
		assert.Contains(t, h.events.Actions(), core.AuditBurnUnverified)
	})

	t.Run("refused", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		w := newWallet(t)
		h.oracle.Set(w.Address, 5000)
		h.burns.err = errDown
		login := h.login(t, w)

		strict := service.NewRegistrationCoordinator(service.RegistrationCoordinatorConfig{
			Users:  h.users,
			Oracle: h.oracle,
			Burns:  h.burns,
			Events: h.events,
			Logger: zaptest.NewLogger(t),
			Policy: service.RegistrationPolicy{
				RequiredBalance: decimal.NewFromInt(1000),
				BurnAmount:      decimal.NewFromInt(100),
			},
			Now: h.clock.Now,
		})

		_, err := strict.Register(ctx, registrationRequest(login, "alice", "burn-1"), core.SessionMeta{})
		denial := requireReason(t, err, core.ReasonBurnUnverified)
		assert.Positive(t, denial.RetryAfter)

		audits, err := h.users.BurnAudits(ctx, "burn-1")
		require.NoError(t, err)
		require.Len(t, audits, 1)
		assert.Equal(t, core.BurnUnverified, audits[0].Status)
		assert.Contains(t, h.events.Actions(), core.AuditBurnUnverified)
	})
}

func TestRegistration_UnknownUser(t *testing.T) {
	h := newHarness(t)

	_, err := h.register.Register(context.Background(), core.RegistrationRequest{
		UserID:   "missing",
		Username: "alice",
		BurnTx:   "burn-1",
	}, core.SessionMeta{})
	requireReason(t, err, core.ReasonSessionNotFound)
}

func TestRegistration_WithSQLiteStore(t *testing.T) {
	ctx := context.Background()
	users, err := store.NewSQLUserStore(ctx, store.DriverSQLite, t.TempDir()+"/users.db", core.TierFree)
	require.NoError(t, err)
	t.Cleanup(func() { _ = users.Close() })

	oracle := newOracle()
	user, err := users.EnsureUser(ctx, "0x52908400098527886E0F7030069857D2E4169EE7")
	require.NoError(t, err)
	oracle.Set(user.Address, 5000)

	coordinator := service.NewRegistrationCoordinator(service.RegistrationCoordinatorConfig{
		Users:  users,
		Oracle: oracle,
		Burns:  &fakeBurns{ok: true},
		Logger: zaptest.NewLogger(t),
		Policy: service.RegistrationPolicy{
			RequiredBalance: decimal.NewFromInt(1000),
			BurnAmount:      decimal.NewFromInt(100),
		},
	})

	result, err := coordinator.Register(ctx, core.RegistrationRequest{
		UserID:   user.ID,
		Address:  user.Address,
		Username: "Vitalik",
		BurnTx:   "0xabc",
	}, core.SessionMeta{})
	require.NoError(t, err)
	assert.Equal(t, "vitalik", result.Username)

	audits, err := users.BurnAudits(ctx, "0xabc")
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.True(t, audits[0].Expected.Equal(decimal.NewFromInt(100)))
}
