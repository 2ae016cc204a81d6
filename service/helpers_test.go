package service_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/layer-3/tollgate/adapters/store"
	"github.com/layer-3/tollgate/adapters/tokenizer"
	"github.com/layer-3/tollgate/adapters/wallet"
	"github.com/layer-3/tollgate/core"
	"github.com/layer-3/tollgate/service"
)

var errDown = errors.New("connection refused")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newClock starts at the current second so that tokens, which are validated
// against wall time, stay valid.
func newClock() *fakeClock {
	return &fakeClock{now: time.Now().UTC().Truncate(time.Second)}
}

type fakeOracle struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	err      error
	block    bool
	calls    int
}

func newOracle() *fakeOracle {
	return &fakeOracle{balances: make(map[string]decimal.Decimal)}
}

func (o *fakeOracle) Set(address string, balance int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.balances[address] = decimal.NewFromInt(balance)
}

func (o *fakeOracle) Fail(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
}

func (o *fakeOracle) Hang() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.block = true
}

func (o *fakeOracle) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	o.mu.Lock()
	o.calls++
	block, err, balance := o.block, o.err, o.balances[address]
	o.mu.Unlock()

	if block {
		<-ctx.Done()
		return decimal.Zero, ctx.Err()
	}
	if err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

type fakeBurns struct {
	mu     sync.Mutex
	ok     bool
	err    error
	checks []string
}

func (b *fakeBurns) VerifyBurn(ctx context.Context, txRef, address string, expected decimal.Decimal) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.checks = append(b.checks, txRef)
	return b.ok, b.err
}

type recordingPublisher struct {
	mu          sync.Mutex
	audits      []core.AuditEvent
	reputations []core.ReputationEvent
	err         error
}

func (p *recordingPublisher) PublishAudit(ctx context.Context, event core.AuditEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}
	p.audits = append(p.audits, event)
	return nil
}

func (p *recordingPublisher) PublishReputation(ctx context.Context, event core.ReputationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}
	p.reputations = append(p.reputations, event)
	return nil
}

func (p *recordingPublisher) Actions() []core.AuditAction {
	p.mu.Lock()
	defer p.mu.Unlock()

	actions := make([]core.AuditAction, 0, len(p.audits))
	for _, e := range p.audits {
		actions = append(actions, e.Action)
	}
	return actions
}

func (p *recordingPublisher) Reputations() []core.ReputationEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]core.ReputationEvent(nil), p.reputations...)
}

// brokenCounters fails every counter operation
type brokenCounters struct{}

func (brokenCounters) GetUsage(context.Context, core.Identity, string) (int64, error) {
	return 0, errDown
}

func (brokenCounters) IncrementUsage(context.Context, core.Identity, string) (int64, error) {
	return 0, errDown
}

func (brokenCounters) IncrementUsageBelow(context.Context, core.Identity, string, int64) (int64, bool, error) {
	return 0, false, errDown
}

func (brokenCounters) IncrementWindow(context.Context, string, time.Time) (int64, error) {
	return 0, errDown
}

type testWallet struct {
	Address string
	key     ed25519.PrivateKey
}

func newWallet(t *testing.T) testWallet {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	return testWallet{Address: base58.Encode(pub), key: priv}
}

func (w testWallet) Sign(message string) []byte {
	return ed25519.Sign(w.key, []byte(message))
}

type harness struct {
	clock    *fakeClock
	store    *store.MemoryStore
	users    *store.MemoryUserStore
	oracle   *fakeOracle
	burns    *fakeBurns
	events   *recordingPublisher
	tiers    *service.TierResolver
	quota    *service.QuotaTracker
	auth     *service.AuthService
	access   *service.AccessService
	register *service.RegistrationCoordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	table := core.DefaultTierTable()

	h := &harness{
		clock:  newClock(),
		users:  store.NewMemoryUserStore(table.Lowest().Name),
		oracle: newOracle(),
		burns:  &fakeBurns{ok: true},
		events: &recordingPublisher{},
	}
	h.store = store.NewMemoryStore().WithClock(h.clock.Now)

	h.auth = service.NewAuthService(service.AuthServiceConfig{
		Verifier:   wallet.NewVerifier(),
		Tokenizer:  tokenizer.NewJWTTokenizer(key, "tollgate-test"),
		Challenges: h.store,
		Sessions:   h.store,
		Users:      h.users,
		Events:     h.events,
		Logger:     logger,
		Now:        h.clock.Now,
	})
	h.tiers = service.NewTierResolver(h.oracle, h.users, table, 50*time.Millisecond, logger)
	h.quota = service.NewQuotaTracker(h.store, table, logger, h.clock.Now)
	h.access = service.NewAccessService(h.tiers, h.quota)
	h.register = service.NewRegistrationCoordinator(service.RegistrationCoordinatorConfig{
		Users:  h.users,
		Oracle: h.oracle,
		Burns:  h.burns,
		Events: h.events,
		Logger: logger,
		Policy: service.RegistrationPolicy{
			RequiredBalance:     decimal.NewFromInt(1000),
			BurnAmount:          decimal.NewFromInt(100),
			AllowUnverifiedBurn: true,
			OracleTimeout:       50 * time.Millisecond,
			BurnVerifyTimeout:   50 * time.Millisecond,
		},
		Now: h.clock.Now,
	})

	t.Cleanup(func() {
		h.auth.Wait()
		h.register.Wait()
	})

	return h
}

// login runs the challenge and signature flow for w
func (h *harness) login(t *testing.T, w testWallet) *service.LoginResult {
	t.Helper()
	ctx := context.Background()

	challenge, err := h.auth.IssueChallenge(ctx, w.Address)
	require.NoError(t, err)

	result, err := h.auth.Login(ctx, service.LoginRequest{
		Address:   w.Address,
		Message:   challenge.Text,
		Signature: w.Sign(challenge.Text),
	}, core.SessionMeta{IPAddress: "203.0.113.7", UserAgent: "test"})
	require.NoError(t, err)

	return result
}

func requireReason(t *testing.T, err error, want core.ReasonCode) *core.Denial {
	t.Helper()

	require.Error(t, err)
	denial, ok := core.AsDenial(err)
	require.True(t, ok, "expected a denial, got %v", err)
	require.Equal(t, want, denial.Code)
	return denial
}
