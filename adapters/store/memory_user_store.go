package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/layer-3/tollgate/core"
	"github.com/layer-3/tollgate/ports"
)

// MemoryUserStore is an in-memory ports.UserStore with the same uniqueness
// guarantees as the SQL store.
type MemoryUserStore struct {
	mu          sync.RWMutex
	defaultTier string
	users       map[string]core.User
	byAddress   map[string]string
	byUsername  map[string]string
	byBurnTx    map[string]string
	burnAudits  []core.BurnAudit
	auditLog    []core.AuditEvent
}

var _ ports.UserStore = (*MemoryUserStore)(nil)

// NewMemoryUserStore creates an empty user store
func NewMemoryUserStore(defaultTier string) *MemoryUserStore {
	return &MemoryUserStore{
		defaultTier: defaultTier,
		users:       make(map[string]core.User),
		byAddress:   make(map[string]string),
		byUsername:  make(map[string]string),
		byBurnTx:    make(map[string]string),
	}
}

func (s *MemoryUserStore) EnsureUser(ctx context.Context, address string) (*core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byAddress[address]; ok {
		user := s.users[id]
		return &user, nil
	}

	user := core.User{
		ID:              uuid.New().String(),
		Address:         address,
		BalanceSnapshot: decimal.Zero,
		TierSnapshot:    s.defaultTier,
		CreatedAt:       time.Now().UTC(),
	}
	s.users[user.ID] = user
	s.byAddress[address] = user.ID

	return &user, nil
}

func (s *MemoryUserStore) GetUserByID(ctx context.Context, id string) (*core.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, core.ErrUserNotFound
	}
	return &user, nil
}

func (s *MemoryUserStore) GetUserByAddress(ctx context.Context, address string) (*core.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byAddress[address]
	if !ok {
		return nil, core.ErrUserNotFound
	}
	user := s.users[id]
	return &user, nil
}

func (s *MemoryUserStore) UpdateTierSnapshot(ctx context.Context, userID string, balance decimal.Decimal, tier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return core.ErrUserNotFound
	}

	user.BalanceSnapshot = balance
	user.TierSnapshot = tier
	s.users[userID] = user
	return nil
}

// ClaimUsername binds a username under the store lock
func (s *MemoryUserStore) ClaimUsername(ctx context.Context, claim core.UsernameClaim) (*core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[claim.UserID]
	if !ok {
		return nil, core.ErrUserNotFound
	}

	if user.HasUsername() {
		return &user, nil
	}

	if _, taken := s.byUsername[claim.Username]; taken {
		return nil, core.ErrUsernameTaken
	}

	if claim.BurnTx != "" {
		if _, used := s.byBurnTx[claim.BurnTx]; used {
			return nil, core.ErrBurnAlreadyUsed
		}
		s.byBurnTx[claim.BurnTx] = user.ID
	}

	user.Username = claim.Username
	s.users[user.ID] = user
	s.byUsername[claim.Username] = user.ID

	return &user, nil
}

func (s *MemoryUserStore) RecordBurnAudit(ctx context.Context, audit core.BurnAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if audit.ID == "" {
		audit.ID = uuid.New().String()
	}
	s.burnAudits = append(s.burnAudits, audit)
	return nil
}

// BurnAudits lists the audit trail of a burn reference, oldest first
func (s *MemoryUserStore) BurnAudits(ctx context.Context, burnTx string) ([]core.BurnAudit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var audits []core.BurnAudit
	for _, a := range s.burnAudits {
		if a.BurnTx == burnTx {
			audits = append(audits, a)
		}
	}
	return audits, nil
}

func (s *MemoryUserStore) AppendAudit(ctx context.Context, event core.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.auditLog {
		if event.ID != "" && e.ID == event.ID {
			return nil
		}
	}
	s.auditLog = append(s.auditLog, event)
	return nil
}

// AuditLog returns a copy of the security audit log
func (s *MemoryUserStore) AuditLog() []core.AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]core.AuditEvent, len(s.auditLog))
	copy(out, s.auditLog)
	return out
}

func (s *MemoryUserStore) Close() error {
	return nil
}
