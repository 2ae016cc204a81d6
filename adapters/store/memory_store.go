package store

import (
	"context"
	"sync"
	"time"

	"github.com/layer-3/tollgate/core"
	"github.com/layer-3/tollgate/ports"
)

// DefaultUsageRetention is how long a day's usage counter outlives its last increment
const DefaultUsageRetention = 90 * 24 * time.Hour

// MemoryStore is an in-memory implementation of the challenge, session and
// counter stores. It is intended for tests and single-instance development.
type MemoryStore struct {
	mu         sync.Mutex
	now        func() time.Time
	challenges map[string]core.Challenge
	sessions   map[string]core.Session
	usage      map[string]int64
	windows    map[string]memoryWindow
}

type memoryWindow struct {
	count     int64
	expiresAt time.Time
}

var (
	_ ports.ChallengeStore = (*MemoryStore)(nil)
	_ ports.SessionStore   = (*MemoryStore)(nil)
	_ ports.UsageStore     = (*MemoryStore)(nil)
	_ ports.RateLimitStore = (*MemoryStore)(nil)
)

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:        time.Now,
		challenges: make(map[string]core.Challenge),
		sessions:   make(map[string]core.Session),
		usage:      make(map[string]int64),
		windows:    make(map[string]memoryWindow),
	}
}

// WithClock replaces the store's time source
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.now = now
	return s
}

// PutChallenge replaces the wallet's challenge
func (s *MemoryStore) PutChallenge(ctx context.Context, challenge core.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	challenge.Consumed = false
	s.challenges[challenge.Address] = challenge
	return nil
}

// ConsumeChallenge checks and consumes the wallet's challenge under one lock
func (s *MemoryStore) ConsumeChallenge(ctx context.Context, address, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	challenge, ok := s.challenges[address]
	if !ok || !challenge.Live(s.now()) {
		return core.ErrChallengeExpiredOrConsumed
	}

	if challenge.Text != message {
		return core.ErrChallengeMismatch
	}

	challenge.Consumed = true
	s.challenges[address] = challenge
	return nil
}

// PutSession stores a session
func (s *MemoryStore) PutSession(ctx context.Context, session core.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[session.ID] = session
	return nil
}

// GetSession retrieves a live session
func (s *MemoryStore) GetSession(ctx context.Context, id string) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, core.ErrSessionNotFound
	}

	if session.Expired(s.now()) {
		delete(s.sessions, id)
		return nil, core.ErrSessionNotFound
	}

	return &session, nil
}

// DeleteSession removes a session
func (s *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	return nil
}

// GetUsage returns the counter for identity on bucket
func (s *MemoryStore) GetUsage(ctx context.Context, identity core.Identity, bucket string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.usage[usageKey(identity, bucket)], nil
}

// IncrementUsage increments the counter for identity on bucket
func (s *MemoryStore) IncrementUsage(ctx context.Context, identity core.Identity, bucket string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := usageKey(identity, bucket)
	s.usage[key]++
	return s.usage[key], nil
}

// IncrementUsageBelow increments the counter only while it is below limit
func (s *MemoryStore) IncrementUsageBelow(ctx context.Context, identity core.Identity, bucket string, limit int64) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := usageKey(identity, bucket)
	if s.usage[key] >= limit {
		return s.usage[key], false, nil
	}

	s.usage[key]++
	return s.usage[key], true, nil
}

// IncrementWindow increments a fixed-window counter
func (s *MemoryStore) IncrementWindow(ctx context.Context, key string, windowEnd time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !s.now().Before(w.expiresAt) {
		w = memoryWindow{expiresAt: windowEnd}
	}

	w.count++
	s.windows[key] = w
	return w.count, nil
}

// Clear removes all data from the store
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.challenges = make(map[string]core.Challenge)
	s.sessions = make(map[string]core.Session)
	s.usage = make(map[string]int64)
	s.windows = make(map[string]memoryWindow)
}

func usageKey(identity core.Identity, bucket string) string {
	return identity.String() + ":" + bucket
}
