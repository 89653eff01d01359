package tokens

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time

	mu      sync.Mutex
	access  map[string]memoryEntry
	refresh map[string]memoryEntry
}

func NewMemoryStore(accessTTL, refreshTTL time.Duration) *MemoryStore {
	return &MemoryStore{
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
		access:     make(map[string]memoryEntry),
		refresh:    make(map[string]memoryEntry),
	}
}

func (s *MemoryStore) Get(ctx context.Context, principal string) (Pair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	return Pair{
		AccessToken:  s.live(s.access, principal, now),
		RefreshToken: s.live(s.refresh, principal, now),
	}, nil
}

func (s *MemoryStore) live(m map[string]memoryEntry, principal string, now time.Time) string {
	entry, ok := m[principal]
	if !ok {
		return ""
	}
	if !now.Before(entry.expiresAt) {
		delete(m, principal)
		return ""
	}
	return entry.value
}

func (s *MemoryStore) SaveAccess(ctx context.Context, principal, accessToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	ttl := AccessTTL(accessToken, now, s.accessTTL)
	if ttl <= 0 {
		delete(s.access, principal)
		return nil
	}
	s.access[principal] = memoryEntry{value: accessToken, expiresAt: now.Add(ttl)}
	return nil
}

func (s *MemoryStore) SaveRefresh(ctx context.Context, principal, refreshToken string, expiresIn int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ttl := refreshTTL(expiresIn, s.refreshTTL)
	s.refresh[principal] = memoryEntry{value: refreshToken, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context, principal string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.access, principal)
	delete(s.refresh, principal)
	return nil
}
