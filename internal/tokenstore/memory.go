package tokenstore

import (
	"context"
	"sync"

	"github.com/wolfeidau/storefront/internal/models"
)

// MemoryStore keeps the session in process memory. Data is lost on exit.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens Tokens
	user   *models.UserProfile
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) GetTokens(ctx context.Context) (Tokens, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens, nil
}

func (s *MemoryStore) SetTokens(ctx context.Context, access, refresh string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = Tokens{AccessToken: access, RefreshToken: refresh}
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context) (*models.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user.Clone(), nil
}

func (s *MemoryStore) SetUser(ctx context.Context, profile *models.UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = profile.Clone()
	return nil
}

func (s *MemoryStore) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = Tokens{}
	s.user = nil
	return nil
}
