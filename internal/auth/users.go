package auth

import (
	"context"
	"sync"

	"github.com/mmynk/cashflow/internal/models"
)

// MemoryUsers is a UserStorage kept in process memory. It backs the
// memory and redis drivers, which have no users table.
type MemoryUsers struct {
	mu      sync.RWMutex
	byID    map[string]*models.User
	byEmail map[string]*models.User
}

var _ UserStorage = (*MemoryUsers)(nil)

func NewMemoryUsers() *MemoryUsers {
	return &MemoryUsers{
		byID:    make(map[string]*models.User),
		byEmail: make(map[string]*models.User),
	}
}

func (s *MemoryUsers) CreateUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEmail[user.Email]; ok {
		return ErrEmailExists
	}
	u := *user
	s.byID[u.ID] = &u
	s.byEmail[u.Email] = &u
	return nil
}

func (s *MemoryUsers) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u, ok := s.byEmail[email]; ok {
		c := *u
		return &c, nil
	}
	return nil, nil
}

func (s *MemoryUsers) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u, ok := s.byID[id]; ok {
		c := *u
		return &c, nil
	}
	return nil, nil
}
