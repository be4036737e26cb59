// Package memory holds in-process repository implementations used when no
// database is configured.
package memory

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/api-gatekeeper/models"
	"github.com/upb/api-gatekeeper/repositories"
	"gopkg.in/yaml.v3"
)

// usersFile is the on-disk shape of USERS_FILE
type usersFile struct {
	Users []*models.User `yaml:"users"`
}

// UserRepository is a map-backed user directory
type UserRepository struct {
	mu         sync.RWMutex
	byID       map[uuid.UUID]*models.User
	byUsername map[string]*models.User
}

// NewUserRepository creates a directory seeded with users
func NewUserRepository(users ...*models.User) *UserRepository {
	r := &UserRepository{
		byID:       make(map[uuid.UUID]*models.User),
		byUsername: make(map[string]*models.User),
	}
	for _, u := range users {
		_ = r.Create(context.Background(), u)
	}
	return r
}

// LoadUserFile reads a YAML user directory.
// Users without an id get one derived from their username so it is stable across restarts.
func LoadUserFile(path string) (*UserRepository, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read users file: %w", err)
	}

	var f usersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse users file %s: %w", path, err)
	}

	r := NewUserRepository()
	now := time.Now()
	for i, u := range f.Users {
		if u == nil || u.Username == "" {
			return nil, fmt.Errorf("users file %s: entry %d has no username", path, i)
		}
		if u.PasswordHash == "" {
			return nil, fmt.Errorf("users file %s: user %q has no password_hash", path, u.Username)
		}
		if u.ID == uuid.Nil {
			u.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("user:"+u.Username))
		}
		if u.Status == "" {
			u.Status = models.UserStatusActive
		}
		u.CreatedAt, u.UpdatedAt = now, now
		if err := r.Create(context.Background(), u); err != nil {
			return nil, fmt.Errorf("users file %s: %w", path, err)
		}
	}

	return r, nil
}

// Create adds a user; usernames and ids must be unique
func (r *UserRepository) Create(_ context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byUsername[user.Username]; ok {
		return fmt.Errorf("duplicate username %q", user.Username)
	}
	if _, ok := r.byID[user.ID]; ok {
		return fmt.Errorf("duplicate user id %s", user.ID)
	}

	stored := *user
	r.byID[user.ID] = &stored
	r.byUsername[user.Username] = &stored
	return nil
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, repositories.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

// GetByUsername retrieves a user by username
func (r *UserRepository) GetByUsername(_ context.Context, username string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.byUsername[username]
	if !ok {
		return nil, fmt.Errorf("user %q: %w", username, repositories.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

// UpdateLastLogin stamps a successful login
func (r *UserRepository) UpdateLastLogin(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("user %s: %w", id, repositories.ErrNotFound)
	}
	u.LastLoginAt = &at
	u.UpdatedAt = at
	return nil
}

// Len returns the number of users
func (r *UserRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
