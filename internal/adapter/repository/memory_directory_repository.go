package repository

import (
	"context"
	"sync"
	"time"

	"marketchat/internal/domain/entity"
	"marketchat/internal/domain/repository"
	"marketchat/pkg/errors"
)

type MemoryUserRepository struct {
	mu    sync.RWMutex
	users map[string]*entity.User
}

var _ repository.UserRepository = (*MemoryUserRepository)(nil)

func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{users: make(map[string]*entity.User)}
}

func (r *MemoryUserRepository) Create(ctx context.Context, user *entity.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.users[user.ID]; exists {
		return errors.Conflict("User already exists")
	}
	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now
	if user.Status == "" {
		user.Status = entity.UserStatusActive
	}
	cp := *user
	r.users[user.ID] = &cp
	return nil
}

func (r *MemoryUserRepository) GetByID(ctx context.Context, id string) (*entity.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[id]
	if !ok {
		return nil, errors.NotFound("User", nil)
	}
	cp := *u
	return &cp, nil
}

type MemoryListingRepository struct {
	mu       sync.RWMutex
	listings map[string]*entity.Listing
}

var _ repository.ListingRepository = (*MemoryListingRepository)(nil)

func NewMemoryListingRepository() *MemoryListingRepository {
	return &MemoryListingRepository{listings: make(map[string]*entity.Listing)}
}

// Save stores a listing. The chat core never calls it; seeding only.
func (r *MemoryListingRepository) Save(listing *entity.Listing) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *listing
	cp.Images = append([]string(nil), listing.Images...)
	r.listings[listing.ID] = &cp
}

func (r *MemoryListingRepository) GetByID(ctx context.Context, id string) (*entity.Listing, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.listings[id]
	if !ok {
		return nil, errors.NotFound("Listing", nil)
	}
	cp := *l
	return &cp, nil
}
