package repository

import (
	"context"

	"marketchat/internal/domain/entity"
)

// ListingRepository is a read-only view of the listings domain.
type ListingRepository interface {
	GetByID(ctx context.Context, id string) (*entity.Listing, error)
}
