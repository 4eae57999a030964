package firebase

import (
	"context"
	"strings"

	"marketchat/internal/domain/entity"
	"marketchat/internal/domain/repository"
	"marketchat/internal/domain/service"
	"marketchat/pkg/errors"
)

// DevTokenPrefix marks development credentials of the form "dev:<userID>".
const DevTokenPrefix = "dev:"

// DevSessionResolver accepts development credentials without any signature
// check. It is only wired for the memory storage driver.
type DevSessionResolver struct {
	userRepo repository.UserRepository
}

var _ service.SessionResolver = (*DevSessionResolver)(nil)

func NewDevSessionResolver(userRepo repository.UserRepository) *DevSessionResolver {
	return &DevSessionResolver{userRepo: userRepo}
}

func (r *DevSessionResolver) ResolveUser(ctx context.Context, credential string) (*entity.Identity, error) {
	uid := strings.TrimPrefix(credential, DevTokenPrefix)
	if !strings.HasPrefix(credential, DevTokenPrefix) || uid == "" {
		return nil, errors.Unauthenticated("Invalid development token", nil)
	}
	return resolveProfile(ctx, r.userRepo, uid, nil)
}
