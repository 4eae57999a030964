package service

import (
	"context"

	"marketchat/internal/domain/entity"
)

// SessionResolver turns a connection or request credential into a verified
// identity. Implementations return UNAUTHENTICATED when no identity can be
// resolved and FORBIDDEN for suspended users.
type SessionResolver interface {
	ResolveUser(ctx context.Context, credential string) (*entity.Identity, error)
}
