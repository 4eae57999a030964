package firebase

import (
	"context"

	"firebase.google.com/go/v4/auth"

	"marketchat/internal/domain/entity"
	"marketchat/internal/domain/repository"
	"marketchat/internal/domain/service"
	"marketchat/pkg/errors"
	"marketchat/pkg/logger"
)

// TokenVerifier is the part of *auth.Client the resolver needs.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}

type SessionResolver struct {
	verifier TokenVerifier
	userRepo repository.UserRepository
}

var _ service.SessionResolver = (*SessionResolver)(nil)

func NewSessionResolver(verifier TokenVerifier, userRepo repository.UserRepository) *SessionResolver {
	return &SessionResolver{
		verifier: verifier,
		userRepo: userRepo,
	}
}

// ResolveUser verifies a Firebase ID token and loads the user's profile. Users
// without a profile row fall back to the token's claims.
func (r *SessionResolver) ResolveUser(ctx context.Context, credential string) (*entity.Identity, error) {
	if credential == "" {
		return nil, errors.Unauthenticated("Credential is required", nil)
	}

	token, err := r.verifier.VerifyIDToken(ctx, credential)
	if err != nil {
		logger.Warn("ResolveUser Error: token verification failed: %v", err)
		return nil, errors.Unauthenticated("Invalid or expired token", err)
	}

	return resolveProfile(ctx, r.userRepo, token.UID, claimsIdentity(token))
}

func claimsIdentity(token *auth.Token) *entity.Identity {
	identity := &entity.Identity{
		UserID: token.UID,
		Role:   "user",
		Status: entity.UserStatusActive,
	}
	if email, ok := token.Claims["email"].(string); ok {
		identity.Email = email
	}
	if name, ok := token.Claims["name"].(string); ok {
		identity.DisplayName = name
	}
	if picture, ok := token.Claims["picture"].(string); ok {
		identity.AvatarURL = picture
	}
	if role, ok := token.Claims["role"].(string); ok && role != "" {
		identity.Role = role
	}
	if identity.DisplayName == "" {
		identity.DisplayName = identity.Email
	}
	return identity
}

// resolveProfile prefers the stored profile over the fallback and rejects
// suspended users.
func resolveProfile(ctx context.Context, userRepo repository.UserRepository, uid string, fallback *entity.Identity) (*entity.Identity, error) {
	identity := fallback

	user, err := userRepo.GetByID(ctx, uid)
	switch {
	case err == nil:
		identity = user.Identity()
	case errors.Is(err, errors.CodeNotFound):
		if identity == nil {
			return nil, errors.Unauthenticated("Unknown user", err)
		}
	default:
		logger.Error("ResolveUser Error: failed to load user %s: %v", uid, err)
		return nil, errors.Unauthenticated("Could not resolve user", err)
	}

	if identity.Status == "" {
		identity.Status = entity.UserStatusActive
	}
	if identity.IsSuspended() {
		logger.Warn("ResolveUser: rejected suspended user %s", uid)
		return nil, errors.Forbidden("Account is suspended", nil)
	}
	return identity, nil
}
