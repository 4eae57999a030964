package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"

	"marketchat/internal/domain/entity"
	"marketchat/internal/domain/service"
	"marketchat/pkg/errors"
	"marketchat/pkg/response"
)

const (
	ContextUID      = "uid"
	ContextIdentity = "identity"
)

type AuthMiddleware struct {
	resolver service.SessionResolver
}

func NewAuthMiddleware(resolver service.SessionResolver) *AuthMiddleware {
	return &AuthMiddleware{
		resolver: resolver,
	}
}

// Authenticate resolves the caller from a Bearer header and stores the uid
// and the identity on the echo context.
func (m *AuthMiddleware) Authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get("Authorization")
		if authHeader == "" {
			return response.Error(c, errors.Unauthenticated("Authorization header is required", nil))
		}

		token, ok := BearerToken(authHeader)
		if !ok {
			return response.Error(c, errors.Unauthenticated("Invalid authorization format", nil))
		}

		identity, err := m.resolver.ResolveUser(c.Request().Context(), token)
		if err != nil {
			return response.Error(c, err)
		}

		c.Set(ContextUID, identity.UserID)
		c.Set(ContextIdentity, identity)

		return next(c)
	}
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" value.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

// IdentityFrom returns the identity stored by Authenticate.
func IdentityFrom(c echo.Context) (*entity.Identity, bool) {
	identity, ok := c.Get(ContextIdentity).(*entity.Identity)
	return identity, ok && identity != nil
}
