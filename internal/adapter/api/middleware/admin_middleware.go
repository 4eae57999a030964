package middleware

import (
	"github.com/labstack/echo/v4"

	"marketchat/internal/domain/entity"
	"marketchat/internal/domain/repository"
	"marketchat/pkg/errors"
	"marketchat/pkg/logger"
	"marketchat/pkg/response"
)

type AdminMiddleware struct {
	userRepo repository.UserRepository
}

func NewAdminMiddleware(userRepo repository.UserRepository) *AdminMiddleware {
	return &AdminMiddleware{
		userRepo: userRepo,
	}
}

// AdminOnly must run after Authenticate. The stored profile wins over the
// role carried by the token.
func (m *AdminMiddleware) AdminOnly(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		uid, ok := c.Get(ContextUID).(string)
		if !ok || uid == "" {
			return response.Error(c, errors.Unauthenticated("Authentication required", nil))
		}

		role := ""
		if identity, ok := IdentityFrom(c); ok {
			role = identity.Role
		}

		user, err := m.userRepo.GetByID(c.Request().Context(), uid)
		switch {
		case err == nil:
			role = user.Role
		case errors.Is(err, errors.CodeNotFound):
		default:
			logger.Error("AdminOnly Error: failed to load user %s: %v", uid, err)
			return response.Error(c, errors.Internal("Failed to verify admin privileges", err))
		}

		if role != entity.RoleAdmin {
			return response.Error(c, errors.Forbidden("Admin privileges required", nil))
		}

		return next(c)
	}
}
