package http

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/FilipeAphrody/sentinel-guard/internal/domain"
	"github.com/FilipeAphrody/sentinel-guard/internal/usecase"
)

const (
	principalKey   = "principal"
	accessTokenKey = "access_token"

	RoleAdmin = "admin"
)

// IPGuard rejects requests from blocked addresses before any handler runs.
func IPGuard(u *usecase.AuthUsecase, log logrus.FieldLogger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			status, err := u.IsRequestBlocked(c.Request().Context(), c.RealIP())
			if err != nil {
				return respondError(c, log, err)
			}
			if status.Blocked {
				return respondError(c, log, &domain.IPBlockedError{RetryAfter: status.RetryAfter, Permanent: status.Permanent})
			}
			return next(c)
		}
	}
}

// BearerAuth validates the access token in the Authorization header and
// stores the principal in the echo context.
func BearerAuth(u *usecase.AuthUsecase, log logrus.FieldLogger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, ok := bearerToken(c)
			if !ok {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing or malformed authorization header"})
			}

			p, err := u.Authenticate(c.Request().Context(), token, c.RealIP())
			if err != nil {
				return respondError(c, log, err)
			}

			c.Set(principalKey, p)
			c.Set(accessTokenKey, token)
			return next(c)
		}
	}
}

// RoleMiddleware ensures only users with specific roles (or admins) can access the route.
func RoleMiddleware(requiredRole string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p := principalFrom(c)
			if p == nil || (p.Role != requiredRole && p.Role != RoleAdmin) {
				return c.JSON(http.StatusForbidden, echo.Map{"error": "access denied: insufficient permissions"})
			}
			return next(c)
		}
	}
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(c echo.Context) (string, bool) {
	parts := strings.Fields(c.Request().Header.Get(echo.HeaderAuthorization))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

func principalFrom(c echo.Context) *domain.Principal {
	p, _ := c.Get(principalKey).(*domain.Principal)
	return p
}
