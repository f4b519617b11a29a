// Package http is the echo delivery layer: routes, guard middleware and the
// mapping from domain errors to HTTP responses.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/FilipeAphrody/sentinel-guard/internal/usecase"
)

// RegisterRoutes mounts the /v1 API on e. Every /v1 request passes the IP
// guard first, then the rate limiter (nil disables it).
func RegisterRoutes(e *echo.Echo, u *usecase.AuthUsecase, rl *RateLimiter, log logrus.FieldLogger) {
	log = log.WithField("component", "http")
	bearer := BearerAuth(u, log)

	v1 := e.Group("/v1", IPGuard(u, log), rl.Middleware())

	auth := v1.Group("/auth")
	NewAuthHandler(auth, u, bearer, log)
	NewMFAHandler(auth, u, bearer, log)

	admin := v1.Group("/admin", bearer, RoleMiddleware(RoleAdmin))
	NewAdminHandler(admin, u, log)
}
