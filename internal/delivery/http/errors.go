package http

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/FilipeAphrody/sentinel-guard/internal/domain"
	"github.com/FilipeAphrody/sentinel-guard/internal/usecase"
)

// respondError maps business and infrastructure errors to HTTP responses.
// Bodies stay generic: they never reveal whether an account exists or how
// many attempts are left.
func respondError(c echo.Context, log logrus.FieldLogger, err error) error {
	var (
		locked  *domain.AccountLockedError
		blocked *domain.IPBlockedError
	)
	switch {
	case errors.Is(err, domain.ErrMFARequired):
		return c.JSON(http.StatusAccepted, echo.Map{"message": domain.ErrMFARequired.Error()})

	case errors.As(err, &locked):
		setRetryAfter(c, locked.RetryAfter)
		return c.JSON(http.StatusLocked, echo.Map{"error": domain.ErrAccountLocked.Error()})

	case errors.As(err, &blocked):
		if !blocked.Permanent {
			setRetryAfter(c, blocked.RetryAfter)
		}
		return c.JSON(http.StatusForbidden, echo.Map{"error": domain.ErrIPBlocked.Error()})

	case errors.Is(err, domain.ErrInvalidCredentials):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": domain.ErrInvalidCredentials.Error()})

	case errors.Is(err, domain.ErrInvalidToken):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": domain.ErrInvalidToken.Error()})

	case errors.Is(err, usecase.ErrInvalidMFACode):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": usecase.ErrInvalidMFACode.Error()})

	case errors.Is(err, domain.ErrStoreUnavailable):
		log.WithError(err).WithField("path", c.Path()).Error("store unavailable")
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "service temporarily unavailable"})
	}

	log.WithError(err).WithField("path", c.Path()).Error("request failed")
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
}

// setRetryAfter writes d as whole seconds, rounded up.
func setRetryAfter(c echo.Context, d time.Duration) {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	c.Response().Header().Set("Retry-After", strconv.FormatInt(secs, 10))
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, echo.Map{"error": msg})
}
