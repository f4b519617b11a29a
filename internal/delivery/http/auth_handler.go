package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/FilipeAphrody/sentinel-guard/internal/domain"
	"github.com/FilipeAphrody/sentinel-guard/internal/usecase"
)

// AuthHandler represents the HTTP delivery layer for authentication.
type AuthHandler struct {
	usecase *usecase.AuthUsecase
	log     logrus.FieldLogger
}

// NewAuthHandler registers the authentication routes to the provided echo group.
// bearer guards the routes that need a valid access token.
func NewAuthHandler(g *echo.Group, u *usecase.AuthUsecase, bearer echo.MiddlewareFunc, log logrus.FieldLogger) {
	handler := &AuthHandler{usecase: u, log: log}

	g.POST("/login", handler.Login)
	g.POST("/refresh", handler.Refresh)
	// Logout reads the token itself so that a second call with a revoked token still succeeds.
	g.POST("/logout", handler.Logout)
	g.GET("/sessions", handler.Sessions, bearer)
}

// loginRequest defines the expected JSON payload for the login endpoint.
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	OTPCode  string `json:"otp_code"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type sessionView struct {
	ID        string    `json:"id"`
	IPAddress string    `json:"ip_address"`
	UserAgent string    `json:"user_agent"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login handles password (and optional TOTP) authentication.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		return badRequest(c, "email and password are required")
	}

	resp, err := h.usecase.Login(c.Request().Context(), domain.Credentials{
		Email:    req.Email,
		Password: req.Password,
		OTPCode:  strings.TrimSpace(req.OTPCode),
	}, c.RealIP(), c.Request().UserAgent())
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// Refresh rotates a refresh token into a new token pair.
func (h *AuthHandler) Refresh(c echo.Context) error {
	var req refreshRequest
	if err := c.Bind(&req); err != nil || req.RefreshToken == "" {
		return badRequest(c, "refresh_token is required")
	}

	resp, err := h.usecase.Refresh(c.Request().Context(), req.RefreshToken, c.RealIP(), c.Request().UserAgent())
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// Logout revokes the presented access token and its session.
func (h *AuthHandler) Logout(c echo.Context) error {
	token, ok := bearerToken(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing or malformed authorization header"})
	}
	if err := h.usecase.Logout(c.Request().Context(), token); err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "logged_out"})
}

// Sessions lists the caller's active sessions.
func (h *AuthHandler) Sessions(c echo.Context) error {
	p := principalFrom(c)
	sessions, err := h.usecase.ListSessions(c.Request().Context(), p.ID)
	if err != nil {
		return respondError(c, h.log, err)
	}

	out := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionView{
			ID:        s.ID,
			IPAddress: s.IPAddress,
			UserAgent: s.UserAgent,
			IssuedAt:  s.IssuedAt,
			ExpiresAt: s.ExpiresAt,
		})
	}
	return c.JSON(http.StatusOK, echo.Map{"sessions": out})
}
