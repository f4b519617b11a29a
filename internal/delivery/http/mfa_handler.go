package http

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/FilipeAphrody/sentinel-guard/internal/usecase"
)

// MFAHandler handles MFA enrollment for the authenticated caller.
type MFAHandler struct {
	usecase *usecase.AuthUsecase
	log     logrus.FieldLogger
}

// NewMFAHandler registers the MFA management routes. Both require a bearer token.
func NewMFAHandler(g *echo.Group, u *usecase.AuthUsecase, bearer echo.MiddlewareFunc, log logrus.FieldLogger) {
	handler := &MFAHandler{usecase: u, log: log}

	g.POST("/mfa/setup", handler.Setup, bearer)
	g.POST("/mfa/enable", handler.Enable, bearer)
}

// mfaSetupResponse returns the QR code URI to the frontend.
type mfaSetupResponse struct {
	Secret string `json:"secret"`
	QRCode string `json:"qr_code_uri"`
}

// mfaEnableRequest is used to verify the first code before enabling MFA.
type mfaEnableRequest struct {
	Code string `json:"code"`
}

// Setup generates a pending TOTP secret for the caller.
func (h *MFAHandler) Setup(c echo.Context) error {
	key, err := h.usecase.BeginMFAEnrollment(c.Request().Context(), principalFrom(c))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, mfaSetupResponse{Secret: key.Secret, QRCode: key.URI})
}

// Enable verifies the first code against the pending secret and turns MFA on.
func (h *MFAHandler) Enable(c echo.Context) error {
	var req mfaEnableRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	code := strings.TrimSpace(req.Code)
	if len(code) != 6 {
		return badRequest(c, "code must be 6 digits")
	}

	if err := h.usecase.ConfirmMFAEnrollment(c.Request().Context(), principalFrom(c), code, c.RealIP()); err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "mfa_enabled_successfully"})
}
