package http

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/FilipeAphrody/sentinel-guard/internal/usecase"
)

const defaultEventLimit = 100

// AdminHandler exposes the administrative hooks: block lists, manual blocks,
// recent security events and forced logout.
type AdminHandler struct {
	usecase *usecase.AuthUsecase
	log     logrus.FieldLogger
}

// NewAdminHandler registers the admin routes. The group must already carry
// bearer authentication and the admin role check.
func NewAdminHandler(g *echo.Group, u *usecase.AuthUsecase, log logrus.FieldLogger) {
	h := &AdminHandler{usecase: u, log: log}

	g.GET("/blocked-ips", h.ListBlocked)
	g.POST("/blocklist", h.AddToBlocklist)
	g.DELETE("/blocklist/:ip", h.RemoveFromBlocklist)
	g.POST("/blocks", h.Block)
	g.DELETE("/blocks/:ip", h.Unblock)
	g.POST("/whitelist", h.AddToWhitelist)
	g.DELETE("/whitelist/:ip", h.RemoveFromWhitelist)
	g.GET("/security/events", h.Events)
	g.GET("/security/stats", h.Stats)
	g.POST("/users/:id/revoke-sessions", h.RevokeSessions)
}

type ipRequest struct {
	IP string `json:"ip"`
}

type blockRequest struct {
	IP              string `json:"ip"`
	DurationSeconds int64  `json:"duration_seconds"`
}

func (h *AdminHandler) ListBlocked(c echo.Context) error {
	list, err := h.usecase.ListBlockedIPs(c.Request().Context())
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"blocked": list})
}

func (h *AdminHandler) AddToBlocklist(c echo.Context) error {
	ip, ok := bindIP(c)
	if !ok {
		return badRequest(c, "invalid ip")
	}
	if err := h.usecase.AddToBlocklist(c.Request().Context(), ip); err != nil {
		return respondError(c, h.log, err)
	}
	h.audit(c, "blocklist_add", ip)
	return c.NoContent(http.StatusNoContent)
}

func (h *AdminHandler) RemoveFromBlocklist(c echo.Context) error {
	ip, ok := pathIP(c)
	if !ok {
		return badRequest(c, "invalid ip")
	}
	if err := h.usecase.RemoveFromBlocklist(c.Request().Context(), ip); err != nil {
		return respondError(c, h.log, err)
	}
	h.audit(c, "blocklist_remove", ip)
	return c.NoContent(http.StatusNoContent)
}

// Block applies a temporary block. The response reports whether it took
// effect; whitelisted addresses and shorter blocks are no-ops.
func (h *AdminHandler) Block(c echo.Context) error {
	var req blockRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if net.ParseIP(req.IP) == nil {
		return badRequest(c, "invalid ip")
	}
	if req.DurationSeconds <= 0 {
		return badRequest(c, "duration_seconds must be positive")
	}

	applied, err := h.usecase.BlockIP(c.Request().Context(), req.IP, time.Duration(req.DurationSeconds)*time.Second)
	if err != nil {
		return respondError(c, h.log, err)
	}
	h.audit(c, "block", req.IP)
	return c.JSON(http.StatusOK, echo.Map{"applied": applied})
}

func (h *AdminHandler) Unblock(c echo.Context) error {
	ip, ok := pathIP(c)
	if !ok {
		return badRequest(c, "invalid ip")
	}
	if err := h.usecase.UnblockIP(c.Request().Context(), ip); err != nil {
		return respondError(c, h.log, err)
	}
	h.audit(c, "unblock", ip)
	return c.NoContent(http.StatusNoContent)
}

func (h *AdminHandler) AddToWhitelist(c echo.Context) error {
	ip, ok := bindIP(c)
	if !ok {
		return badRequest(c, "invalid ip")
	}
	if err := h.usecase.AddToWhitelist(c.Request().Context(), ip); err != nil {
		return respondError(c, h.log, err)
	}
	h.audit(c, "whitelist_add", ip)
	return c.NoContent(http.StatusNoContent)
}

func (h *AdminHandler) RemoveFromWhitelist(c echo.Context) error {
	ip, ok := pathIP(c)
	if !ok {
		return badRequest(c, "invalid ip")
	}
	if err := h.usecase.RemoveFromWhitelist(c.Request().Context(), ip); err != nil {
		return respondError(c, h.log, err)
	}
	h.audit(c, "whitelist_remove", ip)
	return c.NoContent(http.StatusNoContent)
}

// Events returns recent security events, newest first. ?limit=N, default 100.
func (h *AdminHandler) Events(c echo.Context) error {
	limit := defaultEventLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return badRequest(c, "invalid limit")
		}
		limit = n
	}
	return c.JSON(http.StatusOK, echo.Map{"events": h.usecase.RecentEvents(limit)})
}

// Stats counts buffered events by type. ?since=<RFC3339> narrows the range.
func (h *AdminHandler) Stats(c echo.Context) error {
	var since time.Time
	if raw := c.QueryParam("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return badRequest(c, "since must be RFC3339")
		}
		since = t
	}
	return c.JSON(http.StatusOK, echo.Map{"counts": h.usecase.EventStatistics(since)})
}

// RevokeSessions logs a user out of every session.
func (h *AdminHandler) RevokeSessions(c echo.Context) error {
	userID := c.Param("id")
	n, err := h.usecase.RevokeAllSessions(c.Request().Context(), userID)
	if err != nil {
		return respondError(c, h.log, err)
	}
	h.audit(c, "revoke_sessions", userID)
	return c.JSON(http.StatusOK, echo.Map{"revoked": n})
}

func (h *AdminHandler) audit(c echo.Context, action, target string) {
	entry := h.log.WithFields(logrus.Fields{"action": action, "target": target})
	if p := principalFrom(c); p != nil {
		entry = entry.WithField("admin_id", p.ID)
	}
	entry.Info("admin action")
}

// bindIP reads {"ip": "..."} and reports whether it holds a valid address.
func bindIP(c echo.Context) (string, bool) {
	var req ipRequest
	if err := c.Bind(&req); err != nil {
		return "", false
	}
	return req.IP, net.ParseIP(req.IP) != nil
}

func pathIP(c echo.Context) (string, bool) {
	ip := c.Param("ip")
	return ip, net.ParseIP(ip) != nil
}
