package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/isometry/ad-sso-gateway/internal/auth"
	"github.com/isometry/ad-sso-gateway/internal/ldap"
	"github.com/isometry/ad-sso-gateway/internal/logging"
	"github.com/isometry/ad-sso-gateway/internal/secret"
	"github.com/isometry/ad-sso-gateway/internal/version"
)

type handlers struct {
	auth      Authenticator
	lookup    UserLookup
	directory Directory
	opts      Options
}

type loginRequest struct {
	Username string `json:"username" form:"username"`
	Password string `json:"password" form:"password"`
}

type loginResponse struct {
	Authenticated bool   `json:"authenticated"`
	Username      string `json:"username"`
}

// login handles POST /api/auth/login with a JSON or form body.
func (h *handlers) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBind(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(c, http.StatusRequestEntityTooLarge, "request_too_large", "Request body too large.")
			return
		}
		writeError(c, http.StatusBadRequest, "invalid_request", "Malformed request body.")
		return
	}

	res := h.auth.Authenticate(c.Request.Context(), auth.Credential{
		Username: req.Username,
		Password: secret.String(req.Password),
	})
	if !h.writeRejection(c, res) {
		return
	}

	id, _ := res.Identity()
	c.JSON(http.StatusOK, loginResponse{Authenticated: true, Username: id.Username})
}

// user handles GET /api/user/:username. The caller authenticates with HTTP
// Basic credentials on every request.
func (h *handlers) user(c *gin.Context) {
	username, password, ok := c.Request.BasicAuth()
	if !ok {
		writeUnauthorized(c, h.opts.Realm)
		return
	}

	res := h.auth.Authenticate(c.Request.Context(), auth.Credential{
		Username: username,
		Password: secret.String(password),
	})
	if !h.writeRejection(c, res) {
		return
	}

	user, err := h.lookup.LookupUser(c.Request.Context(), c.Param("username"))
	switch {
	case err == nil:
		if user.Groups == nil {
			user.Groups = []string{}
		}
		c.JSON(http.StatusOK, user)
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(c, http.StatusBadRequest, "invalid_request", "Malformed username.")
	case errors.Is(err, auth.ErrNotFound):
		writeError(c, http.StatusNotFound, "not_found", "No such user.")
	default:
		writeUnavailable(c, h.opts.RetryAfter)
	}
}

// writeRejection answers a result that is not Authenticated and reports
// whether the handler may continue.
func (h *handlers) writeRejection(c *gin.Context, res auth.Result) bool {
	switch {
	case res.Authenticated():
		return true
	case res.Rejected():
		writeUnauthorized(c, h.opts.Realm)
	default:
		writeUnavailable(c, res.RetryAfter())
	}
	return false
}

func (h *handlers) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": version.Short(),
	})
}

type poolStatus struct {
	Max    int   `json:"max"`
	Open   int64 `json:"open"`
	Active int64 `json:"active"`
	Idle   int   `json:"idle"`
}

func newPoolStatus(s ldap.PoolStats) poolStatus {
	return poolStatus{Max: s.Max, Open: s.Total, Active: s.Active, Idle: s.Idle}
}

type readyResponse struct {
	Status string                `json:"status"`
	Error  string                `json:"error,omitempty"`
	Pools  map[string]poolStatus `json:"pools"`
}

// readyz pings the directory as the service account.
func (h *handlers) readyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.opts.ReadyTimeout)
	defer cancel()

	err := h.directory.Ping(ctx)
	stats := h.directory.Stats()

	resp := readyResponse{
		Status: "ready",
		Pools: map[string]poolStatus{
			"service": newPoolStatus(stats.Service),
			"bind":    newPoolStatus(stats.Bind),
		},
	}
	if err != nil {
		logging.Subsystem(c.Request.Context(), logging.SubsystemHTTP).Warn("readiness check failed", "error", err.Error())
		resp.Status = "unavailable"
		resp.Error = "directory_unavailable"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}
