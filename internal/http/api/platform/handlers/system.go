package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/doorman-gateway/accounting/internal/accounting"
	"github.com/doorman-gateway/accounting/internal/http/api/platform/permissions"
	"github.com/gin-gonic/gin"
)

// HealthHandler reports database reachability.
type HealthHandler struct {
	svc *accounting.Service
}

// NewHealthHandler constructs a health handler.
func NewHealthHandler(svc *accounting.Service) *HealthHandler {
	return &HealthHandler{svc: svc}
}

// Healthz pings the database with a short deadline.
func (h *HealthHandler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if errPing := h.svc.Ping(ctx); errPing != nil {
		Abort(c, accounting.CodeUnavailable, "database unavailable")
		return
	}
	respond(c, http.StatusOK, gin.H{"status": "ok"})
}

// PermissionHandler lists permission definitions and the caller's grants.
type PermissionHandler struct{}

// NewPermissionHandler constructs a permission handler.
func NewPermissionHandler() *PermissionHandler {
	return &PermissionHandler{}
}

// List returns every permission definition and the ones held by the session.
func (h *PermissionHandler) List(c *gin.Context) {
	granted, _ := c.Get(ContextPermissions)
	perms, _ := granted.([]string)
	if perms == nil {
		perms = []string{}
	}
	respond(c, http.StatusOK, gin.H{
		"username":    c.GetString(ContextUsername),
		"permissions": perms,
		"definitions": permissions.Definitions(),
	})
}
