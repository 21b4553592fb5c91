package platform

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/doorman-gateway/accounting/internal/accounting"
	"github.com/doorman-gateway/accounting/internal/config"
	handlers "github.com/doorman-gateway/accounting/internal/http/api/platform/handlers"
	"github.com/doorman-gateway/accounting/internal/http/api/platform/permissions"
	"github.com/doorman-gateway/accounting/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// RequestIDHeader carries the request correlation id in both directions.
const RequestIDHeader = "X-Request-ID"

var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// RequestID assigns each request an id, reusing a well-formed inbound one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader(RequestIDHeader))
		if !requestIDPattern.MatchString(requestID) {
			requestID = uuid.NewString()
		}
		c.Set(handlers.ContextRequestID, requestID)
		c.Header(RequestIDHeader, requestID)
		c.Next()
	}
}

// RequestLogger logs one line per request with status and latency.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		entry := log.WithFields(log.Fields{
			"method":     c.Request.Method,
			"path":       path,
			"status":     c.Writer.Status(),
			"latency":    time.Since(start).String(),
			"request_id": c.GetString(handlers.ContextRequestID),
		})
		if username := c.GetString(handlers.ContextUsername); username != "" {
			entry = entry.WithField("actor", username)
		}
		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			entry.Error("request completed")
		case status >= http.StatusBadRequest:
			entry.Warn("request completed")
		default:
			entry.Debug("request completed")
		}
	}
}

// sessionMiddleware validates the session cookie and attaches the caller to the request.
func sessionMiddleware(jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, errCookie := c.Cookie(security.SessionCookieName)
		if errCookie != nil || strings.TrimSpace(token) == "" {
			handlers.Abort(c, handlers.CodeUnauthenticated, "missing session")
			return
		}
		claims, errJWT := security.ParseSessionToken(jwtCfg.Secret, strings.TrimSpace(token))
		if errJWT != nil {
			handlers.Abort(c, handlers.CodeUnauthenticated, "invalid session")
			return
		}

		username := strings.TrimSpace(claims.Username())
		granted := permissions.NormalizePermissions(claims.Permissions)
		c.Set(handlers.ContextUsername, username)
		c.Set(handlers.ContextPermissions, granted)
		c.Request = c.Request.WithContext(accounting.WithAudit(c.Request.Context(), accounting.AuditInfo{
			Actor:     username,
			RequestID: c.GetString(handlers.ContextRequestID),
		}))
		c.Next()
	}
}

// csrfMiddleware requires the CSRF header to match the CSRF cookie on mutating methods.
func csrfMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			c.Next()
			return
		}
		cookieToken, _ := c.Cookie(security.CSRFCookieName)
		if !security.CSRFMatches(c.GetHeader(security.CSRFHeaderName), cookieToken) {
			handlers.Abort(c, accounting.CodeForbidden, "csrf token mismatch")
			return
		}
		c.Next()
	}
}

// requirePermission allows the request when the session holds any of keys.
func requirePermission(keys ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		value, _ := c.Get(handlers.ContextPermissions)
		granted, _ := value.([]string)
		if !permissions.HasAny(granted, keys...) {
			handlers.Abort(c, accounting.CodeForbidden, "missing permission: "+strings.Join(keys, " or "))
			return
		}
		c.Next()
	}
}
