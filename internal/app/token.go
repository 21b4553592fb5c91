package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/doorman-gateway/accounting/internal/config"
	"github.com/doorman-gateway/accounting/internal/http/api/platform/permissions"
	"github.com/doorman-gateway/accounting/internal/security"
)

// Credentials are the cookie values a client sends to the platform routes.
// CSRF must also be echoed in the X-CSRF-Token header on mutating requests.
type Credentials struct {
	Session string // access_token_cookie value.
	CSRF    string // csrf_token value.
}

// IssueToken mints a session token signed with the configured JWT secret plus a fresh CSRF value.
// It is meant for operators and local testing; production sessions come from the platform login.
func IssueToken(cfg config.AppConfig, username string, perms []string, ttl time.Duration) (Credentials, error) {
	jwtCfg, err := config.LoadJWTConfig(config.ResolveConfigPath(cfg.ConfigPath))
	if err != nil {
		return Credentials{}, err
	}
	if strings.TrimSpace(jwtCfg.Secret) == "" {
		return Credentials{}, config.ErrMissingJWTSecret
	}
	normalized := permissions.NormalizePermissions(perms)
	if errValidate := permissions.ValidatePermissions(normalized); errValidate != nil {
		return Credentials{}, errValidate
	}
	if ttl <= 0 {
		ttl = jwtCfg.Expiry
	}
	token, errIssue := security.IssueSessionToken(jwtCfg.Secret, username, normalized, ttl, time.Now())
	if errIssue != nil {
		return Credentials{}, fmt.Errorf("issue token: %w", errIssue)
	}
	csrf, errCSRF := security.NewCSRFToken()
	if errCSRF != nil {
		return Credentials{}, fmt.Errorf("issue csrf token: %w", errCSRF)
	}
	return Credentials{Session: token, CSRF: csrf}, nil
}
