package permissions

import (
	"fmt"
	"sort"
	"strings"
)

// Definition describes a platform permission carried in session claims.
type Definition struct {
	Key    string `json:"key"`
	Label  string `json:"label"`
	Module string `json:"module"`
}

const (
	ManageCredits  = "manage_credits"
	ManageTokens   = "manage_tokens"
	ConsumeCredits = "consume_credits"
	ConsumeTokens  = "consume_tokens"
)

// NormalizePermissions trims, de-duplicates, and sorts permissions.
func NormalizePermissions(perms []string) []string {
	if len(perms) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, perm := range perms {
		trimmed := strings.ToLower(strings.TrimSpace(perm))
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		normalized = append(normalized, trimmed)
	}
	sort.Strings(normalized)
	return normalized
}

// ValidatePermissions validates that all permissions exist in the definition set.
func ValidatePermissions(perms []string) error {
	for _, perm := range perms {
		trimmed := strings.ToLower(strings.TrimSpace(perm))
		if trimmed == "" {
			continue
		}
		if _, ok := definitionMap[trimmed]; !ok {
			return fmt.Errorf("invalid permission: %s", trimmed)
		}
	}
	return nil
}

// HasPermission checks whether the key exists in the permission list.
func HasPermission(perms []string, key string) bool {
	if key == "" {
		return false
	}
	for _, perm := range perms {
		if perm == key {
			return true
		}
	}
	return false
}

// HasAny reports whether at least one of keys is granted.
func HasAny(perms []string, keys ...string) bool {
	for _, key := range keys {
		if HasPermission(perms, key) {
			return true
		}
	}
	return false
}

// Definitions returns a copy of all permission definitions.
func Definitions() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions)
	return out
}

var definitions = []Definition{
	{Key: ManageCredits, Label: "Manage Credit Groups and Balances", Module: "Credits"},
	{Key: ConsumeCredits, Label: "Consume Credits", Module: "Credits"},
	{Key: ManageTokens, Label: "Manage Token Groups and Balances", Module: "Tokens"},
	{Key: ConsumeTokens, Label: "Consume Tokens", Module: "Tokens"},
}

var definitionMap = func() map[string]Definition {
	out := make(map[string]Definition, len(definitions))
	for _, def := range definitions {
		out[def.Key] = def
	}
	return out
}()
