package accounting

import (
	"regexp"
	"strings"
)

const (
	maxIdentifierLength = 255
	defaultAPIKeyHeader = "x-api-key"
)

var (
	groupIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	headerPattern  = regexp.MustCompile("^[!#$%&'*+.^_`|~0-9A-Za-z-]+$")
)

// reservedUsernames collide with static routes under /platform/{kind}.
var reservedUsernames = map[string]struct{}{
	"defs":        {},
	"all":         {},
	"integrity":   {},
	"permissions": {},
}

func normalizeGroupID(raw string) (string, error) {
	groupID := strings.TrimSpace(raw)
	if groupID == "" {
		return "", invalidArgument("group id is required")
	}
	if len(groupID) > maxIdentifierLength {
		return "", invalidArgument("group id exceeds %d characters", maxIdentifierLength)
	}
	if !groupIDPattern.MatchString(groupID) {
		return "", invalidArgument("group id %q may only contain letters, digits, '.', '_' and '-'", groupID)
	}
	return groupID, nil
}

func normalizeUsername(raw string) (string, error) {
	username := strings.TrimSpace(raw)
	if username == "" {
		return "", invalidArgument("username is required")
	}
	if len(username) > maxIdentifierLength {
		return "", invalidArgument("username exceeds %d characters", maxIdentifierLength)
	}
	if strings.ContainsAny(username, "/?#") {
		return "", invalidArgument("username %q contains reserved characters", username)
	}
	return username, nil
}

func normalizeWritableUsername(raw string) (string, error) {
	username, err := normalizeUsername(raw)
	if err != nil {
		return "", err
	}
	if _, reserved := reservedUsernames[strings.ToLower(username)]; reserved {
		return "", invalidArgument("username %q is reserved", username)
	}
	return username, nil
}

func normalizeHeader(raw string) (string, error) {
	header := strings.TrimSpace(raw)
	if header == "" {
		return defaultAPIKeyHeader, nil
	}
	if len(header) > maxIdentifierLength || !headerPattern.MatchString(header) {
		return "", invalidArgument("invalid api_key_header %q", raw)
	}
	return strings.ToLower(header), nil
}

// normalizeTiers validates a tier list and returns a cleaned copy preserving order.
func normalizeTiers(tiers []Tier) ([]Tier, error) {
	seen := make(map[string]struct{}, len(tiers))
	out := make([]Tier, 0, len(tiers))
	for idx, tier := range tiers {
		name := strings.TrimSpace(tier.Name)
		if name == "" {
			return nil, invalidArgument("tier %d: tier_name is required", idx+1)
		}
		if len(name) > maxIdentifierLength {
			return nil, invalidArgument("tier %q: tier_name exceeds %d characters", name, maxIdentifierLength)
		}
		if _, dup := seen[name]; dup {
			return nil, invalidArgument("duplicate tier_name %q", name)
		}
		seen[name] = struct{}{}
		if tier.Quota < 0 {
			return nil, invalidArgument("tier %q: quota must be >= 0", name)
		}
		if tier.InputLimit < 0 {
			return nil, invalidArgument("tier %q: input_limit must be >= 0", name)
		}
		if tier.OutputLimit < 0 {
			return nil, invalidArgument("tier %q: output_limit must be >= 0", name)
		}
		frequency, errFreq := ParseResetFrequency(string(tier.ResetFrequency))
		if errFreq != nil {
			return nil, invalidArgument("tier %q: %s", name, errFreq.Error())
		}
		out = append(out, Tier{
			Name:           name,
			Quota:          tier.Quota,
			InputLimit:     tier.InputLimit,
			OutputLimit:    tier.OutputLimit,
			ResetFrequency: frequency,
		})
	}
	return out, nil
}
