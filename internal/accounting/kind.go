package accounting

import (
	"strings"
)

// Kind selects which family of groups an operation works on.
type Kind string

const (
	// KindCredit is the credit group family.
	KindCredit Kind = "credit"
	// KindToken is the token group family.
	KindToken Kind = "token"
)

// Kinds returns every supported kind.
func Kinds() []Kind {
	return []Kind{KindCredit, KindToken}
}

// ParseKind validates a kind name.
func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindCredit:
		return KindCredit, nil
	case KindToken:
		return KindToken, nil
	}
	return "", invalidArgument("unknown group kind %q", raw)
}

// Plural returns the unit name used in payload fields, e.g. "tokens".
func (k Kind) Plural() string { return string(k) + "s" }

// ManagePermission is the permission required to mutate groups and balances of this kind.
func (k Kind) ManagePermission() string { return "manage_" + k.Plural() }

// ConsumePermission is the permission allowing balance decrements of this kind.
func (k Kind) ConsumePermission() string { return "consume_" + k.Plural() }
