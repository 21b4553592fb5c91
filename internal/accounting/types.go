package accounting

import "time"

// Tier is one allowance level inside a group.
type Tier struct {
	Name           string
	Quota          int64
	InputLimit     int64
	OutputLimit    int64
	ResetFrequency ResetFrequency
}

// Group is a redacted group definition. The raw API key is never part of it.
type Group struct {
	Kind          Kind
	GroupID       string
	APIKeyHeader  string
	APIKeyPresent bool
	Tiers         []Tier
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Tier returns the named tier.
func (g Group) Tier(name string) (Tier, bool) {
	for _, tier := range g.Tiers {
		if tier.Name == name {
			return tier, true
		}
	}
	return Tier{}, false
}

// CreateGroupInput holds the fields accepted on group creation.
type CreateGroupInput struct {
	GroupID      string
	APIKeyHeader string
	APIKey       string
	Tiers        []Tier
}

// UpdateGroupInput holds a partial group update. Nil fields are left unchanged,
// and an empty APIKey keeps the stored secret.
type UpdateGroupInput struct {
	APIKeyHeader *string
	APIKey       *string
	ClearAPIKey  bool
	Tiers        *[]Tier
}

// OrphanedTier names a tier whose removal would strand bound users.
type OrphanedTier struct {
	TierName  string   `json:"tier_name"`
	Usernames []string `json:"usernames"`
}

// Balance is a redacted user balance.
type Balance struct {
	Username          string
	GroupID           string
	TierName          string
	Available         int64
	Quota             int64
	ResetFrequency    ResetFrequency
	UserAPIKeyPresent bool
	LastResetAt       time.Time
	NextResetAt       *time.Time
	UpdatedAt         time.Time
}

// SetBalanceInput is an administrator write for one (user, group) pair.
type SetBalanceInput struct {
	TierName        string
	Available       int64
	UserAPIKey      *string
	ClearUserAPIKey bool
}

// ConsumeInput requests a decrement of Amount units. Input and Output are the
// request's directional sizes, checked against the tier's per-request limits.
type ConsumeInput struct {
	GroupID string
	Amount  int64
	Input   int64
	Output  int64
}

// ConsumeResult reports the balance after a successful decrement.
type ConsumeResult struct {
	GroupID   string `json:"group_id"`
	Consumed  int64  `json:"consumed"`
	Available int64  `json:"available"`
}

// SpendCheck answers whether a principal can still spend an amount.
type SpendCheck struct {
	GroupID   string `json:"group_id"`
	Amount    int64  `json:"amount"`
	Available int64  `json:"available"`
	Allowed   bool   `json:"allowed"`
}

// Injection is the upstream credential the proxy path injects for a user.
type Injection struct {
	Header string
	Key    string
	Source string // "user", "group" or "" when no key is configured.
}

// IntegrityIssue reports a balance whose group or tier no longer resolves.
type IntegrityIssue struct {
	Username string `json:"username"`
	GroupID  string `json:"group_id"`
	TierName string `json:"tier_name"`
	Problem  string `json:"problem"`
}

// Event is one audit entry for a balance mutation.
type Event struct {
	ID           string         `json:"id"`
	Username     string         `json:"username"`
	GroupID      string         `json:"group_id"`
	Type         string         `json:"type"`
	Delta        int64          `json:"delta"`
	BalanceAfter int64          `json:"balance_after"`
	Actor        string         `json:"actor,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
	Detail       map[string]any `json:"detail,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Cohort groups the balances that reset together.
type Cohort struct {
	Kind           Kind
	GroupID        string
	TierName       string
	Quota          int64
	ResetFrequency ResetFrequency
}

// Key renders a stable identifier for leasing.
func (c Cohort) Key() string {
	return string(c.Kind) + ":" + c.GroupID + ":" + c.TierName
}

// DueBalance is a balance eligible for a scheduled reset.
type DueBalance struct {
	ID          uint64
	Username    string
	ResetSeq    int64
	LastResetAt time.Time
	Available   int64
}
