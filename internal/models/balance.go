package models

import (
	"time"

	"gorm.io/datatypes"
)

// UserBalance stores a user's remaining allowance within one group.
type UserBalance struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Kind     string `gorm:"type:varchar(16);not null;uniqueIndex:idx_user_balances_owner,priority:1;index:idx_user_balances_cohort,priority:1"`  // Group kind.
	Username string `gorm:"type:varchar(255);not null;uniqueIndex:idx_user_balances_owner,priority:2"`                                           // Balance owner.
	GroupID  string `gorm:"type:varchar(255);not null;uniqueIndex:idx_user_balances_owner,priority:3;index:idx_user_balances_cohort,priority:2"` // Group identifier.
	TierName string `gorm:"type:varchar(255);not null;index:idx_user_balances_cohort,priority:3"`                                                // Bound tier.

	Available        int64     `gorm:"not null;default:0"`            // Remaining allowance.
	UserAPIKeySealed string    `gorm:"type:text;not null;default:''"` // Sealed per-user key override.
	LastResetAt      time.Time `gorm:"not null"`                      // Start of the current reset period.
	ResetSeq         int64     `gorm:"not null;default:0"`            // Scheduler resets applied.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// BalanceEventType identifies the mutation recorded by a BalanceEvent.
type BalanceEventType string

const (
	// BalanceEventAdminSet records an administrator write.
	BalanceEventAdminSet BalanceEventType = "admin_set"
	// BalanceEventConsume records a successful decrement.
	BalanceEventConsume BalanceEventType = "consume"
	// BalanceEventReset records a scheduled or forced reset.
	BalanceEventReset BalanceEventType = "reset"
	// BalanceEventDelete records a removed balance.
	BalanceEventDelete BalanceEventType = "delete"
)

// BalanceEvent is an append-only audit row for balance mutations.
type BalanceEvent struct {
	ID string `gorm:"type:varchar(36);primaryKey"` // UUID.

	Kind      string           `gorm:"type:varchar(16);not null;index:idx_balance_events_owner,priority:1"`  // Group kind.
	Username  string           `gorm:"type:varchar(255);not null;index:idx_balance_events_owner,priority:2"` // Balance owner.
	GroupID   string           `gorm:"type:varchar(255);not null"`                                           // Group identifier.
	EventType BalanceEventType `gorm:"type:varchar(32);not null"`                                            // Mutation type.

	Delta        int64          `gorm:"not null;default:0"`            // Signed change applied.
	BalanceAfter int64          `gorm:"not null;default:0"`            // Balance after the mutation.
	Actor        string         `gorm:"type:varchar(255)"`             // Who performed the mutation.
	RequestID    string         `gorm:"type:varchar(64)"`              // Correlating request ID.
	Detail       datatypes.JSON `gorm:"type:jsonb"`                    // Extra context.
	CreatedAt    time.Time      `gorm:"not null;autoCreateTime;index"` // Event timestamp.
}
