package models

import "time"

// AccountingGroup stores a credit or token group definition.
type AccountingGroup struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Kind         string `gorm:"type:varchar(16);not null;uniqueIndex:idx_accounting_groups_kind_group,priority:1"`  // Group kind (credit or token).
	GroupID      string `gorm:"type:varchar(255);not null;uniqueIndex:idx_accounting_groups_kind_group,priority:2"` // Public group identifier.
	APIKeyHeader string `gorm:"type:varchar(255);not null;default:'x-api-key'"`                                     // Header used to inject the key.
	APIKeySealed string `gorm:"type:text;not null;default:''"`                                                      // Sealed upstream API key.

	Tiers []AccountingTier `gorm:"foreignKey:GroupRefID;constraint:OnDelete:CASCADE"` // Ordered tier list.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// AccountingTier stores one tier of a group.
type AccountingTier struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	GroupRefID     uint64 `gorm:"not null;uniqueIndex:idx_accounting_tiers_group_name,priority:1"`                   // Owning group row.
	TierName       string `gorm:"type:varchar(255);not null;uniqueIndex:idx_accounting_tiers_group_name,priority:2"` // Tier name, unique within the group.
	Quota          int64  `gorm:"not null;default:0"`                                                                // Amount restored on reset.
	InputLimit     int64  `gorm:"not null;default:0"`                                                                // Per-request input cap.
	OutputLimit    int64  `gorm:"not null;default:0"`                                                                // Per-request output cap.
	ResetFrequency string `gorm:"type:varchar(16);not null;default:'never'"`                                         // daily, weekly, monthly, yearly or never.
	Position       int    `gorm:"not null;default:0"`                                                                // Display order.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
