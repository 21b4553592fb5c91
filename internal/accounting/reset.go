package accounting

import (
	"context"
	"time"

	"github.com/doorman-gateway/accounting/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ListCohorts returns every schedulable (kind, group, tier) combination.
func (s *Service) ListCohorts(ctx context.Context) ([]Cohort, error) {
	var groups []models.AccountingGroup
	if errFind := s.db.WithContext(ctx).
		Preload("Tiers", orderTiers).
		Order("kind ASC, group_id ASC").
		Find(&groups).Error; errFind != nil {
		return nil, storeError("list cohorts", errFind)
	}
	var cohorts []Cohort
	for _, group := range groups {
		for _, tier := range group.Tiers {
			frequency := ResetFrequency(tier.ResetFrequency)
			if !frequency.Schedulable() {
				continue
			}
			cohorts = append(cohorts, Cohort{
				Kind:           Kind(group.Kind),
				GroupID:        group.GroupID,
				TierName:       tier.TierName,
				Quota:          tier.Quota,
				ResetFrequency: frequency,
			})
		}
	}
	return cohorts, nil
}

// DueBalances returns the cohort's balances whose reset period has ended at now.
func (s *Service) DueBalances(ctx context.Context, cohort Cohort, now time.Time) ([]DueBalance, error) {
	if !cohort.ResetFrequency.Schedulable() {
		return nil, nil
	}
	cutoff := now.UTC().Add(-cohort.ResetFrequency.MinInterval())

	var rows []models.UserBalance
	if errFind := s.db.WithContext(ctx).
		Select("id", "username", "reset_seq", "last_reset_at", "available").
		Where("kind = ? AND group_id = ? AND tier_name = ? AND last_reset_at <= ?",
			string(cohort.Kind), cohort.GroupID, cohort.TierName, cutoff).
		Order("id ASC").
		Find(&rows).Error; errFind != nil {
		return nil, storeError("load due balances", errFind)
	}

	due := make([]DueBalance, 0, len(rows))
	for _, row := range rows {
		if !cohort.ResetFrequency.IsDue(row.LastResetAt, now) {
			continue
		}
		due = append(due, DueBalance{
			ID:          row.ID,
			Username:    row.Username,
			ResetSeq:    row.ResetSeq,
			LastResetAt: row.LastResetAt,
			Available:   row.Available,
		})
	}
	return due, nil
}

// ApplyReset restores one balance to its tier's current quota if it is still at the observed
// reset sequence. It returns false when another writer already reset or re-bound it.
func (s *Service) ApplyReset(ctx context.Context, cohort Cohort, balance DueBalance, now time.Time, reason string) (bool, error) {
	now = now.UTC()
	applied := false
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, errLock := lockGroup(tx, cohort.Kind, cohort.GroupID, clause.LockingStrengthShare); errLock != nil {
			return errLock
		}
		ok, errReset := resetRow(ctx, tx, cohort, balance, now, reason)
		applied = ok
		return errReset
	})
	if errTx != nil {
		return false, storeError("reset balance", errTx)
	}
	return applied, nil
}

// ResetGroup forces every balance in the group back to its tier quota regardless of due state.
func (s *Service) ResetGroup(ctx context.Context, kind Kind, groupID string) (int, error) {
	id, errGroupID := normalizeGroupID(groupID)
	if errGroupID != nil {
		return 0, errGroupID
	}
	now := s.clock()
	count := 0
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		group, errLoad := loadGroup(tx, kind, id)
		if errLoad != nil {
			return errLoad
		}
		for _, tier := range group.Tiers {
			cohort := Cohort{
				Kind:           kind,
				GroupID:        id,
				TierName:       tier.TierName,
				Quota:          tier.Quota,
				ResetFrequency: ResetFrequency(tier.ResetFrequency),
			}
			var rows []models.UserBalance
			if errFind := tx.Where("kind = ? AND group_id = ? AND tier_name = ?", string(kind), id, tier.TierName).
				Order("id ASC").
				Find(&rows).Error; errFind != nil {
				return errFind
			}
			for _, row := range rows {
				ok, errReset := resetRow(ctx, tx, cohort, DueBalance{
					ID:          row.ID,
					Username:    row.Username,
					ResetSeq:    row.ResetSeq,
					LastResetAt: row.LastResetAt,
					Available:   row.Available,
				}, now, "manual")
				if errReset != nil {
					return errReset
				}
				if ok {
					count++
				}
			}
		}
		return nil
	})
	if errTx != nil {
		return 0, storeError("reset group", errTx)
	}
	return count, nil
}

// tierQuota reads the tier's current quota inside tx. It reports false when the tier is gone.
func tierQuota(tx *gorm.DB, kind Kind, groupID, tierName string) (int64, bool, error) {
	var quotas []int64
	errFind := tx.Model(&models.AccountingTier{}).
		Joins("JOIN accounting_groups ON accounting_groups.id = accounting_tiers.group_ref_id").
		Where("accounting_groups.kind = ? AND accounting_groups.group_id = ? AND accounting_tiers.tier_name = ?", string(kind), groupID, tierName).
		Limit(1).
		Pluck("accounting_tiers.quota", &quotas).Error
	if errFind != nil {
		return 0, false, errFind
	}
	if len(quotas) == 0 {
		return 0, false, nil
	}
	return quotas[0], true, nil
}

// resetRow restores one balance to the tier quota as stored now, not as seen when the cohort was listed.
func resetRow(ctx context.Context, tx *gorm.DB, cohort Cohort, balance DueBalance, now time.Time, reason string) (bool, error) {
	quota, found, errQuota := tierQuota(tx, cohort.Kind, cohort.GroupID, cohort.TierName)
	if errQuota != nil {
		return false, errQuota
	}
	if !found {
		return false, nil
	}
	cohort.Quota = quota

	before := balance.Available
	if errScan := tx.Model(&models.UserBalance{}).Select("available").Where("id = ?", balance.ID).Scan(&before).Error; errScan != nil {
		return false, errScan
	}
	res := tx.Model(&models.UserBalance{}).
		Where("id = ? AND reset_seq = ? AND tier_name = ?", balance.ID, balance.ResetSeq, cohort.TierName).
		Updates(map[string]any{
			"available":     cohort.Quota,
			"last_reset_at": now,
			"reset_seq":     gorm.Expr("reset_seq + 1"),
			"updated_at":    now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	errEvent := recordEvent(ctx, tx, now, balanceEvent{
		kind:         cohort.Kind,
		username:     balance.Username,
		groupID:      cohort.GroupID,
		eventType:    models.BalanceEventReset,
		delta:        cohort.Quota - before,
		balanceAfter: cohort.Quota,
		detail: map[string]any{
			"reason":          reason,
			"tier_name":       cohort.TierName,
			"reset_frequency": string(cohort.ResetFrequency),
			"previous_reset":  balance.LastResetAt.UTC().Format(time.RFC3339),
		},
	})
	return errEvent == nil, errEvent
}
