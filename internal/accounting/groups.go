package accounting

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/doorman-gateway/accounting/internal/db"
	"github.com/doorman-gateway/accounting/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateGroup validates and stores a new group with its tiers.
func (s *Service) CreateGroup(ctx context.Context, kind Kind, in CreateGroupInput) (Group, error) {
	groupID, errGroupID := normalizeGroupID(in.GroupID)
	if errGroupID != nil {
		return Group{}, errGroupID
	}
	header, errHeader := normalizeHeader(in.APIKeyHeader)
	if errHeader != nil {
		return Group{}, errHeader
	}
	tiers, errTiers := normalizeTiers(in.Tiers)
	if errTiers != nil {
		return Group{}, errTiers
	}
	sealed, errSeal := s.seal(strings.TrimSpace(in.APIKey))
	if errSeal != nil {
		return Group{}, errSeal
	}

	now := s.clock()
	row := models.AccountingGroup{
		Kind:         string(kind),
		GroupID:      groupID,
		APIKeyHeader: header,
		APIKeySealed: sealed,
		Tiers:        tierRows(tiers),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if errCount := tx.Model(&models.AccountingGroup{}).
			Where("kind = ? AND group_id = ?", string(kind), groupID).
			Count(&count).Error; errCount != nil {
			return errCount
		}
		if count > 0 {
			return newError(CodeConflict, "%s group %q already exists", kind, groupID)
		}
		return tx.Create(&row).Error
	})
	if errTx != nil {
		if db.IsUniqueViolation(errTx) {
			return Group{}, newError(CodeConflict, "%s group %q already exists", kind, groupID)
		}
		return Group{}, storeError("create group", errTx)
	}
	return toGroup(row), nil
}

// GetGroup returns a redacted group definition.
func (s *Service) GetGroup(ctx context.Context, kind Kind, groupID string) (Group, error) {
	id, errGroupID := normalizeGroupID(groupID)
	if errGroupID != nil {
		return Group{}, errGroupID
	}
	row, errLoad := loadGroup(s.db.WithContext(ctx), kind, id)
	if errLoad != nil {
		return Group{}, errLoad
	}
	return toGroup(row), nil
}

// ListGroups returns one page of groups ordered by group id.
func (s *Service) ListGroups(ctx context.Context, kind Kind, page PageRequest) ([]Group, PageInfo, error) {
	page, errPage := page.Normalize()
	if errPage != nil {
		return nil, PageInfo{}, errPage
	}

	var rows []models.AccountingGroup
	errFind := s.db.WithContext(ctx).
		Preload("Tiers", orderTiers).
		Where("kind = ?", string(kind)).
		Order("group_id ASC").
		Offset(page.offset()).
		Limit(page.PageSize + 1).
		Find(&rows).Error
	if errFind != nil {
		return nil, PageInfo{}, storeError("list groups", errFind)
	}
	rows, info := trimPage(rows, page)

	out := make([]Group, 0, len(rows))
	for _, row := range rows {
		out = append(out, toGroup(row))
	}
	return out, info, nil
}

// UpdateGroup applies a partial update. Replacing tiers fails with Conflict when a
// removed tier still has bound balances; the error details list them.
func (s *Service) UpdateGroup(ctx context.Context, kind Kind, groupID string, in UpdateGroupInput) (Group, error) {
	id, errGroupID := normalizeGroupID(groupID)
	if errGroupID != nil {
		return Group{}, errGroupID
	}

	updates := map[string]any{}
	if in.APIKeyHeader != nil {
		header, errHeader := normalizeHeader(*in.APIKeyHeader)
		if errHeader != nil {
			return Group{}, errHeader
		}
		updates["api_key_header"] = header
	}
	if in.ClearAPIKey {
		updates["api_key_sealed"] = ""
	} else if in.APIKey != nil && strings.TrimSpace(*in.APIKey) != "" {
		sealed, errSeal := s.seal(strings.TrimSpace(*in.APIKey))
		if errSeal != nil {
			return Group{}, errSeal
		}
		updates["api_key_sealed"] = sealed
	}
	var tiers []Tier
	if in.Tiers != nil {
		normalized, errTiers := normalizeTiers(*in.Tiers)
		if errTiers != nil {
			return Group{}, errTiers
		}
		tiers = normalized
	}

	now := s.clock()
	updates["updated_at"] = now

	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, errLock := lockGroup(tx, kind, id, clause.LockingStrengthUpdate); errLock != nil {
			return errLock
		}
		row, errLoad := loadGroup(tx, kind, id)
		if errLoad != nil {
			return errLoad
		}
		if in.Tiers != nil {
			if errApply := applyTiers(tx, kind, row, tiers); errApply != nil {
				return errApply
			}
		}
		return tx.Model(&models.AccountingGroup{}).Where("id = ?", row.ID).Updates(updates).Error
	})
	if errTx != nil {
		return Group{}, storeError("update group", errTx)
	}
	return s.GetGroup(ctx, kind, id)
}

// DeleteGroup removes a group, its tiers and every bound balance in one transaction.
// confirm must repeat the group id. Deleting a missing group succeeds with deleted=false.
func (s *Service) DeleteGroup(ctx context.Context, kind Kind, groupID, confirm string) (bool, error) {
	id, errGroupID := normalizeGroupID(groupID)
	if errGroupID != nil {
		return false, errGroupID
	}
	if strings.TrimSpace(confirm) != id {
		return false, invalidArgument("confirmation does not match group id %q", id)
	}

	now := s.clock()
	deleted := false
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rowID, errLock := lockGroup(tx, kind, id, clause.LockingStrengthUpdate)
		if errLock != nil {
			return errLock
		}
		deleted = rowID != 0

		var balances []models.UserBalance
		if errBalances := tx.Where("kind = ? AND group_id = ?", string(kind), id).Find(&balances).Error; errBalances != nil {
			return errBalances
		}
		for _, balance := range balances {
			if errEvent := recordEvent(ctx, tx, now, balanceEvent{
				kind:      kind,
				username:  balance.Username,
				groupID:   id,
				eventType: models.BalanceEventDelete,
				delta:     -balance.Available,
				detail:    map[string]any{"reason": "group_deleted", "tier_name": balance.TierName},
			}); errEvent != nil {
				return errEvent
			}
		}
		if errDelete := tx.Where("kind = ? AND group_id = ?", string(kind), id).Delete(&models.UserBalance{}).Error; errDelete != nil {
			return errDelete
		}
		if !deleted {
			return nil
		}
		if errDelete := tx.Where("group_ref_id = ?", rowID).Delete(&models.AccountingTier{}).Error; errDelete != nil {
			return errDelete
		}
		return tx.Delete(&models.AccountingGroup{}, rowID).Error
	})
	if errTx != nil {
		return false, storeError("delete group", errTx)
	}
	return deleted, nil
}

// ResolveInjection returns the header and key the proxy path injects for username.
// A user override wins over the group key.
func (s *Service) ResolveInjection(ctx context.Context, kind Kind, username, groupID string) (Injection, error) {
	name, errName := normalizeUsername(username)
	if errName != nil {
		return Injection{}, errName
	}
	id, errGroupID := normalizeGroupID(groupID)
	if errGroupID != nil {
		return Injection{}, errGroupID
	}
	conn := s.db.WithContext(ctx)
	group, errLoad := loadGroup(conn, kind, id)
	if errLoad != nil {
		return Injection{}, errLoad
	}
	out := Injection{Header: group.APIKeyHeader}

	var balance models.UserBalance
	errFind := conn.Where("kind = ? AND username = ? AND group_id = ?", string(kind), name, id).First(&balance).Error
	switch {
	case errFind == nil && balance.UserAPIKeySealed != "":
		key, errOpen := s.open(balance.UserAPIKeySealed)
		if errOpen != nil {
			return Injection{}, errOpen
		}
		out.Key, out.Source = key, "user"
		return out, nil
	case errFind != nil && !errors.Is(errFind, gorm.ErrRecordNotFound):
		return Injection{}, storeError("resolve injection", errFind)
	}

	if group.APIKeySealed != "" {
		key, errOpen := s.open(group.APIKeySealed)
		if errOpen != nil {
			return Injection{}, errOpen
		}
		out.Key, out.Source = key, "group"
	}
	return out, nil
}

// CheckIntegrity lists balances whose group or tier no longer exists.
func (s *Service) CheckIntegrity(ctx context.Context, kind Kind) ([]IntegrityIssue, error) {
	conn := s.db.WithContext(ctx)
	var groups []models.AccountingGroup
	if errFind := conn.Preload("Tiers").Where("kind = ?", string(kind)).Find(&groups).Error; errFind != nil {
		return nil, storeError("check integrity", errFind)
	}
	known := make(map[string]map[string]struct{}, len(groups))
	for _, group := range groups {
		names := make(map[string]struct{}, len(group.Tiers))
		for _, tier := range group.Tiers {
			names[tier.TierName] = struct{}{}
		}
		known[group.GroupID] = names
	}

	issues := []IntegrityIssue{}
	var batch []models.UserBalance
	errScan := conn.Where("kind = ?", string(kind)).
		FindInBatches(&batch, 500, func(_ *gorm.DB, _ int) error {
			for _, balance := range batch {
				tiers, ok := known[balance.GroupID]
				if !ok {
					issues = append(issues, IntegrityIssue{Username: balance.Username, GroupID: balance.GroupID, TierName: balance.TierName, Problem: "group_missing"})
					continue
				}
				if _, ok = tiers[balance.TierName]; !ok {
					issues = append(issues, IntegrityIssue{Username: balance.Username, GroupID: balance.GroupID, TierName: balance.TierName, Problem: "tier_missing"})
				}
			}
			return nil
		}).Error
	if errScan != nil {
		return nil, storeError("check integrity", errScan)
	}
	return issues, nil
}

// applyTiers replaces the group's tiers with desired, keeping rows whose names survive.
func applyTiers(tx *gorm.DB, kind Kind, group models.AccountingGroup, desired []Tier) error {
	existing := make(map[string]models.AccountingTier, len(group.Tiers))
	for _, tier := range group.Tiers {
		existing[tier.TierName] = tier
	}
	keep := make(map[string]struct{}, len(desired))
	for _, tier := range desired {
		keep[tier.Name] = struct{}{}
	}

	var removed []string
	for name := range existing {
		if _, ok := keep[name]; !ok {
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)

	if len(removed) > 0 {
		var bound []models.UserBalance
		if errFind := tx.Select("tier_name", "username").
			Where("kind = ? AND group_id = ? AND tier_name IN ?", string(kind), group.GroupID, removed).
			Order("tier_name ASC, username ASC").
			Find(&bound).Error; errFind != nil {
			return errFind
		}
		if len(bound) > 0 {
			orphaned := []OrphanedTier{}
			for _, balance := range bound {
				if n := len(orphaned); n > 0 && orphaned[n-1].TierName == balance.TierName {
					orphaned[n-1].Usernames = append(orphaned[n-1].Usernames, balance.Username)
					continue
				}
				orphaned = append(orphaned, OrphanedTier{TierName: balance.TierName, Usernames: []string{balance.Username}})
			}
			names := make([]string, 0, len(orphaned))
			for _, item := range orphaned {
				names = append(names, item.TierName)
			}
			err := newError(CodeConflict, "cannot remove tiers with bound users: %s", strings.Join(names, ", "))
			err.Details = orphaned
			return err
		}
		if errDelete := tx.Where("group_ref_id = ? AND tier_name IN ?", group.ID, removed).Delete(&models.AccountingTier{}).Error; errDelete != nil {
			return errDelete
		}
	}

	for idx, tier := range desired {
		if current, ok := existing[tier.Name]; ok {
			if errUpdate := tx.Model(&models.AccountingTier{}).Where("id = ?", current.ID).Updates(map[string]any{
				"quota":           tier.Quota,
				"input_limit":     tier.InputLimit,
				"output_limit":    tier.OutputLimit,
				"reset_frequency": string(tier.ResetFrequency),
				"position":        idx,
			}).Error; errUpdate != nil {
				return errUpdate
			}
			continue
		}
		row := tierRow(tier, idx)
		row.GroupRefID = group.ID
		if errCreate := tx.Create(&row).Error; errCreate != nil {
			return errCreate
		}
	}
	return nil
}

// groupLockQuery selects the group row under a row lock of the given strength.
// SQLite drops the clause; its single connection already serializes writers.
func groupLockQuery(tx *gorm.DB, kind Kind, groupID, strength string) *gorm.DB {
	return tx.Model(&models.AccountingGroup{}).
		Clauses(clause.Locking{Strength: strength}).
		Where("kind = ? AND group_id = ?", string(kind), groupID).
		Limit(1)
}

// lockGroup locks the group row for the rest of tx and returns its row id, or 0 when absent.
// Writers that check bindings take SHARE; writers that change tiers or delete take UPDATE.
func lockGroup(tx *gorm.DB, kind Kind, groupID, strength string) (uint64, error) {
	var ids []uint64
	if errLock := groupLockQuery(tx, kind, groupID, strength).Pluck("id", &ids).Error; errLock != nil {
		return 0, errLock
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return ids[0], nil
}

func loadGroup(conn *gorm.DB, kind Kind, groupID string) (models.AccountingGroup, error) {
	var row models.AccountingGroup
	errFind := conn.Preload("Tiers", orderTiers).
		Where("kind = ? AND group_id = ?", string(kind), groupID).
		First(&row).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return row, notFound("%s group %q not found", kind, groupID)
		}
		return row, storeError("load group", errFind)
	}
	return row, nil
}

func orderTiers(conn *gorm.DB) *gorm.DB {
	return conn.Order("position ASC, id ASC")
}

func tierRows(tiers []Tier) []models.AccountingTier {
	rows := make([]models.AccountingTier, 0, len(tiers))
	for idx, tier := range tiers {
		rows = append(rows, tierRow(tier, idx))
	}
	return rows
}

func tierRow(tier Tier, position int) models.AccountingTier {
	return models.AccountingTier{
		TierName:       tier.Name,
		Quota:          tier.Quota,
		InputLimit:     tier.InputLimit,
		OutputLimit:    tier.OutputLimit,
		ResetFrequency: string(tier.ResetFrequency),
		Position:       position,
	}
}

func toGroup(row models.AccountingGroup) Group {
	tiers := make([]Tier, 0, len(row.Tiers))
	for _, tier := range row.Tiers {
		tiers = append(tiers, toTier(tier))
	}
	return Group{
		Kind:          Kind(row.Kind),
		GroupID:       row.GroupID,
		APIKeyHeader:  row.APIKeyHeader,
		APIKeyPresent: row.APIKeySealed != "",
		Tiers:         tiers,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}
}

func toTier(row models.AccountingTier) Tier {
	return Tier{
		Name:           row.TierName,
		Quota:          row.Quota,
		InputLimit:     row.InputLimit,
		OutputLimit:    row.OutputLimit,
		ResetFrequency: ResetFrequency(row.ResetFrequency),
	}
}
