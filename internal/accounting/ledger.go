package accounting

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	internaldb "github.com/doorman-gateway/accounting/internal/db"
	"github.com/doorman-gateway/accounting/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetForUser returns every balance a user holds, keyed by group id.
func (s *Service) GetForUser(ctx context.Context, kind Kind, username string) (map[string]Balance, error) {
	name, errName := normalizeUsername(username)
	if errName != nil {
		return nil, errName
	}
	conn := s.db.WithContext(ctx)

	var rows []models.UserBalance
	if errFind := conn.Where("kind = ? AND username = ?", string(kind), name).
		Order("group_id ASC").
		Find(&rows).Error; errFind != nil {
		return nil, storeError("get balances", errFind)
	}
	balances, errDecorate := decorateBalances(conn, kind, rows)
	if errDecorate != nil {
		return nil, errDecorate
	}
	out := make(map[string]Balance, len(balances))
	for _, balance := range balances {
		out[balance.GroupID] = balance
	}
	return out, nil
}

// SetForUser writes one balance for a user. New rows and tier changes start a new reset period.
func (s *Service) SetForUser(ctx context.Context, kind Kind, username, groupID string, in SetBalanceInput) (Balance, error) {
	result, errBulk := s.BulkSetForUser(ctx, kind, username, map[string]SetBalanceInput{groupID: in})
	if errBulk != nil {
		return Balance{}, errBulk
	}
	id, _ := normalizeGroupID(groupID)
	return result[id], nil
}

// BulkSetForUser applies all entries in one transaction; any invalid entry aborts the whole write.
// The returned map holds every balance the user has after the write.
func (s *Service) BulkSetForUser(ctx context.Context, kind Kind, username string, entries map[string]SetBalanceInput) (map[string]Balance, error) {
	name, errName := normalizeWritableUsername(username)
	if errName != nil {
		return nil, errName
	}

	groupIDs := make([]string, 0, len(entries))
	normalized := make(map[string]SetBalanceInput, len(entries))
	for rawID, entry := range entries {
		id, errGroupID := normalizeGroupID(rawID)
		if errGroupID != nil {
			return nil, errGroupID
		}
		if _, dup := normalized[id]; dup {
			return nil, invalidArgument("group %q listed twice", id)
		}
		if entry.Available < 0 {
			return nil, invalidArgument("group %q: available must be >= 0", id)
		}
		entry.TierName = strings.TrimSpace(entry.TierName)
		if entry.TierName == "" {
			return nil, invalidArgument("group %q: tier_name is required", id)
		}
		normalized[id] = entry
		groupIDs = append(groupIDs, id)
	}
	sort.Strings(groupIDs)

	now := s.clock()
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, id := range groupIDs {
			if errSet := s.setBalanceTx(ctx, tx, kind, name, id, normalized[id], now); errSet != nil {
				return errSet
			}
		}
		return nil
	})
	if errTx != nil {
		return nil, storeError("set balances", errTx)
	}
	return s.GetForUser(ctx, kind, name)
}

func (s *Service) setBalanceTx(ctx context.Context, tx *gorm.DB, kind Kind, username, groupID string, in SetBalanceInput, now time.Time) error {
	if _, errLock := lockGroup(tx, kind, groupID, clause.LockingStrengthShare); errLock != nil {
		return errLock
	}
	group, errLoad := loadGroup(tx, kind, groupID)
	if errLoad != nil {
		return errLoad
	}
	if _, ok := toGroup(group).Tier(in.TierName); !ok {
		return invalidArgument("tier %q does not exist in %s group %q", in.TierName, kind, groupID)
	}

	var existing models.UserBalance
	errFind := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("kind = ? AND username = ? AND group_id = ?", string(kind), username, groupID).
		First(&existing).Error
	if errFind != nil && !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return errFind
	}

	var userKey string
	if in.UserAPIKey != nil && strings.TrimSpace(*in.UserAPIKey) != "" {
		sealed, errSeal := s.seal(strings.TrimSpace(*in.UserAPIKey))
		if errSeal != nil {
			return errSeal
		}
		userKey = sealed
	}

	detail := map[string]any{"tier_name": in.TierName}
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		row := models.UserBalance{
			Kind:             string(kind),
			Username:         username,
			GroupID:          groupID,
			TierName:         in.TierName,
			Available:        in.Available,
			UserAPIKeySealed: userKey,
			LastResetAt:      now,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if errCreate := tx.Create(&row).Error; errCreate != nil {
			return errCreate
		}
		detail["created"] = true
		return recordEvent(ctx, tx, now, balanceEvent{
			kind:         kind,
			username:     username,
			groupID:      groupID,
			eventType:    models.BalanceEventAdminSet,
			delta:        in.Available,
			balanceAfter: in.Available,
			detail:       detail,
		})
	}

	updates := map[string]any{
		"available":  in.Available,
		"tier_name":  in.TierName,
		"updated_at": now,
	}
	if existing.TierName != in.TierName {
		updates["last_reset_at"] = now
		detail["previous_tier_name"] = existing.TierName
	}
	if in.ClearUserAPIKey {
		updates["user_api_key_sealed"] = ""
	} else if userKey != "" {
		updates["user_api_key_sealed"] = userKey
	}
	if errUpdate := tx.Model(&models.UserBalance{}).Where("id = ?", existing.ID).Updates(updates).Error; errUpdate != nil {
		return errUpdate
	}
	return recordEvent(ctx, tx, now, balanceEvent{
		kind:         kind,
		username:     username,
		groupID:      groupID,
		eventType:    models.BalanceEventAdminSet,
		delta:        in.Available - existing.Available,
		balanceAfter: in.Available,
		detail:       detail,
	})
}

// DeleteForUser removes one balance, or all of the user's balances when groupID is empty.
// Missing balances are not an error; the count of removed rows is returned.
func (s *Service) DeleteForUser(ctx context.Context, kind Kind, username, groupID string) (int64, error) {
	name, errName := normalizeUsername(username)
	if errName != nil {
		return 0, errName
	}
	var id string
	if strings.TrimSpace(groupID) != "" {
		normalizedID, errGroupID := normalizeGroupID(groupID)
		if errGroupID != nil {
			return 0, errGroupID
		}
		id = normalizedID
	}

	now := s.clock()
	var removed int64
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("kind = ? AND username = ?", string(kind), name)
		if id != "" {
			q = q.Where("group_id = ?", id)
		}
		var rows []models.UserBalance
		if errFind := q.Find(&rows).Error; errFind != nil {
			return errFind
		}
		for _, row := range rows {
			if errDelete := tx.Delete(&models.UserBalance{}, row.ID).Error; errDelete != nil {
				return errDelete
			}
			if errEvent := recordEvent(ctx, tx, now, balanceEvent{
				kind:      kind,
				username:  name,
				groupID:   row.GroupID,
				eventType: models.BalanceEventDelete,
				delta:     -row.Available,
				detail:    map[string]any{"reason": "admin_removed", "tier_name": row.TierName},
			}); errEvent != nil {
				return errEvent
			}
		}
		removed = int64(len(rows))
		return nil
	})
	if errTx != nil {
		return 0, storeError("delete balances", errTx)
	}
	return removed, nil
}

// TryDecrement subtracts in.Amount from the user's balance with a single conditional
// update. When the balance is too small nothing changes and InsufficientBalance is returned.
func (s *Service) TryDecrement(ctx context.Context, kind Kind, username string, in ConsumeInput) (ConsumeResult, error) {
	name, errName := normalizeUsername(username)
	if errName != nil {
		return ConsumeResult{}, errName
	}
	groupID, errGroupID := normalizeGroupID(in.GroupID)
	if errGroupID != nil {
		return ConsumeResult{}, errGroupID
	}
	if in.Amount <= 0 {
		return ConsumeResult{}, invalidArgument("amount must be > 0")
	}
	if in.Input < 0 || in.Output < 0 {
		return ConsumeResult{}, invalidArgument("input and output must be >= 0")
	}

	now := s.clock()
	result := ConsumeResult{GroupID: groupID, Consumed: in.Amount}
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var balance models.UserBalance
		if errFind := tx.Where("kind = ? AND username = ? AND group_id = ?", string(kind), name, groupID).
			First(&balance).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return notFound("no %s balance for user %q in group %q", kind, name, groupID)
			}
			return errFind
		}
		if errLimits := checkTierLimits(tx, kind, balance, in); errLimits != nil {
			return errLimits
		}

		res := tx.Model(&models.UserBalance{}).
			Where("id = ? AND available >= ?", balance.ID, in.Amount).
			Updates(map[string]any{
				"available":  gorm.Expr("available - ?", in.Amount),
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		var after int64
		if errScan := tx.Model(&models.UserBalance{}).Select("available").Where("id = ?", balance.ID).Scan(&after).Error; errScan != nil {
			return errScan
		}
		if res.RowsAffected == 0 {
			err := newError(CodeInsufficientBalance, "insufficient %s balance: requested %d, available %d", kind, in.Amount, after)
			err.Details = map[string]any{"requested": in.Amount, "available": after}
			return err
		}
		result.Available = after

		detail := map[string]any{}
		if in.Input > 0 {
			detail["input"] = in.Input
		}
		if in.Output > 0 {
			detail["output"] = in.Output
		}
		return recordEvent(ctx, tx, now, balanceEvent{
			kind:         kind,
			username:     name,
			groupID:      groupID,
			eventType:    models.BalanceEventConsume,
			delta:        -in.Amount,
			balanceAfter: after,
			detail:       detail,
		})
	})
	if errTx != nil {
		return ConsumeResult{}, storeError("consume", errTx)
	}
	return result, nil
}

// checkTierLimits enforces the bound tier's per-request input and output caps. Zero means uncapped.
func checkTierLimits(tx *gorm.DB, kind Kind, balance models.UserBalance, in ConsumeInput) error {
	group, errLoad := loadGroup(tx, kind, balance.GroupID)
	if errLoad != nil {
		return errLoad
	}
	tier, ok := toGroup(group).Tier(balance.TierName)
	if !ok {
		return newError(CodeConflict, "balance for %q is bound to missing tier %q in group %q", balance.Username, balance.TierName, balance.GroupID)
	}
	if tier.InputLimit > 0 && in.Input > tier.InputLimit {
		return invalidArgument("input %d exceeds tier %q input_limit %d", in.Input, tier.Name, tier.InputLimit)
	}
	if tier.OutputLimit > 0 && in.Output > tier.OutputLimit {
		return invalidArgument("output %d exceeds tier %q output_limit %d", in.Output, tier.Name, tier.OutputLimit)
	}
	return nil
}

// CanSpend reports whether the user could currently spend amount without mutating anything.
func (s *Service) CanSpend(ctx context.Context, kind Kind, username, groupID string, amount int64) (SpendCheck, error) {
	name, errName := normalizeUsername(username)
	if errName != nil {
		return SpendCheck{}, errName
	}
	id, errGroupID := normalizeGroupID(groupID)
	if errGroupID != nil {
		return SpendCheck{}, errGroupID
	}
	if amount <= 0 {
		return SpendCheck{}, invalidArgument("amount must be > 0")
	}
	var balance models.UserBalance
	if errFind := s.db.WithContext(ctx).
		Where("kind = ? AND username = ? AND group_id = ?", string(kind), name, id).
		First(&balance).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return SpendCheck{}, notFound("no %s balance for user %q in group %q", kind, name, id)
		}
		return SpendCheck{}, storeError("check balance", errFind)
	}
	return SpendCheck{
		GroupID:   id,
		Amount:    amount,
		Available: balance.Available,
		Allowed:   balance.Available >= amount,
	}, nil
}

// ListBalances returns one page of all balances of a kind ordered by username and group.
// A non-empty search filters usernames case-insensitively.
func (s *Service) ListBalances(ctx context.Context, kind Kind, page PageRequest, search string) ([]Balance, PageInfo, error) {
	page, errPage := page.Normalize()
	if errPage != nil {
		return nil, PageInfo{}, errPage
	}
	conn := s.db.WithContext(ctx)

	q := conn.Model(&models.UserBalance{}).Where("kind = ?", string(kind))
	if term := strings.TrimSpace(search); term != "" {
		q = q.Where(internaldb.CaseInsensitiveLikeExpr(conn, "username"), internaldb.ContainsPattern(conn, term))
	}
	var rows []models.UserBalance
	if errFind := q.Order("username ASC, group_id ASC").
		Offset(page.offset()).
		Limit(page.PageSize + 1).
		Find(&rows).Error; errFind != nil {
		return nil, PageInfo{}, storeError("list balances", errFind)
	}
	rows, info := trimPage(rows, page)
	balances, errDecorate := decorateBalances(conn, kind, rows)
	if errDecorate != nil {
		return nil, PageInfo{}, errDecorate
	}
	return balances, info, nil
}

// decorateBalances joins balances with their tiers to fill quota and reset timing.
func decorateBalances(conn *gorm.DB, kind Kind, rows []models.UserBalance) ([]Balance, error) {
	out := make([]Balance, 0, len(rows))
	if len(rows) == 0 {
		return out, nil
	}
	seen := map[string]struct{}{}
	groupIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		if _, ok := seen[row.GroupID]; ok {
			continue
		}
		seen[row.GroupID] = struct{}{}
		groupIDs = append(groupIDs, row.GroupID)
	}

	var groups []models.AccountingGroup
	if errFind := conn.Preload("Tiers").
		Where("kind = ? AND group_id IN ?", string(kind), groupIDs).
		Find(&groups).Error; errFind != nil {
		return nil, storeError("load groups", errFind)
	}
	tiers := make(map[string]Tier)
	for _, group := range groups {
		for _, tier := range group.Tiers {
			tiers[group.GroupID+"\x00"+tier.TierName] = toTier(tier)
		}
	}

	for _, row := range rows {
		balance := Balance{
			Username:          row.Username,
			GroupID:           row.GroupID,
			TierName:          row.TierName,
			Available:         row.Available,
			UserAPIKeyPresent: row.UserAPIKeySealed != "",
			LastResetAt:       row.LastResetAt,
			UpdatedAt:         row.UpdatedAt,
		}
		if tier, ok := tiers[row.GroupID+"\x00"+row.TierName]; ok {
			balance.Quota = tier.Quota
			balance.ResetFrequency = tier.ResetFrequency
			if next, schedulable := tier.ResetFrequency.NextReset(row.LastResetAt); schedulable {
				balance.NextResetAt = &next
			}
		}
		out = append(out, balance)
	}
	return out, nil
}
