package accounting

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/doorman-gateway/accounting/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryDecrement_BasicScenario(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedBasic(t, svc)

	result, err := svc.TryDecrement(ctx, KindToken, "alice", ConsumeInput{GroupID: "ai-basic", Amount: 30})
	require.NoError(t, err)
	assert.Equal(t, int64(70), result.Available)

	_, err = svc.TryDecrement(ctx, KindToken, "alice", ConsumeInput{GroupID: "ai-basic", Amount: 80})
	require.ErrorIs(t, err, ErrInsufficientBalance)
	var accErr *Error
	require.True(t, errors.As(err, &accErr))
	assert.Equal(t, map[string]any{"requested": int64(80), "available": int64(70)}, accErr.Details)

	balances, err := svc.GetForUser(ctx, KindToken, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(70), balances["ai-basic"].Available)

	var events []models.BalanceEvent
	require.NoError(t, svc.db.Where("event_type = ?", models.BalanceEventConsume).Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, int64(-30), events[0].Delta)
	assert.Equal(t, int64(70), events[0].BalanceAfter)
}

func TestTryDecrement_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedBasic(t, svc)

	_, err := svc.TryDecrement(ctx, KindToken, "alice", ConsumeInput{GroupID: "ai-basic", Amount: 0})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.TryDecrement(ctx, KindToken, "alice", ConsumeInput{GroupID: "ai-basic", Amount: 1, Input: 151})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.TryDecrement(ctx, KindToken, "alice", ConsumeInput{GroupID: "ai-basic", Amount: 1, Output: 151})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.TryDecrement(ctx, KindToken, "bob", ConsumeInput{GroupID: "ai-basic", Amount: 1})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.TryDecrement(ctx, KindCredit, "alice", ConsumeInput{GroupID: "ai-basic", Amount: 1})
	assert.ErrorIs(t, err, ErrNotFound)

	result, err := svc.TryDecrement(ctx, KindToken, "alice", ConsumeInput{GroupID: "ai-basic", Amount: 100, Input: 150, Output: 150})
	require.NoError(t, err)
	assert.Zero(t, result.Available)
}

func TestTryDecrement_ConcurrentNeverOverdraws(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedBasic(t, svc)

	const (
		callers = 12
		amount  = 30
	)
	var succeeded atomic.Int64
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			_, err := svc.TryDecrement(ctx, KindToken, "alice", ConsumeInput{GroupID: "ai-basic", Amount: amount})
			if err == nil {
				succeeded.Add(1)
				return
			}
			assert.ErrorIs(t, err, ErrInsufficientBalance)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(100/amount), succeeded.Load())
	balances, err := svc.GetForUser(ctx, KindToken, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100-(100/amount)*amount), balances["ai-basic"].Available)
}

func TestSetForUser_ValidatesReferences(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedBasic(t, svc)

	_, err := svc.SetForUser(ctx, KindToken, "alice", "ai-basic", SetBalanceInput{TierName: "platinum", Available: 1})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.SetForUser(ctx, KindToken, "alice", "missing", SetBalanceInput{TierName: "basic", Available: 1})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.SetForUser(ctx, KindToken, "alice", "ai-basic", SetBalanceInput{TierName: "basic", Available: -1})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.SetForUser(ctx, KindToken, "all", "ai-basic", SetBalanceInput{TierName: "basic", Available: 1})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	// Admin overrides may exceed the tier quota.
	balance, err := svc.SetForUser(ctx, KindToken, "alice", "ai-basic", SetBalanceInput{TierName: "basic", Available: 500})
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance.Available)
	assert.Equal(t, int64(100), balance.Quota)
	require.NotNil(t, balance.NextResetAt)
	assert.Equal(t, time.Date(2026, time.February, 15, 9, 0, 0, 0, time.UTC), *balance.NextResetAt)
}

func TestSetForUser_TierChangeRestartsPeriod(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()
	seedBasic(t, svc)
	tiers := []Tier{
		{Name: "basic", Quota: 100, ResetFrequency: ResetMonthly},
		{Name: "pro", Quota: 1000, ResetFrequency: ResetDaily},
	}
	_, err := svc.UpdateGroup(ctx, KindToken, "ai-basic", UpdateGroupInput{Tiers: &tiers})
	require.NoError(t, err)

	clock.Advance(48 * time.Hour)
	balance, err := svc.SetForUser(ctx, KindToken, "alice", "ai-basic", SetBalanceInput{TierName: "basic", Available: 40})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, time.January, 15, 9, 0, 0, 0, time.UTC), balance.LastResetAt.UTC())

	balance, err = svc.SetForUser(ctx, KindToken, "alice", "ai-basic", SetBalanceInput{TierName: "pro", Available: 1000})
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), balance.LastResetAt.UTC())
	assert.Equal(t, ResetDaily, balance.ResetFrequency)
}

func TestBulkSetForUser_AllOrNothing(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedBasic(t, svc)
	_, err := svc.CreateGroup(ctx, KindToken, CreateGroupInput{GroupID: "ai-pro", Tiers: []Tier{{Name: "pro", Quota: 10}}})
	require.NoError(t, err)

	_, err = svc.BulkSetForUser(ctx, KindToken, "bob", map[string]SetBalanceInput{
		"ai-basic": {TierName: "basic", Available: 10},
		"ai-pro":   {TierName: "nope", Available: 10},
	})
	require.ErrorIs(t, err, ErrInvalidArgument)

	balances, err := svc.GetForUser(ctx, KindToken, "bob")
	require.NoError(t, err)
	assert.Empty(t, balances)

	userKey := "sk-bob"
	balances, err = svc.BulkSetForUser(ctx, KindToken, "bob", map[string]SetBalanceInput{
		"ai-basic": {TierName: "basic", Available: 10},
		"ai-pro":   {TierName: "pro", Available: 3, UserAPIKey: &userKey},
	})
	require.NoError(t, err)
	require.Len(t, balances, 2)
	assert.True(t, balances["ai-pro"].UserAPIKeyPresent)
	assert.False(t, balances["ai-basic"].UserAPIKeyPresent)
	assert.Nil(t, balances["ai-pro"].NextResetAt)

	injection, err := svc.ResolveInjection(ctx, KindToken, "bob", "ai-pro")
	require.NoError(t, err)
	assert.Equal(t, "sk-bob", injection.Key)
	assert.Equal(t, "user", injection.Source)

	injection, err = svc.ResolveInjection(ctx, KindToken, "bob", "ai-basic")
	require.NoError(t, err)
	assert.Equal(t, "sk-group", injection.Key)
	assert.Equal(t, "group", injection.Source)
}

func TestSetForUser_OmittedUserKeyIsKept(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedBasic(t, svc)
	userKey := "sk-alice"
	_, err := svc.SetForUser(ctx, KindToken, "alice", "ai-basic", SetBalanceInput{TierName: "basic", Available: 5, UserAPIKey: &userKey})
	require.NoError(t, err)

	balance, err := svc.SetForUser(ctx, KindToken, "alice", "ai-basic", SetBalanceInput{TierName: "basic", Available: 6})
	require.NoError(t, err)
	assert.True(t, balance.UserAPIKeyPresent)

	balance, err = svc.SetForUser(ctx, KindToken, "alice", "ai-basic", SetBalanceInput{TierName: "basic", Available: 6, ClearUserAPIKey: true})
	require.NoError(t, err)
	assert.False(t, balance.UserAPIKeyPresent)
}

func TestCanSpend(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedBasic(t, svc)

	check, err := svc.CanSpend(ctx, KindToken, "alice", "ai-basic", 100)
	require.NoError(t, err)
	assert.True(t, check.Allowed)

	check, err = svc.CanSpend(ctx, KindToken, "alice", "ai-basic", 101)
	require.NoError(t, err)
	assert.False(t, check.Allowed)
	assert.Equal(t, int64(100), check.Available)

	_, err = svc.CanSpend(ctx, KindToken, "zed", "ai-basic", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteForUser(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()
	seedBasic(t, svc)
	clock.Advance(time.Minute)

	removed, err := svc.DeleteForUser(ctx, KindToken, "alice", "ai-basic")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	removed, err = svc.DeleteForUser(ctx, KindToken, "alice", "")
	require.NoError(t, err)
	assert.Zero(t, removed)

	events, _, err := svc.ListEvents(ctx, KindToken, "alice", PageRequest{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, string(models.BalanceEventDelete), events[0].Type)
	assert.Equal(t, "admin_removed", events[0].Detail["reason"])
	assert.Equal(t, string(models.BalanceEventAdminSet), events[1].Type)
}

func TestListBalances_PaginationAndSearch(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedBasic(t, svc)
	for _, name := range []string{"bob", "carol", "Alicia"} {
		_, err := svc.SetForUser(ctx, KindToken, name, "ai-basic", SetBalanceInput{TierName: "basic", Available: 1})
		require.NoError(t, err)
	}

	page, info, err := svc.ListBalances(ctx, KindToken, PageRequest{Page: 1, PageSize: 3}, "")
	require.NoError(t, err)
	assert.Len(t, page, 3)
	assert.True(t, info.HasNext)

	page, info, err = svc.ListBalances(ctx, KindToken, PageRequest{Page: 2, PageSize: 3}, "")
	require.NoError(t, err)
	assert.Len(t, page, 1)
	assert.False(t, info.HasNext)

	page, _, err = svc.ListBalances(ctx, KindToken, PageRequest{}, "ALI")
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

func TestListEvents_AuditTrail(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := WithAudit(context.Background(), AuditInfo{Actor: "admin", RequestID: "req-1"})
	_, err := svc.CreateGroup(ctx, KindToken, basicTokenGroup(""))
	require.NoError(t, err)
	_, err = svc.SetForUser(ctx, KindToken, "alice", "ai-basic", SetBalanceInput{TierName: "basic", Available: 100})
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = svc.TryDecrement(ctx, KindToken, "alice", ConsumeInput{GroupID: "ai-basic", Amount: 10, Input: 4})
	require.NoError(t, err)

	events, info, err := svc.ListEvents(ctx, KindToken, "alice", PageRequest{Page: 1, PageSize: 1})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, info.HasNext)
	assert.Equal(t, "consume", events[0].Type)
	assert.Equal(t, "admin", events[0].Actor)
	assert.Equal(t, "req-1", events[0].RequestID)
	assert.EqualValues(t, 4, events[0].Detail["input"])
}
