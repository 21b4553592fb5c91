package reset

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/doorman-gateway/accounting/internal/accounting"
	internaldb "github.com/doorman-gateway/accounting/internal/db"
	"github.com/doorman-gateway/accounting/internal/lease"
	"github.com/doorman-gateway/accounting/internal/models"
	"github.com/doorman-gateway/accounting/internal/secrets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixture struct {
	conn   *gorm.DB
	svc    *accounting.Service
	leases *lease.Manager
	now    time.Time
}

func (f *fixture) clock() time.Time { return f.now }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := internaldb.Open("file:" + filepath.Join(t.TempDir(), "reset.db"))
	require.NoError(t, err)
	require.NoError(t, internaldb.Migrate(conn))
	box, err := secrets.NewBox(bytes.Repeat([]byte{5}, secrets.KeySize))
	require.NoError(t, err)

	f := &fixture{conn: conn, now: time.Date(2026, time.January, 15, 9, 0, 0, 0, time.UTC)}
	f.svc = accounting.NewService(conn, box, accounting.WithClock(f.clock))
	f.leases = lease.NewManager(lease.Config{}, f.clock, nil)

	ctx := context.Background()
	_, err = f.svc.CreateGroup(ctx, accounting.KindToken, accounting.CreateGroupInput{
		GroupID: "ai-basic",
		Tiers: []accounting.Tier{
			{Name: "basic", Quota: 100, InputLimit: 150, OutputLimit: 150, ResetFrequency: accounting.ResetMonthly},
			{Name: "forever", Quota: 5, ResetFrequency: accounting.ResetNever},
		},
	})
	require.NoError(t, err)
	userKey := "sk-alice"
	_, err = f.svc.BulkSetForUser(ctx, accounting.KindToken, "alice", map[string]accounting.SetBalanceInput{
		"ai-basic": {TierName: "basic", Available: 100, UserAPIKey: &userKey},
	})
	require.NoError(t, err)
	_, err = f.svc.SetForUser(ctx, accounting.KindToken, "bob", "ai-basic", accounting.SetBalanceInput{TierName: "forever", Available: 1})
	require.NoError(t, err)
	return f
}

func (f *fixture) balance(t *testing.T, username string) models.UserBalance {
	t.Helper()
	var row models.UserBalance
	require.NoError(t, f.conn.Where("username = ?", username).First(&row).Error)
	return row
}

func TestRunOnce_ResetsDueCohortsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scheduler := NewScheduler(f.svc, f.leases, WithClock(f.clock))

	_, err := f.svc.TryDecrement(ctx, accounting.KindToken, "alice", accounting.ConsumeInput{GroupID: "ai-basic", Amount: 30})
	require.NoError(t, err)

	summary, err := scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Cohorts, "never tiers are not scheduled")
	assert.Zero(t, summary.Reset)
	assert.Equal(t, int64(70), f.balance(t, "alice").Available)

	f.now = time.Date(2026, time.February, 15, 9, 0, 0, 0, time.UTC)
	summary, err = scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Reset)

	after := f.balance(t, "alice")
	assert.Equal(t, int64(100), after.Available)
	assert.Equal(t, f.now, after.LastResetAt.UTC())
	assert.Equal(t, int64(1), after.ResetSeq)
	assert.NotEmpty(t, after.UserAPIKeySealed)

	f.now = f.now.Add(time.Hour)
	summary, err = scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Reset)
	again := f.balance(t, "alice")
	assert.Equal(t, after.LastResetAt.UTC(), again.LastResetAt.UTC())
	assert.Equal(t, int64(1), again.ResetSeq)

	injection, err := f.svc.ResolveInjection(ctx, accounting.KindToken, "alice", "ai-basic")
	require.NoError(t, err)
	assert.Equal(t, "sk-alice", injection.Key)

	assert.Equal(t, int64(1), f.balance(t, "bob").Available)
}

func TestApplyReset_StaleSequenceIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.now = time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

	cohorts, err := f.svc.ListCohorts(ctx)
	require.NoError(t, err)
	require.Len(t, cohorts, 1)
	due, err := f.svc.DueBalances(ctx, cohorts[0], f.now)
	require.NoError(t, err)
	require.Len(t, due, 1)

	applied, err := f.svc.ApplyReset(ctx, cohorts[0], due[0], f.now, "scheduled")
	require.NoError(t, err)
	assert.True(t, applied)

	// A second instance that read the same row before the first reset must not reset again.
	applied, err = f.svc.ApplyReset(ctx, cohorts[0], due[0], f.now.Add(time.Second), "scheduled")
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, f.now, f.balance(t, "alice").LastResetAt.UTC())
}

func TestApplyReset_UsesCurrentQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.now = time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

	cohorts, err := f.svc.ListCohorts(ctx)
	require.NoError(t, err)
	require.Len(t, cohorts, 1)
	require.Equal(t, int64(100), cohorts[0].Quota)
	due, err := f.svc.DueBalances(ctx, cohorts[0], f.now)
	require.NoError(t, err)
	require.Len(t, due, 1)

	lowered := []accounting.Tier{
		{Name: "basic", Quota: 40, ResetFrequency: accounting.ResetMonthly},
		{Name: "forever", Quota: 5, ResetFrequency: accounting.ResetNever},
	}
	_, err = f.svc.UpdateGroup(ctx, accounting.KindToken, "ai-basic", accounting.UpdateGroupInput{Tiers: &lowered})
	require.NoError(t, err)

	applied, err := f.svc.ApplyReset(ctx, cohorts[0], due[0], f.now, "scheduled")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(40), f.balance(t, "alice").Available)
}

func TestRunOnce_SkipsLeasedCohorts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.now = time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

	held, err := f.leases.Acquire(ctx, "token:ai-basic:basic", time.Minute)
	require.NoError(t, err)

	scheduler := NewScheduler(f.svc, f.leases, WithClock(f.clock))
	summary, err := scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Leased)
	assert.Zero(t, summary.Reset)

	f.leases.Release(ctx, held)
	summary, err = scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Reset)
}

type recordingObserver struct {
	runs   int
	resets map[string]int
}

func (o *recordingObserver) ObserveResetRun(time.Duration, Summary) { o.runs++ }

func (o *recordingObserver) ObserveReset(kind string, count int) {
	if o.resets == nil {
		o.resets = map[string]int{}
	}
	o.resets[kind] += count
}

func TestResetGroupNow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	observer := &recordingObserver{}
	scheduler := NewScheduler(f.svc, f.leases, WithClock(f.clock), WithObserver(observer))

	_, err := f.svc.TryDecrement(ctx, accounting.KindToken, "alice", accounting.ConsumeInput{GroupID: "ai-basic", Amount: 60})
	require.NoError(t, err)
	_, err = f.svc.TryDecrement(ctx, accounting.KindToken, "bob", accounting.ConsumeInput{GroupID: "ai-basic", Amount: 1})
	require.NoError(t, err)

	count, err := scheduler.ResetGroupNow(ctx, accounting.KindToken, "ai-basic")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, int64(100), f.balance(t, "alice").Available)
	assert.Equal(t, int64(5), f.balance(t, "bob").Available)
	assert.Equal(t, 2, observer.resets["token"])

	_, err = scheduler.ResetGroupNow(ctx, accounting.KindToken, "missing")
	assert.ErrorIs(t, err, accounting.ErrNotFound)
}

func TestNewScheduler_RequiresDependencies(t *testing.T) {
	f := newFixture(t)
	assert.Nil(t, NewScheduler(nil, f.leases))
	assert.Nil(t, NewScheduler(f.svc, nil))

	scheduler := NewScheduler(f.svc, f.leases, WithInterval(-time.Second), WithLeaseTTL(0))
	require.NotNil(t, scheduler)
	assert.Equal(t, defaultInterval, scheduler.interval)
	assert.Equal(t, defaultLeaseTTL, scheduler.leaseTTL)
}
