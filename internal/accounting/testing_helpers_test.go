package accounting

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	internaldb "github.com/doorman-gateway/accounting/internal/db"
	"github.com/doorman-gateway/accounting/internal/secrets"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestService(t *testing.T) (*Service, *testClock) {
	t.Helper()
	conn, err := internaldb.Open("file:" + filepath.Join(t.TempDir(), "accounting.db"))
	require.NoError(t, err)
	require.NoError(t, internaldb.Migrate(conn))
	t.Cleanup(func() {
		if sqlDB, errDB := conn.DB(); errDB == nil {
			_ = sqlDB.Close()
		}
	})

	box, err := secrets.NewBox(bytes.Repeat([]byte{3}, secrets.KeySize))
	require.NoError(t, err)
	clock := &testClock{now: time.Date(2026, time.January, 15, 9, 0, 0, 0, time.UTC)}
	return NewService(conn, box, WithClock(clock.Now)), clock
}

func basicTokenGroup(apiKey string) CreateGroupInput {
	return CreateGroupInput{
		GroupID:      "ai-basic",
		APIKeyHeader: "x-api-key",
		APIKey:       apiKey,
		Tiers: []Tier{
			{Name: "basic", Quota: 100, InputLimit: 150, OutputLimit: 150, ResetFrequency: ResetMonthly},
		},
	}
}

func seedBasic(t *testing.T, svc *Service) {
	t.Helper()
	ctx := context.Background()
	_, err := svc.CreateGroup(ctx, KindToken, basicTokenGroup("sk-group"))
	require.NoError(t, err)
	_, err = svc.SetForUser(ctx, KindToken, "alice", "ai-basic", SetBalanceInput{TierName: "basic", Available: 100})
	require.NoError(t, err)
}
