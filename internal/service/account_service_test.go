//go:build unit

package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestAccountService(t *testing.T) (*AccountService, *memAccountRepo) {
	t.Helper()
	repo := newMemAccountRepo()
	return NewAccountService(repo, 3, 30*time.Minute), repo
}

func TestAccountService_ErrorThresholdDisablesAccount(t *testing.T) {
	svc, _ := newTestAccountService(t)
	ctx := context.Background()

	account := &Account{Email: "a@test", Enabled: true, Sora2Remaining: Sora2QuotaUntracked}
	require.NoError(t, svc.Create(ctx, account))

	require.NoError(t, svc.RecordError(ctx, account.ID))
	require.NoError(t, svc.RecordError(ctx, account.ID))

	got, err := svc.GetByID(ctx, account.ID)
	require.NoError(t, err)
	require.True(t, got.Enabled)
	require.Equal(t, 2, got.ErrorCount)

	require.NoError(t, svc.RecordError(ctx, account.ID))

	got, err = svc.GetByID(ctx, account.ID)
	require.NoError(t, err)
	require.False(t, got.Enabled)
	require.NotNil(t, got.CooldownUntil)
	require.True(t, got.CooldownUntil.After(time.Now()))
}

func TestAccountService_SuccessResetsErrorCount(t *testing.T) {
	svc, _ := newTestAccountService(t)
	ctx := context.Background()

	account := &Account{Enabled: true}
	require.NoError(t, svc.Create(ctx, account))
	require.NoError(t, svc.RecordError(ctx, account.ID))
	require.NoError(t, svc.RecordError(ctx, account.ID))

	require.NoError(t, svc.RecordSuccess(ctx, account.ID))

	got, err := svc.GetByID(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, 0, got.ErrorCount)
	require.True(t, got.Enabled)
}

func TestAccountService_EnableClearsCooldown(t *testing.T) {
	svc, _ := newTestAccountService(t)
	ctx := context.Background()

	account := &Account{Enabled: true}
	require.NoError(t, svc.Create(ctx, account))
	for i := 0; i < 3; i++ {
		require.NoError(t, svc.RecordError(ctx, account.ID))
	}

	require.NoError(t, svc.SetEnabled(ctx, account.ID, true))

	got, err := svc.GetByID(ctx, account.ID)
	require.NoError(t, err)
	require.True(t, got.Enabled)
	require.Equal(t, 0, got.ErrorCount)
	require.Nil(t, got.CooldownUntil)
}

func TestAccountService_RecordUsageDecrementsVideoQuota(t *testing.T) {
	svc, _ := newTestAccountService(t)
	ctx := context.Background()

	account := &Account{Enabled: true, Sora2Supported: true, Sora2Remaining: 1}
	require.NoError(t, svc.Create(ctx, account))

	require.NoError(t, svc.RecordUsage(ctx, account.ID, KindVideo))

	got, err := svc.GetByID(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, 0, got.Sora2Remaining)
	// 余量耗尽进入配额冷却
	require.NotNil(t, got.Sora2CooldownUntil)
	require.False(t, got.VideoQuotaAvailable(time.Now()))
	require.NotNil(t, got.LastUsedAt)
	require.EqualValues(t, 1, got.UseCount)
}

func TestAccountService_UntrackedQuotaNeverDecrements(t *testing.T) {
	svc, _ := newTestAccountService(t)
	ctx := context.Background()

	account := &Account{Enabled: true, Sora2Supported: true, Sora2Remaining: Sora2QuotaUntracked}
	require.NoError(t, svc.Create(ctx, account))

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.RecordUsage(ctx, account.ID, KindVideo))
	}

	got, err := svc.GetByID(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, Sora2QuotaUntracked, got.Sora2Remaining)
	require.True(t, got.VideoQuotaAvailable(time.Now()))
}
