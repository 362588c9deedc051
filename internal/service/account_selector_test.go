//go:build unit

package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestSelector(t *testing.T) (*AccountSelector, *AccountService, *ConcurrencyService) {
	t.Helper()
	accounts, _ := newTestAccountService(t)
	concurrency := NewConcurrencyService()
	lock := NewAccountLock()
	return NewAccountSelector(accounts, concurrency, lock), accounts, concurrency
}

func seedAccount(t *testing.T, svc *AccountService, mutate func(*Account)) *Account {
	t.Helper()
	account := &Account{
		Enabled:        true,
		Sora2Supported: true,
		Sora2Remaining: Sora2QuotaUntracked,
		ImageLimit:     ConcurrencyUnlimited,
		VideoLimit:     ConcurrencyUnlimited,
	}
	if mutate != nil {
		mutate(account)
	}
	require.NoError(t, svc.Create(context.Background(), account))
	return account
}

func TestSelector_NoAccountsReturnsSentinel(t *testing.T) {
	selector, _, _ := newTestSelector(t)
	_, err := selector.Select(context.Background(), KindImage)
	require.ErrorIs(t, err, ErrNoAvailableAccounts)
}

func TestSelector_SkipsDisabledCooldownAndExpired(t *testing.T) {
	selector, accounts, _ := newTestSelector(t)
	ctx := context.Background()

	seedAccount(t, accounts, func(a *Account) { a.Enabled = false })
	seedAccount(t, accounts, func(a *Account) {
		cd := time.Now().Add(time.Hour)
		a.CooldownUntil = &cd
	})
	seedAccount(t, accounts, func(a *Account) {
		exp := time.Now().Add(-time.Minute)
		a.ExpiresAt = &exp
	})
	healthy := seedAccount(t, accounts, nil)

	got, err := selector.Select(ctx, KindImage)
	require.NoError(t, err)
	require.Equal(t, healthy.ID, got.ID)
}

func TestSelector_PrefersNeverUsedThenLRU(t *testing.T) {
	selector, accounts, _ := newTestSelector(t)
	ctx := context.Background()

	old := time.Now().Add(-2 * time.Hour)
	recent := time.Now().Add(-time.Minute)
	usedOld := seedAccount(t, accounts, func(a *Account) { a.LastUsedAt = &old })
	seedAccount(t, accounts, func(a *Account) { a.LastUsedAt = &recent })
	neverUsed := seedAccount(t, accounts, nil)

	got, err := selector.Select(ctx, KindImage)
	require.NoError(t, err)
	require.Equal(t, neverUsed.ID, got.ID)

	// 标记 neverUsed 已用后,轮到最久未用的
	require.NoError(t, accounts.RecordUsage(ctx, neverUsed.ID, KindImage))
	got, err = selector.Select(ctx, KindImage)
	require.NoError(t, err)
	require.Equal(t, usedOld.ID, got.ID)
}

func TestSelector_TieBreaksByLowestID(t *testing.T) {
	selector, accounts, _ := newTestSelector(t)
	ctx := context.Background()

	same := time.Now().Add(-time.Hour)
	first := seedAccount(t, accounts, func(a *Account) { a.LastUsedAt = &same })
	seedAccount(t, accounts, func(a *Account) { a.LastUsedAt = &same })

	got, err := selector.Select(ctx, KindImage)
	require.NoError(t, err)
	require.Equal(t, first.ID, got.ID)
}

func TestSelector_VideoRequiresQuota(t *testing.T) {
	selector, accounts, _ := newTestSelector(t)
	ctx := context.Background()

	seedAccount(t, accounts, func(a *Account) { a.Sora2Supported = false })
	seedAccount(t, accounts, func(a *Account) { a.Sora2Remaining = 0 })
	withQuota := seedAccount(t, accounts, func(a *Account) { a.Sora2Remaining = 2 })

	got, err := selector.Select(ctx, KindVideo)
	require.NoError(t, err)
	require.Equal(t, withQuota.ID, got.ID)
}

func TestSelector_ImageReservationIsExclusive(t *testing.T) {
	selector, accounts, concurrency := newTestSelector(t)
	ctx := context.Background()

	only := seedAccount(t, accounts, nil)
	concurrency.Register(only.ID, only.ImageLimit, only.VideoLimit)

	first, err := selector.SelectAndReserve(ctx, KindImage)
	require.NoError(t, err)
	require.Equal(t, only.ID, first.Account.ID)

	// 单飞锁被持有,同账号第二个图片任务拿不到
	_, err = selector.SelectAndReserve(ctx, KindImage)
	require.ErrorIs(t, err, ErrNoAvailableAccounts)

	first.Release()
	second, err := selector.SelectAndReserve(ctx, KindImage)
	require.NoError(t, err)
	second.Release()
}

func TestSelector_VideoSlotLimit(t *testing.T) {
	selector, accounts, concurrency := newTestSelector(t)
	ctx := context.Background()

	only := seedAccount(t, accounts, func(a *Account) { a.VideoLimit = 1 })
	concurrency.Register(only.ID, only.ImageLimit, only.VideoLimit)

	first, err := selector.SelectAndReserve(ctx, KindVideo)
	require.NoError(t, err)

	_, err = selector.SelectAndReserve(ctx, KindVideo)
	require.ErrorIs(t, err, ErrNoAvailableAccounts)

	first.Release()
	second, err := selector.SelectAndReserve(ctx, KindVideo)
	require.NoError(t, err)
	second.Release()
}

func TestSelector_ReleaseIsIdempotent(t *testing.T) {
	selector, accounts, concurrency := newTestSelector(t)
	ctx := context.Background()

	only := seedAccount(t, accounts, func(a *Account) { a.VideoLimit = 1 })
	concurrency.Register(only.ID, only.ImageLimit, only.VideoLimit)

	reserved, err := selector.SelectAndReserve(ctx, KindVideo)
	require.NoError(t, err)

	reserved.Release()
	reserved.Release()
	reserved.Release()

	// 重复释放不会把槽位计数释放成负数,再占一个后应当再次满载
	again, err := selector.SelectAndReserve(ctx, KindVideo)
	require.NoError(t, err)
	_, err = selector.SelectAndReserve(ctx, KindVideo)
	require.ErrorIs(t, err, ErrNoAvailableAccounts)
	again.Release()
}
