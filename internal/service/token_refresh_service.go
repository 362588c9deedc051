package service

import (
	"context"
	"time"

	"github.com/Wei-Shaw/sorapool/internal/pkg/logger"
)

// TokenRefreshService 账号凭证的续期。选择器在选中临期账号时做
// 机会性续期,定时任务每小时兜底扫一遍全量。
type TokenRefreshService struct {
	accounts *AccountService
	upstream SoraUpstream
	window   time.Duration
}

var _ accountRefresher = (*TokenRefreshService)(nil)

func NewTokenRefreshService(accounts *AccountService, upstream SoraUpstream, window time.Duration) *TokenRefreshService {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &TokenRefreshService{accounts: accounts, upstream: upstream, window: window}
}

// RefreshIfExpiring 凭证在续期窗口内且有 refresh token 时换新。
// 失败只记日志不阻断,返回 nil 表示沿用原账号。
func (s *TokenRefreshService) RefreshIfExpiring(ctx context.Context, account *Account) *Account {
	if account.RefreshToken == "" || !account.ExpiringWithin(time.Now(), s.window) {
		return nil
	}
	fresh, err := s.refresh(ctx, account)
	if err != nil {
		logger.LegacyPrintf("service.refresh", "[Refresh] 账号 %d 续期失败: %v", account.ID, err)
		return nil
	}
	return fresh
}

// RefreshAll 扫描全部账号,给窗口内的续期。由 cron 周期驱动。
func (s *TokenRefreshService) RefreshAll(ctx context.Context) {
	list, err := s.accounts.List(ctx, AccountFilter{})
	if err != nil {
		logger.LegacyErrorf("service.refresh", "[RefreshAll] 列账号失败: %v", err)
		return
	}
	now := time.Now()
	refreshed := 0
	for _, acct := range list {
		if acct.RefreshToken == "" || !acct.ExpiringWithin(now, s.window) {
			continue
		}
		if _, err := s.refresh(ctx, acct); err != nil {
			logger.LegacyPrintf("service.refresh", "[RefreshAll] 账号 %d 续期失败: %v", acct.ID, err)
			continue
		}
		refreshed++
	}
	if refreshed > 0 {
		logger.LegacyPrintf("service.refresh", "[RefreshAll] 本轮续期 %d 个账号", refreshed)
	}
}

func (s *TokenRefreshService) refresh(ctx context.Context, account *Account) (*Account, error) {
	token, err := s.upstream.RefreshAccessToken(ctx, account.RefreshToken)
	if err != nil {
		return nil, err
	}
	exp, err := AccessTokenExpiry(token)
	if err != nil {
		return nil, err
	}
	if err := s.accounts.UpdateCredential(ctx, account.ID, token, exp); err != nil {
		return nil, err
	}
	return s.accounts.GetByID(ctx, account.ID)
}
