package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Wei-Shaw/sorapool/internal/pkg/logger"
)

// AccountService 账号登记簿：健康计数、配额、启用状态的唯一修改入口。
// 引擎和选择器不得绕过它直接改写账号字段。
type AccountService struct {
	repo         AccountRepository
	banThreshold int
	banCooldown  time.Duration
}

// NewAccountService 创建账号服务。threshold <= 0 时取默认值 3。
func NewAccountService(repo AccountRepository, banThreshold int, banCooldown time.Duration) *AccountService {
	if banThreshold <= 0 {
		banThreshold = 3
	}
	if banCooldown <= 0 {
		banCooldown = 30 * time.Minute
	}
	return &AccountService{
		repo:         repo,
		banThreshold: banThreshold,
		banCooldown:  banCooldown,
	}
}

// Create 登记新账号；从 access token 推导过期时间（解析失败只记日志）。
func (s *AccountService) Create(ctx context.Context, account *Account) error {
	if account.ExpiresAt == nil && account.AccessToken != "" {
		if exp, err := AccessTokenExpiry(account.AccessToken); err == nil {
			account.ExpiresAt = &exp
		} else {
			logger.LegacyPrintf("service.account", "[Account] 无法从 token 解析过期时间 email=%s err=%v", account.Email, err)
		}
	}
	if account.Sora2Remaining == 0 && !account.Sora2Supported {
		account.Sora2Remaining = Sora2QuotaUntracked
	}
	return s.repo.Create(ctx, account)
}

// GetByID 查询账号。
func (s *AccountService) GetByID(ctx context.Context, id int64) (*Account, error) {
	return s.repo.GetByID(ctx, id)
}

// Delete 删除账号。持有该账号的在途任务由引擎按 ErrAccountNotFound 收尾，
// 这里不做额外协调。
func (s *AccountService) Delete(ctx context.Context, id int64) error {
	return s.repo.Delete(ctx, id)
}

// List 按过滤条件列出账号，id 升序。
func (s *AccountService) List(ctx context.Context, filter AccountFilter) ([]*Account, error) {
	accounts, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]*Account, 0, len(accounts))
	for _, account := range accounts {
		if filter.Enabled != nil && account.Enabled != *filter.Enabled {
			continue
		}
		if filter.Kind == KindVideo && !account.VideoQuotaAvailable(now) {
			continue
		}
		out = append(out, account)
	}
	return out, nil
}

// RecordUsage 提交成功后记账：最后使用时间、使用计数，视频额外扣减 Sora2 余量。
func (s *AccountService) RecordUsage(ctx context.Context, id int64, kind GenerationKind) error {
	account, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now()
	account.LastUsedAt = &now
	account.UseCount++
	if kind == KindVideo && account.Sora2Remaining > 0 {
		account.Sora2Remaining--
		if account.Sora2Remaining == 0 {
			// 余量耗尽，进入配额冷却，待上游刷新窗口后再启用。
			cooldown := now.Add(24 * time.Hour)
			account.Sora2CooldownUntil = &cooldown
			logger.LegacyPrintf("service.account", "[Account] Sora2 余量耗尽 id=%d cooldown_until=%s", id, cooldown.Format(time.RFC3339))
		}
	}
	return s.repo.Update(ctx, account)
}

// RecordSuccess 任务成功收尾：清零连续错误计数。
func (s *AccountService) RecordSuccess(ctx context.Context, id int64) error {
	account, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if account.ErrorCount == 0 {
		return nil
	}
	account.ErrorCount = 0
	return s.repo.Update(ctx, account)
}

// RecordError 记一次错误；连续错误达到阈值时自动禁用并盖冷却戳。
func (s *AccountService) RecordError(ctx context.Context, id int64) error {
	account, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	account.ErrorCount++
	if account.ErrorCount >= s.banThreshold && account.Enabled {
		account.Enabled = false
		cooldown := time.Now().Add(s.banCooldown)
		account.CooldownUntil = &cooldown
		logger.LegacyPrintf("service.account", "[Account] 连续错误 %d 次，自动禁用 id=%d email=%s", account.ErrorCount, id, account.Email)
	}
	return s.repo.Update(ctx, account)
}

// SetEnabled 启停账号；启用时清零错误计数并解除冷却。
func (s *AccountService) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	account, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	account.Enabled = enabled
	if enabled {
		account.ErrorCount = 0
		account.CooldownUntil = nil
	}
	return s.repo.Update(ctx, account)
}

// SetConcurrencyLimits 更新账号并发上限并持久化。内存侧计数由调用方
// 通过 ConcurrencyService.ResetLimits 同步。
func (s *AccountService) SetConcurrencyLimits(ctx context.Context, id int64, imageLimit, videoLimit int) error {
	account, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	account.ImageLimit = imageLimit
	account.VideoLimit = videoLimit
	return s.repo.Update(ctx, account)
}

// UpdateCredential 写入新的 access token 与过期时间（续期成功后调用）。
func (s *AccountService) UpdateCredential(ctx context.Context, id int64, accessToken string, expiresAt time.Time) error {
	account, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	account.AccessToken = accessToken
	account.ExpiresAt = &expiresAt
	if err := s.repo.Update(ctx, account); err != nil {
		return fmt.Errorf("persist refreshed credential: %w", err)
	}
	return nil
}

// BanThreshold 返回自动禁用阈值（供管理面展示）。
func (s *AccountService) BanThreshold() int {
	return s.banThreshold
}
