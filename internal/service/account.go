package service

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// GenerationKind 生成任务类型。
type GenerationKind string

const (
	KindImage GenerationKind = "image"
	KindVideo GenerationKind = "video"
)

// Sora2QuotaUntracked 表示账号不跟踪 Sora2 余量（视为无限）。
const Sora2QuotaUntracked = -1

// ConcurrencyUnlimited 并发限制取值 -1 表示不限。
const ConcurrencyUnlimited = -1

// Account 一个上游生成账号及其健康/配额/并发状态。
// 凭证材料（access/refresh token）对调度器是不透明的，只透传给上游客户端。
type Account struct {
	ID           int64  `json:"id"`
	Email        string `json:"email"`
	AccessToken  string `json:"-"`
	RefreshToken string `json:"-"`

	Enabled       bool       `json:"enabled"`
	ErrorCount    int        `json:"error_count"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`

	// Sora2 视频配额。Remaining 为 Sora2QuotaUntracked 时不做余量判断。
	Sora2Supported     bool       `json:"sora2_supported"`
	Sora2Remaining     int        `json:"sora2_remaining"`
	Sora2CooldownUntil *time.Time `json:"sora2_cooldown_until,omitempty"`

	ImageLimit int `json:"image_limit"`
	VideoLimit int `json:"video_limit"`

	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	UseCount   int64      `json:"use_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsExpired 凭证材料是否已过期。未知过期时间视为未过期。
func (a *Account) IsExpired(now time.Time) bool {
	return a.ExpiresAt != nil && !a.ExpiresAt.After(now)
}

// InCooldown 是否处于错误冷却窗口内。
func (a *Account) InCooldown(now time.Time) bool {
	return a.CooldownUntil != nil && a.CooldownUntil.After(now)
}

// ExpiringWithin 凭证是否在 window 内到期（已过期也算）。
func (a *Account) ExpiringWithin(now time.Time, window time.Duration) bool {
	return a.ExpiresAt != nil && a.ExpiresAt.Before(now.Add(window))
}

// VideoQuotaAvailable 视频配额是否可用：
// 不支持 Sora2 直接不可用；配额冷却期内不可用；
// 余量不跟踪视为可用，否则需大于 0。
func (a *Account) VideoQuotaAvailable(now time.Time) bool {
	if !a.Sora2Supported {
		return false
	}
	if a.Sora2CooldownUntil != nil && a.Sora2CooldownUntil.After(now) {
		return false
	}
	return a.Sora2Remaining == Sora2QuotaUntracked || a.Sora2Remaining > 0
}

// AccountFilter 列表过滤条件。nil 字段表示不过滤。
type AccountFilter struct {
	Enabled *bool
	// Kind 非空时要求账号对该类型可调度（健康 + 配额）。
	Kind GenerationKind
}

// AccountRepository 账号持久化接口。List 必须按 id 升序返回。
type AccountRepository interface {
	Create(ctx context.Context, account *Account) error
	GetByID(ctx context.Context, id int64) (*Account, error)
	List(ctx context.Context) ([]*Account, error)
	Update(ctx context.Context, account *Account) error
	Delete(ctx context.Context, id int64) error
}

// AccessTokenExpiry 从 JWT 形态的 access token 中提取 exp。
// 只解析不校验签名：过期时间用于调度判断，不用于鉴权。
func AccessTokenExpiry(accessToken string) (time.Time, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, ErrTokenExpiryUnknown
	}
	return exp.Time, nil
}
