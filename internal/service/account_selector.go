package service

import (
	"context"
	"time"

	"github.com/Wei-Shaw/sorapool/internal/pkg/logger"
)

// accountRefresher 选择器在拿到临期账号时做机会性续期。
// 续期失败不阻断选择,由定时任务兜底。
type accountRefresher interface {
	RefreshIfExpiring(ctx context.Context, account *Account) *Account
}

// ReservedAccount 已完成准入的账号租约。
// Release 幂等,结构上保证槽位只归还一次。
type ReservedAccount struct {
	Account *Account
	Kind    GenerationKind

	release  func()
	released chan struct{}
}

// Release 归还锁与槽位。可安全多次调用,只有第一次生效。
func (r *ReservedAccount) Release() {
	select {
	case <-r.released:
		return
	default:
	}
	close(r.released)
	if r.release != nil {
		r.release()
	}
}

// AccountSelector 在登记簿之上做调度:咨询性粗筛挑出候选,
// 再逐个做权威准入,抢不到就换下一个。
type AccountSelector struct {
	accounts    *AccountService
	concurrency *ConcurrencyService
	imageLock   *AccountLock
	refresher   accountRefresher
}

func NewAccountSelector(accounts *AccountService, concurrency *ConcurrencyService, imageLock *AccountLock) *AccountSelector {
	return &AccountSelector{accounts: accounts, concurrency: concurrency, imageLock: imageLock}
}

// SetRefresher 注入可选的续期器。
func (s *AccountSelector) SetRefresher(r accountRefresher) {
	s.refresher = r
}

// Select 咨询性选择:返回当前最合适的账号,不占任何资源。
// 没有可用账号时返回 ErrNoAvailableAccounts。
func (s *AccountSelector) Select(ctx context.Context, kind GenerationKind) (*Account, error) {
	return s.pick(ctx, kind, nil)
}

// SelectAndReserve 选择并完成准入,返回持有资源的租约。
// 候选在咨询检查和抢占之间可能被别的任务占走,此时把它排除后重选,
// 直到抢到或穷尽候选。
func (s *AccountSelector) SelectAndReserve(ctx context.Context, kind GenerationKind) (*ReservedAccount, error) {
	excluded := make(map[int64]struct{})
	for {
		acct, err := s.pick(ctx, kind, excluded)
		if err != nil {
			return nil, err
		}
		if reserved := s.tryReserve(acct, kind); reserved != nil {
			// 续期放在抢占成功之后:临期不影响候选资格(IsExpired 才排除),
			// 这样只给真正要被使用的账号发续期请求。
			if s.refresher != nil {
				if fresh := s.refresher.RefreshIfExpiring(ctx, acct); fresh != nil {
					reserved.Account = fresh
				}
			}
			return reserved, nil
		}
		excluded[acct.ID] = struct{}{}
	}
}

// tryReserve 权威准入:图片先抢单飞锁再占槽,失败按相反顺序回滚。
func (s *AccountSelector) tryReserve(acct *Account, kind GenerationKind) *ReservedAccount {
	id := acct.ID
	switch kind {
	case KindImage:
		if !s.imageLock.TryAcquire(id) {
			return nil
		}
		if !s.concurrency.AcquireImage(id) {
			s.imageLock.Release(id)
			return nil
		}
		return &ReservedAccount{
			Account:  acct,
			Kind:     kind,
			released: make(chan struct{}),
			release: func() {
				s.concurrency.ReleaseImage(id)
				s.imageLock.Release(id)
			},
		}
	default:
		if !s.concurrency.AcquireVideo(id) {
			return nil
		}
		return &ReservedAccount{
			Account:  acct,
			Kind:     kind,
			released: make(chan struct{}),
			release: func() {
				s.concurrency.ReleaseVideo(id)
			},
		}
	}
}

// pick 按 LRU 策略挑一个可用账号。从未用过的账号排最前,
// 其余按最近使用时间升序;并列时取 id 更小者,靠 List 的
// id 升序遍历顺序天然成立。
func (s *AccountSelector) pick(ctx context.Context, kind GenerationKind, excluded map[int64]struct{}) (*Account, error) {
	enabled := true
	list, err := s.accounts.List(ctx, AccountFilter{Enabled: &enabled, Kind: kind})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var best *Account
	for _, acct := range list {
		if _, skip := excluded[acct.ID]; skip {
			continue
		}
		if !s.eligible(acct, kind, now) {
			continue
		}
		if best == nil || lessRecentlyUsed(acct, best) {
			best = acct
		}
	}
	if best == nil {
		logger.LegacyPrintf("service.selector", "[Select] 无可用 %s 账号 (候选 %d 个)", kind, len(list))
		return nil, ErrNoAvailableAccounts
	}
	return best, nil
}

func (s *AccountSelector) eligible(acct *Account, kind GenerationKind, now time.Time) bool {
	if !acct.Enabled || acct.InCooldown(now) || acct.IsExpired(now) {
		return false
	}
	switch kind {
	case KindImage:
		if s.imageLock.IsLocked(acct.ID) {
			return false
		}
		return s.concurrency.HasImageCapacity(acct.ID)
	default:
		if !acct.VideoQuotaAvailable(now) {
			return false
		}
		return s.concurrency.HasVideoCapacity(acct.ID)
	}
}

// lessRecentlyUsed a 是否比 b 更久未使用。从未使用的账号优先级最高。
func lessRecentlyUsed(a, b *Account) bool {
	if a.LastUsedAt == nil {
		return b.LastUsedAt != nil
	}
	if b.LastUsedAt == nil {
		return false
	}
	return a.LastUsedAt.Before(*b.LastUsedAt)
}
