package service

import "sync"

// AccountLock 图片任务的按账号互斥锁。
// 上游的图片接口不容忍同账号并发请求，因此图片任务在并发槽之外
// 还需要这把单飞锁；视频只走计数槽。
type AccountLock struct {
	mu     sync.Mutex
	locked map[int64]struct{}
}

func NewAccountLock() *AccountLock {
	return &AccountLock{locked: make(map[int64]struct{})}
}

// TryAcquire 非阻塞抢锁。已被持有时立即返回 false。
func (l *AccountLock) TryAcquire(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.locked[id]; held {
		return false
	}
	l.locked[id] = struct{}{}
	return true
}

// Release 释放锁。对未持有的 id 调用是安全的空操作。
func (l *AccountLock) Release(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locked, id)
}

// IsLocked 仅供选择器做咨询性检查；真正的闸门是 TryAcquire。
func (l *AccountLock) IsLocked(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, held := l.locked[id]
	return held
}
