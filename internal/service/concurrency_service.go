package service

import (
	"sync"

	"github.com/Wei-Shaw/sorapool/internal/pkg/logger"
)

// slotState 单个账号的并发占用计数。
type slotState struct {
	imageInUse int
	imageLimit int
	videoInUse int
	videoLimit int
}

// ConcurrencyService 账号并发槽的准入闸门。
// 选择器先做咨询性过滤，最终生效的是这里的 Acquire/Release。
// 所有状态只存内存，进程重启后由 Register 依账号表重建。
type ConcurrencyService struct {
	mu    sync.Mutex
	slots map[int64]*slotState
}

func NewConcurrencyService() *ConcurrencyService {
	return &ConcurrencyService{slots: make(map[int64]*slotState)}
}

// Register 登记账号的并发上限。limit 为 ConcurrencyUnlimited 表示不限。
// 重复登记只更新上限，不触碰在途计数。
func (s *ConcurrencyService) Register(id int64, imageLimit, videoLimit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.ensureLocked(id)
	st.imageLimit = imageLimit
	st.videoLimit = videoLimit
}

// ResetLimits 运行时调整上限。只改上限，在途计数保持原样，
// 超出新上限的占用随任务结束自然收敛。
func (s *ConcurrencyService) ResetLimits(id int64, imageLimit, videoLimit int) {
	s.Register(id, imageLimit, videoLimit)
}

// Remove 删除账号时清理槽位。
func (s *ConcurrencyService) Remove(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.slots, id)
}

// AcquireImage 占用一个图片槽。满载返回 false。
func (s *ConcurrencyService) AcquireImage(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.ensureLocked(id)
	if st.imageLimit != ConcurrencyUnlimited && st.imageInUse >= st.imageLimit {
		return false
	}
	st.imageInUse++
	return true
}

// AcquireVideo 占用一个视频槽。满载返回 false。
func (s *ConcurrencyService) AcquireVideo(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.ensureLocked(id)
	if st.videoLimit != ConcurrencyUnlimited && st.videoInUse >= st.videoLimit {
		return false
	}
	st.videoInUse++
	return true
}

// ReleaseImage 归还图片槽。计数在 0 处截停并记录异常,不会出现负值。
func (s *ConcurrencyService) ReleaseImage(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.ensureLocked(id)
	if st.imageInUse <= 0 {
		logger.LegacyPrintf("service.concurrency", "[Release] 账号 %d 图片槽重复释放", id)
		st.imageInUse = 0
		return
	}
	st.imageInUse--
}

// ReleaseVideo 归还视频槽。
func (s *ConcurrencyService) ReleaseVideo(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.ensureLocked(id)
	if st.videoInUse <= 0 {
		logger.LegacyPrintf("service.concurrency", "[Release] 账号 %d 视频槽重复释放", id)
		st.videoInUse = 0
		return
	}
	st.videoInUse--
}

// HasImageCapacity 咨询性检查,供选择器粗筛。
func (s *ConcurrencyService) HasImageCapacity(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.ensureLocked(id)
	return st.imageLimit == ConcurrencyUnlimited || st.imageInUse < st.imageLimit
}

// HasVideoCapacity 咨询性检查,供选择器粗筛。
func (s *ConcurrencyService) HasVideoCapacity(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.ensureLocked(id)
	return st.videoLimit == ConcurrencyUnlimited || st.videoInUse < st.videoLimit
}

// InUse 返回当前在途计数,主要给管理接口和测试用。
func (s *ConcurrencyService) InUse(id int64) (image, video int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.ensureLocked(id)
	return st.imageInUse, st.videoInUse
}

// ensureLocked 未登记的账号按不限并发惰性建槽,调用方必须已持锁。
func (s *ConcurrencyService) ensureLocked(id int64) *slotState {
	st, ok := s.slots[id]
	if !ok {
		st = &slotState{imageLimit: ConcurrencyUnlimited, videoLimit: ConcurrencyUnlimited}
		s.slots[id] = st
	}
	return st
}
