package service

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/Wei-Shaw/sorapool/internal/pkg/logger"
)

const (
	// 404 表示资源尚未就绪,固定间隔重试。
	notReadyRetryDelay = 10 * time.Second
	notReadyRetryMax   = 15
	// 瞬时网络错误按指数退避,封顶 30 秒。
	transientBackoffCap = 30 * time.Second
	transientRetryMax   = 8
)

// CacheSettings 文件缓存的运行时可调参数。
type CacheSettings struct {
	Enabled bool          `json:"enabled"`
	TTL     time.Duration `json:"ttl"`
	BaseURL string        `json:"base_url"`
}

// Downloader 缓存只需要下载能力,由上游客户端实现。
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

// FileCacheService 生成结果的本地 TTL 缓存。
// 同一 URL 的并发回源用 singleflight 合并;索引用 go-cache 维护,
// 条目过期淘汰时顺带删盘上文件。清扫不开 janitor,由外部定时器
// 显式调用 Sweep,便于随进程优雅停机。
type FileCacheService struct {
	dir        string
	downloader Downloader

	index  *gocache.Cache
	flight singleflight.Group

	mu       sync.RWMutex
	settings CacheSettings
	timeout  time.Duration
}

func NewFileCacheService(dir string, downloader Downloader, settings CacheSettings) (*FileCacheService, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("创建缓存目录: %w", err)
	}
	if settings.TTL <= 0 {
		settings.TTL = 600 * time.Second
	}
	s := &FileCacheService{
		dir:        dir,
		downloader: downloader,
		index:      gocache.New(settings.TTL, 0),
		settings:   settings,
		timeout:    settings.TTL,
	}
	s.index.OnEvicted(func(key string, value interface{}) {
		path, ok := value.(string)
		if !ok {
			return
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.LegacyErrorf("service.filecache", "[Evict] 删除缓存文件失败 %s: %v", path, err)
		}
	})
	return s, nil
}

// Settings 返回当前配置快照。
func (s *FileCacheService) Settings() CacheSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// UpdateSettings 运行时调整缓存开关、TTL 和对外基址。
// 新 TTL 只影响之后写入的条目。
func (s *FileCacheService) UpdateSettings(settings CacheSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if settings.TTL <= 0 {
		settings.TTL = s.settings.TTL
	}
	s.settings = settings
	s.timeout = settings.TTL
}

// Enabled 缓存是否启用。关闭时引擎直接透传上游 URL。
func (s *FileCacheService) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.Enabled
}

// FetchAndCache 把远端资源落到本地并返回对外可访问的 URL。
// 同 URL 并发调用只回源一次。
func (s *FileCacheService) FetchAndCache(ctx context.Context, url string, kind GenerationKind) (string, error) {
	name := cacheFileName(url, kind)

	if cached, ok := s.index.Get(name); ok {
		if path, ok := cached.(string); ok {
			if _, err := os.Stat(path); err == nil {
				return s.publicURL(name), nil
			}
			s.index.Delete(name)
		}
	}

	_, err, _ := s.flight.Do(name, func() (interface{}, error) {
		data, err := s.downloadWithRetry(ctx, url)
		if err != nil {
			return nil, err
		}
		path := filepath.Join(s.dir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, fmt.Errorf("写缓存文件: %w", err)
		}
		s.mu.RLock()
		ttl := s.settings.TTL
		s.mu.RUnlock()
		s.index.Set(name, path, ttl)
		return path, nil
	})
	if err != nil {
		return "", err
	}
	return s.publicURL(name), nil
}

// downloadWithRetry 按错误类别重试下载。
// 404 说明资源还没就绪,固定 10 秒间隔等;瞬时网络错误指数退避。
// 其余错误直接失败。
func (s *FileCacheService) downloadWithRetry(ctx context.Context, url string) ([]byte, error) {
	notReady := 0
	transient := 0
	for {
		data, err := s.downloader.Download(ctx, url)
		if err == nil {
			return data, nil
		}

		var delay time.Duration
		switch {
		case IsNotReadyError(err):
			notReady++
			if notReady > notReadyRetryMax {
				return nil, fmt.Errorf("资源在 %d 次等待后仍未就绪: %w", notReadyRetryMax, err)
			}
			delay = notReadyRetryDelay
		case IsTransientNetworkError(err):
			transient++
			if transient > transientRetryMax {
				return nil, fmt.Errorf("下载重试 %d 次后放弃: %w", transientRetryMax, err)
			}
			delay = backoffDelay(transient)
		default:
			return nil, err
		}

		logger.LegacyPrintf("service.filecache", "[Download] %s 第 %d 次重试,%s 后再试: %v", url, notReady+transient, delay, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Sweep 手动触发一轮过期清扫,由 cron 周期调用。
func (s *FileCacheService) Sweep() {
	s.index.DeleteExpired()
}

// Purge 清空全部缓存条目并删除文件。
func (s *FileCacheService) Purge() {
	s.index.Flush()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			_ = os.Remove(filepath.Join(s.dir, e.Name()))
		}
	}
}

func (s *FileCacheService) publicURL(name string) string {
	s.mu.RLock()
	base := s.settings.BaseURL
	s.mu.RUnlock()
	return fmt.Sprintf("%s/cache/%s", base, name)
}

// cacheFileName URL 哈希加类型后缀,稳定且无路径注入风险。
func cacheFileName(url string, kind GenerationKind) string {
	ext := ".png"
	if kind == KindVideo {
		ext = ".mp4"
	}
	return fmt.Sprintf("%x%s", xxhash.Sum64String(url), ext)
}

// backoffDelay 指数退避,封顶 30 秒,带半秒内随机抖动。
func backoffDelay(attempt int) time.Duration {
	exp := attempt - 1
	if exp > 6 {
		exp = 6
	}
	d := time.Duration(1<<uint(exp)) * time.Second
	if d > transientBackoffCap {
		d = transientBackoffCap
	}
	return d + time.Duration(rand.Int63n(int64(500*time.Millisecond)))
}
