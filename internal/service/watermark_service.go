package service

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/Wei-Shaw/sorapool/internal/pkg/logger"
)

// availabilityPollBase 直链可达性探测的基础间隔,每次附带抖动。
const availabilityPollBase = 10 * time.Second

// WatermarkSettings 去水印子流程的运行时配置。
type WatermarkSettings struct {
	Enabled bool `json:"enabled"`
	// 自建解析服务,留空走第三方 CDN 映射。
	CustomResolverURL   string `json:"custom_resolver_url"`
	CustomResolverToken string `json:"custom_resolver_token"`
	ThirdPartyBaseURL   string `json:"third_party_base_url"`
}

// WatermarkService 视频成片的去水印解析流程:
// 发布帖子、解析直链、轮询可达、落缓存,任一步失败都退避后
// 从头重来,不限次数,截止时间由任务上下文统一约束。
// 每个任务可被外部取消一次等待,取消后直接退回带水印原片。
type WatermarkService struct {
	upstream SoraUpstream
	cache    *FileCacheService

	mu       sync.Mutex
	cancels  map[string]chan struct{}
	settings WatermarkSettings
}

func NewWatermarkService(upstream SoraUpstream, cache *FileCacheService, settings WatermarkSettings) *WatermarkService {
	return &WatermarkService{
		upstream: upstream,
		cache:    cache,
		cancels:  make(map[string]chan struct{}),
		settings: settings,
	}
}

// Settings 当前配置快照。
func (s *WatermarkService) Settings() WatermarkSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// UpdateSettings 运行时调整,只影响之后开始的解析。
func (s *WatermarkService) UpdateSettings(settings WatermarkSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
}

// Enabled 是否启用去水印流程。
func (s *WatermarkService) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.Enabled
}

// CancelWait 取消指定任务的去水印等待。
// 任务存在且在等待中返回 true;重复取消或任务不存在返回 false。
func (s *WatermarkService) CancelWait(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.cancels[taskID]
	if !ok {
		return false
	}
	select {
	case <-ch:
		return false
	default:
		close(ch)
		return true
	}
}

// Resolve 执行完整的去水印流程,返回缓存后的无水印 URL。
// 被取消时返回 fallbackURL 经缓存后的地址(缓存失败退上游直链)。
// ctx 截止触发时返回 ctx.Err(),由调用方按任务超时收尾。
func (s *WatermarkService) Resolve(ctx context.Context, account *Account, taskID, generationID, fallbackURL string) (string, error) {
	cancel := s.registerWait(taskID)
	defer s.unregisterWait(taskID)

	resolver := s.buildResolver()
	attempt := 0
	for {
		if canceled(cancel) {
			logger.LegacyPrintf("service.watermark", "[Resolve] 任务 %s 等待被取消,退回原片", taskID)
			return s.cacheFallback(ctx, fallbackURL), nil
		}

		url, err := s.resolveOnce(ctx, resolver, account, taskID, generationID, cancel)
		if err == nil {
			return url, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if canceled(cancel) {
			continue
		}

		attempt++
		delay := backoffDelay(attempt)
		logger.LegacyPrintf("service.watermark", "[Resolve] 任务 %s 第 %d 轮失败,%s 后重试: %v", taskID, attempt, delay, err)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-cancel:
		case <-time.After(delay):
		}
	}
}

// resolveOnce 跑一轮发布、解析、探测、缓存。
func (s *WatermarkService) resolveOnce(ctx context.Context, resolver WatermarkResolver, account *Account, taskID, generationID string, cancel <-chan struct{}) (string, error) {
	post, err := s.upstream.PublishForResolution(ctx, account, generationID)
	if err != nil {
		return "", err
	}
	// 帖子是临时产物,无论成败都尽力清理。
	defer func() {
		if post.PostID != "" {
			if derr := s.upstream.DeletePost(context.WithoutCancel(ctx), account, post.PostID); derr != nil {
				logger.LegacyPrintf("service.watermark", "[Cleanup] 删除帖子 %s 失败: %v", post.PostID, derr)
			}
		}
	}()

	directURL, err := resolver.Resolve(ctx, post)
	if err != nil {
		return "", err
	}

	if err := s.waitAvailable(ctx, directURL, cancel); err != nil {
		return "", err
	}

	// 直链已就绪,缓存只是锦上添花:缓存关闭或失败都直接透传直链,
	// 不能把已到手的产物赔进重试循环。
	if !s.cache.Enabled() {
		return directURL, nil
	}
	cached, err := s.cache.FetchAndCache(ctx, directURL, KindVideo)
	if err != nil {
		logger.LegacyPrintf("service.watermark", "[Cache] 缓存无水印视频失败,透传直链: %v", err)
		return directURL, nil
	}
	return cached, nil
}

// waitAvailable 轮询直链可达性,直到就绪、取消或超时。
func (s *WatermarkService) waitAvailable(ctx context.Context, url string, cancel <-chan struct{}) error {
	for {
		ok, err := s.upstream.CheckAvailability(ctx, url)
		if err == nil && ok {
			return nil
		}
		if err != nil {
			logger.LegacyPrintf("service.watermark", "[Probe] 探测 %s: %v", url, err)
		}

		delay := availabilityPollBase + time.Duration(rand.Int63n(int64(2*time.Second)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cancel:
			return context.Canceled
		case <-time.After(delay):
		}
	}
}

// cacheFallback 带水印原片也走缓存,失败就透传上游直链。
func (s *WatermarkService) cacheFallback(ctx context.Context, fallbackURL string) string {
	if fallbackURL == "" {
		return ""
	}
	if !s.cache.Enabled() {
		return fallbackURL
	}
	cached, err := s.cache.FetchAndCache(ctx, fallbackURL, KindVideo)
	if err != nil {
		logger.LegacyPrintf("service.watermark", "[Fallback] 缓存原片失败,透传上游地址: %v", err)
		return fallbackURL
	}
	return cached
}

func (s *WatermarkService) buildResolver() WatermarkResolver {
	s.mu.Lock()
	settings := s.settings
	s.mu.Unlock()
	if settings.CustomResolverURL != "" {
		return NewCustomResolver(settings.CustomResolverURL, settings.CustomResolverToken)
	}
	return NewThirdPartyResolver(settings.ThirdPartyBaseURL)
}

// registerWait 登记取消通道。同 taskID 重复进入复用已有通道。
func (s *WatermarkService) registerWait(taskID string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.cancels[taskID]
	if !ok {
		ch = make(chan struct{})
		s.cancels[taskID] = ch
	}
	return ch
}

func (s *WatermarkService) unregisterWait(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancels, taskID)
}

func canceled(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
