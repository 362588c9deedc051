package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Wei-Shaw/sorapool/internal/pkg/logger"
)

const (
	// 图片任务的心跳间隔,防止下游流式连接空闲断开。
	imageHeartbeatInterval = 10 * time.Second
	// 视频任务的状态行推送间隔。
	videoStatusInterval = 5 * time.Second
	// 进度变化超过该幅度才单独推一条进度事件。
	progressEventDelta = 20.0
)

// GeneratedMedia 一条生成结果。
type GeneratedMedia struct {
	URL  string         `json:"url"`
	Kind GenerationKind `json:"kind"`
}

// GenerationEvent 引擎向调用方推送的事件。
// Reasoning 承载过程性心跳,Content 承载正文,二者互斥。
type GenerationEvent struct {
	Reasoning    string
	Content      string
	Progress     float64
	Stage        string
	Output       []GeneratedMedia
	FinishReason string
	Err          error
}

// GenerateRequest 一次生成请求。
type GenerateRequest struct {
	Model       string
	Prompt      string
	InlineImage []byte
}

// EngineOptions 引擎的时序参数。
type EngineOptions struct {
	PollInterval  time.Duration
	ImageTimeout  time.Duration
	VideoTimeout  time.Duration
	MaxConcurrent int
}

func (o *EngineOptions) normalize() {
	if o.PollInterval <= 0 {
		o.PollInterval = 2500 * time.Millisecond
	}
	if o.ImageTimeout <= 0 {
		o.ImageTimeout = 300 * time.Second
	}
	if o.VideoTimeout <= 0 {
		o.VideoTimeout = 1500 * time.Second
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 64
	}
}

// GenerationEngine 任务生命周期引擎:选号准入、提交上游、轮询推进、
// 结果落地。账号资源在任务结束时恰好归还一次,不依赖各失败分支
// 自觉清理。
type GenerationEngine struct {
	selector  *AccountSelector
	accounts  *AccountService
	upstream  SoraUpstream
	cache     *FileCacheService
	watermark *WatermarkService
	tasks     TaskRepository

	pool pond.Pool
	opts EngineOptions
}

func NewGenerationEngine(
	selector *AccountSelector,
	accounts *AccountService,
	upstream SoraUpstream,
	cache *FileCacheService,
	watermark *WatermarkService,
	tasks TaskRepository,
	opts EngineOptions,
) *GenerationEngine {
	opts.normalize()
	return &GenerationEngine{
		selector:  selector,
		accounts:  accounts,
		upstream:  upstream,
		cache:     cache,
		watermark: watermark,
		tasks:     tasks,
		pool:      pond.NewPool(opts.MaxConcurrent),
		opts:      opts,
	}
}

// Stop 等待在途任务结束后关闭工作池。
func (e *GenerationEngine) Stop() {
	e.pool.StopAndWait()
}

// CheckAvailability 非流式探活:当前是否有账号能承接该模型。
func (e *GenerationEngine) CheckAvailability(ctx context.Context, model string) (bool, error) {
	cfg, ok := LookupModel(model)
	if !ok {
		return false, ErrInvalidModel
	}
	_, err := e.selector.Select(ctx, cfg.Kind)
	if err != nil {
		if err == ErrNoAvailableAccounts {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Generate 启动一次生成。准入失败同步返回错误;准入成功后任务
// 进入工作池,事件经返回的通道推送,通道在任务终态后关闭。
func (e *GenerationEngine) Generate(ctx context.Context, req GenerateRequest) (<-chan GenerationEvent, string, error) {
	cfg, ok := LookupModel(req.Model)
	if !ok {
		return nil, "", ErrInvalidModel
	}

	reserved, err := e.selector.SelectAndReserve(ctx, cfg.Kind)
	if err != nil {
		return nil, "", err
	}

	taskID := uuid.NewString()
	events := make(chan GenerationEvent, 16)
	e.pool.Submit(func() {
		defer close(events)
		defer reserved.Release()
		e.run(ctx, reserved, cfg, req, taskID, events)
	})
	return events, taskID, nil
}

func (e *GenerationEngine) run(ctx context.Context, reserved *ReservedAccount, cfg ModelConfig, req GenerateRequest, taskID string, events chan<- GenerationEvent) {
	account := reserved.Account
	timeout := e.opts.ImageTimeout
	if cfg.Kind == KindVideo {
		timeout = e.opts.VideoTimeout
	}
	started := time.Now()
	// 任务一旦准入就与调用方生命周期脱钩,中途断开会把上游任务变成孤儿。
	// 轮询只受墙钟预算约束。
	ctx = context.WithoutCancel(ctx)
	ctx, cancel := context.WithDeadline(ctx, started.Add(timeout))
	defer cancel()

	record := &Task{
		TaskID:    taskID,
		AccountID: account.ID,
		Model:     req.Model,
		Kind:      string(cfg.Kind),
		Prompt:    req.Prompt,
		Status:    JobStatusPending,
		CreatedAt: started,
	}
	if err := e.tasks.Create(ctx, record); err != nil {
		logger.LegacyErrorf("service.engine", "[Task] 创建任务记录失败: %v", err)
	}

	upstreamID, err := e.upstream.Submit(ctx, account, SubmitRequest{
		Prompt:      req.Prompt,
		Model:       cfg,
		InlineImage: req.InlineImage,
	})
	if err != nil {
		e.finalize(ctx, record, account, nil, fmt.Errorf("提交生成任务: %w", err), events)
		return
	}
	logger.LegacyPrintf("service.engine", "[Submit] 任务 %s 账号 %d 上游 %s", taskID, account.ID, upstreamID)

	if err := e.accounts.RecordUsage(ctx, account.ID, cfg.Kind); err != nil {
		logger.LegacyErrorf("service.engine", "[Usage] 记录账号使用失败: %v", err)
	}
	record.Status = JobStatusRunning
	if err := e.tasks.Update(ctx, record); err != nil {
		logger.LegacyErrorf("service.engine", "[Task] 更新任务记录失败: %v", err)
	}

	status, err := e.pollUntilDone(ctx, account, upstreamID, cfg.Kind, started, timeout, record, events)
	if err != nil {
		e.finalize(ctx, record, account, nil, err, events)
		return
	}

	if status.IsContentViolation() {
		// 违规是上游的正常回应,不计入账号错误。
		if serr := e.accounts.RecordSuccess(ctx, account.ID); serr != nil {
			logger.LegacyErrorf("service.engine", "[Account] 记录成功失败: %v", serr)
		}
		e.finalize(ctx, record, nil, nil, &ContentViolationError{Reason: status.ViolationReason()}, events)
		return
	}
	if status.State == TaskStateFailed {
		msg := status.ErrorMessage
		if msg == "" {
			msg = "上游任务失败"
		}
		e.finalize(ctx, record, account, nil, fmt.Errorf("生成失败: %s", msg), events)
		return
	}

	media, err := e.materialize(ctx, account, taskID, cfg.Kind, status, events)
	if err != nil {
		e.finalize(ctx, record, account, nil, err, events)
		return
	}
	e.finalize(ctx, record, account, media, nil, events)
}

// pollUntilDone 轮询上游直到终态或超时。
func (e *GenerationEngine) pollUntilDone(ctx context.Context, account *Account, upstreamID string, kind GenerationKind, started time.Time, timeout time.Duration, record *Task, events chan<- GenerationEvent) (*TaskStatus, error) {
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	heartbeat := imageHeartbeatInterval
	if kind == KindVideo {
		heartbeat = videoStatusInterval
	}
	lastBeat := time.Now()
	lastProgress := -progressEventDelta

	for {
		select {
		case <-ctx.Done():
			return nil, &TimeoutError{Kind: kind, Elapsed: time.Since(started), Limit: timeout}
		case <-ticker.C:
		}

		status, err := e.upstream.PollStatus(ctx, account, upstreamID, kind)
		if err != nil {
			if ctx.Err() != nil {
				return nil, &TimeoutError{Kind: kind, Elapsed: time.Since(started), Limit: timeout}
			}
			logger.LegacyPrintf("service.engine", "[Poll] 查询 %s 失败,下轮重试: %v", upstreamID, err)
			continue
		}

		if status.Progress > record.Progress {
			record.Progress = status.Progress
		}

		switch status.State {
		case TaskStateSucceeded, TaskStateFailed:
			return status, nil
		}

		if status.Progress-lastProgress >= progressEventDelta {
			lastProgress = status.Progress
			events <- GenerationEvent{
				Reasoning: fmt.Sprintf("生成中 %.0f%%", status.Progress),
				Progress:  status.Progress,
				Stage:     "generating",
			}
			lastBeat = time.Now()
			continue
		}

		if time.Since(lastBeat) >= heartbeat {
			lastBeat = time.Now()
			if kind == KindVideo {
				events <- GenerationEvent{
					Reasoning: fmt.Sprintf("视频生成中,已等待 %s,进度 %.0f%%", time.Since(started).Round(time.Second), status.Progress),
					Progress:  status.Progress,
					Stage:     "generating",
				}
			} else {
				events <- GenerationEvent{Reasoning: ".", Stage: "generating"}
			}
		}
	}
}

// materialize 把成功态的上游结果落成对外 URL。
func (e *GenerationEngine) materialize(ctx context.Context, account *Account, taskID string, kind GenerationKind, status *TaskStatus, events chan<- GenerationEvent) ([]GeneratedMedia, error) {
	if kind == KindImage {
		return e.materializeImages(ctx, status)
	}
	return e.materializeVideo(ctx, account, taskID, status, events)
}

// materializeImages 并行缓存全部图片,单张失败退回上游直链。
func (e *GenerationEngine) materializeImages(ctx context.Context, status *TaskStatus) ([]GeneratedMedia, error) {
	media := make([]GeneratedMedia, len(status.ResultURLs))
	if !e.cache.Enabled() {
		for i, u := range status.ResultURLs {
			media[i] = GeneratedMedia{URL: u, Kind: KindImage}
		}
		return media, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, u := range status.ResultURLs {
		i, u := i, u
		g.Go(func() error {
			cached, err := e.cache.FetchAndCache(gctx, u, KindImage)
			if err != nil {
				logger.LegacyPrintf("service.engine", "[Cache] 缓存图片失败,透传直链: %v", err)
				cached = u
			}
			media[i] = GeneratedMedia{URL: cached, Kind: KindImage}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return media, nil
}

func (e *GenerationEngine) materializeVideo(ctx context.Context, account *Account, taskID string, status *TaskStatus, events chan<- GenerationEvent) ([]GeneratedMedia, error) {
	rawURL := status.RawURL
	if rawURL == "" && len(status.ResultURLs) > 0 {
		rawURL = status.ResultURLs[0]
	}

	if e.watermark.Enabled() && status.GenerationID != "" {
		events <- GenerationEvent{Reasoning: "正在解析无水印视频", Stage: "watermark"}
		url, err := e.watermark.Resolve(ctx, account, taskID, status.GenerationID, rawURL)
		if err != nil {
			return nil, err
		}
		return []GeneratedMedia{{URL: url, Kind: KindVideo}}, nil
	}

	if rawURL == "" {
		return nil, fmt.Errorf("上游未返回视频地址")
	}
	if e.cache.Enabled() {
		cached, err := e.cache.FetchAndCache(ctx, rawURL, KindVideo)
		if err != nil {
			logger.LegacyPrintf("service.engine", "[Cache] 缓存视频失败,透传直链: %v", err)
		} else {
			rawURL = cached
		}
	}
	return []GeneratedMedia{{URL: rawURL, Kind: KindVideo}}, nil
}

// finalize 收尾:更新任务记录、维护账号健康计数、推送终态事件。
// faultyAccount 非空表示这次失败应计入账号错误。
func (e *GenerationEngine) finalize(ctx context.Context, record *Task, faultyAccount *Account, media []GeneratedMedia, taskErr error, events chan<- GenerationEvent) {
	ctx = context.WithoutCancel(ctx)
	record.FinishedAt = time.Now()

	if taskErr != nil {
		record.Status = JobStatusFailed
		record.ErrorMsg = taskErr.Error()
		if faultyAccount != nil {
			if rerr := e.accounts.RecordError(ctx, faultyAccount.ID); rerr != nil {
				logger.LegacyErrorf("service.engine", "[Account] 记录错误失败: %v", rerr)
			}
		}
		if err := e.tasks.Update(ctx, record); err != nil {
			logger.LegacyErrorf("service.engine", "[Task] 更新任务记录失败: %v", err)
		}
		events <- GenerationEvent{Err: taskErr, FinishReason: "stop"}
		return
	}

	record.Status = JobStatusCompleted
	record.Progress = 100
	for _, m := range media {
		record.ResultURLs = append(record.ResultURLs, m.URL)
	}
	if faultyAccount != nil {
		if serr := e.accounts.RecordSuccess(ctx, faultyAccount.ID); serr != nil {
			logger.LegacyErrorf("service.engine", "[Account] 记录成功失败: %v", serr)
		}
	}
	if err := e.tasks.Update(ctx, record); err != nil {
		logger.LegacyErrorf("service.engine", "[Task] 更新任务记录失败: %v", err)
	}
	events <- GenerationEvent{
		Content:      renderResult(media),
		Output:       media,
		Progress:     100,
		FinishReason: "stop",
	}
}

// renderResult 按 Markdown 输出结果,图片多张各占一行。
func renderResult(media []GeneratedMedia) string {
	var sb strings.Builder
	for _, m := range media {
		if m.Kind == KindVideo {
			fmt.Fprintf(&sb, "[视频](%s)\n", m.URL)
		} else {
			fmt.Fprintf(&sb, "![图片](%s)\n", m.URL)
		}
	}
	return sb.String()
}
