package repository

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/imroc/req/v3"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/Wei-Shaw/sorapool/internal/service"
)

const (
	defaultSoraBaseURL = "https://sora.chatgpt.com/backend"
	oauthTokenURL      = "https://auth.openai.com/oauth/token"
	oauthClientID      = "app_EMoamEEZ73f0CkXaXp7hrann"
)

// soraClient 实现 service.SoraUpstream。
// 上游有风控,所有请求走 Chrome 指纹伪装。
type soraClient struct {
	client  *req.Client
	baseURL string
}

// NewSoraClient 创建上游客户端。baseURL 留空用官方地址,proxyURL 可选。
func NewSoraClient(baseURL, proxyURL string, timeout time.Duration) service.SoraUpstream {
	if baseURL == "" {
		baseURL = defaultSoraBaseURL
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client := req.C().
		SetTimeout(timeout).
		ImpersonateChrome()
	if proxyURL != "" {
		client.SetProxyURL(proxyURL)
	}
	return &soraClient{client: client, baseURL: baseURL}
}

func (c *soraClient) authed(ctx context.Context, account *service.Account) *req.Request {
	return c.client.R().SetContext(ctx).SetBearerAuthToken(account.AccessToken)
}

// Submit 提交生成任务。图片与视频共用 video_gen 入口,按 type 区分。
func (c *soraClient) Submit(ctx context.Context, account *service.Account, r service.SubmitRequest) (string, error) {
	genType := "image_gen"
	if r.Model.Kind == service.KindVideo {
		genType = "video_gen"
	}

	body := "{}"
	body, _ = sjson.Set(body, "type", genType)
	body, _ = sjson.Set(body, "prompt", r.Prompt)
	body, _ = sjson.Set(body, "width", r.Model.Width)
	body, _ = sjson.Set(body, "height", r.Model.Height)
	body, _ = sjson.Set(body, "operation", "simple_compose")
	body, _ = sjson.Set(body, "n_variants", 1)
	if r.Model.Kind == service.KindVideo {
		body, _ = sjson.Set(body, "n_frames", r.Model.Frames)
		body, _ = sjson.Set(body, "orientation", r.Model.Orientation)
	}
	if len(r.InlineImage) > 0 {
		body, _ = sjson.Set(body, "inpaint_items.0.type", "image")
		body, _ = sjson.Set(body, "inpaint_items.0.image_data", base64.StdEncoding.EncodeToString(r.InlineImage))
	}

	resp, err := c.authed(ctx, account).
		SetContentType("application/json").
		SetBody(body).
		Post(c.baseURL + "/video_gen")
	if err != nil {
		return "", fmt.Errorf("提交生成请求: %w", err)
	}
	if !resp.IsSuccessState() {
		return "", &service.UpstreamStatusError{StatusCode: resp.StatusCode, Body: resp.String()}
	}

	id := gjson.Get(resp.String(), "id")
	if !id.Exists() || id.String() == "" {
		return "", fmt.Errorf("上游未返回任务 id: %s", resp.String())
	}
	return id.String(), nil
}

// PollStatus 查询任务状态。图片走任务列表接口;视频先查 pending 队列,
// 不在队列里说明已出片,再到草稿箱找成片。
func (c *soraClient) PollStatus(ctx context.Context, account *service.Account, taskID string, kind service.GenerationKind) (*service.TaskStatus, error) {
	if kind == service.KindImage {
		return c.pollImageTask(ctx, account, taskID)
	}
	return c.pollVideoTask(ctx, account, taskID)
}

func (c *soraClient) pollImageTask(ctx context.Context, account *service.Account, taskID string) (*service.TaskStatus, error) {
	resp, err := c.authed(ctx, account).
		SetQueryParam("limit", "10").
		Get(c.baseURL + "/video_gen")
	if err != nil {
		return nil, fmt.Errorf("查询图片任务: %w", err)
	}
	if !resp.IsSuccessState() {
		return nil, &service.UpstreamStatusError{StatusCode: resp.StatusCode, Body: resp.String()}
	}

	var found gjson.Result
	gjson.Get(resp.String(), "task_responses").ForEach(func(_, task gjson.Result) bool {
		if task.Get("id").String() == taskID {
			found = task
			return false
		}
		return true
	})
	if !found.Exists() {
		return &service.TaskStatus{State: service.TaskStatePending}, nil
	}
	return imageTaskStatus(found), nil
}

func imageTaskStatus(task gjson.Result) *service.TaskStatus {
	status := &service.TaskStatus{
		Progress:      task.Get("progress_pct").Float() * 100,
		ViolationKind: task.Get("failure_reason.kind").String(),
		Reason:        task.Get("moderation_result.reason_str").String(),
	}

	switch task.Get("status").String() {
	case "succeeded":
		status.State = service.TaskStateSucceeded
		task.Get("generations").ForEach(func(_, gen gjson.Result) bool {
			if u := gen.Get("url").String(); u != "" {
				status.ResultURLs = append(status.ResultURLs, u)
			}
			return true
		})
	case "failed", "cancelled":
		status.State = service.TaskStateFailed
		status.ErrorMessage = task.Get("failure_reason.message").String()
	case "running", "processing":
		status.State = service.TaskStateRunning
	default:
		status.State = service.TaskStatePending
	}
	return status
}

func (c *soraClient) pollVideoTask(ctx context.Context, account *service.Account, taskID string) (*service.TaskStatus, error) {
	resp, err := c.authed(ctx, account).Get(c.baseURL + "/nf/pending_tasks")
	if err != nil {
		return nil, fmt.Errorf("查询视频队列: %w", err)
	}
	if !resp.IsSuccessState() {
		return nil, &service.UpstreamStatusError{StatusCode: resp.StatusCode, Body: resp.String()}
	}

	var pending gjson.Result
	gjson.Get(resp.String(), "tasks").ForEach(func(_, task gjson.Result) bool {
		if task.Get("id").String() == taskID {
			pending = task
			return false
		}
		return true
	})
	if pending.Exists() {
		status := &service.TaskStatus{
			State:         service.TaskStateRunning,
			Progress:      pending.Get("progress_pct").Float() * 100,
			ViolationKind: pending.Get("failure_reason.kind").String(),
			Reason:        pending.Get("moderation_result.reason_str").String(),
		}
		if s := pending.Get("status").String(); s == "failed" || s == "cancelled" {
			status.State = service.TaskStateFailed
			status.ErrorMessage = pending.Get("failure_reason.message").String()
		}
		return status, nil
	}

	// 不在队列里,到草稿箱找成片。
	return c.findVideoDraft(ctx, account, taskID)
}

func (c *soraClient) findVideoDraft(ctx context.Context, account *service.Account, taskID string) (*service.TaskStatus, error) {
	resp, err := c.authed(ctx, account).
		SetQueryParam("limit", "15").
		Get(c.baseURL + "/project_y/profile/drafts")
	if err != nil {
		return nil, fmt.Errorf("查询草稿箱: %w", err)
	}
	if !resp.IsSuccessState() {
		return nil, &service.UpstreamStatusError{StatusCode: resp.StatusCode, Body: resp.String()}
	}

	var found gjson.Result
	gjson.Get(resp.String(), "items").ForEach(func(_, item gjson.Result) bool {
		if item.Get("task_id").String() == taskID {
			found = item
			return false
		}
		return true
	})
	if !found.Exists() {
		// 队列和草稿箱都不见,可能处理中窗口期,按进行中处理。
		return &service.TaskStatus{State: service.TaskStateRunning}, nil
	}

	status := &service.TaskStatus{
		State:         service.TaskStateSucceeded,
		Progress:      100,
		GenerationID:  found.Get("id").String(),
		ViolationKind: found.Get("failure_reason.kind").String(),
		Reason:        found.Get("moderation_result.reason_str").String(),
	}
	if u := found.Get("downloadable_url").String(); u != "" {
		status.RawURL = u
		status.ResultURLs = append(status.ResultURLs, u)
	} else if u := found.Get("url").String(); u != "" {
		status.RawURL = u
		status.ResultURLs = append(status.ResultURLs, u)
	}
	return status, nil
}

// PublishForResolution 把成片发布成帖子。
func (c *soraClient) PublishForResolution(ctx context.Context, account *service.Account, generationID string) (*service.PublishResult, error) {
	body, _ := sjson.Set("{}", "generation_id", generationID)
	resp, err := c.authed(ctx, account).
		SetContentType("application/json").
		SetBody(body).
		Post(c.baseURL + "/project_y/post")
	if err != nil {
		return nil, fmt.Errorf("发布帖子: %w", err)
	}
	if !resp.IsSuccessState() {
		return nil, &service.UpstreamStatusError{StatusCode: resp.StatusCode, Body: resp.String()}
	}

	raw := resp.String()
	result := &service.PublishResult{
		PostID:   gjson.Get(raw, "post.id").String(),
		ShareURL: gjson.Get(raw, "post.share_url").String(),
	}
	if result.PostID == "" {
		result.PostID = gjson.Get(raw, "id").String()
	}
	if result.PostID == "" {
		return nil, fmt.Errorf("发布成功但未返回 post id: %s", raw)
	}
	if result.ShareURL == "" {
		result.ShareURL = fmt.Sprintf("https://sora.chatgpt.com/p/%s", result.PostID)
	}
	return result, nil
}

// DeletePost 删除发布的帖子。
func (c *soraClient) DeletePost(ctx context.Context, account *service.Account, postID string) error {
	resp, err := c.authed(ctx, account).Delete(c.baseURL + "/project_y/post/" + postID)
	if err != nil {
		return fmt.Errorf("删除帖子: %w", err)
	}
	if !resp.IsSuccessState() {
		return &service.UpstreamStatusError{StatusCode: resp.StatusCode, Body: resp.String()}
	}
	return nil
}

// CheckAvailability HEAD 探测资源是否就绪。404 不算错误,只是未就绪。
func (c *soraClient) CheckAvailability(ctx context.Context, url string) (bool, error) {
	resp, err := c.client.R().SetContext(ctx).Head(url)
	if err != nil {
		return false, err
	}
	return resp.IsSuccessState(), nil
}

// Download 下载资源字节。404 返回可被 IsNotReadyError 识别的错误。
func (c *soraClient) Download(ctx context.Context, url string) ([]byte, error) {
	resp, err := c.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == 404 {
		return nil, &service.UpstreamStatusError{StatusCode: 404, Body: "resource not ready"}
	}
	if !resp.IsSuccessState() {
		return nil, &service.UpstreamStatusError{StatusCode: resp.StatusCode, Body: resp.String()}
	}
	return resp.Bytes(), nil
}

// RefreshAccessToken 用 refresh token 换新 access token。
func (c *soraClient) RefreshAccessToken(ctx context.Context, refreshToken string) (string, error) {
	body := "{}"
	body, _ = sjson.Set(body, "grant_type", "refresh_token")
	body, _ = sjson.Set(body, "client_id", oauthClientID)
	body, _ = sjson.Set(body, "refresh_token", refreshToken)

	resp, err := c.client.R().SetContext(ctx).
		SetContentType("application/json").
		SetBody(body).
		Post(oauthTokenURL)
	if err != nil {
		return "", fmt.Errorf("刷新凭证: %w", err)
	}
	if !resp.IsSuccessState() {
		return "", &service.UpstreamStatusError{StatusCode: resp.StatusCode, Body: resp.String()}
	}

	token := gjson.Get(resp.String(), "access_token")
	if !token.Exists() || token.String() == "" {
		return "", fmt.Errorf("刷新响应缺少 access_token")
	}
	return token.String(), nil
}
