package service

import (
	"context"
	"time"
)

// defaultHTTPTimeout 对上游单次 HTTP 请求的兜底超时。
const defaultHTTPTimeout = 60 * time.Second

// TaskState 上游任务的归一化状态。
type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateRunning   TaskState = "running"
	TaskStateSucceeded TaskState = "succeeded"
	TaskStateFailed    TaskState = "failed"
)

// SubmitRequest 提交一次生成所需的全部参数。
type SubmitRequest struct {
	Prompt      string
	Model       ModelConfig
	InlineImage []byte // 可选的图生视频参考图
}

// TaskStatus 一次轮询得到的任务快照。
// 上游两套接口(图片任务列表 / 视频 pending+drafts)都归一化成它。
type TaskStatus struct {
	State      TaskState
	Progress   float64 // 0-100
	ResultURLs []string
	// 视频成片的 generation 标识,去水印流程用它发布帖子。
	GenerationID string
	// 成片原始直链,去水印失败时的兜底。
	RawURL string

	// 失败细节。内容违规按三条线索的并集判定:
	// kind 显式标記、reason 非空、或成功态却拿不到 URL。
	ViolationKind string
	Reason        string
	ErrorMessage  string
}

// IsContentViolation 并集式违规判定。
func (t *TaskStatus) IsContentViolation() bool {
	if t.ViolationKind == "sora_content_violation" {
		return true
	}
	if t.Reason != "" {
		return true
	}
	if t.State == TaskStateSucceeded && len(t.ResultURLs) == 0 {
		return true
	}
	return false
}

// ViolationReason 拼出可回显的违规原因。
func (t *TaskStatus) ViolationReason() string {
	if t.Reason != "" {
		return t.Reason
	}
	if t.ViolationKind != "" {
		return t.ViolationKind
	}
	return "内容被上游拒绝"
}

// PublishResult 发布帖子后拿到的标识。
type PublishResult struct {
	PostID   string
	ShareURL string
}

// SoraUpstream 对上游 Sora 接口的全部访问。
// 具体实现在 repository 层,service 只依赖这个接口,便于测试注入。
type SoraUpstream interface {
	// Submit 提交生成任务,返回上游任务 id。
	Submit(ctx context.Context, account *Account, req SubmitRequest) (string, error)
	// PollStatus 查询任务当前状态。
	PollStatus(ctx context.Context, account *Account, taskID string, kind GenerationKind) (*TaskStatus, error)
	// PublishForResolution 把成片发布成帖子,供第三方解析直链。
	PublishForResolution(ctx context.Context, account *Account, generationID string) (*PublishResult, error)
	// DeletePost 清理发布出去的帖子,尽力而为。
	DeletePost(ctx context.Context, account *Account, postID string) error
	// CheckAvailability 对 URL 做 HEAD 探测,可达返回 true。
	CheckAvailability(ctx context.Context, url string) (bool, error)
	// Download 下载资源字节。404 以 IsNotReadyError 可识别的错误返回。
	Download(ctx context.Context, url string) ([]byte, error)
	// RefreshAccessToken 用 refresh token 换新 access token。
	RefreshAccessToken(ctx context.Context, refreshToken string) (accessToken string, err error)
}
