package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

var (
	// ErrNoAvailableAccounts 当前没有可调度账号。这是正常的“稍后重试”信号，
	// 不代表任务失败。
	ErrNoAvailableAccounts = errors.New("no schedulable account")
	// ErrAccountNotFound 账号不存在（可能在任务进行中被删除）。
	ErrAccountNotFound = errors.New("account not found")
	// ErrTokenExpiryUnknown access token 中没有可用的 exp 声明。
	ErrTokenExpiryUnknown = errors.New("token expiry unknown")
	// ErrInvalidModel 未知的模型名。
	ErrInvalidModel = errors.New("invalid model")
)

// ContentViolationError 上游判定内容违规，没有可用产物，不可重试。
type ContentViolationError struct {
	Reason string
}

func (e *ContentViolationError) Error() string {
	reason := e.Reason
	if strings.TrimSpace(reason) == "" {
		reason = "content violates guardrails"
	}
	return "content policy violation: " + reason
}

// TimeoutError 生成超出墙钟时限。对该任务致命，资源必须已释放。
type TimeoutError struct {
	Kind    GenerationKind
	Elapsed time.Duration
	Limit   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s generation timed out after %s (limit %s)", e.Kind, e.Elapsed.Round(time.Second), e.Limit)
}

// UpstreamStatusError 上游返回非 2xx。
type UpstreamStatusError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
}

// IsNotReadyError 产物尚未就绪（404 等价）。刚发布的无水印文件出现 404 是正常的。
func IsNotReadyError(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *UpstreamStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == 404
	}
	return strings.Contains(err.Error(), "404")
}

// transientKeywords 瞬时网络/TLS 故障的启发式关键字。
// 只用于判断“可以安全重试”的后续步骤（发布/下载），
// 不用于首次提交生成请求（避免意外重复建任务）。
var transientKeywords = []string{
	"connection reset",
	"connection refused",
	"connection closed",
	"broken pipe",
	"unexpected eof",
	"no such host",
	"could not connect",
	"timed out",
	"timeout",
	"handshake",
	"tls",
}

// IsTransientNetworkError 尽力判断是否为瞬时网络故障。
func IsTransientNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range transientKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}
