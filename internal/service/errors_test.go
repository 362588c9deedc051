//go:build unit

package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsNotReadyError(t *testing.T) {
	require.True(t, IsNotReadyError(&UpstreamStatusError{StatusCode: 404}))
	require.True(t, IsNotReadyError(fmt.Errorf("wrap: %w", &UpstreamStatusError{StatusCode: 404})))
	require.False(t, IsNotReadyError(&UpstreamStatusError{StatusCode: 500}))
	require.False(t, IsNotReadyError(nil))
}

func TestIsTransientNetworkError(t *testing.T) {
	require.True(t, IsTransientNetworkError(errors.New("read tcp: connection reset by peer")))
	require.True(t, IsTransientNetworkError(errors.New("dial tcp: i/o timeout")))
	require.True(t, IsTransientNetworkError(errors.New("tls handshake failure")))
	require.False(t, IsTransientNetworkError(errors.New("permission denied")))
	// 主动取消不是瞬时故障,不应触发重试
	require.False(t, IsTransientNetworkError(context.Canceled))
	require.False(t, IsTransientNetworkError(fmt.Errorf("wrap: %w", context.DeadlineExceeded)))
}

func TestContentViolationUnionHeuristic(t *testing.T) {
	cases := []struct {
		name   string
		status TaskStatus
		want   bool
	}{
		{"显式违规标识", TaskStatus{ViolationKind: "sora_content_violation"}, true},
		{"带违规原因", TaskStatus{State: TaskStateFailed, Reason: "explicit"}, true},
		{"成功但无产物", TaskStatus{State: TaskStateSucceeded}, true},
		{"成功且有产物", TaskStatus{State: TaskStateSucceeded, ResultURLs: []string{"http://a"}}, false},
		{"普通失败", TaskStatus{State: TaskStateFailed}, false},
		{"进行中", TaskStatus{State: TaskStateRunning}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.status.IsContentViolation())
		})
	}
}

func TestViolationReasonFallbacks(t *testing.T) {
	require.Equal(t, "explicit", (&TaskStatus{Reason: "explicit", ViolationKind: "k"}).ViolationReason())
	require.Equal(t, "k", (&TaskStatus{ViolationKind: "k"}).ViolationReason())
	require.NotEmpty(t, (&TaskStatus{}).ViolationReason())
}
