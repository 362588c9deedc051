//go:build unit

package service

import (
	"context"
	"sync"
	"sync/atomic"
)

// stubUpstream 可编程的上游打桩。未设置的方法返回零值。
type stubUpstream struct {
	mu sync.Mutex

	submitFn func(ctx context.Context, account *Account, req SubmitRequest) (string, error)
	pollFn   func(ctx context.Context, account *Account, taskID string, kind GenerationKind) (*TaskStatus, error)

	publishCalls   atomic.Int64
	deletedPosts   []string
	availableAfter int64
	availChecks    atomic.Int64

	downloadCalls atomic.Int64
	downloadData  []byte
	downloadErr   error

	refreshToken string
	refreshErr   error
}

var _ SoraUpstream = (*stubUpstream)(nil)

func (s *stubUpstream) Submit(ctx context.Context, account *Account, req SubmitRequest) (string, error) {
	if s.submitFn != nil {
		return s.submitFn(ctx, account, req)
	}
	return "task-upstream-1", nil
}

func (s *stubUpstream) PollStatus(ctx context.Context, account *Account, taskID string, kind GenerationKind) (*TaskStatus, error) {
	if s.pollFn != nil {
		return s.pollFn(ctx, account, taskID, kind)
	}
	return &TaskStatus{State: TaskStateRunning}, nil
}

func (s *stubUpstream) PublishForResolution(_ context.Context, _ *Account, generationID string) (*PublishResult, error) {
	s.publishCalls.Add(1)
	return &PublishResult{PostID: "post-" + generationID, ShareURL: "https://sora.chatgpt.com/p/post-" + generationID}, nil
}

func (s *stubUpstream) DeletePost(_ context.Context, _ *Account, postID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletedPosts = append(s.deletedPosts, postID)
	return nil
}

func (s *stubUpstream) CheckAvailability(_ context.Context, _ string) (bool, error) {
	n := s.availChecks.Add(1)
	return n > s.availableAfter, nil
}

func (s *stubUpstream) Download(_ context.Context, _ string) ([]byte, error) {
	s.downloadCalls.Add(1)
	if s.downloadErr != nil {
		return nil, s.downloadErr
	}
	if s.downloadData == nil {
		return []byte("bytes"), nil
	}
	return s.downloadData, nil
}

func (s *stubUpstream) RefreshAccessToken(_ context.Context, _ string) (string, error) {
	if s.refreshErr != nil {
		return "", s.refreshErr
	}
	return s.refreshToken, nil
}

func (s *stubUpstream) deleted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.deletedPosts))
	copy(out, s.deletedPosts)
	return out
}
