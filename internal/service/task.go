package service

import (
	"context"
	"time"
)

// JobStatus 任务生命周期状态。
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Task 一次生成任务的审计记录。
type Task struct {
	ID         int64     `json:"id"`
	TaskID     string    `json:"task_id"` // 对外暴露的任务标识
	AccountID  int64     `json:"account_id"`
	Model      string    `json:"model"`
	Kind       string    `json:"kind"`
	Prompt     string    `json:"prompt"`
	Status     JobStatus `json:"status"`
	Progress   float64   `json:"progress"`
	ResultURLs []string  `json:"result_urls"`
	ErrorMsg   string    `json:"error_msg"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// TaskRepository 任务记录的持久化。
type TaskRepository interface {
	Create(ctx context.Context, task *Task) error
	Update(ctx context.Context, task *Task) error
	GetByTaskID(ctx context.Context, taskID string) (*Task, error)
	ListRecent(ctx context.Context, limit int) ([]*Task, error)
}
