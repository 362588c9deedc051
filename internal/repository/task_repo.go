package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/Wei-Shaw/sorapool/internal/service"
)

// taskRepository 实现 service.TaskRepository 接口,原生 SQL 操作 tasks 表。
// 结果 URL 列表以 JSON 存单列。
type taskRepository struct {
	sql *sql.DB
}

// NewTaskRepository 创建任务仓储实例。
func NewTaskRepository(sqlDB *sql.DB) service.TaskRepository {
	return &taskRepository{sql: sqlDB}
}

const taskColumns = `
	id, task_id, account_id, model, kind, prompt, status, progress,
	result_urls, error_msg, created_at, finished_at`

func (r *taskRepository) Create(ctx context.Context, task *service.Task) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	urlsJSON, _ := json.Marshal(task.ResultURLs)

	res, err := r.sql.ExecContext(ctx, `
		INSERT INTO tasks (
			task_id, account_id, model, kind, prompt, status, progress,
			result_urls, error_msg, created_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		task.TaskID, task.AccountID, task.Model, task.Kind, task.Prompt, task.Status, task.Progress,
		urlsJSON, task.ErrorMsg, task.CreatedAt, nullableTime(task.FinishedAt),
	)
	if err != nil {
		return err
	}
	task.ID, err = res.LastInsertId()
	return err
}

func (r *taskRepository) Update(ctx context.Context, task *service.Task) error {
	urlsJSON, _ := json.Marshal(task.ResultURLs)
	_, err := r.sql.ExecContext(ctx, `
		UPDATE tasks SET
			status = ?, progress = ?, result_urls = ?, error_msg = ?, finished_at = ?
		WHERE task_id = ?
	`,
		task.Status, task.Progress, urlsJSON, task.ErrorMsg, nullableTime(task.FinishedAt), task.TaskID,
	)
	return err
}

func (r *taskRepository) GetByTaskID(ctx context.Context, taskID string) (*service.Task, error) {
	row := r.sql.QueryRowContext(ctx, `SELECT`+taskColumns+` FROM tasks WHERE task_id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sql.ErrNoRows
	}
	return task, err
}

func (r *taskRepository) ListRecent(ctx context.Context, limit int) ([]*service.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.sql.QueryContext(ctx, `SELECT`+taskColumns+` FROM tasks ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*service.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(row rowScanner) (*service.Task, error) {
	task := &service.Task{}
	var urlsJSON []byte
	var finishedAt sql.NullTime

	err := row.Scan(
		&task.ID, &task.TaskID, &task.AccountID, &task.Model, &task.Kind, &task.Prompt,
		&task.Status, &task.Progress, &urlsJSON, &task.ErrorMsg, &task.CreatedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(urlsJSON) > 0 {
		_ = json.Unmarshal(urlsJSON, &task.ResultURLs)
	}
	if finishedAt.Valid {
		task.FinishedAt = finishedAt.Time
	}
	return task, nil
}

func nullableTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
