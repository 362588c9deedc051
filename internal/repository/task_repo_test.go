//go:build unit

package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Wei-Shaw/sorapool/internal/service"
)

func TestTaskRepo_CreateAndUpdate(t *testing.T) {
	repo := NewTaskRepository(newTestDB(t))
	ctx := context.Background()

	task := &service.Task{
		TaskID:    "t-1",
		AccountID: 1,
		Model:     "sora-video-10s",
		Kind:      "video",
		Prompt:    "a dog",
		Status:    service.JobStatusPending,
	}
	require.NoError(t, repo.Create(ctx, task))
	require.NotZero(t, task.ID)

	task.Status = service.JobStatusCompleted
	task.Progress = 100
	task.ResultURLs = []string{"http://cache/1.mp4"}
	task.FinishedAt = time.Now().UTC().Truncate(time.Second)
	require.NoError(t, repo.Update(ctx, task))

	got, err := repo.GetByTaskID(ctx, "t-1")
	require.NoError(t, err)
	require.Equal(t, service.JobStatusCompleted, got.Status)
	require.Equal(t, []string{"http://cache/1.mp4"}, got.ResultURLs)
	require.False(t, got.FinishedAt.IsZero())
}

func TestTaskRepo_ListRecentNewestFirst(t *testing.T) {
	repo := NewTaskRepository(newTestDB(t))
	ctx := context.Background()

	for i, id := range []string{"t-a", "t-b", "t-c"} {
		require.NoError(t, repo.Create(ctx, &service.Task{
			TaskID:    id,
			AccountID: int64(i + 1),
			Model:     "sora-image",
			Kind:      "image",
			Status:    service.JobStatusRunning,
		}))
	}

	list, err := repo.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "t-c", list[0].TaskID)
	require.Equal(t, "t-b", list[1].TaskID)
}
