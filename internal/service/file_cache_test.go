//go:build unit

package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingDownloader struct {
	calls atomic.Int64
	data  []byte
	err   error
	// 前 failFirst 次调用返回 err,之后成功
	failFirst int64
}

func (d *countingDownloader) Download(_ context.Context, _ string) ([]byte, error) {
	n := d.calls.Add(1)
	if d.err != nil && n <= d.failFirst {
		return nil, d.err
	}
	if d.err != nil && d.failFirst == 0 {
		return nil, d.err
	}
	return d.data, nil
}

func newTestCache(t *testing.T, downloader Downloader, ttl time.Duration) *FileCacheService {
	t.Helper()
	cache, err := NewFileCacheService(t.TempDir(), downloader, CacheSettings{
		Enabled: true,
		TTL:     ttl,
		BaseURL: "http://localhost:7860",
	})
	require.NoError(t, err)
	return cache
}

func TestFileCache_FetchWritesFileAndReturnsURL(t *testing.T) {
	d := &countingDownloader{data: []byte("payload")}
	cache := newTestCache(t, d, time.Minute)

	url, err := cache.FetchAndCache(context.Background(), "http://upstream/a.png", KindImage)
	require.NoError(t, err)
	require.Contains(t, url, "http://localhost:7860/cache/")
	require.Contains(t, url, ".png")
	require.EqualValues(t, 1, d.calls.Load())

	// 第二次命中索引,不再回源
	again, err := cache.FetchAndCache(context.Background(), "http://upstream/a.png", KindImage)
	require.NoError(t, err)
	require.Equal(t, url, again)
	require.EqualValues(t, 1, d.calls.Load())
}

func TestFileCache_ConcurrentFetchDownloadsOnce(t *testing.T) {
	d := &countingDownloader{data: []byte("payload")}
	cache := newTestCache(t, d, time.Minute)

	const goroutines = 20
	var wg sync.WaitGroup
	urls := make([]string, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			url, err := cache.FetchAndCache(context.Background(), "http://upstream/same.mp4", KindVideo)
			require.NoError(t, err)
			urls[i] = url
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, d.calls.Load())
	for i := 1; i < goroutines; i++ {
		require.Equal(t, urls[0], urls[i])
	}
}

func TestFileCache_SweepRemovesExpiredFile(t *testing.T) {
	d := &countingDownloader{data: []byte("payload")}
	dir := t.TempDir()
	cache, err := NewFileCacheService(dir, d, CacheSettings{
		Enabled: true,
		TTL:     20 * time.Millisecond,
		BaseURL: "http://localhost:7860",
	})
	require.NoError(t, err)

	_, err = cache.FetchAndCache(context.Background(), "http://upstream/b.png", KindImage)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	cachedFile := filepath.Join(dir, entries[0].Name())

	time.Sleep(60 * time.Millisecond)
	cache.Sweep()

	_, statErr := os.Stat(cachedFile)
	require.True(t, os.IsNotExist(statErr))

	// 清扫后再取会重新回源
	_, err = cache.FetchAndCache(context.Background(), "http://upstream/b.png", KindImage)
	require.NoError(t, err)
	require.EqualValues(t, 2, d.calls.Load())
}

func TestFileCache_NonRetryableErrorFailsFast(t *testing.T) {
	d := &countingDownloader{err: fmt.Errorf("permission denied")}
	cache := newTestCache(t, d, time.Minute)

	_, err := cache.FetchAndCache(context.Background(), "http://upstream/c.png", KindImage)
	require.Error(t, err)
	require.EqualValues(t, 1, d.calls.Load())
}

func TestFileCache_UpdateSettingsChangesBaseURL(t *testing.T) {
	d := &countingDownloader{data: []byte("payload")}
	cache := newTestCache(t, d, time.Minute)

	cache.UpdateSettings(CacheSettings{Enabled: true, TTL: time.Minute, BaseURL: "https://cdn.example.com"})

	url, err := cache.FetchAndCache(context.Background(), "http://upstream/d.png", KindImage)
	require.NoError(t, err)
	require.Contains(t, url, "https://cdn.example.com/cache/")
	require.True(t, cache.Enabled())
}
