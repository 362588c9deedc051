//go:build unit

package service

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConcurrencyService_AcquireRespectsLimit(t *testing.T) {
	s := NewConcurrencyService()
	s.Register(1, 2, 1)

	require.True(t, s.AcquireImage(1))
	require.True(t, s.AcquireImage(1))
	require.False(t, s.AcquireImage(1))

	require.True(t, s.AcquireVideo(1))
	require.False(t, s.AcquireVideo(1))

	s.ReleaseImage(1)
	require.True(t, s.AcquireImage(1))
}

func TestConcurrencyService_UnknownAccountIsUnlimited(t *testing.T) {
	s := NewConcurrencyService()
	for i := 0; i < 100; i++ {
		require.True(t, s.AcquireImage(42))
		require.True(t, s.AcquireVideo(42))
	}
}

func TestConcurrencyService_ReleaseClampsAtZero(t *testing.T) {
	s := NewConcurrencyService()
	s.Register(1, 1, 1)

	s.ReleaseImage(1)
	s.ReleaseVideo(1)
	img, vid := s.InUse(1)
	require.Equal(t, 0, img)
	require.Equal(t, 0, vid)

	// 重复释放后仍能正常获取
	require.True(t, s.AcquireImage(1))
	require.False(t, s.AcquireImage(1))
}

func TestConcurrencyService_ResetLimitsKeepsInFlight(t *testing.T) {
	s := NewConcurrencyService()
	s.Register(1, 3, ConcurrencyUnlimited)
	require.True(t, s.AcquireImage(1))
	require.True(t, s.AcquireImage(1))

	s.ResetLimits(1, 1, ConcurrencyUnlimited)

	// 在途计数保留,超限占用不被强行回收
	img, _ := s.InUse(1)
	require.Equal(t, 2, img)
	require.False(t, s.AcquireImage(1))

	// 随任务结束自然收敛到新上限
	s.ReleaseImage(1)
	s.ReleaseImage(1)
	require.True(t, s.AcquireImage(1))
	require.False(t, s.AcquireImage(1))
}

func TestConcurrencyService_ConcurrentAcquireNeverExceedsLimit(t *testing.T) {
	const limit = 5
	const workers = 50

	s := NewConcurrencyService()
	s.Register(7, limit, limit)

	var mu sync.Mutex
	inFlight := 0
	maxSeen := 0

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if !s.AcquireImage(7) {
					continue
				}
				mu.Lock()
				inFlight++
				if inFlight > maxSeen {
					maxSeen = inFlight
				}
				mu.Unlock()

				if rand.Intn(4) == 0 {
					// 偶尔让出,增加交错
					mu.Lock()
					mu.Unlock()
				}

				mu.Lock()
				inFlight--
				mu.Unlock()
				s.ReleaseImage(7)
			}
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, maxSeen, limit)
	img, _ := s.InUse(7)
	require.Equal(t, 0, img)
}
