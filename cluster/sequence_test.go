package cluster

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequencer_Next(t *testing.T) {
	redisConn := getTestRedis(t)
	defer cleanupRedisData(t, redisConn)

	seq, err := NewSequencer(redisConn.GetClient(), WithLogger(getTestLogger(t)))
	require.NoError(t, err)

	ctx := context.Background()

	t.Run("同一频道内严格递增", func(t *testing.T) {
		var prev int64
		for i := 0; i < 10; i++ {
			n, err := seq.Next(ctx, "channel_a")
			require.NoError(t, err)
			assert.Greater(t, n, prev)
			prev = n
		}
	})

	t.Run("不同频道互不影响", func(t *testing.T) {
		a, err := seq.Next(ctx, "channel_b")
		require.NoError(t, err)
		b, err := seq.Next(ctx, "channel_c")
		require.NoError(t, err)
		assert.EqualValues(t, 1, a)
		assert.EqualValues(t, 1, b)
	})

	t.Run("空频道ID报错", func(t *testing.T) {
		_, err := seq.Next(ctx, "")
		assert.Error(t, err)
	})
}

func TestSequencer_ConcurrentNoDuplicates(t *testing.T) {
	redisConn := getTestRedis(t)
	defer cleanupRedisData(t, redisConn)

	seq, err := NewSequencer(redisConn.GetClient(), WithLogger(getTestLogger(t)))
	require.NoError(t, err)

	ctx := context.Background()

	const workers = 10
	const perWorker = 50

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				n, err := seq.Next(ctx, "channel_hot")
				if err != nil {
					t.Errorf("并发取号失败: %v", err)
					return
				}
				mu.Lock()
				if seen[n] {
					t.Errorf("序号重复: %d", n)
				}
				seen[n] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)

	current, err := seq.Current(ctx, "channel_hot")
	require.NoError(t, err)
	assert.EqualValues(t, workers*perWorker, current)
}

func TestSequencer_Seed(t *testing.T) {
	redisConn := getTestRedis(t)
	defer cleanupRedisData(t, redisConn)

	seq, err := NewSequencer(redisConn.GetClient(), WithLogger(getTestLogger(t)))
	require.NoError(t, err)

	ctx := context.Background()

	t.Run("缺失时播种生效", func(t *testing.T) {
		require.NoError(t, seq.SeedIfAbsent(ctx, "channel_seeded", 100))

		n, err := seq.Next(ctx, "channel_seeded")
		require.NoError(t, err)
		assert.EqualValues(t, 101, n)
	})

	t.Run("已存在时播种不回退", func(t *testing.T) {
		_, err := seq.Next(ctx, "channel_live")
		require.NoError(t, err)
		_, err = seq.Next(ctx, "channel_live")
		require.NoError(t, err)

		require.NoError(t, seq.SeedIfAbsent(ctx, "channel_live", 0))

		n, err := seq.Next(ctx, "channel_live")
		require.NoError(t, err)
		assert.EqualValues(t, 3, n)
	})
}
