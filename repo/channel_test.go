package repo

import (
	"context"
	"sync"
	"testing"

	"github.com/ceyewan/courier/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelRepo_Members(t *testing.T) {
	database, cleanup := setupTestContext(t)
	defer cleanup()

	repo, err := NewChannelRepo(database, WithChannelRepoLogger(getTestLogger(t)))
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()

	t.Run("创建频道并添加成员", func(t *testing.T) {
		require.NoError(t, repo.CreateChannel(ctx, &model.Channel{ChannelID: "chan_m_1", Type: "group", Name: "general"}))

		for _, userID := range []string{"user001", "user002", "user003"} {
			require.NoError(t, repo.AddMember(ctx, &model.ChannelMember{ChannelID: "chan_m_1", UserID: userID, Role: "member"}))
		}

		memberIDs, err := repo.GetMemberIDs(ctx, "chan_m_1")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"user001", "user002", "user003"}, memberIDs)
	})

	t.Run("重复添加成员幂等", func(t *testing.T) {
		require.NoError(t, repo.CreateChannel(ctx, &model.Channel{ChannelID: "chan_m_2", Type: "direct"}))
		member := &model.ChannelMember{ChannelID: "chan_m_2", UserID: "user001", Role: "member"}

		require.NoError(t, repo.AddMember(ctx, member))
		require.NoError(t, repo.AddMember(ctx, member))

		memberIDs, err := repo.GetMemberIDs(ctx, "chan_m_2")
		require.NoError(t, err)
		assert.Len(t, memberIDs, 1)
	})
}

func TestChannelRepo_MaxSeqIDNeverRegresses(t *testing.T) {
	database, cleanup := setupTestContext(t)
	defer cleanup()

	repo, err := NewChannelRepo(database, WithChannelRepoLogger(getTestLogger(t)))
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()

	require.NoError(t, repo.CreateChannel(ctx, &model.Channel{ChannelID: "chan_seq_1", Type: "group"}))

	require.NoError(t, repo.UpdateMaxSeqID(ctx, "chan_seq_1", 10))
	// 乱序到达的旧序号不能回拨
	require.NoError(t, repo.UpdateMaxSeqID(ctx, "chan_seq_1", 5))

	channel, err := repo.GetChannel(ctx, "chan_seq_1")
	require.NoError(t, err)
	require.NotNil(t, channel)
	assert.EqualValues(t, 10, channel.MaxSeqID)
}

func TestChannelRepo_UnreadCount(t *testing.T) {
	database, cleanup := setupTestContext(t)
	defer cleanup()

	repo, err := NewChannelRepo(database, WithChannelRepoLogger(getTestLogger(t)))
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()

	t.Run("首次累加即插入", func(t *testing.T) {
		require.NoError(t, repo.IncrementUnread(ctx, "chan_u_1", []string{"user001", "user002"}))

		count, err := repo.GetUnreadCount(ctx, "chan_u_1", "user001")
		require.NoError(t, err)
		assert.EqualValues(t, 1, count)
	})

	t.Run("再次累加自增", func(t *testing.T) {
		require.NoError(t, repo.IncrementUnread(ctx, "chan_u_1", []string{"user001"}))

		count, err := repo.GetUnreadCount(ctx, "chan_u_1", "user001")
		require.NoError(t, err)
		assert.EqualValues(t, 2, count)
	})

	t.Run("并发累加不丢计数", func(t *testing.T) {
		const rounds = 20
		var wg sync.WaitGroup
		for i := 0; i < rounds; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := repo.IncrementUnread(ctx, "chan_u_2", []string{"user010"}); err != nil {
					t.Errorf("并发累加失败: %v", err)
				}
			}()
		}
		wg.Wait()

		count, err := repo.GetUnreadCount(ctx, "chan_u_2", "user010")
		require.NoError(t, err)
		assert.EqualValues(t, rounds, count)
	})

	t.Run("清零后读数为0", func(t *testing.T) {
		require.NoError(t, repo.IncrementUnread(ctx, "chan_u_3", []string{"user020"}))
		require.NoError(t, repo.ResetUnread(ctx, "chan_u_3", "user020"))

		count, err := repo.GetUnreadCount(ctx, "chan_u_3", "user020")
		require.NoError(t, err)
		assert.EqualValues(t, 0, count)
	})

	t.Run("从未有记录的用户读数为0", func(t *testing.T) {
		count, err := repo.GetUnreadCount(ctx, "chan_u_4", "ghost")
		require.NoError(t, err)
		assert.EqualValues(t, 0, count)
	})
}

func TestChannelRepo_LastReadSeq(t *testing.T) {
	database, cleanup := setupTestContext(t)
	defer cleanup()

	repo, err := NewChannelRepo(database, WithChannelRepoLogger(getTestLogger(t)))
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()

	require.NoError(t, repo.CreateChannel(ctx, &model.Channel{ChannelID: "chan_r_1", Type: "group"}))
	require.NoError(t, repo.AddMember(ctx, &model.ChannelMember{ChannelID: "chan_r_1", UserID: "user001", Role: "member"}))

	require.NoError(t, repo.UpdateLastReadSeq(ctx, "chan_r_1", "user001", 10))
	// 旧的已读事件不能倒拨游标
	require.NoError(t, repo.UpdateLastReadSeq(ctx, "chan_r_1", "user001", 3))

	gormDB := database.DB(ctx)
	var member model.ChannelMember
	require.NoError(t, gormDB.Where("channel_id = ? AND user_id = ?", "chan_r_1", "user001").First(&member).Error)
	assert.EqualValues(t, 10, member.LastReadSeq)
}
