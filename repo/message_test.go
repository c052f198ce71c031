package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/ceyewan/courier/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRepo_SaveMessage(t *testing.T) {
	database, cleanup := setupTestContext(t)
	defer cleanup()

	repo, err := NewMessageRepo(database, WithMessageRepoLogger(getTestLogger(t)))
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()

	t.Run("保存正常消息", func(t *testing.T) {
		msg := &model.Message{
			MsgID:     time.Now().UnixNano(),
			ChannelID: "test_channel_001",
			SenderID:  "user001",
			SeqID:     1,
			Content:   "Hello, World!",
			MsgType:   "text",
		}

		err := repo.SaveMessage(ctx, msg)
		require.NoError(t, err)

		got, err := repo.GetMessage(ctx, msg.MsgID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "Hello, World!", got.Content)
	})

	t.Run("保存多条消息后按序拉取", func(t *testing.T) {
		channelID := "test_channel_002"
		for i := 1; i <= 5; i++ {
			msg := &model.Message{
				MsgID:     time.Now().UnixNano() + int64(i),
				ChannelID: channelID,
				SenderID:  "user001",
				SeqID:     int64(i),
				Content:   fmt.Sprintf("Message %d", i),
				MsgType:   "text",
			}
			err := repo.SaveMessage(ctx, msg)
			require.NoError(t, err)
		}

		messages, err := repo.GetHistoryMessages(ctx, channelID, 0, 10)
		require.NoError(t, err)
		assert.Len(t, messages, 5)
		// 升序返回
		for i := 1; i < len(messages); i++ {
			assert.Greater(t, messages[i].SeqID, messages[i-1].SeqID)
		}
	})

	t.Run("保存重复MsgID应失败", func(t *testing.T) {
		msgID := time.Now().UnixNano()
		msg1 := &model.Message{MsgID: msgID, ChannelID: "test_channel_003", SenderID: "user001", SeqID: 1, Content: "First"}
		msg2 := &model.Message{MsgID: msgID, ChannelID: "test_channel_003", SenderID: "user001", SeqID: 2, Content: "Second"}

		require.NoError(t, repo.SaveMessage(ctx, msg1))
		assert.Error(t, repo.SaveMessage(ctx, msg2))
	})

	t.Run("不存在的消息返回nil", func(t *testing.T) {
		got, err := repo.GetMessage(ctx, 999999999)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestMessageRepo_SaveMessageWithOutbox(t *testing.T) {
	database, cleanup := setupTestContext(t)
	defer cleanup()

	repo, err := NewMessageRepo(database, WithMessageRepoLogger(getTestLogger(t)))
	require.NoError(t, err)
	defer repo.Close()

	channelRepo, err := NewChannelRepo(database, WithChannelRepoLogger(getTestLogger(t)))
	require.NoError(t, err)
	defer channelRepo.Close()

	ctx := context.Background()

	t.Run("消息与outbox同事务提交", func(t *testing.T) {
		require.NoError(t, channelRepo.CreateChannel(ctx, &model.Channel{ChannelID: "chan_outbox_1", Type: "group"}))

		msg := &model.Message{
			MsgID:     time.Now().UnixNano(),
			ChannelID: "chan_outbox_1",
			SenderID:  "user001",
			SeqID:     7,
			Content:   "with outbox",
			MsgType:   "text",
		}
		payload, _ := json.Marshal(msg)
		outbox := &model.OutboxEvent{
			MsgID:     msg.MsgID,
			EventType: "post_broadcast",
			Topic:     model.UpstreamTopic(model.RoutePostBroadcast),
			Payload:   payload,
			Status:    model.OutboxStatusPending,
		}

		attachments := []*model.Attachment{
			{MsgID: msg.MsgID, Name: "report.pdf", URL: "https://files/report.pdf", Size: 1024, MimeType: "application/pdf"},
		}

		require.NoError(t, repo.SaveMessageWithOutbox(ctx, msg, attachments, outbox))

		got, atts, err := repo.GetMessageWithAttachments(ctx, msg.MsgID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Len(t, atts, 1)
		assert.Equal(t, "report.pdf", atts[0].Name)

		// 频道 MaxSeqID 被 CAS 推进
		channel, err := channelRepo.GetChannel(ctx, "chan_outbox_1")
		require.NoError(t, err)
		require.NotNil(t, channel)
		assert.EqualValues(t, 7, channel.MaxSeqID)

		pending, err := repo.GetPendingOutboxEvents(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, msg.MsgID, pending[0].MsgID)
	})

	t.Run("消息插入失败时outbox一并回滚", func(t *testing.T) {
		msgID := time.Now().UnixNano()
		msg := &model.Message{MsgID: msgID, ChannelID: "chan_outbox_2", SenderID: "user001", SeqID: 1, Content: "dup"}
		outbox := &model.OutboxEvent{MsgID: msgID, EventType: "post_broadcast", Topic: "t", Payload: []byte("{}")}

		require.NoError(t, repo.SaveMessageWithOutbox(ctx, msg, nil, outbox))

		// 相同 MsgID 再次写入，事务必须整体失败
		dup := &model.Message{MsgID: msgID, ChannelID: "chan_outbox_2", SenderID: "user001", SeqID: 2, Content: "dup again"}
		outbox2 := &model.OutboxEvent{MsgID: msgID, EventType: "post_broadcast", Topic: "t", Payload: []byte("{}")}
		require.Error(t, repo.SaveMessageWithOutbox(ctx, dup, nil, outbox2))

		pending, err := repo.GetPendingOutboxEvents(ctx, 100)
		require.NoError(t, err)

		count := 0
		for _, e := range pending {
			if e.MsgID == msgID {
				count++
			}
		}
		assert.Equal(t, 1, count)
	})

	t.Run("outbox状态流转", func(t *testing.T) {
		msgID := time.Now().UnixNano()
		msg := &model.Message{MsgID: msgID, ChannelID: "chan_outbox_3", SenderID: "user001", SeqID: 1, Content: "x"}
		outbox := &model.OutboxEvent{MsgID: msgID, EventType: "post_broadcast", Topic: "t", Payload: []byte("{}")}
		require.NoError(t, repo.SaveMessageWithOutbox(ctx, msg, nil, outbox))

		pending, err := repo.GetPendingOutboxEvents(ctx, 100)
		require.NoError(t, err)

		var id int64
		for _, e := range pending {
			if e.MsgID == msgID {
				id = e.ID
			}
		}
		require.NotZero(t, id)

		// 重试信息推进到未来后不再被轮询捞出
		require.NoError(t, repo.UpdateOutboxRetry(ctx, id, time.Now().Add(time.Hour), 1))
		pending, err = repo.GetPendingOutboxEvents(ctx, 100)
		require.NoError(t, err)
		for _, e := range pending {
			assert.NotEqual(t, id, e.ID)
		}

		require.NoError(t, repo.UpdateOutboxStatus(ctx, id, model.OutboxStatusSent))
	})
}

func TestMessageRepo_Inbox(t *testing.T) {
	database, cleanup := setupTestContext(t)
	defer cleanup()

	repo, err := NewMessageRepo(database, WithMessageRepoLogger(getTestLogger(t)))
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()

	t.Run("重复写入信箱幂等", func(t *testing.T) {
		inboxes := []*model.Inbox{
			{OwnerID: "user001", ChannelID: "chan_inbox_1", MsgID: 1001, SeqID: 1},
			{OwnerID: "user002", ChannelID: "chan_inbox_1", MsgID: 1001, SeqID: 1},
		}
		require.NoError(t, repo.SaveInbox(ctx, inboxes))

		// 同一批次重放，唯一键冲突被忽略
		replay := []*model.Inbox{
			{OwnerID: "user001", ChannelID: "chan_inbox_1", MsgID: 1001, SeqID: 1},
		}
		require.NoError(t, repo.SaveInbox(ctx, replay))

		undelivered, err := repo.GetUndelivered(ctx, "user001", 10)
		require.NoError(t, err)
		assert.Len(t, undelivered, 1)
	})

	t.Run("标记已投递后不再出现在未投递列表", func(t *testing.T) {
		inboxes := []*model.Inbox{
			{OwnerID: "user010", ChannelID: "chan_inbox_2", MsgID: 2001, SeqID: 1},
			{OwnerID: "user010", ChannelID: "chan_inbox_2", MsgID: 2002, SeqID: 2},
		}
		require.NoError(t, repo.SaveInbox(ctx, inboxes))

		undelivered, err := repo.GetUndelivered(ctx, "user010", 10)
		require.NoError(t, err)
		require.Len(t, undelivered, 2)

		ids := []int64{undelivered[0].ID}
		require.NoError(t, repo.MarkDelivered(ctx, "user010", ids))

		undelivered, err = repo.GetUndelivered(ctx, "user010", 10)
		require.NoError(t, err)
		assert.Len(t, undelivered, 1)
		assert.EqualValues(t, 2002, undelivered[0].MsgID)
	})
}
