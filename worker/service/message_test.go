package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ceyewan/courier/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipelineFixture struct {
	messageRepo *fakeMessageRepo
	channelRepo *fakeChannelRepo
	dedup       *fakeDedup
	sequencer   *fakeSequencer
	idGen       *fakeIDGen
	publisher   *fakePublisher
	sessions    *fakeSessions
	messages    MessageService
	router      RouterService
}

func newPipelineFixture(t *testing.T, gateways map[string]string) *pipelineFixture {
	t.Helper()

	f := &pipelineFixture{
		messageRepo: newFakeMessageRepo(),
		channelRepo: newFakeChannelRepo(),
		dedup:       newFakeDedup(),
		sequencer:   newFakeSequencer(),
		idGen:       &fakeIDGen{},
		publisher:   &fakePublisher{},
		sessions:    &fakeSessions{gateways: gateways},
	}

	router, err := NewRouterService(f.sessions, f.publisher)
	require.NoError(t, err)
	f.router = router

	messages, err := NewMessageService(
		f.messageRepo, f.channelRepo, f.dedup,
		f.sequencer, f.idGen, router, f.publisher)
	require.NoError(t, err)
	f.messages = messages

	return f
}

func (f *pipelineFixture) seedChannel(t *testing.T, channelID string, maxSeq int64, members ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.channelRepo.CreateChannel(ctx, &model.Channel{
		ChannelID: channelID,
		Type:      "group",
		MaxSeqID:  maxSeq,
	}))
	for _, uid := range members {
		require.NoError(t, f.channelRepo.AddMember(ctx, &model.ChannelMember{
			ChannelID: channelID,
			UserID:    uid,
		}))
	}
}

func upstream(sender, channel, clientMsgID string) *model.UpstreamMessage {
	return &model.UpstreamMessage{
		ClientMsgID: clientMsgID,
		SenderID:    sender,
		TargetType:  model.TargetTypeChannel,
		TargetID:    channel,
		Type:        model.MsgTypeText,
		Payload:     json.RawMessage(`{"text":"hello"}`),
		Timestamp:   time.Now().UnixMilli(),
	}
}

func TestMessageService_ProcessUpstream(t *testing.T) {
	ctx := context.Background()

	t.Run("正常处理落库并扇出", func(t *testing.T) {
		f := newPipelineFixture(t, map[string]string{
			"bob":   "gateway-001",
			"carol": "gateway-002",
		})
		f.seedChannel(t, "chan-1", 0, "alice", "bob", "carol")

		result, err := f.messages.ProcessUpstream(ctx, upstream("alice", "chan-1", "c-1"))
		require.NoError(t, err)
		assert.Equal(t, model.ProcessStatusOK, result.Status)
		assert.NotZero(t, result.MsgID)
		assert.Equal(t, int64(1), result.SeqID)

		// 消息落库
		stored, err := f.messageRepo.GetMessage(ctx, result.MsgID)
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Equal(t, "alice", stored.SenderID)

		// 两个网关各收到一条下行
		topics := f.publisher.topics()
		assert.ElementsMatch(t, []string{
			model.DownstreamTopic("gateway-001"),
			model.DownstreamTopic("gateway-002"),
		}, topics)

		// 发送者不计未读，其余成员各加一
		for _, uid := range []string{"bob", "carol"} {
			count, err := f.channelRepo.GetUnreadCount(ctx, "chan-1", uid)
			require.NoError(t, err)
			assert.Equal(t, int64(1), count, uid)
		}
		senderCount, err := f.channelRepo.GetUnreadCount(ctx, "chan-1", "alice")
		require.NoError(t, err)
		assert.Zero(t, senderCount)
	})

	t.Run("重复消息返回首次结果", func(t *testing.T) {
		f := newPipelineFixture(t, nil)
		f.seedChannel(t, "chan-1", 0, "alice", "bob")

		first, err := f.messages.ProcessUpstream(ctx, upstream("alice", "chan-1", "dup-1"))
		require.NoError(t, err)
		require.Equal(t, model.ProcessStatusOK, first.Status)

		second, err := f.messages.ProcessUpstream(ctx, upstream("alice", "chan-1", "dup-1"))
		require.NoError(t, err)
		assert.Equal(t, model.ProcessStatusDuplicate, second.Status)
		assert.Equal(t, first.MsgID, second.MsgID)
		assert.Equal(t, first.SeqID, second.SeqID)

		// 重放不分配新序号
		cur, err := f.sequencer.Current(ctx, "chan-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), cur)
	})

	t.Run("序号从频道历史最大值续播", func(t *testing.T) {
		f := newPipelineFixture(t, nil)
		f.seedChannel(t, "chan-old", 42, "alice", "bob")

		result, err := f.messages.ProcessUpstream(ctx, upstream("alice", "chan-old", "c-43"))
		require.NoError(t, err)
		assert.Equal(t, int64(43), result.SeqID)
	})

	t.Run("频道不存在返回错误状态而非异常", func(t *testing.T) {
		f := newPipelineFixture(t, nil)

		result, err := f.messages.ProcessUpstream(ctx, upstream("alice", "chan-missing", "c-x"))
		require.NoError(t, err)
		assert.Equal(t, model.ProcessStatusError, result.Status)
		assert.NotEmpty(t, result.Error)
	})

	t.Run("非法信封直接拒绝", func(t *testing.T) {
		f := newPipelineFixture(t, nil)

		msg := upstream("", "chan-1", "c-bad")
		result, err := f.messages.ProcessUpstream(ctx, msg)
		require.NoError(t, err)
		assert.Equal(t, model.ProcessStatusError, result.Status)
	})
}

func TestMessageService_ThreadFlattening(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t, nil)
	f.seedChannel(t, "chan-1", 0, "alice", "bob")

	root, err := f.messages.ProcessUpstream(ctx, upstream("alice", "chan-1", "t-root"))
	require.NoError(t, err)

	// 回复根消息
	replyMsg := upstream("bob", "chan-1", "t-reply")
	replyMsg.ParentID = root.MsgID
	reply, err := f.messages.ProcessUpstream(ctx, replyMsg)
	require.NoError(t, err)

	storedReply, err := f.messageRepo.GetMessage(ctx, reply.MsgID)
	require.NoError(t, err)
	require.NotNil(t, storedReply.ParentID)
	require.NotNil(t, storedReply.RootID)
	assert.Equal(t, root.MsgID, *storedReply.ParentID)
	assert.Equal(t, root.MsgID, *storedReply.RootID)

	// 回复一条回复，root 拍平到最初的根
	nestedMsg := upstream("alice", "chan-1", "t-nested")
	nestedMsg.ParentID = reply.MsgID
	nested, err := f.messages.ProcessUpstream(ctx, nestedMsg)
	require.NoError(t, err)

	storedNested, err := f.messageRepo.GetMessage(ctx, nested.MsgID)
	require.NoError(t, err)
	require.NotNil(t, storedNested.RootID)
	assert.Equal(t, reply.MsgID, *storedNested.ParentID)
	assert.Equal(t, root.MsgID, *storedNested.RootID)
}

func TestMessageService_CreateAndPersist(t *testing.T) {
	ctx := context.Background()

	t.Run("同步路径写入 outbox 事件", func(t *testing.T) {
		f := newPipelineFixture(t, nil)
		f.seedChannel(t, "chan-1", 0, "alice", "bob")

		result, err := f.messages.CreateAndPersist(ctx, upstream("alice", "chan-1", "s-1"), nil)
		require.NoError(t, err)
		assert.Equal(t, model.ProcessStatusOK, result.Status)

		pending, err := f.messageRepo.GetPendingOutboxEvents(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, model.UpstreamTopic(model.RoutePostBroadcast), pending[0].Topic)
		assert.Equal(t, result.MsgID, pending[0].MsgID)

		// 事件载荷标记未路由，由后置处理完成扇出
		var event model.PostBroadcastEvent
		require.NoError(t, json.Unmarshal(pending[0].Payload, &event))
		assert.False(t, event.Routed)
		assert.Equal(t, result.MsgID, event.Message.MsgID)
		assert.Equal(t, result.SeqID, event.Message.SeqID)
	})

	t.Run("同步路径重放返回原结果且不追加事件", func(t *testing.T) {
		f := newPipelineFixture(t, nil)
		f.seedChannel(t, "chan-1", 0, "alice", "bob")

		first, err := f.messages.CreateAndPersist(ctx, upstream("alice", "chan-1", "s-dup"), nil)
		require.NoError(t, err)

		second, err := f.messages.CreateAndPersist(ctx, upstream("alice", "chan-1", "s-dup"), nil)
		require.NoError(t, err)
		assert.Equal(t, model.ProcessStatusDuplicate, second.Status)
		assert.Equal(t, first.MsgID, second.MsgID)

		pending, err := f.messageRepo.GetPendingOutboxEvents(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, pending, 1)
	})
}

func TestMessageService_ForwardEphemeral(t *testing.T) {
	ctx := context.Background()

	t.Run("输入状态只转发给在线成员且不落库", func(t *testing.T) {
		f := newPipelineFixture(t, map[string]string{"bob": "gateway-001"})
		f.seedChannel(t, "chan-1", 0, "alice", "bob", "carol")

		typing := upstream("alice", "chan-1", "")
		typing.Type = model.RouteTyping
		require.NoError(t, f.messages.ForwardEphemeral(ctx, typing))

		require.Len(t, f.publisher.sent, 1)
		assert.Equal(t, model.DownstreamTopic("gateway-001"), f.publisher.sent[0].topic)

		var payload model.DownstreamPayload
		require.NoError(t, json.Unmarshal(f.publisher.sent[0].data, &payload))
		assert.Equal(t, model.RouteTyping, payload.Type)
		assert.Zero(t, payload.MsgID)

		// 不产生持久化副作用
		assert.Empty(t, f.messageRepo.messages)
		assert.Empty(t, f.dedup.records)
	})

	t.Run("全员离线时静默丢弃", func(t *testing.T) {
		f := newPipelineFixture(t, nil)
		f.seedChannel(t, "chan-1", 0, "alice", "bob")

		typing := upstream("alice", "chan-1", "")
		typing.Type = model.RouteTyping
		require.NoError(t, f.messages.ForwardEphemeral(ctx, typing))
		assert.Empty(t, f.publisher.sent)
	})
}

// 实时管线到上线补投的端到端链路：离线成员的消息先落收件箱，重新上线后补投结清
func TestMessagePipeline_OfflineCatchUp(t *testing.T) {
	ctx := context.Background()

	f := newPipelineFixture(t, nil)
	f.seedChannel(t, "chan-1", 0, "alice", "bob")

	postBroadcast, err := NewPostBroadcastService(f.messageRepo, f.channelRepo, f.dedup, f.router)
	require.NoError(t, err)
	acks, err := NewAckService(f.messageRepo, f.channelRepo, f.router)
	require.NoError(t, err)

	result, err := f.messages.ProcessUpstream(ctx, upstream("alice", "chan-1", "off-1"))
	require.NoError(t, err)
	require.Equal(t, model.ProcessStatusOK, result.Status)

	// bob 离线，在线扇出没有任何下行发布
	assert.Empty(t, f.publisher.sent)

	// 投递簿记事件与消息同事务落库，Routed 标记管线内已完成扇出
	pending, err := f.messageRepo.GetPendingOutboxEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	var event model.PostBroadcastEvent
	require.NoError(t, json.Unmarshal(pending[0].Payload, &event))
	assert.True(t, event.Routed)
	assert.Equal(t, result.MsgID, event.Message.MsgID)

	// 后置处理写入未投递收件箱，Routed=true 不重复扇出也不重复计数
	require.NoError(t, postBroadcast.HandleEvent(ctx, &event))
	assert.Empty(t, f.publisher.sent)

	undelivered, err := f.messageRepo.GetUndelivered(ctx, "bob", 10)
	require.NoError(t, err)
	require.Len(t, undelivered, 1)
	assert.Equal(t, result.MsgID, undelivered[0].MsgID)

	count, err := f.channelRepo.GetUnreadCount(ctx, "chan-1", "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// 上线补投到当前网关并结清收件箱
	require.NoError(t, acks.HandlePresence(ctx, &model.PresencePayload{
		Status:    model.PresenceOnline,
		UserID:    "bob",
		GatewayID: "gateway-009",
	}))

	require.Len(t, f.publisher.sent, 1)
	assert.Equal(t, model.DownstreamTopic("gateway-009"), f.publisher.sent[0].topic)

	var payload model.DownstreamPayload
	require.NoError(t, json.Unmarshal(f.publisher.sent[0].data, &payload))
	assert.Equal(t, result.MsgID, payload.MsgID)
	assert.Equal(t, result.SeqID, payload.SeqID)

	remaining, err := f.messageRepo.GetUndelivered(ctx, "bob", 10)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}
