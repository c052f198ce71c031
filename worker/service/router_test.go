package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ceyewan/courier/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterService_RouteToUsers(t *testing.T) {
	ctx := context.Background()

	t.Run("按网关分组扇出", func(t *testing.T) {
		publisher := &fakePublisher{}
		sessions := &fakeSessions{gateways: map[string]string{
			"u1": "gateway-001",
			"u2": "gateway-001",
			"u3": "gateway-002",
		}}
		router, err := NewRouterService(sessions, publisher)
		require.NoError(t, err)

		payload := &model.DownstreamPayload{MsgID: 100, SenderID: "alice", TargetType: model.TargetTypeChannel, TargetID: "chan-1", Type: model.MsgTypeText}
		require.NoError(t, router.RouteToUsers(ctx, payload, []string{"u1", "u2", "u3"}))

		// 同一网关的用户合并到一条下行消息里
		require.Len(t, publisher.sent, 2)
		byTopic := make(map[string]model.DownstreamPayload)
		for _, p := range publisher.sent {
			var d model.DownstreamPayload
			require.NoError(t, json.Unmarshal(p.data, &d))
			byTopic[p.topic] = d
		}
		assert.ElementsMatch(t, []string{"u1", "u2"}, byTopic[model.DownstreamTopic("gateway-001")].TargetUserIDs)
		assert.ElementsMatch(t, []string{"u3"}, byTopic[model.DownstreamTopic("gateway-002")].TargetUserIDs)
	})

	t.Run("离线用户静默跳过", func(t *testing.T) {
		publisher := &fakePublisher{}
		sessions := &fakeSessions{gateways: map[string]string{"u1": "gateway-001"}}
		router, err := NewRouterService(sessions, publisher)
		require.NoError(t, err)

		payload := &model.DownstreamPayload{MsgID: 101, SenderID: "alice", TargetID: "chan-1"}
		require.NoError(t, router.RouteToUsers(ctx, payload, []string{"u1", "offline-1", "offline-2"}))

		require.Len(t, publisher.sent, 1)
		var d model.DownstreamPayload
		require.NoError(t, json.Unmarshal(publisher.sent[0].data, &d))
		assert.Equal(t, []string{"u1"}, d.TargetUserIDs)
	})

	t.Run("全员离线不发布", func(t *testing.T) {
		publisher := &fakePublisher{}
		router, err := NewRouterService(&fakeSessions{gateways: nil}, publisher)
		require.NoError(t, err)

		payload := &model.DownstreamPayload{MsgID: 102, SenderID: "alice", TargetID: "chan-1"}
		require.NoError(t, router.RouteToUsers(ctx, payload, []string{"offline-1"}))
		assert.Empty(t, publisher.sent)
	})

	t.Run("发布失败返回错误", func(t *testing.T) {
		publisher := &fakePublisher{fail: true}
		sessions := &fakeSessions{gateways: map[string]string{"u1": "gateway-001"}}
		router, err := NewRouterService(sessions, publisher)
		require.NoError(t, err)

		payload := &model.DownstreamPayload{MsgID: 103, SenderID: "alice", TargetID: "chan-1"}
		err = router.RouteToUsers(ctx, payload, []string{"u1"})
		assert.Error(t, err)
	})
}
