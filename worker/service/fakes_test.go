package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ceyewan/courier/model"
	"github.com/ceyewan/genesis/mq"
)

// 内存假件，单元测试不依赖外部容器

type fakeMessageRepo struct {
	mu       sync.Mutex
	messages map[int64]*model.Message
	inbox    []*model.Inbox
	outbox   []*model.OutboxEvent
	nextID   int64
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{messages: make(map[int64]*model.Message)}
}

func (f *fakeMessageRepo) SaveMessage(_ context.Context, msg *model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[msg.MsgID] = msg
	return nil
}

func (f *fakeMessageRepo) SaveMessageWithOutbox(_ context.Context, msg *model.Message, _ []*model.Attachment, outbox *model.OutboxEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[msg.MsgID] = msg
	f.nextID++
	outbox.ID = f.nextID
	f.outbox = append(f.outbox, outbox)
	return nil
}

func (f *fakeMessageRepo) GetMessage(_ context.Context, msgID int64) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[msgID], nil
}

func (f *fakeMessageRepo) GetMessageWithAttachments(ctx context.Context, msgID int64) (*model.Message, []*model.Attachment, error) {
	msg, err := f.GetMessage(ctx, msgID)
	return msg, nil, err
}

func (f *fakeMessageRepo) GetHistoryMessages(context.Context, string, int64, int) ([]*model.Message, error) {
	return nil, nil
}

func (f *fakeMessageRepo) SaveInbox(_ context.Context, inboxes []*model.Inbox) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, in := range inboxes {
		f.nextID++
		in.ID = f.nextID
		f.inbox = append(f.inbox, in)
	}
	return nil
}

func (f *fakeMessageRepo) GetUndelivered(_ context.Context, ownerID string, limit int) ([]*model.Inbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Inbox
	for _, in := range f.inbox {
		if in.OwnerID == ownerID && in.Delivered == model.InboxUndelivered {
			out = append(out, in)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeMessageRepo) MarkDelivered(_ context.Context, ownerID string, inboxIDs []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make(map[int64]bool, len(inboxIDs))
	for _, id := range inboxIDs {
		ids[id] = true
	}
	for _, in := range f.inbox {
		if in.OwnerID == ownerID && ids[in.ID] {
			in.Delivered = model.InboxDelivered
		}
	}
	return nil
}

func (f *fakeMessageRepo) GetPendingOutboxEvents(context.Context, int) ([]*model.OutboxEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.OutboxEvent
	for _, ev := range f.outbox {
		if ev.Status == model.OutboxStatusPending {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeMessageRepo) UpdateOutboxStatus(_ context.Context, id int64, status int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.outbox {
		if ev.ID == id {
			ev.Status = status
		}
	}
	return nil
}

func (f *fakeMessageRepo) UpdateOutboxRetry(_ context.Context, id int64, nextRetry time.Time, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.outbox {
		if ev.ID == id {
			ev.RetryCount = count
			ev.NextRetryTime = nextRetry
		}
	}
	return nil
}

func (f *fakeMessageRepo) Close() error { return nil }

type fakeChannelRepo struct {
	mu       sync.Mutex
	channels map[string]*model.Channel
	members  map[string][]string
	unread   map[string]int64 // channel|user -> count
	lastRead map[string]int64
}

func newFakeChannelRepo() *fakeChannelRepo {
	return &fakeChannelRepo{
		channels: make(map[string]*model.Channel),
		members:  make(map[string][]string),
		unread:   make(map[string]int64),
		lastRead: make(map[string]int64),
	}
}

func unreadKey(channelID, userID string) string { return channelID + "|" + userID }

func (f *fakeChannelRepo) CreateChannel(_ context.Context, ch *model.Channel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[ch.ChannelID] = ch
	return nil
}

func (f *fakeChannelRepo) GetChannel(_ context.Context, channelID string) (*model.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[channelID], nil
}

func (f *fakeChannelRepo) AddMember(_ context.Context, member *model.ChannelMember) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[member.ChannelID] = append(f.members[member.ChannelID], member.UserID)
	return nil
}

func (f *fakeChannelRepo) GetMemberIDs(_ context.Context, channelID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.members[channelID]...), nil
}

func (f *fakeChannelRepo) UpdateMaxSeqID(_ context.Context, channelID string, newSeqID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.channels[channelID]; ok && ch.MaxSeqID < newSeqID {
		ch.MaxSeqID = newSeqID
	}
	return nil
}

func (f *fakeChannelRepo) IncrementUnread(_ context.Context, channelID string, userIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, uid := range userIDs {
		f.unread[unreadKey(channelID, uid)]++
	}
	return nil
}

func (f *fakeChannelRepo) ResetUnread(_ context.Context, channelID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unread[unreadKey(channelID, userID)] = 0
	return nil
}

func (f *fakeChannelRepo) GetUnreadCount(_ context.Context, channelID, userID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread[unreadKey(channelID, userID)], nil
}

func (f *fakeChannelRepo) UpdateLastReadSeq(_ context.Context, channelID, userID string, lastReadSeq int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := unreadKey(channelID, userID)
	if f.lastRead[key] < lastReadSeq {
		f.lastRead[key] = lastReadSeq
	}
	return nil
}

func (f *fakeChannelRepo) Close() error { return nil }

type fakeDedup struct {
	mu      sync.Mutex
	records map[string]*model.DedupRecord
	recent  map[string][][]byte
}

func newFakeDedup() *fakeDedup {
	return &fakeDedup{
		records: make(map[string]*model.DedupRecord),
		recent:  make(map[string][][]byte),
	}
}

func (f *fakeDedup) Check(_ context.Context, clientMsgID string) (*model.DedupRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[clientMsgID], nil
}

func (f *fakeDedup) Mark(_ context.Context, clientMsgID string, rec *model.DedupRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[clientMsgID] = rec
	return nil
}

func (f *fakeDedup) CacheRecent(_ context.Context, channelID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recent[channelID] = append([][]byte{payload}, f.recent[channelID]...)
	return nil
}

func (f *fakeDedup) GetRecent(_ context.Context, channelID string, limit int) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.recent[channelID]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeDedup) Close() error { return nil }

type fakeSequencer struct {
	mu   sync.Mutex
	seqs map[string]int64
}

func newFakeSequencer() *fakeSequencer {
	return &fakeSequencer{seqs: make(map[string]int64)}
}

func (f *fakeSequencer) Next(_ context.Context, channelID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seqs[channelID]++
	return f.seqs[channelID], nil
}

func (f *fakeSequencer) Current(_ context.Context, channelID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seqs[channelID], nil
}

func (f *fakeSequencer) SeedIfAbsent(_ context.Context, channelID string, seed int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.seqs[channelID]; !ok {
		f.seqs[channelID] = seed
	}
	return nil
}

type fakeIDGen struct {
	mu   sync.Mutex
	next int64
}

func (f *fakeIDGen) Next() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return f.next
}

type published struct {
	topic string
	data  []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	fail bool
}

func (f *fakePublisher) Publish(_ context.Context, topic string, data []byte, _ ...mq.PublishOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errPublishFailed
	}
	f.sent = append(f.sent, published{topic: topic, data: data})
	return nil
}

func (f *fakePublisher) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, p := range f.sent {
		out = append(out, p.topic)
	}
	return out
}

var errPublishFailed = errors.New("publish failed")

// fakeSessions 只实现路由扇出需要的能力，其余方法由 stubSessions 兜底
type fakeSessions struct {
	stubSessions
	gateways map[string]string // userID -> gatewayID，缺失即离线
}

func (f *fakeSessions) GroupUsersByGateway(_ context.Context, userIDs []string) (map[string][]string, error) {
	groups := make(map[string][]string)
	for _, uid := range userIDs {
		if gw, ok := f.gateways[uid]; ok {
			groups[gw] = append(groups[gw], uid)
		}
	}
	return groups, nil
}

type stubSessions struct{}

func (stubSessions) SetUserSession(context.Context, string, *model.UserSession) error { return nil }
func (stubSessions) GetUserSession(context.Context, string) (*model.UserSession, error) {
	return nil, nil
}
func (stubSessions) RemoveUserSession(context.Context, string, string) (bool, error) {
	return false, nil
}
func (stubSessions) UpdateHeartbeat(context.Context, string, string) (bool, error) {
	return false, nil
}
func (stubSessions) IsUserOnline(context.Context, string) (bool, error) { return false, nil }
func (stubSessions) GetOnlineUsers(context.Context, []string) (map[string]*model.UserSession, error) {
	return nil, nil
}
func (stubSessions) GetUsersGateways(context.Context, []string) (map[string]string, error) {
	return nil, nil
}
func (stubSessions) GroupUsersByGateway(context.Context, []string) (map[string][]string, error) {
	return nil, nil
}
func (stubSessions) GetZombieSessions(context.Context, time.Duration) ([]string, error) {
	return nil, nil
}
