package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loom-chat/loom/internal/bus"
	"github.com/loom-chat/loom/internal/cache"
	"github.com/loom-chat/loom/internal/remote"
	"github.com/loom-chat/loom/internal/status"
	"github.com/loom-chat/loom/internal/store"
)

type fakeBackend struct {
	mu      sync.Mutex
	convs   []store.Conversation
	msgs    map[string][]store.Message
	nextID  int
	offline bool

	listConvCalls int
	listMsgCalls  int
	createOrder   []string
	markReadCalls int

	// When set, ListMessages blocks until the channel closes.
	blockList chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{msgs: make(map[string][]store.Message)}
}

func (f *fakeBackend) setOffline(v bool) {
	f.mu.Lock()
	f.offline = v
	f.mu.Unlock()
}

func (f *fakeBackend) netErr() error {
	return &remote.NetworkError{Err: fmt.Errorf("connection refused")}
}

func (f *fakeBackend) ListConversations(_ context.Context, limit, offset int) ([]store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listConvCalls++
	if f.offline {
		return nil, f.netErr()
	}
	if offset >= len(f.convs) {
		return nil, nil
	}
	out := f.convs[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]store.Conversation(nil), out...), nil
}

func (f *fakeBackend) GetConversation(_ context.Context, id string) (*store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return nil, f.netErr()
	}
	for _, c := range f.convs {
		if c.ID == id {
			conv := c
			return &conv, nil
		}
	}
	return nil, nil
}

func (f *fakeBackend) CreateDirectConversation(_ context.Context, userID string) (*store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return nil, f.netErr()
	}
	f.nextID++
	conv := store.Conversation{
		ID:           fmt.Sprintf("conv-%d", f.nextID),
		Type:         store.ConversationDirect,
		Participants: []string{"me", userID},
		LastActivity: time.Now().UnixMilli(),
	}
	f.convs = append(f.convs, conv)
	return &conv, nil
}

func (f *fakeBackend) CreateGroupConversation(_ context.Context, title string, participants []string) (*store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return nil, f.netErr()
	}
	f.nextID++
	conv := store.Conversation{
		ID:           fmt.Sprintf("conv-%d", f.nextID),
		Type:         store.ConversationGroup,
		Title:        title,
		Participants: participants,
		LastActivity: time.Now().UnixMilli(),
	}
	f.convs = append(f.convs, conv)
	return &conv, nil
}

func (f *fakeBackend) ListMessages(_ context.Context, conversationID string, limit int, cursor string) ([]store.Message, string, error) {
	f.mu.Lock()
	block := f.blockList
	f.listMsgCalls++
	offline := f.offline
	msgs := append([]store.Message(nil), f.msgs[conversationID]...)
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if offline {
		return nil, "", f.netErr()
	}
	if cursor != "" {
		ts, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, "", &remote.ClientError{Status: 400, Message: "bad cursor"}
		}
		var older []store.Message
		for _, m := range msgs {
			if m.Timestamp < ts {
				older = append(older, m)
			}
		}
		msgs = older
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, "", nil
}

func (f *fakeBackend) CreateMessage(_ context.Context, conversationID string, draft *remote.MessageDraft) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return nil, f.netErr()
	}
	f.nextID++
	f.createOrder = append(f.createOrder, draft.Content)
	m := store.Message{
		ID:             fmt.Sprintf("srv-%d", f.nextID),
		ClientID:       draft.ClientID,
		ConversationID: conversationID,
		SenderID:       "me",
		Content:        draft.Content,
		ContentType:    draft.ContentType,
		Status:         store.StatusSent,
		Timestamp:      time.Now().UnixMilli(),
	}
	f.msgs[conversationID] = append([]store.Message{m}, f.msgs[conversationID]...)
	return &m, nil
}

func (f *fakeBackend) EditMessage(_ context.Context, conversationID, msgID, content string) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return nil, f.netErr()
	}
	return &store.Message{
		ID:             msgID,
		ConversationID: conversationID,
		SenderID:       "me",
		Content:        content,
		ContentType:    store.ContentText,
		Status:         store.StatusSent,
		Edited:         true,
		EditedAt:       time.Now().UnixMilli(),
		Timestamp:      time.Now().UnixMilli(),
	}, nil
}

func (f *fakeBackend) DeleteMessage(_ context.Context, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return f.netErr()
	}
	return nil
}

func (f *fakeBackend) MarkRead(_ context.Context, _ string, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return f.netErr()
	}
	f.markReadCalls++
	return nil
}

type fakeChannel struct {
	mu        sync.Mutex
	connected bool
	sent      []string
}

func (c *fakeChannel) Connect(context.Context) error {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) Disconnect() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeChannel) Send(event string, _ any) error {
	c.mu.Lock()
	c.sent = append(c.sent, event)
	c.mu.Unlock()
	return nil
}

func newTestEngine(t *testing.T, backend Backend, ch Channel) *Engine {
	return newTestEngineCap(t, backend, ch, 0)
}

func newTestEngineCap(t *testing.T, backend Backend, ch Channel, messageCap int) *Engine {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "loom.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)

	e := New(db, cache.New(messageCap), backend, ch, bus.New(), zap.NewNop(), Options{
		Identity:      "me",
		FlushInterval: time.Hour,
		PageSize:      10,
		RemoteTimeout: 2 * time.Second,
	})
	return e
}

func startEngine(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.Initialize(context.Background()))
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
}

func waitKind(t *testing.T, ch <-chan bus.Event, kind bus.Kind) bus.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestLifecycle(t *testing.T) {
	e := newTestEngine(t, newFakeBackend(), &fakeChannel{})
	require.Equal(t, status.Uninitialized, e.State())

	require.NoError(t, e.Initialize(context.Background()))
	require.Equal(t, status.Ready, e.State())

	// Re-initializing once Ready is a no-op.
	require.NoError(t, e.Initialize(context.Background()))

	require.NoError(t, e.Shutdown(context.Background()))
	require.Equal(t, status.Closed, e.State())
}

func TestOperationsBeforeInitialize(t *testing.T) {
	e := newTestEngine(t, newFakeBackend(), &fakeChannel{})
	_, err := e.ListConversations(context.Background(), 10, 0, false)
	require.ErrorIs(t, err, ErrNotReady)
	_, err = e.SendMessage(context.Background(), "conv-1", remote.MessageDraft{Content: "hi"})
	require.ErrorIs(t, err, ErrNotReady)
}

func TestSendMessageOptimisticConfirm(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend, &fakeChannel{})
	startEngine(t, e)

	events, unsub := e.Subscribe("write.", 16)
	defer unsub()

	msg, err := e.SendMessage(context.Background(), "conv-1", remote.MessageDraft{Content: "hello"})
	require.NoError(t, err)
	require.True(t, store.IsTempID(msg.ID))
	require.Equal(t, store.StatusPending, msg.Status)

	// The optimistic entry is readable immediately.
	cached := e.cache.Messages("conv-1", 10, 0)
	require.Len(t, cached, 1)
	require.Equal(t, msg.ID, cached[0].ID)

	evt := waitKind(t, events, bus.KindWriteConfirmed)
	confirmed := evt.Payload.(bus.WriteConfirmed)
	require.Equal(t, msg.ID, confirmed.ClientID)
	require.False(t, store.IsTempID(confirmed.Message.ID))

	// Resolution happened in place: still one entry, now the server id.
	cached = e.cache.Messages("conv-1", 10, 0)
	require.Len(t, cached, 1)
	require.Equal(t, confirmed.Message.ID, cached[0].ID)
	require.Equal(t, msg.ID, cached[0].ClientID)

	n, err := e.PendingCount()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSendMessageOfflineQueuesAndDrains(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend, &fakeChannel{})
	startEngine(t, e)

	events, unsub := e.Subscribe("write.", 16)
	defer unsub()

	backend.setOffline(true)
	var ids []string
	for i := 0; i < 3; i++ {
		msg, err := e.SendMessage(context.Background(), "conv-1", remote.MessageDraft{Content: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
		ids = append(ids, msg.ID)
		waitKind(t, events, bus.KindWriteFailed)
	}

	n, err := e.PendingCount()
	require.NoError(t, err)
	require.Equal(t, 3, n)

	backend.setOffline(false)
	e.drainPending(context.Background())

	// Drained in enqueue order.
	backend.mu.Lock()
	order := append([]string(nil), backend.createOrder...)
	backend.mu.Unlock()
	require.Equal(t, []string{"m0", "m1", "m2"}, order)

	n, err = e.PendingCount()
	require.NoError(t, err)
	require.Zero(t, n)

	for _, id := range ids {
		require.False(t, e.cache.Contains("conv-1", id), "temp id %s still cached", id)
	}
}

func TestRetryCeilingDropsOnce(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend, &fakeChannel{})
	startEngine(t, e)

	events, unsub := e.Subscribe("write.", 32)
	defer unsub()

	backend.setOffline(true)
	msg, err := e.SendMessage(context.Background(), "conv-1", remote.MessageDraft{Content: "doomed"})
	require.NoError(t, err)
	waitKind(t, events, bus.KindWriteFailed)

	// Each drain attempt bumps the counter by one until the ceiling.
	for i := 0; i < e.opts.RetryCeiling; i++ {
		e.drainPending(context.Background())
	}

	evt := waitKind(t, events, bus.KindWriteDropped)
	dropped := evt.Payload.(bus.WriteDropped)
	require.Equal(t, msg.ID, dropped.ClientID)

	// Exactly one drop event; further drains are no-ops.
	e.drainPending(context.Background())
	select {
	case extra := <-events:
		require.NotEqual(t, bus.KindWriteDropped, extra.Kind, "second drop event emitted")
	case <-time.After(100 * time.Millisecond):
	}

	n, err := e.PendingCount()
	require.NoError(t, err)
	require.Zero(t, n)

	// The message stays visible, flagged failed.
	cached := e.cache.Messages("conv-1", 10, 0)
	require.Len(t, cached, 1)
	require.Equal(t, store.StatusFailed, cached[0].Status)
}

func TestNonRetryableErrorDropsImmediately(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend, &fakeChannel{})
	startEngine(t, e)

	events, unsub := e.Subscribe("write.", 16)
	defer unsub()

	backend.setOffline(true)
	msg, err := e.SendMessage(context.Background(), "conv-1", remote.MessageDraft{Content: "rejected"})
	require.NoError(t, err)
	waitKind(t, events, bus.KindWriteFailed)

	// The backend rejects the content outright on the next attempt.
	pw := store.PendingWrite{ClientID: msg.ID, Kind: store.WriteSend, ConversationID: "conv-1"}
	e.dropWrite(pw, &remote.ClientError{Status: 422, Message: "content rejected"})

	evt := waitKind(t, events, bus.KindWriteDropped)
	require.Equal(t, msg.ID, evt.Payload.(bus.WriteDropped).ClientID)

	n, err := e.PendingCount()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestEchoDedupByClientID(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend, &fakeChannel{})
	startEngine(t, e)

	backend.setOffline(true)
	events, unsub := e.Subscribe("write.", 16)
	defer unsub()
	msg, err := e.SendMessage(context.Background(), "conv-1", remote.MessageDraft{Content: "hello"})
	require.NoError(t, err)
	waitKind(t, events, bus.KindWriteFailed)

	// The push echo lands before any retry succeeds.
	e.applyIncoming(store.Message{
		ID:             "srv-9",
		ClientID:       msg.ID,
		ConversationID: "conv-1",
		SenderID:       "me",
		Content:        "hello",
		ContentType:    store.ContentText,
		Timestamp:      time.Now().UnixMilli(),
	})

	cached := e.cache.Messages("conv-1", 10, 0)
	require.Len(t, cached, 1)
	require.Equal(t, "srv-9", cached[0].ID)

	// The echo also retired the queue entry.
	n, err := e.PendingCount()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestEchoDedupHeuristicFallback(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend, &fakeChannel{})
	startEngine(t, e)

	backend.setOffline(true)
	events, unsub := e.Subscribe("write.", 16)
	defer unsub()
	_, err := e.SendMessage(context.Background(), "conv-1", remote.MessageDraft{Content: "ping"})
	require.NoError(t, err)
	waitKind(t, events, bus.KindWriteFailed)

	// Echo without a client id: matched by sender and content.
	e.applyIncoming(store.Message{
		ID:             "srv-7",
		ConversationID: "conv-1",
		SenderID:       "me",
		Content:        "ping",
		ContentType:    store.ContentText,
		Timestamp:      time.Now().UnixMilli(),
	})

	cached := e.cache.Messages("conv-1", 10, 0)
	require.Len(t, cached, 1)
	require.Equal(t, "srv-7", cached[0].ID)
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	e := newTestEngine(t, newFakeBackend(), &fakeChannel{})
	startEngine(t, e)

	events, unsub := e.Subscribe("message.", 16)
	defer unsub()

	m := store.Message{
		ID:             "srv-1",
		ConversationID: "conv-1",
		SenderID:       "alice",
		Content:        "hi",
		ContentType:    store.ContentText,
		Timestamp:      time.Now().UnixMilli(),
	}
	e.applyIncoming(m)
	e.applyIncoming(m)

	require.Len(t, e.cache.Messages("conv-1", 10, 0), 1)

	waitKind(t, events, bus.KindMessageReceived)
	select {
	case extra := <-events:
		require.NotEqual(t, bus.KindMessageReceived, extra.Kind, "duplicate received event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestIncomingMessageBumpsUnread(t *testing.T) {
	e := newTestEngine(t, newFakeBackend(), &fakeChannel{})
	startEngine(t, e)

	e.cache.PutConversation(store.Conversation{ID: "conv-1", Type: store.ConversationDirect})
	e.applyIncoming(store.Message{
		ID: "srv-1", ConversationID: "conv-1", SenderID: "alice",
		Content: "hi", ContentType: store.ContentText, Timestamp: time.Now().UnixMilli(),
	})

	conv, ok := e.cache.Conversation("conv-1")
	require.True(t, ok)
	require.Equal(t, 1, conv.UnreadCount)

	// Our own echo never counts as unread.
	e.applyIncoming(store.Message{
		ID: "srv-2", ConversationID: "conv-1", SenderID: "me",
		Content: "yo", ContentType: store.ContentText, Timestamp: time.Now().UnixMilli(),
	})
	conv, _ = e.cache.Conversation("conv-1")
	require.Equal(t, 1, conv.UnreadCount)
}

func TestChannelEventFlow(t *testing.T) {
	e := newTestEngine(t, newFakeBackend(), &fakeChannel{})
	startEngine(t, e)

	events, unsub := e.Subscribe("message.", 16)
	defer unsub()

	// A raw channel event reaches subscribers in reconciled form.
	e.bus.Publish(bus.Event{
		Kind:      bus.KindRTMessageNew,
		Timestamp: time.Now(),
		Payload: bus.MessageReceived{Message: store.Message{
			ID: "srv-1", ConversationID: "conv-1", SenderID: "alice",
			Content: "hi", ContentType: store.ContentText, Timestamp: time.Now().UnixMilli(),
		}},
	})

	evt := waitKind(t, events, bus.KindMessageReceived)
	require.Equal(t, "srv-1", evt.Payload.(bus.MessageReceived).Message.ID)
}

func TestValidCacheSkipsRemote(t *testing.T) {
	backend := newFakeBackend()
	backend.convs = []store.Conversation{{ID: "conv-1", Type: store.ConversationDirect, LastActivity: 100}}
	e := newTestEngine(t, backend, &fakeChannel{})
	startEngine(t, e)

	backend.mu.Lock()
	base := backend.listConvCalls
	backend.mu.Unlock()

	convs, err := e.ListConversations(context.Background(), 10, 0, false)
	require.NoError(t, err)
	require.Len(t, convs, 1)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Equal(t, base, backend.listConvCalls, "remote hit inside validity window")
}

func TestStaleCacheServedWithSingleRevalidation(t *testing.T) {
	backend := newFakeBackend()
	backend.convs = []store.Conversation{{ID: "conv-1", Type: store.ConversationDirect, LastActivity: 100}}
	backend.mu.Lock()
	backend.msgs["conv-1"] = []store.Message{{
		ID: "srv-1", ConversationID: "conv-1", SenderID: "alice",
		Content: "hi", ContentType: store.ContentText, Timestamp: 100,
	}}
	backend.mu.Unlock()

	e := newTestEngine(t, backend, &fakeChannel{})
	startEngine(t, e)

	e.mu.Lock()
	e.lastFullSync = time.Now().Add(-time.Hour)
	e.mu.Unlock()

	backend.mu.Lock()
	base := backend.listMsgCalls
	backend.blockList = make(chan struct{})
	backend.mu.Unlock()

	// Both reads return the cached page without waiting on the fetch.
	for i := 0; i < 2; i++ {
		msgs, err := e.GetMessages(context.Background(), "conv-1", 10, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
	}

	time.Sleep(50 * time.Millisecond)
	backend.mu.Lock()
	inFlight := backend.listMsgCalls - base
	close(backend.blockList)
	backend.blockList = nil
	backend.mu.Unlock()

	require.Equal(t, 1, inFlight, "revalidations not coalesced")
}

func TestForceRefreshFallsBackToCache(t *testing.T) {
	backend := newFakeBackend()
	backend.convs = []store.Conversation{{ID: "conv-1", Type: store.ConversationDirect, LastActivity: 100}}
	e := newTestEngine(t, backend, &fakeChannel{})
	startEngine(t, e)

	backend.setOffline(true)
	convs, err := e.ListConversations(context.Background(), 10, 0, true)
	require.NoError(t, err)
	require.Len(t, convs, 1)
}

func TestMarkReadOfflineQueues(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend, &fakeChannel{})
	startEngine(t, e)

	e.cache.PutConversation(store.Conversation{ID: "conv-1", Type: store.ConversationDirect, UnreadCount: 3})

	backend.setOffline(true)
	require.NoError(t, e.MarkRead(context.Background(), "conv-1", []string{"srv-1"}))

	conv, _ := e.cache.Conversation("conv-1")
	require.Zero(t, conv.UnreadCount)

	require.Eventually(t, func() bool {
		n, err := e.PendingCount()
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	backend.setOffline(false)
	e.drainPending(context.Background())

	backend.mu.Lock()
	calls := backend.markReadCalls
	backend.mu.Unlock()
	require.Equal(t, 1, calls)

	n, err := e.PendingCount()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestEditRemoteFirst(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend, &fakeChannel{})
	startEngine(t, e)

	original := store.Message{
		ID: "srv-1", ConversationID: "conv-1", SenderID: "me",
		Content: "typo", ContentType: store.ContentText, Timestamp: 100,
		Status: store.StatusSent,
	}
	e.cache.InsertMessage(original)

	backend.setOffline(true)
	_, err := e.EditMessage(context.Background(), "conv-1", "srv-1", "fixed")
	require.Error(t, err)

	cached := e.cache.Messages("conv-1", 10, 0)
	require.Equal(t, "typo", cached[0].Content, "local copy changed before server accepted")

	backend.setOffline(false)
	edited, err := e.EditMessage(context.Background(), "conv-1", "srv-1", "fixed")
	require.NoError(t, err)
	require.True(t, edited.Edited)

	cached = e.cache.Messages("conv-1", 10, 0)
	require.Equal(t, "fixed", cached[0].Content)
	require.True(t, cached[0].Edited)
}

func TestEditUnconfirmedMessageRejected(t *testing.T) {
	e := newTestEngine(t, newFakeBackend(), &fakeChannel{})
	startEngine(t, e)

	_, err := e.EditMessage(context.Background(), "conv-1", store.NewTempID(), "x")
	require.Error(t, err)
	require.False(t, remote.Retryable(err))
}

func TestDeleteTombstones(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngine(t, backend, &fakeChannel{})
	startEngine(t, e)

	e.cache.InsertMessage(store.Message{
		ID: "srv-1", ConversationID: "conv-1", SenderID: "me",
		Content: "secret", ContentType: store.ContentText, Timestamp: 100,
	})

	require.NoError(t, e.DeleteMessage(context.Background(), "conv-1", "srv-1"))

	cached := e.cache.Messages("conv-1", 10, 0)
	require.Len(t, cached, 1)
	require.True(t, cached[0].Deleted)
	require.Empty(t, cached[0].Content)
}

func TestTypingSignalsUseChannel(t *testing.T) {
	ch := &fakeChannel{}
	e := newTestEngine(t, newFakeBackend(), ch)
	startEngine(t, e)

	require.NoError(t, e.StartTyping("conv-1"))
	require.NoError(t, e.StopTyping("conv-1"))

	ch.mu.Lock()
	defer ch.mu.Unlock()
	require.Equal(t, []string{"typing.start", "typing.stop"}, ch.sent)
}

func TestTypingStateTracksRemoteUsers(t *testing.T) {
	e := newTestEngine(t, newFakeBackend(), &fakeChannel{})
	startEngine(t, e)

	e.setTyping("conv-1", "alice", true)
	e.setTyping("conv-1", "bob", true)
	require.ElementsMatch(t, []string{"alice", "bob"}, e.TypingUsers("conv-1"))

	e.setTyping("conv-1", "alice", false)
	require.Equal(t, []string{"bob"}, e.TypingUsers("conv-1"))
}

func TestEndToEndScenario(t *testing.T) {
	backend := newFakeBackend()
	backend.convs = []store.Conversation{{
		ID: "C1", Type: store.ConversationDirect,
		Participants: []string{"me", "alice"}, LastActivity: 200,
	}}
	backend.mu.Lock()
	backend.msgs["C1"] = []store.Message{
		{ID: "m2", ConversationID: "C1", SenderID: "alice", Content: "second",
			ContentType: store.ContentText, Timestamp: 200},
		{ID: "m1", ConversationID: "C1", SenderID: "alice", Content: "first",
			ContentType: store.ContentText, Timestamp: 100},
	}
	backend.mu.Unlock()

	e := newTestEngine(t, backend, &fakeChannel{})
	startEngine(t, e)

	msgs, err := e.GetMessages(context.Background(), "C1", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	// The echo of our send arrives before the send's own response.
	backend.setOffline(true)
	events, unsub := e.Subscribe("write.", 16)
	defer unsub()
	sent, err := e.SendMessage(context.Background(), "C1", remote.MessageDraft{Content: "hi"})
	require.NoError(t, err)
	require.True(t, store.IsTempID(sent.ID))
	require.Equal(t, "hi", sent.Content)
	waitKind(t, events, bus.KindWriteFailed)

	e.applyIncoming(store.Message{
		ID: "m42", ClientID: sent.ID, ConversationID: "C1", SenderID: "me",
		Content: "hi", ContentType: store.ContentText, Timestamp: time.Now().UnixMilli(),
	})

	msgs, err = e.GetMessages(context.Background(), "C1", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, "m42", msgs[0].ID)
	for _, m := range msgs {
		require.False(t, store.IsTempID(m.ID), "temporary id %s survived reconciliation", m.ID)
	}
}

func TestEchoAfterEvictionRetiresQueue(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngineCap(t, backend, &fakeChannel{}, 1)
	startEngine(t, e)

	events, unsub := e.Subscribe("write.", 16)
	defer unsub()

	backend.setOffline(true)
	sent, err := e.SendMessage(context.Background(), "conv-1", remote.MessageDraft{Content: "hello"})
	require.NoError(t, err)
	waitKind(t, events, bus.KindWriteFailed)

	// An unrelated incoming message pushes the optimistic entry out of the
	// capped cache.
	e.applyIncoming(store.Message{
		ID: "srv-other", ConversationID: "conv-1", SenderID: "alice",
		Content: "later", ContentType: store.ContentText,
		Timestamp: time.Now().UnixMilli() + 1000,
	})
	require.False(t, e.cache.Contains("conv-1", sent.ID))

	// The echo still retires the queue record via the client id.
	e.applyIncoming(store.Message{
		ID: "m42", ClientID: sent.ID, ConversationID: "conv-1", SenderID: "me",
		Content: "hello", ContentType: store.ContentText,
		Timestamp: time.Now().UnixMilli(),
	})
	waitKind(t, events, bus.KindWriteConfirmed)

	n, err := e.PendingCount()
	require.NoError(t, err)
	require.Zero(t, n)

	// Nothing left to replay: the drain must not re-create the message.
	backend.setOffline(false)
	e.drainPending(context.Background())
	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Empty(t, backend.createOrder)
}

func TestEchoHeuristicConsultsQueue(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEngineCap(t, backend, &fakeChannel{}, 1)
	startEngine(t, e)

	events, unsub := e.Subscribe("write.", 16)
	defer unsub()

	backend.setOffline(true)
	sent, err := e.SendMessage(context.Background(), "conv-1", remote.MessageDraft{Content: "ping"})
	require.NoError(t, err)
	waitKind(t, events, bus.KindWriteFailed)

	e.applyIncoming(store.Message{
		ID: "srv-other", ConversationID: "conv-1", SenderID: "alice",
		Content: "later", ContentType: store.ContentText,
		Timestamp: time.Now().UnixMilli() + 1000,
	})
	require.False(t, e.cache.Contains("conv-1", sent.ID))

	// Echo without a client id: the durable queue is the fallback match.
	e.applyIncoming(store.Message{
		ID: "srv-7", ConversationID: "conv-1", SenderID: "me",
		Content: "ping", ContentType: store.ContentText,
		Timestamp: time.Now().UnixMilli(),
	})

	n, err := e.PendingCount()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestOfflineSendQueuesSilently(t *testing.T) {
	backend := newFakeBackend()
	ch := &fakeChannel{}
	e := newTestEngine(t, backend, ch)
	startEngine(t, e)
	ch.Disconnect()

	events, unsub := e.Subscribe("write.", 16)
	defer unsub()

	_, err := e.SendMessage(context.Background(), "conv-1", remote.MessageDraft{Content: "hi"})
	require.NoError(t, err)
	waitKind(t, events, bus.KindWriteAccepted)

	// No remote attempt: no failure event, no retry burned.
	select {
	case evt := <-events:
		require.NotEqual(t, bus.KindWriteFailed, evt.Kind, "remote attempt made while offline")
	case <-time.After(150 * time.Millisecond):
	}

	writes, err := e.db.PendingWrites()
	require.NoError(t, err)
	require.Len(t, writes, 1)
	require.Zero(t, writes[0].Retries)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Empty(t, backend.createOrder)
}

func TestGetMessagesBackPaginates(t *testing.T) {
	backend := newFakeBackend()
	backend.convs = []store.Conversation{{ID: "C1", Type: store.ConversationDirect, LastActivity: 300}}
	backend.mu.Lock()
	backend.msgs["C1"] = []store.Message{
		{ID: "m3", ConversationID: "C1", SenderID: "alice", Content: "third",
			ContentType: store.ContentText, Timestamp: 300},
		{ID: "m2", ConversationID: "C1", SenderID: "alice", Content: "second",
			ContentType: store.ContentText, Timestamp: 200},
		{ID: "m1", ConversationID: "C1", SenderID: "alice", Content: "first",
			ContentType: store.ContentText, Timestamp: 100},
	}
	backend.mu.Unlock()

	e := newTestEngineCap(t, backend, &fakeChannel{}, 2)
	startEngine(t, e)

	// The cap window holds only the two newest.
	require.Len(t, e.cache.Messages("C1", 10, 0), 2)

	// Paging past the window reaches the backend with the bound as cursor.
	msgs, err := e.GetMessages(context.Background(), "C1", 10, 200)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "m1", msgs[0].ID)

	// The newest page survives the back-pagination merge.
	newest := e.cache.Messages("C1", 10, 0)
	require.Len(t, newest, 2)
	require.Equal(t, "m3", newest[0].ID)
	require.Equal(t, "m2", newest[1].ID)
}

func TestQueueSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loom.db")

	db, err := store.Open(path)
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)

	backend := newFakeBackend()
	e := New(db, cache.New(0), backend, &fakeChannel{}, bus.New(), zap.NewNop(), Options{
		Identity: "me", FlushInterval: time.Hour, PageSize: 10,
	})
	require.NoError(t, e.Initialize(context.Background()))

	events, unsub := e.Subscribe("write.", 16)
	backend.setOffline(true)
	msg, err := e.SendMessage(context.Background(), "conv-1", remote.MessageDraft{Content: "queued"})
	require.NoError(t, err)
	waitKind(t, events, bus.KindWriteFailed)
	unsub()
	require.NoError(t, e.Shutdown(context.Background()))

	// New process: the queue and the optimistic message are still there.
	db2, err := store.Open(path)
	require.NoError(t, err)
	_, err = db2.Migrate()
	require.NoError(t, err)
	backend.setOffline(false)

	e2 := New(db2, cache.New(0), backend, &fakeChannel{}, bus.New(), zap.NewNop(), Options{
		Identity: "me", FlushInterval: time.Hour, PageSize: 10,
	})
	require.NoError(t, e2.Initialize(context.Background()))
	defer func() { _ = e2.Shutdown(context.Background()) }()

	cached := e2.cache.Messages("conv-1", 10, 0)
	require.NotEmpty(t, cached)
	require.Equal(t, msg.ID, cached[0].ID)

	e2.drainPending(context.Background())
	n, err := e2.PendingCount()
	require.NoError(t, err)
	require.Zero(t, n)

	cached = e2.cache.Messages("conv-1", 10, 0)
	require.False(t, store.IsTempID(cached[0].ID))
}
