package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convsync/internal/apperr"
	"github.com/convsync/internal/broadcast"
	"github.com/convsync/internal/model"
	"github.com/convsync/internal/remote/remotetest"
)

type published struct {
	kind    broadcast.Kind
	payload any
}

type recordingPub struct {
	mu  sync.Mutex
	out []published
	err error
}

func (p *recordingPub) Publish(_ context.Context, kind broadcast.Kind, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.out = append(p.out, published{kind: kind, payload: payload})
	return nil
}

func (p *recordingPub) ofKind(kind broadcast.Kind) []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	var res []any
	for _, e := range p.out {
		if e.kind == kind {
			res = append(res, e.payload)
		}
	}
	return res
}

type fixture struct {
	store   *Store
	backend *remotetest.Backend
	remote  *remotetest.Client
	pub     *recordingPub
	expired []error
}

func newFixture(t *testing.T, self string) *fixture {
	t.Helper()
	f := &fixture{backend: remotetest.NewBackend(), pub: &recordingPub{}}
	for _, id := range []string{"alice", "bob", "carol"} {
		f.backend.AddParticipant(model.Participant{ID: id, DisplayName: id + "-name"})
	}
	f.remote = f.backend.Client(self)
	f.store = New(Options{
		SelfID:           self,
		Remote:           f.remote,
		Publisher:        f.pub,
		OnSessionExpired: func(err error) { f.expired = append(f.expired, err) },
	})
	t.Cleanup(func() { assertAggregate(t, f.store) })
	return f
}

// assertAggregate checks that the aggregate is the sum of the list.
func assertAggregate(t *testing.T, s *Store) {
	t.Helper()
	assert.Equal(t, model.TotalUnread(s.Conversations()), s.AggregateUnread())
}

func first(t *testing.T, s *Store) model.Conversation {
	t.Helper()
	convs := s.Conversations()
	require.NotEmpty(t, convs)
	return convs[0]
}

func unread(s *Store, id string) int {
	c, _ := s.Conversation(id)
	return c.UnreadCount
}

var abID = model.ConversationID("alice", "bob")

func TestEmptyAccount(t *testing.T) {
	f := newFixture(t, "alice")
	require.NoError(t, f.store.FetchConversations(context.Background(), 1, 20))
	assert.Empty(t, f.store.Conversations())
	assert.Equal(t, 0, f.store.AggregateUnread())
	assert.NoError(t, f.store.Err())
}

func TestSendToNewParticipant(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	msg, err := f.store.SendMessage(ctx, SendInput{ReceiverID: "bob", Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "alice:bob", msg.ConversationID)

	c, ok := f.store.Conversation("alice:bob")
	require.True(t, ok)
	assert.Equal(t, "hello", c.LastMessage.Content)
	assert.Equal(t, 0, c.UnreadCount, "own message never counts as unread")
	assert.Equal(t, "bob", c.OtherParticipant.ID)
	assert.Equal(t, "alice:bob", first(t, f.store).ConversationID)

	sent := f.pub.ofKind(broadcast.KindNewMessage)
	require.Len(t, sent, 1)
	assert.Equal(t, msg.ID, sent[0].(*model.Message).ID)
	assert.Equal(t, 1, f.remote.Calls("conversations"), "list is refetched after a send")
	assertAggregate(t, f.store)
}

func TestSendToConversationDerivesReceiver(t *testing.T) {
	f := newFixture(t, "alice")
	f.backend.Deliver("bob", "alice", "hi")
	ctx := context.Background()
	require.NoError(t, f.store.FetchConversations(ctx, 1, 20))
	require.Equal(t, 1, unread(f.store, abID))

	msg, err := f.store.SendMessageToConversation(ctx, abID, SendInput{Content: "reply"})
	require.NoError(t, err)
	assert.Equal(t, "bob", msg.ReceiverID)
	assert.Equal(t, "reply", first(t, f.store).LastMessage.Content)
	assert.Equal(t, 1, unread(f.store, abID), "sending never changes own unread count")

	_, err = f.store.SendMessageToConversation(ctx, "bob:carol", SendInput{ReceiverID: "bob", Content: "x"})
	assert.True(t, errors.Is(err, apperr.ErrInvalidInput))
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()
	for name, in := range map[string]SendInput{
		"no receiver":  {Content: "x"},
		"self":         {ReceiverID: "alice", Content: "x"},
		"empty":        {ReceiverID: "bob", Content: "  "},
		"unknown kind": {ReceiverID: "bob", Content: "x", Kind: "sticker"},
		"bad id":       {ReceiverID: "a:b", Content: "x"},
	} {
		_, err := f.store.SendMessage(ctx, in)
		assert.True(t, errors.Is(err, apperr.ErrInvalidInput), name)
	}
	assert.Equal(t, 0, f.remote.Calls("send"))
}

func TestFailedSendLeavesNoArtifact(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()
	f.backend.Deliver("bob", "alice", "hi")
	require.NoError(t, f.store.FetchMessages(ctx, abID, 1, 20))
	before := f.store.Thread()

	f.remote.FailNext("send", apperr.SendFailure("сервер отклонил сообщение", nil))
	_, err := f.store.SendMessage(ctx, SendInput{ReceiverID: "bob", Content: "lost"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrSendFailure))

	assert.Equal(t, before.Messages, f.store.Thread().Messages)
	assert.Equal(t, "hi", first(t, f.store).LastMessage.Content)
	assert.Empty(t, f.pub.ofKind(broadcast.KindNewMessage))
	assert.Empty(t, f.expired)
}

func TestSendAppendsToOpenThread(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()
	f.backend.Deliver("bob", "alice", "hi")
	require.NoError(t, f.store.FetchMessages(ctx, abID, 1, 20))

	msg, err := f.store.SendMessage(ctx, SendInput{ReceiverID: "bob", Content: "yo"})
	require.NoError(t, err)
	th := f.store.Thread()
	require.Len(t, th.Messages, 2)
	assert.Equal(t, msg.ID, th.Messages[1].ID)

	// the echo of our own send is a duplicate
	res := f.store.MergeIncoming(*msg, "alice")
	assert.True(t, res.Duplicate)
	assert.Len(t, f.store.Thread().Messages, 2)
}

func TestSendWithCancelledContextStillPublishes(t *testing.T) {
	f := newFixture(t, "alice")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	msg, err := f.store.SendMessage(ctx, SendInput{ReceiverID: "bob", Content: "bye"})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Len(t, f.pub.ofKind(broadcast.KindNewMessage), 1)
	assert.Empty(t, f.store.Conversations(), "results are not applied for a cancelled caller")
}

func TestIncomingWhileThreadOpen(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()
	f.backend.Deliver("bob", "alice", "one")
	f.backend.Deliver("carol", "alice", "two")
	require.NoError(t, f.store.FetchConversations(ctx, 1, 20))
	require.Equal(t, model.ConversationID("alice", "carol"), first(t, f.store).ConversationID)
	require.NoError(t, f.store.FetchMessages(ctx, abID, 1, 20))

	m := f.backend.Deliver("bob", "alice", "three")
	res := f.store.MergeIncoming(m, "alice")
	assert.True(t, res.Appended)
	assert.False(t, res.Incremented)
	f.store.MergeIncoming(m, "alice")

	th := f.store.Thread()
	require.Len(t, th.Messages, 2)
	assert.Equal(t, "three", th.Messages[1].Content)
	assert.Equal(t, 0, unread(f.store, abID))
	assert.Equal(t, abID, first(t, f.store).ConversationID)
	assertAggregate(t, f.store)
}

func TestIncomingWhileThreadClosed(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()
	f.backend.Deliver("bob", "alice", "one")
	require.NoError(t, f.store.FetchMessages(ctx, abID, 1, 20))
	f.store.CloseThread()
	require.NoError(t, f.store.FetchConversations(ctx, 1, 20))
	require.Equal(t, 0, f.store.AggregateUnread())

	m := f.backend.Deliver("bob", "alice", "two")
	res := f.store.MergeIncoming(m, "alice")
	assert.True(t, res.Incremented)
	assert.Equal(t, 1, unread(f.store, abID))
	assert.Equal(t, 1, f.store.AggregateUnread())
	assert.Nil(t, f.store.Thread())
}

func TestMergeIsIdempotent(t *testing.T) {
	f := newFixture(t, "alice")
	m := f.backend.Deliver("bob", "alice", "hey")

	res := f.store.MergeIncoming(m, "alice")
	assert.True(t, res.Created)
	once := f.store.Conversations()

	res = f.store.MergeIncoming(m, "alice")
	assert.True(t, res.Duplicate)
	assert.Equal(t, once, f.store.Conversations())
	assert.Equal(t, 1, f.store.AggregateUnread())
	assert.Equal(t, "bob", once[0].OtherParticipant.ID, "sender becomes the other participant")
}

func TestMergeMovesToTop(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()
	f.backend.Deliver("bob", "alice", "old")
	f.backend.Deliver("carol", "alice", "newer")
	require.NoError(t, f.store.FetchConversations(ctx, 1, 20))

	f.store.MergeIncoming(f.backend.Deliver("bob", "alice", "latest"), "alice")
	assert.Equal(t, abID, first(t, f.store).ConversationID)
	assert.Equal(t, "latest", first(t, f.store).LastMessage.Content)
	assert.Equal(t, 2, unread(f.store, abID))
}

func TestMergeOwnMessageFromOtherSession(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()
	f.backend.Deliver("bob", "alice", "hi")
	require.NoError(t, f.store.FetchMessages(ctx, abID, 1, 20))

	other := f.backend.Client("alice")
	res, err := other.Send(ctx, remoteSend("bob", "from tab 2"))
	require.NoError(t, err)

	r := f.store.MergeIncoming(res.Message, "alice")
	assert.False(t, r.Incremented)
	assert.False(t, r.Appended, "self-authored messages are not appended")
	assert.Equal(t, "from tab 2", first(t, f.store).LastMessage.Content)
	assert.Equal(t, 0, unread(f.store, abID))
}

func TestMergeIgnoresForeignAndInvalid(t *testing.T) {
	f := newFixture(t, "alice")
	foreign := f.backend.Deliver("bob", "carol", "not for alice")
	assert.True(t, f.store.MergeIncoming(foreign, "alice").Ignored)

	bad := foreign
	bad.ConversationID = "x:y"
	assert.True(t, f.store.MergeIncoming(bad, "alice").Ignored)
	assert.Empty(t, f.store.Conversations())
}

func TestMergeReadMessageDoesNotIncrement(t *testing.T) {
	f := newFixture(t, "alice")
	m := f.backend.Deliver("bob", "alice", "seen elsewhere")
	m.Read = true
	res := f.store.MergeIncoming(m, "alice")
	assert.True(t, res.Created)
	assert.False(t, res.Incremented)
	assert.Equal(t, 0, f.store.AggregateUnread())
}

func TestSnapshotThenBroadcastIsDuplicate(t *testing.T) {
	f := newFixture(t, "alice")
	m := f.backend.Deliver("bob", "alice", "hi")
	require.NoError(t, f.store.FetchConversations(context.Background(), 1, 20))
	require.Equal(t, 1, f.store.AggregateUnread())

	res := f.store.MergeIncoming(m, "alice")
	assert.True(t, res.Duplicate)
	assert.Equal(t, 1, f.store.AggregateUnread(), "counted once across fetch and broadcast")
}

func TestOpenThreadEmitsReceipt(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()
	f.backend.Deliver("bob", "alice", "one")
	f.backend.Deliver("bob", "alice", "two")
	require.NoError(t, f.store.FetchConversations(ctx, 1, 20))
	require.Equal(t, 2, unread(f.store, abID))

	require.NoError(t, f.store.FetchMessages(ctx, abID, 1, 20))
	assert.Equal(t, 0, unread(f.store, abID))
	assert.Equal(t, 0, f.store.AggregateUnread())

	rcpts := f.pub.ofKind(broadcast.KindReadReceipt)
	require.Len(t, rcpts, 1)
	r := rcpts[0].(model.ReadReceipt)
	assert.Equal(t, abID, r.ConversationID)
	assert.Equal(t, "alice", r.ReaderID)

	th := f.store.Thread()
	require.Len(t, th.Messages, 2)
	assert.Equal(t, "one", th.Messages[0].Content, "thread is chronological")
	assert.Equal(t, "bob", th.OtherUser.ID)
	assert.Equal(t, 0, f.backend.Unread("alice", abID))

	// reopening a read thread is not a transition
	require.NoError(t, f.store.FetchMessages(ctx, abID, 1, 20))
	assert.Len(t, f.pub.ofKind(broadcast.KindReadReceipt), 1)
}

func TestThreadOlderPagePrepends(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()
	for _, c := range []string{"1", "2", "3"} {
		f.backend.Deliver("bob", "alice", c)
	}
	require.NoError(t, f.store.FetchMessages(ctx, abID, 1, 2))
	require.NoError(t, f.store.FetchMessages(ctx, abID, 2, 2))

	var got []string
	for _, m := range f.store.Thread().Messages {
		got = append(got, m.Content)
	}
	assert.Equal(t, []string{"1", "2", "3"}, got)
}

func TestReceiptsAreNotSticky(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()
	f.backend.Deliver("bob", "alice", "one")
	require.NoError(t, f.store.FetchConversations(ctx, 1, 20))

	require.NoError(t, f.store.MarkConversationRead(ctx, abID))
	assert.Equal(t, 0, unread(f.store, abID))
	assert.Len(t, f.pub.ofKind(broadcast.KindReadReceipt), 1)
	assert.Equal(t, 0, f.backend.Unread("alice", abID), "confirmatory fetch marks read on the server")

	f.store.MergeIncoming(f.backend.Deliver("bob", "alice", "two"), "alice")
	assert.Equal(t, 1, unread(f.store, abID))
}

func TestMarkReadConfirmationFailure(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()
	f.backend.Deliver("bob", "alice", "one")
	require.NoError(t, f.store.FetchConversations(ctx, 1, 20))

	f.remote.FailNext("thread", apperr.TransientFetch("сервер недоступен", nil))
	err := f.store.MarkConversationRead(ctx, abID)
	require.Error(t, err)
	assert.Equal(t, 0, unread(f.store, abID), "local zero happens first")
	assert.Empty(t, f.pub.ofKind(broadcast.KindReadReceipt))
}

func TestUpdateConversationReadStatus(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()
	_, err := f.store.SendMessage(ctx, SendInput{ReceiverID: "bob", Content: "mine"})
	require.NoError(t, err)
	require.False(t, first(t, f.store).LastMessage.Read)

	f.store.UpdateConversationReadStatus(abID, "bob")
	assert.True(t, first(t, f.store).LastMessage.Read, "the other participant read our message")
	assert.Equal(t, 0, unread(f.store, abID))

	f.store.MergeIncoming(f.backend.Deliver("bob", "alice", "again"), "alice")
	require.Equal(t, 1, unread(f.store, abID))
	f.store.UpdateConversationReadStatus(abID, "bob")
	assert.Equal(t, 1, unread(f.store, abID), "the other participant's receipt leaves our count")

	f.store.UpdateConversationReadStatus(abID, "alice")
	assert.Equal(t, 0, unread(f.store, abID))
	assert.True(t, first(t, f.store).LastMessage.Read)
	assert.Equal(t, 0, f.remote.Calls("thread"), "no refetch")

	f.store.UpdateConversationReadStatus("", "alice")
	f.store.UpdateConversationReadStatus("alice:carol", "alice")
	assert.Len(t, f.store.Conversations(), 1)
}

func TestTransientFetchKeepsState(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()
	f.backend.Deliver("bob", "alice", "one")
	require.NoError(t, f.store.FetchConversations(ctx, 1, 20))
	before := f.store.Conversations()

	f.remote.FailNext("conversations", apperr.TransientFetch("не удалось загрузить диалоги", nil))
	err := f.store.FetchConversations(ctx, 1, 20)
	require.Error(t, err)
	assert.Equal(t, before, f.store.Conversations())
	assert.True(t, errors.Is(f.store.Err(), apperr.ErrTransientFetch))
	assert.Equal(t, "не удалось загрузить диалоги", apperr.UserMessage(f.store.Err()))
	assert.Empty(t, f.expired)

	require.NoError(t, f.store.FetchConversations(ctx, 1, 20))
	assert.NoError(t, f.store.Err())
}

func TestSessionExpiry(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()
	f.remote.FailNext("conversations", apperr.SessionExpired(nil))
	err := f.store.FetchConversations(ctx, 1, 20)
	assert.True(t, errors.Is(err, apperr.ErrSessionExpired))

	f.remote.FailNext("send", apperr.SessionExpired(nil))
	_, err = f.store.SendMessage(ctx, SendInput{ReceiverID: "bob", Content: "x"})
	assert.True(t, errors.Is(err, apperr.ErrSessionExpired))
	assert.Len(t, f.expired, 1, "hook fires once per expiry")
	assert.Equal(t, 1, f.remote.Calls("conversations"), "no retry")

	require.NoError(t, f.store.FetchConversations(ctx, 1, 20))
	f.remote.FailNext("thread", apperr.SessionExpired(nil))
	_ = f.store.FetchMessages(ctx, abID, 1, 20)
	assert.Len(t, f.expired, 2)
}

func TestConcurrentFetchesAreCoalesced(t *testing.T) {
	f := newFixture(t, "alice")
	f.backend.Deliver("bob", "alice", "one")
	release := f.remote.Gate()

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.store.FetchConversations(context.Background(), 1, 20)
		}(i)
	}
	require.Eventually(t, func() bool { return f.remote.Calls("conversations") == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	release()
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, f.remote.Calls("conversations"))
	assert.Len(t, f.store.Conversations(), 1)
}

func TestCancelledFetchIsNotApplied(t *testing.T) {
	f := newFixture(t, "alice")
	f.backend.Deliver("bob", "alice", "one")
	release := f.remote.Gate()
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.store.FetchConversations(ctx, 1, 20) }()
	require.Eventually(t, func() bool { return f.remote.Calls("conversations") == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	release()
	assert.Empty(t, f.store.Conversations())
	assert.NoError(t, f.store.Err(), "cancellation is not a fetch failure")
}

func TestForceRefresh(t *testing.T) {
	f := newFixture(t, "alice")
	f.backend.Deliver("bob", "alice", "one")
	require.NoError(t, f.store.ForceRefresh(context.Background()))
	assert.Equal(t, 1, f.remote.Calls("refresh"))
	assert.Len(t, f.store.Conversations(), 1)

	f.remote.FailNext("refresh", apperr.TransientFetch("сервер недоступен", nil))
	assert.Error(t, f.store.ForceRefresh(context.Background()))
	assert.Equal(t, 1, f.remote.Calls("conversations"))
}

func TestLaterPagesExtendList(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()
	f.backend.Deliver("bob", "alice", "one")
	f.backend.Deliver("carol", "alice", "two")

	require.NoError(t, f.store.FetchConversations(ctx, 1, 1))
	require.Len(t, f.store.Conversations(), 1)
	require.NoError(t, f.store.FetchConversations(ctx, 2, 1))
	convs := f.store.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, "two", convs[0].LastMessage.Content)
	assert.Equal(t, 2, f.store.AggregateUnread())
}

func TestOnChange(t *testing.T) {
	f := newFixture(t, "alice")
	var got []Reason
	cancel := f.store.OnChange(func(c Change) { got = append(got, c.Reason) })

	f.store.MergeIncoming(f.backend.Deliver("bob", "alice", "one"), "alice")
	f.store.UpdateConversationReadStatus(abID, "alice")
	cancel()
	f.store.MergeIncoming(f.backend.Deliver("bob", "alice", "two"), "alice")

	assert.Equal(t, []Reason{ReasonMerge, ReasonRead}, got)
}

func TestPublishFailureIsNotReturned(t *testing.T) {
	f := newFixture(t, "alice")
	f.pub.err = errors.New("relay down")
	msg, err := f.store.SendMessage(context.Background(), SendInput{ReceiverID: "bob", Content: "still sent"})
	require.NoError(t, err)
	assert.Equal(t, msg.ConversationID, first(t, f.store).ConversationID)
}

func TestPendingInThread(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()
	f.backend.Deliver("bob", "alice", "one")
	require.NoError(t, f.store.FetchMessages(ctx, abID, 1, 20))

	m := f.backend.Deliver("bob", "alice", "two")
	assert.False(t, f.store.PendingInThread(abID, m.ID))
	f.store.MergeIncoming(m, "alice")
	assert.True(t, f.store.PendingInThread(abID, m.ID))
	assert.False(t, f.store.PendingInThread("alice:carol", m.ID))

	require.NoError(t, f.store.MarkConversationRead(ctx, abID))
	assert.False(t, f.store.PendingInThread(abID, m.ID))
}

func TestLateBroadcastAfterSnapshotIsNotCountedTwice(t *testing.T) {
	f := newFixture(t, "alice")
	m1 := f.backend.Deliver("bob", "alice", "one")
	f.backend.Deliver("bob", "alice", "two")
	require.NoError(t, f.store.FetchConversations(context.Background(), 1, 20))
	require.Equal(t, 2, unread(f.store, abID))

	res := f.store.MergeIncoming(m1, "alice")
	assert.False(t, res.Incremented)
	assert.True(t, res.Duplicate)
	assert.Equal(t, f.backend.Unread("alice", abID), unread(f.store, abID))
	assert.Equal(t, "two", first(t, f.store).LastMessage.Content)
}

func TestLateBroadcastOpenThreadStillAppends(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()
	f.backend.Deliver("bob", "alice", "one")
	require.NoError(t, f.store.FetchMessages(ctx, abID, 1, 20))
	m2 := f.backend.Deliver("bob", "alice", "two")
	f.backend.Deliver("bob", "alice", "three")
	require.NoError(t, f.store.FetchConversations(ctx, 1, 20))
	before := unread(f.store, abID)

	res := f.store.MergeIncoming(m2, "alice")
	assert.True(t, res.Appended)
	assert.False(t, res.Incremented)
	assert.Len(t, f.store.Thread().Messages, 2)
	assert.Equal(t, before, unread(f.store, abID))
}

func TestMergeDuringFetchSurvivesStaleSnapshot(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()
	f.backend.Deliver("bob", "alice", "old")
	f.backend.Deliver("carol", "alice", "newer")
	require.NoError(t, f.store.FetchConversations(ctx, 1, 20))
	require.Equal(t, 1, unread(f.store, abID))

	taken, release := f.remote.HoldSnapshot()
	defer release()
	done := make(chan error, 1)
	go func() { done <- f.store.FetchConversations(ctx, 1, 20) }()
	<-taken

	m := f.backend.Deliver("bob", "alice", "latest")
	require.True(t, f.store.MergeIncoming(m, "alice").Incremented)
	release()
	require.NoError(t, <-done)

	c := first(t, f.store)
	assert.Equal(t, abID, c.ConversationID)
	assert.Equal(t, "latest", c.LastMessage.Content)
	assert.Equal(t, 2, c.UnreadCount)
	assert.Equal(t, f.backend.Unread("alice", abID), c.UnreadCount)

	assert.True(t, f.store.MergeIncoming(m, "alice").Duplicate)
	assert.Equal(t, 2, unread(f.store, abID))

	// следующий снимок уже содержит сообщение, повторного учёта нет
	require.NoError(t, f.store.FetchConversations(ctx, 1, 20))
	assert.Equal(t, 2, unread(f.store, abID))
	assert.Equal(t, 3, f.store.AggregateUnread())
}

func TestMergeDuringFetchNewConversation(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()
	f.backend.Deliver("carol", "alice", "hi")

	taken, release := f.remote.HoldSnapshot()
	defer release()
	done := make(chan error, 1)
	go func() { done <- f.store.FetchConversations(ctx, 1, 20) }()
	<-taken

	m := f.backend.Deliver("bob", "alice", "first contact")
	require.True(t, f.store.MergeIncoming(m, "alice").Created)
	release()
	require.NoError(t, <-done)

	convs := f.store.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, abID, convs[0].ConversationID)
	assert.Equal(t, 1, convs[0].UnreadCount)
}

func TestMergeCoveredBySnapshotInFlight(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()
	release := f.remote.Gate()
	defer release()
	done := make(chan error, 1)
	go func() { done <- f.store.FetchConversations(ctx, 1, 20) }()
	require.Eventually(t, func() bool { return f.remote.Calls("conversations") == 1 }, time.Second, 5*time.Millisecond)

	// снимок строится после доставки и уже включает сообщение
	m := f.backend.Deliver("bob", "alice", "hi")
	require.True(t, f.store.MergeIncoming(m, "alice").Incremented)
	release()
	require.NoError(t, <-done)

	assert.Equal(t, 1, unread(f.store, abID))
}

func TestSendDuringFetchSurvivesStaleSnapshot(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()
	f.backend.Deliver("carol", "alice", "hi")

	taken, release := f.remote.HoldSnapshot()
	defer release()
	done := make(chan error, 1)
	go func() { done <- f.store.FetchConversations(ctx, 1, 20) }()
	<-taken

	// отправка делает свой refetch; он присоединяется к запросу в полёте
	sent := make(chan error, 1)
	go func() {
		_, err := f.store.SendMessage(ctx, SendInput{ReceiverID: "bob", Content: "hello"})
		sent <- err
	}()
	require.Eventually(t, func() bool {
		_, ok := f.store.Conversation(abID)
		return ok
	}, time.Second, 5*time.Millisecond)
	release()
	require.NoError(t, <-done)
	require.NoError(t, <-sent)

	c, ok := f.store.Conversation(abID)
	require.True(t, ok)
	assert.Equal(t, "hello", c.LastMessage.Content)
	assert.Equal(t, 0, c.UnreadCount)
}

func TestThreadIndexFollowsPrepend(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()
	for _, c := range []string{"1", "2", "3"} {
		f.backend.Deliver("bob", "alice", c)
	}
	require.NoError(t, f.store.FetchMessages(ctx, abID, 1, 2))
	require.NoError(t, f.store.FetchMessages(ctx, abID, 2, 2))
	th := f.store.Thread()
	require.Len(t, th.Messages, 3)

	m := f.backend.Deliver("bob", "alice", "4")
	assert.True(t, f.store.MergeIncoming(m, "alice").Appended)
	assert.True(t, f.store.PendingInThread(abID, m.ID))
	assert.False(t, f.store.PendingInThread(abID, th.Messages[0].ID), "fetched messages are read")
}
