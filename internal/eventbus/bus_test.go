package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convsync/internal/apperr"
	"github.com/convsync/internal/broadcast"
	"github.com/convsync/internal/broadcast/memory"
	"github.com/convsync/internal/model"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func assertNoEvent(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_FanOut(t *testing.T) {
	b := New()
	ch1, _ := b.Subscribe(t.Context())
	ch2, _ := b.Subscribe(t.Context())

	b.Publish(Event{Kind: KindReadReceipt, Receipt: &model.ReadReceipt{ConversationID: "a:b", ReaderID: "a"}})

	assert.Equal(t, "a", recv(t, ch1).Receipt.ReaderID)
	assert.Equal(t, "a", recv(t, ch2).Receipt.ReaderID)
}

func TestBus_UnsubscribeOnContextCancel(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx)
	require.Equal(t, 1, b.Subscribers())

	cancel()
	require.Eventually(t, func() bool { return b.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-ch
	assert.False(t, ok, "channel closed after unmount")

	b.Publish(Event{Kind: KindReadReceipt})
}

func TestBus_DropsForFullSubscriber(t *testing.T) {
	b := New()
	_, _ = b.Subscribe(t.Context())
	for i := 0; i < subscriberBufferSize+3; i++ {
		b.Publish(Event{Kind: KindReadReceipt})
	}
	assert.Equal(t, int64(3), b.Dropped())
}

func TestBus_Close(t *testing.T) {
	b := New()
	ch, id := b.Subscribe(t.Context())
	b.Close()
	b.Close()
	_, ok := <-ch
	assert.False(t, ok)
	b.Unsubscribe(id)
	b.Publish(Event{Kind: KindReadReceipt})

	late, _ := b.Subscribe(t.Context())
	_, ok = <-late
	assert.False(t, ok, "subscribing to a closed bus yields a closed channel")
}

func TestBridge(t *testing.T) {
	hub := memory.NewHub()
	sender := hub.Connect("b")
	receiver := hub.Connect("a")
	t.Cleanup(func() { _ = sender.Close(); _ = receiver.Close() })

	bus := New()
	stop := bus.Bridge(receiver)
	ch, _ := bus.Subscribe(t.Context())
	ctx := context.Background()

	msg := model.Message{
		ID:             "m1",
		ConversationID: model.ConversationID("a", "b"),
		SenderID:       "b",
		ReceiverID:     "a",
		Content:        "hi",
		Kind:           model.MessageKindText,
		CreatedAt:      time.Now(),
	}
	require.NoError(t, sender.Publish(ctx, broadcast.KindNewMessage, msg))
	ev := recv(t, ch)
	assert.Equal(t, KindMessageReceived, ev.Kind)
	assert.Equal(t, "m1", ev.Message.ID)

	bad := msg
	bad.ID = ""
	require.NoError(t, sender.Publish(ctx, broadcast.KindNewMessage, bad))
	assertNoEvent(t, ch)

	stop()
	require.NoError(t, sender.Publish(ctx, broadcast.KindNewMessage, msg))
	assertNoEvent(t, ch)
}

func TestDecode(t *testing.T) {
	_, err := DecodeMessage(json.RawMessage(`{"id":1}`))
	assert.True(t, errors.Is(err, apperr.ErrMalformedPayload))

	_, err = DecodeReceipt(json.RawMessage(`{"conversation_id":"a:b"}`))
	assert.True(t, errors.Is(err, apperr.ErrMalformedPayload))

	r, err := DecodeReceipt(json.RawMessage(`{"conversation_id":"a:b","reader_id":"a"}`))
	require.NoError(t, err)
	assert.Equal(t, "a:b", r.ConversationID)
}
