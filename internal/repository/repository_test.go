package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convsync/internal/model"
	"github.com/convsync/migrations"
)

// testPool подключается к TEST_DATABASE_URL и применяет миграции. Без переменной тесты пропускаются.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	data, err := migrations.Files.ReadFile("001_init.sql")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(data))
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `TRUNCATE messages, participants`)
	require.NoError(t, err)
	return pool
}

func newMessage(from, to, content string, at time.Time) *model.Message {
	return &model.Message{
		ID:             uuid.NewString(),
		ConversationID: model.ConversationID(from, to),
		SenderID:       from,
		ReceiverID:     to,
		Content:        content,
		Kind:           model.MessageKindText,
		CreatedAt:      at,
	}
}

func TestRepositories(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	parts := NewParticipantRepository(pool)
	msgs := NewMessageRepository(pool)
	convs := NewConversationRepository(pool)

	require.NoError(t, parts.Upsert(ctx, model.Participant{ID: "alice", DisplayName: "Alice"}))
	require.NoError(t, parts.Upsert(ctx, model.Participant{ID: "bob"}))
	require.NoError(t, parts.Upsert(ctx, model.Participant{ID: "carol", DisplayName: "Carol"}))
	require.NoError(t, parts.Upsert(ctx, model.Participant{ID: "alice", Contact: "alice@example.com"}))
	assert.Error(t, parts.Upsert(ctx, model.Participant{ID: "a:b"}))

	alice, err := parts.GetByID(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", alice.DisplayName, "empty name keeps stored one")
	assert.Equal(t, "alice@example.com", alice.Contact)
	_, err = parts.GetByID(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	base := time.Now().UTC().Truncate(time.Millisecond)
	m1 := newMessage("bob", "alice", "one", base)
	m2 := newMessage("bob", "alice", "two", base.Add(time.Second))
	m3 := newMessage("alice", "carol", "hey", base.Add(2*time.Second))
	m3.Metadata = map[string]string{"product_id": "42"}
	m3.Attachments = []model.Attachment{{Kind: model.MessageKindImage, URL: "https://x/y.png"}}
	for _, m := range []*model.Message{m1, m2, m3} {
		require.NoError(t, msgs.Create(ctx, m))
	}

	got, err := msgs.GetByID(ctx, m3.ID)
	require.NoError(t, err)
	assert.Equal(t, "42", got.Metadata["product_id"])
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "Carol", got.Receiver.DisplayName)

	list, err := convs.List(ctx, "alice", 20, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, m3.ConversationID, list[0].ConversationID)
	assert.Equal(t, "carol", list[0].OtherParticipant.ID)
	assert.Equal(t, 0, list[0].UnreadCount)
	assert.Equal(t, m2.ID, list[1].LastMessage.MessageID)
	assert.Equal(t, 2, list[1].UnreadCount)

	n, err := convs.Count(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	total, err := convs.TotalUnread(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	page, count, err := msgs.Thread(ctx, m1.ConversationID, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	require.Len(t, page, 1)
	assert.Equal(t, m2.ID, page[0].ID, "newest first")

	changed, err := msgs.MarkConversationRead(ctx, m1.ConversationID, "bob")
	require.NoError(t, err)
	assert.Zero(t, changed, "only messages addressed to the reader")
	changed, err = msgs.MarkConversationRead(ctx, m1.ConversationID, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 2, changed)
	total, err = convs.TotalUnread(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, total)
}
