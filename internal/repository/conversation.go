package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/convsync/internal/logger"
	"github.com/convsync/internal/model"
)

// ConversationRepository строит список диалогов из таблицы messages: отдельной таблицы диалогов нет.
type ConversationRepository struct {
	pool *pgxpool.Pool
}

func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

// List возвращает страницу диалогов userID, последним сообщением вперёд.
func (r *ConversationRepository) List(ctx context.Context, userID string, limit, offset int) ([]model.Conversation, error) {
	defer logger.DeferLogDuration("conv.List", time.Now())()
	rows, err := r.pool.Query(ctx,
		`WITH latest AS (
		     SELECT DISTINCT ON (m.conversation_id)
		            m.conversation_id, m.id, m.sender_id, m.receiver_id, m.content, m.kind, m.read, m.created_at
		     FROM messages m
		     WHERE m.sender_id = $1 OR m.receiver_id = $1
		     ORDER BY m.conversation_id, m.created_at DESC, m.id DESC
		 ), unread AS (
		     SELECT conversation_id, COUNT(*) AS n
		     FROM messages
		     WHERE receiver_id = $1 AND NOT read
		     GROUP BY conversation_id
		 )
		 SELECT l.conversation_id, l.id, l.sender_id, l.content, l.kind, l.read, l.created_at,
		        p.id, p.display_name, p.contact, COALESCE(u.n, 0)
		 FROM latest l
		 JOIN participants p ON p.id = CASE WHEN l.sender_id = $1 THEN l.receiver_id ELSE l.sender_id END
		 LEFT JOIN unread u ON u.conversation_id = l.conversation_id
		 ORDER BY l.created_at DESC, l.conversation_id
		 LIMIT $2 OFFSET $3`, userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.List query: %w", err)
	}
	defer rows.Close()

	convs := make([]model.Conversation, 0, limit)
	for rows.Next() {
		var c model.Conversation
		var kind string
		if err := rows.Scan(&c.ConversationID, &c.LastMessage.MessageID, &c.LastMessage.SenderID, &c.LastMessage.Content,
			&kind, &c.LastMessage.Read, &c.LastMessage.CreatedAt,
			&c.OtherParticipant.ID, &c.OtherParticipant.DisplayName, &c.OtherParticipant.Contact, &c.UnreadCount); err != nil {
			return nil, fmt.Errorf("convRepo.List scan: %w", err)
		}
		c.LastMessage.Kind = model.MessageKind(kind)
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.List rows: %w", err)
	}
	return convs, nil
}

// Count возвращает число диалогов userID.
func (r *ConversationRepository) Count(ctx context.Context, userID string) (int, error) {
	defer logger.DeferLogDuration("conv.Count", time.Now())()
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT conversation_id) FROM messages WHERE sender_id = $1 OR receiver_id = $1`, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("convRepo.Count: %w", err)
	}
	return n, nil
}

// TotalUnread — непрочитанные сообщения, адресованные userID, по всем диалогам.
func (r *ConversationRepository) TotalUnread(ctx context.Context, userID string) (int, error) {
	defer logger.DeferLogDuration("conv.TotalUnread", time.Now())()
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE receiver_id = $1 AND NOT read`, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("convRepo.TotalUnread: %w", err)
	}
	return n, nil
}
