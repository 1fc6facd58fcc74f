package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/convsync/internal/logger"
	"github.com/convsync/internal/model"
)

// messageCols — колонки сообщения вместе со снимками отправителя и получателя (порядок соответствует scanMessage).
const messageCols = `m.id, m.conversation_id, m.sender_id, m.receiver_id, m.content, m.kind, m.attachments, m.metadata, m.read, m.created_at,
		        s.id, s.display_name, s.contact, rc.id, rc.display_name, rc.contact`

const messageFrom = ` FROM messages m
		 JOIN participants s ON s.id = m.sender_id
		 JOIN participants rc ON rc.id = m.receiver_id`

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func scanMessage(s interface{ Scan(dest ...any) error }, m *model.Message) error {
	sender, receiver := &model.Participant{}, &model.Participant{}
	var kind string
	if err := s.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID, &m.Content, &kind, &m.Attachments, &m.Metadata, &m.Read, &m.CreatedAt,
		&sender.ID, &sender.DisplayName, &sender.Contact, &receiver.ID, &receiver.DisplayName, &receiver.Contact); err != nil {
		return err
	}
	m.Kind = model.MessageKind(kind)
	m.Sender, m.Receiver = sender, receiver
	if len(m.Metadata) == 0 {
		m.Metadata = nil
	}
	return nil
}

// Create сохраняет сообщение. Участники должны существовать (см. ParticipantRepository.Upsert).
func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	attachments := m.Attachments
	if attachments == nil {
		attachments = []model.Attachment{}
	}
	metadata := m.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, receiver_id, content, kind, attachments, metadata, read, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.ConversationID, m.SenderID, m.ReceiverID, m.Content, string(m.Kind), attachments, metadata, m.Read, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.Message{}
	row := r.pool.QueryRow(ctx, `SELECT `+messageCols+messageFrom+` WHERE m.id = $1`, id)
	if err := scanMessage(row, m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	return m, nil
}

// Thread возвращает страницу диалога, новые первыми, и общее число сообщений.
func (r *MessageRepository) Thread(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, int, error) {
	defer logger.DeferLogDuration("msg.Thread", time.Now())()
	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = $1`, conversationID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("msgRepo.Thread count: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+messageCols+messageFrom+`
		 WHERE m.conversation_id = $1
		 ORDER BY m.created_at DESC, m.id DESC
		 LIMIT $2 OFFSET $3`, conversationID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("msgRepo.Thread query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, 0, fmt.Errorf("msgRepo.Thread scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("msgRepo.Thread rows: %w", err)
	}
	return messages, total, nil
}

// MarkConversationRead помечает прочитанными все сообщения диалога, адресованные readerID.
// Возвращает число изменённых сообщений.
func (r *MessageRepository) MarkConversationRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	defer logger.DeferLogDuration("msg.MarkConversationRead", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET read = TRUE
		 WHERE conversation_id = $1 AND receiver_id = $2 AND NOT read`,
		conversationID, readerID,
	)
	if err != nil {
		return 0, fmt.Errorf("msgRepo.MarkConversationRead: %w", err)
	}
	return tag.RowsAffected(), nil
}
