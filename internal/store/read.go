package store

import (
	"context"
	"time"

	"github.com/convsync/internal/broadcast"
	"github.com/convsync/internal/logger"
	"github.com/convsync/internal/model"
)

// markReadLocked обнуляет счётчик id и помечает прочитанными сообщения
// собеседника в открытой переписке.
func (s *Store) markReadLocked(id string) {
	if c, ok := s.convs[id]; ok {
		c.UnreadCount = 0
		if c.LastMessage.SenderID != s.self {
			c.LastMessage.Read = true
		}
	}
	for i := range s.merged {
		if s.merged[i].msg.ConversationID == id {
			s.merged[i].counted = false
		}
	}
	if s.thread != nil && s.thread.ConversationID == id {
		for i := range s.thread.Messages {
			if s.thread.Messages[i].SenderID != s.self {
				s.thread.Messages[i].Read = true
			}
		}
	}
}

func (s *Store) publishReceipt(ctx context.Context, conversationID string) {
	s.publish(ctx, broadcast.KindReadReceipt, model.ReadReceipt{
		ConversationID: conversationID,
		ReaderID:       s.self,
		ReadAt:         s.now().UTC(),
	})
}

// MarkConversationRead помечает диалог прочитанным без открытия переписки:
// сначала локальный ноль, затем fetch одного сообщения, после которого сервер
// помечает диалог, затем read receipt. Без подтверждения receipt не публикуется.
func (s *Store) MarkConversationRead(ctx context.Context, conversationID string) error {
	defer logger.DeferLogDuration("store.MarkConversationRead", time.Now())()
	s.mu.Lock()
	s.markReadLocked(conversationID)
	s.mu.Unlock()
	s.notify(Change{Reason: ReasonRead, ConversationID: conversationID})

	if _, err := s.remote.Thread(ctx, conversationID, 1, 1); err != nil {
		return s.fail("MarkConversationRead", err)
	}
	s.succeeded()
	s.publishReceipt(ctx, conversationID)
	return nil
}

// UpdateConversationReadStatus применяет read receipt из другой сессии.
// Receipt от self обнуляет счётчик. Receipt собеседника помечает прочитанными
// сообщения self, счётчик не трогает. Receipt не липкий: более поздние
// сообщения снова считаются непрочитанными.
func (s *Store) UpdateConversationReadStatus(conversationID, readerID string) {
	if conversationID == "" || readerID == "" {
		return
	}
	s.mu.Lock()
	if readerID == s.self {
		s.markReadLocked(conversationID)
	} else {
		if c, ok := s.convs[conversationID]; ok && c.LastMessage.SenderID == s.self {
			c.LastMessage.Read = true
		}
		if s.thread != nil && s.thread.ConversationID == conversationID {
			for i := range s.thread.Messages {
				if s.thread.Messages[i].SenderID == s.self {
					s.thread.Messages[i].Read = true
				}
			}
		}
	}
	s.mu.Unlock()
	s.notify(Change{Reason: ReasonRead, ConversationID: conversationID})
}
