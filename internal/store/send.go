package store

import (
	"context"
	"strings"
	"time"

	"github.com/convsync/internal/apperr"
	"github.com/convsync/internal/broadcast"
	"github.com/convsync/internal/logger"
	"github.com/convsync/internal/model"
	"github.com/convsync/internal/remote"
)

type SendInput struct {
	ReceiverID  string
	Content     string
	Kind        model.MessageKind
	Attachments []model.Attachment
	Metadata    map[string]string
}

func (s *Store) validateSend(in *SendInput) error {
	if !model.ValidParticipantID(in.ReceiverID) {
		return apperr.InvalidInput("не указан получатель")
	}
	if in.ReceiverID == s.self {
		return apperr.InvalidInput("нельзя отправить сообщение самому себе")
	}
	if in.Kind == "" {
		in.Kind = model.MessageKindText
	}
	if !in.Kind.Valid() {
		return apperr.InvalidInput("неизвестный тип сообщения")
	}
	if strings.TrimSpace(in.Content) == "" && len(in.Attachments) == 0 {
		return apperr.InvalidInput("пустое сообщение")
	}
	return nil
}

func (in SendInput) request() remote.SendRequest {
	return remote.SendRequest{
		ReceiverID:  in.ReceiverID,
		Content:     in.Content,
		Kind:        in.Kind,
		Attachments: in.Attachments,
		Metadata:    in.Metadata,
	}
}

// SendMessage отправляет участнику; первое сообщение создаёт диалог.
// До подтверждения сервером локально ничего не меняется.
func (s *Store) SendMessage(ctx context.Context, in SendInput) (*model.Message, error) {
	defer logger.DeferLogDuration("store.SendMessage", time.Now())()
	if err := s.validateSend(&in); err != nil {
		return nil, err
	}
	res, err := s.remote.Send(ctx, in.request())
	if err != nil {
		return nil, s.failSend("SendMessage", err)
	}
	msg := res.Message
	if msg.ConversationID == "" {
		msg.ConversationID = res.ConversationID
	}
	return s.confirmed(ctx, &msg, in)
}

// SendMessageToConversation отправляет в существующий диалог. ReceiverID можно
// не указывать, он выводится из id диалога.
func (s *Store) SendMessageToConversation(ctx context.Context, conversationID string, in SendInput) (*model.Message, error) {
	defer logger.DeferLogDuration("store.SendMessageToConversation", time.Now())()
	if in.ReceiverID == "" {
		a, b, ok := model.SplitConversationID(conversationID)
		switch {
		case ok && a == s.self:
			in.ReceiverID = b
		case ok && b == s.self:
			in.ReceiverID = a
		}
	}
	if err := s.validateSend(&in); err != nil {
		return nil, err
	}
	if model.ConversationID(s.self, in.ReceiverID) != conversationID {
		return nil, apperr.InvalidInput("получатель не участвует в диалоге")
	}
	msg, err := s.remote.SendToConversation(ctx, conversationID, in.request())
	if err != nil {
		return nil, s.failSend("SendMessageToConversation", err)
	}
	m := *msg
	if m.ConversationID == "" {
		m.ConversationID = conversationID
	}
	return s.confirmed(ctx, &m, in)
}

func (s *Store) failSend(op string, err error) error {
	if apperr.IsKind(err, apperr.KindSessionExpired) {
		return s.fail(op, err)
	}
	logger.Errorf("store.%s user=%s: %v", op, s.self, err)
	return err
}

// confirmed применяет подтверждённое сервером сообщение: переписка, сводка,
// рассылка другим сессиям и refetch списка для порядка.
func (s *Store) confirmed(ctx context.Context, msg *model.Message, in SendInput) (*model.Message, error) {
	s.succeeded()
	if msg.SenderID == "" {
		msg.SenderID = s.self
	}
	if msg.ReceiverID == "" {
		msg.ReceiverID = in.ReceiverID
	}
	if msg.Kind == "" {
		msg.Kind = in.Kind
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	if msg.Receiver == nil {
		s.mu.RLock()
		if c, ok := s.convs[msg.ConversationID]; ok {
			other := c.OtherParticipant
			msg.Receiver = &other
		}
		s.mu.RUnlock()
	}

	// ушедший вызывающий локальных эффектов не получает, остальные сессии всё равно сходятся
	if ctx.Err() != nil {
		s.publish(ctx, broadcast.KindNewMessage, msg)
		return msg, nil
	}

	s.mu.Lock()
	s.seen.Mark(msg.ID)
	if s.thread != nil && s.thread.ConversationID == msg.ConversationID {
		s.thread.add(*msg)
	}
	s.upsertLocked(msg)
	s.moveToFrontLocked(msg.ConversationID)
	s.recordLocked(*msg, false)
	s.mu.Unlock()
	s.notify(Change{Reason: ReasonSend, ConversationID: msg.ConversationID})

	s.publish(ctx, broadcast.KindNewMessage, msg)

	if err := s.FetchConversations(ctx, 1, s.limit); err != nil {
		logger.Errorf("store: refetch after send user=%s: %v", s.self, err)
	}
	return msg, nil
}
