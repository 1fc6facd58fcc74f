package store

import (
	"github.com/convsync/internal/logger"
	"github.com/convsync/internal/model"
)

// MergeResult — что изменил MergeIncoming.
type MergeResult struct {
	Ignored     bool // невалидное, не адресовано self или уже известно
	Duplicate   bool
	Created     bool
	Appended    bool
	Incremented bool
}

// MergeIncoming применяет сообщение из канала рассылки. Идемпотентен: id, уже
// встреченный в fetch, send или прошлом merge, ничего не меняет. Сообщение не
// новее последнего снимка сервера тоже не меняет список: снимок его уже учёл.
//
// Диалог создаётся, если его нет, сводка обновляется, диалог поднимается наверх.
// Счётчик непрочитанных растёт на единицу только для непрочитанного сообщения
// собеседника, которое не попало в открытую переписку; такое сообщение
// дописывается в переписку.
func (s *Store) MergeIncoming(msg model.Message, selfID string) MergeResult {
	if selfID == "" {
		selfID = s.self
	}
	if err := msg.Validate(); err != nil {
		logger.Errorf("store.MergeIncoming user=%s: drop message: %v", selfID, err)
		return MergeResult{Ignored: true}
	}
	if msg.SenderID != selfID && msg.ReceiverID != selfID {
		return MergeResult{Ignored: true}
	}

	s.mu.Lock()
	if s.seen.CheckAndMark(msg.ID) {
		s.mu.Unlock()
		return MergeResult{Ignored: true, Duplicate: true}
	}

	var res MergeResult
	incoming := msg.SenderID != selfID
	open := s.thread != nil && s.thread.ConversationID == msg.ConversationID
	if open && incoming {
		res.Appended = s.thread.add(msg)
	}
	if s.coveredLocked(&msg) {
		s.mu.Unlock()
		if !res.Appended {
			return MergeResult{Ignored: true, Duplicate: true}
		}
		s.notify(Change{Reason: ReasonMerge, ConversationID: msg.ConversationID})
		return res
	}

	conv, created := s.upsertLocked(&msg)
	res.Created = created
	// сводка остаётся за более новым сообщением, диалог всё равно наверх
	s.moveToFrontLocked(msg.ConversationID)
	if incoming && !msg.Read && !open {
		conv.UnreadCount++
		res.Incremented = true
	}
	s.recordLocked(msg, res.Incremented)
	s.mu.Unlock()

	s.notify(Change{Reason: ReasonMerge, ConversationID: msg.ConversationID})
	return res
}

// PendingInThread сообщает, лежит ли msgID в открытой переписке conversationID
// непрочитанным сообщением собеседника.
func (s *Store) PendingInThread(conversationID, msgID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.thread == nil || s.thread.ConversationID != conversationID {
		return false
	}
	m := s.thread.find(msgID)
	return m != nil && m.SenderID != s.self && !m.Read
}
