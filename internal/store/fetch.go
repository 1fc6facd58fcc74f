package store

import (
	"context"
	"fmt"
	"time"

	"github.com/convsync/internal/logger"
	"github.com/convsync/internal/model"
	"github.com/convsync/internal/remote"
)

// snapshot — ответ сервера вместе с номером последнего локального merge на
// момент запроса.
type snapshot struct {
	page *remote.ConversationPage
	seq  uint64
}

// FetchConversations заменяет список снимком сервера; страницы после первой
// дописываются к списку. Одновременные запросы одной страницы идут одним
// запросом. При ошибке прежний список остаётся, ошибка возвращается.
//
// Сообщения, применённые локально, пока запрос был в полёте, и не вошедшие в
// снимок, накладываются поверх него заново.
func (s *Store) FetchConversations(ctx context.Context, page, limit int) error {
	defer logger.DeferLogDuration("store.FetchConversations", time.Now())()
	if limit <= 0 {
		limit = s.limit
	}
	page, limit = model.NormalizePage(page, limit)

	key := fmt.Sprintf("conversations/%d/%d", page, limit)
	ch := s.flights.DoChan(key, func() (any, error) {
		s.mu.RLock()
		seq := s.mergeSeq
		s.mu.RUnlock()
		res, err := s.remote.Conversations(context.WithoutCancel(ctx), page, limit)
		if err != nil {
			return nil, err
		}
		return &snapshot{page: res, seq: seq}, nil
	})
	var snap *snapshot
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return s.fail("FetchConversations", r.Err)
		}
		snap = r.Val.(*snapshot)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.succeeded()
	s.applyConversations(snap, page)
	return nil
}

func (s *Store) applyConversations(snap *snapshot, page int) {
	res := snap.page
	s.mu.Lock()
	if s.lastPage == snap {
		// общий запрос уже применён другим вызывающим
		s.mu.Unlock()
		return
	}
	s.lastPage = snap
	s.lastErr = nil

	convs := make([]model.Conversation, 0, len(res.Conversations))
	for _, c := range res.Conversations {
		if c.ConversationID == "" {
			continue
		}
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
		convs = append(convs, c)
	}
	model.SortByRecent(convs)

	if page == 1 {
		s.convs = make(map[string]*model.Conversation, len(convs))
		s.order = s.order[:0]
		s.snapAt = make(map[string]time.Time, len(convs))
	}
	inPage := make(map[string]bool, len(convs))
	for i := range convs {
		c := convs[i]
		if _, ok := s.convs[c.ConversationID]; !ok {
			s.order = append(s.order, c.ConversationID)
		}
		s.convs[c.ConversationID] = &c
		s.snapAt[c.ConversationID] = c.LastMessage.CreatedAt
		s.seen.Mark(c.LastMessage.MessageID)
		inPage[c.ConversationID] = true
	}
	s.replayLocked(snap.seq, func(id string) bool { return page == 1 || inPage[id] })
	if page > 1 {
		s.sortOrderLocked()
	}
	total := 0
	for _, c := range s.convs {
		total += c.UnreadCount
	}
	s.mu.Unlock()

	if page == 1 && total != res.TotalUnread {
		logger.Debugf("store: server total_unread=%d, sum of conversations=%d", res.TotalUnread, total)
	}
	s.notify(Change{Reason: ReasonConversations})
}

// replayLocked накладывает на снимок сообщения, применённые после since и
// ещё не известные серверу на момент снимка. affected ограничивает диалоги,
// которые снимок переписал.
func (s *Store) replayLocked(since uint64, affected func(id string) bool) {
	for i := range s.merged {
		rec := &s.merged[i]
		if rec.seq <= since || !affected(rec.msg.ConversationID) || s.coveredLocked(&rec.msg) {
			continue
		}
		conv, _ := s.upsertLocked(&rec.msg)
		s.moveToFrontLocked(rec.msg.ConversationID)
		open := s.thread != nil && s.thread.ConversationID == rec.msg.ConversationID
		if rec.counted && !open {
			conv.UnreadCount++
		}
	}
}

func (s *Store) sortOrderLocked() {
	convs := make([]model.Conversation, 0, len(s.order))
	for _, id := range s.order {
		convs = append(convs, *s.convs[id])
	}
	model.SortByRecent(convs)
	for i := range convs {
		s.order[i] = convs[i].ConversationID
	}
}

// FetchMessages заменяет открытую переписку снимком первой страницы или
// дописывает в начало более старую. Сервер при этом помечает диалог прочитанным;
// если в нём были непрочитанные, счётчик обнуляется и публикуется read receipt.
func (s *Store) FetchMessages(ctx context.Context, conversationID string, page, limit int) error {
	defer logger.DeferLogDuration("store.FetchMessages", time.Now())()
	if limit <= 0 {
		limit = s.limit
	}
	page, limit = model.NormalizePage(page, limit)

	res, err := s.remote.Thread(ctx, conversationID, page, limit)
	if err != nil {
		return s.fail("FetchMessages", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.succeeded()

	// сервер отдаёт от новых к старым
	msgs := make([]model.Message, 0, len(res.Messages))
	for i := len(res.Messages) - 1; i >= 0; i-- {
		m := res.Messages[i]
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		msgs = append(msgs, m)
	}

	s.mu.Lock()
	conv, known := s.convs[conversationID]
	hadUnread := known && conv.UnreadCount > 0
	if page == 1 || s.thread == nil || s.thread.ConversationID != conversationID {
		s.thread = newThread(conversationID, res.OtherUser, msgs, res.Pagination)
	} else {
		s.thread.prepend(msgs)
		s.thread.Pagination = res.Pagination
	}
	unreadInPage := false
	for i := range msgs {
		s.seen.Mark(msgs[i].ID)
		if msgs[i].SenderID != s.self && !msgs[i].Read {
			unreadInPage = true
		}
	}
	if !known && len(msgs) > 0 {
		latest := msgs[len(msgs)-1]
		s.upsertLocked(&latest)
	}
	transition := page == 1 && (hadUnread || unreadInPage)
	if transition {
		s.markReadLocked(conversationID)
	}
	s.lastErr = nil
	s.mu.Unlock()

	s.notify(Change{Reason: ReasonThread, ConversationID: conversationID})
	if transition {
		s.notify(Change{Reason: ReasonRead, ConversationID: conversationID})
		s.publishReceipt(ctx, conversationID)
	}
	return nil
}

// ForceRefresh сбрасывает кеш на сервере и перезагружает список.
func (s *Store) ForceRefresh(ctx context.Context) error {
	if err := s.remote.Refresh(ctx); err != nil {
		return s.fail("ForceRefresh", err)
	}
	return s.FetchConversations(ctx, 1, s.limit)
}
