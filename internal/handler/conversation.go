package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/convsync/internal/logger"
	"github.com/convsync/internal/middleware"
	"github.com/convsync/internal/model"
	"github.com/convsync/internal/remote"
	"github.com/convsync/internal/repository"
	"github.com/convsync/internal/storage"
)

const maxContentLength = 10000

type Participants interface {
	Upsert(ctx context.Context, p model.Participant) error
	GetByID(ctx context.Context, id string) (*model.Participant, error)
}

type Messages interface {
	Create(ctx context.Context, m *model.Message) error
	Thread(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, int, error)
	MarkConversationRead(ctx context.Context, conversationID, readerID string) (int64, error)
}

type Conversations interface {
	List(ctx context.Context, userID string, limit, offset int) ([]model.Conversation, error)
	Count(ctx context.Context, userID string) (int, error)
	TotalUnread(ctx context.Context, userID string) (int, error)
}

type ConversationHandler struct {
	parts    Participants
	msgs     Messages
	convs    Conversations
	cache    storage.ConversationCache
	cacheTTL time.Duration
	now      func() time.Time
}

// NewConversationHandler создаёт хендлер. cache может быть nil — тогда список не кешируется.
func NewConversationHandler(parts Participants, msgs Messages, convs Conversations, cache storage.ConversationCache, cacheTTL time.Duration) *ConversationHandler {
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	return &ConversationHandler{parts: parts, msgs: msgs, convs: convs, cache: cache, cacheTTL: cacheTTL, now: time.Now}
}

// Mount регистрирует маршруты. r должен стоять за BearerAuth.
func (h *ConversationHandler) Mount(r chi.Router) {
	r.Get("/api/conversations", h.ListConversations)
	r.Post("/api/conversations/refresh", h.Refresh)
	r.Get("/api/conversations/{id}/messages", h.GetThread)
	r.Post("/api/conversations/{id}/messages", h.SendToConversation)
	r.Post("/api/messages", h.SendMessage)
}

func (h *ConversationHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	page, limit := model.NormalizePage(queryInt(r, "page", 1), queryInt(r, "limit", model.DefaultPageLimit))

	if h.cache != nil {
		data, ok, err := h.cache.GetConversations(r.Context(), userID, page, limit)
		if err != nil {
			logger.Errorf("conversations cache get user=%s: %v", userID, err)
		}
		if ok {
			writeRaw(w, http.StatusOK, data)
			return
		}
	}

	p := model.Pagination{Page: page, Limit: limit}
	convs, err := h.convs.List(r.Context(), userID, limit, p.Offset())
	if err != nil {
		logger.Errorf("list conversations user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to get conversations")
		return
	}
	total, err := h.convs.Count(r.Context(), userID)
	if err != nil {
		logger.Errorf("count conversations user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to get conversations")
		return
	}
	unread, err := h.convs.TotalUnread(r.Context(), userID)
	if err != nil {
		logger.Errorf("total unread user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to get conversations")
		return
	}
	p.Total = total

	data, err := json.Marshal(remote.ConversationPage{Conversations: convs, TotalUnread: unread, Pagination: p})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if h.cache != nil {
		if err := h.cache.SetConversations(r.Context(), userID, page, limit, data, h.cacheTTL); err != nil {
			logger.Errorf("conversations cache set user=%s: %v", userID, err)
		}
	}
	writeRaw(w, http.StatusOK, data)
}

// GetThread отдаёт страницу переписки и помечает прочитанным всё, что адресовано вызывающему.
func (h *ConversationHandler) GetThread(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	convID := chi.URLParam(r, "id")
	otherID, ok := h.otherParty(w, convID, userID)
	if !ok {
		return
	}
	page, limit := model.NormalizePage(queryInt(r, "page", 1), queryInt(r, "limit", model.DefaultPageLimit))

	changed, err := h.msgs.MarkConversationRead(r.Context(), convID, userID)
	if err != nil {
		logger.Errorf("mark read conv=%s user=%s: %v", convID, userID, err)
		writeError(w, http.StatusInternalServerError, "failed to mark as read")
		return
	}
	if changed > 0 {
		h.invalidate(r.Context(), userID, otherID)
	}

	p := model.Pagination{Page: page, Limit: limit}
	messages, total, err := h.msgs.Thread(r.Context(), convID, limit, p.Offset())
	if err != nil {
		logger.Errorf("thread conv=%s: %v", convID, err)
		writeError(w, http.StatusInternalServerError, "failed to get messages")
		return
	}
	p.Total = total

	writeJSON(w, http.StatusOK, remote.ThreadPage{
		Messages:   messages,
		OtherUser:  h.participant(r.Context(), otherID),
		Pagination: p,
	})
}

type sendBody struct {
	ReceiverID  string             `json:"receiver_id"`
	Content     string             `json:"content"`
	Kind        model.MessageKind  `json:"kind"`
	Attachments []model.Attachment `json:"attachments"`
	Metadata    map[string]string  `json:"metadata"`
}

func (h *ConversationHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var body sendBody
	if !decodeJSON(w, r, &body) {
		return
	}
	msg, ok := h.send(w, r, body)
	if !ok {
		return
	}
	writeJSON(w, http.StatusCreated, remote.SendResult{Message: *msg, ConversationID: msg.ConversationID})
}

func (h *ConversationHandler) SendToConversation(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	convID := chi.URLParam(r, "id")
	otherID, ok := h.otherParty(w, convID, userID)
	if !ok {
		return
	}
	var body sendBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.ReceiverID == "" {
		body.ReceiverID = otherID
	}
	if body.ReceiverID != otherID {
		writeError(w, http.StatusBadRequest, "receiver is not part of this conversation")
		return
	}
	msg, ok := h.send(w, r, body)
	if !ok {
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": msg})
}

func (h *ConversationHandler) send(w http.ResponseWriter, r *http.Request, body sendBody) (*model.Message, bool) {
	sender := middleware.GetParticipant(r.Context())
	body.Content = strings.TrimSpace(body.Content)
	if body.Kind == "" {
		body.Kind = model.MessageKindText
	}
	switch {
	case !model.ValidParticipantID(body.ReceiverID):
		writeError(w, http.StatusBadRequest, "receiver_id required")
		return nil, false
	case body.ReceiverID == sender.ID:
		writeError(w, http.StatusBadRequest, "cannot send a message to yourself")
		return nil, false
	case !body.Kind.Valid():
		writeError(w, http.StatusBadRequest, "unknown message kind")
		return nil, false
	case body.Content == "" && len(body.Attachments) == 0:
		writeError(w, http.StatusBadRequest, "content required")
		return nil, false
	case utf8.RuneCountInString(body.Content) > maxContentLength:
		writeError(w, http.StatusBadRequest, "content too long")
		return nil, false
	}

	ctx := r.Context()
	if err := h.parts.Upsert(ctx, sender); err != nil {
		logger.Errorf("upsert sender %s: %v", sender.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to send message")
		return nil, false
	}
	if err := h.parts.Upsert(ctx, model.Participant{ID: body.ReceiverID}); err != nil {
		logger.Errorf("upsert receiver %s: %v", body.ReceiverID, err)
		writeError(w, http.StatusInternalServerError, "failed to send message")
		return nil, false
	}

	msg := &model.Message{
		ID:             uuid.NewString(),
		ConversationID: model.ConversationID(sender.ID, body.ReceiverID),
		SenderID:       sender.ID,
		ReceiverID:     body.ReceiverID,
		Content:        body.Content,
		Kind:           body.Kind,
		Attachments:    body.Attachments,
		Metadata:       body.Metadata,
		CreatedAt:      h.now().UTC(),
	}
	if err := h.msgs.Create(ctx, msg); err != nil {
		logger.Errorf("create message conv=%s: %v", msg.ConversationID, err)
		writeError(w, http.StatusInternalServerError, "failed to send message")
		return nil, false
	}
	stored := h.participant(ctx, sender.ID)
	receiver := h.participant(ctx, body.ReceiverID)
	msg.Sender, msg.Receiver = &stored, &receiver

	h.invalidate(ctx, sender.ID, body.ReceiverID)
	logger.Debugf("message %s sent conv=%s", msg.ID, msg.ConversationID)
	return msg, true
}

// Refresh сбрасывает кеш списка диалогов вызывающего.
func (h *ConversationHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	h.invalidate(r.Context(), middleware.GetUserID(r.Context()))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// otherParty проверяет, что userID — участник convID, и возвращает второго участника.
func (h *ConversationHandler) otherParty(w http.ResponseWriter, convID, userID string) (string, bool) {
	a, b, ok := model.SplitConversationID(convID)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return "", false
	}
	switch userID {
	case a:
		return b, true
	case b:
		return a, true
	}
	writeError(w, http.StatusForbidden, "not a participant")
	return "", false
}

func (h *ConversationHandler) participant(ctx context.Context, id string) model.Participant {
	p, err := h.parts.GetByID(ctx, id)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			logger.Errorf("get participant %s: %v", id, err)
		}
		return model.Participant{ID: id}
	}
	return *p
}

func (h *ConversationHandler) invalidate(ctx context.Context, userIDs ...string) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Invalidate(ctx, userIDs...); err != nil {
		logger.Errorf("conversations cache invalidate %v: %v", userIDs, err)
	}
}
