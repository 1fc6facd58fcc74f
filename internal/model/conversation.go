package model

import (
	"sort"
	"strings"
	"time"
)

// conversationSep разделяет id участников внутри id диалога; в id участника его быть не должно.
const conversationSep = ":"

// ConversationID — id диалога a и b, не зависит от порядка аргументов.
func ConversationID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + conversationSep + b
}

// SplitConversationID возвращает id обоих участников в отсортированном порядке.
func SplitConversationID(id string) (a, b string, ok bool) {
	a, b, ok = strings.Cut(id, conversationSep)
	if !ok || a == "" || b == "" || strings.Contains(b, conversationSep) || a > b {
		return "", "", false
	}
	return a, b, true
}

// ValidParticipantID — может ли id входить в id диалога.
func ValidParticipantID(id string) bool {
	return strings.TrimSpace(id) != "" && !strings.Contains(id, conversationSep)
}

// LastMessageSummary — денормализованная копия последнего сообщения для списка.
type LastMessageSummary struct {
	MessageID string      `json:"message_id,omitempty"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
	Read      bool        `json:"read"`
	SenderID  string      `json:"sender_id"`
	Kind      MessageKind `json:"kind"`
}

type Conversation struct {
	ConversationID   string             `json:"conversation_id"`
	OtherParticipant Participant        `json:"other_participant"`
	LastMessage      LastMessageSummary `json:"last_message"`
	UnreadCount      int                `json:"unread_count"`
}

// SortByRecent сортирует по времени последнего сообщения, новые первыми.
// Равные сохраняют порядок.
func SortByRecent(convs []Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].LastMessage.CreatedAt.After(convs[j].LastMessage.CreatedAt)
	})
}

// TotalUnread — общий счётчик, всегда сумма по диалогам.
func TotalUnread(convs []Conversation) int {
	n := 0
	for i := range convs {
		n += convs[i].UnreadCount
	}
	return n
}

type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
}

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// NormalizePage приводит page и limit к допустимому диапазону.
func NormalizePage(page, limit int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	return page, limit
}

// Offset — смещение строк для нормализованной страницы.
func (p Pagination) Offset() int {
	return (p.Page - 1) * p.Limit
}
