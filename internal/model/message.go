package model

import (
	"errors"
	"strings"
	"time"
)

type MessageKind string

const (
	MessageKindText   MessageKind = "text"
	MessageKindImage  MessageKind = "image"
	MessageKindFile   MessageKind = "file"
	MessageKindSystem MessageKind = "system"
)

// Valid — известный ли это тип сообщения.
func (k MessageKind) Valid() bool {
	switch k {
	case MessageKindText, MessageKindImage, MessageKindFile, MessageKindSystem:
		return true
	}
	return false
}

// Attachment — то, что возвращает загрузка файлов; сообщение только ссылается на него.
type Attachment struct {
	Kind MessageKind `json:"kind"`
	URL  string      `json:"url"`
	Name string      `json:"name,omitempty"`
	Size int64       `json:"size,omitempty"`
}

type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	SenderID       string            `json:"sender_id"`
	ReceiverID     string            `json:"receiver_id"`
	Content        string            `json:"content"`
	Kind           MessageKind       `json:"kind"`
	Attachments    []Attachment      `json:"attachments,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Read           bool              `json:"read"`
	CreatedAt      time.Time         `json:"created_at"`
	Sender         *Participant      `json:"sender,omitempty"`
	Receiver       *Participant      `json:"receiver,omitempty"`
}

var (
	ErrMissingID            = errors.New("message: id required")
	ErrMissingParticipants  = errors.New("message: sender_id and receiver_id required")
	ErrSelfAddressed        = errors.New("message: sender and receiver are the same participant")
	ErrUnknownKind          = errors.New("message: unknown kind")
	ErrConversationMismatch = errors.New("message: conversation_id does not match participants")
)

// Validate проверяет поля, на которые опирается любой потребитель сообщения.
// Payload из канала рассылки проверяется до merge.
func (m *Message) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return ErrMissingID
	}
	if m.SenderID == "" || m.ReceiverID == "" {
		return ErrMissingParticipants
	}
	if m.SenderID == m.ReceiverID {
		return ErrSelfAddressed
	}
	if !m.Kind.Valid() {
		return ErrUnknownKind
	}
	if m.ConversationID != ConversationID(m.SenderID, m.ReceiverID) {
		return ErrConversationMismatch
	}
	return nil
}

// OtherParticipant — снимок участника, который не selfID. Если снимка в
// сообщении нет, возвращается только id.
func (m *Message) OtherParticipant(selfID string) Participant {
	if m.SenderID == selfID {
		if m.Receiver != nil {
			return *m.Receiver
		}
		return Participant{ID: m.ReceiverID}
	}
	if m.Sender != nil {
		return *m.Sender
	}
	return Participant{ID: m.SenderID}
}

// Summary строит денормализованную копию для диалога.
func (m *Message) Summary() LastMessageSummary {
	return LastMessageSummary{
		MessageID: m.ID,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
		Read:      m.Read,
		SenderID:  m.SenderID,
		Kind:      m.Kind,
	}
}

// ReadReceipt: диалог полностью прочитан ReaderID на момент ReadAt.
// Это не подтверждение отдельного сообщения.
type ReadReceipt struct {
	ConversationID string    `json:"conversation_id"`
	ReaderID       string    `json:"reader_id"`
	ReadAt         time.Time `json:"read_at,omitempty"`
}

var ErrInvalidReceipt = errors.New("read receipt: conversation_id and reader_id required")

func (r *ReadReceipt) Validate() error {
	if r.ConversationID == "" || r.ReaderID == "" {
		return ErrInvalidReceipt
	}
	return nil
}
