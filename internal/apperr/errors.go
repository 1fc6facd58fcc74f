// Package apperr — классы ошибок движка синхронизации переписки.
// Каждая ошибка несёт Kind; errors.Is сравнивает по Kind, поэтому вызывающий код
// проверяет класс, а не конкретный экземпляр: errors.Is(err, apperr.ErrSessionExpired).
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindSessionExpired   Kind = "session_expired"
	KindTransientFetch   Kind = "transient_fetch"
	KindSendFailure      Kind = "send_failure"
	KindMalformedPayload Kind = "malformed_payload"
	KindInvalidInput     Kind = "invalid_input"
)

// Error — ошибка с классом и человекочитаемым сообщением (для показа в UI).
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is совпадает с любой *Error того же Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinel-значения для errors.Is.
var (
	ErrSessionExpired   = &Error{Kind: KindSessionExpired, Message: "session expired"}
	ErrTransientFetch   = &Error{Kind: KindTransientFetch, Message: "fetch failed"}
	ErrSendFailure      = &Error{Kind: KindSendFailure, Message: "send failed"}
	ErrMalformedPayload = &Error{Kind: KindMalformedPayload, Message: "malformed payload"}
	ErrInvalidInput     = &Error{Kind: KindInvalidInput, Message: "invalid input"}
)

func SessionExpired(err error) *Error {
	return &Error{Kind: KindSessionExpired, Message: "сессия истекла, требуется повторный вход", Err: err}
}

// TransientFetch — сбой сети/сервера при загрузке списка или треда; состояние не меняется,
// повтор только по явному действию пользователя.
func TransientFetch(message string, err error) *Error {
	return &Error{Kind: KindTransientFetch, Message: message, Err: err}
}

// SendFailure — сообщение не подтверждено сервером; локально ничего не добавлено.
func SendFailure(message string, err error) *Error {
	return &Error{Kind: KindSendFailure, Message: message, Err: err}
}

func MalformedPayload(message string, err error) *Error {
	return &Error{Kind: KindMalformedPayload, Message: message, Err: err}
}

func InvalidInput(message string) *Error {
	return &Error{Kind: KindInvalidInput, Message: message}
}

// IsKind сообщает, относится ли err к классу k.
func IsKind(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// UserMessage возвращает текст для показа пользователю.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
