// Package remote — request/response клиент бэкенда сообщений.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/convsync/internal/apperr"
	"github.com/convsync/internal/logger"
	"github.com/convsync/internal/model"
)

const maxErrorBody = 4096

// ConversationPage — снимок списка диалогов с сервера.
type ConversationPage struct {
	Conversations []model.Conversation `json:"conversations"`
	TotalUnread   int                  `json:"total_unread"`
	Pagination    model.Pagination     `json:"pagination"`
}

// ThreadPage — страница переписки, новые первыми.
// Запрос помечает диалог прочитанным на сервере.
type ThreadPage struct {
	Messages   []model.Message   `json:"messages"`
	OtherUser  model.Participant `json:"other_user"`
	Pagination model.Pagination  `json:"pagination"`
}

type SendRequest struct {
	ReceiverID  string             `json:"receiver_id"`
	Content     string             `json:"content"`
	Kind        model.MessageKind  `json:"kind"`
	Attachments []model.Attachment `json:"attachments,omitempty"`
	Metadata    map[string]string  `json:"metadata,omitempty"`
}

type SendResult struct {
	Message        model.Message `json:"message"`
	ConversationID string        `json:"conversation_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// TokenSource отдаёт bearer-токен текущей сессии.
type TokenSource func() string

// StaticToken — TokenSource с фиксированным токеном.
func StaticToken(token string) TokenSource {
	return func() string { return token }
}

type Client struct {
	baseURL    string
	token      TokenSource
	httpClient *http.Client
}

// NewClient создаёт клиент для baseURL. httpClient может быть nil.
func NewClient(baseURL string, token TokenSource, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if token == nil {
		token = StaticToken("")
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

// Conversations запрашивает страницу диалогов вызывающего.
func (c *Client) Conversations(ctx context.Context, page, limit int) (*ConversationPage, error) {
	defer logger.DeferLogDuration("remote.Conversations", time.Now())()
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	var out ConversationPage
	if err := c.do(ctx, http.MethodGet, "/api/conversations?"+q.Encode(), nil, &out, fetchFailure("не удалось загрузить диалоги")); err != nil {
		return nil, err
	}
	if out.Conversations == nil {
		out.Conversations = []model.Conversation{}
	}
	return &out, nil
}

// Thread запрашивает страницу переписки. Побочный эффект: сервер помечает
// диалог прочитанным для вызывающего.
func (c *Client) Thread(ctx context.Context, conversationID string, page, limit int) (*ThreadPage, error) {
	defer logger.DeferLogDuration("remote.Thread", time.Now())()
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages?" + q.Encode()
	var out ThreadPage
	if err := c.do(ctx, http.MethodGet, path, nil, &out, fetchFailure("не удалось загрузить переписку")); err != nil {
		return nil, err
	}
	return &out, nil
}

// Send отправляет сообщение участнику; диалог создаётся первым сообщением.
func (c *Client) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	defer logger.DeferLogDuration("remote.Send", time.Now())()
	var out SendResult
	if err := c.do(ctx, http.MethodPost, "/api/messages", req, &out, apperr.SendFailure); err != nil {
		return nil, err
	}
	if out.ConversationID == "" {
		out.ConversationID = out.Message.ConversationID
	}
	return &out, nil
}

// SendToConversation отправляет сообщение в существующий диалог.
func (c *Client) SendToConversation(ctx context.Context, conversationID string, req SendRequest) (*model.Message, error) {
	defer logger.DeferLogDuration("remote.SendToConversation", time.Now())()
	var out struct {
		Message model.Message `json:"message"`
	}
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, req, &out, apperr.SendFailure); err != nil {
		return nil, err
	}
	return &out.Message, nil
}

// Refresh просит сервер сбросить кеш вызывающего.
func (c *Client) Refresh(ctx context.Context) error {
	defer logger.DeferLogDuration("remote.Refresh", time.Now())()
	return c.do(ctx, http.MethodPost, "/api/conversations/refresh", nil, nil, fetchFailure("не удалось обновить данные"))
}

type failureFunc func(message string, err error) *apperr.Error

func fetchFailure(fallback string) failureFunc {
	return func(message string, err error) *apperr.Error {
		if message == "" {
			message = fallback
		}
		return apperr.TransientFetch(message, err)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, fail failureFunc) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fail("", fmt.Errorf("remote: encode request: %w", err))
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fail("", fmt.Errorf("remote: build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fail("сервер недоступен", fmt.Errorf("remote: %s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return apperr.SessionExpired(fmt.Errorf("remote: %s %s: status %d", method, path, resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var er errorResponse
		_ = json.Unmarshal(raw, &er)
		return fail(er.Error, fmt.Errorf("remote: %s %s: status %d", method, path, resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fail("", fmt.Errorf("remote: decode %s %s: %w", method, path, err))
	}
	return nil
}
