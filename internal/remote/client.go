// Package remote wraps the backend's request/response API. It injects auth
// headers on every call and retries exactly once after an authorization
// failure by refreshing the token.
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

	"github.com/loom-chat/loom/internal/store"
	"go.uber.org/zap"
)

// DefaultTimeout bounds a single backend call.
const DefaultTimeout = 30 * time.Second

// Client is the HTTP backend client.
type Client struct {
	baseURL    string
	auth       AuthProvider
	httpClient *http.Client
	logger     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a backend client for the given base address.
func NewClient(baseURL string, auth AuthProvider, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		auth:    auth,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MessageDraft is the payload for creating a message. ClientID threads the
// caller's temporary id through the round trip so the server echo can carry
// it back.
type MessageDraft struct {
	ClientID    string             `json:"client_id,omitempty"`
	Content     string             `json:"content"`
	ContentType store.ContentType  `json:"content_type"`
	ReplyTo     string             `json:"reply_to,omitempty"`
	Attachments []store.Attachment `json:"attachments,omitempty"`
}

// ListConversations fetches a page of conversations.
func (c *Client) ListConversations(ctx context.Context, limit, offset int) ([]store.Conversation, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		query.Set("offset", strconv.Itoa(offset))
	}
	var convs []store.Conversation
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, query, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// GetConversation fetches one conversation. A 404 yields (nil, nil).
func (c *Client) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	var conv store.Conversation
	err := c.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(id), nil, nil, &conv)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// CreateDirectConversation opens (or returns the existing) direct
// conversation with a user.
func (c *Client) CreateDirectConversation(ctx context.Context, userID string) (*store.Conversation, error) {
	var conv store.Conversation
	body := map[string]string{"user_id": userID}
	if err := c.do(ctx, http.MethodPost, "/api/conversations/direct", body, nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// CreateGroupConversation creates a group conversation.
func (c *Client) CreateGroupConversation(ctx context.Context, title string, participants []string) (*store.Conversation, error) {
	var conv store.Conversation
	body := map[string]any{"title": title, "participants": participants}
	if err := c.do(ctx, http.MethodPost, "/api/conversations/group", body, nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

type messagePage struct {
	Messages   []store.Message `json:"messages"`
	NextCursor string          `json:"next_cursor"`
}

// ListMessages fetches a page of messages for a conversation. cursor is the
// opaque continuation token from a previous page, "" for the newest page.
func (c *Client) ListMessages(ctx context.Context, conversationID string, limit int, cursor string) ([]store.Message, string, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	var page messagePage
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, query, &page); err != nil {
		return nil, "", err
	}
	return page.Messages, page.NextCursor, nil
}

// CreateMessage posts a new message and returns the server-confirmed record.
func (c *Client) CreateMessage(ctx context.Context, conversationID string, draft *MessageDraft) (*store.Message, error) {
	var msg store.Message
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, draft, nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// EditMessage rewrites a message's content and returns the updated record.
func (c *Client) EditMessage(ctx context.Context, conversationID, msgID, content string) (*store.Message, error) {
	var msg store.Message
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages/" + url.PathEscape(msgID)
	body := map[string]string{"content": content}
	if err := c.do(ctx, http.MethodPatch, path, body, nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// DeleteMessage removes a message. A 404 is treated as already deleted.
func (c *Client) DeleteMessage(ctx context.Context, conversationID, msgID string) error {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages/" + url.PathEscape(msgID)
	err := c.do(ctx, http.MethodDelete, path, nil, nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// MarkRead reports the given messages as read in a conversation.
func (c *Client) MarkRead(ctx context.Context, conversationID string, messageIDs []string) error {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/read"
	body := map[string]any{"message_ids": messageIDs}
	return c.do(ctx, http.MethodPost, path, body, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body any, query url.Values, out any) error {
	resp, err := c.issue(ctx, method, path, body, query)
	if err != nil {
		return &NetworkError{Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		status := resp.StatusCode
		msg := readErrorBody(resp)
		c.logger.Debug("auth failure, refreshing token", zap.Int("status", status))
		if err := c.auth.Refresh(ctx); err != nil {
			return &AuthError{Status: status, Message: msg, RefreshFailed: true}
		}
		resp, err = c.issue(ctx, method, path, body, query)
		if err != nil {
			return &NetworkError{Err: err}
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return &AuthError{Status: resp.StatusCode, Message: readErrorBody(resp)}
		}
	}

	switch {
	case resp.StatusCode >= 500:
		return &ServerError{Status: resp.StatusCode, Message: readErrorBody(resp)}
	case resp.StatusCode >= 400:
		return &ClientError{Status: resp.StatusCode, Message: readErrorBody(resp)}
	}

	defer func() { _ = resp.Body.Close() }()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) issue(ctx context.Context, method, path string, body any, query url.Values) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	headers, err := c.auth.AuthHeaders(ctx)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return c.httpClient.Do(req)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func readErrorBody(resp *http.Response) string {
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || len(data) == 0 {
		return resp.Status
	}
	var eb errorBody
	if json.Unmarshal(data, &eb) == nil {
		if eb.Error != "" {
			return eb.Error
		}
		if eb.Message != "" {
			return eb.Message
		}
	}
	return string(data)
}
