// Package engicom is the Go SDK for the Engicom community chat backend.
//
// It covers the REST surface for chats, messages and notifications, the
// realtime push transport, and a client-side sync engine that keeps a local
// view of conversations consistent across optimistic writes, REST responses
// and push events.
//
// Example:
//
//	client := engicom.NewClient(token, engicom.WithBaseURL("https://api.engicom.dev"))
//	eng, _ := engicom.NewEngine(client, nil)
//	_ = eng.Login(ctx, token)
//	defer eng.Logout()
//
//	eng.View.OpenConversation("chat-1")
//	msgs, _ := eng.Cache.Messages(ctx, "chat-1")
//	eng.Pipeline.Send(ctx, engicom.SendRequest{ConversationID: "chat-1", RecipientID: "u-2", Draft: engicom.Draft{Content: "hi"}})
package engicom

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://api.engicom.dev"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	mu    sync.RWMutex
	token string

	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *zap.Logger

	Chats         *ChatsClient
	Messages      *MessagesClient
	Notifications *NotificationsClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithRateLimit caps outgoing REST requests to rps with the given burst.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// NewClient creates a new REST client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.Chats = &ChatsClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Notifications = &NotificationsClient{c: c}
	return c
}

// SetToken replaces the bearer token, e.g. after re-authentication.
// It is safe to call while requests are in flight.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// BaseURL returns the REST base URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	var bodyReader io.Reader
	contentType := ""
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
		contentType = "application/json"
	}
	return c.do(ctx, method, path, bodyReader, contentType, query)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limit wait: %w", ErrNetwork, err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Debug("request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("%w: %s %s: %w", ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrNetwork, err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
			if apiErr.Message == "" {
				apiErr.Message = http.StatusText(resp.StatusCode)
			}
		}
		c.log.Debug("request rejected",
			zap.String("method", method), zap.String("path", path), zap.Int("status", resp.StatusCode))
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return &result, nil
}

// ============================================================================
// Chats
// ============================================================================

// ChatsClient handles conversation endpoints.
type ChatsClient struct{ c *Client }

func (cc *ChatsClient) List(ctx context.Context) ([]Conversation, error) {
	data, err := cc.c.doRequest(ctx, http.MethodGet, "/chats", nil, nil)
	if err != nil {
		return nil, err
	}
	out, err := decodeJSON[[]Conversation](data)
	if err != nil {
		return nil, err
	}
	return *out, nil
}

func (cc *ChatsClient) Get(ctx context.Context, chatID string) (*Conversation, error) {
	data, err := cc.c.doRequest(ctx, http.MethodGet, "/chats/"+url.PathEscape(chatID), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](data)
}

// Create returns the conversation between the caller and secondID, creating
// it on first use. Repeating the call returns the same conversation.
func (cc *ChatsClient) Create(ctx context.Context, secondID string) (*Conversation, error) {
	data, err := cc.c.doRequest(ctx, http.MethodPost, "/chats", map[string]string{"secondId": secondID}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](data)
}

func (cc *ChatsClient) Delete(ctx context.Context, chatID string) error {
	_, err := cc.c.doRequest(ctx, http.MethodDelete, "/chats/"+url.PathEscape(chatID), nil, nil)
	return err
}

// ============================================================================
// Messages
// ============================================================================

// MessagesClient handles message endpoints.
type MessagesClient struct{ c *Client }

func (mc *MessagesClient) List(ctx context.Context, chatID string) ([]Message, error) {
	data, err := mc.c.doRequest(ctx, http.MethodGet, "/messages/"+url.PathEscape(chatID), nil, nil)
	if err != nil {
		return nil, err
	}
	out, err := decodeJSON[[]Message](data)
	if err != nil {
		return nil, err
	}
	return *out, nil
}

// Send posts a message. Drafts with attachments go out as multipart/form-data
// and report upload progress through onProgress (may be nil).
func (mc *MessagesClient) Send(ctx context.Context, chatID string, draft Draft, onProgress func(sent, total int64)) (*Message, error) {
	path := "/messages/" + url.PathEscape(chatID)
	if len(draft.Attachments) == 0 {
		data, err := mc.c.doRequest(ctx, http.MethodPost, path, map[string]string{"content": draft.Content}, nil)
		if err != nil {
			return nil, err
		}
		return decodeJSON[Message](data)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if draft.Content != "" {
		_ = w.WriteField("content", draft.Content)
	}
	for _, up := range draft.Attachments {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, up.Name))
		mimeType := up.MimeType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		h.Set("Content-Type", mimeType)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := part.Write(up.Data); err != nil {
			return nil, fmt.Errorf("failed to write file data: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart body: %w", err)
	}

	var body io.Reader = &buf
	if onProgress != nil {
		body = &progressReader{r: &buf, total: int64(buf.Len()), onProgress: onProgress}
	}
	data, err := mc.c.do(ctx, http.MethodPost, path, body, w.FormDataContentType(), nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}

func (mc *MessagesClient) Update(ctx context.Context, messageID, content string) (*Message, error) {
	data, err := mc.c.doRequest(ctx, http.MethodPatch, "/messages/update/"+url.PathEscape(messageID),
		map[string]string{"content": content}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}

func (mc *MessagesClient) Delete(ctx context.Context, messageID string) error {
	_, err := mc.c.doRequest(ctx, http.MethodDelete, "/messages/delete/"+url.PathEscape(messageID), nil, nil)
	return err
}

// MarkRead marks every message of the chat as read for the caller.
func (mc *MessagesClient) MarkRead(ctx context.Context, chatID string) error {
	_, err := mc.c.doRequest(ctx, http.MethodPatch, "/messages/read/"+url.PathEscape(chatID), nil, nil)
	return err
}

type progressReader struct {
	r          io.Reader
	sent       int64
	total      int64
	onProgress func(sent, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.onProgress(p.sent, p.total)
	}
	return n, err
}

// ============================================================================
// Notifications
// ============================================================================

// NotificationsClient handles notification endpoints.
type NotificationsClient struct{ c *Client }

func (nc *NotificationsClient) List(ctx context.Context) ([]Notification, error) {
	data, err := nc.c.doRequest(ctx, http.MethodGet, "/notifications", nil, nil)
	if err != nil {
		return nil, err
	}
	out, err := decodeJSON[[]Notification](data)
	if err != nil {
		return nil, err
	}
	return *out, nil
}

func (nc *NotificationsClient) MarkRead(ctx context.Context, id string) error {
	_, err := nc.c.doRequest(ctx, http.MethodPatch, "/notifications/"+url.PathEscape(id)+"/read", nil, nil)
	return err
}

func (nc *NotificationsClient) MarkAllRead(ctx context.Context, filter NotificationFilter) error {
	var query map[string]string
	if filter != FilterAll {
		query = map[string]string{"type": string(filter)}
	}
	_, err := nc.c.doRequest(ctx, http.MethodPatch, "/notifications/mark-all-read", nil, query)
	return err
}

// isCanceled reports whether err came from the caller abandoning the request.
func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
