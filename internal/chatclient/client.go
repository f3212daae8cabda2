package chatclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/joelkehle/farmchat/internal/chat"
)

// APIError is a non-2xx response decoded from the server's error payload.
type APIError struct {
	Status     int
	Code       string
	Message    string
	Transient  bool
	RetryAfter int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (status=%d): %s", e.Code, e.Status, e.Message)
}

type Options struct {
	HTTP *http.Client

	// MaxRetryTime bounds how long Send keeps retrying transient failures.
	MaxRetryTime time.Duration
	MaxTries     uint

	// InitialInterval is the first backoff delay; later delays grow from it.
	InitialInterval time.Duration
}

type Client struct {
	baseURL  string
	token    string
	http     *http.Client
	stream   *http.Client
	maxRetry time.Duration
	maxTries uint
	initial  time.Duration
}

// NewClient talks to a chat server as the participant the bearer token was
// issued for.
func NewClient(baseURL, token string, opts Options) *Client {
	if opts.HTTP == nil {
		opts.HTTP = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.MaxRetryTime <= 0 {
		opts.MaxRetryTime = 30 * time.Second
	}
	if opts.MaxTries == 0 {
		opts.MaxTries = 5
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = backoff.DefaultInitialInterval
	}
	stream := *opts.HTTP
	stream.Timeout = 0
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		http:     opts.HTTP,
		stream:   &stream,
		maxRetry: opts.MaxRetryTime,
		maxTries: opts.MaxTries,
		initial:  opts.InitialInterval,
	}
}

func (c *Client) DoJSON(ctx context.Context, method, path string, payload []byte, headers map[string]string) ([]byte, int, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	blob, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return blob, resp.StatusCode, decodeAPIError(resp, blob)
	}
	return blob, resp.StatusCode, nil
}

func decodeAPIError(resp *http.Response, blob []byte) error {
	var payload struct {
		Error struct {
			Code       string `json:"code"`
			Message    string `json:"message"`
			Transient  bool   `json:"transient"`
			RetryAfter int    `json:"retry_after"`
		} `json:"error"`
	}
	apiErr := &APIError{Status: resp.StatusCode}
	if err := json.Unmarshal(blob, &payload); err == nil && payload.Error.Code != "" {
		apiErr.Code = payload.Error.Code
		apiErr.Message = payload.Error.Message
		apiErr.Transient = payload.Error.Transient
		apiErr.RetryAfter = payload.Error.RetryAfter
		return apiErr
	}
	apiErr.Code = chat.CodeInternal
	apiErr.Message = strings.TrimSpace(string(blob))
	apiErr.Transient = resp.StatusCode >= 500
	if n, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
		apiErr.RetryAfter = n
	}
	return apiErr
}

// IsTransient reports whether err is worth retrying with the same
// idempotency token. Transport errors count as transient.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient
	}
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

type SendRequest struct {
	RecipientID      string `json:"recipient_id"`
	Text             string `json:"text,omitempty"`
	MediaRef         string `json:"media_ref,omitempty"`
	ContextID        string `json:"context_id,omitempty"`
	IdempotencyToken string `json:"idempotency_token"`
}

type SendResult struct {
	Message   chat.Message `json:"message"`
	Duplicate bool         `json:"duplicate"`
}

// Send posts a message, retrying transient failures with exponential
// backoff. Every attempt reuses one idempotency token, generated when the
// caller did not supply one, so a retry never creates a second message.
func (c *Client) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if strings.TrimSpace(req.IdempotencyToken) == "" {
		req.IdempotencyToken = uuid.NewString()
	}
	blob, err := json.Marshal(req)
	if err != nil {
		return SendResult{}, err
	}
	op := func() (SendResult, error) {
		out, _, err := c.DoJSON(ctx, http.MethodPost, "/v1/messages", blob, nil)
		if err != nil {
			if !IsTransient(err) {
				return SendResult{}, backoff.Permanent(err)
			}
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
				return SendResult{}, errors.Join(err, backoff.RetryAfter(apiErr.RetryAfter))
			}
			return SendResult{}, err
		}
		var res SendResult
		if err := json.Unmarshal(out, &res); err != nil {
			return SendResult{}, backoff.Permanent(err)
		}
		return res, nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initial
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(c.maxRetry),
		backoff.WithMaxTries(c.maxTries))
}

func (c *Client) Conversations(ctx context.Context, pageSize int, pageToken string) (chat.ConversationPage, error) {
	q := url.Values{}
	if pageSize > 0 {
		q.Set("page_size", strconv.Itoa(pageSize))
	}
	if pageToken != "" {
		q.Set("page_token", pageToken)
	}
	path := "/v1/conversations"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var page chat.ConversationPage
	out, _, err := c.DoJSON(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return page, err
	}
	err = json.Unmarshal(out, &page)
	return page, err
}

// ConversationKey resolves the key shared with another participant, for
// opening a conversation that has no messages yet.
func (c *Client) ConversationKey(ctx context.Context, with, contextID string) (chat.ConversationKey, error) {
	q := url.Values{}
	q.Set("with", with)
	if contextID != "" {
		q.Set("context", contextID)
	}
	out, _, err := c.DoJSON(ctx, http.MethodGet, "/v1/conversations/key?"+q.Encode(), nil, nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		Key chat.ConversationKey `json:"conversation_key"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return "", err
	}
	return resp.Key, nil
}

type MessagesQuery struct {
	Since  time.Time
	Cursor string
	Limit  int
}

func (c *Client) Messages(ctx context.Context, key chat.ConversationKey, query MessagesQuery) (chat.MessagePage, error) {
	q := url.Values{}
	if !query.Since.IsZero() {
		q.Set("since", query.Since.UTC().Format(time.RFC3339Nano))
	}
	if query.Cursor != "" {
		q.Set("cursor", query.Cursor)
	}
	if query.Limit > 0 {
		q.Set("limit", strconv.Itoa(query.Limit))
	}
	path := conversationPath(key, "messages")
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var page chat.MessagePage
	out, _, err := c.DoJSON(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return page, err
	}
	err = json.Unmarshal(out, &page)
	return page, err
}

func (c *Client) MarkRead(ctx context.Context, key chat.ConversationKey) (int, error) {
	return c.mark(ctx, conversationPath(key, "read"))
}

func (c *Client) MarkAllRead(ctx context.Context) (int, error) {
	return c.mark(ctx, "/v1/read")
}

func (c *Client) mark(ctx context.Context, path string) (int, error) {
	out, _, err := c.DoJSON(ctx, http.MethodPost, path, []byte("{}"), nil)
	if err != nil {
		return 0, err
	}
	var resp struct {
		Marked int `json:"marked"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return 0, err
	}
	return resp.Marked, nil
}

func conversationPath(key chat.ConversationKey, action string) string {
	return "/v1/conversations/" + url.PathEscape(string(key)) + "/" + action
}

// Events streams live events to fn until ctx is done or the server closes
// the stream. Events are notifications only: after a reconnect the caller
// re-fetches conversations to catch up.
func (c *Client) Events(ctx context.Context, fn func(chat.Event)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		blob, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp, blob)
	}

	scanner := bufio.NewScanner(resp.Body)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				var evt chat.Event
				if err := json.Unmarshal([]byte(data.String()), &evt); err == nil {
					fn(evt)
				}
				data.Reset()
			}
		case strings.HasPrefix(line, "data: "):
			data.WriteString(strings.TrimPrefix(line, "data: "))
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return scanner.Err()
}
