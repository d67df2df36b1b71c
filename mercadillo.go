// Package mercadillo provides the Go SDK for the Mercadillo marketplace chat
// system.
//
// The core of the package is the chat synchronization engine: it keeps a
// user's conversation list and message threads consistent across an
// optimistic local write path, a realtime push transport, and a periodic
// polling path, with message ordering, idempotent merging, and de-duplicated
// notifications.
//
// Example:
//
//	client := mercadillo.NewClient(token)
//
//	engine := mercadillo.NewEngine(client,
//		mercadillo.WithNotifier(myToasts),
//	)
//	engine.SetCredential(token)
//	engine.Start(ctx)
//
//	engine.OpenChat(ctx, mercadillo.OpenChatInput{SellerID: "s1", CustomerID: "c1"})
//	engine.SendMessage(ctx, "hola")
package mercadillo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	DefaultBaseURL = "https://mercadillo.app"
	DefaultTimeout = 30 * time.Second
)

// deleteRoutes are the candidate route templates for conversation deletion,
// tried in order. The backend's exact route shape is not guaranteed stable
// across deployments; the first route that answers anything other than
// 404/405 wins.
var deleteRoutes = []string{
	"/api/chat/conversations/%s",
	"/api/conversations/%s",
	"/api/chat/%s",
}

// ============================================================================
// Client
// ============================================================================

// Client performs conversation and message operations against the Mercadillo
// backend, normalizing its heterogeneous response shapes into the canonical
// entity model.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
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

// NewClient creates a new Mercadillo client. token may be "" for a signed-out
// session; every chat operation then fails with ErrNotAuthenticated.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the stored credential.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the stored credential.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// BaseURL returns the configured backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Identity resolves the current user from the stored credential. The zero
// Identity means not signed in.
func (c *Client) Identity() Identity {
	return ResolveIdentity(c.Token())
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) (json.RawMessage, int, error) {
	token := c.Token()
	if token == "" {
		return nil, 0, ErrNotAuthenticated
	}

	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return data, resp.StatusCode, apiError(resp.StatusCode, data)
	}
	return data, resp.StatusCode, nil
}

// apiError converts a non-2xx response body into an *APIError, tolerating
// the error layouts the backend has used.
func apiError(status int, data []byte) *APIError {
	var wrapped struct {
		Error   *APIError `json:"error"`
		Code    string    `json:"code"`
		Message string    `json:"message"`
	}
	if json.Unmarshal(data, &wrapped) == nil {
		if wrapped.Error != nil && wrapped.Error.Message != "" {
			wrapped.Error.Status = status
			if wrapped.Error.Code == "" {
				wrapped.Error.Code = http.StatusText(status)
			}
			return wrapped.Error
		}
		if wrapped.Message != "" {
			code := wrapped.Code
			if code == "" {
				code = http.StatusText(status)
			}
			return &APIError{Code: code, Message: wrapped.Message, Status: status}
		}
	}
	return &APIError{
		Code:    http.StatusText(status),
		Message: fmt.Sprintf("backend returned HTTP %d", status),
		Status:  status,
	}
}

// ============================================================================
// Chat Operations
// ============================================================================

// CreateConversationInput names the participants of a new thread.
type CreateConversationInput struct {
	ParticipantIDs []string `json:"participantIds"`
	Product        string   `json:"product,omitempty"`
}

// SendMessageInput carries an outgoing message.
type SendMessageInput struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

// ListConversations returns the user's conversations ordered by recency.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	data, _, err := c.doRequest(ctx, http.MethodGet, "/api/chat/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	list := normalizeConversationList(data)
	sortConversationsByRecency(list)
	return list, nil
}

// GetMessages returns the full ordered message list for a thread.
func (c *Client) GetMessages(ctx context.Context, conversationID string) ([]Message, error) {
	path := "/api/chat/conversations/" + url.PathEscape(conversationID) + "/messages"
	data, _, err := c.doRequest(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	return normalizeMessageList(data, conversationID, c.Identity().UserID), nil
}

// CreateConversation creates a thread between the given participants. Callers
// are expected to reuse an existing local thread first; the engine does.
func (c *Client) CreateConversation(ctx context.Context, input CreateConversationInput) (*Conversation, error) {
	data, _, err := c.doRequest(ctx, http.MethodPost, "/api/chat/conversations", input, nil)
	if err != nil {
		return nil, err
	}
	conv := normalizeConversation(recordObject(data, "conversation", "chat", "data"))
	if conv.ID == "" {
		return nil, &APIError{Code: "BAD_RESPONSE", Message: "conversation id missing from response"}
	}
	conv.ParticipantIDs = mergeParticipants(conv.ParticipantIDs, input.ParticipantIDs)
	return &conv, nil
}

// SendMessage delivers a message and returns the server-confirmed record.
func (c *Client) SendMessage(ctx context.Context, input SendMessageInput) (*Message, error) {
	path := "/api/chat/conversations/" + url.PathEscape(input.ConversationID) + "/messages"
	data, _, err := c.doRequest(ctx, http.MethodPost, path, map[string]string{"content": input.Content}, nil)
	if err != nil {
		return nil, err
	}
	msg := normalizeMessage(recordObject(data, "message", "data"), c.Identity().UserID)
	if msg.ID == "" {
		return nil, &APIError{Code: "BAD_RESPONSE", Message: "message id missing from response"}
	}
	if msg.ConversationID == "" {
		msg.ConversationID = input.ConversationID
	}
	if msg.Content == "" {
		msg.Content = input.Content
	}
	return &msg, nil
}

// DeleteConversation removes a thread. It walks the candidate route list in
// order and accepts the first result that is not a 404/405 routing miss.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	var lastErr error
	for _, route := range deleteRoutes {
		path := fmt.Sprintf(route, url.PathEscape(conversationID))
		_, status, err := c.doRequest(ctx, http.MethodDelete, path, nil, nil)
		if err == nil {
			return nil
		}
		if err == ErrNotAuthenticated {
			return err
		}
		if status == http.StatusNotFound || status == http.StatusMethodNotAllowed {
			lastErr = err
			continue
		}
		return err
	}
	if lastErr == nil {
		lastErr = &APIError{Code: "NOT_FOUND", Message: "no delete route accepted the request", Status: http.StatusNotFound}
	}
	return lastErr
}
