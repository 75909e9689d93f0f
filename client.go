// Package dmpsync is the messaging synchronization layer of the DMP portal:
// a de-duplicating request cache, the realtime socket transport, per-conversation
// sync engines and a presence/notification bus over the portal backend.
//
// Example:
//
//	m, _ := dmpsync.NewMessenger(dmpsync.MessengerConfig{
//		BaseURL:     "https://portal.example/api",
//		SocketURL:   "wss://portal.example/ws",
//		Identity:    dmpsync.Identity{UserID: "42", UserType: dmpsync.SenderPatient},
//		Credentials: dmpsync.EnvCredential("DMP_TOKEN"),
//	})
//	defer m.Close()
//
//	m.ConnectWebSocket(ctx, "")
//	m.Open(ctx, dmpsync.Target{Context: dmpsync.ContextRef{Type: "ordonnance", ID: "15"}})
//	m.SendMessage(ctx, "Merci docteur")
package dmpsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:3000/api"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST collaborator of the messaging backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	creds      CredentialProvider
	cache      *RequestCache
	logger     *slog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithCredentials(p CredentialProvider) ClientOption {
	return func(c *Client) { c.creds = p }
}

// WithRequestCache routes the cached list endpoints through rc.
func WithRequestCache(rc *RequestCache) ClientOption {
	return func(c *Client) { c.cache = rc }
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a REST client. Without WithRequestCache, cached endpoints
// go straight to the network.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Cache returns the request cache the client was built with, possibly nil.
func (c *Client) Cache() *RequestCache {
	return c.cache
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	op := method + " " + path
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
			return nil, fmt.Errorf("marshal %s request: %w", op, err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.creds != nil {
		token, err := c.creds.Credential(ctx)
		if err != nil {
			return nil, asAuthError(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := decodeAPIError(resp.StatusCode, data)
		c.logger.Debug("request failed", "op", op, "status", resp.StatusCode)
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, &AuthenticationError{Reason: op, Err: apiErr}
		}
		return nil, &NetworkError{Op: op, Err: apiErr}
	}
	return data, nil
}

func decodeAPIError(status int, data []byte) *APIError {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Code    string `json:"code"`
	}
	_ = json.Unmarshal(data, &body)
	msg := body.Message
	if msg == "" {
		msg = body.Error
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{Status: status, Code: body.Code, Message: msg}
}

func asAuthError(err error) error {
	if _, ok := err.(*AuthenticationError); ok {
		return err
	}
	return &AuthenticationError{Reason: "credential", Err: err}
}

// ============================================================================
// Paths
// ============================================================================

const notificationsPath = "/prescription/notifications"

func conversationMessagesPath(id string) string {
	return "/messaging/conversation/" + url.PathEscape(id) + "/messages"
}

func contextHistoryPath(ref ContextRef) string {
	return "/messaging/history/" + url.PathEscape(ref.Type) + "/" + url.PathEscape(ref.ID)
}

// HistoryKey is the cache key under which a target's history is stored.
func HistoryKey(t Target) string {
	if t.ConversationID != "" {
		return conversationMessagesPath(t.ConversationID)
	}
	return contextHistoryPath(t.Context)
}

func pageQuery(page, limit int) map[string]string {
	q := map[string]string{}
	if page > 0 {
		q["page"] = strconv.Itoa(page)
	}
	if limit > 0 {
		q["limit"] = strconv.Itoa(limit)
	}
	return q
}

// ============================================================================
// Messaging endpoints
// ============================================================================

// History fetches the conversation attached to a medical context, with its messages.
func (c *Client) History(ctx context.Context, ref ContextRef) (*HistoryPage, error) {
	if ref.Type == "" || ref.ID == "" {
		return nil, &ValidationError{Field: "context", Reason: "type and id are required"}
	}
	data, err := c.doRequest(ctx, http.MethodGet, contextHistoryPath(ref), nil, nil)
	if err != nil {
		return nil, err
	}
	return ParseHistory(data)
}

// ConversationMessages fetches the messages of a known conversation.
func (c *Client) ConversationMessages(ctx context.Context, conversationID string) (*HistoryPage, error) {
	if conversationID == "" {
		return nil, &ValidationError{Field: "conversationId", Reason: "is required"}
	}
	data, err := c.doRequest(ctx, http.MethodGet, conversationMessagesPath(conversationID), nil, nil)
	if err != nil {
		return nil, err
	}
	page, err := ParseHistory(data)
	if err != nil {
		return nil, err
	}
	for i := range page.Messages {
		if page.Messages[i].ConversationID == "" {
			page.Messages[i].ConversationID = conversationID
		}
	}
	return page, nil
}

// SendMessage posts a message and returns the server-confirmed copy.
func (c *Client) SendMessage(ctx context.Context, conversationID string, req SendMessageRequest) (Message, error) {
	if strings.TrimSpace(req.Content) == "" {
		return Message{}, &ValidationError{Field: "content", Reason: "must not be empty"}
	}
	if req.Type == "" {
		req.Type = "text"
	}
	path := "/messaging/conversation/" + url.PathEscape(conversationID) + "/message"
	data, err := c.doRequest(ctx, http.MethodPost, path, req, nil)
	if err != nil {
		return Message{}, err
	}
	msg, err := ParseSentMessage(data)
	if err != nil {
		return Message{}, err
	}
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	if msg.LocalID == "" {
		msg.LocalID = req.ClientID
	}
	return msg, nil
}

// CreateConversation asks the backend to open a conversation.
func (c *Client) CreateConversation(ctx context.Context, req CreateConversationRequest) (Conversation, error) {
	if len(req.Participants) == 0 {
		return Conversation{}, &ValidationError{Field: "participants", Reason: "must not be empty"}
	}
	data, err := c.doRequest(ctx, http.MethodPost, "/messaging/conversation", req, nil)
	if err != nil {
		return Conversation{}, err
	}
	conv, err := ParseConversation(data)
	if err != nil {
		return Conversation{}, err
	}
	if c.cache != nil {
		c.cache.Invalidate("/messaging/medecin/")
	}
	return conv, nil
}

// MedecinConversations lists a medecin's conversations through the request cache.
// A non-nil warning means the list was served stale.
func (c *Client) MedecinConversations(ctx context.Context, medecinID string, page, limit int) ([]Conversation, *StaleDataWarning, error) {
	path := "/messaging/medecin/" + url.PathEscape(medecinID) + "/conversations"
	query := pageQuery(page, limit)
	return Fetch(ctx, c.cache, CacheKey(path, query), func(ctx context.Context) ([]Conversation, error) {
		data, err := c.doRequest(ctx, http.MethodGet, path, nil, query)
		if err != nil {
			return nil, err
		}
		return ParseConversations(data)
	}, CacheOptions{UseCache: true})
}

// ============================================================================
// Notification endpoints
// ============================================================================

// PrescriptionNotifications lists a professional's notifications through the
// request cache.
func (c *Client) PrescriptionNotifications(ctx context.Context, professionnelID string, page, limit int) ([]Notification, *StaleDataWarning, error) {
	query := pageQuery(page, limit)
	if professionnelID != "" {
		query["professionnel_id"] = professionnelID
	}
	return Fetch(ctx, c.cache, CacheKey(notificationsPath, query), func(ctx context.Context) ([]Notification, error) {
		data, err := c.doRequest(ctx, http.MethodGet, notificationsPath, nil, query)
		if err != nil {
			return nil, err
		}
		return ParseNotifications(data)
	}, CacheOptions{UseCache: true})
}

// MarkNotificationRead marks one notification read and drops cached notification lists.
func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	path := "/messaging/notification/" + url.PathEscape(id) + "/read"
	if _, err := c.doRequest(ctx, http.MethodPatch, path, nil, nil); err != nil {
		return err
	}
	if c.cache != nil {
		c.cache.Invalidate(notificationsPath)
	}
	return nil
}
