// Package crewdeck provides the Go client for the Crewdeck collaborative
// workspace: REST access, the three realtime socket channels, group and
// direct-conversation synchronizers, and an offline layer that queues writes
// and serves cached reads when the network is gone.
//
// Example:
//
//	client := crewdeck.NewClient("cd-token-...")
//
//	// REST
//	msgs, _ := client.GroupMessages(ctx, "group-42", nil)
//
//	// Realtime
//	ch, _ := client.Channels().Connect(ctx, crewdeck.ChannelMessages)
//	session := crewdeck.NewGroupSession(client, ch, "group-42", "user-1", nil)
//	session.Start(ctx)
//	session.Send(ctx, "hello", nil)
package crewdeck

import (
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
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://app.crewdeck.dev"
	DefaultTimeout = 30 * time.Second
)

// ErrQueuedOffline reports that a mutating call never reached the server:
// the offline layer accepted it into the replay queue. The write is
// acknowledged but not yet confirmed; check with errors.Is.
var ErrQueuedOffline = errors.New("request queued for offline replay")

// ============================================================================
// Client
// ============================================================================

// Client is the Crewdeck API client. Zero-value is not usable; construct
// with NewClient.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	metrics    *Metrics
	offline    *OfflineWorker

	mu       sync.Mutex
	channels *ChannelRegistry
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

func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithOffline installs an offline worker at the client's HTTP boundary.
// Mutating requests that fail offline are queued and replayed; reads fall
// back to the worker's caches.
func WithOffline(w *OfflineWorker) ClientOption {
	return func(c *Client) { c.offline = w }
}

// NewClient creates a new Crewdeck client. token may be empty and set later
// via SetToken.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.offline != nil {
		// Route all client traffic through the offline layer. Live calls
		// use the worker's own configured transport.
		wrapped := *c.httpClient
		wrapped.Transport = c.offline
		c.httpClient = &wrapped
	}

	return c
}

// SetToken sets or replaces the bearer token. Channels dialed after this
// call authenticate with the new token; already-open channels keep their
// session until they reconnect.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	channels := c.channels
	c.mu.Unlock()
	if channels != nil {
		channels.SetToken(token)
	}
}

// Channels returns the socket channel registry, creating it on first use.
// The registry keeps at most one live channel per kind.
func (c *Client) Channels() *ChannelRegistry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channels == nil {
		c.channels = NewChannelRegistry(c.baseURL, ChannelConfig{
			Token:         c.token,
			AutoReconnect: true,
			HTTPClient:    c.httpClient,
			Logger:        c.logger,
			Metrics:       c.metrics,
		})
	}
	return c.channels
}

// Offline returns the installed offline worker, or nil.
func (c *Client) Offline() *OfflineWorker {
	return c.offline
}

// Close shuts down every open channel.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channels != nil {
		return c.channels.Close()
	}
	return nil
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
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
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuthHeaders(req)
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response (status %d): %w", resp.StatusCode, err)
	}
	return &result, nil
}

// setAuthHeaders attaches the bearer token. The token travels only in the
// Authorization header, never in a URL.
func (c *Client) setAuthHeaders(req *http.Request) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func (c *Client) list(ctx context.Context, path string, opts *PageOptions, out interface{}) error {
	query := map[string]string{}
	if opts != nil {
		if opts.Limit > 0 {
			query["limit"] = strconv.Itoa(opts.Limit)
		}
		if opts.Offset > 0 {
			query["offset"] = strconv.Itoa(opts.Offset)
		}
	}
	result, err := c.do(ctx, http.MethodGet, path, nil, query)
	if err != nil {
		return err
	}
	if !result.OK {
		return resultError(result, "list failed")
	}
	return result.Decode(out)
}

func resultError(r *Result, fallback string) error {
	if r.Error != nil {
		return r.Error
	}
	return fmt.Errorf("%s", fallback)
}

// ============================================================================
// REST API Methods
// ============================================================================

// GroupMessages fetches the message history of a group chat, oldest first.
func (c *Client) GroupMessages(ctx context.Context, groupID string, opts *PageOptions) ([]Message, error) {
	var msgs []Message
	if err := c.list(ctx, "/api/groups/"+groupID+"/messages", opts, &msgs); err != nil {
		return nil, fmt.Errorf("fetch group messages: %w", err)
	}
	return msgs, nil
}

// ConversationMessages fetches the message history of a direct conversation,
// oldest first.
func (c *Client) ConversationMessages(ctx context.Context, conversationID string, opts *PageOptions) ([]Message, error) {
	var msgs []Message
	if err := c.list(ctx, "/api/conversations/"+conversationID+"/messages", opts, &msgs); err != nil {
		return nil, fmt.Errorf("fetch conversation messages: %w", err)
	}
	return msgs, nil
}

// Conversations lists the caller's direct conversations.
func (c *Client) Conversations(ctx context.Context) ([]Conversation, error) {
	var convs []Conversation
	if err := c.list(ctx, "/api/conversations", nil, &convs); err != nil {
		return nil, fmt.Errorf("fetch conversations: %w", err)
	}
	return convs, nil
}

// OpenDirectConversation returns the 1:1 conversation with userID, creating
// it if none exists. Calling it repeatedly for the same user yields the same
// conversation.
func (c *Client) OpenDirectConversation(ctx context.Context, userID string) (*Conversation, error) {
	result, err := c.do(ctx, http.MethodPost, "/api/conversations/direct",
		map[string]string{"userId": userID}, nil)
	if err != nil {
		return nil, fmt.Errorf("open conversation: %w", err)
	}
	if result.QueuedOffline() {
		return nil, ErrQueuedOffline
	}
	if !result.OK {
		return nil, resultError(result, "open conversation failed")
	}
	var conv Conversation
	if err := result.Decode(&conv); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return &conv, nil
}

// Notifications fetches the caller's notification history, newest first.
func (c *Client) Notifications(ctx context.Context, opts *PageOptions) ([]Notification, error) {
	var items []Notification
	if err := c.list(ctx, "/api/notifications", opts, &items); err != nil {
		return nil, fmt.Errorf("fetch notifications: %w", err)
	}
	return items, nil
}

// MarkNotificationRead marks a single notification as read.
func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	result, err := c.do(ctx, http.MethodPost, "/api/notifications/"+id+"/read", nil, nil)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if result.QueuedOffline() {
		return ErrQueuedOffline
	}
	if !result.OK {
		return resultError(result, "mark notification read failed")
	}
	return nil
}
