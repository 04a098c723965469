package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/chatsync/internal/syncerr"
)

// DefaultTimeout bounds every REST round trip.
const DefaultTimeout = 15 * time.Second

// APIError is a non-2xx response from the service.
type APIError struct {
	StatusCode int    `json:"StatusCode"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("api error: status %d code %d: %s", e.StatusCode, e.Code, e.Message)
}

// Client is the REST transport.
type Client struct {
	baseURL    string
	apiKey     string
	token      string
	userID     string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a REST client. The user id is read from the token's
// user_id claim; the signature is verified by the server, not here.
func NewClient(baseURL, apiKey, token string, opts ...ClientOption) (*Client, error) {
	userID, err := UserIDFromToken(token)
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		token:      token,
		userID:     userID,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// UserIDFromToken extracts the user_id claim of a JWT without verifying it.
func UserIDFromToken(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	id, _ := claims["user_id"].(string)
	if id == "" {
		return "", errors.New("parse token: missing user_id claim")
	}
	return id, nil
}

// UserID returns the authenticated user's id.
func (c *Client) UserID() string { return c.userID }

// APIKey returns the application key sent with every request.
func (c *Client) APIKey() string { return c.apiKey }

// Token returns the user token sent with every request.
func (c *Client) Token() string { return c.token }

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if query == nil {
		query = url.Values{}
	}
	query.Set("api_key", c.apiKey)
	u := c.baseURL + path + "?" + query.Encode()

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", c.token)
	req.Header.Set("Stream-Auth-Type", "jwt")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{}
		_ = json.Unmarshal(data, apiErr)
		apiErr.StatusCode = resp.StatusCode
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

type queryChannelsRequest struct {
	FilterConditions map[string]any `json:"filter_conditions"`
	Sort             []SortOption   `json:"sort,omitempty"`
	Limit            int            `json:"limit,omitempty"`
	Offset           int            `json:"offset,omitempty"`
	MessageLimit     int            `json:"message_limit"`
	State            bool           `json:"state"`
	Watch            bool           `json:"watch"`
	Presence         bool           `json:"presence"`
	ConnectionID     string         `json:"connection_id,omitempty"`
}

// QueryChannels fetches a page of channels.
func (c *Client) QueryChannels(ctx context.Context, q ChannelQuery) (*QueryChannelsResponse, error) {
	body := queryChannelsRequest{
		FilterConditions: q.Filter,
		Sort:             ParseSort(q.Sort),
		Limit:            q.Limit,
		Offset:           q.Offset,
		MessageLimit:     q.MessageLimit,
		State:            true,
		Watch:            q.Watch,
		Presence:         q.Presence,
		ConnectionID:     q.ConnectionID,
	}
	if body.FilterConditions == nil {
		body.FilterConditions = map[string]any{}
	}
	var resp QueryChannelsResponse
	if err := c.do(ctx, http.MethodPost, "/channels", nil, body, &resp); err != nil {
		return nil, syncerr.Remote("query_channels", err)
	}
	return &resp, nil
}

type queryUsersRequest struct {
	FilterConditions map[string]any `json:"filter_conditions"`
	Sort             []SortOption   `json:"sort,omitempty"`
	Limit            int            `json:"limit,omitempty"`
	Offset           int            `json:"offset,omitempty"`
	Presence         bool           `json:"presence"`
	ConnectionID     string         `json:"connection_id,omitempty"`
}

// QueryUsers fetches a page of users.
func (c *Client) QueryUsers(ctx context.Context, q UserQuery) (*QueryUsersResponse, error) {
	body := queryUsersRequest{
		FilterConditions: q.Filter,
		Sort:             ParseSort(q.Sort),
		Limit:            q.Limit,
		Offset:           q.Offset,
		Presence:         q.Presence,
		ConnectionID:     q.ConnectionID,
	}
	if body.FilterConditions == nil {
		body.FilterConditions = map[string]any{}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	var resp QueryUsersResponse
	if err := c.do(ctx, http.MethodGet, "/users", url.Values{"payload": {string(payload)}}, nil, &resp); err != nil {
		return nil, syncerr.Remote("query_users", err)
	}
	return &resp, nil
}

type syncRequest struct {
	LastSyncAt  time.Time `json:"last_sync_at"`
	ChannelCIDs []string  `json:"channel_cids"`
}

// MissingEvents fetches the events of cids that happened after since.
func (c *Client) MissingEvents(ctx context.Context, since time.Time, cids []string) (*MissingEventsResponse, error) {
	var resp MissingEventsResponse
	body := syncRequest{LastSyncAt: since.UTC(), ChannelCIDs: cids}
	if err := c.do(ctx, http.MethodPost, "/sync", nil, body, &resp); err != nil {
		return nil, syncerr.Remote("missing_events", err)
	}
	return &resp, nil
}

type messageEnvelope struct {
	Message *MessagePayload `json:"message"`
}

type messageRequestEnvelope struct {
	Message MessageRequest `json:"message"`
}

// SendMessage creates a message in cid, keeping the client-generated id.
func (c *Client) SendMessage(ctx context.Context, cid string, msg MessageRequest) (*MessagePayload, error) {
	typ, id, ok := strings.Cut(cid, ":")
	if !ok {
		return nil, fmt.Errorf("send message: invalid cid %q", cid)
	}
	var resp messageEnvelope
	path := "/channels/" + url.PathEscape(typ) + "/" + url.PathEscape(id) + "/message"
	if err := c.do(ctx, http.MethodPost, path, nil, messageRequestEnvelope{Message: msg}, &resp); err != nil {
		return nil, syncerr.Remote("send_message", err)
	}
	if resp.Message == nil {
		return nil, syncerr.Remote("send_message", errors.New("empty response"))
	}
	return resp.Message, nil
}

// UpdateMessage replaces the text of an existing message.
func (c *Client) UpdateMessage(ctx context.Context, msg MessageRequest) (*MessagePayload, error) {
	var resp messageEnvelope
	path := "/messages/" + url.PathEscape(msg.ID)
	if err := c.do(ctx, http.MethodPost, path, nil, messageRequestEnvelope{Message: msg}, &resp); err != nil {
		return nil, syncerr.Remote("update_message", err)
	}
	if resp.Message == nil {
		return nil, syncerr.Remote("update_message", errors.New("empty response"))
	}
	return resp.Message, nil
}
