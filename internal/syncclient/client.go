// Package syncclient is the HTTP transport for talking to a sync server:
// the combined /sync call, snapshot chunk fetch, and the realtime wake-up
// socket. Request/response types come from the engine package; this package
// only moves them over the wire.
package syncclient

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

	"github.com/gorilla/websocket"

	"github.com/syncular/syncd/internal/chunkstore"
	"github.com/syncular/syncd/internal/engine"
	"github.com/syncular/syncd/internal/realtime"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
)

// Client is an HTTP client for a sync server.
type Client struct {
	BaseURL  string
	Token    string
	ClientID string
	HTTP     *http.Client
}

// New creates a new sync client.
func New(baseURL, token, clientID string) *Client {
	return &Client{
		BaseURL:  strings.TrimSuffix(baseURL, "/"),
		Token:    token,
		ClientID: clientID,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

// SyncRequest is the combined envelope for POST /sync.
type SyncRequest struct {
	ClientID  string              `json:"clientId"`
	Partition string              `json:"partition,omitempty"`
	Push      *engine.PushRequest `json:"push,omitempty"`
	Pull      *engine.PullRequest `json:"pull,omitempty"`
}

// SyncResponse mirrors SyncRequest.
type SyncResponse struct {
	Push *engine.PushResponse `json:"push,omitempty"`
	Pull *engine.PullResponse `json:"pull,omitempty"`
}

// Sync executes one combined push+pull round trip.
func (c *Client) Sync(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
	if req.ClientID == "" {
		req.ClientID = c.ClientID
	}
	var resp SyncResponse
	if err := c.do(ctx, "POST", "/sync", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// HealthCheck hits /healthz to verify server reachability.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.do(ctx, "GET", "/healthz", nil, nil)
}

// Probe is the minimal combined sync used as a liveness probe: no push, an
// empty subscription list, and the smallest commit limit.
func (c *Client) Probe(ctx context.Context) error {
	_, err := c.Sync(ctx, &SyncRequest{
		Pull: &engine.PullRequest{LimitCommits: 1, Subscriptions: []engine.SubscriptionRequest{}},
	})
	return err
}

// FetchChunk downloads a snapshot chunk body and decodes its row frames.
func (c *Client) FetchChunk(ctx context.Context, chunkID string) ([]json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/sync/snapshot-chunks/%s?clientId=%s", c.BaseURL, chunkID, url.QueryEscape(c.ClientID)), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	// The body is a gzip stream we decode ourselves.
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case http.StatusNotFound:
		return nil, fmt.Errorf("chunk %s: %w", chunkID, ErrNotFound)
	default:
		return nil, fmt.Errorf("chunk fetch: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read chunk body: %w", err)
	}
	rows, err := chunkstore.DecodeFrames(body)
	if err != nil {
		return nil, fmt.Errorf("decode chunk %s: %w", chunkID, err)
	}
	return rows, nil
}

// Listen opens the realtime socket and invokes onEvent for every message
// until the context is cancelled or the connection drops. Callers treat a
// returned error as a cue to pull and reconnect.
func (c *Client) Listen(ctx context.Context, scopeKeys []string, onEvent func(realtime.Event)) error {
	wsURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("parse base url: %w", err)
	}
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = "/sync/realtime"
	q := wsURL.Query()
	q.Set("clientId", c.ClientID)
	if len(scopeKeys) > 0 {
		keys, _ := json.Marshal(scopeKeys)
		q.Set("scopeKeys", string(keys))
	}
	wsURL.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.Token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		return fmt.Errorf("dial realtime: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var ev realtime.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read realtime event: %w", err)
		}
		onEvent(ev)
	}
}

// apiError is the standard error body from the server.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if c.ClientID != "" {
		req.Header.Set("X-Sync-Client-ID", c.ClientID)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &struct {
			Error *apiError `json:"error"`
		}{&apiErr}) == nil && apiErr.Code != "" {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Message)
			case http.StatusNotFound:
				return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)
			default:
				return &apiErr
			}
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
