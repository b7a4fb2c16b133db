// ABOUTME: QQ open-platform REST client: gateway endpoint lookup and reply sending.
// ABOUTME: Group and direct replies carry a per-destination monotonic message sequence.

package qq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/2389/qq-adapter/internal/auth"
)

// ErrVendorAPI indicates an unexpected response from a vendor REST endpoint.
var ErrVendorAPI = errors.New("vendor api error")

// Client calls the QQ open-platform REST API with cached-token auth headers.
type Client struct {
	apiBase string
	appID   string
	tokens  *auth.TokenCache
	http    *http.Client
	logger  *slog.Logger

	// msgSeq tracks the per-destination delivery sequence required by the
	// group and direct send endpoints. Independent of the gateway sequence.
	seqMu  sync.Mutex
	msgSeq map[string]int
}

// NewClient creates a REST client. Pass nil httpClient for a default with
// a request timeout.
func NewClient(apiBase, appID string, tokens *auth.TokenCache, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		apiBase: apiBase,
		appID:   appID,
		tokens:  tokens,
		http:    httpClient,
		logger:  logger.With("component", "qq-client"),
		msgSeq:  make(map[string]int),
	}
}

// authHeaders builds the vendor auth headers from the cached token.
func (c *Client) authHeaders(ctx context.Context) (http.Header, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Authorization", "QQBot "+token)
	h.Set("X-Union-Appid", c.appID)
	return h, nil
}

// Get calls a vendor GET endpoint and decodes the JSON response.
func (c *Client) Get(ctx context.Context, path string) (map[string]any, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

// Post calls a vendor POST endpoint with a JSON body and decodes the response.
func (c *Client) Post(ctx context.Context, path string, body map[string]any) (map[string]any, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

func (c *Client) do(ctx context.Context, method, path string, body map[string]any) (map[string]any, error) {
	headers, err := c.authHeaders(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header = headers
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: reading response: %w", method, path, err)
	}

	c.logger.Debug("vendor api call", "method", method, "path", path, "status", resp.StatusCode)

	result := map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, fmt.Errorf("%w: %s %s: invalid JSON response", ErrVendorAPI, method, path)
		}
	}
	return result, nil
}

// GatewayURL fetches the current WebSocket gateway endpoint. The endpoint
// may rotate, so the session looks it up fresh on every connection attempt.
func (c *Client) GatewayURL(ctx context.Context) (string, error) {
	resp, err := c.Get(ctx, "/gateway/bot")
	if err != nil {
		return "", err
	}
	url, ok := resp["url"].(string)
	if !ok || url == "" {
		return "", fmt.Errorf("%w: gateway lookup response missing url: %v", ErrVendorAPI, resp)
	}
	return url, nil
}

// NextSeq returns the next delivery sequence number for a destination.
// Monotonically increasing per destination for the process lifetime.
func (c *Client) NextSeq(key string) int {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	c.msgSeq[key]++
	return c.msgSeq[key]
}

// ReplyGuild replies to a guild channel message.
func (c *Client) ReplyGuild(ctx context.Context, channelID, eventID, content string) error {
	_, err := c.Post(ctx, "/channels/"+channelID+"/messages", map[string]any{
		"content": content,
		"msg_id":  eventID,
	})
	return err
}

// ReplyGroup replies to a group message.
func (c *Client) ReplyGroup(ctx context.Context, groupOpenID, eventID, content string, msgSeq int) error {
	_, err := c.Post(ctx, "/v2/groups/"+groupOpenID+"/messages", map[string]any{
		"msg_type":  0,
		"content":   content,
		"msg_id":    eventID,
		"msg_seq":   msgSeq,
		"timestamp": time.Now().Unix(),
	})
	return err
}

// ReplyDirect replies to a direct (c2c) message.
func (c *Client) ReplyDirect(ctx context.Context, userOpenID, eventID, content string, msgSeq int) error {
	_, err := c.Post(ctx, "/v2/users/"+userOpenID+"/messages", map[string]any{
		"msg_type":  0,
		"content":   content,
		"msg_id":    eventID,
		"msg_seq":   msgSeq,
		"timestamp": time.Now().Unix(),
	})
	return err
}

// SendReply routes an outbound reply to the source-specific vendor call.
func (c *Client) SendReply(ctx context.Context, source Source, sourceID, content, eventID string) error {
	switch source {
	case SourceGuild:
		return c.ReplyGuild(ctx, sourceID, eventID, content)
	case SourceGroup:
		return c.ReplyGroup(ctx, sourceID, eventID, content, c.NextSeq(sourceID))
	case SourceDirect:
		return c.ReplyDirect(ctx, sourceID, eventID, content, c.NextSeq(sourceID))
	default:
		return fmt.Errorf("unknown message source %q", source)
	}
}
