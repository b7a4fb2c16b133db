// ABOUTME: Access-token cache for the QQ open-platform authentication endpoint
// ABOUTME: Refreshes ahead of expiry with single-flight so concurrent callers share one fetch

package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrAuth indicates the credential fetch failed or returned an unusable
// response. It aborts the current connection attempt, not the process.
var ErrAuth = errors.New("authentication failed")

// expiryMargin is subtracted from the vendor-reported TTL so the token is
// refreshed before the vendor's literal expiry.
const expiryMargin = 30 * time.Second

// Credential is an access token with its margin-adjusted expiry. It is
// replaced wholesale on refresh and never mutated in place.
type Credential struct {
	Value     string
	ExpiresAt time.Time
}

// valid reports whether the credential can still be handed to a caller.
func (c *Credential) valid(now time.Time) bool {
	return c != nil && now.Before(c.ExpiresAt)
}

// TokenCache obtains and caches the app access token. Token is safe for
// concurrent use: when the cached credential has expired, exactly one fetch
// is issued and all waiting callers share its result.
type TokenCache struct {
	appID     string
	appSecret string
	authURL   string
	client    *http.Client
	logger    *slog.Logger

	mu    sync.RWMutex
	cred  *Credential
	group singleflight.Group

	now func() time.Time // overridable in tests
}

// NewTokenCache creates a token cache for the given app credentials.
// Pass nil httpClient to use a default client with a request timeout.
func NewTokenCache(appID, appSecret, authURL string, httpClient *http.Client, logger *slog.Logger) *TokenCache {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenCache{
		appID:     appID,
		appSecret: appSecret,
		authURL:   authURL,
		client:    httpClient,
		logger:    logger.With("component", "token-cache"),
		now:       time.Now,
	}
}

// Token returns a valid access token, fetching a fresh one if the cached
// credential has reached its margin-adjusted expiry. Concurrent callers
// with an expired cache share a single in-flight fetch.
func (t *TokenCache) Token(ctx context.Context) (string, error) {
	t.mu.RLock()
	cred := t.cred
	t.mu.RUnlock()

	if cred.valid(t.now()) {
		return cred.Value, nil
	}

	v, err, _ := t.group.Do("token", func() (any, error) {
		// A caller that queued behind the refresh may find the cache
		// already fresh.
		t.mu.RLock()
		cred := t.cred
		t.mu.RUnlock()
		if cred.valid(t.now()) {
			return cred.Value, nil
		}

		fresh, err := t.fetch(ctx)
		if err != nil {
			return "", err
		}

		t.mu.Lock()
		t.cred = fresh
		t.mu.Unlock()

		t.logger.Info("access token refreshed", "expires_at", fresh.ExpiresAt)
		return fresh.Value, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// fetch performs the authentication call against the vendor endpoint.
func (t *TokenCache) fetch(ctx context.Context) (*Credential, error) {
	body, err := json.Marshal(map[string]string{
		"appId":        t.appID,
		"clientSecret": t.appSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding request: %v", ErrAuth, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.authURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ErrAuth, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrAuth, err)
	}

	token, ok := payload["access_token"].(string)
	if !ok || token == "" {
		return nil, fmt.Errorf("%w: response missing access_token: %v", ErrAuth, payload)
	}

	ttl, err := parseExpiresIn(payload["expires_in"])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}

	return &Credential{
		Value:     token,
		ExpiresAt: t.now().Add(ttl - expiryMargin),
	}, nil
}

// parseExpiresIn accepts the TTL as either a JSON number or a string,
// both of which the vendor has been observed to send.
func parseExpiresIn(v any) (time.Duration, error) {
	switch ttl := v.(type) {
	case float64:
		return time.Duration(ttl) * time.Second, nil
	case string:
		secs, err := strconv.Atoi(ttl)
		if err != nil {
			return 0, fmt.Errorf("invalid expires_in %q", ttl)
		}
		return time.Duration(secs) * time.Second, nil
	default:
		return 0, fmt.Errorf("response missing expires_in")
	}
}
