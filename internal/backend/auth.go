package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// tokenManager caches the bearer token and refreshes it shortly before it
// expires. Concurrent callers that find the token stale share one refresh.
type tokenManager struct {
	baseURL string
	apiKey  string
	client  *http.Client
	margin  time.Duration
	now     func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

func newTokenManager(baseURL, apiKey string, client *http.Client) *tokenManager {
	return &tokenManager{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  client,
		margin:  30 * time.Second,
		now:     time.Now,
	}
}

func (tm *tokenManager) cached() (string, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	if tm.token != "" && tm.now().Before(tm.expiresAt.Add(-tm.margin)) {
		return tm.token, true
	}
	return "", false
}

func (tm *tokenManager) getToken(ctx context.Context) (string, error) {
	if token, ok := tm.cached(); ok {
		return token, nil
	}
	v, err, _ := tm.group.Do("token", func() (any, error) {
		if token, ok := tm.cached(); ok {
			return token, nil
		}
		return tm.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// invalidate drops the cached token so the next call refreshes.
func (tm *tokenManager) invalidate() {
	tm.mu.Lock()
	tm.token = ""
	tm.mu.Unlock()
}

type authRequest struct {
	APIKey string `json:"api_key"`
}

type authResponseEnvelope struct {
	Data struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	} `json:"data"`
}

func (tm *tokenManager) refresh(ctx context.Context) (string, error) {
	body, err := json.Marshal(authRequest{APIKey: tm.apiKey})
	if err != nil {
		return "", fmt.Errorf("backend: marshal auth request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.baseURL+"/auth/token", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("backend: create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tm.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("backend: auth request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("backend: auth failed with status %d", resp.StatusCode)
	}

	var envelope authResponseEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return "", fmt.Errorf("backend: decode auth response: %w", err)
	}
	if envelope.Data.Token == "" {
		return "", fmt.Errorf("backend: auth response carried no token")
	}

	expiresAt := envelope.Data.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = tokenExpiry(envelope.Data.Token, tm.now())
	}

	tm.mu.Lock()
	tm.token = envelope.Data.Token
	tm.expiresAt = expiresAt
	tm.mu.Unlock()
	return envelope.Data.Token, nil
}

// tokenExpiry reads the exp claim of a JWT without verifying it; the
// backend verifies, the client only schedules refreshes. Tokens that are
// opaque or lack exp are treated as valid for five minutes.
func tokenExpiry(token string, now time.Time) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	return now.Add(5 * time.Minute)
}
