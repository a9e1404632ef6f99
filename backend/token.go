package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"collab-relay/metrics"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// SafetyMargin is how long before its exp claim a token stops being served.
const SafetyMargin = 30 * time.Second

const (
	tokenPath       = "/api/auth/internal/token"
	internalKeyName = "X-INTERNAL-KEY"
	refreshKey      = "internal-token"
)

var (
	ErrNoToken      = errors.New("token issuer returned no token")
	ErrInvalidToken = errors.New("token cannot be decoded")
)

type credential struct {
	token  string
	expiry time.Time
}

// TokenCache serves the internal service token. Concurrent callers that find no
// usable token share a single request to the issuer.
type TokenCache struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	timeout    time.Duration
	metrics    *metrics.Metrics
	now        func() time.Time

	mu   sync.RWMutex
	cred *credential

	group singleflight.Group
}

type TokenOption func(*TokenCache)

// WithTokenTimeout bounds each issuer request.
func WithTokenTimeout(d time.Duration) TokenOption {
	return func(c *TokenCache) {
		c.timeout = d
		c.httpClient.Timeout = d
	}
}

func WithTokenMetrics(m *metrics.Metrics) TokenOption {
	return func(c *TokenCache) {
		c.metrics = m
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) TokenOption {
	return func(c *TokenCache) {
		c.now = now
	}
}

func NewTokenCache(baseURL, apiKey string, opts ...TokenOption) *TokenCache {
	c := &TokenCache{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		timeout:    5 * time.Second,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns a token valid for at least SafetyMargin, refreshing if needed.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	if token, ok := c.cached(); ok {
		return token, nil
	}

	ch := c.group.DoChan(refreshKey, func() (any, error) {
		// A flight that finished between our check and DoChan may already
		// have stored a fresh token.
		if token, ok := c.cached(); ok {
			return token, nil
		}
		return c.refresh()
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *TokenCache) cached() (string, bool) {
	c.mu.RLock()
	cred := c.cred
	c.mu.RUnlock()

	if cred != nil && c.now().Before(cred.expiry.Add(-SafetyMargin)) {
		return cred.token, true
	}
	return "", false
}

// Invalidate drops the cached token so the next Token call goes to the issuer.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.cred = nil
	c.mu.Unlock()
	logrus.Debug("internal token invalidated")
}

// refresh runs detached from any single caller, so one caller giving up does not
// fail the others waiting on the same flight.
func (c *TokenCache) refresh() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	token, expiry, err := c.issue(ctx)
	c.metrics.TokenRefresh(err == nil)
	if err != nil {
		logrus.WithError(err).Warn("internal token refresh failed")
		return "", err
	}

	c.mu.Lock()
	c.cred = &credential{token: token, expiry: expiry}
	c.mu.Unlock()

	logrus.WithField("expires_at", expiry.Format(time.RFC3339)).Debug("internal token refreshed")
	return token, nil
}

func (c *TokenCache) issue(ctx context.Context) (string, time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+tokenPath, nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set(internalKeyName, c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", time.Time{}, fmt.Errorf("token issuer returned status %d", resp.StatusCode)
	}

	var envelope struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", time.Time{}, fmt.Errorf("decode token response: %w", err)
	}
	if envelope.Data.Token == "" {
		return "", time.Time{}, ErrNoToken
	}

	expiry, err := tokenExpiry(envelope.Data.Token)
	if err != nil {
		return "", time.Time{}, err
	}
	return envelope.Data.Token, expiry, nil
}

// tokenExpiry reads the exp claim. The signature is the backend's concern; the
// relay only needs to know when to ask again.
func tokenExpiry(token string) (time.Time, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("%w: missing exp claim", ErrInvalidToken)
	}
	return claims.ExpiresAt.Time, nil
}
