package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"collab-relay/core"
	"collab-relay/metrics"

	"github.com/sirupsen/logrus"
)

const (
	positionsPath  = "/api/internal/nodes/positions"
	nodesPath      = "/api/internal/nodes/"
	candidatesPath = "/api/internal/nodes/candidates/"
)

var (
	ErrUnauthorized = errors.New("backend rejected the internal token")
	ErrUnsuccessful = errors.New("backend reported an unsuccessful write")
)

// Tokens is the part of TokenCache the client depends on.
type Tokens interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Client performs authenticated calls against the system of record.
type Client struct {
	baseURL    string
	tokens     Tokens
	httpClient *http.Client
	metrics    *metrics.Metrics
}

type ClientOption func(*Client)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

func NewClient(baseURL string, tokens Tokens, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    baseURL,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type (
	positionUpdate struct {
		NodeID   string        `json:"nodeId"`
		Position core.Position `json:"position"`
	}

	positionsRequest struct {
		Nodes []positionUpdate `json:"nodes"`
	}

	envelope struct {
		Success bool            `json:"success"`
		Message string          `json:"message,omitempty"`
		Data    json.RawMessage `json:"data,omitempty"`
	}
)

// PatchPositions persists a batch of node positions.
func (c *Client) PatchPositions(ctx context.Context, entries []core.PendingPosition) error {
	req := positionsRequest{Nodes: make([]positionUpdate, 0, len(entries))}
	for _, e := range entries {
		req.Nodes = append(req.Nodes, positionUpdate{NodeID: e.NodeID, Position: e.Position})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode positions: %w", err)
	}

	return c.do(ctx, http.MethodPatch, positionsPath, body)
}

// DeleteNode removes a node. Failures are logged and reported as false.
func (c *Client) DeleteNode(ctx context.Context, nodeID string) bool {
	return c.deleteResource(ctx, nodesPath, nodeID)
}

// DeleteCandidate removes a node candidate. Failures are logged and reported as false.
func (c *Client) DeleteCandidate(ctx context.Context, candidateID string) bool {
	return c.deleteResource(ctx, candidatesPath, candidateID)
}

func (c *Client) deleteResource(ctx context.Context, prefix, id string) bool {
	log := logrus.WithFields(logrus.Fields{"path": prefix, "id": id})
	if id == "" {
		log.Warn("refusing delete with empty id")
		return false
	}

	if err := c.do(ctx, http.MethodDelete, prefix+url.PathEscape(id), nil); err != nil {
		log.WithError(err).Warn("backend delete failed")
		return false
	}
	log.Debug("backend delete succeeded")
	return true
}

// do sends the request and replays it once with a fresh token if the first
// attempt is rejected with 401.
func (c *Client) do(ctx context.Context, method, path string, body []byte) error {
	status, err := c.send(ctx, method, path, body)
	if err == nil || status != http.StatusUnauthorized {
		return err
	}

	c.metrics.AuthRetry()
	logrus.WithFields(logrus.Fields{"method": method, "path": path}).Info("backend returned 401, refreshing token")
	c.tokens.Invalidate()

	status, err = c.send(ctx, method, path, body)
	if status == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return err
}

func (c *Client) send(ctx context.Context, method, path string, body []byte) (int, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return 0, fmt.Errorf("get internal token: %w", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return resp.StatusCode, ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	if !env.Success {
		if env.Message != "" {
			return resp.StatusCode, fmt.Errorf("%w: %s", ErrUnsuccessful, env.Message)
		}
		return resp.StatusCode, ErrUnsuccessful
	}
	return resp.StatusCode, nil
}
