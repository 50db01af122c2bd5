// Package backend is the HTTP client for the pipeline backend: the
// conversation log, run snapshots and event feeds, declarative side-effect
// endpoints and the streaming chat endpoint.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/console/internal/ctxutil"
	"github.com/ashita-ai/console/internal/model"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the backend (e.g. "http://localhost:8080").
	BaseURL string

	// APIKey is exchanged for a bearer token. Empty disables authentication.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a client with
	// Timeout is used. Streaming chat requests never use a client timeout.
	HTTPClient *http.Client

	// Timeout applies to individual non-streaming requests. Defaults to 30 seconds.
	Timeout time.Duration

	Logger *slog.Logger
}

// Client talks to the backend API. All methods are safe for concurrent use.
type Client struct {
	baseURL    string
	client     *http.Client
	streamHTTP *http.Client
	tokenMgr   *tokenManager
	logger     *slog.Logger
}

// NewClient creates a Client. Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend: BaseURL is required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	streamHTTP := &http.Client{Transport: httpClient.Transport}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		baseURL:    baseURL,
		client:     httpClient,
		streamHTTP: streamHTTP,
		logger:     logger,
	}
	if cfg.APIKey != "" {
		c.tokenMgr = newTokenManager(baseURL, cfg.APIKey, httpClient)
	}
	return c, nil
}

// ListMessages fetches a project's full conversation log.
func (c *Client) ListMessages(ctx context.Context, projectID string) ([]model.Message, error) {
	var resp struct {
		Messages []model.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/projects/"+url.PathEscape(projectID)+"/messages", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// UpsertMessage writes one message keyed by its id.
func (c *Client) UpsertMessage(ctx context.Context, msg model.Message) error {
	path := "/v1/projects/" + url.PathEscape(msg.ProjectID) + "/messages/" + url.PathEscape(msg.ID)
	return c.do(ctx, http.MethodPut, path, msg, nil)
}

// GetRunSnapshot fetches the latest snapshot of a run.
func (c *Client) GetRunSnapshot(ctx context.Context, runID string) (model.RunSnapshot, error) {
	var snap model.RunSnapshot
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID), nil, &snap); err != nil {
		return model.RunSnapshot{}, err
	}
	return snap, nil
}

// ListRunEvents fetches a run's full event feed, oldest first.
func (c *Client) ListRunEvents(ctx context.Context, runID string) ([]model.RunEvent, error) {
	var resp struct {
		Events []model.RunEvent `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID)+"/events", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// Invoke posts payload to a declarative side-effect endpoint and returns the
// decoded result object. endpoint is a path relative to BaseURL.
func (c *Client) Invoke(ctx context.Context, endpoint string, payload map[string]any) (map[string]any, error) {
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	if payload == nil {
		payload = map[string]any{}
	}
	var result map[string]any
	if err := c.do(ctx, http.MethodPost, endpoint, payload, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// RefreshArtifacts asks the backend to recount a run's artifacts.
func (c *Client) RefreshArtifacts(ctx context.Context, projectID, runID string) error {
	path := "/v1/projects/" + url.PathEscape(projectID) + "/artifacts/refresh?run_id=" + url.QueryEscape(runID)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("backend: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("backend: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	requestID := ctxutil.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	req.Header.Set("X-Request-ID", requestID)
	return req, nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.tokenMgr == nil {
		return nil
	}
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// send issues the request, retrying once with a fresh token on 401.
func (c *Client) send(ctx context.Context, httpClient *http.Client, method, path string, body any) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		req, err := c.newRequest(ctx, method, path, body)
		if err != nil {
			return nil, err
		}
		if err := c.authorize(ctx, req); err != nil {
			return nil, err
		}
		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("backend: %s %s: %w", method, req.URL.Path, err)
		}
		if resp.StatusCode == http.StatusUnauthorized && c.tokenMgr != nil && attempt == 0 {
			_ = resp.Body.Close()
			c.logger.Debug("backend: token rejected, refreshing", "path", req.URL.Path)
			c.tokenMgr.invalidate()
			continue
		}
		return resp, nil
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, dest any) error {
	resp, err := c.send(ctx, c.client, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("backend: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil || len(bodyBytes) == 0 {
		return nil
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("backend: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		// Some endpoints do not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}
	return apiErr
}
