// Package copilot implements the local-state engine behind the FaultMaven
// troubleshooting copilot: an API client, an optimistic-update engine with
// a replayable operation ledger, ID reconciliation, conflict resolution,
// cold-start recovery, and retention for the locally cached conversations.
//
// Example:
//
//	client := copilot.NewClient("fm-token-...")
//	store, _ := copilot.OpenSQLiteStore("state.db")
//	engine := copilot.NewEngine(client, store, copilot.EngineOptions{})
//	engine.Start(ctx)
//
//	res, _ := engine.SubmitQuery(ctx, "pods stuck in CrashLoopBackOff")
//	<-res.Done
package copilot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

const (
	DefaultBaseURL = "https://api.faultmaven.io"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the FaultMaven case API. It is safe for concurrent use;
// the auth token can be swapped at runtime after a session refresh.
type Client struct {
	mu         sync.RWMutex
	token      string
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithTransportRetries tunes the retry loop for idempotent requests.
func WithTransportRetries(n int, base, max time.Duration) ClientOption {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
		if base > 0 {
			c.baseDelay = base
		}
		if max > 0 {
			c.maxDelay = max
		}
	}
}

// NewClient creates a FaultMaven API client.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		maxRetries: 2,
		baseDelay:  300 * time.Millisecond,
		maxDelay:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "faultmaven-api",
		Interval: time.Minute,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return c
}

// SetToken sets or updates the auth token. Useful after a session refresh.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// ============================================================================
// Internal request helper
// ============================================================================

// call issues one API request. Idempotent GETs retry transient failures
// with backoff, honoring Retry-After when the server sends one; mutating
// requests go out exactly once and leave retries to the operation ledger.
func (c *Client) call(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	attempts := 1
	if method == http.MethodGet {
		attempts += c.maxRetries
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		data, err := c.doRequest(ctx, method, path, body, query)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if isContextError(err) || !IsTransientError(err) || attempt == attempts {
			break
		}

		delay := backoffDelay(c.baseDelay, c.maxDelay, attempt)
		if apiErr, ok := err.(*APIError); ok && apiErr.RetryAfter > 0 {
			delay = apiErr.RetryAfter
		}
		if waitErr := waitWithContext(ctx, delay); waitErr != nil {
			return nil, waitErr
		}
	}
	return nil, lastErr
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
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
	if token := c.currentToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		if resp.StatusCode >= 400 {
			return nil, apiErrorFromResponse(resp, data)
		}
		return data, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, &APIError{Code: "CIRCUIT_OPEN", Message: err.Error(), Status: http.StatusServiceUnavailable}
		}
		return nil, err
	}
	return result.([]byte), nil
}

func apiErrorFromResponse(resp *http.Response, data []byte) *APIError {
	apiErr := &APIError{
		Code:    "HTTP_" + strconv.Itoa(resp.StatusCode),
		Message: strings.TrimSpace(string(data)),
		Status:  resp.StatusCode,
	}

	var envelope struct {
		Error *APIError `json:"error"`
	}
	if json.Unmarshal(data, &envelope) == nil && envelope.Error != nil && envelope.Error.Code != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}

	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Case API Methods
// ============================================================================

// CreateCase opens a new troubleshooting case. An empty title lets the
// server pick one from the first turn.
func (c *Client) CreateCase(ctx context.Context, title string) (*CaseData, error) {
	payload := map[string]interface{}{}
	if title != "" {
		payload["title"] = title
	}
	data, err := c.call(ctx, "POST", "/v1/cases", payload, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[CaseData](data)
}

// SubmitTurn submits one user query to a case and returns the agent's
// response.
func (c *Client) SubmitTurn(ctx context.Context, caseID, query, intent string) (*TurnData, error) {
	payload := map[string]interface{}{"query": query}
	if intent != "" {
		payload["intent"] = intent
	}
	data, err := c.call(ctx, "POST", "/v1/cases/"+caseID+"/turns", payload, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[TurnData](data)
}

// GetCase fetches a single case's metadata.
func (c *Client) GetCase(ctx context.Context, caseID string) (*CaseData, error) {
	data, err := c.call(ctx, "GET", "/v1/cases/"+caseID, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[CaseData](data)
}

// GetCaseConversation fetches the full message history of a case.
func (c *Client) GetCaseConversation(ctx context.Context, caseID string) (*ConversationData, error) {
	data, err := c.call(ctx, "GET", "/v1/cases/"+caseID+"/conversation", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[ConversationData](data)
}

// ListCases fetches case metadata, optionally filtered.
func (c *Client) ListCases(ctx context.Context, filters *ListCasesFilters) ([]CaseData, error) {
	query := map[string]string{}
	if filters != nil {
		if filters.Status != "" {
			query["status"] = filters.Status
		}
		if filters.Limit > 0 {
			query["limit"] = strconv.Itoa(filters.Limit)
		}
		if filters.Offset > 0 {
			query["offset"] = strconv.Itoa(filters.Offset)
		}
	}
	data, err := c.call(ctx, "GET", "/v1/cases", nil, query)
	if err != nil {
		return nil, err
	}
	var result struct {
		Cases []CaseData `json:"cases"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return result.Cases, nil
}

// UpdateCaseTitle renames a case.
func (c *Client) UpdateCaseTitle(ctx context.Context, caseID, title string) (*CaseData, error) {
	data, err := c.call(ctx, "PATCH", "/v1/cases/"+caseID, map[string]interface{}{"title": title}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[CaseData](data)
}

// DeleteCase removes a case server-side.
func (c *Client) DeleteCase(ctx context.Context, caseID string) error {
	_, err := c.call(ctx, "DELETE", "/v1/cases/"+caseID, nil, nil)
	return err
}

// UploadCaseData attaches diagnostic data (logs, configs, dumps) to a
// case as a multipart upload.
func (c *Client) UploadCaseData(ctx context.Context, caseID, fileName string, data []byte) (*UploadResult, error) {
	if fileName == "" {
		return nil, fmt.Errorf("fileName is required")
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.Close()

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/cases/"+caseID+"/uploads", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if token := c.currentToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, apiErrorFromResponse(resp, body)
	}
	return decodeJSON[UploadResult](body)
}

// RefreshSession exchanges the current token for a fresh one and
// installs it on the client.
func (c *Client) RefreshSession(ctx context.Context) error {
	data, err := c.call(ctx, "POST", "/v1/session/refresh", map[string]interface{}{}, nil)
	if err != nil {
		return err
	}
	session, err := decodeJSON[SessionData](data)
	if err != nil {
		return err
	}
	if session.Token == "" {
		return fmt.Errorf("session refresh returned no token")
	}
	c.SetToken(session.Token)
	return nil
}

// Health checks API reachability and token validity.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.call(ctx, "GET", "/v1/health", nil, nil)
	return err
}
