package client

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
	"time"

	"github.com/alfredjeanlab/huddle/internal/model"
)

// Trusted identity headers understood by a server running without JWTs.
const (
	headerUserID    = "X-User-Id"
	headerUserName  = "X-User-Name"
	headerUserColor = "X-User-Color"
	headerUserRole  = "X-User-Role"
)

// HTTPClient implements Client using the HTTP/JSON API and Streamer using
// the websocket endpoint.
type HTTPClient struct {
	baseURL    string
	token      string
	who        model.Identity
	httpClient *http.Client
}

var (
	_ Client   = (*HTTPClient)(nil)
	_ Streamer = (*HTTPClient)(nil)
)

// NewHTTPClient creates a new HTTP client targeting the given base URL
// (e.g. "http://localhost:8080"). When token is non-empty, an Authorization
// header is set on every request. who is sent as identity headers for
// servers that trust them.
func NewHTTPClient(baseURL, token string, who model.Identity) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		who:        who,
		httpClient: &http.Client{},
	}
}

// Close is a no-op for the HTTP client.
func (c *HTTPClient) Close() error { return nil }

// --- Presence ---

func (c *HTTPClient) ListPresence(ctx context.Context, documentID string) ([]*model.Presence, error) {
	var out []*model.Presence
	if err := c.doJSON(ctx, http.MethodGet, documentPath(documentID, "presence"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) Heartbeat(ctx context.Context, documentID string, req *HeartbeatRequest) (*model.Presence, error) {
	var out model.Presence
	if err := c.doJSON(ctx, http.MethodPost, documentPath(documentID, "presence"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) Leave(ctx context.Context, documentID string) error {
	return c.doJSON(ctx, http.MethodDelete, documentPath(documentID, "presence"), nil, nil)
}

// --- Comments ---

func (c *HTTPClient) ListComments(ctx context.Context, documentID string) ([]*model.Comment, error) {
	var out []*model.Comment
	if err := c.doJSON(ctx, http.MethodGet, documentPath(documentID, "comments"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) CreateComment(ctx context.Context, documentID string, req *CreateCommentRequest) (*model.Comment, error) {
	var out model.Comment
	if err := c.doJSON(ctx, http.MethodPost, documentPath(documentID, "comments"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) GetComment(ctx context.Context, id int64) (*model.Comment, error) {
	var out model.Comment
	if err := c.doJSON(ctx, http.MethodGet, commentPath(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) ResolveComment(ctx context.Context, id int64, resolved bool) (*model.Comment, error) {
	var out model.Comment
	body := map[string]bool{"resolved": resolved}
	if err := c.doJSON(ctx, http.MethodPatch, commentPath(id)+"/resolve", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) DeleteComment(ctx context.Context, id int64) (*model.CommentDeletion, error) {
	var out model.CommentDeletion
	if err := c.doJSON(ctx, http.MethodDelete, commentPath(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Health ---

func (c *HTTPClient) Health(ctx context.Context) (string, error) {
	info, err := c.Info(ctx)
	if err != nil {
		return "", err
	}
	return info.Status, nil
}

// ServerInfo is what the server reports about itself on /healthz.
type ServerInfo struct {
	Status            string
	HeartbeatInterval time.Duration
	StaleTimeout      time.Duration
}

// Info fetches /healthz, including the server's presence timings.
func (c *HTTPClient) Info(ctx context.Context) (*ServerInfo, error) {
	var out struct {
		Status              string `json:"status"`
		HeartbeatIntervalMs int64  `json:"heartbeatIntervalMs"`
		StaleTimeoutMs      int64  `json:"staleTimeoutMs"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/healthz", nil, &out); err != nil {
		return nil, err
	}
	return &ServerInfo{
		Status:            out.Status,
		HeartbeatInterval: time.Duration(out.HeartbeatIntervalMs) * time.Millisecond,
		StaleTimeout:      time.Duration(out.StaleTimeoutMs) * time.Millisecond,
	}, nil
}

func documentPath(documentID, resource string) string {
	return "/documents/" + url.PathEscape(documentID) + "/" + resource
}

func commentPath(id int64) string {
	return "/comments/" + strconv.FormatInt(id, 10)
}

// APIError represents an error response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the request may succeed if sent again.
// Validation, authorization and not-found failures never do.
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// IsRetryable reports whether err is worth retrying: transport failures and
// retryable API errors.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return !errors.Is(err, context.Canceled)
}

func (c *HTTPClient) setAuth(h http.Header) {
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	if c.who.UserID != "" {
		h.Set(headerUserID, c.who.UserID)
	}
	if c.who.DisplayName != "" {
		h.Set(headerUserName, c.who.DisplayName)
	}
	if c.who.AvatarColor != "" {
		h.Set(headerUserColor, c.who.AvatarColor)
	}
	if c.who.Role != "" {
		h.Set(headerUserRole, string(c.who.Role))
	}
}

// doJSON performs an HTTP request with optional JSON body and decodes the JSON response.
// If result is nil, the response body is discarded (for DELETE/204 responses).
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuth(req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &model.TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	// 204 No Content: success with no body.
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &model.TransportError{Op: "reading response", Err: err}
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}

	return nil
}
