package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alfredjeanlab/huddle/internal/model"
)

// testHandler captures the incoming request details and returns a canned response.
type testHandler struct {
	// captured from the request
	method      string
	path        string
	rawPath     string // URL-encoded path (for testing PathEscape)
	body        string
	contentType string
	header      http.Header

	// canned response
	statusCode   int
	responseBody string
}

func (h *testHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.method = r.Method
	h.path = r.URL.Path
	h.rawPath = r.URL.RawPath
	h.contentType = r.Header.Get("Content-Type")
	h.header = r.Header.Clone()
	if r.Body != nil {
		data, _ := io.ReadAll(r.Body)
		h.body = string(data)
	}

	w.Header().Set("Content-Type", "application/json")
	if h.statusCode != 0 {
		w.WriteHeader(h.statusCode)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if h.responseBody != "" {
		_, _ = w.Write([]byte(h.responseBody))
	}
}

var testIdentity = model.Identity{UserID: "alice", DisplayName: "Alice", AvatarColor: "#4ECDC4", Role: model.RoleAdmin}

// newTestClient creates an HTTPClient pointed at a test server with the given handler.
func newTestClient(t *testing.T, h http.Handler, token string) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewHTTPClient(srv.URL+"/", token, testIdentity)
}

func TestHTTPClient_RequestShapes(t *testing.T) {
	slide := 2
	parent := int64(7)
	tests := []struct {
		name       string
		call       func(c *HTTPClient) error
		response   string
		wantMethod string
		wantPath   string
		wantBody   map[string]any
	}{
		{
			name:       "list presence",
			call:       func(c *HTTPClient) error { _, err := c.ListPresence(context.Background(), "deck-1"); return err },
			response:   `[]`,
			wantMethod: http.MethodGet,
			wantPath:   "/documents/deck-1/presence",
		},
		{
			name: "heartbeat",
			call: func(c *HTTPClient) error {
				_, err := c.Heartbeat(context.Background(), "deck-1", &HeartbeatRequest{Activity: model.ActivityEditing, SlideIndex: &slide})
				return err
			},
			response:   `{"userId":"alice"}`,
			wantMethod: http.MethodPost,
			wantPath:   "/documents/deck-1/presence",
			wantBody:   map[string]any{"activityType": "editing", "slideIndex": float64(2)},
		},
		{
			name: "create reply",
			call: func(c *HTTPClient) error {
				_, err := c.CreateComment(context.Background(), "deck-1", &CreateCommentRequest{Content: "ok", SlideIndex: 1, ParentID: &parent})
				return err
			},
			response:   `{"id":8}`,
			wantMethod: http.MethodPost,
			wantPath:   "/documents/deck-1/comments",
			wantBody:   map[string]any{"content": "ok", "slideIndex": float64(1), "parentCommentId": float64(7)},
		},
		{
			name:       "resolve",
			call:       func(c *HTTPClient) error { _, err := c.ResolveComment(context.Background(), 7, false); return err },
			response:   `{"id":7}`,
			wantMethod: http.MethodPatch,
			wantPath:   "/comments/7/resolve",
			wantBody:   map[string]any{"resolved": false},
		},
		{
			name:       "delete",
			call:       func(c *HTTPClient) error { _, err := c.DeleteComment(context.Background(), 7); return err },
			response:   `{"id":7,"deletedIds":[7]}`,
			wantMethod: http.MethodDelete,
			wantPath:   "/comments/7",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &testHandler{responseBody: tt.response}
			c := newTestClient(t, h, "tok")
			if err := tt.call(c); err != nil {
				t.Fatalf("call: %v", err)
			}
			if h.method != tt.wantMethod || h.path != tt.wantPath {
				t.Fatalf("expected %s %s, got %s %s", tt.wantMethod, tt.wantPath, h.method, h.path)
			}
			if got := h.header.Get("Authorization"); got != "Bearer tok" {
				t.Errorf("expected bearer token, got %q", got)
			}
			if got := h.header.Get(headerUserID); got != "alice" {
				t.Errorf("expected identity header alice, got %q", got)
			}
			if got := h.header.Get(headerUserRole); got != "admin" {
				t.Errorf("expected role header admin, got %q", got)
			}
			if tt.wantBody == nil {
				return
			}
			if h.contentType != "application/json" {
				t.Errorf("expected JSON content type, got %q", h.contentType)
			}
			var body map[string]any
			if err := json.Unmarshal([]byte(h.body), &body); err != nil {
				t.Fatalf("decode body %q: %v", h.body, err)
			}
			for k, want := range tt.wantBody {
				if body[k] != want {
					t.Errorf("body[%s] = %v, want %v", k, body[k], want)
				}
			}
		})
	}
}

func TestHTTPClient_EscapesDocumentID(t *testing.T) {
	h := &testHandler{responseBody: `[]`}
	c := newTestClient(t, h, "")
	if _, err := c.ListComments(context.Background(), "team/deck 1"); err != nil {
		t.Fatalf("ListComments: %v", err)
	}
	if h.rawPath != "/documents/team%2Fdeck%201/comments" {
		t.Fatalf("expected escaped path, got %q", h.rawPath)
	}
	if h.header.Get("Authorization") != "" {
		t.Fatal("expected no Authorization header without a token")
	}
}

func TestHTTPClient_LeaveNoContent(t *testing.T) {
	h := &testHandler{statusCode: http.StatusNoContent}
	c := newTestClient(t, h, "")
	if err := c.Leave(context.Background(), "deck-1"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if h.method != http.MethodDelete {
		t.Fatalf("expected DELETE, got %s", h.method)
	}
}

func TestHTTPClient_Info(t *testing.T) {
	h := &testHandler{responseBody: `{"status":"ok","heartbeatIntervalMs":4000,"staleTimeoutMs":12000}`}
	c := newTestClient(t, h, "")
	info, err := c.Info(context.Background())
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if h.path != "/healthz" {
		t.Fatalf("expected /healthz, got %s", h.path)
	}
	if info.Status != "ok" || info.HeartbeatInterval != 4*time.Second || info.StaleTimeout != 12*time.Second {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestHTTPClient_APIError(t *testing.T) {
	tests := []struct {
		status    int
		body      string
		wantMsg   string
		retryable bool
	}{
		{http.StatusBadRequest, `{"error":"validation failed: content: is required"}`, "validation failed: content: is required", false},
		{http.StatusForbidden, `{"error":"c is not permitted to delete comment 1"}`, "c is not permitted to delete comment 1", false},
		{http.StatusNotFound, `not json`, "not json", false},
		{http.StatusTooManyRequests, `{"error":"too many heartbeats"}`, "too many heartbeats", true},
		{http.StatusBadGateway, `{"error":"transport: relay publish: down"}`, "transport: relay publish: down", true},
	}
	for _, tt := range tests {
		h := &testHandler{statusCode: tt.status, responseBody: tt.body}
		c := newTestClient(t, h, "")
		_, err := c.GetComment(context.Background(), 1)
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("status %d: expected APIError, got %v", tt.status, err)
		}
		if apiErr.StatusCode != tt.status || apiErr.Message != tt.wantMsg {
			t.Errorf("status %d: got %+v", tt.status, apiErr)
		}
		if IsRetryable(err) != tt.retryable {
			t.Errorf("status %d: expected retryable=%v", tt.status, tt.retryable)
		}
	}
}

func TestHTTPClient_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewHTTPClient(url, "", testIdentity)
	_, err := c.Health(context.Background())
	var te *model.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !IsRetryable(err) {
		t.Fatal("transport errors should be retryable")
	}
}
