package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/alfredjeanlab/huddle/internal/metrics"
	"github.com/alfredjeanlab/huddle/internal/model"
)

// maxBodyBytes bounds request bodies. Comment content is capped far below this.
const maxBodyBytes = 1 << 20

// NewHTTPHandler returns an http.Handler with all routes registered.
func (s *Server) NewHTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /documents/{id}/presence", s.handleListPresence)
	mux.HandleFunc("POST /documents/{id}/presence", s.handleUpsertPresence)
	mux.HandleFunc("DELETE /documents/{id}/presence", s.handleLeave)
	mux.HandleFunc("GET /documents/{id}/comments", s.handleListComments)
	mux.HandleFunc("POST /documents/{id}/comments", s.handleCreateComment)
	mux.HandleFunc("GET /documents/{id}/events", s.handleEventStream)
	mux.HandleFunc("GET /documents/{id}/ws", s.handleWebSocket)
	mux.HandleFunc("GET /comments/{id}", s.handleGetComment)
	mux.HandleFunc("PATCH /comments/{id}/resolve", s.handleResolveComment)
	mux.HandleFunc("DELETE /comments/{id}", s.handleDeleteComment)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	var h http.Handler = mux
	h = s.IdentityMiddleware(h)
	if !s.identity.UsesJWT() {
		h = AuthMiddleware(s.authToken, h)
	}
	return RequestLogger(h)
}

// healthResponse is the body of GET /healthz. Clients read the timings to
// pace heartbeats so their records never go stale between beats.
type healthResponse struct {
	Status              string `json:"status"`
	HeartbeatIntervalMs int64  `json:"heartbeatIntervalMs"`
	StaleTimeoutMs      int64  `json:"staleTimeoutMs"`
}

// handleHealth handles GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:              "ok",
		HeartbeatIntervalMs: s.heartbeatInterval.Milliseconds(),
		StaleTimeoutMs:      s.presence.StaleTimeout().Milliseconds(),
	})
}

type upsertPresenceRequest struct {
	Activity   model.ActivityType `json:"activityType"`
	SlideIndex *int               `json:"slideIndex"`
	Cursor     *model.Point       `json:"cursor"`
}

// handleListPresence handles GET /documents/{id}/presence.
func (s *Server) handleListPresence(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.presence.ListActive(r.PathValue("id")))
}

// handleUpsertPresence handles POST /documents/{id}/presence.
func (s *Server) handleUpsertPresence(w http.ResponseWriter, r *http.Request) {
	var req upsertPresenceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rec, err := s.heartbeat(r.Context(), IdentityFrom(r.Context()), presenceUpdate(r.PathValue("id"), req))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleLeave handles DELETE /documents/{id}/presence.
func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	if err := s.leave(r.Context(), r.PathValue("id"), IdentityFrom(r.Context())); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createCommentRequest struct {
	Content    string       `json:"content"`
	SlideIndex *int         `json:"slideIndex"`
	SlideCount int          `json:"slideCount"`
	ParentID   *int64       `json:"parentCommentId"`
	Position   *model.Point `json:"position"`
}

type resolveCommentRequest struct {
	Resolved *bool `json:"resolved"`
}

// handleListComments handles GET /documents/{id}/comments.
func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	threads, err := s.comments.List(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, threads)
}

// handleCreateComment handles POST /documents/{id}/comments.
func (s *Server) handleCreateComment(w http.ResponseWriter, r *http.Request) {
	var req createCommentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SlideIndex == nil {
		writeError(w, http.StatusBadRequest, "slide index is required")
		return
	}
	c, err := s.comments.Create(r.Context(), IdentityFrom(r.Context()), commentInput(r.PathValue("id"), req))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// handleGetComment handles GET /comments/{id}.
func (s *Server) handleGetComment(w http.ResponseWriter, r *http.Request) {
	id, ok := commentID(w, r)
	if !ok {
		return
	}
	c, err := s.comments.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handleResolveComment handles PATCH /comments/{id}/resolve.
func (s *Server) handleResolveComment(w http.ResponseWriter, r *http.Request) {
	id, ok := commentID(w, r)
	if !ok {
		return
	}
	var req resolveCommentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Resolved == nil {
		writeError(w, http.StatusBadRequest, "resolved is required")
		return
	}
	c, err := s.comments.Resolve(r.Context(), id, IdentityFrom(r.Context()), *req.Resolved)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handleDeleteComment handles DELETE /comments/{id}.
func (s *Server) handleDeleteComment(w http.ResponseWriter, r *http.Request) {
	id, ok := commentID(w, r)
	if !ok {
		return
	}
	del, err := s.comments.Delete(r.Context(), id, IdentityFrom(r.Context()))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, del)
}

func commentID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid comment id %q", raw))
		return 0, false
	}
	return id, true
}

// decodeJSON reads r's body into dst. An empty body leaves dst untouched.
// On failure it writes a 400 and returns false.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+strings.TrimPrefix(err.Error(), "json: "))
		return false
	}
	return true
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
