// Package server binds the presence registry, comment service and document
// bus to HTTP (JSON, SSE, websocket) and gRPC.
package server

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/alfredjeanlab/huddle/internal/comments"
	"github.com/alfredjeanlab/huddle/internal/events"
	"github.com/alfredjeanlab/huddle/internal/model"
	"github.com/alfredjeanlab/huddle/internal/presence"
)

// Options configures a Server.
type Options struct {
	Presence *presence.Registry
	Comments *comments.Service
	Bus      events.Bus

	// Identity resolves callers. Nil trusts identity headers.
	Identity *IdentityResolver

	// AuthToken, when set and Identity has no JWT secret, is a static bearer
	// token required on every request except health checks.
	AuthToken string

	// PresenceRate and PresenceBurst bound heartbeats per user.
	// Defaults: 5/s, burst 10.
	PresenceRate  float64
	PresenceBurst int

	// HeartbeatInterval is the heartbeat cadence advertised to clients on
	// /healthz. Default: 10 seconds.
	HeartbeatInterval time.Duration
}

// DefaultHeartbeatInterval is advertised when Options.HeartbeatInterval is zero.
const DefaultHeartbeatInterval = 10 * time.Second

// Server is the collaboration service front end.
type Server struct {
	presence          *presence.Registry
	comments          *comments.Service
	bus               events.Bus
	identity          *IdentityResolver
	authToken         string
	limiter           *limiterPool
	heartbeatInterval time.Duration
}

// New returns a Server.
func New(opts Options) *Server {
	if opts.Identity == nil {
		opts.Identity = NewIdentityResolver("")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &Server{
		presence:          opts.Presence,
		comments:          opts.Comments,
		bus:               opts.Bus,
		identity:          opts.Identity,
		authToken:         opts.AuthToken,
		limiter:           newLimiterPool(opts.PresenceRate, opts.PresenceBurst),
		heartbeatInterval: opts.HeartbeatInterval,
	}
}

// heartbeat applies a presence update for who, subject to the per-user limiter.
func (s *Server) heartbeat(ctx context.Context, who model.Identity, u presence.Update) (*model.Presence, error) {
	if who.UserID == "" {
		return nil, &model.AuthorizationError{Actor: "anonymous", Action: "send heartbeats"}
	}
	if !s.limiter.Allow(who.UserID) {
		return nil, errThrottled
	}
	return s.presence.Upsert(ctx, who, u)
}

// leave removes who from documentID.
func (s *Server) leave(ctx context.Context, documentID string, who model.Identity) error {
	if who.UserID == "" {
		return &model.AuthorizationError{Actor: "anonymous", Action: "leave " + strconv.Quote(documentID)}
	}
	if !s.presence.Leave(ctx, documentID, who.UserID) {
		slog.Debug("presence: leave without record", "document", documentID, "user", who.UserID)
	}
	return nil
}
