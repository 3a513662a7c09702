// Package client talks to the huddle collaboration service: an HTTP/JSON
// implementation of the request/response API plus websocket and gRPC
// implementations of the per-document change stream.
package client

import (
	"context"

	"github.com/alfredjeanlab/huddle/internal/model"
)

// Client is the request/response half of the service API, used by the CLI
// and by the synchronization agent for baselines, heartbeats and polling.
type Client interface {
	// Presence
	ListPresence(ctx context.Context, documentID string) ([]*model.Presence, error)
	Heartbeat(ctx context.Context, documentID string, req *HeartbeatRequest) (*model.Presence, error)
	Leave(ctx context.Context, documentID string) error

	// Comments
	ListComments(ctx context.Context, documentID string) ([]*model.Comment, error)
	CreateComment(ctx context.Context, documentID string, req *CreateCommentRequest) (*model.Comment, error)
	GetComment(ctx context.Context, id int64) (*model.Comment, error)
	ResolveComment(ctx context.Context, id int64, resolved bool) (*model.Comment, error)
	DeleteComment(ctx context.Context, id int64) (*model.CommentDeletion, error)

	// Health
	Health(ctx context.Context) (string, error)

	// Lifecycle
	Close() error
}

// Stream is an open change-event subscription for one document.
type Stream interface {
	// Recv blocks for the next event. Any error means the stream is dead.
	Recv() (*model.ChangeEvent, error)
	Close() error
}

// Streamer opens change-event subscriptions.
type Streamer interface {
	Subscribe(ctx context.Context, documentID string) (Stream, error)
}

// HeartbeatRequest is the body of a presence upsert.
type HeartbeatRequest struct {
	Activity   model.ActivityType `json:"activityType,omitempty"`
	SlideIndex *int               `json:"slideIndex,omitempty"`
	Cursor     *model.Point       `json:"cursor,omitempty"`
}

// CreateCommentRequest is the body of a comment create.
type CreateCommentRequest struct {
	Content    string       `json:"content"`
	SlideIndex int          `json:"slideIndex"`
	SlideCount int          `json:"slideCount,omitempty"`
	ParentID   *int64       `json:"parentCommentId,omitempty"`
	Position   *model.Point `json:"position,omitempty"`
}
