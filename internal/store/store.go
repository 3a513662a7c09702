package store

import (
	"context"
	"errors"
	"time"

	"github.com/alfredjeanlab/huddle/internal/model"
)

var (
	// ErrNotFound is returned when a comment id does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrParentNotFound is returned by CreateComment when ParentID names a
	// comment that no longer exists.
	ErrParentNotFound = errors.New("store: parent comment not found")
)

// Store defines the durable persistence interface for comments.
// Presence is never persisted and has no place here.
type Store interface {
	// CreateComment assigns c.ID from a single increasing sequence and
	// persists c. CreatedAt and UpdatedAt are set by the caller.
	CreateComment(ctx context.Context, c *model.Comment) error
	GetComment(ctx context.Context, id int64) (*model.Comment, error)

	// ListComments returns every comment of a document, flat, ordered by
	// created time then id.
	ListComments(ctx context.Context, documentID string) ([]*model.Comment, error)

	// ResolveComment marks a comment resolved. An already resolved comment
	// keeps its original resolvedBy and resolvedAt.
	ResolveComment(ctx context.Context, id int64, by string, at time.Time) (*model.Comment, error)

	// ReopenComment clears the resolved state.
	ReopenComment(ctx context.Context, id int64, at time.Time) (*model.Comment, error)

	// DeleteComment removes a comment together with its replies and returns
	// the ids removed, the target first.
	DeleteComment(ctx context.Context, id int64) ([]int64, error)

	// ExportComments streams every stored comment to fn in id order.
	ExportComments(ctx context.Context, fn func(*model.Comment) error) error

	Close() error
}
