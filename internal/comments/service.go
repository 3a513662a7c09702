// Package comments implements the threaded comment workflow on top of a
// durable store: validation, threading, resolve/reopen, authorized delete,
// and change-event publication.
package comments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alfredjeanlab/huddle/internal/events"
	"github.com/alfredjeanlab/huddle/internal/model"
	"github.com/alfredjeanlab/huddle/internal/store"
)

// Capability decides whether who may delete c.
type Capability func(ctx context.Context, who model.Identity, c *model.Comment) bool

// AuthorOrModerator permits the comment's author and document owners/admins.
func AuthorOrModerator(_ context.Context, who model.Identity, c *model.Comment) bool {
	return who.UserID != "" && (who.UserID == c.AuthorID || who.CanModerate())
}

// Config configures a Service.
type Config struct {
	Store     store.Store
	Publisher events.Publisher

	// MaxLength bounds comment content in characters. Default: 5000.
	MaxLength int

	// CanDelete is consulted before every delete. Default: AuthorOrModerator.
	CanDelete Capability

	// Now is the clock. Default: time.Now.
	Now func() time.Time
}

// Service is the comment store as seen by transports.
type Service struct {
	store     store.Store
	pub       events.Publisher
	maxLen    int
	canDelete Capability
	now       func() time.Time
}

// New creates a Service.
func New(cfg Config) *Service {
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = model.DefaultMaxCommentLength
	}
	if cfg.CanDelete == nil {
		cfg.CanDelete = AuthorOrModerator
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store:     cfg.Store,
		pub:       cfg.Publisher,
		maxLen:    cfg.MaxLength,
		canDelete: cfg.CanDelete,
		now:       cfg.Now,
	}
}

// CreateInput holds transport-agnostic parameters for creating a comment.
type CreateInput struct {
	DocumentID string       `json:"documentId"`
	SlideIndex int          `json:"slideIndex"`
	SlideCount int          `json:"slideCount,omitempty"`
	Content    string       `json:"content"`
	ParentID   *int64       `json:"parentCommentId,omitempty"`
	Position   *model.Point `json:"position,omitempty"`
}

// Create validates in, persists a new comment authored by who, and publishes
// comment_created. A reply must target an existing top-level comment of the
// same document and is anchored to its parent's slide.
func (s *Service) Create(ctx context.Context, who model.Identity, in CreateInput) (*model.Comment, error) {
	var ve model.ValidationError
	if strings.TrimSpace(in.DocumentID) == "" {
		ve.Add("documentId", "is required")
	}
	if strings.TrimSpace(who.UserID) == "" {
		ve.Add("authorId", "is required")
	}
	model.ValidateContent(&ve, in.Content, s.maxLen)
	model.ValidateSlideIndex(&ve, in.SlideIndex, in.SlideCount)
	if err := ve.Err(); err != nil {
		return nil, err
	}

	slide := in.SlideIndex
	if in.ParentID != nil {
		parent, err := s.parent(ctx, in.DocumentID, *in.ParentID)
		if err != nil {
			return nil, err
		}
		slide = parent.SlideIndex
	}

	now := s.now().UTC()
	c := &model.Comment{
		DocumentID: in.DocumentID,
		SlideIndex: slide,
		Position:   in.Position,
		AuthorID:   who.UserID,
		AuthorName: who.Name(),
		Content:    in.Content,
		ParentID:   in.ParentID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateComment(ctx, c); err != nil {
		if errors.Is(err, store.ErrParentNotFound) {
			return nil, model.NewValidationError("parentCommentId", "references a comment that no longer exists")
		}
		return nil, fmt.Errorf("creating comment: %w", err)
	}
	c.Mentions = model.ParseMentions(c.Content)

	s.publish(ctx, model.EventCommentCreated, c.DocumentID, c)
	return c, nil
}

// parent loads and checks the target of a reply.
func (s *Service) parent(ctx context.Context, documentID string, id int64) (*model.Comment, error) {
	parent, err := s.store.GetComment(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.NewValidationError("parentCommentId", fmt.Sprintf("comment %d does not exist", id))
	}
	if err != nil {
		return nil, fmt.Errorf("loading parent comment: %w", err)
	}
	if parent.DocumentID != documentID {
		return nil, model.NewValidationError("parentCommentId", fmt.Sprintf("comment %d belongs to another document", id))
	}
	if parent.IsReply() {
		return nil, model.NewValidationError("parentCommentId", fmt.Sprintf("comment %d is a reply; replies cannot be nested", id))
	}
	return parent, nil
}

// Get returns a single comment.
func (s *Service) Get(ctx context.Context, id int64) (*model.Comment, error) {
	c, err := s.store.GetComment(ctx, id)
	if err != nil {
		return nil, notFound(err, id)
	}
	c.Mentions = model.ParseMentions(c.Content)
	return c, nil
}

// List returns the comments of documentID as threads: top-level comments
// with their replies nested, each level oldest first.
func (s *Service) List(ctx context.Context, documentID string) ([]*model.Comment, error) {
	if strings.TrimSpace(documentID) == "" {
		return nil, model.NewValidationError("documentId", "is required")
	}
	flat, err := s.store.ListComments(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("listing comments: %w", err)
	}
	for _, c := range flat {
		c.Mentions = model.ParseMentions(c.Content)
	}
	return model.Thread(flat), nil
}

// Resolve sets or clears the resolved state of comment id and publishes
// comment_resolved. Resolving twice keeps the first resolver and time; the
// event is published again either way.
func (s *Service) Resolve(ctx context.Context, id int64, who model.Identity, resolved bool) (*model.Comment, error) {
	if strings.TrimSpace(who.UserID) == "" {
		return nil, &model.AuthorizationError{Actor: "anonymous", Action: "resolve comment " + strconv.FormatInt(id, 10)}
	}

	now := s.now().UTC()
	var (
		c   *model.Comment
		err error
	)
	if resolved {
		c, err = s.store.ResolveComment(ctx, id, who.UserID, now)
	} else {
		c, err = s.store.ReopenComment(ctx, id, now)
	}
	if err != nil {
		return nil, notFound(err, id)
	}
	c.Mentions = model.ParseMentions(c.Content)

	s.publish(ctx, model.EventCommentResolved, c.DocumentID, c)
	return c, nil
}

// Delete removes comment id and, for a top-level comment, all of its
// replies. Only identities passing the delete capability may do so.
func (s *Service) Delete(ctx context.Context, id int64, who model.Identity) (*model.CommentDeletion, error) {
	c, err := s.store.GetComment(ctx, id)
	if err != nil {
		return nil, notFound(err, id)
	}
	if !s.canDelete(ctx, who, c) {
		actor := who.UserID
		if actor == "" {
			actor = "anonymous"
		}
		return nil, &model.AuthorizationError{Actor: actor, Action: "delete comment " + strconv.FormatInt(id, 10)}
	}

	ids, err := s.store.DeleteComment(ctx, id)
	if err != nil {
		return nil, notFound(err, id)
	}
	del := &model.CommentDeletion{
		ID:         id,
		DocumentID: c.DocumentID,
		ParentID:   c.ParentID,
		DeletedIDs: ids,
	}
	slog.Info("comments: deleted", "document", c.DocumentID, "comment", id, "removed", len(ids), "actor", who.UserID)

	s.publish(ctx, model.EventCommentDeleted, c.DocumentID, del)
	return del, nil
}

func (s *Service) publish(ctx context.Context, kind model.EventKind, documentID string, payload any) {
	if s.pub == nil {
		return
	}
	ev, err := model.NewChangeEvent(documentID, kind, payload, s.now().UTC())
	if err == nil {
		err = s.pub.Publish(ctx, ev)
	}
	if err != nil {
		slog.Warn("comments: publish failed", "document", documentID, "kind", kind, "error", err)
	}
}

func notFound(err error, id int64) error {
	if errors.Is(err, store.ErrNotFound) {
		return &model.NotFoundError{Resource: "comment", ID: strconv.FormatInt(id, 10)}
	}
	return err
}
