package model

import "time"

// Comment is a persistent remark anchored to a slide. A comment with a
// ParentID is a reply; replies are only ever one level deep.
type Comment struct {
	ID         int64      `json:"id"`
	DocumentID string     `json:"documentId"`
	SlideIndex int        `json:"slideIndex"`
	Position   *Point     `json:"position,omitempty"`
	AuthorID   string     `json:"authorId"`
	AuthorName string     `json:"authorDisplayName"`
	Content    string     `json:"content"`
	ParentID   *int64     `json:"parentCommentId"`
	Resolved   bool       `json:"resolved"`
	ResolvedBy *string    `json:"resolvedBy"`
	ResolvedAt *time.Time `json:"resolvedAt"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`

	// Derived fields, never stored.
	Mentions []string   `json:"mentions,omitempty"`
	Replies  []*Comment `json:"replies,omitempty"`
}

// IsReply reports whether c is attached to a parent comment.
func (c *Comment) IsReply() bool {
	return c.ParentID != nil
}

// Clone returns a copy of c without its Replies.
func (c *Comment) Clone() *Comment {
	out := *c
	out.Replies = nil
	if c.Position != nil {
		p := *c.Position
		out.Position = &p
	}
	if c.ParentID != nil {
		id := *c.ParentID
		out.ParentID = &id
	}
	if c.ResolvedBy != nil {
		by := *c.ResolvedBy
		out.ResolvedBy = &by
	}
	if c.ResolvedAt != nil {
		at := *c.ResolvedAt
		out.ResolvedAt = &at
	}
	if c.Mentions != nil {
		out.Mentions = append([]string(nil), c.Mentions...)
	}
	return &out
}

// CommentDeletion is the payload of a comment_deleted event.
type CommentDeletion struct {
	ID         int64   `json:"id"`
	DocumentID string  `json:"documentId"`
	ParentID   *int64  `json:"parentCommentId"`
	DeletedIDs []int64 `json:"deletedIds"`
}
