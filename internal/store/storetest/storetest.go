// Package storetest holds behavioral tests shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/alfredjeanlab/huddle/internal/model"
	"github.com/alfredjeanlab/huddle/internal/store"
)

// Run exercises s against the store.Store contract. newStore must return an
// empty store; Run closes it.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	for _, tc := range []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CreateAssignsIncreasingIDs", testCreateAssignsIncreasingIDs},
		{"GetRoundTrip", testGetRoundTrip},
		{"ListScopedAndOrdered", testListScopedAndOrdered},
		{"ReplyToMissingParent", testReplyToMissingParent},
		{"ResolveIsIdempotent", testResolveIsIdempotent},
		{"ReopenClearsResolution", testReopenClearsResolution},
		{"MissingCommentNotFound", testMissingCommentNotFound},
		{"DeleteCascadesReplies", testDeleteCascadesReplies},
		{"DeleteReplyOnly", testDeleteReplyOnly},
		{"ExportAll", testExportAll},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			tc.fn(t, s)
		})
	}
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mustCreate(t *testing.T, s store.Store, doc string, parent *int64, offset time.Duration) *model.Comment {
	t.Helper()
	c := &model.Comment{
		DocumentID: doc,
		SlideIndex: 1,
		AuthorID:   "alice",
		AuthorName: "Alice",
		Content:    "comment",
		ParentID:   parent,
		CreatedAt:  base.Add(offset),
		UpdatedAt:  base.Add(offset),
	}
	if err := s.CreateComment(context.Background(), c); err != nil {
		t.Fatalf("CreateComment: %v", err)
	}
	return c
}

func testCreateAssignsIncreasingIDs(t *testing.T, s store.Store) {
	a := mustCreate(t, s, "deck-1", nil, 0)
	b := mustCreate(t, s, "deck-2", nil, time.Second)
	c := mustCreate(t, s, "deck-1", nil, 2*time.Second)
	if !(a.ID > 0 && b.ID > a.ID && c.ID > b.ID) {
		t.Fatalf("expected increasing ids, got %d %d %d", a.ID, b.ID, c.ID)
	}
}

func testGetRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	parent := mustCreate(t, s, "deck-1", nil, 0)
	in := &model.Comment{
		DocumentID: "deck-1",
		SlideIndex: 3,
		Position:   &model.Point{X: 0.25, Y: 0.75},
		AuthorID:   "bob",
		AuthorName: "Bob",
		Content:    "looks good",
		ParentID:   &parent.ID,
		CreatedAt:  base.Add(time.Minute),
		UpdatedAt:  base.Add(time.Minute),
	}
	if err := s.CreateComment(ctx, in); err != nil {
		t.Fatalf("CreateComment: %v", err)
	}
	got, err := s.GetComment(ctx, in.ID)
	if err != nil {
		t.Fatalf("GetComment: %v", err)
	}
	if got.Content != "looks good" || got.AuthorName != "Bob" || got.SlideIndex != 3 {
		t.Fatalf("unexpected comment %+v", got)
	}
	if got.Position == nil || *got.Position != *in.Position {
		t.Fatalf("expected position %v, got %v", in.Position, got.Position)
	}
	if got.ParentID == nil || *got.ParentID != parent.ID {
		t.Fatalf("expected parent %d, got %v", parent.ID, got.ParentID)
	}
	if !got.CreatedAt.Equal(in.CreatedAt) {
		t.Fatalf("expected createdAt %v, got %v", in.CreatedAt, got.CreatedAt)
	}
	if got.Resolved || got.ResolvedBy != nil || got.ResolvedAt != nil {
		t.Fatalf("new comment must be unresolved, got %+v", got)
	}
}

func testListScopedAndOrdered(t *testing.T, s store.Store) {
	late := mustCreate(t, s, "deck-1", nil, 10*time.Second)
	mustCreate(t, s, "deck-2", nil, 0)
	early := mustCreate(t, s, "deck-1", nil, time.Second)

	list, err := s.ListComments(context.Background(), "deck-1")
	if err != nil {
		t.Fatalf("ListComments: %v", err)
	}
	var ids []int64
	for _, c := range list {
		ids = append(ids, c.ID)
	}
	if want := []int64{early.ID, late.ID}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}

	empty, err := s.ListComments(context.Background(), "deck-unknown")
	if err != nil {
		t.Fatalf("ListComments: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no comments, got %d", len(empty))
	}
}

func testReplyToMissingParent(t *testing.T, s store.Store) {
	missing := int64(12345)
	c := &model.Comment{DocumentID: "deck-1", AuthorID: "bob", Content: "reply", ParentID: &missing, CreatedAt: base, UpdatedAt: base}
	if err := s.CreateComment(context.Background(), c); !errors.Is(err, store.ErrParentNotFound) {
		t.Fatalf("expected ErrParentNotFound, got %v", err)
	}
}

func testResolveIsIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := mustCreate(t, s, "deck-1", nil, 0)
	first := base.Add(time.Hour)

	r1, err := s.ResolveComment(ctx, c.ID, "bob", first)
	if err != nil {
		t.Fatalf("ResolveComment: %v", err)
	}
	r2, err := s.ResolveComment(ctx, c.ID, "carol", first.Add(time.Hour))
	if err != nil {
		t.Fatalf("second ResolveComment: %v", err)
	}
	for _, r := range []*model.Comment{r1, r2} {
		if !r.Resolved || r.ResolvedBy == nil || *r.ResolvedBy != "bob" {
			t.Fatalf("expected resolved by bob, got %+v", r)
		}
		if r.ResolvedAt == nil || !r.ResolvedAt.Equal(first) {
			t.Fatalf("expected resolvedAt %v, got %v", first, r.ResolvedAt)
		}
	}
}

func testReopenClearsResolution(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := mustCreate(t, s, "deck-1", nil, 0)
	if _, err := s.ResolveComment(ctx, c.ID, "bob", base.Add(time.Hour)); err != nil {
		t.Fatalf("ResolveComment: %v", err)
	}
	reopenedAt := base.Add(2 * time.Hour)
	r, err := s.ReopenComment(ctx, c.ID, reopenedAt)
	if err != nil {
		t.Fatalf("ReopenComment: %v", err)
	}
	if r.Resolved || r.ResolvedBy != nil || r.ResolvedAt != nil {
		t.Fatalf("expected cleared resolution, got %+v", r)
	}
	if !r.UpdatedAt.Equal(reopenedAt) {
		t.Fatalf("expected updatedAt %v, got %v", reopenedAt, r.UpdatedAt)
	}
}

func testMissingCommentNotFound(t *testing.T, s store.Store) {
	ctx := context.Background()
	if _, err := s.GetComment(ctx, 999); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetComment: expected ErrNotFound, got %v", err)
	}
	if _, err := s.ResolveComment(ctx, 999, "bob", base); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("ResolveComment: expected ErrNotFound, got %v", err)
	}
	if _, err := s.ReopenComment(ctx, 999, base); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("ReopenComment: expected ErrNotFound, got %v", err)
	}
	if _, err := s.DeleteComment(ctx, 999); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("DeleteComment: expected ErrNotFound, got %v", err)
	}
}

func testDeleteCascadesReplies(t *testing.T, s store.Store) {
	ctx := context.Background()
	top := mustCreate(t, s, "deck-1", nil, 0)
	r1 := mustCreate(t, s, "deck-1", &top.ID, time.Second)
	r2 := mustCreate(t, s, "deck-1", &top.ID, 2*time.Second)
	other := mustCreate(t, s, "deck-1", nil, 3*time.Second)

	deleted, err := s.DeleteComment(ctx, top.ID)
	if err != nil {
		t.Fatalf("DeleteComment: %v", err)
	}
	if want := []int64{top.ID, r1.ID, r2.ID}; !reflect.DeepEqual(deleted, want) {
		t.Fatalf("expected deleted %v, got %v", want, deleted)
	}
	for _, id := range deleted {
		if _, err := s.GetComment(ctx, id); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("comment %d should be gone, got %v", id, err)
		}
	}

	list, err := s.ListComments(ctx, "deck-1")
	if err != nil {
		t.Fatalf("ListComments: %v", err)
	}
	if len(list) != 1 || list[0].ID != other.ID {
		t.Fatalf("expected only comment %d to remain, got %d comments", other.ID, len(list))
	}
}

func testDeleteReplyOnly(t *testing.T, s store.Store) {
	ctx := context.Background()
	top := mustCreate(t, s, "deck-1", nil, 0)
	r1 := mustCreate(t, s, "deck-1", &top.ID, time.Second)
	r2 := mustCreate(t, s, "deck-1", &top.ID, 2*time.Second)

	deleted, err := s.DeleteComment(ctx, r1.ID)
	if err != nil {
		t.Fatalf("DeleteComment: %v", err)
	}
	if !reflect.DeepEqual(deleted, []int64{r1.ID}) {
		t.Fatalf("expected only reply deleted, got %v", deleted)
	}
	list, err := s.ListComments(ctx, "deck-1")
	if err != nil {
		t.Fatalf("ListComments: %v", err)
	}
	if len(list) != 2 || list[0].ID != top.ID || list[1].ID != r2.ID {
		t.Fatalf("unexpected remaining comments: %d", len(list))
	}
}

func testExportAll(t *testing.T, s store.Store) {
	a := mustCreate(t, s, "deck-1", nil, 0)
	b := mustCreate(t, s, "deck-2", nil, 0)
	var ids []int64
	err := s.ExportComments(context.Background(), func(c *model.Comment) error {
		ids = append(ids, c.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("ExportComments: %v", err)
	}
	if want := []int64{a.ID, b.ID}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
}
