// Package memory is a non-durable Store used for tests and single-process
// deployments without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alfredjeanlab/huddle/internal/model"
	"github.com/alfredjeanlab/huddle/internal/store"
)

// Store keeps comments in process memory.
type Store struct {
	mu     sync.RWMutex
	nextID int64
	byID   map[int64]*model.Comment
	byDoc  map[string]map[int64]struct{}
}

var _ store.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		byID:  make(map[int64]*model.Comment),
		byDoc: make(map[string]map[int64]struct{}),
	}
}

func (s *Store) CreateComment(_ context.Context, c *model.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ParentID != nil {
		if _, ok := s.byID[*c.ParentID]; !ok {
			return store.ErrParentNotFound
		}
	}
	s.nextID++
	c.ID = s.nextID

	stored := c.Clone()
	stored.Mentions = nil
	s.byID[c.ID] = stored
	ids := s.byDoc[c.DocumentID]
	if ids == nil {
		ids = make(map[int64]struct{})
		s.byDoc[c.DocumentID] = ids
	}
	ids[c.ID] = struct{}{}
	return nil
}

func (s *Store) GetComment(_ context.Context, id int64) (*model.Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *Store) ListComments(_ context.Context, documentID string) ([]*model.Comment, error) {
	s.mu.RLock()
	out := make([]*model.Comment, 0, len(s.byDoc[documentID]))
	for id := range s.byDoc[documentID] {
		out = append(out, s.byID[id].Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) ResolveComment(_ context.Context, id int64, by string, at time.Time) (*model.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !c.Resolved {
		c.Resolved = true
		c.ResolvedBy = &by
		c.ResolvedAt = &at
		c.UpdatedAt = at
	}
	return c.Clone(), nil
}

func (s *Store) ReopenComment(_ context.Context, id int64, at time.Time) (*model.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if c.Resolved {
		c.Resolved = false
		c.ResolvedBy = nil
		c.ResolvedAt = nil
		c.UpdatedAt = at
	}
	return c.Clone(), nil
}

func (s *Store) DeleteComment(_ context.Context, id int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}

	deleted := []int64{id}
	var replies []int64
	for rid := range s.byDoc[target.DocumentID] {
		if r := s.byID[rid]; r.ParentID != nil && *r.ParentID == id {
			replies = append(replies, rid)
		}
	}
	sort.Slice(replies, func(i, j int) bool { return replies[i] < replies[j] })
	deleted = append(deleted, replies...)

	for _, did := range deleted {
		delete(s.byID, did)
		delete(s.byDoc[target.DocumentID], did)
	}
	if len(s.byDoc[target.DocumentID]) == 0 {
		delete(s.byDoc, target.DocumentID)
	}
	return deleted, nil
}

func (s *Store) ExportComments(ctx context.Context, fn func(*model.Comment) error) error {
	s.mu.RLock()
	all := make([]*model.Comment, 0, len(s.byID))
	for _, c := range s.byID {
		all = append(all, c.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	for _, c := range all {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error { return nil }
