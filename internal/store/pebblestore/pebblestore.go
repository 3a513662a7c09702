// Package pebblestore implements store.Store on an embedded Pebble key-value store,
// for single-node deployments that want durable comments without Postgres.
package pebblestore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/alfredjeanlab/huddle/internal/model"
	"github.com/alfredjeanlab/huddle/internal/store"
)

// Key layout:
//
//	seq                         last allocated comment id
//	c/<id>                      comment JSON
//	d/<escaped doc>/<id>        document index
//	p/<parent id>/<id>          reply index
const (
	seqKey       = "seq"
	commentPfx   = "c/"
	documentPfx  = "d/"
	replyPfx     = "p/"
	idKeyPattern = "%020d"
)

// Store implements store.Store backed by Pebble.
type Store struct {
	db *pebble.DB

	// wmu serializes writers; Pebble has no multi-key transactions and the
	// parent check on create must see a stable view.
	wmu sync.Mutex
}

var _ store.Store = (*Store)(nil)

// New opens or creates a Pebble database in dir.
func New(dir string) (*Store, error) {
	return Open(dir, &pebble.Options{})
}

// Open opens a Pebble database with caller supplied options.
func Open(dir string, opts *pebble.Options) (*Store, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func commentKey(id int64) []byte {
	return []byte(commentPfx + fmt.Sprintf(idKeyPattern, id))
}

func documentPrefix(documentID string) string {
	return documentPfx + url.PathEscape(documentID) + "/"
}

func documentKey(documentID string, id int64) []byte {
	return []byte(documentPrefix(documentID) + fmt.Sprintf(idKeyPattern, id))
}

func replyPrefix(parentID int64) string {
	return replyPfx + fmt.Sprintf(idKeyPattern, parentID) + "/"
}

func replyKey(parentID, id int64) []byte {
	return []byte(replyPrefix(parentID) + fmt.Sprintf(idKeyPattern, id))
}

// prefixBounds returns iterator bounds covering every key with prefix.
func prefixBounds(prefix string) *pebble.IterOptions {
	return &pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: []byte(prefix + "\xff"),
	}
}

func (s *Store) nextID() (int64, error) {
	data, closer, err := s.db.Get([]byte(seqKey))
	if errors.Is(err, pebble.ErrNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read sequence: %w", err)
	}
	defer closer.Close()
	if len(data) != 8 {
		return 0, fmt.Errorf("corrupt sequence value of %d bytes", len(data))
	}
	return int64(binary.BigEndian.Uint64(data)) + 1, nil
}

func (s *Store) get(id int64) (*model.Comment, error) {
	data, closer, err := s.db.Get(commentKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get comment %d: %w", id, err)
	}
	defer closer.Close()

	var c model.Comment
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode comment %d: %w", id, err)
	}
	return &c, nil
}

func (s *Store) put(b *pebble.Batch, c *model.Comment) error {
	stored := c.Clone()
	stored.Mentions = nil
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode comment %d: %w", c.ID, err)
	}
	return b.Set(commentKey(c.ID), data, nil)
}

func (s *Store) CreateComment(_ context.Context, c *model.Comment) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if c.ParentID != nil {
		if _, err := s.get(*c.ParentID); errors.Is(err, store.ErrNotFound) {
			return store.ErrParentNotFound
		} else if err != nil {
			return err
		}
	}

	id, err := s.nextID()
	if err != nil {
		return err
	}
	c.ID = id

	b := s.db.NewBatch()
	defer b.Close()

	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], uint64(id))
	if err := b.Set([]byte(seqKey), seq[:], nil); err != nil {
		return err
	}
	if err := s.put(b, c); err != nil {
		return err
	}
	if err := b.Set(documentKey(c.DocumentID, id), nil, nil); err != nil {
		return err
	}
	if c.ParentID != nil {
		if err := b.Set(replyKey(*c.ParentID, id), nil, nil); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit comment %d: %w", id, err)
	}
	return nil
}

func (s *Store) GetComment(_ context.Context, id int64) (*model.Comment, error) {
	return s.get(id)
}

// indexIDs returns the trailing ids of every key under prefix.
func (s *Store) indexIDs(prefix string) ([]int64, error) {
	iter, err := s.db.NewIter(prefixBounds(prefix))
	if err != nil {
		return nil, fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	var ids []int64
	for iter.First(); iter.Valid(); iter.Next() {
		var id int64
		if _, err := fmt.Sscanf(string(iter.Key()[len(prefix):]), "%d", &id); err != nil {
			return nil, fmt.Errorf("parse index key %q: %w", iter.Key(), err)
		}
		ids = append(ids, id)
	}
	return ids, iter.Error()
}

func (s *Store) ListComments(_ context.Context, documentID string) ([]*model.Comment, error) {
	ids, err := s.indexIDs(documentPrefix(documentID))
	if err != nil {
		return nil, err
	}
	out := make([]*model.Comment, 0, len(ids))
	for _, id := range ids {
		c, err := s.get(id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// update applies mutate to a stored comment and writes it back when mutate
// reports a change.
func (s *Store) update(id int64, mutate func(*model.Comment) bool) (*model.Comment, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	c, err := s.get(id)
	if err != nil {
		return nil, err
	}
	if !mutate(c) {
		return c, nil
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := s.put(b, c); err != nil {
		return nil, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("commit comment %d: %w", id, err)
	}
	return c, nil
}

func (s *Store) ResolveComment(_ context.Context, id int64, by string, at time.Time) (*model.Comment, error) {
	return s.update(id, func(c *model.Comment) bool {
		if c.Resolved {
			return false
		}
		c.Resolved = true
		c.ResolvedBy = &by
		c.ResolvedAt = &at
		c.UpdatedAt = at
		return true
	})
}

func (s *Store) ReopenComment(_ context.Context, id int64, at time.Time) (*model.Comment, error) {
	return s.update(id, func(c *model.Comment) bool {
		if !c.Resolved {
			return false
		}
		c.Resolved = false
		c.ResolvedBy = nil
		c.ResolvedAt = nil
		c.UpdatedAt = at
		return true
	})
}

func (s *Store) DeleteComment(_ context.Context, id int64) ([]int64, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	target, err := s.get(id)
	if err != nil {
		return nil, err
	}
	replies, err := s.indexIDs(replyPrefix(id))
	if err != nil {
		return nil, err
	}

	b := s.db.NewBatch()
	defer b.Close()

	deleted := append([]int64{id}, replies...)
	for _, did := range deleted {
		if err := b.Delete(commentKey(did), nil); err != nil {
			return nil, err
		}
		if err := b.Delete(documentKey(target.DocumentID, did), nil); err != nil {
			return nil, err
		}
		if err := b.Delete(replyKey(id, did), nil); err != nil {
			return nil, err
		}
	}
	if target.ParentID != nil {
		if err := b.Delete(replyKey(*target.ParentID, id), nil); err != nil {
			return nil, err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("commit delete %d: %w", id, err)
	}
	return deleted, nil
}

func (s *Store) ExportComments(ctx context.Context, fn func(*model.Comment) error) error {
	iter, err := s.db.NewIter(prefixBounds(commentPfx))
	if err != nil {
		return fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var c model.Comment
		if err := json.Unmarshal(iter.Value(), &c); err != nil {
			return fmt.Errorf("decode %q: %w", iter.Key(), err)
		}
		if err := fn(&c); err != nil {
			return err
		}
	}
	return iter.Error()
}
