package model

import "sort"

// Thread nests replies under their parents. Each level is ordered by
// CreatedAt ascending, with ID breaking ties. Replies whose parent is not in
// the input are dropped.
func Thread(flat []*Comment) []*Comment {
	sorted := make([]*Comment, len(flat))
	copy(sorted, flat)
	sort.SliceStable(sorted, func(i, j int) bool {
		return commentBefore(sorted[i], sorted[j])
	})

	roots := make([]*Comment, 0, len(sorted))
	byID := make(map[int64]*Comment, len(sorted))
	for _, c := range sorted {
		if c.ParentID == nil {
			n := c.Clone()
			n.Replies = []*Comment{}
			byID[n.ID] = n
			roots = append(roots, n)
		}
	}
	for _, c := range sorted {
		if c.ParentID == nil {
			continue
		}
		if parent, ok := byID[*c.ParentID]; ok {
			parent.Replies = append(parent.Replies, c.Clone())
		}
	}
	return roots
}

// Flatten is the inverse of Thread: it returns parents followed by their replies.
func Flatten(threads []*Comment) []*Comment {
	var out []*Comment
	for _, t := range threads {
		out = append(out, t.Clone())
		for _, r := range t.Replies {
			out = append(out, r.Clone())
		}
	}
	return out
}

func commentBefore(a, b *Comment) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
