package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/alfredjeanlab/huddle/internal/model"
	"github.com/alfredjeanlab/huddle/internal/store"
)

// header is the first JSONL record written by ExportJSONL.
type header struct {
	Version      string    `json:"version"`
	Type         string    `json:"type"`
	Timestamp    time.Time `json:"timestamp"`
	CommentCount int       `json:"commentCount"`
}

// record wraps a single JSONL line with a type discriminator.
type record struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ExportJSONL writes every comment in the store to w as JSONL: a header
// line, then one line per comment in id order. Replies follow the id
// sequence, so a parent always precedes its replies. It returns the number
// of comments written.
func ExportJSONL(ctx context.Context, s store.Store, w io.Writer, at time.Time) (int, error) {
	var comments []*model.Comment
	err := s.ExportComments(ctx, func(c *model.Comment) error {
		comments = append(comments, c)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("export comments: %w", err)
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(header{
		Version:      "1",
		Type:         "header",
		Timestamp:    at.UTC(),
		CommentCount: len(comments),
	}); err != nil {
		return 0, fmt.Errorf("encode header: %w", err)
	}

	for _, c := range comments {
		if err := enc.Encode(record{Type: "comment", Data: c}); err != nil {
			return 0, fmt.Errorf("encode comment %d: %w", c.ID, err)
		}
	}
	return len(comments), nil
}
