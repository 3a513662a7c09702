package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/alfredjeanlab/huddle/internal/model"
	"github.com/alfredjeanlab/huddle/internal/store"
)

// executor is the common interface of *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// pgForeignKeyViolation is the SQLSTATE raised when parent_id names a missing row.
const pgForeignKeyViolation = "23503"

func queryCreateComment(ctx context.Context, db executor, c *model.Comment) error {
	posX, posY := nullPosition(c.Position)
	err := db.QueryRowContext(ctx, `
		INSERT INTO comments (document_id, slide_index, position_x, position_y, author_id, author_name,
			content, parent_id, resolved, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, $9, $10)
		RETURNING id`,
		c.DocumentID, c.SlideIndex, posX, posY, c.AuthorID, c.AuthorName,
		c.Content, nullInt64(c.ParentID), c.CreatedAt, c.UpdatedAt,
	).Scan(&c.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgForeignKeyViolation {
			return store.ErrParentNotFound
		}
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func queryGetComment(ctx context.Context, db executor, id int64) (*model.Comment, error) {
	c, err := scanComment(db.QueryRowContext(ctx,
		`SELECT `+commentColumns+` FROM comments WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get comment %d: %w", id, err)
	}
	return c, nil
}

func queryListComments(ctx context.Context, db executor, documentID string) ([]*model.Comment, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+commentColumns+` FROM comments WHERE document_id = $1 ORDER BY created_at ASC, id ASC`,
		documentID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	var comments []*model.Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

func queryResolveComment(ctx context.Context, db executor, id int64, by string, at time.Time) (*model.Comment, error) {
	c, err := scanComment(db.QueryRowContext(ctx, `
		UPDATE comments SET
			resolved = TRUE,
			resolved_by = COALESCE(resolved_by, $2),
			resolved_at = COALESCE(resolved_at, $3),
			updated_at = CASE WHEN resolved THEN updated_at ELSE $3 END
		WHERE id = $1
		RETURNING `+commentColumns,
		id, by, at))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve comment %d: %w", id, err)
	}
	return c, nil
}

func queryReopenComment(ctx context.Context, db executor, id int64, at time.Time) (*model.Comment, error) {
	c, err := scanComment(db.QueryRowContext(ctx, `
		UPDATE comments SET
			resolved = FALSE,
			resolved_by = NULL,
			resolved_at = NULL,
			updated_at = CASE WHEN resolved THEN $2 ELSE updated_at END
		WHERE id = $1
		RETURNING `+commentColumns,
		id, at))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reopen comment %d: %w", id, err)
	}
	return c, nil
}

// queryDeleteThread deletes a comment and its replies. It must run inside a
// transaction so the row lock on the target holds across both deletes.
func queryDeleteThread(ctx context.Context, db executor, id int64) ([]int64, error) {
	var locked int64
	err := db.QueryRowContext(ctx, `SELECT id FROM comments WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock comment %d: %w", id, err)
	}

	rows, err := db.QueryContext(ctx, `DELETE FROM comments WHERE parent_id = $1 RETURNING id`, id)
	if err != nil {
		return nil, fmt.Errorf("delete replies of %d: %w", id, err)
	}
	var replies []int64
	for rows.Next() {
		var rid int64
		if err := rows.Scan(&rid); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan reply id: %w", err)
		}
		replies = append(replies, rid)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	res, err := db.ExecContext(ctx, `DELETE FROM comments WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("delete comment %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return nil, store.ErrNotFound
	}

	sort.Slice(replies, func(i, j int) bool { return replies[i] < replies[j] })
	return append([]int64{id}, replies...), nil
}

func queryExportComments(ctx context.Context, db executor, fn func(*model.Comment) error) error {
	rows, err := db.QueryContext(ctx, `SELECT `+commentColumns+` FROM comments ORDER BY id ASC`)
	if err != nil {
		return fmt.Errorf("export comments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return fmt.Errorf("scan comment: %w", err)
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return rows.Err()
}
