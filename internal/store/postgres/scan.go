package postgres

import (
	"database/sql"

	"github.com/alfredjeanlab/huddle/internal/model"
)

// scannable is the interface satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// commentColumns is the select list understood by scanComment.
const commentColumns = `id, document_id, slide_index, position_x, position_y, author_id, author_name,
	content, parent_id, resolved, resolved_by, resolved_at, created_at, updated_at`

// scanComment scans a single row into a model.Comment.
// The row must contain columns in the order defined by commentColumns.
func scanComment(row scannable) (*model.Comment, error) {
	var c model.Comment
	var (
		posX       sql.NullFloat64
		posY       sql.NullFloat64
		authorName sql.NullString
		parentID   sql.NullInt64
		resolvedBy sql.NullString
		resolvedAt sql.NullTime
	)

	err := row.Scan(
		&c.ID,
		&c.DocumentID,
		&c.SlideIndex,
		&posX,
		&posY,
		&c.AuthorID,
		&authorName,
		&c.Content,
		&parentID,
		&c.Resolved,
		&resolvedBy,
		&resolvedAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.AuthorName = authorName.String
	if posX.Valid && posY.Valid {
		c.Position = &model.Point{X: posX.Float64, Y: posY.Float64}
	}
	if parentID.Valid {
		id := parentID.Int64
		c.ParentID = &id
	}
	if resolvedBy.Valid {
		by := resolvedBy.String
		c.ResolvedBy = &by
	}
	if resolvedAt.Valid {
		at := resolvedAt.Time
		c.ResolvedAt = &at
	}
	return &c, nil
}

// nullPosition splits an optional point into two nullable columns.
func nullPosition(p *model.Point) (sql.NullFloat64, sql.NullFloat64) {
	if p == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: p.X, Valid: true}, sql.NullFloat64{Float64: p.Y, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
