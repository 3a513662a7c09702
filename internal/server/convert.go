package server

import (
	"github.com/alfredjeanlab/huddle/internal/comments"
	"github.com/alfredjeanlab/huddle/internal/presence"
)

func presenceUpdate(documentID string, req upsertPresenceRequest) presence.Update {
	return presence.Update{
		DocumentID: documentID,
		Activity:   req.Activity,
		SlideIndex: req.SlideIndex,
		Cursor:     req.Cursor,
	}
}

func commentInput(documentID string, req createCommentRequest) comments.CreateInput {
	return comments.CreateInput{
		DocumentID: documentID,
		SlideIndex: *req.SlideIndex,
		SlideCount: req.SlideCount,
		Content:    req.Content,
		ParentID:   req.ParentID,
		Position:   req.Position,
	}
}
