package model

import (
	"hash/fnv"
	"time"
)

// ActivityType describes what a participant is doing on a document.
type ActivityType string

const (
	ActivityViewing    ActivityType = "viewing"
	ActivityEditing    ActivityType = "editing"
	ActivityCommenting ActivityType = "commenting"
	ActivityIdle       ActivityType = "idle"
)

// String returns the string representation of the activity type.
func (a ActivityType) String() string {
	return string(a)
}

// IsValid checks whether the activity type is a known value.
func (a ActivityType) IsValid() bool {
	switch a {
	case ActivityViewing, ActivityEditing, ActivityCommenting, ActivityIdle:
		return true
	}
	return false
}

// Point is a position on a slide, used for live cursors and comment pins.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Presence is the ephemeral record of one user on one document.
type Presence struct {
	DocumentID  string       `json:"documentId"`
	UserID      string       `json:"userId"`
	DisplayName string       `json:"displayName"`
	AvatarColor string       `json:"avatarColor"`
	Activity    ActivityType `json:"activityType"`
	SlideIndex  *int         `json:"slideIndex,omitempty"`
	Cursor      *Point       `json:"cursor,omitempty"`
	LastSeenAt  time.Time    `json:"lastSeenAt"`
}

// SameState reports whether p and o carry the same mutable fields,
// ignoring LastSeenAt.
func (p *Presence) SameState(o *Presence) bool {
	if p.DocumentID != o.DocumentID || p.UserID != o.UserID ||
		p.DisplayName != o.DisplayName || p.AvatarColor != o.AvatarColor ||
		p.Activity != o.Activity {
		return false
	}
	if (p.SlideIndex == nil) != (o.SlideIndex == nil) {
		return false
	}
	if p.SlideIndex != nil && *p.SlideIndex != *o.SlideIndex {
		return false
	}
	if (p.Cursor == nil) != (o.Cursor == nil) {
		return false
	}
	return p.Cursor == nil || *p.Cursor == *o.Cursor
}

// Clone returns a deep copy of p.
func (p *Presence) Clone() *Presence {
	c := *p
	if p.SlideIndex != nil {
		idx := *p.SlideIndex
		c.SlideIndex = &idx
	}
	if p.Cursor != nil {
		pt := *p.Cursor
		c.Cursor = &pt
	}
	return &c
}

// avatarPalette is the set of colors handed out to participants without one.
var avatarPalette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#FFA07A",
	"#98D8C8", "#F7DC6F", "#BB8FCE", "#85C1E2",
}

// AvatarColorFor returns a stable palette color for userID.
func AvatarColorFor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return avatarPalette[h.Sum32()%uint32(len(avatarPalette))]
}
