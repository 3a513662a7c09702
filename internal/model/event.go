package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind identifies what changed on a document.
type EventKind string

const (
	EventPresenceUpsert  EventKind = "presence_upsert"
	EventPresenceExpire  EventKind = "presence_expire"
	EventCommentCreated  EventKind = "comment_created"
	EventCommentResolved EventKind = "comment_resolved"
	EventCommentDeleted  EventKind = "comment_deleted"
)

// String returns the string representation of the event kind.
func (k EventKind) String() string {
	return string(k)
}

// IsValid checks whether the event kind is a known value.
func (k EventKind) IsValid() bool {
	switch k {
	case EventPresenceUpsert, EventPresenceExpire,
		EventCommentCreated, EventCommentResolved, EventCommentDeleted:
		return true
	}
	return false
}

// IsPresence reports whether the kind concerns presence records.
func (k EventKind) IsPresence() bool {
	return k == EventPresenceUpsert || k == EventPresenceExpire
}

// ChangeEvent is the envelope fanned out to every subscriber of a document.
// It is never persisted.
type ChangeEvent struct {
	ID         string          `json:"id"`
	DocumentID string          `json:"documentId"`
	Kind       EventKind       `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EmittedAt  time.Time       `json:"emittedAt"`

	// Origin names the server replica that first published the event.
	// Relays use it to avoid delivering an event twice on its home replica.
	Origin string `json:"origin,omitempty"`
}

// NewChangeEvent marshals payload into a new event for documentID.
// The caller assigns ID and Origin.
func NewChangeEvent(documentID string, kind EventKind, payload any, at time.Time) (*ChangeEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return &ChangeEvent{
		DocumentID: documentID,
		Kind:       kind,
		Payload:    data,
		EmittedAt:  at,
	}, nil
}

// hasPayload reports whether the event still carries its record. Relays with
// size limits may strip it, in which case the receiver must refetch.
func (e *ChangeEvent) hasPayload() bool {
	return len(e.Payload) > 0 && string(e.Payload) != "null"
}

// Presence decodes the payload of a presence_upsert or presence_expire event.
func (e *ChangeEvent) Presence() (*Presence, error) {
	if !e.Kind.IsPresence() {
		return nil, fmt.Errorf("event %s does not carry a presence record", e.Kind)
	}
	if !e.hasPayload() {
		return nil, &StaleReadError{Resource: "presence", Reason: "event payload omitted"}
	}
	var p Presence
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode presence payload: %w", err)
	}
	return &p, nil
}

// Comment decodes the payload of a comment_created or comment_resolved event.
func (e *ChangeEvent) Comment() (*Comment, error) {
	if e.Kind != EventCommentCreated && e.Kind != EventCommentResolved {
		return nil, fmt.Errorf("event %s does not carry a comment", e.Kind)
	}
	if !e.hasPayload() {
		return nil, &StaleReadError{Resource: "comments", Reason: "event payload omitted"}
	}
	var c Comment
	if err := json.Unmarshal(e.Payload, &c); err != nil {
		return nil, fmt.Errorf("decode comment payload: %w", err)
	}
	return &c, nil
}

// Deletion decodes the payload of a comment_deleted event.
func (e *ChangeEvent) Deletion() (*CommentDeletion, error) {
	if e.Kind != EventCommentDeleted {
		return nil, fmt.Errorf("event %s does not carry a deletion", e.Kind)
	}
	if !e.hasPayload() {
		return nil, &StaleReadError{Resource: "comments", Reason: "event payload omitted"}
	}
	var d CommentDeletion
	if err := json.Unmarshal(e.Payload, &d); err != nil {
		return nil, fmt.Errorf("decode deletion payload: %w", err)
	}
	return &d, nil
}
