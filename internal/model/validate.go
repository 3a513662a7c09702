package model

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultMaxCommentLength bounds comment content, in characters.
const DefaultMaxCommentLength = 5000

// ValidationError holds a list of field-level validation errors.
type ValidationError struct {
	Errors []FieldError
}

// FieldError represents a single validation failure on a named field.
type FieldError struct {
	Field   string
	Message string
}

// Error formats the validation error as a semicolon-separated list of field messages.
func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// HasErrors reports whether the validation error contains any field errors.
func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

// Add appends a field error.
func (e *ValidationError) Add(field, msg string) {
	e.Errors = append(e.Errors, FieldError{Field: field, Message: msg})
}

// Err returns e if it holds any errors, nil otherwise.
func (e *ValidationError) Err() error {
	if e.HasErrors() {
		return e
	}
	return nil
}

// NewValidationError returns a validation error for a single field.
func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Errors: []FieldError{{Field: field, Message: msg}}}
}

// ValidateContent checks comment content against the length bounds.
// maxLen <= 0 selects DefaultMaxCommentLength.
func ValidateContent(ve *ValidationError, content string, maxLen int) {
	if maxLen <= 0 {
		maxLen = DefaultMaxCommentLength
	}
	if strings.TrimSpace(content) == "" {
		ve.Add("content", "is required")
		return
	}
	if n := utf8.RuneCountInString(content); n > maxLen {
		ve.Add("content", fmt.Sprintf("must be %d characters or fewer, got %d", maxLen, n))
	}
}

// ValidateSlideIndex checks idx against an optional slide count.
// slideCount <= 0 means the count is unknown and only the lower bound applies.
func ValidateSlideIndex(ve *ValidationError, idx, slideCount int) {
	if idx < 0 {
		ve.Add("slideIndex", fmt.Sprintf("must be >= 0, got %d", idx))
		return
	}
	if slideCount > 0 && idx >= slideCount {
		ve.Add("slideIndex", fmt.Sprintf("must be < %d, got %d", slideCount, idx))
	}
}

// ValidatePresence checks the mutable fields of a presence upsert.
func ValidatePresence(p *Presence) error {
	var ve ValidationError
	if strings.TrimSpace(p.DocumentID) == "" {
		ve.Add("documentId", "is required")
	}
	if strings.TrimSpace(p.UserID) == "" {
		ve.Add("userId", "is required")
	}
	if !p.Activity.IsValid() {
		ve.Add("activityType", fmt.Sprintf("invalid value %q", p.Activity))
	}
	if p.SlideIndex != nil && *p.SlideIndex < 0 {
		ve.Add("slideIndex", fmt.Sprintf("must be >= 0, got %d", *p.SlideIndex))
	}
	return ve.Err()
}
