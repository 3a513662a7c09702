package model

import "fmt"

// NotFoundError reports a reference to a comment or document that does not exist.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// AuthorizationError reports an actor attempting an operation they may not perform.
type AuthorizationError struct {
	Actor  string
	Action string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s is not permitted to %s", e.Actor, e.Action)
}

// TransportError wraps a failure to publish to or subscribe on a change channel.
// It is recoverable by resubscribing.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StaleReadError means a locally cached view can no longer be patched and
// must be refetched. It is never shown to users.
type StaleReadError struct {
	Resource string
	Reason   string
}

func (e *StaleReadError) Error() string {
	return fmt.Sprintf("stale %s: %s", e.Resource, e.Reason)
}
