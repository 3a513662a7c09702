package events

import (
	"context"

	"github.com/alfredjeanlab/huddle/internal/model"
)

// NoopRelay is a Relay that does nothing (used when the server runs as a
// single replica).
type NoopRelay struct{}

func (NoopRelay) Publish(ctx context.Context, ev *model.ChangeEvent) error {
	return nil
}

func (NoopRelay) Run(ctx context.Context, deliver func(*model.ChangeEvent)) error {
	<-ctx.Done()
	return nil
}

func (NoopRelay) Close() error {
	return nil
}
