// Package backup periodically exports every stored comment as JSONL to one
// or more destinations. Presence is ephemeral and never backed up.
package backup

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/alfredjeanlab/huddle/internal/store"
)

// Destination is the interface for a backup target.
type Destination interface {
	// Write sends the JSONL payload to the destination.
	Write(ctx context.Context, data []byte) error
}

// Schedule decides when the next backup runs.
type Schedule interface {
	Next(after time.Time) (time.Time, error)
}

// Every runs a backup at a fixed interval.
type Every time.Duration

func (e Every) Next(after time.Time) (time.Time, error) {
	return after.Add(time.Duration(e)), nil
}

// Cron runs a backup on the ticks of a standard cron expression, in UTC.
type Cron string

func (c Cron) Next(after time.Time) (time.Time, error) {
	return gronx.NextTickAfter(string(c), after.UTC(), false)
}

// ParseCron validates expr and returns it as a Schedule.
func ParseCron(expr string) (Cron, error) {
	if !gronx.IsValid(expr) {
		return "", fmt.Errorf("invalid cron expression %q", expr)
	}
	return Cron(expr), nil
}

// retryAfter is how long the scheduler waits when a schedule cannot
// produce a next tick.
const retryAfter = 30 * time.Second

// Scheduler runs periodic backups to one or more destinations.
type Scheduler struct {
	store        store.Store
	destinations []Destination
	schedule     Schedule
	logger       *slog.Logger
	now          func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler that exports from the store to the given
// destinations on schedule.
func NewScheduler(s store.Store, destinations []Destination, schedule Schedule, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:        s,
		destinations: destinations,
		schedule:     schedule,
		logger:       logger,
		now:          time.Now,
	}
}

// Start begins periodic backups. It runs one immediately, then on each tick.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop cancels the scheduler and waits for the current backup (if any) to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	s.RunOnce(ctx)

	for {
		wait := retryAfter
		next, err := s.schedule.Next(s.now())
		if err != nil {
			s.logger.Error("backup schedule failed", "err", err)
		} else {
			wait = time.Until(next)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err == nil {
			s.RunOnce(ctx)
		}
	}
}

// RunOnce exports the store and writes the result to every destination.
// A failing destination does not stop the others.
func (s *Scheduler) RunOnce(ctx context.Context) {
	var buf bytes.Buffer
	n, err := ExportJSONL(ctx, s.store, &buf, s.now())
	if err != nil {
		s.logger.Error("backup export failed", "err", err)
		return
	}
	data := buf.Bytes()

	for i, dest := range s.destinations {
		if err := dest.Write(ctx, data); err != nil {
			s.logger.Error("backup destination write failed", "destination", i, "err", err)
		}
	}

	s.logger.Info("backup completed", "destinations", len(s.destinations), "comments", n, "bytes", len(data))
}
