package sched

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/profiled/internal/events"
	"github.com/mattjoyce/profiled/internal/profile"
)

// Submitter is the inbound surface scheduled requests are re-delivered to.
// The dispatcher satisfies it.
type Submitter interface {
	Enqueue(req *profile.Request)
}

// Scheduler replays booked refreshes once they come due. Bookings live in
// SQLite, so a restart loses nothing: the first ticks after startup re-deliver
// whatever came due while the process was down, and workers are re-created
// lazily by the dispatcher.
type Scheduler struct {
	store  *Store
	submit Submitter
	hub    *events.Hub
	tick   time.Duration
	logger *slog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Scheduler that checks for due refreshes every tickInterval.
func New(store *Store, submit Submitter, hub *events.Hub, tickInterval time.Duration, logger *slog.Logger) *Scheduler {
	if hub == nil {
		hub = events.NewHub(128)
	}
	if tickInterval <= 0 {
		tickInterval = 60 * time.Second
	}
	return &Scheduler{
		store:  store,
		submit: submit,
		hub:    hub,
		tick:   tickInterval,
		logger: logger.With("component", "sched"),
		stopCh: make(chan struct{}),
	}
}

// ScheduleAt books re-delivery of req at the absolute time at. A previous
// booking for the same profile is replaced.
func (s *Scheduler) ScheduleAt(ctx context.Context, at time.Time, req *profile.Request) error {
	dueAt := at.UnixMilli()
	if err := s.store.Upsert(ctx, req.ProfileID, dueAt, req); err != nil {
		return err
	}
	s.hub.Publish(events.TypeRefreshBooked, map[string]any{
		"profile_id": req.ProfileID,
		"due_at_ms":  dueAt,
	})
	s.logger.Debug("refresh booked", "profile_id", req.ProfileID, "due_at_ms", dueAt)
	return nil
}

// Unbook drops any pending refresh for profileID.
func (s *Scheduler) Unbook(ctx context.Context, profileID int64) error {
	return s.store.Delete(ctx, profileID)
}

// Start begins the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("starting scheduler", "tick_interval", s.tick)
	s.wg.Add(1)
	go s.tickLoop(ctx)
	return nil
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() {
	s.logger.Info("stopping scheduler")
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	// Initial tick immediately so refreshes that came due while the
	// process was down are replayed without waiting a full interval.
	s.runTick(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runTick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.logger.Warn("scheduler context cancelled, stopping tick loop")
			return
		}
	}
}

// runTick re-delivers every due refresh to the submit surface.
func (s *Scheduler) runTick(ctx context.Context) {
	s.hub.Publish(events.TypeSchedulerTick, map[string]any{
		"at": time.Now().UTC(),
	})

	entries, err := s.store.Due(ctx, time.Now().UnixMilli())
	if err != nil {
		s.logger.Error("failed to load due refreshes", "error", err)
		return
	}

	for _, e := range entries {
		// Delete before submit: a refresh that is lost to a crash in
		// this window is re-created by the next successful run of the
		// profile, while the reverse order could replay one booking
		// forever if delete kept failing.
		if err := s.store.Delete(ctx, e.ProfileID); err != nil {
			s.logger.Error("failed to unbook refresh", "profile_id", e.ProfileID, "error", err)
			continue
		}

		req := e.Request
		s.submit.Enqueue(&req)
		s.logger.Info("refresh re-delivered", "profile_id", e.ProfileID, "due_at_ms", e.DueAtMillis)
	}
}
