// Package manager implements the processing side of the request pipeline:
// it is the dispatch handler that applies upsert and remove requests against
// the metadata store, the content filesystem, the fetcher, and the refresh
// scheduler.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/profiled/internal/content"
	"github.com/mattjoyce/profiled/internal/events"
	"github.com/mattjoyce/profiled/internal/fetch"
	"github.com/mattjoyce/profiled/internal/log"
	"github.com/mattjoyce/profiled/internal/profile"
)

// RefreshBooker books and cancels durable refresh re-deliveries. The
// scheduler satisfies it.
type RefreshBooker interface {
	ScheduleAt(ctx context.Context, at time.Time, req *profile.Request) error
	Unbook(ctx context.Context, profileID int64) error
}

// Manager applies requests to a profile. The dispatcher guarantees calls
// for the same profile id never overlap, so Manager holds no per-profile
// locks of its own.
type Manager struct {
	store   *profile.Store
	fetcher fetch.Fetcher
	fs      *content.FS
	booker  RefreshBooker
	hub     *events.Hub
	logger  *slog.Logger
}

func New(store *profile.Store, fetcher fetch.Fetcher, fs *content.FS, booker RefreshBooker, hub *events.Hub) *Manager {
	if hub == nil {
		hub = events.NewHub(128)
	}
	return &Manager{
		store:   store,
		fetcher: fetcher,
		fs:      fs,
		booker:  booker,
		hub:     hub,
		logger:  log.WithComponent("manager"),
	}
}

// Process executes one request. It is the dispatch.Handler implementation.
func (m *Manager) Process(ctx context.Context, req *profile.Request) error {
	switch req.Action {
	case profile.ActionUpsert:
		return m.upsert(ctx, req)
	case profile.ActionRemove:
		return m.remove(ctx, req)
	default:
		return fmt.Errorf("%w: unknown action %q", profile.ErrInvalidArgument, req.Action)
	}
}

func (m *Manager) upsert(ctx context.Context, req *profile.Request) error {
	var rec *profile.Record

	if req.ProfileID == 0 {
		r, err := m.newRecord(req)
		if err != nil {
			return err
		}
		rec = r
	} else {
		existing, err := m.store.GetByID(ctx, req.ProfileID)
		if err != nil {
			return err
		}
		if existing == nil {
			// The profile vanished between submit and processing,
			// typically removed by an earlier queued request. Not an
			// error, and no change notification.
			m.logger.Debug("upsert for missing profile ignored", "profile_id", req.ProfileID)
			return nil
		}
		rec = existing
		applyUpdates(rec, req)
	}

	if err := fetch.ValidateSource(rec.Source); err != nil {
		return fmt.Errorf("%w: %v", profile.ErrInvalidArgument, err)
	}

	layout := content.Layout{File: rec.LocalFile, BaseDir: rec.LocalBaseDir}
	_, dirPath, err := m.fs.Prepare(layout)
	if err != nil {
		return err
	}
	staging, err := m.fs.StagingPath(layout)
	if err != nil {
		return err
	}

	// Content lands in a staging file and is renamed into place only on
	// success, so a failed refresh never corrupts the last good content.
	checksum, err := m.fetcher.Materialize(ctx, rec.Source, staging, dirPath)
	if err != nil {
		if cleanupErr := m.fs.DiscardStaged(layout); cleanupErr != nil {
			m.logger.Warn("failed to discard staged fetch output", "error", cleanupErr)
		}
		if rec.ID == 0 {
			// Nothing references the fresh layout yet; drop it whole.
			if cleanupErr := m.fs.Remove(layout); cleanupErr != nil {
				m.logger.Warn("failed to clean up partial fetch output", "error", cleanupErr)
			}
		}
		return fmt.Errorf("%w: %v", profile.ErrFetchFailed, err)
	}
	if err := m.fs.Promote(layout); err != nil {
		return err
	}

	rec.Checksum = checksum
	rec.LastUpdateMillis = time.Now().UnixMilli()

	if rec.ID == 0 {
		id, err := m.store.Insert(ctx, rec)
		if err != nil {
			return err
		}
		rec.ID = id
		log.WithProfile(rec.ID).Info("profile created", "name", rec.Name)
	} else {
		if err := m.store.Update(ctx, rec); err != nil {
			return err
		}
		log.WithProfile(rec.ID).Info("profile updated", "name", rec.Name)
	}

	if err := m.bookRefresh(ctx, rec); err != nil {
		// The profile itself is committed; a booking failure only costs
		// one refresh cycle.
		m.logger.Error("failed to book refresh", "profile_id", rec.ID, "error", err)
	}

	m.hub.ProfilesChanged()
	return nil
}

func (m *Manager) remove(ctx context.Context, req *profile.Request) error {
	if req.ProfileID == 0 {
		return fmt.Errorf("%w: remove requires a profile id", profile.ErrInvalidArgument)
	}

	rec, err := m.store.GetByID(ctx, req.ProfileID)
	if err != nil {
		return err
	}
	if rec == nil {
		m.logger.Debug("remove for missing profile ignored", "profile_id", req.ProfileID)
		return nil
	}

	// Content first, metadata last. A crash in between leaves a record
	// whose content is gone, which the next remove or refresh repairs;
	// the reverse order would leak unreferenced files forever.
	layout := content.Layout{File: rec.LocalFile, BaseDir: rec.LocalBaseDir}
	if err := m.fs.Remove(layout); err != nil {
		return err
	}
	if err := m.store.Delete(ctx, rec.ID); err != nil {
		return err
	}
	if err := m.booker.Unbook(ctx, rec.ID); err != nil {
		m.logger.Warn("failed to unbook refresh", "profile_id", rec.ID, "error", err)
	}

	log.WithProfile(rec.ID).Info("profile removed", "name", rec.Name)
	m.hub.ProfilesChanged()
	return nil
}

// Activate marks id as the single active profile. Activation only flips
// metadata, so it runs outside the dispatch queue; the store handles it in
// one transaction.
func (m *Manager) Activate(ctx context.Context, id int64) error {
	if err := m.store.Activate(ctx, id); err != nil {
		return err
	}
	log.WithProfile(id).Info("profile activated")
	m.hub.ProfilesChanged()
	return nil
}

// newRecord builds the record for a create request. Name, type, and source
// are mandatory; the content layout is allocated fresh.
func (m *Manager) newRecord(req *profile.Request) (*profile.Record, error) {
	if req.Name == nil || *req.Name == "" {
		return nil, fmt.Errorf("%w: create requires a name", profile.ErrInvalidArgument)
	}
	if req.Type == nil || *req.Type == "" {
		return nil, fmt.Errorf("%w: create requires a type", profile.ErrInvalidArgument)
	}
	if req.Source == nil || *req.Source == "" {
		return nil, fmt.Errorf("%w: create requires a source", profile.ErrInvalidArgument)
	}

	layout := content.NewLayout()
	rec := &profile.Record{
		Name:         *req.Name,
		Type:         *req.Type,
		Source:       *req.Source,
		LocalFile:    layout.File,
		LocalBaseDir: layout.BaseDir,
	}
	if req.DisplaySource != nil {
		rec.DisplaySource = *req.DisplaySource
	}
	// A negative interval on create means "never", same as absent.
	if req.RefreshIntervalMillis != nil && *req.RefreshIntervalMillis > 0 {
		rec.RefreshIntervalMillis = *req.RefreshIntervalMillis
	}
	return rec, nil
}

// applyUpdates overlays the request's present fields onto an existing
// record. Nil fields leave the record unchanged.
func applyUpdates(rec *profile.Record, req *profile.Request) {
	if req.Name != nil && *req.Name != "" {
		rec.Name = *req.Name
	}
	if req.Type != nil && *req.Type != "" {
		rec.Type = *req.Type
	}
	if req.Source != nil && *req.Source != "" {
		rec.Source = *req.Source
	}
	if req.DisplaySource != nil {
		rec.DisplaySource = *req.DisplaySource
	}
	// Negative means "leave unchanged", like nil. Zero explicitly disables
	// the periodic refresh.
	if req.RefreshIntervalMillis != nil && *req.RefreshIntervalMillis >= 0 {
		rec.RefreshIntervalMillis = *req.RefreshIntervalMillis
	}
}

// bookRefresh schedules the next automatic refresh, or cancels the pending
// one when the interval is zero.
func (m *Manager) bookRefresh(ctx context.Context, rec *profile.Record) error {
	if rec.RefreshIntervalMillis <= 0 {
		return m.booker.Unbook(ctx, rec.ID)
	}

	due := time.UnixMilli(rec.LastUpdateMillis + rec.RefreshIntervalMillis)
	refresh := &profile.Request{
		ProfileID: rec.ID,
		Action:    profile.ActionUpsert,
	}
	return m.booker.ScheduleAt(ctx, due, refresh)
}
