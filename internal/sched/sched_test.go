package sched

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/profiled/internal/events"
	"github.com/mattjoyce/profiled/internal/log"
	"github.com/mattjoyce/profiled/internal/profile"
	"github.com/mattjoyce/profiled/internal/storage"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "profiled.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// fakeSubmitter records enqueued requests.
type fakeSubmitter struct {
	mu   sync.Mutex
	reqs []*profile.Request
}

func (f *fakeSubmitter) Enqueue(req *profile.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
}

func (f *fakeSubmitter) all() []*profile.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*profile.Request(nil), f.reqs...)
}

func refreshReq(id int64) *profile.Request {
	interval := int64(60_000)
	return &profile.Request{
		ProfileID:             id,
		Action:                profile.ActionUpsert,
		RefreshIntervalMillis: &interval,
	}
}

func TestStoreUpsertReplacesBooking(t *testing.T) {
	db := testDB(t)
	store := NewStore(db)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, 1, 1000, refreshReq(1)))
	require.NoError(t, store.Upsert(ctx, 1, 2000, refreshReq(1)))

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "rebooking must replace, not accumulate")

	due, err := store.Due(ctx, 2000)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, int64(2000), due[0].DueAtMillis)
}

func TestStoreDueFiltersAndOrders(t *testing.T) {
	db := testDB(t)
	store := NewStore(db)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, 1, 3000, refreshReq(1)))
	require.NoError(t, store.Upsert(ctx, 2, 1000, refreshReq(2)))
	require.NoError(t, store.Upsert(ctx, 3, 9000, refreshReq(3)))

	due, err := store.Due(ctx, 3000)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, int64(2), due[0].ProfileID)
	assert.Equal(t, int64(1), due[1].ProfileID)
}

func TestStoreRoundTripsRequest(t *testing.T) {
	db := testDB(t)
	store := NewStore(db)
	ctx := context.Background()

	req := refreshReq(42)
	req.Completion = profile.NewCompletion()
	require.NoError(t, store.Upsert(ctx, 42, 100, req))

	due, err := store.Due(ctx, 100)
	require.NoError(t, err)
	require.Len(t, due, 1)

	got := due[0].Request
	assert.Equal(t, int64(42), got.ProfileID)
	assert.Equal(t, profile.ActionUpsert, got.Action)
	require.NotNil(t, got.RefreshIntervalMillis)
	assert.Equal(t, int64(60_000), *got.RefreshIntervalMillis)
	assert.Nil(t, got.Completion, "completion channels must not survive persistence")
}

func TestStoreRejectsUnsavedProfile(t *testing.T) {
	db := testDB(t)
	store := NewStore(db)

	err := store.Upsert(context.Background(), 0, 1000, refreshReq(0))
	require.Error(t, err)
}

func TestSchedulerReplaysDueRefreshes(t *testing.T) {
	db := testDB(t)
	store := NewStore(db)
	sub := &fakeSubmitter{}
	hub := events.NewHub(16)
	s := New(store, sub, hub, time.Hour, log.Get())
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	require.NoError(t, s.ScheduleAt(ctx, past, refreshReq(1)))
	require.NoError(t, s.ScheduleAt(ctx, future, refreshReq(2)))

	s.runTick(ctx)

	reqs := sub.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, int64(1), reqs[0].ProfileID)

	// The delivered booking is gone, the future one remains.
	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSchedulerTickLoopDeliversOnStart(t *testing.T) {
	db := testDB(t)
	store := NewStore(db)
	sub := &fakeSubmitter{}
	s := New(store, sub, nil, time.Hour, log.Get())
	ctx := context.Background()

	require.NoError(t, s.ScheduleAt(ctx, time.Now().Add(-time.Second), refreshReq(7)))

	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	require.Eventually(t, func() bool {
		return len(sub.all()) == 1
	}, 2*time.Second, 10*time.Millisecond, "initial tick must replay due refreshes")
}

func TestSchedulerSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiled.db")
	ctx := context.Background()

	db1, err := storage.OpenSQLite(ctx, path)
	require.NoError(t, err)
	s1 := New(NewStore(db1), &fakeSubmitter{}, nil, time.Hour, log.Get())
	require.NoError(t, s1.ScheduleAt(ctx, time.Now().Add(-time.Second), refreshReq(5)))
	require.NoError(t, db1.Close())

	// Second process: the booking is still there and gets replayed.
	db2, err := storage.OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer db2.Close()

	sub := &fakeSubmitter{}
	s2 := New(NewStore(db2), sub, nil, time.Hour, log.Get())
	s2.runTick(ctx)

	reqs := sub.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, int64(5), reqs[0].ProfileID)
}
