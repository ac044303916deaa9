package sched

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mattjoyce/profiled/internal/profile"
)

// Entry is one pending re-delivery: a request to replay for a profile at an
// absolute time.
type Entry struct {
	ProfileID   int64
	DueAtMillis int64
	Request     profile.Request
}

// Store persists scheduled refreshes in the refresh_schedule table so they
// survive process restarts. At most one pending refresh exists per profile;
// a newer booking replaces the older one.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Upsert books (or rebooks) the re-delivery of req at dueAtMillis.
func (s *Store) Upsert(ctx context.Context, profileID, dueAtMillis int64, req *profile.Request) error {
	if profileID == 0 {
		return fmt.Errorf("cannot schedule refresh for unsaved profile")
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal scheduled request: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err = s.db.ExecContext(ctx, `
INSERT INTO refresh_schedule(profile_id, due_at_ms, request, created_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(profile_id) DO UPDATE SET due_at_ms = excluded.due_at_ms, request = excluded.request, created_at = excluded.created_at;
`, profileID, dueAtMillis, string(payload), now)
	if err != nil {
		return fmt.Errorf("upsert refresh schedule: %w", err)
	}
	return nil
}

// Due returns entries whose due time is at or before nowMillis, oldest
// first.
func (s *Store) Due(ctx context.Context, nowMillis int64) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT profile_id, due_at_ms, request
FROM refresh_schedule
WHERE due_at_ms <= ?
ORDER BY due_at_ms ASC;
`, nowMillis)
	if err != nil {
		return nil, fmt.Errorf("query due refreshes: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e   Entry
			raw string
		)
		if err := rows.Scan(&e.ProfileID, &e.DueAtMillis, &raw); err != nil {
			return nil, fmt.Errorf("scan refresh entry: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &e.Request); err != nil {
			return nil, fmt.Errorf("unmarshal scheduled request for profile %d: %w", e.ProfileID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due refreshes: %w", err)
	}
	return entries, nil
}

// Delete removes the pending refresh for profileID, if any.
func (s *Store) Delete(ctx context.Context, profileID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM refresh_schedule WHERE profile_id = ?;`, profileID); err != nil {
		return fmt.Errorf("delete refresh schedule: %w", err)
	}
	return nil
}

// Count returns the number of pending refreshes.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM refresh_schedule;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count refresh schedule: %w", err)
	}
	return n, nil
}
