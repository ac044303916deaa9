package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Store provides CRUD over profile metadata records. Safe for concurrent
// use across distinct profile ids; the dispatcher serializes all writes for
// the same id.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const recordColumns = `id, name, type, source, display_source, local_file, local_base_dir, checksum, active, last_update_ms, refresh_interval_ms`

// Insert persists a new record and returns the generated id.
func (s *Store) Insert(ctx context.Context, rec *Record) (int64, error) {
	if rec.Name == "" {
		return 0, fmt.Errorf("record name is empty")
	}
	if rec.LocalFile == "" || rec.LocalBaseDir == "" {
		return 0, fmt.Errorf("record local paths are empty")
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
INSERT INTO profiles(name, type, source, display_source, local_file, local_base_dir, checksum, active, last_update_ms, refresh_interval_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING id;
`, rec.Name, rec.Type, rec.Source, nullable(rec.DisplaySource), rec.LocalFile, rec.LocalBaseDir,
		nullable(rec.Checksum), rec.Active, rec.LastUpdateMillis, rec.RefreshIntervalMillis).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert profile: %w", err)
	}
	return id, nil
}

// Update rewrites the mutable fields of an existing record.
func (s *Store) Update(ctx context.Context, rec *Record) error {
	if rec.ID == 0 {
		return fmt.Errorf("record id is zero")
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE profiles
SET name = ?, type = ?, source = ?, display_source = ?, checksum = ?, last_update_ms = ?, refresh_interval_ms = ?
WHERE id = ?;
`, rec.Name, rec.Type, rec.Source, nullable(rec.DisplaySource), nullable(rec.Checksum),
		rec.LastUpdateMillis, rec.RefreshIntervalMillis, rec.ID)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update profile rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByID returns the record for id, or (nil, nil) if it does not exist.
func (s *Store) GetByID(ctx context.Context, id int64) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM profiles WHERE id = ?;`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query profile by id: %w", err)
	}
	return rec, nil
}

// GetActive returns the active record, or (nil, nil) if none is active.
func (s *Store) GetActive(ctx context.Context) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM profiles WHERE active = 1 LIMIT 1;`)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active profile: %w", err)
	}
	return rec, nil
}

// All returns every record, ordered by id.
func (s *Store) All(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM profiles ORDER BY id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("query all profiles: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return records, nil
}

// Delete removes the record for id. Deleting a missing record is not an
// error.
func (s *Store) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	return nil
}

// Activate marks id as the single active profile, clearing any previous
// selection in the same transaction.
func (s *Store) Activate(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE profiles SET active = 0 WHERE active = 1;`); err != nil {
		return fmt.Errorf("clear active profile: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE profiles SET active = 1 WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("set active profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set active profile rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec           Record
		displaySource sql.NullString
		checksum      sql.NullString
	)
	err := row.Scan(
		&rec.ID, &rec.Name, &rec.Type, &rec.Source, &displaySource,
		&rec.LocalFile, &rec.LocalBaseDir, &checksum, &rec.Active,
		&rec.LastUpdateMillis, &rec.RefreshIntervalMillis,
	)
	if err != nil {
		return nil, err
	}
	if displaySource.Valid {
		rec.DisplaySource = displaySource.String
	}
	if checksum.Valid {
		rec.Checksum = checksum.String
	}
	return &rec, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
