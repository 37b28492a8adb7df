package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/coldtrace/internal/record"
	"github.com/roach88/coldtrace/internal/thresholds"
)

// UpsertFacility inserts or replaces a facility record.
func (s *Store) UpsertFacility(ctx context.Context, f record.Facility, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO facilities
		(id, name, location, type, certification_status, certified_from, certified_until, backup_systems, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			location = excluded.location,
			type = excluded.type,
			certification_status = excluded.certification_status,
			certified_from = excluded.certified_from,
			certified_until = excluded.certified_until,
			backup_systems = excluded.backup_systems,
			updated_at = excluded.updated_at
	`,
		f.ID, f.Name, f.Location, f.Type, f.CertificationStatus,
		nullNanos(f.CertifiedFrom), nullNanos(f.CertifiedUntil),
		boolInt(f.BackupSystems), toNanos(at),
	)
	if err != nil {
		return fmt.Errorf("upsert facility: %w", err)
	}
	return nil
}

const facilityColumns = `id, name, location, type, certification_status, certified_from, certified_until, backup_systems`

// ReadFacility retrieves a facility by ID.
// Returns ErrNotFound if it does not exist.
func (s *Store) ReadFacility(ctx context.Context, id string) (record.Facility, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+facilityColumns+` FROM facilities WHERE id = ?`, id)
	f, err := scanFacility(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Facility{}, fmt.Errorf("read facility %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return record.Facility{}, fmt.Errorf("read facility: %w", err)
	}
	return f, nil
}

// ListFacilities returns all facilities ordered by ID.
func (s *Store) ListFacilities(ctx context.Context) ([]record.Facility, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+facilityColumns+` FROM facilities ORDER BY id COLLATE BINARY ASC`)
	if err != nil {
		return nil, fmt.Errorf("query facilities: %w", err)
	}
	defer rows.Close()

	facilities := []record.Facility{}
	for rows.Next() {
		f, err := scanFacility(rows)
		if err != nil {
			return nil, fmt.Errorf("scan facility: %w", err)
		}
		facilities = append(facilities, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate facilities: %w", err)
	}
	return facilities, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFacility(row scanner) (record.Facility, error) {
	var (
		f           record.Facility
		from, until sql.NullInt64
		backup      int
	)
	if err := row.Scan(&f.ID, &f.Name, &f.Location, &f.Type, &f.CertificationStatus, &from, &until, &backup); err != nil {
		return record.Facility{}, err
	}
	f.CertifiedFrom = fromNullNanos(from)
	f.CertifiedUntil = fromNullNanos(until)
	f.BackupSystems = backup != 0
	return f, nil
}

// SaveConfig records a loaded threshold table.
// Returns inserted=false if this version was already stored; the stored
// copy is then moved to the head of the history so LatestConfig returns it.
func (s *Store) SaveConfig(ctx context.Context, table thresholds.ConfigTable, at time.Time) (inserted bool, err error) {
	if table.Version == "" {
		return false, fmt.Errorf("save config: empty version")
	}
	payload, err := marshalJSON(table)
	if err != nil {
		return false, fmt.Errorf("save config: marshal: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("save config: begin tx: %w", err)
	}
	defer tx.Rollback()

	var existing int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM config_versions WHERE version = ?`, table.Version).Scan(&existing)
	if err != nil {
		return false, fmt.Errorf("save config: %w", err)
	}
	if existing > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM config_versions WHERE version = ?`, table.Version); err != nil {
			return false, fmt.Errorf("save config: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO config_versions (version, table_json, loaded_at) VALUES (?, ?, ?)
	`, table.Version, payload, toNanos(at))
	if err != nil {
		return false, fmt.Errorf("save config: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("save config: commit: %w", err)
	}
	return existing == 0, nil
}

// LatestConfig returns the most recently loaded threshold table.
// Returns ErrNotFound if none has been loaded.
func (s *Store) LatestConfig(ctx context.Context) (thresholds.ConfigTable, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT table_json FROM config_versions ORDER BY seq DESC LIMIT 1
	`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return thresholds.ConfigTable{}, fmt.Errorf("latest config: %w", ErrNotFound)
	}
	if err != nil {
		return thresholds.ConfigTable{}, fmt.Errorf("latest config: %w", err)
	}

	var table thresholds.ConfigTable
	if err := json.Unmarshal([]byte(payload), &table); err != nil {
		return thresholds.ConfigTable{}, fmt.Errorf("latest config: unmarshal: %w", err)
	}
	return table, nil
}
