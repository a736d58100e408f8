// Package sqlite stores position sets in a SQLite database.
//
// Rows keep their insertion order, which Load preserves. Recorded times are
// stored as the two's complement int64 of the uint64 value because SQLite
// integers are signed.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"fleet/internal/domain/entities"
)

//go:embed schema.sql
var schemaSQL string

// Store is a position source backed by one SQLite file.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

func (s *Store) Describe() string { return "sqlite:" + s.path }

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Count returns the number of stored positions.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM vehicle_positions").Scan(&n)
	return n, err
}

// Load reads every row in insertion order.
func (s *Store) Load(ctx context.Context) ([]entities.VehiclePosition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT vehicle_id, registration, latitude, longitude, recorded_time_utc
		FROM vehicle_positions
		ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var positions []entities.VehiclePosition
	for rows.Next() {
		var (
			id         sql.NullInt32
			p          entities.VehiclePosition
			lat, long  float64
			recordedAt sql.NullInt64
		)
		if err := rows.Scan(&id, &p.Registration, &lat, &long, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan position %d: %w", len(positions), err)
		}
		p.Latitude = float32(lat)
		p.Longitude = float32(long)
		if id.Valid {
			v := id.Int32
			p.VehicleID = &v
		}
		if recordedAt.Valid {
			v := uint64(recordedAt.Int64)
			p.RecordedTimeUTC = &v
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate positions: %w", err)
	}
	return positions, nil
}

// Save replaces the stored set in one transaction.
func (s *Store) Save(ctx context.Context, positions []entities.VehiclePosition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM vehicle_positions"); err != nil {
		return fmt.Errorf("clear positions: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO vehicle_positions (vehicle_id, registration, latitude, longitude, recorded_time_utc)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, p := range positions {
		var id sql.NullInt32
		if p.VehicleID != nil {
			id = sql.NullInt32{Int32: *p.VehicleID, Valid: true}
		}
		var recordedAt sql.NullInt64
		if p.RecordedTimeUTC != nil {
			recordedAt = sql.NullInt64{Int64: int64(*p.RecordedTimeUTC), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, id, p.Registration, float64(p.Latitude), float64(p.Longitude), recordedAt); err != nil {
			return fmt.Errorf("insert position %d: %w", i, err)
		}
	}

	return tx.Commit()
}
