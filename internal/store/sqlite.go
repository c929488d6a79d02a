package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	appLog "safeagent/internal/log"
	"safeagent/internal/migration"
	"safeagent/internal/model"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const timeLayout = time.RFC3339Nano

const selectColumns = `id, local_id, external_event_id, title, property_address,
	start_time, end_time, latitude, longitude, status, created_at, updated_at`

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLite is a Store backed by a SQLite file. Mutations open a transaction
// lazily; Save commits it.
type SQLite struct {
	path string
	db   *sql.DB

	mu sync.Mutex
	tx *sql.Tx

	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and applies
// pending migrations. ":memory:" is accepted for tests.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: the staged transaction and reads must share it.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("access migrations: %w", err)
	}
	if _, err := migration.NewRunner(db, sub).Apply(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{path: path, db: db, now: time.Now}, nil
}

// q returns the open transaction, or the database when none is open.
func (s *SQLite) q() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

func (s *SQLite) begin(ctx context.Context) (*sql.Tx, error) {
	if s.tx != nil {
		return s.tx, nil
	}
	// The staged transaction outlives the call that opened it; only Save
	// or Close may end it.
	tx, err := s.db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %w", ErrUnavailable, err)
	}
	s.tx = tx
	return tx, nil
}

func (s *SQLite) List(ctx context.Context, f Filter) ([]model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := "SELECT " + selectColumns + " FROM appointments"
	if f == Linked {
		query += " WHERE external_event_id IS NOT NULL"
	}
	query += " ORDER BY start_time, id"

	rows, err := s.q().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: list: %w", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []model.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan: %w", ErrUnavailable, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list: %w", ErrUnavailable, err)
	}
	return out, nil
}

func (s *SQLite) Get(ctx context.Context, rowID int64) (model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.q().QueryRowContext(ctx, "SELECT "+selectColumns+" FROM appointments WHERE id = ?", rowID)
	a, err := scanAppointment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Appointment{}, ErrNotFound
	}
	if err != nil {
		return model.Appointment{}, fmt.Errorf("%w: get %d: %w", ErrUnavailable, rowID, err)
	}
	return a, nil
}

func (s *SQLite) Insert(ctx context.Context, a *model.Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.Status == "" {
		a.Status = model.StatusScheduled
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO appointments
		(local_id, external_event_id, title, property_address, start_time, end_time,
		 latitude, longitude, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullString(a.LocalID), a.ExternalEventID, a.Title, a.PropertyAddress,
		formatTime(a.StartTime), formatTime(a.EndTime),
		a.Latitude, a.Longitude, string(a.Status),
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	a.RowID = id
	return nil
}

func (s *SQLite) Update(ctx context.Context, a model.Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `UPDATE appointments SET
		local_id = ?, external_event_id = ?, title = ?, property_address = ?,
		start_time = ?, end_time = ?, latitude = ?, longitude = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		nullString(a.LocalID), a.ExternalEventID, a.Title, a.PropertyAddress,
		formatTime(a.StartTime), formatTime(a.EndTime),
		a.Latitude, a.Longitude, string(a.Status), formatTime(s.now().UTC()),
		a.RowID,
	)
	if err != nil {
		return fmt.Errorf("update appointment %d: %w", a.RowID, err)
	}
	return requireOne(res)
}

func (s *SQLite) UpdateCoordinates(ctx context.Context, rowID int64, c model.Coordinate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		"UPDATE appointments SET latitude = ?, longitude = ?, updated_at = ? WHERE id = ?",
		c.Latitude, c.Longitude, formatTime(s.now().UTC()), rowID)
	if err != nil {
		return fmt.Errorf("update coordinates %d: %w", rowID, err)
	}
	return requireOne(res)
}

func (s *SQLite) Delete(ctx context.Context, rowID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM appointments WHERE id = ?", rowID)
	if err != nil {
		return fmt.Errorf("delete appointment %d: %w", rowID, err)
	}
	return requireOne(res)
}

// Save commits the staged transaction. A failed commit ends it, so the
// staged mutations are lost and the next pass derives them again.
func (s *SQLite) Save(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close discards uncommitted mutations and closes the database.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx != nil {
		appLog.Warn("store closed with unsaved changes; rolling back", "path", s.path)
		_ = s.tx.Rollback()
		s.tx = nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAppointment(sc scanner) (model.Appointment, error) {
	var (
		a                        model.Appointment
		localID, extID, addr     sql.NullString
		start, end, created, upd string
		status                   string
	)
	if err := sc.Scan(&a.RowID, &localID, &extID, &a.Title, &addr,
		&start, &end, &a.Latitude, &a.Longitude, &status, &created, &upd); err != nil {
		return a, err
	}

	a.LocalID = localID.String
	if extID.Valid {
		v := extID.String
		a.ExternalEventID = &v
	}
	if addr.Valid {
		v := addr.String
		a.PropertyAddress = &v
	}
	a.Status = model.Status(status)

	var err error
	if a.StartTime, err = parseTime(start); err != nil {
		return a, err
	}
	if a.EndTime, err = parseTime(end); err != nil {
		return a, err
	}
	if a.CreatedAt, err = parseTime(created); err != nil {
		return a, err
	}
	if a.UpdatedAt, err = parseTime(upd); err != nil {
		return a, err
	}
	return a, nil
}

func requireOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
