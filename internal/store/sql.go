// Package store persists calibration profiles.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/bookbridge/readalong/playback"
)

// Store is a calibration store that can also enumerate and delete
// profiles.
type Store interface {
	playback.CalibrationStore
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, bookID string) ([]*playback.CalibrationProfile, error)
	Close() error
}

const schema = `
CREATE TABLE IF NOT EXISTS calibration_profiles (
    profile_key   TEXT PRIMARY KEY,
    book_id       TEXT NOT NULL,
    level         TEXT NOT NULL DEFAULT '',
    offset_ns     BIGINT NOT NULL,
    sample_count  INTEGER NOT NULL,
    confidence    DOUBLE PRECISION NOT NULL,
    updated_ns    BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_calibration_book ON calibration_profiles(book_id);
`

type profileRow struct {
	Key         string  `db:"profile_key"`
	BookID      string  `db:"book_id"`
	Level       string  `db:"level"`
	OffsetNs    int64   `db:"offset_ns"`
	SampleCount int     `db:"sample_count"`
	Confidence  float64 `db:"confidence"`
	UpdatedNs   int64   `db:"updated_ns"`
}

func (r profileRow) profile() *playback.CalibrationProfile {
	return &playback.CalibrationProfile{
		Key:         r.Key,
		BookID:      r.BookID,
		Level:       playback.CEFRLevel(r.Level),
		Offset:      time.Duration(r.OffsetNs),
		SampleCount: r.SampleCount,
		Confidence:  r.Confidence,
		UpdatedAt:   time.Unix(0, r.UpdatedNs).UTC(),
	}
}

// SQLStore keeps calibration profiles in SQLite or PostgreSQL.
type SQLStore struct {
	db *sqlx.DB
}

// Open connects to a database. driver is "sqlite3" or "postgres"; for
// sqlite3 the dsn is a file path whose directory is created if needed.
func Open(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case "sqlite3":
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
			dsn += "?_journal_mode=WAL&_busy_timeout=5000"
		}
	case "postgres":
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if driver == "sqlite3" {
		// SQLite doesn't support multiple writers
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Load returns the profile stored under key, or nil when there is none.
func (s *SQLStore) Load(ctx context.Context, key string) (*playback.CalibrationProfile, error) {
	var row profileRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT profile_key, book_id, level, offset_ns, sample_count, confidence, updated_ns
		FROM calibration_profiles WHERE profile_key = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, calibrationError("load", fmt.Errorf("load profile %s: %w", key, err))
	}
	return row.profile(), nil
}

// Save inserts or replaces a profile.
func (s *SQLStore) Save(ctx context.Context, p *playback.CalibrationProfile) error {
	if p == nil || p.Key == "" {
		return calibrationError("save", errors.New("profile has no key"))
	}
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO calibration_profiles (profile_key, book_id, level, offset_ns, sample_count, confidence, updated_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (profile_key) DO UPDATE SET
			book_id = excluded.book_id,
			level = excluded.level,
			offset_ns = excluded.offset_ns,
			sample_count = excluded.sample_count,
			confidence = excluded.confidence,
			updated_ns = excluded.updated_ns`),
		p.Key, p.BookID, string(p.Level), int64(p.Offset), p.SampleCount, p.Confidence, updated.UnixNano())
	if err != nil {
		return calibrationError("save", fmt.Errorf("save profile %s: %w", p.Key, err))
	}
	return nil
}

// Delete removes the profile stored under key.
func (s *SQLStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM calibration_profiles WHERE profile_key = ?`), key); err != nil {
		return calibrationError("delete", fmt.Errorf("delete profile %s: %w", key, err))
	}
	return nil
}

// List returns the profiles of one book, or of every book when bookID is
// empty, ordered by key.
func (s *SQLStore) List(ctx context.Context, bookID string) ([]*playback.CalibrationProfile, error) {
	query := `SELECT profile_key, book_id, level, offset_ns, sample_count, confidence, updated_ns
		FROM calibration_profiles`
	var args []any
	if bookID != "" {
		query += ` WHERE book_id = ?`
		args = append(args, bookID)
	}
	query += ` ORDER BY profile_key`

	var rows []profileRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, calibrationError("list", fmt.Errorf("list profiles: %w", err))
	}
	out := make([]*playback.CalibrationProfile, len(rows))
	for i, r := range rows {
		out[i] = r.profile()
	}
	return out, nil
}

func calibrationError(op string, err error) error {
	return playback.NewError(playback.KindCalibration, "store", op, -1, err)
}
