// Package sqlite persists relay state in SQLite. It stores only the room id
// counter; chat traffic is never written to disk.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/louisbranch/roomrelay/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/roomrelay/internal/services/relay/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

const roomSequenceName = "room_id"

// Store persists relay state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a SQLite store at path and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	return open(ctx, dsn)
}

func open(ctx context.Context, dsn string) (*Store, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single writer keeps the counter update and its read ordered.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// LoadRoomSequence returns the highest room id handed out so far, or zero.
func (s *Store) LoadRoomSequence(ctx context.Context) (uint32, error) {
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	var value int64
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT value FROM room_sequence WHERE name = ?", roomSequenceName,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load room sequence: %w", err)
	}
	return uint32(value), nil
}

// SaveRoomSequence records value as the highest room id handed out. The
// stored value never decreases.
func (s *Store) SaveRoomSequence(ctx context.Context, value uint32) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO room_sequence (name, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
    value = MAX(room_sequence.value, excluded.value),
    updated_at = excluded.updated_at`,
		roomSequenceName, int64(value), time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save room sequence: %w", err)
	}
	return nil
}
