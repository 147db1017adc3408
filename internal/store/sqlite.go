package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/kdapp-runtime/internal/domain"
	"github.com/ashureev/kdapp-runtime/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	sqliteMaxRetries = 3
	sqliteRetryDelay = 50 * time.Millisecond
)

// SQLiteStore implements EpisodeStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed episode store.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dbPath == ":memory:" {
		// Each connection of an in-memory database is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS episode_states (
		episode_id TEXT PRIMARY KEY,
		state BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Save upserts the state for id.
func (s *SQLiteStore) Save(ctx context.Context, id string, state []byte) error {
	query := `
	INSERT INTO episode_states (episode_id, state, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(episode_id) DO UPDATE SET
		state = excluded.state,
		updated_at = excluded.updated_at`

	if state == nil {
		state = []byte{}
	}
	err := shared.RetryOnConflict(ctx, "save_state", sqliteMaxRetries, sqliteRetryDelay, func() error {
		_, err := s.db.ExecContext(ctx, query, id, state, time.Now().Unix())
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: save state for %s: %w", domain.ErrStorageFailure, id, err)
	}
	return nil
}

// Load reads the state for id.
func (s *SQLiteStore) Load(ctx context.Context, id string) ([]byte, bool, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx, `SELECT state FROM episode_states WHERE episode_id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: load state for %s: %w", domain.ErrStorageFailure, id, err)
	}
	if state == nil {
		state = []byte{}
	}
	return state, true, nil
}

// Delete removes the state for id.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	err := shared.RetryOnConflict(ctx, "delete_state", sqliteMaxRetries, sqliteRetryDelay, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM episode_states WHERE episode_id = ?`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: delete state for %s: %w", domain.ErrStorageFailure, id, err)
	}
	return nil
}

// ListIDs returns all stored episode ids in lexical order.
func (s *SQLiteStore) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT episode_id FROM episode_states ORDER BY episode_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: query episode ids: %w", domain.ErrStorageFailure, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close episode id rows", "error", closeErr)
		}
	}()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan episode id: %w", domain.ErrStorageFailure, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate episode ids: %w", domain.ErrStorageFailure, err)
	}
	return ids, nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
