package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mindcare/realtime-core/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex // Serializes writes to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed outbox store.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS reward_outbox (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		idempotency_key TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		activity_type TEXT NOT NULL,
		metadata_json TEXT NOT NULL,
		enqueued_at INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reward_outbox_user ON reward_outbox(user_id, seq);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Append persists a new event.
func (s *SQLiteStore) Append(ctx context.Context, ev *domain.PendingRewardEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metadata, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("marshal reward metadata: %w", err)
	}

	query := `
	INSERT INTO reward_outbox (idempotency_key, user_id, activity_type, metadata_json, enqueued_at, attempts, status)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		ev.IdempotencyKey, ev.UserID, ev.ActivityType, string(metadata),
		ev.EnqueuedAt.Unix(), ev.Attempts, string(ev.Status),
	)
	if err != nil {
		return fmt.Errorf("append reward event: %w", err)
	}
	return nil
}

// Update persists the current attempts/status of an existing event.
func (s *SQLiteStore) Update(ctx context.Context, ev *domain.PendingRewardEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `UPDATE reward_outbox SET attempts = ?, status = ? WHERE idempotency_key = ?`
	result, err := s.db.ExecContext(ctx, query, ev.Attempts, string(ev.Status), ev.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("update reward event: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("Reward event update affected 0 rows", "idempotency_key", ev.IdempotencyKey)
	}
	return nil
}

// Delete removes an event after the backend confirmed acceptance.
// Implements retry logic with exponential backoff to handle SQLITE_BUSY.
func (s *SQLiteStore) Delete(ctx context.Context, idempotencyKey string) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := s.deleteOnce(ctx, idempotencyKey)
		if err == nil {
			return nil
		}

		if isBusyError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i) // exponential backoff: 100ms, 200ms, 400ms
			slog.Debug("Reward event delete failed with SQLITE_BUSY, retrying",
				"idempotency_key", idempotencyKey,
				"attempt", i+1,
				"delay", delay)
			time.Sleep(delay)
			continue
		}

		return fmt.Errorf("delete reward event %s after %d attempts: %w", idempotencyKey, i+1, err)
	}

	return nil
}

func (s *SQLiteStore) deleteOnce(ctx context.Context, idempotencyKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM reward_outbox WHERE idempotency_key = ?`, idempotencyKey)
	if err != nil {
		return fmt.Errorf("delete reward event: %w", err)
	}
	return nil
}

// List returns all events for a user in enqueue order.
func (s *SQLiteStore) List(ctx context.Context, userID string) ([]*domain.PendingRewardEvent, error) {
	query := `
		SELECT idempotency_key, user_id, activity_type, metadata_json, enqueued_at, attempts, status
		FROM reward_outbox WHERE user_id = ? ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query reward events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close reward event rows", "error", closeErr)
		}
	}()

	var events []*domain.PendingRewardEvent
	for rows.Next() {
		var ev domain.PendingRewardEvent
		var metadataJSON, status string
		var enqueuedAt int64

		if err := rows.Scan(
			&ev.IdempotencyKey, &ev.UserID, &ev.ActivityType,
			&metadataJSON, &enqueuedAt, &ev.Attempts, &status,
		); err != nil {
			return nil, fmt.Errorf("scan reward event row: %w", err)
		}

		if err := json.Unmarshal([]byte(metadataJSON), &ev.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal reward metadata: %w", err)
		}
		ev.EnqueuedAt = time.Unix(enqueuedAt, 0)
		ev.Status = domain.RewardStatus(status)
		events = append(events, &ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reward events: %w", err)
	}

	return events, nil
}

// Clear removes all events for a user regardless of status.
func (s *SQLiteStore) Clear(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM reward_outbox WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear reward outbox: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
