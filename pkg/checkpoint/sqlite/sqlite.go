// Package sqlite provides the embedded snapshot store. It is process-local,
// has no network failure mode, and serves both as the preferred backend for
// single-process deployments and as the degraded fallback when the shared
// backend is unreachable.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loomrun/loom/pkg/checkpoint"
	"github.com/loomrun/loom/pkg/checkpoint/sqlbase"
	"github.com/loomrun/loom/pkg/models"
	_ "modernc.org/sqlite"
)

// Store implements checkpoint.Store on an embedded sqlite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS snapshots (
				thread_id TEXT NOT NULL,
				version INTEGER NOT NULL,
				step INTEGER NOT NULL,
				fields TEXT NOT NULL,
				created_at TIMESTAMP NOT NULL,
				PRIMARY KEY (thread_id, version)
			);
		`,
	}
}

// NewStore opens (or creates) the database file and runs migrations. An
// unwritable path surfaces here, not on first write.
func NewStore(ctx context.Context, logger *slog.Logger, path string) (*Store, error) {
	cleanPath := strings.TrimPrefix(path, "sqlite://")

	db, err := sql.Open("sqlite", cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// A lock timeout keeps concurrent writers queueing instead of failing
	// immediately with SQLITE_BUSY.
	_, err = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to configure sqlite database: %w", err)
	}

	store := &Store{db: db, logger: logger}

	migrationManager := sqlbase.NewMigrationManager(logger, db, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// Open adapts NewStore to the resolver's opener contract.
func Open(ctx context.Context, cfg checkpoint.Config) (checkpoint.Store, error) {
	logger := slog.Default().With("module", "checkpoint_sqlite")

	return NewStore(ctx, logger, cfg.Path)
}

// PutSnapshot inserts one immutable snapshot row. A duplicate
// (thread, version) pair means another writer won the optimistic race and is
// reported as checkpoint.ErrConflict.
func (s *Store) PutSnapshot(ctx context.Context, snapshot *models.ExecutionSnapshot) error {
	fieldsJSON, err := json.Marshal(snapshot.Fields)
	if err != nil {
		return checkpoint.NewSnapshotError("Put", snapshot.ThreadID, snapshot.Version,
			fmt.Errorf("failed to marshal fields: %w", err))
	}

	createdAt := snapshot.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO snapshots (thread_id, version, step, fields, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		snapshot.ThreadID,
		snapshot.Version,
		snapshot.Step,
		string(fieldsJSON),
		createdAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return checkpoint.NewSnapshotError("Put", snapshot.ThreadID, snapshot.Version, checkpoint.ErrConflict)
		}

		return checkpoint.NewSnapshotError("Put", snapshot.ThreadID, snapshot.Version, err)
	}

	return nil
}

// LatestSnapshot returns the highest-version snapshot for a thread.
func (s *Store) LatestSnapshot(ctx context.Context, threadID string) (*models.ExecutionSnapshot, error) {
	query := `
		SELECT thread_id, version, step, fields, created_at
		FROM snapshots
		WHERE thread_id = ?
		ORDER BY version DESC
		LIMIT 1
	`

	snapshot, err := scanSnapshot(s.db.QueryRowContext(ctx, query, threadID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, checkpoint.NewSnapshotError("Latest", threadID, 0, checkpoint.ErrSnapshotNotFound)
		}

		return nil, checkpoint.NewSnapshotError("Latest", threadID, 0, err)
	}

	return snapshot, nil
}

// SnapshotHistory returns every snapshot for a thread in version order.
func (s *Store) SnapshotHistory(ctx context.Context, threadID string) ([]*models.ExecutionSnapshot, error) {
	query := `
		SELECT thread_id, version, step, fields, created_at
		FROM snapshots
		WHERE thread_id = ?
		ORDER BY version ASC
	`

	rows, err := s.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, checkpoint.NewSnapshotError("History", threadID, 0, err)
	}
	defer func() { _ = rows.Close() }()

	var snapshots []*models.ExecutionSnapshot

	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			return nil, checkpoint.NewSnapshotError("History", threadID, 0, err)
		}

		snapshots = append(snapshots, snapshot)
	}

	err = rows.Err()
	if err != nil {
		return nil, checkpoint.NewSnapshotError("History", threadID, 0, err)
	}

	return snapshots, nil
}

// HealthCheck verifies the snapshot schema is present.
func (s *Store) HealthCheck(ctx context.Context) error {
	var name string

	err := s.db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'snapshots'").Scan(&name)
	if err != nil {
		return fmt.Errorf("snapshot schema missing: %w", err)
	}

	return nil
}

// Close closes the database.
func (s *Store) Close(_ context.Context) error {
	err := s.db.Close()
	if err != nil {
		return fmt.Errorf("failed to close sqlite database: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*models.ExecutionSnapshot, error) {
	var (
		snapshot   models.ExecutionSnapshot
		fieldsJSON string
	)

	err := row.Scan(&snapshot.ThreadID, &snapshot.Version, &snapshot.Step, &fieldsJSON, &snapshot.CreatedAt)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal([]byte(fieldsJSON), &snapshot.Fields)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
	}

	return &snapshot, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed")
}
