// Package postgres provides the shared snapshot store. Multiple runtime
// processes may use it concurrently; cross-process safety relies on the
// database's transactional guarantees plus the snapshot version check, not on
// any distributed locking of our own.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/loomrun/loom/pkg/checkpoint"
	"github.com/loomrun/loom/pkg/checkpoint/sqlbase"
	"github.com/loomrun/loom/pkg/models"
)

const uniqueViolationCode = "23505"

// Store implements checkpoint.Store on PostgreSQL.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS snapshots (
				thread_id TEXT NOT NULL,
				version BIGINT NOT NULL,
				step INTEGER NOT NULL,
				fields JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				PRIMARY KEY (thread_id, version)
			);
			CREATE INDEX IF NOT EXISTS idx_snapshots_thread ON snapshots (thread_id);
		`,
	}
}

// NewStore connects to the database, pings it and runs migrations. A
// successful return therefore proves a working round-trip, not just an open
// socket.
func NewStore(ctx context.Context, logger *slog.Logger, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = db.PingContext(ctx)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
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
	logger := slog.Default().With("module", "checkpoint_postgres")

	return NewStore(ctx, logger, cfg.DatabaseURL)
}

// PutSnapshot inserts one immutable snapshot row, reporting a duplicate
// (thread, version) pair as checkpoint.ErrConflict.
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
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err = s.db.ExecContext(ctx, query,
		snapshot.ThreadID,
		snapshot.Version,
		snapshot.Step,
		fieldsJSON,
		createdAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolationCode {
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
		WHERE thread_id = $1
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
		WHERE thread_id = $1
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

// HealthCheck verifies the snapshot schema is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	var one int

	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM snapshots LIMIT 1").Scan(&one)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("snapshot schema unreachable: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close(_ context.Context) error {
	err := s.db.Close()
	if err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*models.ExecutionSnapshot, error) {
	var (
		snapshot   models.ExecutionSnapshot
		fieldsJSON []byte
	)

	err := row.Scan(&snapshot.ThreadID, &snapshot.Version, &snapshot.Step, &fieldsJSON, &snapshot.CreatedAt)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(fieldsJSON, &snapshot.Fields)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
	}

	return &snapshot, nil
}
