// Package checkpoint provides durable storage for execution snapshots, with
// an embedded single-process realization and a shared networked one, plus the
// resolver that picks between them at execution time.
package checkpoint

import (
	"context"

	"github.com/loomrun/loom/pkg/models"
)

// Store is the durable, key-ordered snapshot store. Writes are optimistic:
// each snapshot carries the version the writer derived from its read, and the
// store rejects a version that already exists for the thread with ErrConflict.
type Store interface {
	PutSnapshot(ctx context.Context, snapshot *models.ExecutionSnapshot) error
	LatestSnapshot(ctx context.Context, threadID string) (*models.ExecutionSnapshot, error)
	SnapshotHistory(ctx context.Context, threadID string) ([]*models.ExecutionSnapshot, error)
	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}

// Kind selects a backend realization.
type Kind string

const (
	KindEmbedded Kind = "embedded"
	KindShared   Kind = "shared"
)

// Mode records how the backend was obtained. A degraded handle fell back from
// the preferred shared store to the local embedded one and must never be
// presented as primary.
type Mode string

const (
	ModePrimary  Mode = "primary"
	ModeDegraded Mode = "degraded"
)

// Config selects the preferred backend and its connection parameters.
type Config struct {
	Kind        Kind   `json:"kind"         validate:"required,oneof=embedded shared"`
	Path        string `json:"path"`         // embedded: sqlite database file
	DatabaseURL string `json:"database_url"` // shared: postgres connection URL
}

// Handle is the resolved backend for one execution attempt. Handles are
// created fresh per execution and discarded at execution end; the resolver
// never caches a fallback decision.
type Handle struct {
	Store

	Kind Kind
	Mode Mode
}
