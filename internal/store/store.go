// Package store defines persistence for raw snapshots, derived entities and
// crawl runs. Backends live in the kv and sql subpackages.
package store

import (
	"context"
	"errors"
	"io"

	"go-civitai-crawler/internal/models"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a conditional update lost to another writer.
	ErrConflict = errors.New("record changed concurrently")
)

// InsertResult is the outcome of an idempotent insert.
type InsertResult struct {
	SnapshotID string
	Inserted   bool
}

// SnapshotInput is the data needed to store one raw API item.
type SnapshotInput struct {
	EntityType models.EntityType
	EntityID   int64
	ParentID   *int64
	QueryKey   string
	Payload    []byte
}

// SnapshotStore holds raw API payloads, at most one per (entity type, entity id).
type SnapshotStore interface {
	// InsertIfAbsent stores in unless a snapshot for the same entity exists.
	// Concurrent calls for one entity yield exactly one Inserted=true.
	InsertIfAbsent(ctx context.Context, in SnapshotInput) (InsertResult, error)
	GetSnapshot(ctx context.Context, id string) (models.RawSnapshot, error)
	// Backlink points the snapshot at its derived record. Repeating it is safe.
	Backlink(ctx context.Context, snapshotID string, derivedID int64) error
	// ListUnlinked returns up to limit snapshot ids that have no back-link yet.
	ListUnlinked(ctx context.Context, entityType models.EntityType, limit int) ([]string, error)
}

// EntityStore holds derived records keyed by their upstream id.
// Insert methods never overwrite: inserted is false when the id already exists.
type EntityStore interface {
	GetImage(ctx context.Context, id int64) (models.Image, error)
	InsertImage(ctx context.Context, img models.Image) (bool, error)
	CountImages(ctx context.Context) (int64, error)

	GetModel(ctx context.Context, id int64) (models.Model, error)
	InsertModel(ctx context.Context, m models.Model) (bool, error)

	GetModelVersion(ctx context.Context, id int64) (models.ModelVersion, error)
	InsertModelVersion(ctx context.Context, v models.ModelVersion) (bool, error)
}

// RunFilter narrows ListRuns. A zero value lists everything.
type RunFilter struct {
	Status models.RunStatus
	Limit  int
}

// RunStore persists crawl runs.
type RunStore interface {
	// CreateRun assigns ID, Seq and timestamps when unset and stores the run.
	CreateRun(ctx context.Context, run models.Run) (models.Run, error)
	GetRun(ctx context.Context, id string) (models.Run, error)
	// ClaimNext atomically moves the highest-priority pending run to in_progress.
	// Equal priorities are served in creation order. ok is false when nothing is pending.
	ClaimNext(ctx context.Context) (run models.Run, ok bool, err error)
	// UpdateRun overwrites the mutable fields of an existing run.
	UpdateRun(ctx context.Context, run models.Run) error
	ListRuns(ctx context.Context, filter RunFilter) ([]models.Run, error)
	// ResetInProgress returns in_progress runs to pending, e.g. after a crash.
	ResetInProgress(ctx context.Context) (int, error)
}

// Store bundles every collection of one backend.
type Store interface {
	SnapshotStore
	EntityStore
	RunStore
	io.Closer
}
