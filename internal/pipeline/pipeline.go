// Package pipeline turns raw snapshots into derived records. Every step is safe
// to repeat: entities are keyed by upstream id and snapshots are back-linked to
// whichever record is canonical.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go-civitai-crawler/internal/assets"
	"go-civitai-crawler/internal/metrics"
	"go-civitai-crawler/internal/models"
	"go-civitai-crawler/internal/store"

	log "github.com/sirupsen/logrus"
)

// ErrSnapshotNotFound is returned when the snapshot to ingest does not exist.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// ParseError reports a payload that does not match its entity schema.
// The snapshot stays stored and unlinked.
type ParseError struct {
	SnapshotID string
	Err        error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse snapshot %s: %v", e.SnapshotID, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Dispatcher receives the asset tasks of newly inserted entities. Ready is
// checked before a new image is stored, so an image is never inserted without
// its task being sent.
type Dispatcher interface {
	Ready() error
	Dispatch(ctx context.Context, tasks []assets.Task) error
}

// notReadyError marks an item left uninserted because asset dispatch cannot run.
type notReadyError struct{ err error }

func (e *notReadyError) Error() string { return "asset dispatch not ready: " + e.err.Error() }
func (e *notReadyError) Unwrap() error { return e.err }

// Indexer is notified of newly inserted entities. Failures are logged only.
type Indexer interface {
	IndexImage(img models.Image) error
	IndexModel(m models.Model) error
}

// Result is the outcome of ingesting one snapshot. Exactly one entity pointer
// is set on success; Err is set on failure.
type Result struct {
	SnapshotID string
	EntityType models.EntityType
	EntityID   int64
	Inserted   bool

	Image        *models.Image
	Model        *models.Model
	ModelVersion *models.ModelVersion

	Err error
}

// OK reports whether the snapshot was ingested or recognised as a duplicate.
func (r Result) OK() bool { return r.Err == nil }

// Pipeline ingests snapshots into the entity store.
type Pipeline struct {
	snapshots  store.SnapshotStore
	entities   store.EntityStore
	dispatcher Dispatcher
	indexer    Indexer
	now        func() time.Time
	log        *log.Entry
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithIndexer registers a search indexer.
func WithIndexer(ix Indexer) Option {
	return func(p *Pipeline) { p.indexer = ix }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New builds a pipeline. A nil dispatcher disables asset dispatch.
func New(snapshots store.SnapshotStore, entities store.EntityStore, dispatcher Dispatcher, opts ...Option) *Pipeline {
	p := &Pipeline{
		snapshots:  snapshots,
		entities:   entities,
		dispatcher: dispatcher,
		now:        func() time.Time { return time.Now().UTC() },
		log:        log.WithField("component", "pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ingest processes a single snapshot. The error is the item's own failure or
// an asset dispatch configuration error.
func (p *Pipeline) Ingest(ctx context.Context, snapshotID string) (Result, error) {
	results, err := p.IngestBatch(ctx, []string{snapshotID})
	if err != nil {
		return results[0], err
	}
	return results[0], results[0].Err
}

// IngestBatch processes every snapshot independently and returns one result per
// id, in order. Item failures are reported in the results only. The returned
// error comes from asset dispatch: either it was not ready, in which case new
// images were left unlinked for a later retry, or the batch send failed.
func (p *Pipeline) IngestBatch(ctx context.Context, snapshotIDs []string) ([]Result, error) {
	results := make([]Result, len(snapshotIDs))
	var tasks []assets.Task
	var notReady error

	for i, id := range snapshotIDs {
		res := p.ingestOne(ctx, id)
		results[i] = res
		metrics.ObserveIngest(string(res.EntityType), outcome(res))

		if res.Err != nil {
			var nr *notReadyError
			if errors.As(res.Err, &nr) && notReady == nil {
				notReady = nr
			}
			p.log.WithError(res.Err).WithField("snapshot", id).Warn("Ingestion failed")
			continue
		}
		if res.Inserted && res.Image != nil && res.Image.URL != "" {
			tasks = append(tasks, assets.Task{SourceURL: res.Image.URL, StorageKey: res.Image.StorageKey})
		}
	}

	if p.dispatcher != nil && len(tasks) > 0 {
		if err := p.dispatcher.Dispatch(ctx, tasks); err != nil {
			return results, fmt.Errorf("dispatch %d asset tasks: %w", len(tasks), err)
		}
	}
	if notReady != nil {
		return results, notReady
	}
	return results, nil
}

func (p *Pipeline) dispatchReady() error {
	if p.dispatcher == nil {
		return nil
	}
	if err := p.dispatcher.Ready(); err != nil {
		return &notReadyError{err: err}
	}
	return nil
}

func outcome(r Result) string {
	var pe *ParseError
	switch {
	case errors.As(r.Err, &pe):
		return "parse_error"
	case r.Err != nil:
		return "error"
	case r.Inserted:
		return "inserted"
	default:
		return "duplicate"
	}
}

func (p *Pipeline) ingestOne(ctx context.Context, snapshotID string) Result {
	res := Result{SnapshotID: snapshotID}

	snap, err := p.snapshots.GetSnapshot(ctx, snapshotID)
	if errors.Is(err, store.ErrNotFound) {
		res.Err = fmt.Errorf("%w: %s", ErrSnapshotNotFound, snapshotID)
		return res
	}
	if err != nil {
		res.Err = fmt.Errorf("load snapshot %s: %w", snapshotID, err)
		return res
	}
	res.EntityType = snap.EntityType

	switch snap.EntityType {
	case models.EntityImage:
		p.ingestImage(ctx, snap, &res)
	case models.EntityModel:
		p.ingestModel(ctx, snap, &res)
	case models.EntityModelVersion:
		p.ingestModelVersion(ctx, snap, &res)
	default:
		res.Err = &ParseError{SnapshotID: snapshotID, Err: fmt.Errorf("unknown entity type %q", snap.EntityType)}
	}
	return res
}

func (p *Pipeline) ingestImage(ctx context.Context, snap models.RawSnapshot, res *Result) {
	item, err := parseImage(snap.Payload)
	if err != nil {
		res.Err = &ParseError{SnapshotID: snap.ID, Err: err}
		return
	}
	res.EntityID = int64(item.ID)

	img, inserted, err := ingestEntity(ctx, p, snap, res.EntityID,
		p.entities.GetImage,
		p.dispatchReady,
		func() models.Image { return buildImage(item, snap.ID, p.now()) },
		p.entities.InsertImage,
	)
	if err != nil {
		res.Err = err
		return
	}
	res.Image, res.Inserted = &img, inserted
	if inserted && p.indexer != nil {
		if err := p.indexer.IndexImage(img); err != nil {
			p.log.WithError(err).WithField("image", img.ID).Warn("Failed to index image")
		}
	}
}

func (p *Pipeline) ingestModel(ctx context.Context, snap models.RawSnapshot, res *Result) {
	item, err := parseModel(snap.Payload)
	if err != nil {
		res.Err = &ParseError{SnapshotID: snap.ID, Err: err}
		return
	}
	res.EntityID = int64(item.ID)

	m, inserted, err := ingestEntity(ctx, p, snap, res.EntityID,
		p.entities.GetModel,
		nil,
		func() models.Model { return buildModel(item, snap.ID, p.now()) },
		p.entities.InsertModel,
	)
	if err != nil {
		res.Err = err
		return
	}
	res.Model, res.Inserted = &m, inserted
	if inserted && p.indexer != nil {
		if err := p.indexer.IndexModel(m); err != nil {
			p.log.WithError(err).WithField("model", m.ID).Warn("Failed to index model")
		}
	}
}

func (p *Pipeline) ingestModelVersion(ctx context.Context, snap models.RawSnapshot, res *Result) {
	item, err := parseModelVersion(snap.Payload)
	if err != nil {
		res.Err = &ParseError{SnapshotID: snap.ID, Err: err}
		return
	}
	res.EntityID = int64(item.ID)

	v, inserted, err := ingestEntity(ctx, p, snap, res.EntityID,
		p.entities.GetModelVersion,
		nil,
		func() models.ModelVersion { return buildModelVersion(item, snap.ParentID, snap.ID, p.now()) },
		p.entities.InsertModelVersion,
	)
	if err != nil {
		res.Err = err
		return
	}
	res.ModelVersion, res.Inserted = &v, inserted
}

// ingestEntity looks the entity up by natural key and either back-links the
// duplicate or builds, inserts, re-reads and back-links a new record. ready and
// build are only called when the entity does not exist yet; a ready error
// leaves the snapshot unlinked.
func ingestEntity[T any](
	ctx context.Context,
	p *Pipeline,
	snap models.RawSnapshot,
	id int64,
	get func(context.Context, int64) (T, error),
	ready func() error,
	build func() T,
	insert func(context.Context, T) (bool, error),
) (T, bool, error) {
	var zero T

	existing, err := get(ctx, id)
	if err == nil {
		if snap.LinkedID == nil || *snap.LinkedID != id {
			if err := p.snapshots.Backlink(ctx, snap.ID, id); err != nil {
				return zero, false, err
			}
		}
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return zero, false, fmt.Errorf("lookup %s %d: %w", snap.EntityType, id, err)
	}

	if ready != nil {
		if err := ready(); err != nil {
			return zero, false, err
		}
	}
	inserted, err := insert(ctx, build())
	if err != nil {
		return zero, false, fmt.Errorf("insert %s %d: %w", snap.EntityType, id, err)
	}
	// Another ingestion may have won the insert; the stored row is canonical either way.
	canonical, err := get(ctx, id)
	if err != nil {
		return zero, false, fmt.Errorf("reload %s %d: %w", snap.EntityType, id, err)
	}
	if err := p.snapshots.Backlink(ctx, snap.ID, id); err != nil {
		return zero, false, err
	}
	return canonical, inserted, nil
}

// ReprocessSummary counts the outcomes of a backfill pass.
type ReprocessSummary struct {
	Processed  int
	Inserted   int
	Duplicates int
	Failed     int
}

// ReprocessUnlinked ingests up to limit snapshots of entityType ("" for all)
// that were never back-linked, e.g. after a parser fix.
func (p *Pipeline) ReprocessUnlinked(ctx context.Context, entityType models.EntityType, limit int) (ReprocessSummary, error) {
	var sum ReprocessSummary
	ids, err := p.snapshots.ListUnlinked(ctx, entityType, limit)
	if err != nil {
		return sum, fmt.Errorf("list unlinked snapshots: %w", err)
	}
	if len(ids) == 0 {
		return sum, nil
	}

	results, err := p.IngestBatch(ctx, ids)
	for _, r := range results {
		sum.Processed++
		switch {
		case r.Err != nil:
			sum.Failed++
		case r.Inserted:
			sum.Inserted++
		default:
			sum.Duplicates++
		}
	}
	p.log.Infof("Reprocessed %d unlinked snapshots: %d inserted, %d duplicates, %d failed",
		sum.Processed, sum.Inserted, sum.Duplicates, sum.Failed)
	return sum, err
}
