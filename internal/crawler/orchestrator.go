// Package crawler drives persisted crawl runs one page at a time. All state
// needed to resume a run lives in the run record; the task queue only decides
// when the next page is processed.
package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go-civitai-crawler/internal/api"
	"go-civitai-crawler/internal/helpers"
	"go-civitai-crawler/internal/metrics"
	"go-civitai-crawler/internal/models"
	"go-civitai-crawler/internal/pipeline"
	"go-civitai-crawler/internal/store"
	"go-civitai-crawler/internal/taskqueue"

	log "github.com/sirupsen/logrus"
)

// ActionCrawlPage is the queue action that processes one page of one run.
const ActionCrawlPage = "crawl.page"

// ErrRunNotFailed is returned when reactivating a run that has not failed.
var ErrRunNotFailed = errors.New("run is not failed")

// Fetcher is the part of the API client the orchestrator uses.
type Fetcher interface {
	URL(path string, params url.Values) string
	FetchURL(ctx context.Context, rawURL string) (api.Page, error)
	GetModel(ctx context.Context, id int64) (json.RawMessage, error)
	GetModelVersion(ctx context.Context, id int64) (json.RawMessage, error)
	GetModelVersionByHash(ctx context.Context, hash string) (json.RawMessage, error)
}

// Ingester turns stored snapshots into entities.
type Ingester interface {
	IngestBatch(ctx context.Context, snapshotIDs []string) ([]pipeline.Result, error)
}

// Store is the persistence the orchestrator needs.
type Store interface {
	store.SnapshotStore
	store.RunStore
}

// PageReport is passed to the page hook after every processed page.
type PageReport struct {
	Run      models.Run
	Read     int
	Inserted int
	Failed   int
}

// Orchestrator owns the run state machine.
type Orchestrator struct {
	fetcher  Fetcher
	store    Store
	ingester Ingester
	queue    taskqueue.Enqueuer

	onPage func(PageReport)
	now    func() time.Time
	log    *log.Entry
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPageHook calls fn after each processed page, e.g. for progress output.
func WithPageHook(fn func(PageReport)) Option {
	return func(o *Orchestrator) { o.onPage = fn }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(fetcher Fetcher, s Store, ingester Ingester, queue taskqueue.Enqueuer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		fetcher:  fetcher,
		store:    s,
		ingester: ingester,
		queue:    queue,
		now:      func() time.Time { return time.Now().UTC() },
		log:      log.WithField("component", "crawler"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Register binds the page action on q.
func (o *Orchestrator) Register(q *taskqueue.Memory) {
	q.Register(ActionCrawlPage, func(ctx context.Context, _ json.RawMessage) error {
		return o.Work(ctx)
	})
}

// Create stores a pending run for query and schedules a worker unit.
func (o *Orchestrator) Create(ctx context.Context, query Query, target, priority int) (models.Run, error) {
	return o.CreateURL(ctx, o.fetcher.URL(query.Path(), query.Params()), target, priority)
}

// CreateURL stores a pending run for a full list URL and schedules a worker unit.
func (o *Orchestrator) CreateURL(ctx context.Context, rawURL string, target, priority int) (models.Run, error) {
	if target <= 0 {
		return models.Run{}, fmt.Errorf("items target must be positive, got %d", target)
	}
	if _, err := EntityTypeForURL(rawURL); err != nil {
		return models.Run{}, err
	}
	canonical, err := helpers.CanonicalURL(rawURL)
	if err != nil {
		return models.Run{}, err
	}

	run, err := o.store.CreateRun(ctx, models.Run{
		URL:         canonical,
		ItemsTarget: target,
		Priority:    priority,
		Status:      models.RunPending,
	})
	if err != nil {
		return models.Run{}, fmt.Errorf("create run: %w", err)
	}
	metrics.ObserveRunTransition(string(models.RunPending))
	o.log.WithFields(log.Fields{"run": run.ID, "url": run.URL, "priority": priority}).Infof("Created run with target %d", target)

	if err := o.enqueue(ctx); err != nil {
		return run, err
	}
	return run, nil
}

// ClaimNext moves the highest-priority pending run to in_progress.
// ok is false when nothing is pending.
func (o *Orchestrator) ClaimNext(ctx context.Context) (models.Run, bool, error) {
	run, ok, err := o.store.ClaimNext(ctx)
	if err != nil {
		return models.Run{}, false, fmt.Errorf("claim next run: %w", err)
	}
	if ok {
		metrics.ObserveRunTransition(string(models.RunInProgress))
	}
	return run, ok, nil
}

// RunOnePage fetches, snapshots and ingests the page at the run's current URL,
// then persists the run's next state. A page failure is recorded on the run
// and is not returned; the error is only set when the run cannot be saved.
func (o *Orchestrator) RunOnePage(ctx context.Context, run models.Run) (models.Run, error) {
	entry := o.log.WithFields(log.Fields{"run": run.ID, "url": run.URL})

	report, cursor, pageErr := o.processPage(ctx, run, entry)
	if pageErr != nil && ctx.Err() != nil {
		// Shutting down; the run stays in_progress and is requeued on the next start.
		return run, ctx.Err()
	}
	next := Advance(run, PageOutcome{
		ItemsRead:     report.Read,
		ItemsInserted: report.Inserted,
		NextCursor:    cursor,
		Err:           pageErr,
	}, o.now())

	if err := o.store.UpdateRun(ctx, next); err != nil {
		return run, fmt.Errorf("save run %s: %w", run.ID, err)
	}
	metrics.ObserveRunTransition(string(next.Status))
	metrics.ObservePage(string(next.Status), report.Read)

	switch next.Status {
	case models.RunFailed:
		entry.WithError(pageErr).Error("Run failed")
	case models.RunCompleted:
		entry.Infof("Run completed: %d items read, %d new, %d pages", next.ItemsRead, next.ItemsInserted, next.Pages)
	default:
		entry.Debugf("Page done: %d read, %d new, %d/%d total", report.Read, report.Inserted, next.ItemsRead, next.ItemsTarget)
	}

	if o.onPage != nil {
		report.Run = next
		o.onPage(report)
	}
	return next, nil
}

func (o *Orchestrator) processPage(ctx context.Context, run models.Run, entry *log.Entry) (PageReport, string, error) {
	var report PageReport

	entityType, err := EntityTypeForURL(run.URL)
	if err != nil {
		return report, "", err
	}
	page, err := o.fetcher.FetchURL(ctx, run.URL)
	if err != nil {
		return report, "", err
	}
	report.Read = len(page.Items)

	ids := make([]string, 0, len(page.Items))
	for _, item := range page.Items {
		snapIDs, inserted, err := o.snapshotItem(ctx, entityType, item, nil, page.RequestKey)
		if err != nil {
			var invalid *invalidItemError
			if errors.As(err, &invalid) {
				report.Failed++
				entry.WithError(err).Warn("Skipping item without a usable id")
				continue
			}
			return report, "", err
		}
		report.Inserted += inserted
		ids = append(ids, snapIDs...)
	}

	if len(ids) > 0 {
		results, err := o.ingester.IngestBatch(ctx, ids)
		if err != nil {
			return report, "", err
		}
		for _, r := range results {
			if !r.OK() {
				report.Failed++
			}
		}
	}
	return report, page.NextCursor, nil
}

type invalidItemError struct{ err error }

func (e *invalidItemError) Error() string { return e.err.Error() }
func (e *invalidItemError) Unwrap() error { return e.err }

// snapshotItem stores one API item, plus the versions embedded in a model.
// It returns the snapshot ids to ingest, parents first, and how many of the
// top-level items were new.
func (o *Orchestrator) snapshotItem(ctx context.Context, entityType models.EntityType, item json.RawMessage, parentID *int64, queryKey string) ([]string, int, error) {
	id, err := itemID(item)
	if err != nil {
		return nil, 0, &invalidItemError{err: fmt.Errorf("%s item: %w", entityType, err)}
	}

	res, err := o.store.InsertIfAbsent(ctx, store.SnapshotInput{
		EntityType: entityType,
		EntityID:   id,
		ParentID:   parentID,
		QueryKey:   queryKey,
		Payload:    item,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("store snapshot %s:%d: %w", entityType, id, err)
	}
	metrics.ObserveSnapshot(string(entityType), res.Inserted)

	ids := []string{res.SnapshotID}
	inserted := 0
	if res.Inserted {
		inserted = 1
	}
	if entityType != models.EntityModel {
		return ids, inserted, nil
	}

	for _, version := range embeddedVersions(item) {
		vids, _, err := o.snapshotItem(ctx, models.EntityModelVersion, version, &id, queryKey)
		if err != nil {
			var invalid *invalidItemError
			if errors.As(err, &invalid) {
				o.log.WithError(err).WithField("model", id).Warn("Skipping embedded version")
				continue
			}
			return nil, 0, err
		}
		ids = append(ids, vids...)
	}
	return ids, inserted, nil
}

func itemID(item json.RawMessage) (int64, error) {
	var head struct {
		ID interface{} `json:"id"`
	}
	if err := json.Unmarshal(item, &head); err != nil {
		return 0, err
	}
	id, ok := helpers.ToInt64(head.ID)
	if !ok || id <= 0 {
		return 0, fmt.Errorf("invalid id %v", head.ID)
	}
	return id, nil
}

func embeddedVersions(item json.RawMessage) []json.RawMessage {
	var m struct {
		ModelVersions []json.RawMessage `json:"modelVersions"`
	}
	if err := json.Unmarshal(item, &m); err != nil {
		return nil
	}
	return m.ModelVersions
}

// Work is one queue unit: claim a run, process one page, schedule the next
// unit. When nothing is pending it returns without rescheduling.
func (o *Orchestrator) Work(ctx context.Context) error {
	run, ok, err := o.ClaimNext(ctx)
	if err != nil {
		return err
	}
	if !ok {
		o.log.Debug("No pending runs, worker going idle")
		return nil
	}
	if _, err := o.RunOnePage(ctx, run); err != nil {
		return err
	}
	return o.enqueue(ctx)
}

func (o *Orchestrator) enqueue(ctx context.Context) error {
	if o.queue == nil {
		return nil
	}
	if _, err := o.queue.Enqueue(ctx, ActionCrawlPage, nil); err != nil {
		return fmt.Errorf("enqueue %s: %w", ActionCrawlPage, err)
	}
	return nil
}

// Reactivate returns a failed run to pending with its error cleared.
func (o *Orchestrator) Reactivate(ctx context.Context, id string) (models.Run, error) {
	run, err := o.store.GetRun(ctx, id)
	if err != nil {
		return models.Run{}, fmt.Errorf("load run %s: %w", id, err)
	}
	if run.Status != models.RunFailed {
		return run, fmt.Errorf("%w: %s is %s", ErrRunNotFailed, id, run.Status)
	}
	run.Status = models.RunPending
	run.Error = ""
	run.UpdatedAt = o.now()
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return run, fmt.Errorf("save run %s: %w", id, err)
	}
	metrics.ObserveRunTransition(string(models.RunPending))
	o.log.WithField("run", id).Info("Run reactivated")
	return run, o.enqueue(ctx)
}

// Requeue returns runs left in_progress by a stopped worker to pending and
// schedules a worker unit, so pending runs are drained after a restart.
func (o *Orchestrator) Requeue(ctx context.Context) (int, error) {
	n, err := o.store.ResetInProgress(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset in-progress runs: %w", err)
	}
	if n > 0 {
		o.log.Warnf("Returned %d interrupted runs to pending", n)
	}
	return n, o.enqueue(ctx)
}

// ListRuns returns stored runs matching filter.
func (o *Orchestrator) ListRuns(ctx context.Context, filter store.RunFilter) ([]models.Run, error) {
	return o.store.ListRuns(ctx, filter)
}

// FetchModel snapshots and ingests one model and its embedded versions.
func (o *Orchestrator) FetchModel(ctx context.Context, id int64) (pipeline.Result, error) {
	raw, err := o.fetcher.GetModel(ctx, id)
	if err != nil {
		return pipeline.Result{}, err
	}
	return o.ingestSingle(ctx, models.EntityModel, raw, o.fetcher.URL("models/"+strconv.FormatInt(id, 10), nil))
}

// FetchModelVersion snapshots and ingests one model version.
func (o *Orchestrator) FetchModelVersion(ctx context.Context, id int64) (pipeline.Result, error) {
	raw, err := o.fetcher.GetModelVersion(ctx, id)
	if err != nil {
		return pipeline.Result{}, err
	}
	return o.ingestSingle(ctx, models.EntityModelVersion, raw, o.fetcher.URL("model-versions/"+strconv.FormatInt(id, 10), nil))
}

// FetchModelVersionByHash resolves a file hash to its model version and ingests it.
func (o *Orchestrator) FetchModelVersionByHash(ctx context.Context, hash string) (pipeline.Result, error) {
	raw, err := o.fetcher.GetModelVersionByHash(ctx, hash)
	if err != nil {
		return pipeline.Result{}, err
	}
	return o.ingestSingle(ctx, models.EntityModelVersion, raw, o.fetcher.URL("model-versions/by-hash/"+url.PathEscape(hash), nil))
}

func (o *Orchestrator) ingestSingle(ctx context.Context, entityType models.EntityType, raw json.RawMessage, requestURL string) (pipeline.Result, error) {
	ids, _, err := o.snapshotItem(ctx, entityType, raw, nil, helpers.RequestKey(requestURL))
	if err != nil {
		return pipeline.Result{}, err
	}
	results, err := o.ingester.IngestBatch(ctx, ids)
	if len(results) == 0 {
		return pipeline.Result{}, err
	}
	if err != nil {
		return results[0], err
	}
	return results[0], results[0].Err
}
