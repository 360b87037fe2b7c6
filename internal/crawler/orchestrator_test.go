package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"go-civitai-crawler/internal/api"
	"go-civitai-crawler/internal/helpers"
	"go-civitai-crawler/internal/models"
	"go-civitai-crawler/internal/pipeline"
	"go-civitai-crawler/internal/store"
	"go-civitai-crawler/internal/store/sqlstore"
	"go-civitai-crawler/internal/taskqueue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingQueue struct {
	mu    sync.Mutex
	count int
}

func (q *countingQueue) Enqueue(_ context.Context, action string, _ interface{}) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.count++
	return fmt.Sprintf("%s-%d", action, q.count), nil
}

func (q *countingQueue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// pagedAPI serves /api/v1/images in pages of pageSize, chained by cursor.
type pagedAPI struct {
	mu       sync.Mutex
	pages    int
	pageSize int
	requests []string
	fail     bool
	// transient answers this many upcoming requests with 503.
	transient int
}

func (a *pagedAPI) failNext(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.transient = n
}

func (a *pagedAPI) setFail(fail bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fail = fail
}

func (a *pagedAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	a.requests = append(a.requests, r.URL.RawQuery)
	fail := a.fail
	transient := a.transient > 0
	if transient {
		a.transient--
	}
	a.mu.Unlock()

	if transient {
		http.Error(w, "upstream busy", http.StatusServiceUnavailable)
		return
	}
	if fail {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"gone"}`))
		return
	}

	switch r.URL.Path {
	case "/api/v1/images":
		page := 0
		if c := r.URL.Query().Get("cursor"); c != "" {
			_, _ = fmt.Sscanf(c, "p%d", &page)
		}
		items := make([]string, 0, a.pageSize)
		for i := 0; i < a.pageSize; i++ {
			id := page*a.pageSize + i + 1
			items = append(items, fmt.Sprintf(`{"id":%d,"url":"https://img.test/%d.jpeg","width":64,"height":64,"stats":{"likeCount":1},"meta":{"prompt":"p"}}`, id, id))
		}
		next := ""
		if page+1 < a.pages {
			next = fmt.Sprintf(`"p%d"`, page+1)
		} else {
			next = "null"
		}
		fmt.Fprintf(w, `{"items":[%s],"metadata":{"nextCursor":%s}}`, strings.Join(items, ","), next)
	case "/api/v1/models":
		fmt.Fprint(w, `{"items":[`+modelJSON+`],"metadata":{}}`)
	case "/api/v1/models/5":
		fmt.Fprint(w, modelJSON)
	case "/api/v1/model-versions/by-hash/ABC":
		fmt.Fprint(w, `{"id":51,"modelId":5,"name":"v1","files":[{"hashes":{"SHA256":"ABC"}}]}`)
	default:
		http.NotFound(w, r)
	}
}

const modelJSON = `{"id":5,"name":"Castle LoRA","type":"LORA","creator":{"username":"carol"},"modelVersions":[{"id":51,"name":"v1"},{"id":52,"name":"v2"},{"name":"broken"}]}`

type fixture struct {
	store *sqlstore.Store
	api   *pagedAPI
	queue *countingQueue
	orch  *Orchestrator
	pages []PageReport
}

func newFixture(t *testing.T, pages, pageSize int) *fixture {
	t.Helper()
	return newRetryingFixture(t, pages, pageSize, 1)
}

// newRetryingFixture lets the API client retry transient failures with a 1ms base delay.
func newRetryingFixture(t *testing.T, pages, pageSize, attempts int) *fixture {
	t.Helper()
	f := &fixture{api: &pagedAPI{pages: pages, pageSize: pageSize}, queue: &countingQueue{}}

	srv := httptest.NewServer(f.api)
	t.Cleanup(srv.Close)

	s, err := sqlstore.Open(":memory:", sqlstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	f.store = s

	client := api.NewClient(srv.Client(), models.Config{ApiBaseUrl: srv.URL + "/api/v1", ApiMaxAttempts: attempts, ApiRetryBaseMs: 1})
	p := pipeline.New(s, s, nil)
	f.orch = New(client, s, p, f.queue, WithPageHook(func(r PageReport) { f.pages = append(f.pages, r) }))
	return f
}

func TestCrawlReachesTargetAcrossPages(t *testing.T) {
	f := newFixture(t, 10, 20)
	ctx := context.Background()

	run, err := f.orch.Create(ctx, ImageQuery{Limit: 20}, 50, 0)
	require.NoError(t, err)
	assert.Equal(t, models.RunPending, run.Status)
	assert.Equal(t, 1, f.queue.Count())

	var cursors []string
	for i := 0; i < 3; i++ {
		claimed, ok, err := f.orch.ClaimNext(ctx)
		require.NoError(t, err)
		require.True(t, ok, "page %d", i+1)
		assert.Equal(t, run.ID, claimed.ID)
		assert.Equal(t, models.RunInProgress, claimed.Status)

		next, err := f.orch.RunOnePage(ctx, claimed)
		require.NoError(t, err)
		cursors = append(cursors, helpers.QueryParam(next.URL, "cursor"))
	}

	final, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, final.Status)
	assert.Equal(t, 60, final.ItemsRead)
	assert.Equal(t, 60, final.ItemsInserted)
	assert.Equal(t, 3, final.Pages)
	assert.Equal(t, []string{"p1", "p2", "p3"}, cursors, "cursor advances one page at a time")

	n, err := f.store.CountImages(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(60), n)

	_, ok, err := f.orch.ClaimNext(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.Len(t, f.pages, 3)
	assert.Equal(t, 20, f.pages[0].Inserted)
}

func TestWorkDrainsThroughQueue(t *testing.T) {
	f := newFixture(t, 3, 10)
	q := taskqueue.NewMemory(taskqueue.Options{MaxParallelism: 1})
	f.orch.queue = q
	f.orch.Register(q)
	ctx := context.Background()

	low, err := f.orch.Create(ctx, ImageQuery{Username: "low", Limit: 10}, 100, 0)
	require.NoError(t, err)
	high, err := f.orch.Create(ctx, ImageQuery{Username: "high", Limit: 10}, 100, 5)
	require.NoError(t, err)

	require.NoError(t, q.Run(ctx, true))

	for _, id := range []string{low.ID, high.ID} {
		run, err := f.store.GetRun(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.RunCompleted, run.Status)
		assert.Equal(t, 30, run.ItemsRead)
	}
	// Both runs read the same three pages; only the first run's snapshots are new.
	n, err := f.store.CountImages(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(30), n)

	f.api.mu.Lock()
	requests := append([]string(nil), f.api.requests...)
	f.api.mu.Unlock()
	require.GreaterOrEqual(t, len(requests), 6)
	for _, rq := range requests[:3] {
		assert.Contains(t, rq, "username=high", "higher priority is served first")
	}
}

func TestRecrawlIsIdempotent(t *testing.T) {
	f := newFixture(t, 1, 5)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		run, err := f.orch.Create(ctx, ImageQuery{Limit: 5}, 5, 0)
		require.NoError(t, err)
		claimed, ok, err := f.orch.ClaimNext(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, run.ID, claimed.ID)
		done, err := f.orch.RunOnePage(ctx, claimed)
		require.NoError(t, err)

		assert.Equal(t, models.RunCompleted, done.Status)
		assert.Equal(t, 5, done.ItemsRead)
		if i == 0 {
			assert.Equal(t, 5, done.ItemsInserted)
		} else {
			assert.Zero(t, done.ItemsInserted, "second crawl finds only known snapshots")
		}
	}

	n, err := f.store.CountImages(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestPageFailureMarksRunFailedAndReactivates(t *testing.T) {
	f := newFixture(t, 2, 5)
	ctx := context.Background()

	run, err := f.orch.Create(ctx, ImageQuery{Limit: 5}, 100, 0)
	require.NoError(t, err)

	f.api.setFail(true)
	claimed, _, err := f.orch.ClaimNext(ctx)
	require.NoError(t, err)
	failed, err := f.orch.RunOnePage(ctx, claimed)
	require.NoError(t, err, "page failures are recorded on the run")
	assert.Equal(t, models.RunFailed, failed.Status)
	assert.Contains(t, failed.Error, "404")
	assert.Zero(t, failed.ItemsRead)

	_, ok, err := f.orch.ClaimNext(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "failed runs are not picked up again")

	_, err = f.orch.Reactivate(ctx, run.ID)
	require.NoError(t, err)

	f.api.setFail(false)
	claimed, ok, err = f.orch.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	next, err := f.orch.RunOnePage(ctx, claimed)
	require.NoError(t, err)
	assert.Equal(t, models.RunPending, next.Status)
	assert.Empty(t, next.Error)
	assert.Equal(t, 5, next.ItemsRead)

	_, err = f.orch.Reactivate(ctx, run.ID)
	assert.ErrorIs(t, err, ErrRunNotFailed)
}

func TestRequeueResetsInterruptedRuns(t *testing.T) {
	f := newFixture(t, 1, 1)
	ctx := context.Background()

	_, err := f.orch.Create(ctx, ImageQuery{}, 10, 0)
	require.NoError(t, err)
	_, ok, err := f.orch.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	before := f.queue.Count()
	n, err := f.orch.Requeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, before+1, f.queue.Count())

	pending, err := f.orch.ListRuns(ctx, store.RunFilter{Status: models.RunPending})
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestWorkIdleDoesNotReschedule(t *testing.T) {
	f := newFixture(t, 1, 1)
	require.NoError(t, f.orch.Work(context.Background()))
	assert.Zero(t, f.queue.Count())
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, 1, 1)
	ctx := context.Background()

	_, err := f.orch.Create(ctx, ImageQuery{}, 0, 0)
	assert.Error(t, err)

	_, err = f.orch.CreateURL(ctx, "https://civitai.com/api/v1/tags", 10, 0)
	assert.ErrorIs(t, err, ErrUnsupportedURL)
	assert.Zero(t, f.queue.Count())
}

func TestModelPageSnapshotsEmbeddedVersions(t *testing.T) {
	f := newFixture(t, 1, 1)
	ctx := context.Background()

	_, err := f.orch.Create(ctx, ModelQuery{Limit: 10}, 10, 0)
	require.NoError(t, err)
	claimed, ok, err := f.orch.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	done, err := f.orch.RunOnePage(ctx, claimed)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, done.Status)
	assert.Equal(t, 1, done.ItemsRead)
	require.Len(t, f.pages, 1)
	assert.Equal(t, 0, f.pages[0].Failed, "the version without id is skipped, not ingested")

	m, err := f.store.GetModel(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []int64{51, 52}, m.VersionIDs)

	v, err := f.store.GetModelVersion(ctx, 52)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v.ModelID, "parent id comes from the enclosing model")

	snap, err := f.store.GetSnapshot(ctx, models.SnapshotID(models.EntityModelVersion, 51))
	require.NoError(t, err)
	require.NotNil(t, snap.ParentID)
	assert.Equal(t, int64(5), *snap.ParentID)
}

func TestSingleEntityFetches(t *testing.T) {
	f := newFixture(t, 1, 1)
	ctx := context.Background()

	res, err := f.orch.FetchModel(ctx, 5)
	require.NoError(t, err)
	require.NotNil(t, res.Model)
	assert.True(t, res.Inserted)
	assert.Equal(t, "Castle LoRA", res.Model.Name)

	res, err = f.orch.FetchModelVersionByHash(ctx, "ABC")
	require.NoError(t, err)
	require.NotNil(t, res.ModelVersion)
	assert.False(t, res.Inserted, "version 51 was already ingested with its model")

	snap, err := f.store.GetSnapshot(ctx, models.SnapshotID(models.EntityModel, 5))
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/models/5", snap.QueryKey)

	_, err = f.orch.FetchModelVersion(ctx, 999)
	assert.ErrorIs(t, err, api.ErrNotFound)
}

func TestRunOnePageLeavesRunOnShutdown(t *testing.T) {
	f := newFixture(t, 1, 1)
	ctx, cancel := context.WithCancel(context.Background())

	run, err := f.orch.Create(ctx, ImageQuery{}, 10, 0)
	require.NoError(t, err)
	claimed, _, err := f.orch.ClaimNext(ctx)
	require.NoError(t, err)

	cancel()
	_, err = f.orch.RunOnePage(ctx, claimed)
	assert.ErrorIs(t, err, context.Canceled)

	stored, err := f.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunInProgress, stored.Status)
}

func TestTransientFetchFailures(t *testing.T) {
	tests := []struct {
		name       string
		failures   int
		wantStatus models.RunStatus
		wantCursor string
		wantRead   int
	}{
		{"recovers on the last attempt", 4, models.RunPending, "p1", 10},
		{"exhausts every attempt", 5, models.RunFailed, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRetryingFixture(t, 3, 10, 5)
			ctx := context.Background()
			run, err := f.orch.Create(ctx, ImageQuery{Limit: 10}, 100, 0)
			require.NoError(t, err)

			f.api.failNext(tt.failures)
			claimed, ok, err := f.orch.ClaimNext(ctx)
			require.NoError(t, err)
			require.True(t, ok)
			_, err = f.orch.RunOnePage(ctx, claimed)
			require.NoError(t, err)

			stored, err := f.store.GetRun(ctx, run.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, stored.Status)
			assert.Equal(t, tt.wantCursor, helpers.QueryParam(stored.URL, "cursor"))
			assert.Equal(t, tt.wantRead, stored.ItemsRead)
			if tt.wantStatus == models.RunFailed {
				assert.NotEmpty(t, stored.Error)
			} else {
				assert.Empty(t, stored.Error)
			}

			f.api.mu.Lock()
			assert.Len(t, f.api.requests, 5, "one request per attempt")
			f.api.mu.Unlock()
		})
	}
}
