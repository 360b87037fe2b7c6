package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go-civitai-crawler/internal/assets"
	"go-civitai-crawler/internal/models"
	"go-civitai-crawler/internal/store"
	"go-civitai-crawler/internal/store/sqlstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	calls    [][]assets.Task
	err      error
	readyErr error
}

func (f *fakeDispatcher) Ready() error { return f.readyErr }

func (f *fakeDispatcher) Dispatch(_ context.Context, tasks []assets.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, tasks)
	return f.err
}

type fakeIndexer struct {
	images []int64
	models []int64
}

func (f *fakeIndexer) IndexImage(img models.Image) error {
	f.images = append(f.images, img.ID)
	return nil
}

func (f *fakeIndexer) IndexModel(m models.Model) error {
	f.models = append(f.models, m.ID)
	return errors.New("index unavailable")
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (store.Store, *fakeDispatcher, *Pipeline) {
	t.Helper()
	s, err := sqlstore.Open(":memory:", sqlstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	d := &fakeDispatcher{}
	p := New(s, s, d, WithClock(func() time.Time { return fixedNow }))
	return s, d, p
}

func putSnapshot(t *testing.T, s store.SnapshotStore, typ models.EntityType, id int64, payload string) string {
	t.Helper()
	res, err := s.InsertIfAbsent(context.Background(), store.SnapshotInput{
		EntityType: typ,
		EntityID:   id,
		QueryKey:   "/api/v1/images?limit=20",
		Payload:    []byte(payload),
	})
	require.NoError(t, err)
	return res.SnapshotID
}

func imagePayload(id int) string {
	return fmt.Sprintf(`{"id":%d,"url":"https://img.test/%d.jpeg","width":512,"height":768,"nsfwLevel":1,"createdAt":"2024-04-01T00:00:00Z","postId":33,"username":"alice","baseModel":"SDXL 1.0","stats":{"cryCount":1,"laughCount":2,"likeCount":3,"dislikeCount":4,"heartCount":5,"commentCount":6},"meta":{"prompt":"castle <lora:detailface:0.8>","hashes":{"model":"abc123"},"resources":[{"type":"checkpoint","name":"juggernautXL"}]}}`, id, id)
}

func TestIngestImageDerivesRecord(t *testing.T) {
	s, d, p := setup(t)
	ctx := context.Background()
	id := putSnapshot(t, s, models.EntityImage, 101, imagePayload(101))

	res, err := p.Ingest(ctx, id)
	require.NoError(t, err)
	assert.True(t, res.Inserted)
	assert.Equal(t, models.EntityImage, res.EntityType)
	assert.Equal(t, int64(101), res.EntityID)
	require.NotNil(t, res.Image)

	img := res.Image
	assert.Equal(t, 15, img.ReactionCount, "reactions exclude comments")
	assert.Equal(t, 6, img.CommentCount)
	assert.Equal(t, "images/101", img.StorageKey)
	assert.Equal(t, "1", img.NsfwLevel)
	assert.Equal(t, "castle <lora:detailface:0.8>", img.Prompt)
	require.NotNil(t, img.PostID)
	assert.Equal(t, int64(33), *img.PostID)
	assert.Equal(t, id, img.SnapshotID)
	assert.True(t, fixedNow.Equal(img.IngestedAt), "ingest time comes from the clock")

	require.Len(t, img.References, 2)
	assert.Equal(t, models.ReferenceCheckpoint, img.References[0].Type)
	assert.Equal(t, "abc123", *img.References[0].Hash)
	assert.Equal(t, "juggernautXL", *img.References[0].Name)
	assert.Equal(t, "detailface", *img.References[1].Name)

	snap, err := s.GetSnapshot(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, snap.LinkedID)
	assert.Equal(t, int64(101), *snap.LinkedID)

	require.Len(t, d.calls, 1)
	assert.Equal(t, []assets.Task{{SourceURL: "https://img.test/101.jpeg", StorageKey: "images/101"}}, d.calls[0])
}

func TestIngestRepeatedlyYieldsOneEntity(t *testing.T) {
	s, d, p := setup(t)
	ctx := context.Background()
	id := putSnapshot(t, s, models.EntityImage, 5, imagePayload(5))

	for i := 0; i < 4; i++ {
		res, err := p.Ingest(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(5), res.Image.ID)
		assert.Equal(t, i == 0, res.Inserted, "attempt %d", i)
	}

	n, err := s.CountImages(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Len(t, d.calls, 1, "assets are dispatched for new entities only")
}

func TestIngestConcurrentAttemptsConverge(t *testing.T) {
	s, d, p := setup(t)
	ctx := context.Background()
	id := putSnapshot(t, s, models.EntityImage, 8, imagePayload(8))

	var wg sync.WaitGroup
	var mu sync.Mutex
	inserted := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.Ingest(ctx, id)
			assert.NoError(t, err)
			assert.Equal(t, int64(8), res.EntityID)
			if res.Inserted {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, inserted)
	n, err := s.CountImages(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Len(t, d.calls, 1)
}

func TestIngestDuplicateBacklinksWithoutReextracting(t *testing.T) {
	s, d, p := setup(t)
	ctx := context.Background()

	_, err := s.InsertImage(ctx, models.Image{ID: 9, URL: "https://img.test/original.jpeg", SnapshotID: "elsewhere"})
	require.NoError(t, err)
	id := putSnapshot(t, s, models.EntityImage, 9, imagePayload(9))

	res, err := p.Ingest(ctx, id)
	require.NoError(t, err)
	assert.False(t, res.Inserted)
	assert.Equal(t, "https://img.test/original.jpeg", res.Image.URL)
	assert.Empty(t, res.Image.References, "existing entity is returned as stored")

	snap, err := s.GetSnapshot(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, snap.LinkedID)
	assert.Equal(t, int64(9), *snap.LinkedID)
	assert.Empty(t, d.calls)
}

func TestIngestBatchIsolatesFailures(t *testing.T) {
	s, d, p := setup(t)
	ctx := context.Background()

	var ids []string
	for i := 1; i <= 4; i++ {
		ids = append(ids, putSnapshot(t, s, models.EntityImage, int64(i), imagePayload(i)))
	}
	bad := putSnapshot(t, s, models.EntityImage, 99, `{"id":"not-a-number","url":7}`)
	ids = append(ids[:2], append([]string{bad}, ids[2:]...)...)

	results, err := p.IngestBatch(ctx, ids)
	require.NoError(t, err)
	require.Len(t, results, 5)

	ok := 0
	for i, r := range results {
		assert.Equal(t, ids[i], r.SnapshotID, "results keep input order")
		if r.OK() {
			ok++
		}
	}
	assert.Equal(t, 4, ok)

	var pe *ParseError
	require.True(t, errors.As(results[2].Err, &pe))
	assert.Equal(t, bad, pe.SnapshotID)

	snap, err := s.GetSnapshot(ctx, bad)
	require.NoError(t, err)
	assert.Nil(t, snap.LinkedID, "failed snapshot stays stored and unlinked")

	require.Len(t, d.calls, 1)
	assert.Len(t, d.calls[0], 4, "one dispatch for the whole batch")
}

func TestIngestReportsValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		typ     models.EntityType
		payload string
	}{
		{"image without url", models.EntityImage, `{"id":3}`},
		{"image without id", models.EntityImage, `{"url":"https://img.test/x.jpeg"}`},
		{"image not an object", models.EntityImage, `[1,2,3]`},
		{"model without name", models.EntityModel, `{"id":3}`},
		{"version with bad id", models.EntityModelVersion, `{"id":-1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, p := setup(t)
			id := putSnapshot(t, s, tt.typ, 3, tt.payload)
			_, err := p.Ingest(context.Background(), id)
			var pe *ParseError
			assert.True(t, errors.As(err, &pe))
		})
	}
}

func TestIngestMissingSnapshot(t *testing.T) {
	_, _, p := setup(t)
	res, err := p.Ingest(context.Background(), "image:404")
	assert.True(t, errors.Is(err, ErrSnapshotNotFound))
	assert.Equal(t, "image:404", res.SnapshotID)
}

func TestIngestBatchSurfacesDispatcherSendError(t *testing.T) {
	s, d, p := setup(t)
	d.err = errors.New("worker unreachable")
	id := putSnapshot(t, s, models.EntityImage, 1, imagePayload(1))

	results, err := p.IngestBatch(context.Background(), []string{id})
	assert.ErrorContains(t, err, "worker unreachable")
	require.Len(t, results, 1)
	assert.True(t, results[0].Inserted)
}

func TestIngestWaitsForDispatcherConfiguration(t *testing.T) {
	s, d, p := setup(t)
	ctx := context.Background()
	d.readyErr = assets.ErrNotConfigured
	imgID := putSnapshot(t, s, models.EntityImage, 1, imagePayload(1))
	modelID := putSnapshot(t, s, models.EntityModel, 40, `{"id":40,"name":"Detail Tweaker","type":"LORA"}`)

	results, err := p.IngestBatch(ctx, []string{imgID, modelID})
	assert.True(t, errors.Is(err, assets.ErrNotConfigured))
	require.Len(t, results, 2)
	assert.False(t, results[0].Inserted)
	assert.True(t, errors.Is(results[0].Err, assets.ErrNotConfigured))
	assert.True(t, results[1].Inserted, "models carry no asset task")

	n, err := s.CountImages(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "no image is stored without its asset task")
	snap, err := s.GetSnapshot(ctx, imgID)
	require.NoError(t, err)
	assert.Nil(t, snap.LinkedID)
	assert.Empty(t, d.calls)

	d.readyErr = nil
	res, err := p.Ingest(ctx, imgID)
	require.NoError(t, err)
	assert.True(t, res.Inserted)
	require.Len(t, d.calls, 1)
	assert.Equal(t, "images/1", d.calls[0][0].StorageKey)
}

func TestIngestWithoutDispatcher(t *testing.T) {
	s, err := sqlstore.Open(":memory:", sqlstore.Options{})
	require.NoError(t, err)
	defer s.Close()
	p := New(s, s, nil)

	id := putSnapshot(t, s, models.EntityImage, 1, imagePayload(1))
	res, err := p.Ingest(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, res.Inserted)
}

func TestIngestModelAndEmbeddedVersion(t *testing.T) {
	s, _, p := setup(t)
	ctx := context.Background()
	ix := &fakeIndexer{}
	p.indexer = ix

	modelID := putSnapshot(t, s, models.EntityModel, 40, `{"id":40,"name":"Detail Tweaker","type":"LORA","creator":{"username":"carol"},"tags":["tool"],"stats":{"downloadCount":900},"modelVersions":[{"id":400,"name":"v1"},{"id":401,"name":"v2"}]}`)
	parent := int64(40)
	res, err := s.InsertIfAbsent(ctx, store.SnapshotInput{
		EntityType: models.EntityModelVersion,
		EntityID:   400,
		ParentID:   &parent,
		Payload:    []byte(`{"id":400,"name":"v1","baseModel":"SD 1.5","files":[{"hashes":{"SHA256":"ABCD","AutoV2":"ab12"}},{"hashes":{"SHA256":"abcd"}}]}`),
	})
	require.NoError(t, err)

	results, err := p.IngestBatch(ctx, []string{modelID, res.SnapshotID})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.NoError(t, results[0].Err)
	require.NoError(t, results[1].Err)

	m := results[0].Model
	require.NotNil(t, m)
	assert.Equal(t, "carol", m.Creator)
	assert.Equal(t, []int64{400, 401}, m.VersionIDs)
	assert.Equal(t, 900, m.Downloads)

	v := results[1].ModelVersion
	require.NotNil(t, v)
	assert.Equal(t, int64(40), v.ModelID, "model id comes from the parent snapshot")
	assert.Equal(t, []string{"abcd", "ab12"}, v.Hashes)

	assert.Equal(t, []int64{40}, ix.models, "index failures do not fail ingestion")
	assert.Empty(t, ix.images)
}

func TestReprocessUnlinked(t *testing.T) {
	s, _, p := setup(t)
	ctx := context.Background()

	putSnapshot(t, s, models.EntityImage, 1, imagePayload(1))
	putSnapshot(t, s, models.EntityImage, 2, imagePayload(2))
	putSnapshot(t, s, models.EntityImage, 3, `{"id":3}`)
	_, err := s.InsertImage(ctx, models.Image{ID: 2})
	require.NoError(t, err)

	sum, err := p.ReprocessUnlinked(ctx, models.EntityImage, 0)
	require.NoError(t, err)
	assert.Equal(t, ReprocessSummary{Processed: 3, Inserted: 1, Duplicates: 1, Failed: 1}, sum)

	left, err := s.ListUnlinked(ctx, models.EntityImage, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"image:3"}, left)

	sum, err = p.ReprocessUnlinked(ctx, models.EntityModel, 0)
	require.NoError(t, err)
	assert.Zero(t, sum.Processed)
}
