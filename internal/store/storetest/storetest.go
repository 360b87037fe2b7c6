// Package storetest holds the behaviour every store.Store backend must share.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go-civitai-crawler/internal/models"
	"go-civitai-crawler/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory opens an empty store. overwrite selects the snapshot overwrite policy.
type Factory func(t *testing.T, overwrite bool) store.Store

// Run executes the shared suite against a backend.
func Run(t *testing.T, open Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, open Factory)
	}{
		{"SnapshotInsertIsIdempotent", testSnapshotInsertIsIdempotent},
		{"SnapshotConcurrentInsertHasOneWinner", testSnapshotConcurrentInsert},
		{"SnapshotOverwritePolicy", testSnapshotOverwritePolicy},
		{"SnapshotRejectsUnknownType", testSnapshotRejectsUnknownType},
		{"BacklinkAndUnlinked", testBacklinkAndUnlinked},
		{"EntityInsertNeverOverwrites", testEntityInsertNeverOverwrites},
		{"EntityConcurrentInsertHasOneWinner", testEntityConcurrentInsert},
		{"RunCreateAndUpdate", testRunCreateAndUpdate},
		{"ClaimNextOrdering", testClaimNextOrdering},
		{"ClaimNextConcurrent", testClaimNextConcurrent},
		{"ListRunsAndReset", testListRunsAndReset},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) { tt.fn(t, open) })
	}
}

func imageInput(id int64, payload string) store.SnapshotInput {
	return store.SnapshotInput{
		EntityType: models.EntityImage,
		EntityID:   id,
		QueryKey:   "/api/v1/images?limit=20",
		Payload:    []byte(payload),
	}
}

func testSnapshotInsertIsIdempotent(t *testing.T, open Factory) {
	s := open(t, false)
	ctx := context.Background()

	first, err := s.InsertIfAbsent(ctx, imageInput(1, `{"id":1,"v":1}`))
	require.NoError(t, err)
	assert.True(t, first.Inserted)
	assert.Equal(t, "image:1", first.SnapshotID)

	second, err := s.InsertIfAbsent(ctx, imageInput(1, `{"id":1,"v":2}`))
	require.NoError(t, err)
	assert.False(t, second.Inserted)
	assert.Equal(t, first.SnapshotID, second.SnapshotID)

	snap, err := s.GetSnapshot(ctx, first.SnapshotID)
	require.NoError(t, err)
	assert.Equal(t, `{"id":1,"v":1}`, string(snap.Payload), "first payload is preserved")
	assert.Equal(t, models.EntityImage, snap.EntityType)
	assert.Equal(t, int64(1), snap.EntityID)
	assert.Nil(t, snap.LinkedID)

	// Same id under another entity type is a different snapshot.
	other, err := s.InsertIfAbsent(ctx, store.SnapshotInput{EntityType: models.EntityModel, EntityID: 1, Payload: []byte(`{"id":1}`)})
	require.NoError(t, err)
	assert.True(t, other.Inserted)

	_, err = s.GetSnapshot(ctx, "image:999")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func testSnapshotConcurrentInsert(t *testing.T, open Factory) {
	s := open(t, false)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	inserted := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.InsertIfAbsent(ctx, imageInput(7, `{"id":7}`))
			assert.NoError(t, err)
			if res.Inserted {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, inserted)
}

func testSnapshotOverwritePolicy(t *testing.T, open Factory) {
	s := open(t, true)
	ctx := context.Background()

	_, err := s.InsertIfAbsent(ctx, imageInput(3, `{"id":3,"v":1}`))
	require.NoError(t, err)
	res, err := s.InsertIfAbsent(ctx, imageInput(3, `{"id":3,"v":2}`))
	require.NoError(t, err)
	assert.False(t, res.Inserted, "an overwrite is not an insert")

	snap, err := s.GetSnapshot(ctx, res.SnapshotID)
	require.NoError(t, err)
	assert.Equal(t, `{"id":3,"v":2}`, string(snap.Payload))
}

func testSnapshotRejectsUnknownType(t *testing.T, open Factory) {
	s := open(t, false)
	_, err := s.InsertIfAbsent(context.Background(), store.SnapshotInput{EntityType: "post", EntityID: 1, Payload: []byte(`{}`)})
	assert.Error(t, err)
}

func testBacklinkAndUnlinked(t *testing.T, open Factory) {
	s := open(t, false)
	ctx := context.Background()

	for _, id := range []int64{1, 2, 3} {
		_, err := s.InsertIfAbsent(ctx, imageInput(id, `{}`))
		require.NoError(t, err)
	}
	_, err := s.InsertIfAbsent(ctx, store.SnapshotInput{EntityType: models.EntityModel, EntityID: 9, Payload: []byte(`{}`)})
	require.NoError(t, err)

	ids, err := s.ListUnlinked(ctx, models.EntityImage, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"image:1", "image:2", "image:3"}, ids)

	require.NoError(t, s.Backlink(ctx, "image:2", 2))
	require.NoError(t, s.Backlink(ctx, "image:2", 2), "backlink is repeatable")

	snap, err := s.GetSnapshot(ctx, "image:2")
	require.NoError(t, err)
	require.NotNil(t, snap.LinkedID)
	assert.Equal(t, int64(2), *snap.LinkedID)

	ids, err = s.ListUnlinked(ctx, models.EntityImage, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"image:1", "image:3"}, ids)

	ids, err = s.ListUnlinked(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	err = s.Backlink(ctx, "image:404", 1)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func testEntityInsertNeverOverwrites(t *testing.T, open Factory) {
	s := open(t, false)
	ctx := context.Background()

	img := models.Image{
		ID:            10,
		URL:           "https://img.test/10.jpeg",
		ReactionCount: 5,
		References: []models.ModelReference{
			{Type: models.ReferenceCheckpoint, Name: strPtr("base")},
		},
		StorageKey: "images/10",
		SnapshotID: "image:10",
	}
	inserted, err := s.InsertImage(ctx, img)
	require.NoError(t, err)
	assert.True(t, inserted)

	img.URL = "https://img.test/changed.jpeg"
	inserted, err = s.InsertImage(ctx, img)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := s.GetImage(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "https://img.test/10.jpeg", got.URL)
	assert.Equal(t, "images/10", got.StorageKey)
	require.Len(t, got.References, 1)
	assert.Equal(t, "base", *got.References[0].Name)

	n, err := s.CountImages(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetImage(ctx, 11)
	assert.True(t, errors.Is(err, store.ErrNotFound))

	m := models.Model{ID: 4, Name: "m", Tags: []string{"anime"}, VersionIDs: []int64{40, 41}}
	inserted, err = s.InsertModel(ctx, m)
	require.NoError(t, err)
	assert.True(t, inserted)
	gotModel, err := s.GetModel(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, []int64{40, 41}, gotModel.VersionIDs)

	v := models.ModelVersion{ID: 40, ModelID: 4, Hashes: []string{"abc"}}
	inserted, err = s.InsertModelVersion(ctx, v)
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = s.InsertModelVersion(ctx, v)
	require.NoError(t, err)
	assert.False(t, inserted)
	gotVersion, err := s.GetModelVersion(ctx, 40)
	require.NoError(t, err)
	assert.Equal(t, int64(4), gotVersion.ModelID)

	_, err = s.GetModel(ctx, 5)
	assert.True(t, errors.Is(err, store.ErrNotFound))
	_, err = s.GetModelVersion(ctx, 41)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func testEntityConcurrentInsert(t *testing.T, open Factory) {
	s := open(t, false)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.InsertImage(ctx, models.Image{ID: 77})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func testRunCreateAndUpdate(t *testing.T, open Factory) {
	s := open(t, false)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, models.Run{URL: "https://x.test/images?limit=20", ItemsTarget: 50})
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, models.RunPending, run.Status)
	assert.Equal(t, int64(1), run.Seq)

	run.ItemsRead = 20
	run.Pages = 1
	run.URL = "https://x.test/images?cursor=abc&limit=20"
	run.Error = "boom"
	run.Status = models.RunFailed
	require.NoError(t, s.UpdateRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, got.ItemsRead)
	assert.Equal(t, "boom", got.Error)
	assert.Equal(t, models.RunFailed, got.Status)
	assert.Equal(t, run.URL, got.URL)

	// clearing the error must persist the empty string
	got.Error = ""
	got.Status = models.RunPending
	require.NoError(t, s.UpdateRun(ctx, got))
	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "", got.Error)

	_, err = s.GetRun(ctx, "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
	err = s.UpdateRun(ctx, models.Run{ID: "missing"})
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func testClaimNextOrdering(t *testing.T, open Factory) {
	s := open(t, false)
	ctx := context.Background()

	_, ok, err := s.ClaimNext(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "empty store is idle")

	low, err := s.CreateRun(ctx, models.Run{URL: "low", Priority: 0})
	require.NoError(t, err)
	highA, err := s.CreateRun(ctx, models.Run{URL: "highA", Priority: 5})
	require.NoError(t, err)
	highB, err := s.CreateRun(ctx, models.Run{URL: "highB", Priority: 5})
	require.NoError(t, err)
	_, err = s.CreateRun(ctx, models.Run{URL: "done", Priority: 9, Status: models.RunCompleted})
	require.NoError(t, err)

	var order []string
	for {
		run, ok, err := s.ClaimNext(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		assert.Equal(t, models.RunInProgress, run.Status)
		stored, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RunInProgress, stored.Status)
		order = append(order, run.ID)
	}
	assert.Equal(t, []string{highA.ID, highB.ID, low.ID}, order)
}

func testClaimNextConcurrent(t *testing.T, open Factory) {
	s := open(t, false)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.CreateRun(ctx, models.Run{URL: "u"})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := map[string]int{}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, ok, err := s.ClaimNext(ctx)
			if err != nil {
				assert.True(t, errors.Is(err, store.ErrConflict), "unexpected error %v", err)
				return
			}
			if ok {
				mu.Lock()
				claimed[run.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 3)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "run %s claimed more than once", id)
	}
}

func testListRunsAndReset(t *testing.T, open Factory) {
	s := open(t, false)
	ctx := context.Background()

	a, err := s.CreateRun(ctx, models.Run{URL: "a"})
	require.NoError(t, err)
	b, err := s.CreateRun(ctx, models.Run{URL: "b"})
	require.NoError(t, err)
	_, err = s.CreateRun(ctx, models.Run{URL: "c", Status: models.RunFailed, Error: "x"})
	require.NoError(t, err)

	all, err := s.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, a.ID, all[0].ID)

	failed, err := s.ListRuns(ctx, store.RunFilter{Status: models.RunFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "x", failed[0].Error)

	limited, err := s.ListRuns(ctx, store.RunFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	_, ok, err := s.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := s.ResetInProgress(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := s.ListRuns(ctx, store.RunFilter{Status: models.RunPending})
	require.NoError(t, err)
	assert.Len(t, pending, 2)
	assert.Equal(t, b.ID, pending[1].ID)
}

func strPtr(s string) *string { return &s }
