package sqlstore

import (
	"context"
	"path/filepath"
	"testing"

	"go-civitai-crawler/internal/models"
	"go-civitai-crawler/internal/store"
	"go-civitai-crawler/internal/store/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T, overwrite bool) store.Store {
	s, err := Open(":memory:", Options{OverwriteSnapshots: overwrite})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, openMemory)
}

func TestOpenFileDatabasePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "crawler.sqlite")
	ctx := context.Background()

	s, err := Open(path, Options{})
	require.NoError(t, err)
	_, err = s.InsertIfAbsent(ctx, store.SnapshotInput{EntityType: models.EntityImage, EntityID: 1, Payload: []byte(`{"id":1}`)})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, Options{})
	require.NoError(t, err)
	defer s.Close()
	res, err := s.InsertIfAbsent(ctx, store.SnapshotInput{EntityType: models.EntityImage, EntityID: 1, Payload: []byte(`{"id":1}`)})
	require.NoError(t, err)
	assert.False(t, res.Inserted)
}
